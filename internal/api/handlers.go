package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/GoPolymarket/trade-supervisor/internal/eventlog"
	"github.com/GoPolymarket/trade-supervisor/internal/heartbeat"
	"github.com/GoPolymarket/trade-supervisor/internal/metrics"
	"github.com/GoPolymarket/trade-supervisor/internal/process"
	"github.com/GoPolymarket/trade-supervisor/internal/risk"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	headerOperator    = "X-Operator"
)

// coded is implemented by validation errors that carry an API code.
type coded interface {
	error
	Code() string
}

// readBody enforces the body size limit. It writes the error response itself
// and reports false on failure.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE",
				"request body too large", fmt.Sprintf("limit is %d bytes", s.cfg.MaxBodyBytes))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "could not read request body", err.Error())
		return nil, false
	}
	return body, true
}

func operator(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(headerOperator)); v != "" {
		return v
	}
	return "api"
}

// GET /health is the liveness check.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"uptime_s": time.Since(s.startedAt).Seconds(),
	})
}

// POST /heartbeat
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	rec, err := heartbeat.Decode(body)
	if err != nil {
		metrics.HeartbeatsReceived.WithLabelValues("rejected").Inc()
		writeCoded(w, err, "INVALID_HEARTBEAT")
		return
	}
	writeJSON(w, http.StatusOK, s.app.IngestHeartbeat(r.Context(), rec))
}

// POST /risk/evaluate. A denial is still a 200; only malformed requests fail.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req risk.OrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, risk.CodeInvalidOrder, "request body is not a valid order", err.Error())
		return
	}
	decision, err := s.app.EvaluateOrder(r.Context(), req)
	if err != nil {
		writeCoded(w, err, risk.CodeInvalidOrder)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func writeCoded(w http.ResponseWriter, err error, fallback string) {
	var ce coded
	if errors.As(err, &ce) {
		writeError(w, http.StatusBadRequest, ce.Code(), "validation failed", ce.Error())
		return
	}
	writeError(w, http.StatusBadRequest, fallback, "validation failed", err.Error())
}

type haltRequest struct {
	Reason string `json:"reason"`
}

// POST /risk/halt
func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req haltRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid halt request", err.Error())
			return
		}
	}
	if !s.app.Halt(r.Context(), operator(r), strings.TrimSpace(req.Reason)) {
		writeError(w, http.StatusConflict, "ALREADY_HALTED", "risk engine is already halted", "")
		return
	}
	writeJSON(w, http.StatusOK, s.app.Status().Risk.Flags())
}

// POST /risk/clear
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if !s.app.ClearHalt(r.Context(), operator(r)) {
		writeError(w, http.StatusConflict, "NOT_HALTED", "risk engine is not halted", "")
		return
	}
	writeJSON(w, http.StatusOK, s.app.Status().Risk.Flags())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handlePolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Policy())
}

func (s *Server) handlePolicyDebug(w http.ResponseWriter, _ *http.Request) {
	dbg, ok := s.app.PolicyDebug()
	if !ok {
		writeError(w, http.StatusNotFound, "POLICY_NOT_READY", "no policy has been computed yet", "")
		return
	}
	writeJSON(w, http.StatusOK, dbg)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.app.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "SNAPSHOT_NOT_READY", "no snapshot has been generated yet", "")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GET /events?type=A,B&since=15m&after_seq=N&limit=N
//
// Without after_seq the newest events are returned.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventQuery(r, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "invalid event query", err.Error())
		return
	}
	evs, err := s.events.Query(r.Context(), q)
	if err != nil {
		s.logger.Warnw("event query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "EVENT_LOG_UNAVAILABLE", "event log query failed", "")
		return
	}
	if evs == nil {
		evs = []eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": evs,
		"count":  len(evs),
	})
}

func parseEventQuery(r *http.Request, now time.Time) (eventlog.Query, error) {
	v := r.URL.Query()
	q := eventlog.Query{Limit: defaultEventLimit}

	types, err := parseTypes(v.Get("type"))
	if err != nil {
		return q, err
	}
	q.Types = types

	if raw := strings.TrimSpace(v.Get("since")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			q.Since = now.Add(-d)
		} else if t, err := time.Parse(time.RFC3339, raw); err == nil {
			q.Since = t
		} else {
			return q, fmt.Errorf("since must be RFC3339 or a duration, got %q", raw)
		}
	}
	if raw := strings.TrimSpace(v.Get("after_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return q, fmt.Errorf("after_seq must be a non-negative integer, got %q", raw)
		}
		q.AfterSeq = n
	}
	if raw := strings.TrimSpace(v.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("limit must be a positive integer, got %q", raw)
		}
		if n > maxEventLimit {
			n = maxEventLimit
		}
		q.Limit = n
	}
	q.Newest = q.AfterSeq == 0
	return q, nil
}

func parseTypes(raw string) ([]eventlog.Type, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []eventlog.Type
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		t, err := eventlog.ParseType(part)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Server) handleWorkerStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, s.app.StartWorker(r.Context(), operator(r)))
}

func (s *Server) handleWorkerStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, s.app.StopWorker(r.Context(), operator(r)))
}

func (s *Server) handleWorkerRestart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, s.app.RestartWorker(r.Context(), operator(r)))
}

func (s *Server) lifecycle(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.app.Status().Worker)
	case errors.Is(err, process.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "ALREADY_RUNNING", "worker is already running", "")
	case errors.Is(err, process.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", "worker cannot make that transition now", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "WORKER_ERROR", "worker operation failed", err.Error())
	}
}
