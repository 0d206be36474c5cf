// Package api is the HTTP control surface of the supervisor.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GoPolymarket/trade-supervisor/internal/eventlog"
	"github.com/GoPolymarket/trade-supervisor/internal/heartbeat"
	"github.com/GoPolymarket/trade-supervisor/internal/policy"
	"github.com/GoPolymarket/trade-supervisor/internal/process"
	"github.com/GoPolymarket/trade-supervisor/internal/risk"
	"github.com/GoPolymarket/trade-supervisor/internal/snapshot"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AppState exposes the supervisor to the API layer.
type AppState interface {
	IngestHeartbeat(ctx context.Context, rec heartbeat.Record) HeartbeatAck
	EvaluateOrder(ctx context.Context, req risk.OrderRequest) (risk.Decision, error)
	Status() Status
	Policy() policy.Document
	PolicyDebug() (policy.Debug, bool)
	Snapshot() (snapshot.Snapshot, bool)
	Halt(ctx context.Context, actor, detail string) bool
	ClearHalt(ctx context.Context, actor string) bool
	StartWorker(ctx context.Context, actor string) error
	StopWorker(ctx context.Context, actor string) error
	RestartWorker(ctx context.Context, actor string) error
}

// EventSource backs the audit and stream endpoints.
type EventSource interface {
	Query(ctx context.Context, q eventlog.Query) ([]eventlog.Event, error)
	Subscribe(buffer int) (<-chan eventlog.Event, func())
}

// PolicySummary is the part of the policy document echoed to the worker.
type PolicySummary struct {
	Version        int64   `json:"version"`
	Mode           string  `json:"mode"`
	RiskMultiplier float64 `json:"risk_multiplier"`
	AllowTrading   bool    `json:"allow_trading"`
	Reason         string  `json:"reason"`
}

// Summarize reduces doc to the fields the worker acts on.
func Summarize(doc policy.Document) PolicySummary {
	return PolicySummary{
		Version:        doc.Version,
		Mode:           string(doc.Mode),
		RiskMultiplier: doc.RiskMultiplier,
		AllowTrading:   doc.AllowTrading,
		Reason:         doc.Reason,
	}
}

type HeartbeatAck struct {
	Accepted   bool          `json:"accepted"`
	ReceivedAt time.Time     `json:"received_at"`
	RiskFlags  risk.Flags    `json:"risk_flags"`
	Policy     PolicySummary `json:"policy"`
}

type Status struct {
	Worker    process.Status   `json:"worker"`
	Heartbeat heartbeat.Status `json:"heartbeat"`
	Risk      risk.State       `json:"risk"`
	Policy    PolicySummary    `json:"policy"`
	SafeMode  bool             `json:"safe_mode"`
	UptimeSec float64          `json:"uptime_s"`
}

type Config struct {
	Addr string
	// AuthToken, when set, is required in X-API-TOKEN on every non-public route.
	AuthToken    string
	MaxBodyBytes int64
}

// Server is the HTTP API for the worker and operators.
type Server struct {
	cfg        Config
	httpServer *http.Server
	router     *mux.Router
	app        AppState
	events     EventSource
	logger     *zap.SugaredLogger
	startedAt  time.Time
}

type route struct {
	name    string
	method  string
	path    string
	public  bool
	handler http.HandlerFunc
}

// NewServer builds the server and registers the route table. An invalid table
// is an error.
func NewServer(cfg Config, app AppState, events EventSource, logger *zap.SugaredLogger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	s := &Server{
		cfg:       cfg,
		app:       app,
		events:    events,
		logger:    logger,
		startedAt: time.Now(),
	}

	table := s.routes()
	if err := validateRoutes(table); err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	// requestLog wraps recovery so a panicking request is still logged and
	// measured with its 500.
	r.Use(s.requestLog)
	r.Use(s.recovery)
	for _, rt := range table {
		h := http.Handler(rt.handler)
		if !rt.public {
			h = s.requireToken(h)
		}
		r.Handle(rt.path, h).Methods(rt.method).Name(rt.name)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route", "")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", "")
	})
	s.router = r

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() []route {
	return []route{
		{"health", http.MethodGet, "/health", true, s.handleHealth},
		{"metrics", http.MethodGet, "/metrics", true, promhttp.Handler().ServeHTTP},
		{"heartbeat", http.MethodPost, "/heartbeat", false, s.handleHeartbeat},
		{"risk_evaluate", http.MethodPost, "/risk/evaluate", false, s.handleEvaluate},
		{"risk_halt", http.MethodPost, "/risk/halt", false, s.handleHalt},
		{"risk_clear", http.MethodPost, "/risk/clear", false, s.handleClear},
		{"status", http.MethodGet, "/status", false, s.handleStatus},
		{"policy_current", http.MethodGet, "/policy/current", false, s.handlePolicy},
		{"policy_debug", http.MethodGet, "/policy/debug", false, s.handlePolicyDebug},
		{"snapshot", http.MethodGet, "/snapshot", false, s.handleSnapshot},
		{"events", http.MethodGet, "/events", false, s.handleEvents},
		{"events_stream", http.MethodGet, "/events/stream", false, s.handleStream},
		{"worker_start", http.MethodPost, "/worker/start", false, s.handleWorkerStart},
		{"worker_stop", http.MethodPost, "/worker/stop", false, s.handleWorkerStop},
		{"worker_restart", http.MethodPost, "/worker/restart", false, s.handleWorkerRestart},
	}
}

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true,
}

func validateRoutes(table []route) error {
	names := make(map[string]bool, len(table))
	keys := make(map[string]bool, len(table))
	for _, rt := range table {
		switch {
		case rt.name == "":
			return fmt.Errorf("api: route %s %s has no name", rt.method, rt.path)
		case names[rt.name]:
			return fmt.Errorf("api: duplicate route name %q", rt.name)
		case !allowedMethods[rt.method]:
			return fmt.Errorf("api: route %q has unsupported method %q", rt.name, rt.method)
		case !strings.HasPrefix(rt.path, "/"):
			return fmt.Errorf("api: route %q path %q must start with /", rt.name, rt.path)
		case rt.handler == nil:
			return fmt.Errorf("api: route %q has no handler", rt.name)
		}
		key := rt.method + " " + rt.path
		if keys[key] {
			return fmt.Errorf("api: duplicate route %s", key)
		}
		names[rt.name] = true
		keys[key] = true
	}
	return nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving HTTP requests.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Infow("api server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("api server stopped", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg, details string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code, Details: details})
}
