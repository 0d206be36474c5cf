// Package snapshot periodically summarizes recent event log activity into a
// cached report that is cheap to serve.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GoPolymarket/trade-supervisor/internal/atomicfile"
	"github.com/GoPolymarket/trade-supervisor/internal/eventlog"
	"github.com/GoPolymarket/trade-supervisor/internal/metrics"
)

const source = "snapshot"

// Aggregates are derived from the events inside the window.
type Aggregates struct {
	EventsByType       map[string]int `json:"events_by_type"`
	Heartbeats         int            `json:"heartbeats"`
	OrdersAllowed      int            `json:"orders_allowed"`
	OrdersDenied       int            `json:"orders_denied"`
	DenialCodes        map[string]int `json:"denial_codes"`
	RiskBreaches       int            `json:"risk_breaches"`
	HaltsCleared       int            `json:"halts_cleared"`
	ProcessCrashes     int            `json:"process_crashes"`
	ProcessRestarts    int            `json:"process_restarts"`
	PolicyPublications int            `json:"policy_publications"`
	LastPolicyMode     string         `json:"last_policy_mode,omitempty"`
	LastPolicyVersion  int64          `json:"last_policy_version,omitempty"`
	ModeratorFailures  int            `json:"moderator_failures"`
	OperatorActions    int            `json:"operator_actions"`
	Anomalies          int            `json:"anomalies"`
}

type Snapshot struct {
	GeneratedAt    time.Time  `json:"generated_at"`
	WindowStart    time.Time  `json:"window_start"`
	LastSeq        int64      `json:"last_seq"`
	EventCount     int        `json:"event_count"`
	CarriedForward bool       `json:"carried_forward"`
	Aggregates     Aggregates `json:"aggregates"`
}

type Config struct {
	Interval time.Duration
	Window   time.Duration
	// Path persists the latest snapshot. Empty disables persistence.
	Path string
}

// Scheduler owns the cached snapshot.
type Scheduler struct {
	cfg    Config
	reader eventlog.Reader
	events eventlog.Appender
	logger *zap.SugaredLogger
	now    func() time.Time

	mu      sync.Mutex
	current *Snapshot
}

func NewScheduler(cfg Config, reader eventlog.Reader, events eventlog.Appender, logger *zap.SugaredLogger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{cfg: cfg, reader: reader, events: events, logger: logger, now: time.Now}
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Load restores the persisted snapshot. A missing file is not an error.
func (s *Scheduler) Load() error {
	if s.cfg.Path == "" {
		return nil
	}
	var snap Snapshot
	if err := atomicfile.ReadJSON(s.cfg.Path, &snap); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load snapshot: %w", err)
	}
	s.mu.Lock()
	s.current = &snap
	s.mu.Unlock()
	return nil
}

// Current returns a copy of the cached snapshot.
func (s *Scheduler) Current() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Snapshot{}, false
	}
	return clone(*s.current), true
}

// Run builds a snapshot immediately and then on every interval.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Warnw("snapshot failed", "err", err)
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Warnw("snapshot failed", "err", err)
			}
		}
	}
}

// RunOnce replaces the cached snapshot. When nothing but snapshot events was
// appended since the last run, the previous aggregates are carried forward
// with a new GeneratedAt. On a read error the previous snapshot is kept.
func (s *Scheduler) RunOnce(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	types := activityTypes()

	latest, err := s.reader.Query(ctx, eventlog.Query{Types: types, Newest: true, Limit: 1})
	if err != nil {
		metrics.SnapshotRuns.WithLabelValues("error").Inc()
		return s.currentLocked(), fmt.Errorf("snapshot: latest event: %w", err)
	}

	if s.current != nil && (len(latest) == 0 || latest[0].Seq <= s.current.LastSeq) {
		next := clone(*s.current)
		next.GeneratedAt = now
		next.CarriedForward = true
		s.store(next)
		metrics.SnapshotRuns.WithLabelValues("carried").Inc()
		return clone(next), nil
	}

	windowStart := now.Add(-s.cfg.Window)
	evs, err := s.reader.Query(ctx, eventlog.Query{Types: types, Since: windowStart})
	if err != nil {
		metrics.SnapshotRuns.WithLabelValues("error").Inc()
		return s.currentLocked(), fmt.Errorf("snapshot: window: %w", err)
	}

	next := Snapshot{
		GeneratedAt: now,
		WindowStart: windowStart,
		EventCount:  len(evs),
		Aggregates:  Aggregate(evs),
	}
	if len(latest) > 0 {
		next.LastSeq = latest[0].Seq
	}
	s.store(next)
	metrics.SnapshotRuns.WithLabelValues("fresh").Inc()

	if s.events != nil {
		s.events.Append(ctx, eventlog.New(eventlog.TypeSnapshot, source, map[string]interface{}{
			"last_seq":    next.LastSeq,
			"event_count": next.EventCount,
			"denied":      next.Aggregates.OrdersDenied,
			"breaches":    next.Aggregates.RiskBreaches,
		}))
	}
	return clone(next), nil
}

func (s *Scheduler) store(next Snapshot) {
	s.current = &next
	if s.cfg.Path == "" {
		return
	}
	if err := atomicfile.WriteJSON(s.cfg.Path, next); err != nil {
		s.logger.Warnw("persist snapshot failed", "path", s.cfg.Path, "err", err)
	}
}

func (s *Scheduler) currentLocked() Snapshot {
	if s.current == nil {
		return Snapshot{}
	}
	return clone(*s.current)
}

// activityTypes is every event type except SNAPSHOT.
func activityTypes() []eventlog.Type {
	all := eventlog.Types()
	out := make([]eventlog.Type, 0, len(all))
	for _, t := range all {
		if t != eventlog.TypeSnapshot {
			out = append(out, t)
		}
	}
	return out
}

// Aggregate summarizes evs, which must be in log order.
func Aggregate(evs []eventlog.Event) Aggregates {
	a := Aggregates{
		EventsByType: make(map[string]int),
		DenialCodes:  make(map[string]int),
	}
	for _, e := range evs {
		a.EventsByType[string(e.Type)]++
		switch e.Type {
		case eventlog.TypeHeartbeat:
			a.Heartbeats++
		case eventlog.TypeOrderDecision:
			if allowed, _ := e.Details["allowed"].(bool); allowed {
				a.OrdersAllowed++
			} else {
				a.OrdersDenied++
				if code, ok := e.Details["code"].(string); ok {
					a.DenialCodes[code]++
				}
			}
		case eventlog.TypeRiskLimitBreach:
			a.RiskBreaches++
		case eventlog.TypeRiskHaltCleared:
			a.HaltsCleared++
		case eventlog.TypeProcessTransition:
			to, _ := e.Details["to"].(string)
			reason, _ := e.Details["reason"].(string)
			if to == "CRASHED" {
				a.ProcessCrashes++
			}
			if to == "STARTING" && strings.HasPrefix(reason, "automatic restart") {
				a.ProcessRestarts++
			}
		case eventlog.TypePolicyPublished:
			a.PolicyPublications++
			if mode, ok := e.Details["mode"].(string); ok {
				a.LastPolicyMode = mode
			}
			a.LastPolicyVersion = asInt64(e.Details["version"])
		case eventlog.TypeModeratorFailure:
			a.ModeratorFailures++
		case eventlog.TypeOperatorAction:
			a.OperatorActions++
		case eventlog.TypeAnomaly:
			a.Anomalies++
		}
	}
	return a
}

// asInt64 accepts the numeric forms details take before and after a JSON
// round trip.
func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func clone(s Snapshot) Snapshot {
	out := s
	out.Aggregates.EventsByType = copyCounts(s.Aggregates.EventsByType)
	out.Aggregates.DenialCodes = copyCounts(s.Aggregates.DenialCodes)
	return out
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
