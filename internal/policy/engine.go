package policy

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GoPolymarket/trade-supervisor/internal/atomicfile"
	"github.com/GoPolymarket/trade-supervisor/internal/eventlog"
	"github.com/GoPolymarket/trade-supervisor/internal/heartbeat"
	"github.com/GoPolymarket/trade-supervisor/internal/metrics"
	"github.com/GoPolymarket/trade-supervisor/internal/moderator"
	"github.com/GoPolymarket/trade-supervisor/internal/process"
	"github.com/GoPolymarket/trade-supervisor/internal/risk"
)

const source = "policy"

// Heartbeat metric names read as policy signals.
const (
	MetricLossStreak = "loss_streak"
	MetricSpreadBps  = "spread_bps"
	MetricVolatility = "volatility"
)

type Config struct {
	Interval         time.Duration
	TTL              time.Duration
	HeartbeatTimeout time.Duration
	// FilePath is the published mirror; StatePath holds hysteresis state.
	FilePath   string
	StatePath  string
	Hysteresis HysteresisConfig
	Thresholds Thresholds
}

type ProcessView interface {
	Status() process.Status
}

type HeartbeatView interface {
	Status(ttl time.Duration) heartbeat.Status
}

type RiskView interface {
	State() risk.State
	ApplyPolicy(mode string, multiplier float64)
}

// Debug is the last recompute, for operators.
type Debug struct {
	At         time.Time                `json:"at"`
	Signals    Signals                  `json:"signals"`
	Heuristic  Decision                 `json:"heuristic"`
	Moderated  *Decision                `json:"moderated,omitempty"`
	Final      Decision                 `json:"final"`
	Moderator  string                   `json:"moderator"`
	Breaker    *moderator.BreakerStatus `json:"breaker,omitempty"`
	Hysteresis hysteresisState          `json:"hysteresis"`
}

// Engine recomputes the policy on an interval and publishes it.
type Engine struct {
	cfg    Config
	proc   ProcessView
	hb     HeartbeatView
	risk   RiskView
	guard  *moderator.Guard
	events eventlog.Appender
	logger *zap.SugaredLogger
	now    func() time.Time

	// mu serializes Recompute; readers use current and debug.
	mu      sync.Mutex
	hyst    *hysteresis
	version int64

	current atomic.Pointer[Document]
	debug   atomic.Pointer[Debug]

	onModeChange func(prev, next Document)
}

// NewEngine builds an engine. guard may be nil to run heuristics only.
func NewEngine(cfg Config, proc ProcessView, hb HeartbeatView, rk RiskView, guard *moderator.Guard, events eventlog.Appender, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		cfg:    cfg,
		proc:   proc,
		hb:     hb,
		risk:   rk,
		guard:  guard,
		events: events,
		logger: logger,
		now:    time.Now,
		hyst:   newHysteresis(cfg.Hysteresis, cfg.StatePath),
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// OnModeChange registers a callback run after a publication changes mode.
func (e *Engine) OnModeChange(fn func(prev, next Document)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onModeChange = fn
}

// Load seeds the version from the published file and restores hysteresis
// state. The previously published document is not served: it is re-derived
// on the first recompute.
func (e *Engine) Load() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.FilePath != "" {
		var prev Document
		err := atomicfile.ReadJSON(e.cfg.FilePath, &prev)
		switch {
		case err == nil:
			e.version = prev.Version
		case errors.Is(err, os.ErrNotExist):
		default:
			e.logger.Warnw("previous policy unreadable, version restarts", "path", e.cfg.FilePath, "err", err)
		}
	}
	return e.hyst.load()
}

// Current returns the latest document, or the safe default before the first
// publication.
func (e *Engine) Current() Document {
	if d := e.current.Load(); d != nil {
		return *d
	}
	return SafeDefault(ReasonNotReady, e.cfg.TTL, e.now())
}

// Debug returns details of the last recompute.
func (e *Engine) Debug() (Debug, bool) {
	if d := e.debug.Load(); d != nil {
		return *d, true
	}
	return Debug{}, false
}

// Run recomputes immediately and then on every interval until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	e.Recompute(ctx)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Recompute(ctx)
		}
	}
}

// Recompute collects signals, evaluates heuristics, consults the moderator,
// applies hysteresis and publishes. If ctx is cancelled during moderation
// nothing is published and the current document is returned.
func (e *Engine) Recompute(ctx context.Context) Document {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	sig := e.collect()
	heur := Evaluate(sig, e.cfg.Thresholds)
	cand := heur
	src := SourceHeuristic
	suffix := ""
	modStatus := "disabled"
	var moderated *Decision

	if e.guard != nil {
		verdict, err := e.guard.Review(ctx, moderator.Candidate{
			Mode:           string(heur.Mode),
			RiskMultiplier: heur.RiskMultiplier,
			Reason:         heur.Reason,
			Signals:        sig.Map(),
		})
		switch {
		case ctx.Err() != nil:
			return e.Current()
		case errors.Is(err, moderator.ErrCircuitOpen):
			suffix, modStatus = SuffixLLMCircuitOpen, "circuit_open"
		case err != nil:
			suffix, modStatus = SuffixLLMUnavailable, "unavailable"
			e.emit(ctx, eventlog.New(eventlog.TypeModeratorFailure, source, map[string]interface{}{
				"error":     err.Error(),
				"candidate": string(heur.Mode),
				"reason":    heur.Reason,
			}))
		default:
			merged, changed := tighten(heur, verdict)
			if changed {
				cand, src, modStatus = merged, SourceLLM, "tightened"
				moderated = &merged
			} else {
				suffix, modStatus = SuffixLLMOK, "ok"
			}
		}
	}

	final := e.hyst.apply(cand)
	if err := e.hyst.save(now); err != nil {
		e.logger.Warnw("persist policy state failed", "err", err)
	}
	if final.Reason == ReasonHysteresisWait || final.Reason == ReasonHysteresisHold {
		src = SourceHeuristic
	}

	doc := Document{
		Version:        e.version + 1,
		GeneratedAt:    now.UTC(),
		TTLSec:         int(e.cfg.TTL / time.Second),
		Mode:           final.Mode,
		RiskMultiplier: final.RiskMultiplier,
		Reason:         final.Reason + suffix,
		Source:         src,
		AllowTrading:   final.Mode == ModeNormal,
		Evidence:       final.Evidence,
	}
	prev := e.current.Load()
	e.publish(ctx, doc)

	dbg := &Debug{
		At:         now.UTC(),
		Signals:    sig,
		Heuristic:  heur,
		Moderated:  moderated,
		Final:      final,
		Moderator:  modStatus,
		Hysteresis: e.hyst.state(),
	}
	if e.guard != nil {
		bs := e.guard.Breaker().Status()
		dbg.Breaker = &bs
	}
	e.debug.Store(dbg)

	if prev != nil && prev.Mode != doc.Mode {
		e.logger.Infow("policy mode changed", "from", prev.Mode, "to", doc.Mode, "reason", doc.Reason)
		if e.onModeChange != nil {
			e.onModeChange(*prev, doc)
		}
	}
	return doc
}

// publish swaps the in-memory document, mirrors it to disk and records the
// event. Disk failures only warn.
func (e *Engine) publish(ctx context.Context, doc Document) {
	e.version = doc.Version
	d := doc
	e.current.Store(&d)
	if e.risk != nil {
		e.risk.ApplyPolicy(string(doc.Mode), doc.RiskMultiplier)
	}

	if e.cfg.FilePath != "" {
		if err := atomicfile.WriteJSON(e.cfg.FilePath, doc); err != nil {
			e.logger.Warnw("publish policy file failed", "path", e.cfg.FilePath, "err", err)
		}
	}
	metrics.PolicyPublications.WithLabelValues(string(doc.Mode), string(doc.Source)).Inc()
	metrics.PolicyVersion.Set(float64(doc.Version))
	e.emit(ctx, eventlog.New(eventlog.TypePolicyPublished, source, map[string]interface{}{
		"version":         doc.Version,
		"mode":            string(doc.Mode),
		"risk_multiplier": doc.RiskMultiplier,
		"reason":          doc.Reason,
		"source":          string(doc.Source),
	}))
}

func (e *Engine) collect() Signals {
	var s Signals
	var startedAt *time.Time
	if e.proc != nil {
		ps := e.proc.Status()
		s.WorkerState = string(ps.State)
		s.WorkerRunning = ps.State == process.StateRunning
		s.RestartsLastHour = ps.RestartsLastHour
		startedAt = ps.StartedAt
	}
	if e.hb != nil {
		hs := e.hb.Status(e.cfg.HeartbeatTimeout)
		s.HeartbeatHealth = string(hs.Health)
		s.HeartbeatAgeSec = hs.AgeSec
		s.HeartbeatStale = hs.Health == heartbeat.HealthStale
		if s.WorkerRunning {
			// a running worker that never reported is as blind as one that stopped
			if age, overdue := hs.Overdue(startedAt, e.now()); overdue {
				s.HeartbeatStale = true
				s.HeartbeatAgeSec = age
			}
		}
		if hs.Current != nil {
			s.LossStreak = metric(*hs.Current, MetricLossStreak)
			s.SpreadBps = metric(*hs.Current, MetricSpreadBps)
			s.Volatility = metric(*hs.Current, MetricVolatility)
		}
	}
	if e.risk != nil {
		rs := e.risk.State()
		s.RiskHalted = rs.Halted
		s.RiskHaltReason = rs.HaltReason
		switch {
		case rs.RealizedPnL != nil:
			s.PnLDay = heartbeat.Float(*rs.RealizedPnL)
		case rs.EquityStart != nil && rs.EquityNow != nil:
			s.PnLDay = heartbeat.Float(*rs.EquityNow - *rs.EquityStart)
		}
		if rs.EquityPeak != nil && rs.EquityNow != nil {
			s.DrawdownDay = heartbeat.Float(rs.Drawdown)
		}
	}
	return s
}

func metric(rec heartbeat.Record, name string) *float64 {
	if v, ok := rec.Metric(name); ok {
		return heartbeat.Float(v)
	}
	return nil
}

// tighten merges a moderator verdict into the heuristic candidate. Only
// stricter modes and lower multipliers are taken.
func tighten(cand Decision, v moderator.Verdict) (Decision, bool) {
	if v.Empty() {
		return cand, false
	}
	out := cand
	changed := false
	if m := Mode(v.Mode); m.Valid() && m.Stricter(out.Mode) {
		out.Mode = m
		changed = true
	}
	if v.RiskMultiplier != nil && *v.RiskMultiplier < out.RiskMultiplier {
		out.RiskMultiplier = *v.RiskMultiplier
		changed = true
	}
	if out.Mode != ModeNormal {
		out.RiskMultiplier = 0
	}
	if changed {
		if r := strings.TrimSpace(v.Reason); r != "" {
			out.Reason = r
		}
	}
	return out, changed
}

func (e *Engine) emit(ctx context.Context, ev eventlog.Event) {
	if e.events != nil {
		e.events.Append(ctx, ev)
	}
}
