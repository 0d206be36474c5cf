// Package risk is the synchronous gate for worker orders. It tracks equity
// and loss from heartbeats, latches a sticky halt when a limit is crossed and
// answers allow/deny for every order request.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GoPolymarket/trade-supervisor/internal/atomicfile"
	"github.com/GoPolymarket/trade-supervisor/internal/eventlog"
	"github.com/GoPolymarket/trade-supervisor/internal/heartbeat"
	"github.com/GoPolymarket/trade-supervisor/internal/metrics"
)

// Halt reason codes.
const (
	HaltDailyLoss      = "DAILY_LOSS_LIMIT"
	HaltDailyLossPct   = "DAILY_LOSS_PCT"
	HaltDrawdown       = "DD_LIMIT"
	HaltDrawdownPct    = "DD_PCT_LIMIT"
	HaltHeartbeatStale = "HEARTBEAT_STALE"
	HaltManual         = "MANUAL"
)

// Policy modes mirrored from the published policy.
const (
	ModeNormal  = "normal"
	ModeRiskOff = "risk_off"
	ModePaused  = "paused"
)

const source = "risk"

// Config holds the limits. A zero limit is disabled.
type Config struct {
	MaxDailyLoss      float64
	MaxDailyLossPct   float64
	MaxDrawdown       float64
	MaxDrawdownPct    float64
	MaxOrderNotional  float64
	MaxLeverage       float64
	MaxSymbolExposure float64
	HaltCooldown      time.Duration
	// StatePath is where State is persisted. Empty disables persistence.
	StatePath string
}

// State is a copy of the engine's risk state.
type State struct {
	Halted          bool               `json:"halted"`
	HaltReason      string             `json:"halt_reason,omitempty"`
	HaltDetail      string             `json:"halt_detail,omitempty"`
	HaltedAt        *time.Time         `json:"halted_at,omitempty"`
	RiskMultiplier  float64            `json:"risk_multiplier"`
	PolicyMode      string             `json:"policy_mode"`
	Exposure        map[string]float64 `json:"exposure"`
	GrossExposure   float64            `json:"gross_exposure"`
	TradingDay      string             `json:"trading_day,omitempty"`
	EquityStart     *float64           `json:"equity_start,omitempty"`
	EquityNow       *float64           `json:"equity_now,omitempty"`
	EquityPeak      *float64           `json:"equity_peak,omitempty"`
	RealizedPnL     *float64           `json:"realized_pnl,omitempty"`
	DailyLoss       float64            `json:"daily_loss"`
	Drawdown        float64            `json:"drawdown"`
	MaxDrawdownSeen float64            `json:"max_drawdown_seen"`
	LastEvaluatedAt *time.Time         `json:"last_evaluated_at,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Flags returns the compact view of s.
func (s State) Flags() Flags {
	return Flags{
		Halted:         s.Halted,
		HaltReason:     s.HaltReason,
		RiskMultiplier: s.RiskMultiplier,
		PolicyMode:     s.PolicyMode,
	}
}

// DrawdownPct is the current drawdown as a fraction of the peak.
func (s State) DrawdownPct() float64 {
	if s.EquityPeak == nil || *s.EquityPeak <= 0 {
		return 0
	}
	return s.Drawdown / *s.EquityPeak
}

// Engine owns State. One mutex serializes heartbeat updates, order
// evaluations and operator actions.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	st     State
	ledger *ledger
	// version increments on every state change that should be persisted.
	version uint64

	persistMu     sync.Mutex
	persistedVers uint64

	events eventlog.Appender
	logger *zap.SugaredLogger
	now    func() time.Time
}

// New creates an engine in the normal mode with multiplier 1.
func New(cfg Config, events eventlog.Appender, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Engine{
		cfg:    cfg,
		ledger: newLedger(),
		events: events,
		logger: logger,
		now:    time.Now,
	}
	e.st.RiskMultiplier = 1
	e.st.PolicyMode = ModeNormal
	metrics.RiskMultiplier.Set(1)
	return e
}

// SetClock overrides the time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// Load restores persisted state. A missing file is not an error. A halt that
// was active before a restart stays active.
func (e *Engine) Load() error {
	if e.cfg.StatePath == "" {
		return nil
	}
	var st State
	if err := atomicfile.ReadJSON(e.cfg.StatePath, &st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load risk state: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st.PolicyMode == "" {
		st.PolicyMode = ModeNormal
	}
	if st.RiskMultiplier < 0 || math.IsNaN(st.RiskMultiplier) {
		st.RiskMultiplier = 1
	}
	e.st = st
	e.ledger.reset(st.Exposure)
	e.st.Exposure = nil
	e.publishGauges()
	if st.Halted {
		e.logger.Warnw("restored active halt", "reason", st.HaltReason, "detail", st.HaltDetail)
	}
	return nil
}

// State returns a copy of the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Flags returns the compact risk view.
func (e *Engine) Flags() Flags {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.Flags()
}

// IsHalted reports whether the auto-halt is active.
func (e *Engine) IsHalted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.Halted
}

// UpdateFromHeartbeat folds a heartbeat into the state and evaluates limits.
// The halt, if any, is visible to every order evaluated after this returns.
func (e *Engine) UpdateFromHeartbeat(ctx context.Context, rec heartbeat.Record) State {
	e.mu.Lock()
	now := e.now()

	day := rec.Day()
	if day != "" && day != e.st.TradingDay {
		if e.st.TradingDay != "" {
			e.logger.Infow("trading day rollover", "from", e.st.TradingDay, "to", day, "halted", e.st.Halted)
		}
		e.st.TradingDay = day
		e.st.EquityStart = nil
		e.st.EquityNow = nil
		e.st.EquityPeak = nil
		e.st.RealizedPnL = nil
		e.st.DailyLoss = 0
		e.st.Drawdown = 0
		e.st.MaxDrawdownSeen = 0
	}

	if rec.Equity != nil {
		eq := *rec.Equity
		if e.st.EquityStart == nil {
			e.st.EquityStart = heartbeat.Float(eq)
		}
		if e.st.EquityPeak == nil || eq > *e.st.EquityPeak {
			e.st.EquityPeak = heartbeat.Float(eq)
		}
		e.st.EquityNow = heartbeat.Float(eq)
	}
	if rec.RealizedPnL != nil {
		e.st.RealizedPnL = heartbeat.Float(*rec.RealizedPnL)
	}

	e.st.DailyLoss = dailyLoss(e.st, rec.DailyLoss)
	if e.st.EquityPeak != nil && e.st.EquityNow != nil {
		e.st.Drawdown = math.Max(0, *e.st.EquityPeak-*e.st.EquityNow)
	}
	if e.st.Drawdown > e.st.MaxDrawdownSeen {
		e.st.MaxDrawdownSeen = e.st.Drawdown
	}

	if rec.Positions != nil {
		e.ledger.reset(rec.Positions)
	}

	code, detail := e.checkLimitsLocked()
	var halted, cleared bool
	var previous string
	switch {
	case code != "" && !e.st.Halted:
		e.haltLocked(code, detail, now)
		halted = true
	case code == "" && e.st.Halted && e.cooldownElapsedLocked(now):
		previous = e.st.HaltReason
		e.clearLocked()
		cleared = true
	}

	e.st.UpdatedAt = now
	e.version++
	snap, vers := e.snapshotLocked(), e.version
	e.mu.Unlock()

	if halted {
		e.logger.Warnw("risk limit breached, trading halted", "code", code, "detail", detail)
		e.emit(ctx, eventlog.New(eventlog.TypeRiskLimitBreach, source, map[string]interface{}{
			"code":       code,
			"detail":     detail,
			"daily_loss": snap.DailyLoss,
			"drawdown":   snap.Drawdown,
		}))
	}
	if cleared {
		e.logger.Infow("halt cleared after cooldown", "previous_reason", previous)
		e.emit(ctx, eventlog.New(eventlog.TypeRiskHaltCleared, source, map[string]interface{}{
			"previous_reason": previous,
			"actor":           "cooldown",
		}))
	}
	e.persist(snap, vers)
	return snap
}

// dailyLoss is the worst of the equity drop since the day started, the
// negated realized pnl and an explicit loss reported by the worker.
func dailyLoss(st State, explicit *float64) float64 {
	loss := 0.0
	if st.EquityStart != nil && st.EquityNow != nil {
		loss = math.Max(loss, *st.EquityStart-*st.EquityNow)
	}
	if st.RealizedPnL != nil {
		loss = math.Max(loss, -*st.RealizedPnL)
	}
	if explicit != nil {
		loss = math.Max(loss, *explicit)
	}
	return loss
}

func (e *Engine) checkLimitsLocked() (string, string) {
	cfg, st := e.cfg, e.st
	if cfg.MaxDailyLoss > 0 && st.DailyLoss >= cfg.MaxDailyLoss {
		return HaltDailyLoss, fmt.Sprintf("daily loss %.2f >= limit %.2f", st.DailyLoss, cfg.MaxDailyLoss)
	}
	if cfg.MaxDailyLossPct > 0 && st.EquityStart != nil && *st.EquityStart > 0 {
		pct := st.DailyLoss / *st.EquityStart
		if pct >= cfg.MaxDailyLossPct {
			return HaltDailyLossPct, fmt.Sprintf("daily loss %.2f%% >= limit %.2f%%", pct*100, cfg.MaxDailyLossPct*100)
		}
	}
	if cfg.MaxDrawdown > 0 && st.Drawdown >= cfg.MaxDrawdown {
		return HaltDrawdown, fmt.Sprintf("drawdown %.2f >= limit %.2f", st.Drawdown, cfg.MaxDrawdown)
	}
	if cfg.MaxDrawdownPct > 0 {
		if pct := st.DrawdownPct(); pct >= cfg.MaxDrawdownPct {
			return HaltDrawdownPct, fmt.Sprintf("drawdown %.2f%% >= limit %.2f%%", pct*100, cfg.MaxDrawdownPct*100)
		}
	}
	return "", ""
}

// cooldownElapsedLocked reports whether an automatic clear is allowed. Manual
// halts are never cleared automatically.
func (e *Engine) cooldownElapsedLocked(now time.Time) bool {
	if e.cfg.HaltCooldown <= 0 || e.st.HaltReason == HaltManual || e.st.HaltedAt == nil {
		return false
	}
	return !now.Before(e.st.HaltedAt.Add(e.cfg.HaltCooldown))
}

func (e *Engine) haltLocked(code, detail string, now time.Time) {
	at := now
	e.st.Halted = true
	e.st.HaltReason = code
	e.st.HaltDetail = detail
	e.st.HaltedAt = &at
	metrics.RiskHalted.Set(1)
}

func (e *Engine) clearLocked() {
	e.st.Halted = false
	e.st.HaltReason = ""
	e.st.HaltDetail = ""
	e.st.HaltedAt = nil
	metrics.RiskHalted.Set(0)
}

// Halt latches the halt with code unless one is already active. It reports
// whether the state changed.
func (e *Engine) Halt(ctx context.Context, code, detail string) bool {
	e.mu.Lock()
	if e.st.Halted {
		e.mu.Unlock()
		return false
	}
	now := e.now()
	e.haltLocked(code, detail, now)
	e.st.UpdatedAt = now
	e.version++
	snap, vers := e.snapshotLocked(), e.version
	e.mu.Unlock()

	e.logger.Warnw("trading halted", "code", code, "detail", detail)
	e.emit(ctx, eventlog.New(eventlog.TypeRiskLimitBreach, source, map[string]interface{}{
		"code":   code,
		"detail": detail,
	}))
	e.persist(snap, vers)
	return true
}

// ClearHalt removes an active halt. It reports whether a halt was cleared.
func (e *Engine) ClearHalt(ctx context.Context, actor string) bool {
	e.mu.Lock()
	if !e.st.Halted {
		e.mu.Unlock()
		return false
	}
	previous := e.st.HaltReason
	e.clearLocked()
	e.st.UpdatedAt = e.now()
	e.version++
	snap, vers := e.snapshotLocked(), e.version
	e.mu.Unlock()

	e.logger.Infow("halt cleared", "actor", actor, "previous_reason", previous)
	e.emit(ctx, eventlog.New(eventlog.TypeRiskHaltCleared, source, map[string]interface{}{
		"previous_reason": previous,
		"actor":           actor,
	}))
	e.persist(snap, vers)
	return true
}

// ApplyPolicy mirrors the published policy into the risk state.
func (e *Engine) ApplyPolicy(mode string, multiplier float64) {
	if multiplier < 0 || math.IsNaN(multiplier) {
		multiplier = 0
	}
	e.mu.Lock()
	changed := e.st.PolicyMode != mode || e.st.RiskMultiplier != multiplier
	e.st.PolicyMode = mode
	e.st.RiskMultiplier = multiplier
	if changed {
		e.st.UpdatedAt = e.now()
		e.version++
	}
	snap, vers := e.snapshotLocked(), e.version
	e.mu.Unlock()

	metrics.RiskMultiplier.Set(multiplier)
	if changed {
		e.persist(snap, vers)
	}
}

// EvaluateOrder validates and decides an order. A validation failure returns a
// *ValidationError and leaves the state untouched.
func (e *Engine) EvaluateOrder(ctx context.Context, req OrderRequest) (Decision, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		metrics.OrderDecisions.WithLabelValues(CodeInvalidOrder, "false").Inc()
		return Decision{}, err
	}

	start := time.Now()
	e.mu.Lock()
	d := e.decideLocked(req)
	now := e.now()
	e.st.LastEvaluatedAt = &now
	d.Flags = e.st.Flags()
	exposure := e.ledger.get(req.Symbol).InexactFloat64()
	e.mu.Unlock()
	metrics.OrderEvaluationLatency.Observe(time.Since(start).Seconds())
	metrics.OrderDecisions.WithLabelValues(d.Code, fmt.Sprintf("%t", d.Allowed)).Inc()

	e.emit(ctx, eventlog.New(eventlog.TypeOrderDecision, source, map[string]interface{}{
		"allowed":         d.Allowed,
		"code":            d.Code,
		"reason":          d.Reason,
		"side":            string(req.Side),
		"order_type":      string(req.OrderType),
		"quantity":        req.Quantity,
		"notional":        req.OrderNotional(),
		"is_reduce_only":  req.IsReduceOnly,
		"symbol_exposure": exposure,
		"halted":          d.Flags.Halted,
		"policy_mode":     d.Flags.PolicyMode,
		"risk_multiplier": d.Flags.RiskMultiplier,
	}).WithSymbol(req.Symbol))
	return d, nil
}

func (e *Engine) decideLocked(req OrderRequest) Decision {
	notional := req.OrderNotional()

	// Reduce-only orders skip the halt and policy gates but not the per-order
	// ceilings.
	if !req.IsReduceOnly {
		if e.st.Halted {
			return deny(CodeAutoHalt, fmt.Sprintf("trading halted: %s", e.st.HaltReason))
		}
		switch e.st.PolicyMode {
		case ModeRiskOff:
			return deny(CodePolicyRiskOff, "policy mode is risk_off")
		case ModePaused:
			return deny(CodePolicyPaused, "policy mode is paused")
		}
	}

	m := e.st.RiskMultiplier
	if req.IsReduceOnly && m <= 0 {
		// risk_off and paused publish a zero multiplier; exits use the base ceilings.
		m = 1
	}
	if limit := e.cfg.MaxOrderNotional; limit > 0 && notional > limit*m {
		return deny(CodeNotionalLimit, fmt.Sprintf("notional %.2f > limit %.2f", notional, limit*m))
	}
	if limit := e.cfg.MaxLeverage; limit > 0 && req.OrderLeverage() > limit*m {
		return deny(CodeLeverageLimit, fmt.Sprintf("leverage %.2f > limit %.2f", req.OrderLeverage(), limit*m))
	}

	if req.IsReduceOnly {
		e.ledger.reduce(req.Symbol, notional)
		return Decision{Allowed: true, Code: CodeReduceOnly, Reason: "reduce-only order"}
	}
	if limit := e.cfg.MaxSymbolExposure; limit > 0 {
		next := e.ledger.get(req.Symbol).InexactFloat64() + notional
		if next > limit*m {
			return deny(CodeExposureLimit, fmt.Sprintf("%s exposure %.2f > limit %.2f", req.Symbol, next, limit*m))
		}
	}

	e.ledger.add(req.Symbol, notional)
	return Decision{Allowed: true, Code: CodeOK, Reason: "within limits"}
}

func deny(code, reason string) Decision {
	return Decision{Allowed: false, Code: code, Reason: reason}
}

func (e *Engine) snapshotLocked() State {
	st := e.st
	st.Exposure = e.ledger.snapshot()
	st.GrossExposure = e.ledger.total().InexactFloat64()
	if st.HaltedAt != nil {
		at := *st.HaltedAt
		st.HaltedAt = &at
	}
	if st.LastEvaluatedAt != nil {
		at := *st.LastEvaluatedAt
		st.LastEvaluatedAt = &at
	}
	st.EquityStart = clone(st.EquityStart)
	st.EquityNow = clone(st.EquityNow)
	st.EquityPeak = clone(st.EquityPeak)
	st.RealizedPnL = clone(st.RealizedPnL)
	return st
}

func (e *Engine) publishGauges() {
	if e.st.Halted {
		metrics.RiskHalted.Set(1)
	} else {
		metrics.RiskHalted.Set(0)
	}
	metrics.RiskMultiplier.Set(e.st.RiskMultiplier)
}

// persist writes snap unless a newer version was already written.
func (e *Engine) persist(snap State, version uint64) {
	if e.cfg.StatePath == "" {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if version <= e.persistedVers {
		return
	}
	if err := atomicfile.WriteJSON(e.cfg.StatePath, snap); err != nil {
		e.logger.Warnw("persist risk state failed", "path", e.cfg.StatePath, "err", err)
		return
	}
	e.persistedVers = version
}

func (e *Engine) emit(ctx context.Context, ev eventlog.Event) {
	if e.events != nil {
		e.events.Append(ctx, ev)
	}
}

func clone(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
