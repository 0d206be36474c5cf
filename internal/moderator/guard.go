// Package moderator asks an external advisory service to review a policy
// candidate. Calls are bounded by a timeout and a circuit breaker so the
// policy loop never waits on a slow or failing advisor.
package moderator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/GoPolymarket/trade-supervisor/internal/metrics"
)

var (
	ErrCircuitOpen = errors.New("moderator: circuit open")
	ErrUnavailable = errors.New("moderator: unavailable")
)

// Candidate is the heuristic policy submitted for review.
type Candidate struct {
	Mode           string                 `json:"mode"`
	RiskMultiplier float64                `json:"risk_multiplier"`
	Reason         string                 `json:"reason"`
	Signals        map[string]interface{} `json:"signals,omitempty"`
}

// Verdict is the advisor's suggestion. Empty fields mean "no change".
type Verdict struct {
	Mode           string   `json:"mode,omitempty"`
	RiskMultiplier *float64 `json:"risk_multiplier,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

// Empty reports whether the advisor suggested nothing.
func (v Verdict) Empty() bool {
	return v.Mode == "" && v.RiskMultiplier == nil && v.Reason == ""
}

func (v Verdict) validate() error {
	switch v.Mode {
	case "", "normal", "risk_off", "paused":
	default:
		return fmt.Errorf("unknown mode %q", v.Mode)
	}
	if m := v.RiskMultiplier; m != nil && (math.IsNaN(*m) || *m < 0 || *m > 1) {
		return fmt.Errorf("risk_multiplier %v outside [0,1]", *m)
	}
	return nil
}

// Moderator reviews a candidate.
type Moderator interface {
	Review(ctx context.Context, c Candidate) (Verdict, error)
}

// Guard wraps a Moderator with a breaker and a hard timeout.
type Guard struct {
	mod     Moderator
	breaker *Breaker
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func NewGuard(mod Moderator, breaker *Breaker, timeout time.Duration, logger *zap.SugaredLogger) *Guard {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Guard{mod: mod, breaker: breaker, timeout: timeout, logger: logger}
}

// Breaker exposes the breaker for status reporting.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Review returns ErrCircuitOpen without calling the advisor while the breaker
// is open, and an error wrapping ErrUnavailable on failure or timeout. A
// cancelled parent context is not counted against the advisor.
func (g *Guard) Review(ctx context.Context, c Candidate) (Verdict, error) {
	if !g.breaker.Allow() {
		metrics.ModeratorCalls.WithLabelValues("rejected").Inc()
		return Verdict{}, ErrCircuitOpen
	}

	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		v   Verdict
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := g.mod.Review(rctx, c)
		ch <- result{v, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-rctx.Done():
		if ctx.Err() != nil {
			g.breaker.Release()
			return Verdict{}, ctx.Err()
		}
		r.err = rctx.Err()
	}
	metrics.ModeratorLatency.Observe(time.Since(start).Seconds())

	if r.err == nil {
		if verr := r.v.validate(); verr != nil {
			r.err = verr
		}
	}
	if r.err != nil {
		if ctx.Err() != nil {
			g.breaker.Release()
			return Verdict{}, ctx.Err()
		}
		outcome := "error"
		if errors.Is(r.err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metrics.ModeratorCalls.WithLabelValues(outcome).Inc()
		g.breaker.Failure()
		g.logger.Warnw("moderator review failed", "outcome", outcome, "err", r.err)
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, r.err)
	}

	metrics.ModeratorCalls.WithLabelValues("ok").Inc()
	g.breaker.Success()
	return r.v, nil
}
