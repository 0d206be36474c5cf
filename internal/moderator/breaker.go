package moderator

import (
	"sync"
	"time"

	"github.com/GoPolymarket/trade-supervisor/internal/metrics"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerStatus is a point-in-time view of the breaker.
type BreakerStatus struct {
	State     BreakerState `json:"state"`
	Failures  int          `json:"failures"`
	Threshold int          `json:"failure_threshold"`
	WindowSec float64      `json:"window_sec"`
	OpenSec   float64      `json:"open_sec"`
	OpenUntil *time.Time   `json:"open_until,omitempty"`
}

// Breaker opens after threshold failures inside window and stays open for
// openFor. After that a single trial call is admitted (half-open); its
// outcome closes or re-opens the breaker.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	openFor   time.Duration
	now       func() time.Time

	state     BreakerState
	failures  []time.Time
	openUntil time.Time
	trial     bool
}

func NewBreaker(threshold int, window, openFor time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	b := &Breaker{
		threshold: threshold,
		window:    window,
		openFor:   openFor,
		now:       time.Now,
		state:     BreakerClosed,
	}
	metrics.BreakerState.Set(0)
	return b
}

// SetClock overrides the time source.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Allow reports whether a call may proceed. In half-open state only the
// first caller gets through until an outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	switch b.state {
	case BreakerOpen:
		if now.Before(b.openUntil) {
			return false
		}
		b.setState(BreakerHalfOpen)
		b.trial = true
		return true
	case BreakerHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	default:
		b.prune(now)
		return true
	}
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
	b.openUntil = time.Time{}
	b.trial = false
	b.setState(BreakerClosed)
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if b.state == BreakerHalfOpen {
		b.trip(now)
		return
	}
	b.prune(now)
	b.failures = append(b.failures, now)
	if len(b.failures) >= b.threshold {
		b.trip(now)
	}
}

// Release gives back a half-open trial that ended without an outcome.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
}

func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	st := BreakerStatus{
		State:     b.state,
		Failures:  len(b.failures),
		Threshold: b.threshold,
		WindowSec: b.window.Seconds(),
		OpenSec:   b.openFor.Seconds(),
	}
	if b.state == BreakerOpen {
		until := b.openUntil
		st.OpenUntil = &until
	}
	return st
}

func (b *Breaker) trip(now time.Time) {
	b.openUntil = now.Add(b.openFor)
	b.trial = false
	b.setState(BreakerOpen)
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	switch s {
	case BreakerOpen:
		metrics.BreakerState.Set(2)
	case BreakerHalfOpen:
		metrics.BreakerState.Set(1)
	default:
		metrics.BreakerState.Set(0)
	}
}
