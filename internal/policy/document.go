// Package policy computes and publishes the operating policy the worker must
// obey: a mode, a risk multiplier and the reason behind them.
package policy

import (
	"errors"
	"os"
	"time"

	"github.com/GoPolymarket/trade-supervisor/internal/atomicfile"
)

type Mode string

const (
	ModeNormal  Mode = "normal"
	ModePaused  Mode = "paused"
	ModeRiskOff Mode = "risk_off"
)

// rank orders modes by restrictiveness.
func (m Mode) rank() int {
	switch m {
	case ModeNormal:
		return 0
	case ModePaused:
		return 1
	default:
		return 2
	}
}

// Stricter reports whether m is more restrictive than other.
func (m Mode) Stricter(other Mode) bool { return m.rank() > other.rank() }

func (m Mode) Valid() bool {
	return m == ModeNormal || m == ModePaused || m == ModeRiskOff
}

type Source string

const (
	SourceHeuristic Source = "heuristic"
	SourceLLM       Source = "llm"
)

// Reason codes that are not heuristic outcomes.
const (
	ReasonNotReady       = "POLICY_NOT_READY"
	ReasonMissing        = "POLICY_MISSING"
	ReasonUnreadable     = "POLICY_UNREADABLE"
	ReasonStale          = "POLICY_STALE"
	ReasonHysteresisWait = "HYSTERESIS_WAIT"
	ReasonHysteresisHold = "HYSTERESIS_HOLD"
	SuffixLLMUnavailable = "|LLM_UNAVAILABLE"
	SuffixLLMCircuitOpen = "|LLM_CB_OPEN"
	SuffixLLMOK          = "|LLM_OK"
)

// Document is one published policy.
type Document struct {
	Version        int64     `json:"version"`
	GeneratedAt    time.Time `json:"generated_at"`
	TTLSec         int       `json:"ttl_sec"`
	Mode           Mode      `json:"mode"`
	RiskMultiplier float64   `json:"risk_multiplier"`
	Reason         string    `json:"reason"`
	Source         Source    `json:"source"`
	AllowTrading   bool      `json:"allow_trading"`
	Evidence       string    `json:"evidence,omitempty"`
}

// ExpiresAt is GeneratedAt + TTLSec.
func (d Document) ExpiresAt() time.Time {
	return d.GeneratedAt.Add(time.Duration(d.TTLSec) * time.Second)
}

// Stale reports whether consumers must stop trusting d at now.
func (d Document) Stale(now time.Time) bool {
	return now.After(d.ExpiresAt())
}

// SafeDefault is what consumers fall back to without a usable document: no
// new risk, reducing actions still allowed.
func SafeDefault(reason string, ttl time.Duration, now time.Time) Document {
	return Document{
		GeneratedAt:    now.UTC(),
		TTLSec:         int(ttl / time.Second),
		Mode:           ModeRiskOff,
		RiskMultiplier: 0,
		Reason:         reason,
		Source:         SourceHeuristic,
		AllowTrading:   false,
	}
}

// ReadFile loads a published document for a consumer. A missing, unreadable
// or stale file yields the safe default.
func ReadFile(path string, now time.Time) Document {
	var doc Document
	if err := atomicfile.ReadJSON(path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return SafeDefault(ReasonMissing, 0, now)
		}
		return SafeDefault(ReasonUnreadable, 0, now)
	}
	if !doc.Mode.Valid() || doc.GeneratedAt.IsZero() {
		return SafeDefault(ReasonUnreadable, 0, now)
	}
	if doc.Stale(now) {
		return SafeDefault(ReasonStale, 0, now)
	}
	return doc
}
