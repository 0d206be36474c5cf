// Package eventlog is the append-only audit record of everything the
// supervisor decides or observes.
package eventlog

import (
	"fmt"
	"time"
)

// Type is the closed set of event kinds.
type Type string

const (
	TypeHeartbeat         Type = "HEARTBEAT"
	TypeOrderDecision     Type = "ORDER_DECISION"
	TypeRiskLimitBreach   Type = "RISK_LIMIT_BREACH"
	TypeRiskHaltCleared   Type = "RISK_HALT_CLEARED"
	TypeProcessTransition Type = "PROCESS_TRANSITION"
	TypePolicyPublished   Type = "POLICY_PUBLISHED"
	TypeModeratorFailure  Type = "MODERATOR_FAILURE"
	TypeOperatorAction    Type = "OPERATOR_ACTION"
	TypeAnomaly           Type = "ANOMALY"
	TypeSnapshot          Type = "SNAPSHOT"
)

var knownTypes = map[Type]bool{
	TypeHeartbeat:         true,
	TypeOrderDecision:     true,
	TypeRiskLimitBreach:   true,
	TypeRiskHaltCleared:   true,
	TypeProcessTransition: true,
	TypePolicyPublished:   true,
	TypeModeratorFailure:  true,
	TypeOperatorAction:    true,
	TypeAnomaly:           true,
	TypeSnapshot:          true,
}

// Types lists every event type in a stable order.
func Types() []Type {
	return []Type{
		TypeHeartbeat, TypeOrderDecision, TypeRiskLimitBreach, TypeRiskHaltCleared,
		TypeProcessTransition, TypePolicyPublished, TypeModeratorFailure,
		TypeOperatorAction, TypeAnomaly, TypeSnapshot,
	}
}

// ParseType validates s against the closed enumeration.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !knownTypes[t] {
		return "", fmt.Errorf("eventlog: unknown event type %q", s)
	}
	return t, nil
}

// Event is one appended record. Seq is assigned by the store and defines log
// order; Timestamp is informational.
type Event struct {
	Seq       int64                  `json:"seq"`
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      Type                   `json:"type"`
	Source    string                 `json:"source"`
	Symbol    string                 `json:"symbol,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// New builds an event of type t from source with the given details.
func New(t Type, source string, details map[string]interface{}) Event {
	return Event{Type: t, Source: source, Details: details}
}

// WithSymbol returns a copy tagged with symbol.
func (e Event) WithSymbol(symbol string) Event {
	e.Symbol = symbol
	return e
}

// Query selects events. Zero fields do not filter.
type Query struct {
	Types    []Type
	Since    time.Time
	AfterSeq int64
	Limit    int
	// Newest returns the last Limit matches instead of the first. Results are
	// still ordered by Seq ascending.
	Newest bool
}

func (q Query) matches(e Event) bool {
	if q.AfterSeq > 0 && e.Seq <= q.AfterSeq {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if e.Type == t {
			return true
		}
	}
	return false
}
