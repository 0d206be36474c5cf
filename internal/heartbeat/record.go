// Package heartbeat keeps the latest liveness report from the worker.
package heartbeat

import (
	"fmt"
	"math"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const dayLayout = "2006-01-02"

// Record is one heartbeat. Optional numeric fields are pointers so "not
// reported" and "zero" stay distinguishable.
type Record struct {
	ReceivedAt    time.Time          `json:"received_at"`
	UptimeSec     *float64           `json:"uptime_s,omitempty"`
	Equity        *float64           `json:"equity,omitempty"`
	RealizedPnL   *float64           `json:"realized_pnl,omitempty"`
	UnrealizedPnL *float64           `json:"unrealized_pnl,omitempty"`
	DailyLoss     *float64           `json:"daily_loss,omitempty"`
	OpenPositions *int               `json:"open_positions,omitempty"`
	TradingDay    string             `json:"trading_day,omitempty"`
	Mode          string             `json:"mode,omitempty"`
	Positions     map[string]float64 `json:"positions,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
}

// ValidationError rejects a malformed heartbeat without touching state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid heartbeat: %s %s", e.Field, e.Reason)
}

// Code is the API error code for validation failures.
func (e *ValidationError) Code() string { return "INVALID_HEARTBEAT" }

var knownKeys = map[string]bool{
	"received_at": true, "uptime_s": true, "equity": true, "realized_pnl": true,
	"realized_pnl_today": true, "unrealized_pnl": true, "daily_loss": true,
	"open_positions": true, "trading_day": true, "mode": true, "positions": true,
	"metrics": true, "pnl": true,
}

// Decode parses a JSON heartbeat body. Top-level numeric keys that are not
// part of the record are kept in Metrics so workers can report extra signals
// (spread_bps, volatility, loss_streak) without a schema change.
func Decode(body []byte) (Record, error) {
	var raw map[string]jsoniter.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Record{}, &ValidationError{Field: "body", Reason: "is not a JSON object"}
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return Record{}, &ValidationError{Field: "body", Reason: err.Error()}
	}

	// older workers send realized_pnl_today
	if rec.RealizedPnL == nil {
		if v, ok := raw["realized_pnl_today"]; ok {
			var f float64
			if err := json.Unmarshal(v, &f); err != nil {
				return Record{}, &ValidationError{Field: "realized_pnl_today", Reason: "must be a number"}
			}
			rec.RealizedPnL = &f
		}
	}

	for k, v := range raw {
		if knownKeys[k] {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			continue
		}
		if rec.Metrics == nil {
			rec.Metrics = make(map[string]float64)
		}
		if _, exists := rec.Metrics[k]; !exists {
			rec.Metrics[k] = f
		}
	}

	rec.ReceivedAt = time.Time{}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	positions, err := normalizePositions(rec.Positions)
	if err != nil {
		return Record{}, err
	}
	rec.Positions = positions
	return rec, nil
}

// normalizePositions keys positions the same way orders are keyed (trimmed,
// upper case). Two keys that fold to one symbol are ambiguous and rejected.
func normalizePositions(in map[string]float64) (map[string]float64, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]float64, len(in))
	for sym, v := range in {
		key := NormalizeSymbol(sym)
		if _, dup := out[key]; dup {
			return nil, &ValidationError{Field: "positions." + key, Reason: "is reported more than once"}
		}
		out[key] = v
	}
	return out, nil
}

// NormalizeSymbol is the canonical form of an instrument symbol.
func NormalizeSymbol(sym string) string {
	return strings.ToUpper(strings.TrimSpace(sym))
}

// Validate checks ranges and formats.
func (r Record) Validate() error {
	checks := []struct {
		name string
		v    *float64
		min0 bool
	}{
		{"uptime_s", r.UptimeSec, true},
		{"equity", r.Equity, true},
		{"realized_pnl", r.RealizedPnL, false},
		{"unrealized_pnl", r.UnrealizedPnL, false},
		{"daily_loss", r.DailyLoss, false},
	}
	for _, c := range checks {
		if c.v == nil {
			continue
		}
		if math.IsNaN(*c.v) || math.IsInf(*c.v, 0) {
			return &ValidationError{Field: c.name, Reason: "must be finite"}
		}
		if c.min0 && *c.v < 0 {
			return &ValidationError{Field: c.name, Reason: "must be >= 0"}
		}
	}
	if r.OpenPositions != nil && *r.OpenPositions < 0 {
		return &ValidationError{Field: "open_positions", Reason: "must be >= 0"}
	}
	if r.TradingDay != "" {
		if _, err := time.Parse(dayLayout, r.TradingDay); err != nil {
			return &ValidationError{Field: "trading_day", Reason: "must be YYYY-MM-DD"}
		}
	}
	for sym, v := range r.Positions {
		if strings.TrimSpace(sym) == "" {
			return &ValidationError{Field: "positions", Reason: "has an empty symbol"}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: "positions." + sym, Reason: "must be finite"}
		}
	}
	for k, v := range r.Metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: "metrics." + k, Reason: "must be finite"}
		}
	}
	return nil
}

// Day returns the trading day the record belongs to, falling back to the
// UTC date of ReceivedAt.
func (r Record) Day() string {
	if r.TradingDay != "" {
		return r.TradingDay
	}
	if r.ReceivedAt.IsZero() {
		return ""
	}
	return r.ReceivedAt.UTC().Format(dayLayout)
}

// Metric returns a named metric if reported.
func (r Record) Metric(name string) (float64, bool) {
	v, ok := r.Metrics[name]
	return v, ok
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.UptimeSec = clonePtr(r.UptimeSec)
	out.Equity = clonePtr(r.Equity)
	out.RealizedPnL = clonePtr(r.RealizedPnL)
	out.UnrealizedPnL = clonePtr(r.UnrealizedPnL)
	out.DailyLoss = clonePtr(r.DailyLoss)
	if r.OpenPositions != nil {
		n := *r.OpenPositions
		out.OpenPositions = &n
	}
	out.Positions = cloneMap(r.Positions)
	out.Metrics = cloneMap(r.Metrics)
	return out
}

func clonePtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Float is a helper for building records in code.
func Float(v float64) *float64 { return &v }
