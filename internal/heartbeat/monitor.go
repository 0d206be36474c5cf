package heartbeat

import (
	"sync"
	"time"
)

// Health of the heartbeat stream.
type Health string

const (
	HealthNoData  Health = "NO_DATA"
	HealthHealthy Health = "HEALTHY"
	HealthStale   Health = "STALE"
)

// Status is a point-in-time view for the status endpoint and the policy engine.
type Status struct {
	Health     Health    `json:"health"`
	Fresh      bool      `json:"fresh"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
	AgeSec     float64   `json:"age_s"`
	TimeoutSec float64   `json:"timeout_s"`
	Count      int64     `json:"count"`
	Current    *Record   `json:"current,omitempty"`
}

// Overdue reports whether a NO_DATA stream has outlived its first window:
// the worker started more than the timeout ago and has not reported since.
// The returned age is the silence in seconds.
func (s Status) Overdue(startedAt *time.Time, now time.Time) (float64, bool) {
	if s.Health != HealthNoData || startedAt == nil || s.TimeoutSec <= 0 {
		return s.AgeSec, false
	}
	silence := now.Sub(*startedAt).Seconds()
	if silence <= s.TimeoutSec {
		return s.AgeSec, false
	}
	return silence, true
}

// Monitor owns the current heartbeat. Superseded records are only kept in
// the event log.
type Monitor struct {
	mu      sync.RWMutex
	current *Record
	count   int64
	now     func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{now: time.Now}
}

// SetClock overrides the time source.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Record stores rec as current, stamping ReceivedAt, and returns the stored copy.
func (m *Monitor) Record(rec Record) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := rec.Clone()
	stored.ReceivedAt = m.now().UTC()
	m.current = &stored
	m.count++
	return stored.Clone()
}

// Current returns a copy of the latest record.
func (m *Monitor) Current() (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Record{}, false
	}
	return m.current.Clone(), true
}

// IsFresh reports whether now - received_at <= ttl. No heartbeat is never fresh.
func (m *Monitor) IsFresh(ttl time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return false
	}
	return m.now().Sub(m.current.ReceivedAt) <= ttl
}

func (m *Monitor) Status(ttl time.Duration) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{Health: HealthNoData, TimeoutSec: ttl.Seconds(), Count: m.count, AgeSec: -1}
	if m.current == nil {
		return st
	}
	age := m.now().Sub(m.current.ReceivedAt)
	cur := m.current.Clone()
	st.Current = &cur
	st.ReceivedAt = m.current.ReceivedAt
	st.AgeSec = age.Seconds()
	st.Fresh = age <= ttl
	if st.Fresh {
		st.Health = HealthHealthy
	} else {
		st.Health = HealthStale
	}
	return st
}
