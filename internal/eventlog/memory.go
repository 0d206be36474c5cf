package eventlog

import (
	"context"
	"sync"
)

// MemoryStore keeps events in process memory. Used for tests and for the
// "memory" driver in development setups.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	seq    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.Seq = s.seq
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, q Query) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if q.matches(e) {
			out = append(out, e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		if q.Newest {
			out = out[len(out)-q.Limit:]
		} else {
			out = out[:q.Limit]
		}
	}
	res := make([]Event, len(out))
	copy(res, out)
	return res, nil
}

func (s *MemoryStore) LastSeq(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq, nil
}

func (s *MemoryStore) Close() error { return nil }
