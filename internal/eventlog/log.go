package eventlog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GoPolymarket/trade-supervisor/internal/id"
	"github.com/GoPolymarket/trade-supervisor/internal/metrics"
)

// Store is a durable event backend.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Query(ctx context.Context, q Query) ([]Event, error)
	LastSeq(ctx context.Context) (int64, error)
	Close() error
}

// Appender is what components depend on to record events.
type Appender interface {
	Append(ctx context.Context, e Event)
}

// Reader is the query side used by the snapshot scheduler and the API.
type Reader interface {
	Query(ctx context.Context, q Query) ([]Event, error)
	LastSeq(ctx context.Context) (int64, error)
}

// Log fronts a Store. Appends are best-effort: a store failure is logged and
// counted but never returned, so it cannot block a caller's hot path.
type Log struct {
	mu     sync.Mutex
	store  Store
	logger *zap.SugaredLogger
	now    func() time.Time

	subMu  sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

func NewLog(store Store, logger *zap.SugaredLogger) *Log {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Log{
		store:  store,
		logger: logger,
		now:    time.Now,
		subs:   make(map[int]chan Event),
	}
}

// Append assigns an id and timestamp (when missing) and writes e. The mutex
// keeps seq order and subscriber delivery order identical to the order of
// Append calls; publish never blocks, so holding it there is safe.
func (l *Log) Append(ctx context.Context, e Event) {
	l.mu.Lock()
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.ID == "" {
		e.ID = id.At(e.Timestamp)
	}
	err := l.store.Append(ctx, &e)
	if err == nil {
		l.publish(e)
	}
	l.mu.Unlock()

	if err != nil {
		metrics.EventsDropped.Inc()
		l.logger.Warnw("event append failed", "type", e.Type, "source", e.Source, "err", err)
		return
	}
	metrics.EventsAppended.WithLabelValues(string(e.Type)).Inc()
}

func (l *Log) Query(ctx context.Context, q Query) ([]Event, error) {
	return l.store.Query(ctx, q)
}

func (l *Log) LastSeq(ctx context.Context) (int64, error) {
	return l.store.LastSeq(ctx)
}

// Subscribe returns a channel receiving every event appended after the call.
// Slow subscribers miss events rather than stall writers. The returned func
// unsubscribes and closes the channel.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	l.subMu.Lock()
	key := l.nextID
	l.nextID++
	l.subs[key] = ch
	l.subMu.Unlock()

	return ch, func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		if _, ok := l.subs[key]; ok {
			delete(l.subs, key)
			close(ch)
		}
	}
}

func (l *Log) publish(e Event) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (l *Log) Close() error {
	l.subMu.Lock()
	for key, ch := range l.subs {
		delete(l.subs, key)
		close(ch)
	}
	l.subMu.Unlock()
	return l.store.Close()
}
