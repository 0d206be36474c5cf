package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	MemoryStore
	err error
}

func (f *failingStore) Append(context.Context, *Event) error { return f.err }

func TestLogAppendStampsIDAndTimestamp(t *testing.T) {
	t.Parallel()

	l := NewLog(NewMemoryStore(), nil)
	fixed := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	l.Append(context.Background(), New(TypeAnomaly, "test", map[string]interface{}{"kind": "x"}))

	got, err := l.Query(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fixed, got[0].Timestamp)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, int64(1), got[0].Seq)
}

func TestLogAppendFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	l := NewLog(&failingStore{err: errors.New("io")}, nil)
	ch, cancel := l.Subscribe(1)
	defer cancel()

	assert.NotPanics(t, func() {
		l.Append(context.Background(), New(TypeHeartbeat, "test", nil))
	})
	select {
	case e := <-ch:
		t.Fatalf("dropped event must not reach subscribers, got %v", e)
	default:
	}
}

func TestLogSubscribeReceivesInOrder(t *testing.T) {
	t.Parallel()

	l := NewLog(NewMemoryStore(), nil)
	ch, cancel := l.Subscribe(8)

	for i := 0; i < 3; i++ {
		l.Append(context.Background(), New(TypeHeartbeat, "test", nil))
	}
	for want := int64(1); want <= 3; want++ {
		e := <-ch
		assert.Equal(t, want, e.Seq)
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestLogConcurrentAppendsDeliverInSeqOrder(t *testing.T) {
	t.Parallel()

	const writers, perWriter = 8, 50
	l := NewLog(NewMemoryStore(), nil)
	ch, cancel := l.Subscribe(writers * perWriter)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				l.Append(context.Background(), New(TypeHeartbeat, "test", nil))
			}
		}()
	}
	wg.Wait()

	var prev int64
	for i := 0; i < writers*perWriter; i++ {
		e := <-ch
		require.Greater(t, e.Seq, prev, "delivery %d out of order", i)
		prev = e.Seq
	}
}

func TestLogCloseThenUnsubscribe(t *testing.T) {
	t.Parallel()

	l := NewLog(NewMemoryStore(), nil)
	_, cancel := l.Subscribe(1)
	require.NoError(t, l.Close())
	assert.NotPanics(t, cancel)
}

func TestMemoryStoreNewestLimit(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		e := Event{Type: TypeHeartbeat}
		require.NoError(t, s.Append(context.Background(), &e))
	}
	got, err := s.Query(context.Background(), Query{Limit: 2, Newest: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Seq)
	assert.Equal(t, int64(5), got[1].Seq)
}

func TestParseType(t *testing.T) {
	t.Parallel()

	for _, typ := range Types() {
		got, err := ParseType(string(typ))
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
	_, err := ParseType("ORDER_RESULT")
	assert.Error(t, err)
}
