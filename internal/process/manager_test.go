package process

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/trade-supervisor/internal/eventlog"
)

type fakeHandle struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	code       int
	signals    []os.Signal
	ignoreTerm bool
	ignoreKill bool
	mu         sync.Mutex
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) Pid() int { return h.pid }

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	ignore := h.ignoreTerm
	h.mu.Unlock()
	if !ignore {
		h.exit(143)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	ignore := h.ignoreKill
	h.mu.Unlock()
	if !ignore {
		h.exit(137)
	}
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		h.mu.Lock()
		h.code = code
		h.mu.Unlock()
		close(h.done)
	})
}

type fakeSpawner struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
}

func (s *fakeSpawner) Spawn() (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	h := newFakeHandle(1000 + len(s.handles))
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeSpawner) last() *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[len(s.handles)-1]
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

type recorder struct {
	mu     sync.Mutex
	events []eventlog.Event
}

func (r *recorder) Append(_ context.Context, e eventlog.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Details["to"].(string))
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(cfg Config) (*Manager, *fakeSpawner, *recorder, *clock) {
	sp := &fakeSpawner{}
	rec := &recorder{}
	c := &clock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(cfg, sp, rec, nil)
	m.SetClock(c.now)
	return m, sp, rec, c
}

func TestStartPromotesToRunningAfterGrace(t *testing.T) {
	ctx := context.Background()
	m, _, rec, c := newTestManager(Config{StartupGrace: time.Second})

	require.NoError(t, m.Start(ctx))
	assert.Equal(t, StateStarting, m.Status().State)
	assert.ErrorIs(t, m.Start(ctx), ErrAlreadyRunning)

	m.Poll(ctx)
	assert.Equal(t, StateStarting, m.Status().State)

	c.advance(time.Second)
	m.Poll(ctx)
	st := m.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1000, st.Pid)
	assert.ErrorIs(t, m.Start(ctx), ErrAlreadyRunning)

	assert.Equal(t, []string{"STARTING", "RUNNING"}, rec.targets())
}

func TestRestartBudget(t *testing.T) {
	ctx := context.Background()
	m, sp, rec, c := newTestManager(Config{
		RestartEnabled: true,
		MaxRetries:     3,
		Backoff:        time.Second,
		MaxBackoff:     3 * time.Second,
	})
	require.NoError(t, m.Start(ctx))

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	for i, delay := range wantDelays {
		sp.last().exit(1)
		m.Poll(ctx)
		st := m.Status()
		require.Equal(t, StateCrashed, st.State, "crash %d", i+1)
		require.NotNil(t, st.NextRestartAt)
		assert.Equal(t, c.t.Add(delay), *st.NextRestartAt)

		c.advance(delay - time.Millisecond)
		m.Poll(ctx)
		assert.Equal(t, StateCrashed, m.Status().State, "restart waits for the backoff")

		c.advance(time.Millisecond)
		m.Poll(ctx)
		st = m.Status()
		assert.Equal(t, StateStarting, st.State)
		assert.Equal(t, i+1, st.RestartCount)
	}
	assert.Equal(t, 4, sp.count())
	assert.Equal(t, 3, m.Status().RestartsLastHour)

	sp.last().exit(1)
	m.Poll(ctx)
	st := m.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Nil(t, st.NextRestartAt)

	c.advance(time.Hour)
	m.Poll(ctx)
	assert.Equal(t, 4, sp.count(), "no restart after FAILED")

	targets := rec.targets()
	assert.Equal(t, "FAILED", targets[len(targets)-1])

	// an operator start resets the counter
	require.NoError(t, m.Start(ctx))
	assert.Equal(t, 0, m.Status().RestartCount)
}

func TestRestartDisabledFailsImmediately(t *testing.T) {
	ctx := context.Background()
	m, sp, _, _ := newTestManager(Config{RestartEnabled: false, MaxRetries: 5, Backoff: time.Second})
	require.NoError(t, m.Start(ctx))
	sp.last().exit(2)
	m.Poll(ctx)

	st := m.Status()
	assert.Equal(t, StateFailed, st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 2, *st.ExitCode)
}

func TestStopCancelsScheduledRestart(t *testing.T) {
	ctx := context.Background()
	m, sp, _, c := newTestManager(Config{RestartEnabled: true, MaxRetries: 3, Backoff: time.Second})
	require.NoError(t, m.Start(ctx))
	sp.last().exit(1)
	m.Poll(ctx)
	require.Equal(t, StateCrashed, m.Status().State)

	require.NoError(t, m.Stop(ctx))
	c.advance(time.Minute)
	m.Poll(ctx)
	assert.Equal(t, StateStopped, m.Status().State)
	assert.Equal(t, 1, sp.count())
}

func TestStopSendsTermThenKill(t *testing.T) {
	ctx := context.Background()
	m, sp, rec, _ := newTestManager(Config{StopGrace: 20 * time.Millisecond})
	require.NoError(t, m.Start(ctx))
	h := sp.last()
	h.mu.Lock()
	h.ignoreTerm = true
	h.mu.Unlock()

	require.NoError(t, m.Stop(ctx))
	st := m.Status()
	assert.Equal(t, StateStopped, st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 137, *st.ExitCode)
	assert.Len(t, h.signals, 1)

	last := rec.events[len(rec.events)-1]
	assert.True(t, strings.Contains(last.Details["reason"].(string), "killed"))
}

func TestStopHonorsContextAfterKill(t *testing.T) {
	m, sp, _, _ := newTestManager(Config{RestartEnabled: true, MaxRetries: 3, StopGrace: 10 * time.Millisecond})
	require.NoError(t, m.Start(context.Background()))
	h := sp.last()
	h.mu.Lock()
	h.ignoreTerm = true
	h.ignoreKill = true
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Stop(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked past its context")
	}
	assert.True(t, m.Status().State.Alive(), "still alive until the process exits")

	h.exit(137)
	m.Poll(context.Background())
	st := m.Status()
	assert.Equal(t, StateStopped, st.State, "a late exit after an operator stop is not a crash")
	assert.Equal(t, 1, sp.count())
}

func TestStopGracefulIsNotACrash(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(Config{RestartEnabled: true, MaxRetries: 3, StopGrace: time.Second})
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop(ctx))
	m.Poll(ctx)
	assert.Equal(t, StateStopped, m.Status().State)
	assert.NoError(t, m.Stop(ctx), "stopping twice is a no-op")
}

func TestRestartOperator(t *testing.T) {
	ctx := context.Background()
	m, sp, _, _ := newTestManager(Config{StopGrace: time.Second})
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Restart(ctx))
	assert.Equal(t, 2, sp.count())
	assert.Equal(t, StateStarting, m.Status().State)
}

func TestSpawnFailureSchedulesRestart(t *testing.T) {
	ctx := context.Background()
	m, sp, _, _ := newTestManager(Config{RestartEnabled: true, MaxRetries: 1, Backoff: time.Second})
	sp.err = errors.New("no such file")

	err := m.Start(ctx)
	require.Error(t, err)
	st := m.Status()
	assert.Equal(t, StateCrashed, st.State)
	assert.NotNil(t, st.NextRestartAt)
	assert.Contains(t, st.LastError, "no such file")
}

func TestAutoStartOnlyOnce(t *testing.T) {
	ctx := context.Background()
	m, sp, _, _ := newTestManager(Config{StopGrace: time.Second})

	started, err := m.AutoStart(ctx)
	require.NoError(t, err)
	assert.True(t, started)
	require.NoError(t, m.Stop(ctx))

	started, err = m.AutoStart(ctx)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, 1, sp.count())

	m2, sp2, _, _ := newTestManager(Config{})
	require.NoError(t, m2.Stop(ctx))
	started, _ = m2.AutoStart(ctx)
	assert.False(t, started, "an operator stop wins over auto start")
	assert.Equal(t, 0, sp2.count())
}

func TestValidTransitions(t *testing.T) {
	assert.True(t, CanTransition(StateStopped, StateStarting))
	assert.True(t, CanTransition(StateCrashed, StateFailed))
	assert.False(t, CanTransition(StateStopped, StateRunning))
	assert.False(t, CanTransition(StateFailed, StateRunning))
	assert.ErrorIs(t, checkTransition(StateRunning, StateStarting), ErrInvalidTransition)
}

func TestBackoffFor(t *testing.T) {
	cfg := Config{Backoff: 2 * time.Second, MaxBackoff: 60 * time.Second}
	assert.Equal(t, 2*time.Second, cfg.BackoffFor(0))
	assert.Equal(t, 8*time.Second, cfg.BackoffFor(2))
	assert.Equal(t, 60*time.Second, cfg.BackoffFor(10))
	assert.Equal(t, 60*time.Second, cfg.BackoffFor(100))
}
