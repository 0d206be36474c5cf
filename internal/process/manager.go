package process

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/GoPolymarket/trade-supervisor/internal/eventlog"
	"github.com/GoPolymarket/trade-supervisor/internal/metrics"
)

const source = "process"

// Handle is a running child process.
type Handle interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed.
	ExitCode() int
}

// Spawner starts the worker.
type Spawner interface {
	Spawn() (Handle, error)
}

type Config struct {
	RestartEnabled bool
	MaxRetries     int
	Backoff        time.Duration
	MaxBackoff     time.Duration
	StopGrace      time.Duration
	StartupGrace   time.Duration
}

// Status is a copy of the managed process record.
type Status struct {
	State            State      `json:"state"`
	Pid              int        `json:"pid,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	RestartCount     int        `json:"restart_count"`
	LastRestartAt    *time.Time `json:"last_restart_at,omitempty"`
	NextRestartAt    *time.Time `json:"next_restart_at,omitempty"`
	RestartsLastHour int        `json:"restarts_last_hour"`
	LastError        string     `json:"last_error,omitempty"`
}

// Manager owns the worker lifecycle. Poll drives exit detection, scheduled
// restarts and the STARTING -> RUNNING promotion.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	spawner Spawner
	events  eventlog.Appender
	logger  *zap.SugaredLogger
	now     func() time.Time

	state         State
	handle        Handle
	pid           int
	startedAt     time.Time
	exitCode      *int
	restartCount  int
	lastRestartAt time.Time
	nextRestartAt time.Time
	restarts      []time.Time
	lastErr       string

	stopping        bool
	operatorStopped bool
	autoStarted     bool

	pending []eventlog.Event
}

func NewManager(cfg Config, spawner Spawner, events eventlog.Appender, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		cfg:     cfg,
		spawner: spawner,
		events:  events,
		logger:  logger,
		now:     time.Now,
		state:   StateStopped,
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Start spawns the worker and resets the restart counter.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Alive() || m.stopping {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.restartCount = 0
	m.nextRestartAt = time.Time{}
	m.operatorStopped = false
	err := m.spawnLocked("operator start")
	m.mu.Unlock()
	m.flush(ctx)
	return err
}

// AutoStart issues the first start unless the operator already started or
// stopped the worker. It reports whether a start was attempted.
func (m *Manager) AutoStart(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.autoStarted || m.operatorStopped || m.state != StateStopped {
		m.autoStarted = true
		m.mu.Unlock()
		return false, nil
	}
	m.autoStarted = true
	err := m.spawnLocked("auto start")
	m.mu.Unlock()
	m.flush(ctx)
	return true, err
}

// Stop terminates the worker with SIGTERM, escalating to SIGKILL after
// StopGrace. Any scheduled restart is cancelled.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.operatorStopped = true
	m.nextRestartAt = time.Time{}
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	h := m.handle
	if h == nil {
		if m.state != StateStopped {
			_ = m.transitionLocked(StateStopped, "operator stop")
		}
		m.mu.Unlock()
		m.flush(ctx)
		return nil
	}
	m.stopping = true
	pid := m.pid
	grace := m.cfg.StopGrace
	m.mu.Unlock()

	m.logger.Infow("stopping worker", "pid", pid, "grace", grace)
	killed := false
	if err := h.Signal(syscall.SIGTERM); err != nil {
		m.logger.Warnw("sigterm failed", "pid", pid, "err", err)
	}
	timer := time.NewTimer(grace)
	select {
	case <-h.Done():
		timer.Stop()
	case <-timer.C:
		m.logger.Warnw("worker ignored sigterm, killing", "pid", pid)
		killed = true
	case <-ctx.Done():
		timer.Stop()
		m.logger.Warnw("stop cancelled during grace, killing", "pid", pid)
		killed = true
	}
	if killed {
		if err := h.Kill(); err != nil {
			m.logger.Warnw("sigkill failed", "pid", pid, "err", err)
		}
		select {
		case <-h.Done():
		case <-ctx.Done():
			// Poll reaps the handle once it finally exits.
			m.mu.Lock()
			m.stopping = false
			m.mu.Unlock()
			m.logger.Warnw("worker still alive after sigkill", "pid", pid, "err", ctx.Err())
			return ctx.Err()
		}
	}

	m.mu.Lock()
	code := h.ExitCode()
	m.exitCode = &code
	m.handle = nil
	m.pid = 0
	m.stopping = false
	reason := "operator stop"
	if killed {
		reason = "operator stop (killed)"
	}
	err := m.transitionLocked(StateStopped, reason)
	m.mu.Unlock()
	m.flush(ctx)
	return err
}

// Restart stops and then starts the worker.
func (m *Manager) Restart(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil {
		return err
	}
	return m.Start(ctx)
}

// Poll detects exits, promotes STARTING to RUNNING after the startup grace
// and performs restarts whose backoff has elapsed.
func (m *Manager) Poll(ctx context.Context) {
	m.mu.Lock()
	now := m.now()

	if m.handle != nil && !m.stopping {
		select {
		case <-m.handle.Done():
			code := m.handle.ExitCode()
			m.exitCode = &code
			m.handle = nil
			m.pid = 0
			if m.operatorStopped {
				_ = m.transitionLocked(StateStopped, "operator stop (killed)")
				break
			}
			m.lastErr = fmt.Sprintf("exited with code %d", code)
			m.logger.Warnw("worker exited unexpectedly", "exit_code", code, "restart_count", m.restartCount)
			if err := m.transitionLocked(StateCrashed, m.lastErr); err == nil {
				m.scheduleOrFailLocked(now)
			}
		default:
			if m.state == StateStarting && now.Sub(m.startedAt) >= m.cfg.StartupGrace {
				_ = m.transitionLocked(StateRunning, "startup grace elapsed")
			}
		}
	}

	if m.state == StateCrashed && !m.nextRestartAt.IsZero() && !now.Before(m.nextRestartAt) {
		m.restartCount++
		m.lastRestartAt = now
		m.restarts = append(m.restarts, now)
		m.nextRestartAt = time.Time{}
		metrics.ProcessRestarts.Inc()
		_ = m.spawnLocked(fmt.Sprintf("automatic restart %d/%d", m.restartCount, m.cfg.MaxRetries))
	}
	m.mu.Unlock()
	m.flush(ctx)
}

// Status returns a copy of the process record.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st := Status{
		State:        m.state,
		Pid:          m.pid,
		RestartCount: m.restartCount,
		LastError:    m.lastErr,
	}
	if m.state.Alive() {
		st.StartedAt = timePtr(m.startedAt)
	}
	if m.exitCode != nil {
		code := *m.exitCode
		st.ExitCode = &code
	}
	if !m.lastRestartAt.IsZero() {
		st.LastRestartAt = timePtr(m.lastRestartAt)
	}
	if !m.nextRestartAt.IsZero() {
		st.NextRestartAt = timePtr(m.nextRestartAt)
	}
	st.RestartsLastHour = m.restartsSinceLocked(now.Add(-time.Hour))
	return st
}

func (m *Manager) restartsSinceLocked(t time.Time) int {
	// drop entries older than an hour, nothing reads further back
	cutoff := m.now().Add(-time.Hour)
	kept := m.restarts[:0]
	for _, r := range m.restarts {
		if !r.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	m.restarts = kept

	n := 0
	for _, r := range m.restarts {
		if !r.Before(t) {
			n++
		}
	}
	return n
}

// BackoffFor is the delay before restart number restartCount+1:
// Backoff * 2^restartCount capped at MaxBackoff.
func (c Config) BackoffFor(restartCount int) time.Duration {
	d := c.Backoff
	for i := 0; i < restartCount; i++ {
		d *= 2
		if c.MaxBackoff > 0 && d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

func (m *Manager) scheduleOrFailLocked(now time.Time) {
	if m.cfg.RestartEnabled && m.restartCount < m.cfg.MaxRetries {
		delay := m.cfg.BackoffFor(m.restartCount)
		m.nextRestartAt = now.Add(delay)
		m.logger.Infow("restart scheduled", "in", delay, "attempt", m.restartCount+1, "max_retries", m.cfg.MaxRetries)
		return
	}
	reason := "restart disabled"
	if m.cfg.RestartEnabled {
		reason = fmt.Sprintf("restart budget exhausted after %d restarts", m.restartCount)
	}
	_ = m.transitionLocked(StateFailed, reason)
}

func (m *Manager) spawnLocked(reason string) error {
	if err := m.transitionLocked(StateStarting, reason); err != nil {
		return err
	}
	h, err := m.spawner.Spawn()
	if err != nil {
		m.lastErr = err.Error()
		m.logger.Warnw("spawn worker failed", "err", err)
		if terr := m.transitionLocked(StateCrashed, "spawn failed: "+err.Error()); terr == nil {
			m.scheduleOrFailLocked(m.now())
		}
		return fmt.Errorf("spawn worker: %w", err)
	}
	m.handle = h
	m.pid = h.Pid()
	m.startedAt = m.now()
	m.exitCode = nil
	m.lastErr = ""
	m.logger.Infow("worker spawned", "pid", m.pid, "reason", reason)
	return nil
}

// transitionLocked moves to the target state and queues the event.
func (m *Manager) transitionLocked(to State, reason string) error {
	from := m.state
	if err := checkTransition(from, to); err != nil {
		m.logger.Warnw("rejected transition", "from", from, "to", to, "reason", reason)
		return err
	}
	m.state = to
	metrics.ProcessTransitions.WithLabelValues(string(to)).Inc()
	details := map[string]interface{}{
		"from":          string(from),
		"to":            string(to),
		"reason":        reason,
		"restart_count": m.restartCount,
	}
	if m.pid != 0 {
		details["pid"] = m.pid
	}
	if m.exitCode != nil && (to == StateCrashed || to == StateStopped) {
		details["exit_code"] = *m.exitCode
	}
	m.pending = append(m.pending, eventlog.New(eventlog.TypeProcessTransition, source, details))
	return nil
}

func (m *Manager) flush(ctx context.Context) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	if m.events == nil {
		return
	}
	for _, e := range pending {
		m.events.Append(ctx, e)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
