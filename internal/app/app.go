// Package app wires the supervisor components together and drives their
// scheduled work.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GoPolymarket/trade-supervisor/internal/api"
	"github.com/GoPolymarket/trade-supervisor/internal/config"
	"github.com/GoPolymarket/trade-supervisor/internal/eventlog"
	"github.com/GoPolymarket/trade-supervisor/internal/heartbeat"
	"github.com/GoPolymarket/trade-supervisor/internal/logging"
	"github.com/GoPolymarket/trade-supervisor/internal/moderator"
	"github.com/GoPolymarket/trade-supervisor/internal/notify"
	"github.com/GoPolymarket/trade-supervisor/internal/policy"
	"github.com/GoPolymarket/trade-supervisor/internal/process"
	"github.com/GoPolymarket/trade-supervisor/internal/risk"
	"github.com/GoPolymarket/trade-supervisor/internal/snapshot"
	"github.com/GoPolymarket/trade-supervisor/internal/telegramtmpl"
)

const (
	source       = "supervisor"
	alertTimeout = 10 * time.Second
)

// Notifier defines the alerts the supervisor sends.
type Notifier interface {
	NotifyHalt(ctx context.Context, code, detail string) error
	NotifyHaltCleared(ctx context.Context, actor string) error
	NotifyWorkerFailed(ctx context.Context, reason string, restarts int) error
	NotifyPolicyMode(ctx context.Context, from, to, reason string, multiplier float64) error
	NotifyDigest(ctx context.Context, msg string) error
}

type options struct {
	spawner   process.Spawner
	moderator moderator.Moderator
	notifier  Notifier
	store     eventlog.Store
	now       func() time.Time
}

// Option overrides a dependency, mostly for tests.
type Option func(*options)

func WithSpawner(s process.Spawner) Option { return func(o *options) { o.spawner = s } }
func WithModerator(m moderator.Moderator) Option { return func(o *options) { o.moderator = m } }
func WithNotifier(n Notifier) Option { return func(o *options) { o.notifier = n } }
func WithEventStore(s eventlog.Store) Option { return func(o *options) { o.store = s } }
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// App owns every supervisor component.
type App struct {
	cfg    config.Config
	logger *zap.SugaredLogger
	now    func() time.Time

	events    *eventlog.Log
	heartbeat *heartbeat.Monitor
	risk      *risk.Engine
	process   *process.Manager
	guard     *moderator.Guard
	policy    *policy.Engine
	snapshots *snapshot.Scheduler
	server    *api.Server
	notifier  Notifier

	startedAt time.Time

	mu             sync.Mutex
	heartbeatStale bool
	alerts         sync.WaitGroup
}

// New builds the supervisor from cfg and restores persisted state.
func New(cfg config.Config, base *zap.Logger, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if base == nil {
		base = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	store := o.store
	if store == nil {
		var err error
		store, err = eventlog.Open(cfg.EventLog.Driver, cfg.EventLogDSN())
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
	}

	a := &App{
		cfg:       cfg,
		logger:    logging.Component(base, "app"),
		now:       o.now,
		events:    eventlog.NewLog(store, logging.Component(base, "eventlog")),
		heartbeat: heartbeat.NewMonitor(),
		notifier:  o.notifier,
		startedAt: o.now(),
	}
	a.heartbeat.SetClock(o.now)

	a.risk = risk.New(cfg.RiskEngine(), a.events, logging.Component(base, "risk"))
	a.risk.SetClock(o.now)
	if err := a.risk.Load(); err != nil {
		return nil, err
	}

	spawner := o.spawner
	if spawner == nil {
		spawner = process.NewExecSpawner(cfg.Exec())
	}
	a.process = process.NewManager(cfg.ProcessManager(), spawner, a.events, logging.Component(base, "process"))
	a.process.SetClock(o.now)

	if cfg.Moderator.Enabled {
		mod := o.moderator
		if mod == nil {
			mod = moderator.NewHTTPClient(cfg.ModeratorHTTP())
		}
		b := cfg.Moderator.Breaker
		breaker := moderator.NewBreaker(b.Failures, b.Window, b.OpenFor)
		breaker.SetClock(o.now)
		a.guard = moderator.NewGuard(mod, breaker, cfg.Moderator.Timeout, logging.Component(base, "moderator"))
	}

	a.policy = policy.NewEngine(cfg.PolicyEngine(), a.process, a.heartbeat, a.risk, a.guard, a.events, logging.Component(base, "policy"))
	a.policy.SetClock(o.now)
	if err := a.policy.Load(); err != nil {
		return nil, err
	}
	a.policy.OnModeChange(a.onPolicyModeChange)

	a.snapshots = snapshot.NewScheduler(snapshot.Config{
		Interval: cfg.Snapshot.Interval,
		Window:   cfg.Snapshot.Window,
		Path:     cfg.StatePath("snapshot.json"),
	}, a.events, a.events, logging.Component(base, "snapshot"))
	a.snapshots.SetClock(o.now)
	if err := a.snapshots.Load(); err != nil {
		return nil, err
	}

	if a.notifier == nil && cfg.Telegram.Enabled {
		a.notifier = notify.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}

	if cfg.API.Enabled {
		srv, err := api.NewServer(api.Config{
			Addr:         cfg.API.Addr,
			AuthToken:    cfg.API.AuthToken,
			MaxBodyBytes: cfg.API.MaxBodyBytes,
		}, a, a.events, logging.Component(base, "api"))
		if err != nil {
			return nil, err
		}
		a.server = srv
	}
	return a, nil
}

// Events exposes the event log, for the CLI and tests.
func (a *App) Events() *eventlog.Log { return a.events }

// Server returns the API server, nil when disabled.
func (a *App) Server() *api.Server { return a.server }

// Run starts the API and the scheduled loops, and blocks until ctx ends or
// a loop fails. The worker is stopped before Run returns.
func (a *App) Run(ctx context.Context) error {
	if a.server != nil {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("start api: %w", err)
		}
	}
	if a.cfg.Worker.AutoStart {
		if _, err := a.process.AutoStart(ctx); err != nil {
			a.logger.Warnw("worker auto start failed", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.controlLoop(gctx) })
	g.Go(func() error { return a.policy.Run(gctx) })
	if a.cfg.Snapshot.Enabled {
		g.Go(func() error { return a.snapshots.Run(gctx) })
		if a.notifier != nil && a.cfg.Telegram.DigestInterval > 0 {
			g.Go(func() error { return a.digestLoop(gctx) })
		}
	}
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Worker.StopGrace+5*time.Second)
	defer cancel()
	a.Shutdown(shutdownCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown stops the worker and the API, waits for pending alerts and closes
// the event log.
func (a *App) Shutdown(ctx context.Context) {
	if err := a.process.Stop(ctx); err != nil {
		a.logger.Warnw("stop worker on shutdown", "err", err)
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warnw("api shutdown", "err", err)
		}
	}
	a.alerts.Wait()
	if err := a.events.Close(); err != nil {
		a.logger.Warnw("close event log", "err", err)
	}
}

func (a *App) controlLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

func (a *App) digestLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Telegram.DigestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.SendDigest()
		}
	}
}

// SendDigest renders the current snapshot with the live status and sends it.
// It reports false when no snapshot exists yet.
func (a *App) SendDigest() bool {
	snap, ok := a.snapshots.Current()
	if !ok {
		return false
	}
	st := a.Status()
	msg := telegramtmpl.RenderDigestHTML(telegramtmpl.BuildDigestData(snap, telegramtmpl.StatusView{
		WorkerState: string(st.Worker.State),
		PolicyMode:  st.Policy.Mode,
		Halted:      st.Risk.Halted,
		HaltReason:  st.Risk.HaltReason,
	}))
	a.alert("digest", func(ctx context.Context, n Notifier) error {
		return n.NotifyDigest(ctx, msg)
	})
	return true
}

// alert runs send in the background so a slow chat API never blocks a caller.
func (a *App) alert(name string, send func(ctx context.Context, n Notifier) error) {
	if a.notifier == nil {
		return
	}
	a.alerts.Add(1)
	go func() {
		defer a.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := send(ctx, a.notifier); err != nil {
			a.logger.Warnw("alert failed", "alert", name, "err", err)
		}
	}()
}
