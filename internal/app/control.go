package app

import (
	"context"
	"fmt"

	"github.com/GoPolymarket/trade-supervisor/internal/eventlog"
	"github.com/GoPolymarket/trade-supervisor/internal/heartbeat"
	"github.com/GoPolymarket/trade-supervisor/internal/metrics"
	"github.com/GoPolymarket/trade-supervisor/internal/process"
	"github.com/GoPolymarket/trade-supervisor/internal/risk"
)

// Tick is one pass of the control loop: poll the worker, then check
// heartbeat freshness.
func (a *App) Tick(ctx context.Context) {
	before := a.process.Status()
	a.process.Poll(ctx)
	after := a.process.Status()
	if after.State == process.StateFailed && before.State != process.StateFailed {
		a.alert("worker_failed", func(ctx context.Context, n Notifier) error {
			return n.NotifyWorkerFailed(ctx, after.LastError, after.RestartCount)
		})
	}
	a.checkHeartbeat(ctx)
}

// checkHeartbeat records a stale transition as an anomaly and, in safe mode,
// halts the risk engine. NO_DATA counts as stale only once a running worker
// has stayed silent past the timeout.
func (a *App) checkHeartbeat(ctx context.Context) {
	st := a.heartbeat.Status(a.cfg.Heartbeat.Timeout)
	metrics.HeartbeatAge.Set(st.AgeSec)

	stale := st.Health == heartbeat.HealthStale
	if ps := a.process.Status(); ps.State == process.StateRunning {
		if age, overdue := st.Overdue(ps.StartedAt, a.now()); overdue {
			stale = true
			st.AgeSec = age
		}
	}
	a.mu.Lock()
	wasStale := a.heartbeatStale
	a.heartbeatStale = stale
	a.mu.Unlock()
	if !stale {
		return
	}

	if !wasStale {
		a.logger.Warnw("heartbeat stale", "age_s", st.AgeSec, "timeout_s", st.TimeoutSec)
		a.events.Append(ctx, eventlog.New(eventlog.TypeAnomaly, source, map[string]interface{}{
			"kind":      "heartbeat_stale",
			"age_s":     st.AgeSec,
			"timeout_s": st.TimeoutSec,
			"safe_mode": a.cfg.SafeModeDefault,
		}))
	}
	if a.cfg.SafeModeDefault && !a.risk.IsHalted() {
		detail := fmt.Sprintf("no heartbeat for %.0fs (timeout %.0fs)", st.AgeSec, st.TimeoutSec)
		if a.risk.Halt(ctx, risk.HaltHeartbeatStale, detail) {
			a.alert("halt", func(ctx context.Context, n Notifier) error {
				return n.NotifyHalt(ctx, risk.HaltHeartbeatStale, detail)
			})
		}
	}
}
