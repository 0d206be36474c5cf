package app

import (
	"context"

	"github.com/GoPolymarket/trade-supervisor/internal/api"
	"github.com/GoPolymarket/trade-supervisor/internal/eventlog"
	"github.com/GoPolymarket/trade-supervisor/internal/heartbeat"
	"github.com/GoPolymarket/trade-supervisor/internal/metrics"
	"github.com/GoPolymarket/trade-supervisor/internal/policy"
	"github.com/GoPolymarket/trade-supervisor/internal/risk"
	"github.com/GoPolymarket/trade-supervisor/internal/snapshot"
)

var _ api.AppState = (*App)(nil)

// IngestHeartbeat stores rec and feeds it to the risk engine. The returned
// flags already reflect any halt the heartbeat caused.
func (a *App) IngestHeartbeat(ctx context.Context, rec heartbeat.Record) api.HeartbeatAck {
	stored := a.heartbeat.Record(rec)
	metrics.HeartbeatsReceived.WithLabelValues("accepted").Inc()

	before := a.risk.State()
	after := a.risk.UpdateFromHeartbeat(ctx, stored)
	a.notifyHaltChange(before, after)

	details := map[string]interface{}{"received_at": stored.ReceivedAt}
	if stored.Equity != nil {
		details["equity"] = *stored.Equity
	}
	if stored.RealizedPnL != nil {
		details["realized_pnl"] = *stored.RealizedPnL
	}
	if stored.TradingDay != "" {
		details["trading_day"] = stored.TradingDay
	}
	if stored.Mode != "" {
		details["mode"] = stored.Mode
	}
	a.events.Append(ctx, eventlog.New(eventlog.TypeHeartbeat, source, details))

	return api.HeartbeatAck{
		Accepted:   true,
		ReceivedAt: stored.ReceivedAt,
		RiskFlags:  after.Flags(),
		Policy:     api.Summarize(a.policy.Current()),
	}
}

func (a *App) notifyHaltChange(before, after risk.State) {
	switch {
	case !before.Halted && after.Halted:
		a.alert("halt", func(ctx context.Context, n Notifier) error {
			return n.NotifyHalt(ctx, after.HaltReason, after.HaltDetail)
		})
	case before.Halted && !after.Halted:
		a.alert("halt_cleared", func(ctx context.Context, n Notifier) error {
			return n.NotifyHaltCleared(ctx, "cooldown")
		})
	}
}

func (a *App) EvaluateOrder(ctx context.Context, req risk.OrderRequest) (risk.Decision, error) {
	return a.risk.EvaluateOrder(ctx, req)
}

func (a *App) Status() api.Status {
	return api.Status{
		Worker:    a.process.Status(),
		Heartbeat: a.heartbeat.Status(a.cfg.Heartbeat.Timeout),
		Risk:      a.risk.State(),
		Policy:    api.Summarize(a.policy.Current()),
		SafeMode:  a.cfg.SafeModeDefault,
		UptimeSec: a.now().Sub(a.startedAt).Seconds(),
	}
}

func (a *App) Policy() policy.Document { return a.policy.Current() }

func (a *App) PolicyDebug() (policy.Debug, bool) { return a.policy.Debug() }

func (a *App) Snapshot() (snapshot.Snapshot, bool) { return a.snapshots.Current() }

// Halt is an operator halt. It never auto-clears.
func (a *App) Halt(ctx context.Context, actor, detail string) bool {
	if detail == "" {
		detail = "operator halt by " + actor
	}
	if !a.risk.Halt(ctx, risk.HaltManual, detail) {
		return false
	}
	a.operatorAction(ctx, actor, "halt", nil)
	a.alert("halt", func(ctx context.Context, n Notifier) error {
		return n.NotifyHalt(ctx, risk.HaltManual, detail)
	})
	return true
}

func (a *App) ClearHalt(ctx context.Context, actor string) bool {
	if !a.risk.ClearHalt(ctx, actor) {
		return false
	}
	a.operatorAction(ctx, actor, "clear_halt", nil)
	a.alert("halt_cleared", func(ctx context.Context, n Notifier) error {
		return n.NotifyHaltCleared(ctx, actor)
	})
	return true
}

func (a *App) StartWorker(ctx context.Context, actor string) error {
	err := a.process.Start(ctx)
	a.operatorAction(ctx, actor, "worker_start", err)
	return err
}

func (a *App) StopWorker(ctx context.Context, actor string) error {
	err := a.process.Stop(ctx)
	a.operatorAction(ctx, actor, "worker_stop", err)
	return err
}

func (a *App) RestartWorker(ctx context.Context, actor string) error {
	err := a.process.Restart(ctx)
	a.operatorAction(ctx, actor, "worker_restart", err)
	return err
}

func (a *App) operatorAction(ctx context.Context, actor, action string, err error) {
	details := map[string]interface{}{"actor": actor, "action": action, "ok": err == nil}
	if err != nil {
		details["error"] = err.Error()
	}
	a.logger.Infow("operator action", "actor", actor, "action", action, "err", err)
	a.events.Append(ctx, eventlog.New(eventlog.TypeOperatorAction, source, details))
}

func (a *App) onPolicyModeChange(prev, next policy.Document) {
	a.alert("policy_mode", func(ctx context.Context, n Notifier) error {
		return n.NotifyPolicyMode(ctx, string(prev.Mode), string(next.Mode), next.Reason, next.RiskMultiplier)
	})
}
