package config

import (
	"fmt"
	"strings"

	"github.com/GoPolymarket/trade-supervisor/internal/eventlog"
	"github.com/GoPolymarket/trade-supervisor/internal/logging"
	"github.com/GoPolymarket/trade-supervisor/internal/policy"
)

// Validate checks high-impact runtime configuration constraints and returns
// the first violation.
func (c Config) Validate() error {
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("state_dir must be set")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be > 0, got %s", c.TickInterval)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	if c.Worker.AutoStart && strings.TrimSpace(c.Worker.Command) == "" {
		return fmt.Errorf("worker.command is required when worker.auto_start is true")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0, got %d", c.Worker.MaxRetries)
	}
	if c.Worker.RestartEnabled && c.Worker.Backoff <= 0 {
		return fmt.Errorf("worker.backoff must be > 0 when restarts are enabled")
	}
	if c.Worker.MaxBackoff > 0 && c.Worker.MaxBackoff < c.Worker.Backoff {
		return fmt.Errorf("worker.max_backoff (%s) must be >= worker.backoff (%s)", c.Worker.MaxBackoff, c.Worker.Backoff)
	}
	if c.Worker.StopGrace < 0 || c.Worker.StartupGrace < 0 {
		return fmt.Errorf("worker grace periods must be >= 0")
	}

	if c.Heartbeat.Timeout <= 0 {
		return fmt.Errorf("heartbeat.timeout must be > 0, got %s", c.Heartbeat.Timeout)
	}

	for _, f := range []struct {
		name string
		v    float64
	}{
		{"risk.max_daily_loss", c.Risk.MaxDailyLoss},
		{"risk.max_drawdown", c.Risk.MaxDrawdown},
		{"risk.max_order_notional", c.Risk.MaxOrderNotional},
		{"risk.max_leverage", c.Risk.MaxLeverage},
		{"risk.max_symbol_exposure", c.Risk.MaxSymbolExposure},
	} {
		if f.v < 0 {
			return fmt.Errorf("%s must be >= 0, got %f", f.name, f.v)
		}
	}
	if c.Risk.MaxDailyLossPct < 0 || c.Risk.MaxDailyLossPct > 1 {
		return fmt.Errorf("risk.max_daily_loss_pct must be within [0,1], got %f", c.Risk.MaxDailyLossPct)
	}
	if c.Risk.MaxDrawdownPct < 0 || c.Risk.MaxDrawdownPct > 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be within [0,1], got %f", c.Risk.MaxDrawdownPct)
	}
	if c.Risk.HaltCooldown < 0 {
		return fmt.Errorf("risk.halt_cooldown must be >= 0")
	}

	if c.Policy.Interval <= 0 {
		return fmt.Errorf("policy.interval must be > 0, got %s", c.Policy.Interval)
	}
	if c.Policy.TTL < c.Policy.Interval {
		return fmt.Errorf("policy.ttl (%s) must be >= policy.interval (%s)", c.Policy.TTL, c.Policy.Interval)
	}
	if c.Policy.Hysteresis.EnterCycles < 0 || c.Policy.Hysteresis.ExitCycles < 0 {
		return fmt.Errorf("policy.hysteresis cycles must be >= 0")
	}
	th := c.Policy.Thresholds
	if th.ConservativeMultiplier < 0 || th.ConservativeMultiplier > 1 {
		return fmt.Errorf("policy.thresholds.conservative_multiplier must be within [0,1], got %f", th.ConservativeMultiplier)
	}
	if m := th.LossStreakMode; m != "" && m != "conservative" && !policy.Mode(m).Valid() {
		return fmt.Errorf("policy.thresholds.loss_streak_mode must be conservative|paused|risk_off, got %q", m)
	}

	if c.Moderator.Enabled {
		if strings.TrimSpace(c.Moderator.URL) == "" {
			return fmt.Errorf("moderator.url is required when the moderator is enabled")
		}
		if c.Moderator.Timeout <= 0 {
			return fmt.Errorf("moderator.timeout must be > 0")
		}
		if c.Moderator.Timeout >= c.Policy.Interval {
			return fmt.Errorf("moderator.timeout (%s) must be shorter than policy.interval (%s)", c.Moderator.Timeout, c.Policy.Interval)
		}
		b := c.Moderator.Breaker
		if b.Failures <= 0 || b.Window <= 0 || b.OpenFor <= 0 {
			return fmt.Errorf("moderator.circuit_breaker failures, window and open_for must be > 0")
		}
	}

	if c.Snapshot.Enabled && (c.Snapshot.Interval <= 0 || c.Snapshot.Window <= 0) {
		return fmt.Errorf("snapshot.interval and snapshot.window must be > 0")
	}

	if !strings.EqualFold(c.EventLog.Driver, "memory") {
		if _, err := eventlog.DialectFor(c.EventLog.Driver); err != nil {
			return fmt.Errorf("event_log.driver: %w", err)
		}
		if c.EventLogDSN() == "" {
			return fmt.Errorf("event_log.dsn is required for driver %q", c.EventLog.Driver)
		}
	}

	if c.API.Enabled {
		if strings.TrimSpace(c.API.Addr) == "" {
			return fmt.Errorf("api.addr is required when the api is enabled")
		}
		if c.API.MaxBodyBytes <= 0 {
			return fmt.Errorf("api.max_body_bytes must be > 0, got %d", c.API.MaxBodyBytes)
		}
	}

	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id are required when telegram is enabled")
	}
	if c.Telegram.DigestInterval < 0 {
		return fmt.Errorf("telegram.digest_interval must be >= 0, got %s", c.Telegram.DigestInterval)
	}
	return nil
}
