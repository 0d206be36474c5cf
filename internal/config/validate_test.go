package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultConfig(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"auto start without command", func(c *Config) { c.Worker.AutoStart = true }, "worker.command"},
		{"negative retries", func(c *Config) { c.Worker.MaxRetries = -1 }, "worker.max_retries"},
		{"max backoff below backoff", func(c *Config) { c.Worker.MaxBackoff = time.Second }, "worker.max_backoff"},
		{"zero heartbeat timeout", func(c *Config) { c.Heartbeat.Timeout = 0 }, "heartbeat.timeout"},
		{"negative notional", func(c *Config) { c.Risk.MaxOrderNotional = -5 }, "risk.max_order_notional"},
		{"daily loss pct above one", func(c *Config) { c.Risk.MaxDailyLossPct = 1.5 }, "risk.max_daily_loss_pct"},
		{"drawdown pct negative", func(c *Config) { c.Risk.MaxDrawdownPct = -0.1 }, "risk.max_drawdown_pct"},
		{"ttl below interval", func(c *Config) { c.Policy.TTL = time.Second }, "policy.ttl"},
		{"bad loss streak mode", func(c *Config) { c.Policy.Thresholds.LossStreakMode = "panic" }, "loss_streak_mode"},
		{"moderator timeout too long", func(c *Config) {
			c.Moderator.Enabled = true
			c.Moderator.Timeout = time.Minute
		}, "moderator.timeout"},
		{"moderator breaker unset", func(c *Config) {
			c.Moderator.Enabled = true
			c.Moderator.Breaker.Failures = 0
		}, "circuit_breaker"},
		{"unknown driver", func(c *Config) { c.EventLog.Driver = "mongo" }, "event_log.driver"},
		{"postgres without dsn", func(c *Config) { c.EventLog.Driver = "postgres" }, "event_log.dsn"},
		{"zero body limit", func(c *Config) { c.API.MaxBodyBytes = 0 }, "api.max_body_bytes"},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true }, "telegram"},
		{"negative digest interval", func(c *Config) { c.Telegram.DigestInterval = -time.Minute }, "digest_interval"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateMemoryDriver(t *testing.T) {
	cfg := Default()
	cfg.EventLog.Driver = "memory"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected memory driver to be valid, got %v", err)
	}
}
