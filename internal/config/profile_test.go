package config

import (
	"testing"
	"time"
)

func TestApplyProfileStrict(t *testing.T) {
	cfg := Default()
	cfg.Risk.MaxDailyLossPct = 0.05
	cfg.Risk.MaxLeverage = 10
	cfg.Risk.HaltCooldown = time.Hour
	cfg.Policy.Hysteresis.ImmediateReasons = []string{"HEARTBEAT_STALE"}

	if err := ApplyProfile(&cfg, "strict"); err != nil {
		t.Fatalf("ApplyProfile: %v", err)
	}
	if !cfg.SafeModeDefault {
		t.Fatal("expected safe mode on")
	}
	if cfg.Risk.HaltCooldown != 0 {
		t.Fatal("expected halt cooldown disabled")
	}
	if cfg.Risk.MaxDailyLossPct != 0.01 {
		t.Fatalf("expected max_daily_loss_pct clamped to 0.01, got %f", cfg.Risk.MaxDailyLossPct)
	}
	if cfg.Risk.MaxLeverage != 2 {
		t.Fatalf("expected max_leverage clamped to 2, got %f", cfg.Risk.MaxLeverage)
	}
	if got := cfg.Policy.Hysteresis.ImmediateReasons; len(got) != 3 {
		t.Fatalf("expected three immediate reasons without duplicates, got %v", got)
	}
	if cfg.Policy.Thresholds.LossStreakMode != "risk_off" {
		t.Fatalf("expected loss streak mode risk_off, got %q", cfg.Policy.Thresholds.LossStreakMode)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("strict profile should validate: %v", err)
	}
}

func TestApplyProfileStrictKeepsTighterValues(t *testing.T) {
	cfg := Default()
	cfg.Risk.MaxDailyLossPct = 0.005
	if err := ApplyProfile(&cfg, "strict"); err != nil {
		t.Fatal(err)
	}
	if cfg.Risk.MaxDailyLossPct != 0.005 {
		t.Fatalf("expected tighter value kept, got %f", cfg.Risk.MaxDailyLossPct)
	}
}

func TestApplyProfileStrictKeepsZeroRetries(t *testing.T) {
	cfg := Default()
	cfg.Worker.MaxRetries = 0
	if err := ApplyProfile(&cfg, "strict"); err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.MaxRetries != 0 {
		t.Fatalf("expected max_retries 0 kept, got %d", cfg.Worker.MaxRetries)
	}

	cfg = Default()
	cfg.Worker.MaxRetries = 10
	if err := ApplyProfile(&cfg, "strict"); err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.MaxRetries != 3 {
		t.Fatalf("expected max_retries clamped to 3, got %d", cfg.Worker.MaxRetries)
	}
}

func TestApplyProfileObserve(t *testing.T) {
	cfg := Default()
	cfg.SafeModeDefault = true
	cfg.Moderator.Enabled = true
	if err := ApplyProfile(&cfg, "OBSERVE"); err != nil {
		t.Fatalf("ApplyProfile: %v", err)
	}
	if cfg.SafeModeDefault || cfg.Moderator.Enabled || cfg.Worker.RestartEnabled {
		t.Fatalf("expected observe to disable automation, got %+v", cfg)
	}
	if cfg.Profile != "observe" {
		t.Fatalf("expected normalized profile name, got %q", cfg.Profile)
	}
}

func TestApplyProfileEmptyIsNoop(t *testing.T) {
	cfg := Default()
	before := cfg.Risk
	if err := ApplyProfile(&cfg, ""); err != nil {
		t.Fatal(err)
	}
	if cfg.Risk != before {
		t.Fatal("expected no change for empty profile")
	}
}

func TestApplyProfileUnknown(t *testing.T) {
	cfg := Default()
	if err := ApplyProfile(&cfg, "yolo"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}
