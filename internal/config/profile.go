package config

import (
	"fmt"
	"strings"

	"github.com/GoPolymarket/trade-supervisor/internal/policy"
)

// ApplyProfile applies a preset on top of the loaded config.
// Supported profiles:
// - strict:   safe mode on, immediate risk_off on hard faults, tighter caps
// - standard: configured values
// - observe:  no automatic restarts, no moderator, safe mode off
func ApplyProfile(cfg *Config, name string) error {
	p := strings.ToLower(strings.TrimSpace(name))
	if p == "" {
		return nil
	}

	switch p {
	case "strict":
		cfg.SafeModeDefault = true
		cfg.Risk.HaltCooldown = 0
		clampMaxFloat(&cfg.Risk.MaxDailyLossPct, 0.01)
		clampMaxFloat(&cfg.Risk.MaxDrawdownPct, 0.05)
		clampMaxFloat(&cfg.Risk.MaxLeverage, 2)
		clampMaxInt(&cfg.Worker.MaxRetries, 3)
		cfg.Policy.Hysteresis.EnterCycles = 1
		cfg.Policy.Hysteresis.ImmediateReasons = appendMissing(cfg.Policy.Hysteresis.ImmediateReasons,
			policy.ReasonBotUnhealthy, policy.ReasonRiskHalted, policy.ReasonStaleHeartbeat)
		cfg.Policy.Thresholds.LossStreakMode = string(policy.ModeRiskOff)
	case "standard", "default":
	case "observe", "observe-only":
		cfg.SafeModeDefault = false
		cfg.Worker.RestartEnabled = false
		cfg.Moderator.Enabled = false
	default:
		return fmt.Errorf("unknown profile %q (supported: strict|standard|observe)", name)
	}

	cfg.Profile = p
	return nil
}

// clampMaxFloat caps a limit. Zero disables a float limit, so it is
// raised to the cap too.
func clampMaxFloat(v *float64, max float64) {
	if max <= 0 {
		return
	}
	if *v <= 0 || *v > max {
		*v = max
	}
}

// clampMaxInt caps a count. Zero is already the strictest count and is kept.
func clampMaxInt(v *int, max int) {
	if max <= 0 {
		return
	}
	if *v > max {
		*v = max
	}
}

func appendMissing(list []string, values ...string) []string {
	seen := make(map[string]bool, len(list))
	for _, v := range list {
		seen[v] = true
	}
	for _, v := range values {
		if !seen[v] {
			list = append(list, v)
			seen[v] = true
		}
	}
	return list
}
