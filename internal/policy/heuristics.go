package policy

import (
	"fmt"
	"strings"
)

// Heuristic reason codes, in evaluation order.
const (
	ReasonBotUnhealthy   = "BOT_UNHEALTHY"
	ReasonRiskHalted     = "RISK_ENGINE_HALTED"
	ReasonStaleHeartbeat = "HEARTBEAT_STALE"
	ReasonRestartLoop    = "BOT_RESTART_LOOP"
	ReasonDailyLoss      = "DAILY_LOSS_LIMIT"
	ReasonDrawdown       = "DRAWDOWN_LIMIT"
	ReasonLossStreak     = "LOSS_STREAK"
	ReasonSpread         = "SPREAD_TOO_WIDE"
	ReasonHighVol        = "HIGH_VOL"
	ReasonOK             = "OK"
)

// Thresholds for the deterministic heuristics. Zero disables a check.
type Thresholds struct {
	RestartRate            float64 `yaml:"restart_rate"`
	MaxDailyLoss           float64 `yaml:"max_daily_loss"`
	MaxDrawdownAbs         float64 `yaml:"max_drawdown_abs"`
	LossStreak             int     `yaml:"loss_streak"`
	LossStreakMode         string  `yaml:"loss_streak_mode"`
	ConservativeMultiplier float64 `yaml:"conservative_multiplier"`
	SpreadMaxBps           float64 `yaml:"spread_max_bps"`
	VolatilityHi           float64 `yaml:"volatility_hi"`
}

// Signals are the inputs of one recompute.
type Signals struct {
	WorkerState      string   `json:"worker_state"`
	WorkerRunning    bool     `json:"worker_running"`
	HeartbeatHealth  string   `json:"heartbeat_health"`
	HeartbeatAgeSec  float64  `json:"heartbeat_age_sec"`
	HeartbeatStale   bool     `json:"heartbeat_stale"`
	RiskHalted       bool     `json:"risk_halted"`
	RiskHaltReason   string   `json:"risk_halt_reason,omitempty"`
	RestartsLastHour int      `json:"restarts_last_hour"`
	PnLDay           *float64 `json:"pnl_day,omitempty"`
	DrawdownDay      *float64 `json:"drawdown_day,omitempty"`
	LossStreak       *float64 `json:"loss_streak,omitempty"`
	SpreadBps        *float64 `json:"spread_bps,omitempty"`
	Volatility       *float64 `json:"volatility,omitempty"`
}

// Map flattens the signals for the moderator prompt.
func (s Signals) Map() map[string]interface{} {
	m := map[string]interface{}{
		"worker_state":       s.WorkerState,
		"worker_running":     s.WorkerRunning,
		"heartbeat_health":   s.HeartbeatHealth,
		"heartbeat_age_sec":  s.HeartbeatAgeSec,
		"risk_halted":        s.RiskHalted,
		"restarts_last_hour": s.RestartsLastHour,
	}
	if s.RiskHaltReason != "" {
		m["risk_halt_reason"] = s.RiskHaltReason
	}
	put := func(k string, v *float64) {
		if v != nil {
			m[k] = *v
		}
	}
	put("pnl_day", s.PnLDay)
	put("drawdown_day", s.DrawdownDay)
	put("loss_streak", s.LossStreak)
	put("spread_bps", s.SpreadBps)
	put("volatility", s.Volatility)
	return m
}

// Decision is a candidate (mode, multiplier, reason).
type Decision struct {
	Mode           Mode    `json:"mode"`
	RiskMultiplier float64 `json:"risk_multiplier"`
	Reason         string  `json:"reason"`
	Evidence       string  `json:"evidence,omitempty"`
}

func riskOff(reason string, evidence []string) Decision {
	return Decision{Mode: ModeRiskOff, RiskMultiplier: 0, Reason: reason, Evidence: strings.Join(evidence, ";")}
}

// Evaluate applies the heuristics in order and returns the first match.
func Evaluate(s Signals, th Thresholds) Decision {
	var ev []string

	if !s.WorkerRunning {
		return riskOff(ReasonBotUnhealthy, []string{"worker_state=" + s.WorkerState})
	}
	if s.RiskHalted {
		return riskOff(ReasonRiskHalted, []string{"halt_reason=" + s.RiskHaltReason})
	}
	if s.HeartbeatStale {
		return riskOff(ReasonStaleHeartbeat, []string{fmt.Sprintf("heartbeat=%s age=%.0fs", s.HeartbeatHealth, s.HeartbeatAgeSec)})
	}
	if th.RestartRate > 0 {
		ev = append(ev, fmt.Sprintf("restarts_1h=%d", s.RestartsLastHour))
		if float64(s.RestartsLastHour) >= th.RestartRate {
			return riskOff(ReasonRestartLoop, ev)
		}
	}
	if th.MaxDailyLoss > 0 && s.PnLDay != nil {
		ev = append(ev, fmt.Sprintf("pnl_day=%.2f", *s.PnLDay))
		if *s.PnLDay <= -th.MaxDailyLoss {
			return riskOff(ReasonDailyLoss, ev)
		}
	}
	if th.MaxDrawdownAbs > 0 && s.DrawdownDay != nil {
		ev = append(ev, fmt.Sprintf("drawdown=%.2f", *s.DrawdownDay))
		if *s.DrawdownDay >= th.MaxDrawdownAbs {
			return riskOff(ReasonDrawdown, ev)
		}
	}
	if th.LossStreak > 0 && s.LossStreak != nil {
		ev = append(ev, fmt.Sprintf("loss_streak=%.0f", *s.LossStreak))
		if *s.LossStreak >= float64(th.LossStreak) {
			switch Mode(th.LossStreakMode) {
			case ModeRiskOff:
				return riskOff(ReasonLossStreak, ev)
			case ModePaused:
				return Decision{Mode: ModePaused, Reason: ReasonLossStreak, Evidence: strings.Join(ev, ";")}
			default:
				return conservative(ReasonLossStreak, th, ev)
			}
		}
	}
	if th.SpreadMaxBps > 0 && s.SpreadBps != nil {
		ev = append(ev, fmt.Sprintf("spread_bps=%.2f", *s.SpreadBps))
		if *s.SpreadBps >= th.SpreadMaxBps {
			return conservative(ReasonSpread, th, ev)
		}
	}
	if th.VolatilityHi > 0 && s.Volatility != nil {
		ev = append(ev, fmt.Sprintf("volatility=%.4f", *s.Volatility))
		if *s.Volatility >= th.VolatilityHi {
			return conservative(ReasonHighVol, th, ev)
		}
	}
	return Decision{Mode: ModeNormal, RiskMultiplier: 1, Reason: ReasonOK, Evidence: strings.Join(ev, ";")}
}

// conservative keeps trading in normal mode at a reduced multiplier.
func conservative(reason string, th Thresholds, ev []string) Decision {
	m := th.ConservativeMultiplier
	if m <= 0 || m > 1 {
		m = 0.5
	}
	return Decision{Mode: ModeNormal, RiskMultiplier: m, Reason: reason, Evidence: strings.Join(ev, ";")}
}
