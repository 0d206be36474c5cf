package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func fp(v float64) *float64 { return &v }

func healthy() Signals {
	return Signals{WorkerState: "RUNNING", WorkerRunning: true, HeartbeatHealth: "HEALTHY"}
}

func TestEvaluateOrder(t *testing.T) {
	th := Thresholds{
		RestartRate:            3,
		MaxDailyLoss:           100,
		MaxDrawdownAbs:         50,
		LossStreak:             3,
		ConservativeMultiplier: 0.5,
		SpreadMaxBps:           40,
		VolatilityHi:           0.1,
	}

	cases := []struct {
		name   string
		mutate func(*Signals)
		mode   Mode
		mult   float64
		reason string
	}{
		{"all clear", func(*Signals) {}, ModeNormal, 1, ReasonOK},
		{"worker down wins over everything", func(s *Signals) {
			s.WorkerRunning = false
			s.RiskHalted = true
		}, ModeRiskOff, 0, ReasonBotUnhealthy},
		{"halt", func(s *Signals) {
			s.RiskHalted = true
			s.HeartbeatStale = true
		}, ModeRiskOff, 0, ReasonRiskHalted},
		{"stale heartbeat", func(s *Signals) { s.HeartbeatStale = true }, ModeRiskOff, 0, ReasonStaleHeartbeat},
		{"restart loop", func(s *Signals) { s.RestartsLastHour = 3 }, ModeRiskOff, 0, ReasonRestartLoop},
		{"daily loss", func(s *Signals) { s.PnLDay = fp(-100) }, ModeRiskOff, 0, ReasonDailyLoss},
		{"drawdown", func(s *Signals) { s.DrawdownDay = fp(55) }, ModeRiskOff, 0, ReasonDrawdown},
		{"loss streak", func(s *Signals) { s.LossStreak = fp(4) }, ModeNormal, 0.5, ReasonLossStreak},
		{"spread", func(s *Signals) { s.SpreadBps = fp(45) }, ModeNormal, 0.5, ReasonSpread},
		{"volatility", func(s *Signals) { s.Volatility = fp(0.2) }, ModeNormal, 0.5, ReasonHighVol},
		{"below thresholds", func(s *Signals) {
			s.PnLDay = fp(-20)
			s.SpreadBps = fp(10)
		}, ModeNormal, 1, ReasonOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := healthy()
			tc.mutate(&s)
			d := Evaluate(s, th)
			assert.Equal(t, tc.mode, d.Mode)
			assert.Equal(t, tc.mult, d.RiskMultiplier)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

func TestLossStreakMode(t *testing.T) {
	s := healthy()
	s.LossStreak = fp(5)

	d := Evaluate(s, Thresholds{LossStreak: 3, LossStreakMode: "risk_off"})
	assert.Equal(t, ModeRiskOff, d.Mode)

	d = Evaluate(s, Thresholds{LossStreak: 3, LossStreakMode: "paused"})
	assert.Equal(t, ModePaused, d.Mode)

	d = Evaluate(s, Thresholds{LossStreak: 3})
	assert.Equal(t, ModeNormal, d.Mode)
	assert.Equal(t, 0.5, d.RiskMultiplier, "default conservative multiplier")
}

func TestEvidenceAccumulates(t *testing.T) {
	s := healthy()
	s.PnLDay = fp(-10)
	s.SpreadBps = fp(50)
	d := Evaluate(s, Thresholds{MaxDailyLoss: 100, SpreadMaxBps: 40})
	assert.Equal(t, "pnl_day=-10.00;spread_bps=50.00", d.Evidence)
}

func TestModeStricter(t *testing.T) {
	assert.True(t, ModeRiskOff.Stricter(ModePaused))
	assert.True(t, ModePaused.Stricter(ModeNormal))
	assert.False(t, ModeNormal.Stricter(ModeNormal))
}
