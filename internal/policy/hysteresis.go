package policy

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/GoPolymarket/trade-supervisor/internal/atomicfile"
)

type HysteresisConfig struct {
	EnterCycles int `yaml:"enter_cycles"`
	ExitCycles  int `yaml:"exit_cycles"`
	// ImmediateReasons switch mode on the first candidate.
	ImmediateReasons []string `yaml:"immediate_reasons"`
}

type hysteresisState struct {
	Mode         Mode      `json:"mode"`
	Multiplier   float64   `json:"risk_multiplier"`
	PendingMode  Mode      `json:"pending_mode,omitempty"`
	PendingCount int       `json:"pending_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// hysteresis holds the published mode until a different candidate has been
// seen for enough consecutive cycles. Not safe for concurrent use.
type hysteresis struct {
	cfg       HysteresisConfig
	immediate map[string]bool
	path      string
	st        hysteresisState
}

func newHysteresis(cfg HysteresisConfig, path string) *hysteresis {
	h := &hysteresis{
		cfg:       cfg,
		immediate: make(map[string]bool, len(cfg.ImmediateReasons)),
		path:      path,
		st:        hysteresisState{Mode: ModeNormal, Multiplier: 1},
	}
	for _, r := range cfg.ImmediateReasons {
		h.immediate[r] = true
	}
	return h
}

func (h *hysteresis) load() error {
	if h.path == "" {
		return nil
	}
	var st hysteresisState
	if err := atomicfile.ReadJSON(h.path, &st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load policy state: %w", err)
	}
	if !st.Mode.Valid() {
		return fmt.Errorf("load policy state: invalid mode %q", st.Mode)
	}
	h.st = st
	return nil
}

func (h *hysteresis) save(now time.Time) error {
	if h.path == "" {
		return nil
	}
	h.st.UpdatedAt = now.UTC()
	return atomicfile.WriteJSON(h.path, h.st)
}

func minCycles(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// apply filters cand. The returned decision keeps the current mode (and its
// multiplier) while a mode change is still pending.
func (h *hysteresis) apply(cand Decision) Decision {
	cur := h.st.Mode
	if cand.Mode == cur {
		h.st.PendingMode = ""
		h.st.PendingCount = 0
		h.st.Multiplier = cand.RiskMultiplier
		return cand
	}

	if h.immediate[cand.Reason] {
		h.switchTo(cand)
		return cand
	}

	if h.st.PendingMode == cand.Mode {
		h.st.PendingCount++
	} else {
		h.st.PendingMode = cand.Mode
		h.st.PendingCount = 1
	}

	tightening := cand.Mode.Stricter(cur)
	need := minCycles(h.cfg.ExitCycles)
	reason := ReasonHysteresisHold
	if tightening {
		need = minCycles(h.cfg.EnterCycles)
		reason = ReasonHysteresisWait
	}
	if h.st.PendingCount >= need {
		h.switchTo(cand)
		return cand
	}

	held := Decision{
		Mode:           cur,
		RiskMultiplier: h.st.Multiplier,
		Reason:         reason,
		Evidence:       fmt.Sprintf("candidate=%s:%s %d/%d", cand.Mode, cand.Reason, h.st.PendingCount, need),
	}
	if cur != ModeNormal {
		held.RiskMultiplier = 0
	}
	return held
}

func (h *hysteresis) switchTo(cand Decision) {
	h.st.Mode = cand.Mode
	h.st.Multiplier = cand.RiskMultiplier
	h.st.PendingMode = ""
	h.st.PendingCount = 0
}

func (h *hysteresis) state() hysteresisState { return h.st }
