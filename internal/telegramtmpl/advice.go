package telegramtmpl

import (
	"fmt"
	"strings"
)

// HintInput describes inputs for the digest's attention list.
type HintInput struct {
	Halted            bool
	HaltReason        string
	PolicyMode        string
	Heartbeats        int
	OrdersAllowed     int
	OrdersDenied      int
	ProcessRestarts   int
	ModeratorFailures int
	Anomalies         int
}

// BuildHints lists the conditions an operator should look at, most urgent
// first. At most four hints are returned.
func BuildHints(in HintInput) []string {
	hints := make([]string, 0, 4)
	if in.Halted {
		hint := "Trading is halted"
		if in.HaltReason != "" {
			hint += " (" + in.HaltReason + ")"
		}
		if in.HaltReason == "MANUAL" {
			hint += "; clear it with POST /risk/clear when ready."
		} else {
			hint += "."
		}
		hints = append(hints, hint)
	}
	if in.Heartbeats == 0 {
		hints = append(hints, "No heartbeats in the window: check the worker.")
	}
	if mode := strings.ToLower(strings.TrimSpace(in.PolicyMode)); mode != "" && mode != "normal" && !in.Halted {
		hints = append(hints, fmt.Sprintf("Policy is %s.", mode))
	}
	if total := in.OrdersAllowed + in.OrdersDenied; total >= 10 {
		if pct := float64(in.OrdersDenied) / float64(total) * 100; pct >= 50 {
			hints = append(hints, fmt.Sprintf("Denial rate is high (%.0f%% of %d orders).", pct, total))
		}
	}
	if in.ProcessRestarts >= 3 {
		hints = append(hints, fmt.Sprintf("Worker restarted %d times.", in.ProcessRestarts))
	}
	if in.ModeratorFailures > 0 {
		hints = append(hints, fmt.Sprintf("Moderator failed %d times; heuristics only.", in.ModeratorFailures))
	}
	if in.Anomalies > 0 {
		hints = append(hints, fmt.Sprintf("%d anomalies recorded.", in.Anomalies))
	}
	if len(hints) > 4 {
		hints = hints[:4]
	}
	return hints
}
