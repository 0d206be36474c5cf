package telegramtmpl

import (
	"strings"
	"testing"
)

func TestBuildHintsHalted(t *testing.T) {
	hints := BuildHints(HintInput{
		Halted:     true,
		HaltReason: "MANUAL",
		PolicyMode: "risk_off",
		Heartbeats: 12,
	})
	if len(hints) != 1 {
		t.Fatalf("expected one hint, got %v", hints)
	}
	if !strings.Contains(hints[0], "/risk/clear") {
		t.Fatalf("expected clear instruction, got %q", hints[0])
	}
}

func TestBuildHintsQuietWhenHealthy(t *testing.T) {
	hints := BuildHints(HintInput{PolicyMode: "normal", Heartbeats: 30, OrdersAllowed: 20, OrdersDenied: 2})
	if len(hints) != 0 {
		t.Fatalf("expected no hints, got %v", hints)
	}
}

func TestBuildHintsCapped(t *testing.T) {
	hints := BuildHints(HintInput{
		Halted:            true,
		HaltReason:        "DAILY_LOSS_LIMIT",
		OrdersAllowed:     2,
		OrdersDenied:      18,
		ProcessRestarts:   4,
		ModeratorFailures: 2,
		Anomalies:         1,
	})
	if len(hints) != 4 {
		t.Fatalf("expected 4 hints, got %d: %v", len(hints), hints)
	}
	if !strings.HasPrefix(hints[0], "Trading is halted (DAILY_LOSS_LIMIT)") {
		t.Fatalf("halt should come first, got %q", hints[0])
	}
	if !strings.Contains(hints[2], "Denial rate is high (90% of 20 orders)") {
		t.Fatalf("unexpected denial hint %q", hints[2])
	}
}
