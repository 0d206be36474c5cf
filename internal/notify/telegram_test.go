package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestNotifier(server *httptest.Server) *Notifier {
	return &Notifier{
		botToken:   "test-token",
		chatID:     "test-chat",
		httpClient: server.Client(),
		enabled:    true,
		baseURL:    server.URL,
	}
}

// captureServer records the text of the last message it received.
func captureServer(t *testing.T, got *string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = r.URL.Query().Get("text")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(map[string]bool{"ok": true}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewNotifierDisabled(t *testing.T) {
	n := NewNotifier("", "")
	if n.Enabled() {
		t.Fatal("expected disabled notifier with empty credentials")
	}
}

func TestNewNotifierEnabled(t *testing.T) {
	n := NewNotifier("bot123", "chat456")
	if !n.Enabled() {
		t.Fatal("expected enabled notifier with credentials")
	}
}

func TestSendDisabled(t *testing.T) {
	n := NewNotifier("", "")
	if err := n.Send(context.Background(), "test"); err != nil {
		t.Fatalf("disabled send should succeed silently: %v", err)
	}
}

func TestSendSuccess(t *testing.T) {
	var receivedChatID, receivedText string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedChatID = r.URL.Query().Get("chat_id")
		receivedText = r.URL.Query().Get("text")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := newTestNotifier(server).Send(context.Background(), "hello world"); err != nil {
		t.Fatalf("send should succeed: %v", err)
	}
	if receivedChatID != "test-chat" {
		t.Errorf("expected chat_id=test-chat, got %s", receivedChatID)
	}
	if receivedText != "hello world" {
		t.Errorf("expected text=hello world, got %s", receivedText)
	}
}

func TestSendServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		if err := json.NewEncoder(w).Encode(map[string]string{"description": "bad request"}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	err := newTestNotifier(server).Send(context.Background(), "test")
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if !strings.Contains(err.Error(), "bad request") {
		t.Fatalf("expected telegram description in error, got %v", err)
	}
}

func TestNotifyHaltEscapesDetail(t *testing.T) {
	var text string
	n := newTestNotifier(captureServer(t, &text))

	if err := n.NotifyHalt(context.Background(), "DAILY_LOSS_LIMIT", "loss 120 >= 100 <limit>"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "<code>DAILY_LOSS_LIMIT</code>") {
		t.Fatalf("expected halt code in message, got %q", text)
	}
	if !strings.Contains(text, "&lt;limit&gt;") {
		t.Fatalf("expected detail to be escaped, got %q", text)
	}
}

func TestNotifyWorkerFailed(t *testing.T) {
	var text string
	n := newTestNotifier(captureServer(t, &text))

	if err := n.NotifyWorkerFailed(context.Background(), "restart budget exhausted after 5 restarts", 5); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "Restarts: 5") || !strings.Contains(text, "Manual start required") {
		t.Fatalf("unexpected message %q", text)
	}
}

func TestNotifyPolicyMode(t *testing.T) {
	var text string
	n := newTestNotifier(captureServer(t, &text))

	if err := n.NotifyPolicyMode(context.Background(), "normal", "risk_off", "HEARTBEAT_STALE|LLM_OK", 0); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "normal → risk_off") {
		t.Fatalf("expected transition in message, got %q", text)
	}
	if !strings.Contains(text, "Risk Multiplier: 0.00") {
		t.Fatalf("expected multiplier in message, got %q", text)
	}
}

func TestNotifyDigest(t *testing.T) {
	var text string
	n := newTestNotifier(captureServer(t, &text))

	if err := n.NotifyDigest(context.Background(), "<b>Supervisor Digest</b>\nWorker: RUNNING"); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(text, "<b>Supervisor Digest</b>") {
		t.Fatalf("digest should be sent as rendered, got %q", text)
	}
}

func TestAlertsDisabled(t *testing.T) {
	n := NewNotifier("", "")
	ctx := context.Background()
	if err := n.NotifyHalt(ctx, "MANUAL", ""); err != nil {
		t.Fatal(err)
	}
	if err := n.NotifyHaltCleared(ctx, "operator"); err != nil {
		t.Fatal(err)
	}
	if err := n.NotifyWorkerFailed(ctx, "", 0); err != nil {
		t.Fatal(err)
	}
	if err := n.NotifyPolicyMode(ctx, "normal", "paused", "LOSS_STREAK", 0); err != nil {
		t.Fatal(err)
	}
}
