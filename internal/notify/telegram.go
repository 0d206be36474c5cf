// Package notify delivers operator alerts to a Telegram chat.
package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Notifier sends alerts to a Telegram chat via the Bot API.
type Notifier struct {
	botToken   string
	chatID     string
	httpClient *http.Client
	enabled    bool
	baseURL    string // overridable for testing; defaults to Telegram API
}

// NewNotifier creates a Notifier. Notifications are enabled only when both
// botToken and chatID are non-empty.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken:   botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		enabled:    botToken != "" && chatID != "",
	}
}

// Enabled reports whether the notifier is active.
func (n *Notifier) Enabled() bool { return n.enabled }

// Send posts a message to the configured Telegram chat.
func (n *Notifier) Send(ctx context.Context, msg string) error {
	if !n.enabled {
		return nil
	}

	endpoint := n.baseURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.botToken)
	}
	vals := url.Values{
		"chat_id":    {n.chatID},
		"text":       {msg},
		"parse_mode": {"HTML"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.URL.RawQuery = vals.Encode()

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Description string `json:"description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("notify: telegram %d: %s", resp.StatusCode, body.Description)
	}
	return nil
}

// NotifyHalt sends a risk halt alert.
func (n *Notifier) NotifyHalt(ctx context.Context, code, detail string) error {
	msg := fmt.Sprintf("<b>Trading Halted</b>\nReason: <code>%s</code>", html.EscapeString(code))
	if detail != "" {
		msg += "\n" + html.EscapeString(detail)
	}
	return n.Send(ctx, msg)
}

// NotifyHaltCleared sends an alert when a halt is lifted.
func (n *Notifier) NotifyHaltCleared(ctx context.Context, actor string) error {
	msg := fmt.Sprintf("<b>Halt Cleared</b>\nBy: %s", html.EscapeString(actor))
	return n.Send(ctx, msg)
}

// NotifyWorkerFailed sends an alert when the worker exhausts its restart budget.
func (n *Notifier) NotifyWorkerFailed(ctx context.Context, reason string, restarts int) error {
	msg := fmt.Sprintf("<b>Worker FAILED</b>\nRestarts: %d\n%s\nManual start required.", restarts, html.EscapeString(reason))
	return n.Send(ctx, msg)
}

// NotifyPolicyMode sends a policy mode change alert.
func (n *Notifier) NotifyPolicyMode(ctx context.Context, from, to, reason string, multiplier float64) error {
	msg := fmt.Sprintf(
		"<b>Policy %s → %s</b>\nReason: <code>%s</code>\nRisk Multiplier: %.2f",
		html.EscapeString(from),
		html.EscapeString(to),
		html.EscapeString(reason),
		multiplier,
	)
	return n.Send(ctx, msg)
}

// NotifyDigest sends a pre-rendered HTML digest.
func (n *Notifier) NotifyDigest(ctx context.Context, msg string) error {
	return n.Send(ctx, msg)
}
