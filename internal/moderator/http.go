package moderator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const systemPrompt = "You review a trading risk policy. Return JSON only. " +
	"Allowed keys: mode (normal, risk_off, paused), risk_multiplier (0..1), reason. " +
	"Do not include extra keys. If no change is needed return {}."

var allowedKeys = map[string]bool{"mode": true, "risk_multiplier": true, "reason": true}

type HTTPConfig struct {
	URL         string
	Model       string
	APIKey      string
	Temperature float64
}

// HTTPClient talks to a chat-completions style endpoint.
type HTTPClient struct {
	cfg        HTTPConfig
	httpClient *http.Client
}

// NewHTTPClient creates a client. Deadlines come from the caller's context.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	return &HTTPClient{cfg: cfg, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *HTTPClient) Review(ctx context.Context, cand Candidate) (Verdict, error) {
	if c.cfg.APIKey == "" {
		return Verdict{}, fmt.Errorf("moderator: api key not configured")
	}
	user, err := json.Marshal(map[string]interface{}{
		"signals":   cand.Signals,
		"candidate": map[string]interface{}{"mode": cand.Mode, "risk_multiplier": cand.RiskMultiplier, "reason": cand.Reason},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("moderator: encode prompt: %w", err)
	}
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(user)},
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("moderator: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("moderator: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("moderator: send: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, fmt.Errorf("moderator: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("moderator: status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Verdict{}, fmt.Errorf("moderator: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Verdict{}, fmt.Errorf("moderator: response has no choices")
	}
	return ParseVerdict(parsed.Choices[0].Message.Content)
}

// ParseVerdict decodes the advisor's answer. It must be a JSON object using
// only mode, risk_multiplier and reason.
func ParseVerdict(content string) (Verdict, error) {
	var fields map[string]jsoniter.RawMessage
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return Verdict{}, fmt.Errorf("moderator: answer is not a JSON object: %w", err)
	}
	if fields == nil {
		return Verdict{}, fmt.Errorf("moderator: answer is not a JSON object")
	}
	for k := range fields {
		if !allowedKeys[k] {
			return Verdict{}, fmt.Errorf("moderator: answer has unexpected key %q", k)
		}
	}
	var v Verdict
	if raw, ok := fields["mode"]; ok {
		if err := json.Unmarshal(raw, &v.Mode); err != nil {
			return Verdict{}, fmt.Errorf("moderator: mode: %w", err)
		}
	}
	if raw, ok := fields["risk_multiplier"]; ok {
		var m float64
		if err := json.Unmarshal(raw, &m); err != nil {
			return Verdict{}, fmt.Errorf("moderator: risk_multiplier: %w", err)
		}
		v.RiskMultiplier = &m
	}
	if raw, ok := fields["reason"]; ok {
		if err := json.Unmarshal(raw, &v.Reason); err != nil {
			return Verdict{}, fmt.Errorf("moderator: reason: %w", err)
		}
	}
	if err := v.validate(); err != nil {
		return Verdict{}, fmt.Errorf("moderator: %w", err)
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
