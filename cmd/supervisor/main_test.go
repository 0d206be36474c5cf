package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/trade-supervisor/internal/eventlog"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "supervisor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestConfigValidate(t *testing.T) {
	path := writeConfig(t, "state_dir: /tmp/supervisor-test\nevent_log:\n  driver: memory\n")
	out, err := execute(t, "config", "validate", "--config", path, "--profile", "strict")
	require.NoError(t, err)
	assert.Contains(t, out, "config ok (profile=strict")
}

func TestConfigValidateRejects(t *testing.T) {
	path := writeConfig(t, "tick_interval: 0s\n")
	_, err := execute(t, "config", "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestExplicitMissingConfigFails(t *testing.T) {
	_, err := execute(t, "config", "validate", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	path := writeConfig(t, "api:\n  auth_token: hunter2\n")
	out, err := execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "auth_token:")
}

func TestPolicyShowMissingFileIsRiskOff(t *testing.T) {
	out, err := execute(t, "policy", "show", "--file", filepath.Join(t.TempDir(), "policy.json"))
	require.NoError(t, err)
	assert.Contains(t, out, `"mode": "risk_off"`)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "supervisor dev"))
}

func TestTailQuery(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	q, err := (&tailOptions{types: "heartbeat, ANOMALY", since: time.Hour, limit: 10}).query(now)
	require.NoError(t, err)
	assert.Equal(t, []eventlog.Type{eventlog.TypeHeartbeat, eventlog.TypeAnomaly}, q.Types)
	assert.Equal(t, now.Add(-time.Hour), q.Since)
	assert.True(t, q.Newest)

	_, err = (&tailOptions{types: "BOGUS", limit: 10}).query(now)
	assert.Error(t, err)
	_, err = (&tailOptions{limit: 0}).query(now)
	assert.Error(t, err)
}

func TestTailEventsFollow(t *testing.T) {
	store := eventlog.NewMemoryStore()
	log := eventlog.NewLog(store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 3; i++ {
		log.Append(ctx, eventlog.New(eventlog.TypeHeartbeat, "test", nil))
	}

	got := make(chan int64, 16)
	done := make(chan error, 1)
	go func() {
		done <- tailEvents(ctx, store, eventlog.Query{Limit: 2, Newest: true}, true, 5*time.Millisecond, func(e eventlog.Event) error {
			got <- e.Seq
			return nil
		})
	}()

	assert.Equal(t, int64(2), <-got)
	assert.Equal(t, int64(3), <-got)
	log.Append(ctx, eventlog.New(eventlog.TypeAnomaly, "test", nil))
	select {
	case seq := <-got:
		assert.Equal(t, int64(4), seq)
	case <-time.After(2 * time.Second):
		t.Fatal("followed event not printed")
	}
	cancel()
	assert.NoError(t, <-done)
}
