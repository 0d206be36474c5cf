package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/trade-supervisor/internal/eventlog"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFixture(t *testing.T) (*Scheduler, *eventlog.Log, *clock, string) {
	t.Helper()
	log := eventlog.NewLog(eventlog.NewMemoryStore(), nil)
	t.Cleanup(func() { _ = log.Close() })
	path := filepath.Join(t.TempDir(), "snapshot.json")
	c := &clock{t: time.Now().UTC()}
	s := NewScheduler(Config{Interval: time.Minute, Window: 15 * time.Minute, Path: path}, log, log, nil)
	s.SetClock(c.now)
	return s, log, c, path
}

func seed(ctx context.Context, log *eventlog.Log) {
	log.Append(ctx, eventlog.New(eventlog.TypeHeartbeat, "api", nil))
	log.Append(ctx, eventlog.New(eventlog.TypeOrderDecision, "risk", map[string]interface{}{"allowed": true, "code": "OK"}))
	log.Append(ctx, eventlog.New(eventlog.TypeOrderDecision, "risk", map[string]interface{}{"allowed": false, "code": "AUTO_HALT"}))
	log.Append(ctx, eventlog.New(eventlog.TypeOrderDecision, "risk", map[string]interface{}{"allowed": false, "code": "AUTO_HALT"}))
	log.Append(ctx, eventlog.New(eventlog.TypeRiskLimitBreach, "risk", map[string]interface{}{"code": "DAILY_LOSS_LIMIT"}))
	log.Append(ctx, eventlog.New(eventlog.TypeProcessTransition, "process", map[string]interface{}{"to": "CRASHED", "reason": "exit code 1"}))
	log.Append(ctx, eventlog.New(eventlog.TypeProcessTransition, "process", map[string]interface{}{"to": "STARTING", "reason": "automatic restart 1/3"}))
	log.Append(ctx, eventlog.New(eventlog.TypePolicyPublished, "policy", map[string]interface{}{"mode": "risk_off", "version": int64(7)}))
}

func TestRunOnceAggregatesWindow(t *testing.T) {
	ctx := context.Background()
	s, log, _, _ := newFixture(t)
	seed(ctx, log)

	snap, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, snap.CarriedForward)
	assert.Equal(t, int64(8), snap.LastSeq)
	assert.Equal(t, 8, snap.EventCount)

	a := snap.Aggregates
	assert.Equal(t, 1, a.Heartbeats)
	assert.Equal(t, 1, a.OrdersAllowed)
	assert.Equal(t, 2, a.OrdersDenied)
	assert.Equal(t, map[string]int{"AUTO_HALT": 2}, a.DenialCodes)
	assert.Equal(t, 1, a.RiskBreaches)
	assert.Equal(t, 1, a.ProcessCrashes)
	assert.Equal(t, 1, a.ProcessRestarts)
	assert.Equal(t, "risk_off", a.LastPolicyMode)
	assert.Equal(t, int64(7), a.LastPolicyVersion)
	assert.Equal(t, 3, a.EventsByType["ORDER_DECISION"])

	evs, err := log.Query(ctx, eventlog.Query{Types: []eventlog.Type{eventlog.TypeSnapshot}})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestQuiescentRunCarriesForward(t *testing.T) {
	ctx := context.Background()
	s, log, c, _ := newFixture(t)
	seed(ctx, log)

	first, err := s.RunOnce(ctx)
	require.NoError(t, err)

	c.advance(time.Minute)
	second, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, second.CarriedForward)
	assert.True(t, second.GeneratedAt.After(first.GeneratedAt))
	assert.Equal(t, first.LastSeq, second.LastSeq)
	assert.Equal(t, first.Aggregates, second.Aggregates)

	evs, err := log.Query(ctx, eventlog.Query{Types: []eventlog.Type{eventlog.TypeSnapshot}})
	require.NoError(t, err)
	assert.Len(t, evs, 1, "carried snapshots are not logged")

	log.Append(ctx, eventlog.New(eventlog.TypeAnomaly, "api", nil))
	third, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, third.CarriedForward)
	assert.Equal(t, 1, third.Aggregates.Anomalies)
}

func TestEmptyLogProducesEmptySnapshot(t *testing.T) {
	s, _, _, _ := newFixture(t)
	_, ok := s.Current()
	assert.False(t, ok)

	snap, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.CarriedForward)
	assert.Zero(t, snap.EventCount)
	assert.Zero(t, snap.LastSeq)
}

func TestLoadRestoresPersistedSnapshot(t *testing.T) {
	ctx := context.Background()
	s, log, c, path := newFixture(t)
	seed(ctx, log)
	first, err := s.RunOnce(ctx)
	require.NoError(t, err)

	reloaded := NewScheduler(Config{Window: 15 * time.Minute, Path: path}, log, nil, nil)
	reloaded.SetClock(c.now)
	require.NoError(t, reloaded.Load())
	got, ok := reloaded.Current()
	require.True(t, ok)
	assert.Equal(t, first.LastSeq, got.LastSeq)

	c.advance(time.Minute)
	next, err := reloaded.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, next.CarriedForward)
}

func TestCurrentReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s, log, _, _ := newFixture(t)
	seed(ctx, log)
	_, err := s.RunOnce(ctx)
	require.NoError(t, err)

	snap, _ := s.Current()
	snap.Aggregates.DenialCodes["AUTO_HALT"] = 99
	again, _ := s.Current()
	assert.Equal(t, 2, again.Aggregates.DenialCodes["AUTO_HALT"])
}
