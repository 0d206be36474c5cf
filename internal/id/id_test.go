package id

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtIsMonotonicWithinMillisecond(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	prev := At(ts)
	for i := 0; i < 1000; i++ {
		next := At(ts)
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestAtEmbedsTimestamp(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 8_000_000, time.UTC)
	u, err := ulid.ParseStrict(At(ts))
	require.NoError(t, err)
	assert.True(t, ulid.Time(u.Time()).Equal(ts.Truncate(time.Millisecond)))
}
