package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	now := start
	l := New()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestIncrementCountsWithinWindow(t *testing.T) {
	base := time.Date(2025, 3, 16, 14, 0, 0, 0, time.UTC)
	l, _ := newTestLimiter(base)

	count, reset := l.Increment("conn-1", time.Minute)
	assert.Equal(t, 1, count)
	assert.Equal(t, base.Add(time.Minute), reset)

	count, reset2 := l.Increment("conn-1", time.Minute)
	assert.Equal(t, 2, count)
	assert.Equal(t, reset, reset2, "window end is fixed for the whole window")
}

func TestIncrementResetsAfterWindowEnd(t *testing.T) {
	base := time.Date(2025, 3, 16, 14, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(base)

	for i := 0; i < 5; i++ {
		l.Increment("conn-1", time.Minute)
	}

	*now = base.Add(time.Minute)
	count, reset := l.Increment("conn-1", time.Minute)
	assert.Equal(t, 1, count, "count resets to 1 at the window boundary")
	assert.Equal(t, base.Add(2*time.Minute), reset)
}

func TestIdsAreIndependent(t *testing.T) {
	base := time.Date(2025, 3, 16, 14, 0, 0, 0, time.UTC)
	l, _ := newTestLimiter(base)

	l.Increment("conn-1", time.Minute)
	l.Increment("conn-1", time.Minute)
	count, _ := l.Increment("conn-2", time.Minute)
	assert.Equal(t, 1, count)
}

func TestRemoveAndSweep(t *testing.T) {
	base := time.Date(2025, 3, 16, 14, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(base)

	l.Increment("conn-1", time.Minute)
	l.Increment("conn-2", time.Hour)
	assert.Equal(t, 2, l.Len())

	l.Remove("conn-1")
	assert.Equal(t, 1, l.Len())

	*now = base.Add(2 * time.Minute)
	l.Increment("conn-3", time.Second)
	*now = base.Add(3 * time.Minute)
	l.Sweep()
	assert.Equal(t, 1, l.Len(), "only the hour window survives the sweep")
}
