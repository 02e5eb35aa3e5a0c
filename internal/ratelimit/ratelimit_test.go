package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(capacity, buffer int, window time.Duration) (*Limiter, *time.Time) {
	l := NewLimiter(Config{
		Window:       window,
		Capacity:     capacity,
		SafetyBuffer: buffer,
		MaxWait:      50 * time.Millisecond,
	})
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestTryAdmitRespectsSafetyBuffer(t *testing.T) {
	l, _ := newTestLimiter(10, 2, time.Minute)

	for i := 0; i < 8; i++ {
		require.True(t, l.TryAdmit(), "admission %d", i)
	}
	assert.False(t, l.TryAdmit(), "buffer slots must not be admitted")
	assert.Equal(t, 8, l.Pending())
}

func TestPruneDropsExpiredTimestamps(t *testing.T) {
	l, now := newTestLimiter(10, 0, time.Minute)

	for i := 0; i < 10; i++ {
		require.True(t, l.TryAdmit())
	}
	require.False(t, l.TryAdmit())

	*now = now.Add(61 * time.Second)
	assert.Equal(t, 0, l.Pending())
	assert.True(t, l.TryAdmit())
}

func TestWindowNeverRetainsStaleEntries(t *testing.T) {
	l, now := newTestLimiter(1000, 0, time.Second)

	for i := 0; i < 500; i++ {
		l.TryAdmit()
		*now = now.Add(10 * time.Millisecond)
	}
	// Anything older than the 1s window must have been pruned.
	assert.LessOrEqual(t, l.Pending(), 100)
}

func TestAwaitSlotReturnsWhenWindowOpens(t *testing.T) {
	l := NewLimiter(Config{
		Window:       80 * time.Millisecond,
		Capacity:     1,
		SafetyBuffer: 0,
		MaxWait:      2 * time.Second,
	})
	require.True(t, l.TryAdmit())

	start := time.Now()
	err := l.AwaitSlot(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestAwaitSlotForceEvictsPastMaxWait(t *testing.T) {
	l := NewLimiter(Config{
		Window:       time.Hour, // nothing expires on its own
		Capacity:     1,
		SafetyBuffer: 0,
		MaxWait:      30 * time.Millisecond,
	})
	require.True(t, l.TryAdmit())

	// The safety valve evicts the oldest entries and admits the waiter.
	err := l.AwaitSlot(context.Background())
	assert.NoError(t, err)
}

func TestAwaitSlotHonorsContext(t *testing.T) {
	l := NewLimiter(Config{
		Window:       time.Hour,
		Capacity:     1,
		SafetyBuffer: 0,
		MaxWait:      5 * time.Second,
	})
	require.True(t, l.TryAdmit())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.AwaitSlot(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
