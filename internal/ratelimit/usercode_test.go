package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/veriflow/veriflow/internal/actor/memactor"
)

func TestUserCodeRateLimiterAllowsFirstAttempt(t *testing.T) {
	l := NewUserCodeRateLimiter(memactor.New(), time.Second, time.Minute)
	allowed, _, err := l.Allowed(context.Background(), "198.51.100.9")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestUserCodeRateLimiterLocksOutAfterFailure(t *testing.T) {
	now := time.Now()
	l := NewUserCodeRateLimiter(memactor.New(), time.Second, time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, l.RecordFailure(ctx, "198.51.100.9"))
	allowed, wait, err := l.Allowed(ctx, "198.51.100.9")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, time.Second, wait)
}

func TestUserCodeRateLimiterBackoffDoublesPerFailure(t *testing.T) {
	now := time.Now()
	l := NewUserCodeRateLimiter(memactor.New(), time.Second, time.Hour).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, l.RecordFailure(ctx, "198.51.100.9"))
	require.NoError(t, l.RecordFailure(ctx, "198.51.100.9"))
	_, wait, err := l.Allowed(ctx, "198.51.100.9")
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, wait)
}

func TestUserCodeRateLimiterBackoffCapsAtMaxDelay(t *testing.T) {
	now := time.Now()
	l := NewUserCodeRateLimiter(memactor.New(), time.Second, 3*time.Second).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.RecordFailure(ctx, "198.51.100.9"))
	}
	_, wait, err := l.Allowed(ctx, "198.51.100.9")
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, wait)
}

func TestUserCodeRateLimiterUnlocksAfterDelayElapses(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	l := NewUserCodeRateLimiter(memactor.New(), time.Second, time.Minute).WithClock(clock)
	ctx := context.Background()

	require.NoError(t, l.RecordFailure(ctx, "198.51.100.9"))
	now = now.Add(2 * time.Second)
	allowed, _, err := l.Allowed(ctx, "198.51.100.9")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestUserCodeRateLimiterRecordSuccessClearsHistory(t *testing.T) {
	l := NewUserCodeRateLimiter(memactor.New(), time.Second, time.Minute)
	ctx := context.Background()

	require.NoError(t, l.RecordFailure(ctx, "198.51.100.9"))
	require.NoError(t, l.RecordSuccess(ctx, "198.51.100.9"))
	allowed, _, err := l.Allowed(ctx, "198.51.100.9")
	require.NoError(t, err)
	require.True(t, allowed)
}
