package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return New(rdb, "ratelimit:")
}

func TestAllowWithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result := l.Allow(ctx, "token:1.2.3.4", 3, time.Minute)
		require.True(t, result.Allowed, "request %d should be allowed", i)
	}
}

func TestAllowRejectsOverLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Allow(ctx, "token:1.2.3.4", 3, time.Minute)
	}
	result := l.Allow(ctx, "token:1.2.3.4", 3, time.Minute)
	require.False(t, result.Allowed)
	require.Equal(t, 0, result.Remaining)
}

func TestAllowFailsOpenWithoutBackend(t *testing.T) {
	l := New(nil, "ratelimit:")
	result := l.Allow(context.Background(), "any", 1, time.Minute)
	require.True(t, result.Allowed)
}

func TestAllowTracksSeparateKeysIndependently(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	l.Allow(ctx, "token:1.1.1.1", 1, time.Minute)
	result := l.Allow(ctx, "token:2.2.2.2", 1, time.Minute)
	require.True(t, result.Allowed)
}
