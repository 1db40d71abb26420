// Package ratelimit implements the request rate limiter (spec component
// C5): fixed-window Redis counters keyed by (profile, endpoint class, ip),
// an HTTP middleware that emits X-RateLimit-* headers and a 429 with
// Retry-After once a window is exhausted, and a dedicated, actor-backed
// limiter for device/CIBA user-code guessing that escalates its own
// backoff instead of just counting.
//
// There is no rate limiter in dex to generalize from; the
// fixed-window counter shape instead follows the pack's general idiom for
// Redis-backed counters (INCR the window key, EXPIRE it on first write),
// the same primitive suleymanmyradov-growth-server and jordigilh-kubernaut
// both reach for via redis/go-redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Result describes the outcome of a single Allow check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// Limiter enforces a fixed-window counter per key. A storage error fails
// open (Allowed=true) — an unreachable Redis must never itself become a
// denial-of-service vector against the IdP's own endpoints.
type Limiter struct {
	rdb    *goredis.Client
	prefix string
}

// New builds a Limiter backed by rdb. prefix namespaces its keys within a
// shared Redis instance (e.g. "ratelimit:").
func New(rdb *goredis.Client, prefix string) *Limiter {
	return &Limiter{rdb: rdb, prefix: prefix}
}

// incrWindowScript atomically increments the window counter and, only on
// the write that creates the key, sets its expiry — matching C1's
// redisactor CAS idiom of doing the read-modify-write inside a single Lua
// EVAL so concurrent requests in the same window never race past the
// limit.
const incrWindowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`

// Allow increments the counter for key's current fixed window and reports
// whether the request is within limit. window is the fixed-window size
// (e.g. time.Minute); limit is the max requests allowed per window.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Result {
	if l.rdb == nil {
		return Result{Allowed: true, Limit: limit, Remaining: limit}
	}

	windowKey := fmt.Sprintf("%s%s:%d", l.prefix, key, time.Now().UnixNano()/int64(window))
	res, err := l.rdb.Eval(ctx, incrWindowScript, []string{windowKey}, window.Milliseconds()).Result()
	if err != nil {
		// Fail open: treat a storage outage as "allow", not "deny".
		return Result{Allowed: true, Limit: limit, Remaining: limit}
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{Allowed: true, Limit: limit, Remaining: limit}
	}
	count := toInt64(vals[0])
	ttlMs := toInt64(vals[1])

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:    count <= int64(limit),
		Limit:      limit,
		Remaining:  remaining,
		ResetAfter: time.Duration(ttlMs) * time.Millisecond,
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	default:
		return 0
	}
}
