// Package redisactor is a Redis-backed actor.Backend for multi-instance
// deployments, so every replica of the IdP observes the same authorization
// codes, PAR requests, device/CIBA state, and rate counters.
//
// Atomicity for Mutate is optimistic: the transition function runs in Go
// against a snapshot read with GET, and the write is applied by a Lua
// compare-and-swap script executed with EVAL, which only writes if the
// stored value still equals that snapshot. If a concurrent writer changed
// the key in between, Mutate rereads and reruns the transition, up to
// maxMutateAttempts times. No WATCH/MULTI transaction is used.
package redisactor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/veriflow/veriflow/internal/actor"
)

type Backend struct {
	rdb    *goredis.Client
	prefix string
}

var _ actor.Backend = (*Backend)(nil)

// New wraps an existing Redis client. prefix namespaces every key so a
// single Redis instance can be shared with unrelated consumers.
func New(rdb *goredis.Client, prefix string) *Backend {
	return &Backend{rdb: rdb, prefix: prefix}
}

func (b *Backend) fullKey(kind, key string) string {
	return fmt.Sprintf("%s%s:%s", b.prefix, kind, key)
}

func (b *Backend) Put(ctx context.Context, kind, key string, value []byte, ttl time.Duration) error {
	return b.rdb.Set(ctx, b.fullKey(kind, key), value, ttl).Err()
}

func (b *Backend) Get(ctx context.Context, kind, key string) ([]byte, bool, error) {
	raw, err := b.rdb.Get(ctx, b.fullKey(kind, key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redisactor: get %s/%s: %w", kind, key, err)
	}
	return raw, true, nil
}

func (b *Backend) Delete(ctx context.Context, kind, key string) error {
	return b.rdb.Del(ctx, b.fullKey(kind, key)).Err()
}

// compareAndSwap is a Lua script executed atomically by the Redis server:
// it only applies the write if the stored value still matches the version
// the caller last observed (ARGV[2]), used as the fencing token for
// Mutate's optimistic-concurrency retry loop. An empty ARGV[2] means "key
// must still be absent."
const compareAndSwapScript = `
local cur = redis.call("GET", KEYS[1])
local expect = ARGV[2]
if expect == "" then
  if cur then
    return 0
  end
else
  if not cur or cur ~= expect then
    return 0
  end
end
if ARGV[1] == "" then
  redis.call("DEL", KEYS[1])
else
  if tonumber(ARGV[3]) > 0 then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
  else
    redis.call("SET", KEYS[1], ARGV[1])
  end
end
return 1
`

// maxMutateAttempts bounds the optimistic-concurrency retry loop in Mutate.
// A single contending writer is resolved within 1-2 attempts; this is a
// backstop against pathological hot-key contention, not a tuning knob.
const maxMutateAttempts = 8

func (b *Backend) Mutate(ctx context.Context, kind, key string, ttl time.Duration, fn actor.MutateFunc) ([]byte, error) {
	fullKey := b.fullKey(kind, key)

	// A storage error is retried once (a fresh read and transition) before
	// it is returned.
	storageRetried := false
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		current, exists, err := b.Get(ctx, kind, key)
		if err != nil {
			if !storageRetried {
				storageRetried = true
				continue
			}
			return nil, err
		}

		next, result, err := fn(current, exists)
		if err != nil {
			return nil, err
		}

		expect := ""
		if exists {
			expect = string(current)
		}
		nextArg := ""
		if next != nil {
			nextArg = string(next)
		}
		ttlMillis := int64(0)
		if ttl > 0 {
			ttlMillis = ttl.Milliseconds()
		}

		applied, err := b.rdb.Eval(ctx, compareAndSwapScript, []string{fullKey}, nextArg, expect, ttlMillis).Int()
		if err != nil {
			if !storageRetried {
				storageRetried = true
				continue
			}
			return nil, fmt.Errorf("redisactor: mutate %s/%s: %w", kind, key, err)
		}
		if applied == 1 {
			return result, nil
		}
		// Lost the race against a concurrent writer; reread and retry.
	}
	return nil, fmt.Errorf("redisactor: mutate %s/%s: %w", kind, key, actor.ErrConflict)
}

func (b *Backend) ScanPrefix(ctx context.Context, kind, prefix string) (map[string][]byte, error) {
	pattern := b.fullKey(kind, prefix) + "*"
	out := make(map[string][]byte)

	iter := b.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	fullPrefix := b.prefix + kind + ":"
	for iter.Next(ctx) {
		fullKey := iter.Val()
		raw, err := b.rdb.Get(ctx, fullKey).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			return nil, fmt.Errorf("redisactor: scan %s: %w", kind, err)
		}
		out[strings.TrimPrefix(fullKey, fullPrefix)] = raw
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redisactor: scan %s: %w", kind, err)
	}
	return out, nil
}

// GarbageCollect is a no-op: every key is written with a native Redis PX
// TTL, so expiry is enforced by the server itself and nothing accumulates
// for a background sweep to find.
func (b *Backend) GarbageCollect(ctx context.Context, now time.Time) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func (b *Backend) Close() error {
	return b.rdb.Close()
}
