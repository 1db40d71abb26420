package clientreg

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/veriflow/veriflow/pkg/log"
)

// Registry is a read-through cache in front of a Source: read path tries
// the process-local L1 cache, then Redis (L2), then falls all the way
// through to Source, filling both cache layers on the way back out. This
// follows the same decorate-the-read-path shape as the pack's Redis-backed
// CachedUserRepo, extended with an extra in-process layer since client
// lookups sit on the hot path of every authorization and token request.
type Registry struct {
	source Source
	logger log.Logger

	l1    sync.Map // client id -> l1Entry
	l1TTL time.Duration

	rdb      *goredis.Client
	l2Prefix string
	l2TTL    time.Duration
}

type l1Entry struct {
	client    Client
	expiresAt time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithRedisCache adds an L2 Redis cache layer. Absent this option, the
// Registry only maintains its in-process L1 cache.
func WithRedisCache(rdb *goredis.Client, prefix string, ttl time.Duration) Option {
	return func(r *Registry) {
		r.rdb = rdb
		r.l2Prefix = prefix
		r.l2TTL = ttl
	}
}

// WithLogger attaches a logger for cache-fill and fetch failures.
func WithLogger(logger log.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry wraps source with the read-through cache. l1TTL bounds how
// long a client record is trusted in-process before rereading L2/source;
// a short TTL (seconds, not minutes) keeps client disablement/rotation
// responsive without making every token request pay a Redis round trip.
func NewRegistry(source Source, l1TTL time.Duration, opts ...Option) *Registry {
	r := &Registry{source: source, l1TTL: l1TTL}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get resolves a client by ID, trying L1, then L2, then the source of
// truth, filling caches on the way back.
func (r *Registry) Get(ctx context.Context, id string) (Client, error) {
	if v, ok := r.l1.Load(id); ok {
		entry := v.(l1Entry)
		if time.Now().Before(entry.expiresAt) {
			return entry.client, nil
		}
		r.l1.Delete(id)
	}

	if r.rdb != nil {
		if client, ok := r.getL2(ctx, id); ok {
			r.fillL1(id, client)
			return client, nil
		}
	}

	client, err := r.source.GetClient(ctx, id)
	if err != nil {
		return Client{}, err
	}

	r.fillL1(id, client)
	r.fillL2(ctx, id, client)
	return client, nil
}

// Invalidate drops a client from both cache layers, e.g. after an
// out-of-band secret rotation or disablement.
func (r *Registry) Invalidate(ctx context.Context, id string) {
	r.l1.Delete(id)
	if r.rdb != nil {
		_ = r.rdb.Del(ctx, r.l2Key(id)).Err()
	}
}

func (r *Registry) fillL1(id string, client Client) {
	r.l1.Store(id, l1Entry{client: client, expiresAt: time.Now().Add(r.l1TTL)})
}

func (r *Registry) l2Key(id string) string {
	return r.l2Prefix + "client:" + id
}

func (r *Registry) getL2(ctx context.Context, id string) (Client, bool) {
	raw, err := r.rdb.Get(ctx, r.l2Key(id)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) && r.logger != nil {
			r.logger.Warnf("clientreg: L2 cache read failed for %s: %v", id, err)
		}
		return Client{}, false
	}
	var client Client
	if err := json.Unmarshal(raw, &client); err != nil {
		if r.logger != nil {
			r.logger.Warnf("clientreg: L2 cache entry for %s is corrupt: %v", id, err)
		}
		return Client{}, false
	}
	return client, true
}

func (r *Registry) fillL2(ctx context.Context, id string, client Client) {
	if r.rdb == nil {
		return
	}
	raw, err := json.Marshal(client)
	if err != nil {
		return
	}
	// Best-effort: a failed cache fill never fails the caller's request.
	if err := r.rdb.Set(ctx, r.l2Key(id), raw, r.l2TTL).Err(); err != nil && r.logger != nil {
		r.logger.Warnf("clientreg: L2 cache fill failed for %s: %v", id, err)
	}
}
