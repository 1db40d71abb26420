// Package memactor is an in-memory actor.Backend, suitable for tests and
// single-process deployments. It generalizes dex's storage/memory package:
// instead of one map per entity type guarded by one process-wide mutex, it
// keeps a single map[kind][key]record guarded by one mutex, which is enough
// because Mutate already serializes per-key transitions at the caller's
// granularity — the lock is only ever held for the duration of one
// marshal/transition/marshal cycle.
package memactor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/veriflow/veriflow/internal/actor"
)

type record struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (r record) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && now.After(r.expiresAt)
}

type Backend struct {
	mu   sync.Mutex
	data map[string]map[string]record
}

var _ actor.Backend = (*Backend)(nil)

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{data: make(map[string]map[string]record)}
}

func (b *Backend) tx(f func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f()
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (b *Backend) Put(ctx context.Context, kind, key string, value []byte, ttl time.Duration) error {
	b.tx(func() {
		table := b.table(kind)
		table[key] = record{value: value, expiresAt: expiry(ttl)}
	})
	return nil
}

func (b *Backend) table(kind string) map[string]record {
	table, ok := b.data[kind]
	if !ok {
		table = make(map[string]record)
		b.data[kind] = table
	}
	return table
}

func (b *Backend) Get(ctx context.Context, kind, key string) ([]byte, bool, error) {
	var value []byte
	var ok bool
	b.tx(func() {
		rec, present := b.data[kind][key]
		if !present || rec.expired(time.Now()) {
			return
		}
		value, ok = rec.value, true
	})
	return value, ok, nil
}

func (b *Backend) Delete(ctx context.Context, kind, key string) error {
	b.tx(func() {
		delete(b.data[kind], key)
	})
	return nil
}

func (b *Backend) Mutate(ctx context.Context, kind, key string, ttl time.Duration, fn actor.MutateFunc) ([]byte, error) {
	var result []byte
	var err error
	b.tx(func() {
		table := b.table(kind)
		rec, exists := table[key]
		if exists && rec.expired(time.Now()) {
			exists = false
		}
		var current []byte
		if exists {
			current = rec.value
		}

		var next []byte
		next, result, err = fn(current, exists)
		if err != nil {
			return
		}
		if next == nil {
			delete(table, key)
			return
		}
		table[key] = record{value: next, expiresAt: expiry(ttl)}
	})
	return result, err
}

func (b *Backend) ScanPrefix(ctx context.Context, kind, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	now := time.Now()
	b.tx(func() {
		for key, rec := range b.data[kind] {
			if rec.expired(now) || !strings.HasPrefix(key, prefix) {
				continue
			}
			out[key] = rec.value
		}
	})
	return out, nil
}

func (b *Backend) GarbageCollect(ctx context.Context, now time.Time) (map[string]int64, error) {
	result := make(map[string]int64)
	b.tx(func() {
		for kind, table := range b.data {
			for key, rec := range table {
				if rec.expired(now) {
					delete(table, key)
					result[kind]++
				}
			}
		}
	})
	return result, nil
}

func (b *Backend) Close() error { return nil }
