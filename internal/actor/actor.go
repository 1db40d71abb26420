// Package actor implements the strongly-consistent, single-writer,
// key-scoped state store (spec component C1) that backs every short-lived
// protocol artifact: authorization codes, PAR requests, device codes, CIBA
// requests, the DPoP jti replay set, rate-limit counters, and flow/session
// runtime state.
//
// The design generalizes dex's storage.Storage (one Create/Get/Update/
// Delete method per entity type, all funneled through a single mutex in the
// in-memory backend) into one uniform contract keyed by (kind, key), so a
// single Backend implementation — in-memory for tests, Redis-sharded for
// production — serves every actor kind in the system instead of one bespoke
// method set per entity.
package actor

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("actor: not found")

// ErrConflict is returned by Mutate implementations when a concurrent
// writer won the race and the caller should reread and retry at a higher
// level (Backend implementations are expected to retry internally first;
// this only escapes when that internal retry also loses).
var ErrConflict = errors.New("actor: conflicting write")

// MutateFunc is the single-writer transition function passed to
// Backend.Mutate. It receives the current raw value (nil, exists=false if
// the key is absent or expired) and returns the bytes to persist (nil means
// delete) plus an opaque result payload returned to the caller of Mutate.
// Returning a non-nil error aborts the mutation: nothing is persisted.
type MutateFunc func(current []byte, exists bool) (next []byte, result []byte, err error)

// Backend is the low-level, kind-scoped key/value contract every storage
// engine (memory, Redis) must implement. Kinds namespace unrelated actors
// (e.g. "authcode", "par", "device", "ciba", "dpop-jti", "ratelimit",
// "flow-session") so a single backend instance can host all of them.
type Backend interface {
	// Put unconditionally stores value under (kind, key) with the given
	// TTL. ttl <= 0 means the record never expires on its own.
	Put(ctx context.Context, kind, key string, value []byte, ttl time.Duration) error

	// Get loads the current value. ok is false if the key is absent or its
	// TTL has elapsed — reads MUST observe "not found" at expiry even if
	// physical cleanup has not run yet (spec.md §5).
	Get(ctx context.Context, kind, key string) (value []byte, ok bool, err error)

	// Delete removes a record. Deleting an absent key is not an error.
	Delete(ctx context.Context, kind, key string) error

	// Mutate serializes execution for a single (kind, key): the read of the
	// current value, the call to fn, and the persistence of fn's result
	// happen without any other Mutate/Put/Delete for that same key
	// interleaving. This is the actor's single-writer guarantee and is the
	// primitive every atomic transition (consume, approve, rotate-refresh,
	// rate-limit increment) is built from.
	//
	// A storage error during the underlying read/write is retried once
	// internally; if the retry also fails the error is returned as-is.
	Mutate(ctx context.Context, kind, key string, ttl time.Duration, fn MutateFunc) (result []byte, err error)

	// ScanPrefix returns every live record of a kind whose key starts with
	// prefix. Used for secondary indexes (e.g. device_code -> user_code)
	// and diagnostics; not on any single-key hot path.
	ScanPrefix(ctx context.Context, kind, prefix string) (map[string][]byte, error)

	// GarbageCollect deletes every expired record and reports how many were
	// removed per kind, mirroring storage.GCResult's shape.
	GarbageCollect(ctx context.Context, now time.Time) (map[string]int64, error)

	Close() error
}

// idempotencyKind is the reserved actor kind used to remember request_id ->
// result mappings for MutateIdempotent, per spec.md C1's "Idempotency"
// contract clause.
const idempotencyKind = "__idempotency__"

// idempotencyTTL bounds how long a replayed request_id is honored. It only
// needs to outlive client retry storms, not the lifetime of the artifact
// itself.
const idempotencyTTL = 10 * time.Minute
