package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Table is a typed view over a Backend for one actor kind. Every protocol
// component (authcode, par, device, ciba, ...) declares its own Table[T]
// instead of hand-rolling JSON marshaling at each call site, the same way
// dex's storage.Storage exposes one typed Create/Get/Update method set per
// entity atop a single backing store.
type Table[T any] struct {
	backend Backend
	kind    string
}

// NewTable binds a Table to a kind on the given backend. kind must be
// unique across the process; colliding kinds would let unrelated actors
// clobber each other's keys.
func NewTable[T any](backend Backend, kind string) Table[T] {
	return Table[T]{backend: backend, kind: kind}
}

// Put unconditionally stores v under key with the given TTL.
func (t Table[T]) Put(ctx context.Context, key string, v T, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("actor: marshal %s: %w", t.kind, err)
	}
	return t.backend.Put(ctx, t.kind, key, raw, ttl)
}

// Get loads the record at key. It returns ErrNotFound if absent or expired.
func (t Table[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	raw, ok, err := t.backend.Get(ctx, t.kind, key)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, ErrNotFound
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("actor: unmarshal %s: %w", t.kind, err)
	}
	return v, nil
}

// Delete removes the record at key.
func (t Table[T]) Delete(ctx context.Context, key string) error {
	return t.backend.Delete(ctx, t.kind, key)
}

// TransitionFunc is a typed state transition: given the current value (the
// zero value and exists=false when absent), it returns the new value to
// persist (ok=false deletes the record), a result to hand back to the
// caller, and an error that aborts the transition entirely.
type TransitionFunc[T any, R any] func(current T, exists bool) (next T, ok bool, result R, err error)

// Mutate runs fn as a single-writer transition on key, persisting whatever
// it returns with ttl (ignored when the record is deleted). It is the typed
// entry point onto Backend.Mutate and is how every atomic state change in
// the system — code consumption, device approval, refresh rotation, rate
// counters — is expressed.
func Mutate[T any, R any](ctx context.Context, t Table[T], key string, ttl time.Duration, fn TransitionFunc[T, R]) (R, error) {
	var zero R
	resultRaw, err := t.backend.Mutate(ctx, t.kind, key, ttl, func(currentRaw []byte, exists bool) ([]byte, []byte, error) {
		var current T
		if exists {
			if err := json.Unmarshal(currentRaw, &current); err != nil {
				return nil, nil, fmt.Errorf("actor: unmarshal %s: %w", t.kind, err)
			}
		}
		next, keep, result, err := fn(current, exists)
		if err != nil {
			return nil, nil, err
		}
		resultRaw, err := json.Marshal(result)
		if err != nil {
			return nil, nil, fmt.Errorf("actor: marshal %s result: %w", t.kind, err)
		}
		if !keep {
			return nil, resultRaw, nil
		}
		nextRaw, err := json.Marshal(next)
		if err != nil {
			return nil, nil, fmt.Errorf("actor: marshal %s: %w", t.kind, err)
		}
		return nextRaw, resultRaw, nil
	})
	if err != nil {
		return zero, err
	}
	var result R
	if err := json.Unmarshal(resultRaw, &result); err != nil {
		return zero, fmt.Errorf("actor: unmarshal %s result: %w", t.kind, err)
	}
	return result, nil
}

// MutateIdempotent behaves like Mutate, except that when requestID is
// non-empty and this (kind, key, requestID) triple has already been
// processed within the idempotency window, fn is not invoked again — the
// previously computed result is replayed instead. This satisfies the
// actor's "duplicate submission returns the original outcome" contract
// (spec.md C1, C13) without every caller reimplementing a dedupe cache.
func MutateIdempotent[T any, R any](ctx context.Context, t Table[T], key, requestID string, ttl time.Duration, fn TransitionFunc[T, R]) (R, error) {
	var zero R
	if requestID == "" {
		return Mutate(ctx, t, key, ttl, fn)
	}

	idemKey := t.kind + "/" + key + "/" + requestID
	if raw, ok, err := t.backend.Get(ctx, idempotencyKind, idemKey); err == nil && ok {
		var result R
		if err := json.Unmarshal(raw, &result); err != nil {
			return zero, fmt.Errorf("actor: unmarshal replayed result: %w", err)
		}
		return result, nil
	}

	result, err := Mutate(ctx, t, key, ttl, fn)
	if err != nil {
		return zero, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("actor: marshal replay cache entry: %w", err)
	}
	if err := t.backend.Put(ctx, idempotencyKind, idemKey, raw, idempotencyTTL); err != nil {
		return zero, err
	}
	return result, nil
}

// ScanPrefix loads every live record of the table's kind whose key starts
// with prefix.
func (t Table[T]) ScanPrefix(ctx context.Context, prefix string) (map[string]T, error) {
	raw, err := t.backend.ScanPrefix(ctx, t.kind, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(raw))
	for k, v := range raw {
		var dec T
		if err := json.Unmarshal(v, &dec); err != nil {
			return nil, fmt.Errorf("actor: unmarshal %s: %w", t.kind, err)
		}
		out[k] = dec
	}
	return out, nil
}
