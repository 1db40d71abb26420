// Package actortest provides a conformance test suite any actor.Backend
// implementation must pass, in the spirit of dex's storage/storagetest:
// a single RunSuite(t, backend) call exercises the same behavior against
// memactor, redisactor, or any future backend.
package actortest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/actor"
)

// RunSuite runs every conformance test against backend. Each subtest uses
// its own kind/key namespace so backends may be reused across subtests
// without cross-contamination.
func RunSuite(t *testing.T, backend actor.Backend) {
	t.Run("PutGetDelete", func(t *testing.T) { testPutGetDelete(t, backend) })
	t.Run("GetMissingIsNotFound", func(t *testing.T) { testGetMissing(t, backend) })
	t.Run("TTLExpiry", func(t *testing.T) { testTTLExpiry(t, backend) })
	t.Run("MutateCreatesAndConsumes", func(t *testing.T) { testMutateConsume(t, backend) })
	t.Run("MutateSerializesConcurrentWriters", func(t *testing.T) { testMutateConcurrent(t, backend) })
	t.Run("MutateIdempotentReplay", func(t *testing.T) { testMutateIdempotent(t, backend) })
	t.Run("ScanPrefix", func(t *testing.T) { testScanPrefix(t, backend) })
}

func testPutGetDelete(t *testing.T, backend actor.Backend) {
	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, "kind-put", "k1", []byte("hello"), time.Minute))

	got, ok, err := backend.Get(ctx, "kind-put", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), got)

	require.NoError(t, backend.Delete(ctx, "kind-put", "k1"))
	_, ok, err = backend.Get(ctx, "kind-put", "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func testGetMissing(t *testing.T, backend actor.Backend) {
	ctx := context.Background()
	_, ok, err := backend.Get(ctx, "kind-missing", "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func testTTLExpiry(t *testing.T, backend actor.Backend) {
	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, "kind-ttl", "k1", []byte("v"), 10*time.Millisecond))

	time.Sleep(40 * time.Millisecond)
	_, ok, err := backend.Get(ctx, "kind-ttl", "k1")
	require.NoError(t, err)
	require.False(t, ok, "expired record must read as not found")
}

func testMutateConsume(t *testing.T, backend actor.Backend) {
	ctx := context.Background()

	// First Mutate on an absent key creates it.
	result, err := backend.Mutate(ctx, "kind-consume", "code1", time.Minute, func(current []byte, exists bool) ([]byte, []byte, error) {
		require.False(t, exists)
		return []byte(`{"used":false}`), []byte("created"), nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("created"), result)

	// A transition simulating one-time consumption.
	result, err = backend.Mutate(ctx, "kind-consume", "code1", time.Minute, func(current []byte, exists bool) ([]byte, []byte, error) {
		require.True(t, exists)
		require.Equal(t, `{"used":false}`, string(current))
		return []byte(`{"used":true}`), []byte("consumed"), nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("consumed"), result)

	// Replaying consumption against the already-used record must observe
	// the updated state and can refuse accordingly.
	_, err = backend.Mutate(ctx, "kind-consume", "code1", time.Minute, func(current []byte, exists bool) ([]byte, []byte, error) {
		require.True(t, exists)
		if string(current) == `{"used":true}` {
			return nil, nil, errReplay
		}
		return []byte(`{"used":true}`), []byte("consumed"), nil
	})
	require.ErrorIs(t, err, errReplay)
}

var errReplay = errors.New("actortest: already consumed")

func testMutateConcurrent(t *testing.T, backend actor.Backend) {
	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, "kind-counter", "c1", []byte("0"), time.Minute))

	const writers = 20
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := backend.Mutate(ctx, "kind-counter", "c1", time.Minute, func(current []byte, exists bool) ([]byte, []byte, error) {
				n := parseInt(string(current))
				n++
				next := []byte(formatInt(n))
				return next, next, nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	final, ok, err := backend.Get(ctx, "kind-counter", "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, writers, parseInt(string(final)), "every increment must be observed exactly once")
}

func parseInt(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			continue
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func formatInt(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func testMutateIdempotent(t *testing.T, backend actor.Backend) {
	ctx := context.Background()
	table := actor.NewTable[testValue](backend, "kind-idem")

	calls := 0
	transition := func(current testValue, exists bool) (testValue, bool, string, error) {
		calls++
		return testValue{N: current.N + 1}, true, "ok", nil
	}

	r1, err := actor.MutateIdempotent(ctx, table, "key1", "req-1", time.Minute, transition)
	require.NoError(t, err)
	require.Equal(t, "ok", r1)
	require.Equal(t, 1, calls)

	r2, err := actor.MutateIdempotent(ctx, table, "key1", "req-1", time.Minute, transition)
	require.NoError(t, err)
	require.Equal(t, "ok", r2)
	require.Equal(t, 1, calls, "replayed request_id must not re-invoke the transition")

	_, err = actor.MutateIdempotent(ctx, table, "key1", "req-2", time.Minute, transition)
	require.NoError(t, err)
	require.Equal(t, 2, calls, "a distinct request_id must execute normally")
}

type testValue struct {
	N int
}

func testScanPrefix(t *testing.T, backend actor.Backend) {
	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, "kind-scan", "device:abc", []byte("1"), time.Minute))
	require.NoError(t, backend.Put(ctx, "kind-scan", "device:def", []byte("2"), time.Minute))
	require.NoError(t, backend.Put(ctx, "kind-scan", "other:xyz", []byte("3"), time.Minute))

	got, err := backend.ScanPrefix(ctx, "kind-scan", "device:")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Contains(t, got, "device:abc")
	require.Contains(t, got, "device:def")
}
