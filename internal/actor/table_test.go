package actor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/actor"
	"github.com/veriflow/veriflow/internal/actor/memactor"
)

type authCodeRecord struct {
	ClientID string
	Used     bool
}

func TestTablePutGet(t *testing.T) {
	backend := memactor.New()
	table := actor.NewTable[authCodeRecord](backend, "authcode")
	ctx := context.Background()

	require.NoError(t, table.Put(ctx, "code1", authCodeRecord{ClientID: "client-a"}, time.Minute))

	got, err := table.Get(ctx, "code1")
	require.NoError(t, err)
	require.Equal(t, "client-a", got.ClientID)
	require.False(t, got.Used)
}

func TestTableGetMissingReturnsErrNotFound(t *testing.T) {
	table := actor.NewTable[authCodeRecord](memactor.New(), "authcode")
	_, err := table.Get(context.Background(), "missing")
	require.ErrorIs(t, err, actor.ErrNotFound)
}

func TestMutateOneTimeConsumption(t *testing.T) {
	backend := memactor.New()
	table := actor.NewTable[authCodeRecord](backend, "authcode")
	ctx := context.Background()

	require.NoError(t, table.Put(ctx, "code1", authCodeRecord{ClientID: "client-a"}, time.Minute))

	consume := func(current authCodeRecord, exists bool) (authCodeRecord, bool, bool, error) {
		if !exists {
			return current, false, false, actor.ErrNotFound
		}
		if current.Used {
			return current, true, false, nil
		}
		current.Used = true
		return current, true, true, nil
	}

	ok, err := actor.Mutate(ctx, table, "code1", time.Minute, consume)
	require.NoError(t, err)
	require.True(t, ok, "first consumption must succeed")

	ok, err = actor.Mutate(ctx, table, "code1", time.Minute, consume)
	require.NoError(t, err)
	require.False(t, ok, "second consumption of the same code must be rejected")
}

func TestMutateIdempotentRequestID(t *testing.T) {
	backend := memactor.New()
	table := actor.NewTable[authCodeRecord](backend, "authcode")
	ctx := context.Background()
	require.NoError(t, table.Put(ctx, "code1", authCodeRecord{ClientID: "client-a"}, time.Minute))

	invocations := 0
	approve := func(current authCodeRecord, exists bool) (authCodeRecord, bool, string, error) {
		invocations++
		current.Used = true
		return current, true, "approved", nil
	}

	r1, err := actor.MutateIdempotent(ctx, table, "code1", "req-1", time.Minute, approve)
	require.NoError(t, err)
	require.Equal(t, "approved", r1)

	r2, err := actor.MutateIdempotent(ctx, table, "code1", "req-1", time.Minute, approve)
	require.NoError(t, err)
	require.Equal(t, "approved", r2)
	require.Equal(t, 1, invocations)
}

func TestScanPrefix(t *testing.T) {
	backend := memactor.New()
	table := actor.NewTable[authCodeRecord](backend, "authcode")
	ctx := context.Background()

	require.NoError(t, table.Put(ctx, "tenant-a/code1", authCodeRecord{ClientID: "c1"}, time.Minute))
	require.NoError(t, table.Put(ctx, "tenant-a/code2", authCodeRecord{ClientID: "c2"}, time.Minute))
	require.NoError(t, table.Put(ctx, "tenant-b/code1", authCodeRecord{ClientID: "c3"}, time.Minute))

	got, err := table.ScanPrefix(ctx, "tenant-a/")
	require.NoError(t, err)
	require.Len(t, got, 2)
}
