package clientreg

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetFillsL1(t *testing.T) {
	source := NewStaticSource([]Client{{ID: "client-a", Name: "A"}})
	reg := NewRegistry(source, time.Minute)

	got, err := reg.Get(context.Background(), "client-a")
	require.NoError(t, err)
	require.Equal(t, "A", got.Name)

	v, ok := reg.l1.Load("client-a")
	require.True(t, ok)
	require.Equal(t, "A", v.(l1Entry).client.Name)
}

func TestRegistryGetMissingPropagatesError(t *testing.T) {
	source := NewStaticSource(nil)
	reg := NewRegistry(source, time.Minute)

	_, err := reg.Get(context.Background(), "no-such-client")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryInvalidateClearsL1(t *testing.T) {
	source := NewStaticSource([]Client{{ID: "client-a"}})
	reg := NewRegistry(source, time.Minute)

	_, err := reg.Get(context.Background(), "client-a")
	require.NoError(t, err)
	_, ok := reg.l1.Load("client-a")
	require.True(t, ok)

	reg.Invalidate(context.Background(), "client-a")
	_, ok = reg.l1.Load("client-a")
	require.False(t, ok)
}

func TestRegistryFallsThroughL2ToSource(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	source := NewStaticSource([]Client{{ID: "client-a", Name: "A"}})
	reg := NewRegistry(source, time.Millisecond, WithRedisCache(rdb, "test:", time.Minute))

	_, err = reg.Get(context.Background(), "client-a")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond) // expire L1

	got, ok := reg.getL2(context.Background(), "client-a")
	require.True(t, ok)
	require.Equal(t, "A", got.Name)
}
