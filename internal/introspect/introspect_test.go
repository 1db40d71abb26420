package introspect

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/actor/memactor"
	"github.com/veriflow/veriflow/internal/keyring"
	"github.com/veriflow/veriflow/internal/token"
	"github.com/veriflow/veriflow/pkg/log"
)

func newTestSigner(t *testing.T) *token.Signer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	strategy := keyring.StaticRotationStrategy(priv)
	kr := keyring.New(memactor.New(), "default", strategy, log.NewLogrusLogger(logrus.New()))
	return token.NewSigner(kr, "https://idp.example.com")
}

func TestIntrospectActiveToken(t *testing.T) {
	signer := newTestSigner(t)
	revoked := token.NewRevokedSet(memactor.New())
	svc := NewService(signer, revoked)
	ctx := context.Background()

	jws, _, err := signer.IssueAccessToken(ctx, token.AccessTokenClaims{
		Subject: "user-1", ClientID: "client-a", Scope: "openid profile",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	resp, err := svc.Introspect(ctx, jws)
	require.NoError(t, err)
	require.True(t, resp.Active)
	require.Equal(t, "user-1", resp.Subject)
	require.Equal(t, "client-a", resp.ClientID)
	require.Equal(t, "openid profile", resp.Scope)
}

func TestIntrospectExpiredTokenIsInactive(t *testing.T) {
	signer := newTestSigner(t)
	revoked := token.NewRevokedSet(memactor.New())
	svc := NewService(signer, revoked)
	ctx := context.Background()

	jws, _, err := signer.IssueAccessToken(ctx, token.AccessTokenClaims{
		Subject: "user-1", ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	})
	require.NoError(t, err)

	resp, err := svc.Introspect(ctx, jws)
	require.NoError(t, err)
	require.False(t, resp.Active)
	require.Empty(t, resp.Subject) // no claim leakage on an inactive token
}

func TestIntrospectGarbageTokenIsInactive(t *testing.T) {
	signer := newTestSigner(t)
	revoked := token.NewRevokedSet(memactor.New())
	svc := NewService(signer, revoked)

	resp, err := svc.Introspect(context.Background(), "not-a-jwt")
	require.NoError(t, err)
	require.False(t, resp.Active)
}

func TestIntrospectRevokedTokenIsInactive(t *testing.T) {
	signer := newTestSigner(t)
	revoked := token.NewRevokedSet(memactor.New())
	svc := NewService(signer, revoked)
	ctx := context.Background()

	jws, jti, err := signer.IssueAccessToken(ctx, token.AccessTokenClaims{
		Subject: "user-1", ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	require.NoError(t, revoked.Revoke(ctx, jti, time.Hour))

	resp, err := svc.Introspect(ctx, jws)
	require.NoError(t, err)
	require.False(t, resp.Active)
}

func TestIntrospectCachesActiveResponseAndBypassesCacheOnRevoke(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	signer := newTestSigner(t)
	revoked := token.NewRevokedSet(memactor.New())
	svc := NewService(signer, revoked, WithCache(rdb, "introspect:", time.Minute))
	ctx := context.Background()

	jws, jti, err := signer.IssueAccessToken(ctx, token.AccessTokenClaims{
		Subject: "user-1", ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	first, err := svc.Introspect(ctx, jws)
	require.NoError(t, err)
	require.True(t, first.Active)

	// Confirm the response actually landed in the cache.
	keys, err := rdb.Keys(ctx, "introspect:*").Result()
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, revoked.Revoke(ctx, jti, time.Hour))

	second, err := svc.Introspect(ctx, jws)
	require.NoError(t, err)
	require.False(t, second.Active, "revocation check bypasses the cache even though a cached active entry exists")
}

func TestIntrospectDoesNotCacheInactiveResponses(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	signer := newTestSigner(t)
	revoked := token.NewRevokedSet(memactor.New())
	svc := NewService(signer, revoked, WithCache(rdb, "introspect:", time.Minute))
	ctx := context.Background()

	jws, _, err := signer.IssueAccessToken(ctx, token.AccessTokenClaims{
		Subject: "user-1", ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	})
	require.NoError(t, err)

	_, err = svc.Introspect(ctx, jws)
	require.NoError(t, err)
	keys, err := rdb.Keys(ctx, "introspect:*").Result()
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestRevokeMarksTokenInactiveImmediately(t *testing.T) {
	signer := newTestSigner(t)
	revoked := token.NewRevokedSet(memactor.New())
	svc := NewService(signer, revoked)
	ctx := context.Background()

	jws, _, err := signer.IssueAccessToken(ctx, token.AccessTokenClaims{
		Subject: "user-1", ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, jws))

	resp, err := svc.Introspect(ctx, jws)
	require.NoError(t, err)
	require.False(t, resp.Active)
}

func TestClampTTLBoundsConfiguredValue(t *testing.T) {
	require.Equal(t, defaultCacheTTL, clampTTL(0))
	require.Equal(t, minCacheTTL, clampTTL(-time.Second))
	require.Equal(t, maxCacheTTL, clampTTL(10*time.Hour))
	require.Equal(t, 30*time.Second, clampTTL(30*time.Second))
}
