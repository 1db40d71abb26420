package keyring_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/keyring"
)

func TestPublicJWKSContainsSigningKey(t *testing.T) {
	kr := newTestKeyRing(t, fastStrategy(t))
	ctx := context.Background()

	jwks, maxAge, err := kr.PublicJWKS(ctx)
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 1)
	require.True(t, jwks.Keys[0].IsPublic())
	require.GreaterOrEqual(t, maxAge, 2*time.Minute)
}

func TestVerificationKeySetFindsByKid(t *testing.T) {
	kr := newTestKeyRing(t, fastStrategy(t))
	ctx := context.Background()
	keys, err := kr.Current(ctx)
	require.NoError(t, err)

	found, ok, err := kr.VerificationKeySet(ctx, keys.SigningKeyPub.KeyID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, keys.SigningKeyPub.KeyID, found.KeyID)

	_, ok, err = kr.VerificationKeySet(ctx, "no-such-kid")
	require.NoError(t, err)
	require.False(t, ok)
}
