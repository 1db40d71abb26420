package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/actor/memactor"
	"github.com/veriflow/veriflow/internal/keyring"
	"github.com/veriflow/veriflow/pkg/log"
)

func newTestKeyRing(t *testing.T) *keyring.KeyRing {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	strategy := keyring.StaticRotationStrategy(priv)
	return keyring.New(memactor.New(), "default", strategy, log.NewLogrusLogger(logrus.New()))
}

func TestIssueAccessTokenFillsIssuerAndJTI(t *testing.T) {
	signer := NewSigner(newTestKeyRing(t), "https://idp.example.com")
	jws, jti, err := signer.IssueAccessToken(context.Background(), AccessTokenClaims{Subject: "user-1"})
	require.NoError(t, err)
	require.NotEmpty(t, jws)
	require.NotEmpty(t, jti)

	payload, err := signer.keyring.Verify(context.Background(), jws)
	require.NoError(t, err)
	var claims AccessTokenClaims
	require.NoError(t, json.Unmarshal(payload, &claims))
	require.Equal(t, "https://idp.example.com", claims.Issuer)
	require.Equal(t, jti, claims.JTI)
}

func TestIssueAccessTokenHonorsPresetJTI(t *testing.T) {
	signer := NewSigner(newTestKeyRing(t), "https://idp.example.com")
	_, jti, err := signer.IssueAccessToken(context.Background(), AccessTokenClaims{JTI: "fixed-jti"})
	require.NoError(t, err)
	require.Equal(t, "fixed-jti", jti)
}

func TestIssueIDTokenComputesAtHashAndCHash(t *testing.T) {
	signer := NewSigner(newTestKeyRing(t), "https://idp.example.com")
	ctx := context.Background()

	accessToken, _, err := signer.IssueAccessToken(ctx, AccessTokenClaims{Subject: "user-1"})
	require.NoError(t, err)

	idToken, err := signer.IssueIDToken(ctx, IDTokenClaims{Subject: "user-1"}, accessToken, "auth-code-1")
	require.NoError(t, err)

	payload, err := signer.keyring.Verify(ctx, idToken)
	require.NoError(t, err)
	var claims IDTokenClaims
	require.NoError(t, json.Unmarshal(payload, &claims))
	require.NotEmpty(t, claims.AtHash)
	require.NotEmpty(t, claims.CHash)
}

func TestIssueIDTokenLeavesHashesEmptyWithoutInputs(t *testing.T) {
	signer := NewSigner(newTestKeyRing(t), "https://idp.example.com")
	ctx := context.Background()

	idToken, err := signer.IssueIDToken(ctx, IDTokenClaims{Subject: "user-1"}, "", "")
	require.NoError(t, err)

	payload, err := signer.keyring.Verify(ctx, idToken)
	require.NoError(t, err)
	var claims IDTokenClaims
	require.NoError(t, json.Unmarshal(payload, &claims))
	require.Empty(t, claims.AtHash)
	require.Empty(t, claims.CHash)
}

func TestExpirySecondsFloorsAtZero(t *testing.T) {
	now := time.Now()
	require.Equal(t, 0, ExpirySeconds(now.Add(-time.Minute), now))
	require.InDelta(t, 60, ExpirySeconds(now.Add(time.Minute), now), 1)
}
