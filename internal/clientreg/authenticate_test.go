package clientreg

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuthenticateClientSecretBasic(t *testing.T) {
	hash, err := HashSecret("s3cr3t")
	require.NoError(t, err)
	registry := NewRegistry(NewStaticSource([]Client{{
		ID: "client-a", SecretHash: hash, TokenEndpointAuthMethod: AuthMethodClientSecretBasic,
	}}), time.Minute)
	auth := NewAuthenticator(registry, NewJWKSFetcher(http.DefaultClient), "https://idp.example.com/token")

	_, err = auth.Authenticate(context.Background(), "client-a", Credential{Secret: "s3cr3t"}, time.Now())
	require.NoError(t, err)

	_, err = auth.Authenticate(context.Background(), "client-a", Credential{Secret: "wrong"}, time.Now())
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestAuthenticatePublicClientRequiresNoSecret(t *testing.T) {
	registry := NewRegistry(NewStaticSource([]Client{{
		ID: "public-client", Public: true, TokenEndpointAuthMethod: AuthMethodNone,
	}}), time.Minute)
	auth := NewAuthenticator(registry, NewJWKSFetcher(http.DefaultClient), "https://idp.example.com/token")

	_, err := auth.Authenticate(context.Background(), "public-client", Credential{}, time.Now())
	require.NoError(t, err)
}

func TestAuthenticateUnknownClientFails(t *testing.T) {
	registry := NewRegistry(NewStaticSource(nil), time.Minute)
	auth := NewAuthenticator(registry, NewJWKSFetcher(http.DefaultClient), "https://idp.example.com/token")

	_, err := auth.Authenticate(context.Background(), "ghost", Credential{Secret: "x"}, time.Now())
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestAuthenticateConfidentialClientCannotUseNone(t *testing.T) {
	registry := NewRegistry(NewStaticSource([]Client{{
		ID: "client-a", Public: false, TokenEndpointAuthMethod: AuthMethodNone,
	}}), time.Minute)
	auth := NewAuthenticator(registry, NewJWKSFetcher(http.DefaultClient), "https://idp.example.com/token")

	_, err := auth.Authenticate(context.Background(), "client-a", Credential{}, time.Now())
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}
