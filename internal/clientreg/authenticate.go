package clientreg

import (
	"context"
	"errors"
	"time"
)

// ErrAuthenticationFailed is returned for any client authentication
// failure; callers map it to invalid_client per RFC 6749 §5.2 without
// needing to distinguish wrong secret from missing assertion from unknown
// client — that distinction is exactly the information an attacker probing
// client credentials should not get back.
var ErrAuthenticationFailed = errors.New("clientreg: client authentication failed")

// Credential carries whichever authentication material the token endpoint
// received for one request; exactly one of Secret or Assertion is set
// depending on the client's TokenEndpointAuthMethod.
type Credential struct {
	Secret    string
	Assertion string
}

// Authenticator authenticates a client against its registered
// TokenEndpointAuthMethod and returns the resolved Client on success.
type Authenticator struct {
	registry *Registry
	jwks     *JWKSFetcher
	audience string // the token endpoint URL client assertions must target
}

// NewAuthenticator builds an Authenticator. audience is the token
// endpoint's own URL, checked against a private_key_jwt assertion's aud
// claim.
func NewAuthenticator(registry *Registry, jwks *JWKSFetcher, audience string) *Authenticator {
	return &Authenticator{registry: registry, jwks: jwks, audience: audience}
}

// Authenticate resolves clientID and validates cred against its registered
// auth method. Public clients with AuthMethodNone authenticate by ID alone
// (no secret), per OAuth2's public-client model.
func (a *Authenticator) Authenticate(ctx context.Context, clientID string, cred Credential, now time.Time) (Client, error) {
	client, err := a.registry.Get(ctx, clientID)
	if err != nil {
		return Client{}, ErrAuthenticationFailed
	}

	switch client.TokenEndpointAuthMethod {
	case AuthMethodNone:
		if !client.Public {
			return Client{}, ErrAuthenticationFailed
		}
		return client, nil

	case AuthMethodClientSecretBasic, AuthMethodClientSecretPost:
		if client.Public || !VerifySecret(client.SecretHash, cred.Secret) {
			return Client{}, ErrAuthenticationFailed
		}
		return client, nil

	case AuthMethodPrivateKeyJWT:
		if cred.Assertion == "" {
			return Client{}, ErrAuthenticationFailed
		}
		claims, err := a.jwks.VerifyClientAssertion(ctx, client, cred.Assertion, now)
		if err != nil {
			return Client{}, ErrAuthenticationFailed
		}
		if claims.Audience != a.audience {
			return Client{}, ErrAuthenticationFailed
		}
		return client, nil

	default:
		return Client{}, ErrAuthenticationFailed
	}
}
