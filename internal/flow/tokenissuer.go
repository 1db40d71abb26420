package flow

import (
	"context"
	"time"

	"github.com/veriflow/veriflow/internal/token"
	"github.com/veriflow/veriflow/scope"
)

// SignerTokenIssuer implements TokenIssuer directly on top of C9's
// Signer: it mints an access token (and, when the flow's scope includes
// openid, an ID token) for the flow's bound user and client. This is the
// concrete wiring for flows that must hand back tokens without going
// through an authorization code — CIBA's and the device grant's
// poll-driven issue_tokens step.
type SignerTokenIssuer struct {
	Signer         *token.Signer
	AccessTokenTTL time.Duration
}

// IssueTokens mints the token set described above.
func (i SignerTokenIssuer) IssueTokens(ctx context.Context, rt RuntimeState) (map[string]interface{}, error) {
	ttl := i.AccessTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	rawScope := rt.OAuthParams["scope"]
	scopes := scope.Parse(rawScope)

	accessJWS, jti, err := i.Signer.IssueAccessToken(ctx, token.AccessTokenClaims{
		Subject:   rt.UserID,
		Audience:  rt.ClientID,
		ClientID:  rt.ClientID,
		Scope:     rawScope,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return nil, err
	}

	claims := map[string]interface{}{
		"access_token": accessJWS,
		"token_type":   "Bearer",
		"expires_in":   token.ExpirySeconds(now.Add(ttl), now),
		"jti":          jti,
	}
	if rawScope != "" {
		claims["scope"] = rawScope
	}

	if scopes.Has(scope.OpenID) {
		idJWS, err := i.Signer.IssueIDToken(ctx, token.IDTokenClaims{
			Subject:   rt.UserID,
			Audience:  rt.ClientID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
			AuthTime:  rt.StartedAt.Unix(),
		}, accessJWS, "")
		if err != nil {
			return nil, err
		}
		claims["id_token"] = idJWS
	}
	return claims, nil
}
