package flow

import (
	"context"
	"strings"
	"time"

	"github.com/veriflow/veriflow/internal/authcode"
	"github.com/veriflow/veriflow/internal/token"
)

// AuthorizationIssuer implements CodeIssuer on top of C8's authcode.Store
// and C9's Signer: it mints the authorization code every supported
// response_type needs, and — only when response_type names "token" and/or
// "id_token" alongside "code" (the hybrid flows OIDC Core §3.3 defines) —
// the access_token and/or id_token delivered straight to the redirect_uri
// rather than waiting for the code to be redeemed at the token endpoint.
type AuthorizationIssuer struct {
	Codes          *authcode.Store
	Signer         *token.Signer
	AccessTokenTTL time.Duration
}

// IssueAuthorization mints rt's authorization code and any hybrid-flow
// tokens response_type calls for.
func (i AuthorizationIssuer) IssueAuthorization(ctx context.Context, rt RuntimeState) (AuthorizationResult, error) {
	responseType := rt.OAuthParams["response_type"]
	scopes := strings.Fields(rt.OAuthParams["scope"])

	authTime := rt.StartedAt
	if v, ok := rt.Claims["authTime"].(int64); ok {
		authTime = time.Unix(v, 0)
	} else if v, ok := rt.Claims["authTime"].(float64); ok {
		authTime = time.Unix(int64(v), 0)
	}
	acr, _ := rt.Claims["acr"].(string)
	amr := anyToStringSlice(rt.Claims["amr"])
	sid, _ := rt.Claims["sid"].(string)

	code, err := i.Codes.Issue(ctx, authcode.MintRequest{
		ClientID:    rt.ClientID,
		RedirectURI: rt.OAuthParams["redirect_uri"],
		Nonce:       rt.OAuthParams["nonce"],
		Scopes:      scopes,
		Claims: authcode.Claims{
			Subject:  rt.UserID,
			ACR:      acr,
			AMR:      amr,
			AuthTime: authTime,
			SID:      sid,
		},
		PKCE: authcode.PKCE{
			CodeChallenge:       rt.OAuthParams["code_challenge"],
			CodeChallengeMethod: rt.OAuthParams["code_challenge_method"],
		},
		DPoPJKT:      rt.OAuthParams["dpop_jkt"],
		UserID:       rt.UserID,
		ResponseType: responseType,
	})
	if err != nil {
		return AuthorizationResult{}, err
	}
	result := AuthorizationResult{Code: code}

	wantsToken := responseTypeHas(responseType, "token")
	wantsIDToken := responseTypeHas(responseType, "id_token")
	if !wantsToken && !wantsIDToken {
		return result, nil
	}

	now := time.Now()
	ttl := i.AccessTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	var accessToken string
	if wantsToken {
		jws, _, err := i.Signer.IssueAccessToken(ctx, token.AccessTokenClaims{
			Subject:   rt.UserID,
			Audience:  rt.ClientID,
			ClientID:  rt.ClientID,
			Scope:     strings.Join(scopes, " "),
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		})
		if err != nil {
			return AuthorizationResult{}, err
		}
		accessToken = jws
		result.AccessToken = jws
		result.TokenType = "Bearer"
		result.ExpiresIn = token.ExpirySeconds(now.Add(ttl), now)
	}

	if wantsIDToken {
		idJWS, err := i.Signer.IssueIDToken(ctx, token.IDTokenClaims{
			Subject:   rt.UserID,
			Audience:  rt.ClientID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
			Nonce:     rt.OAuthParams["nonce"],
			AuthTime:  authTime.Unix(),
			ACR:       acr,
			AMR:       amr,
			SID:       sid,
		}, accessToken, code)
		if err != nil {
			return AuthorizationResult{}, err
		}
		result.IDToken = idJWS
	}

	return result, nil
}

// responseTypeHas reports whether response_type's space-delimited set
// names part, independent of the order a client presented them in.
func responseTypeHas(responseType, part string) bool {
	for _, p := range strings.Fields(responseType) {
		if p == part {
			return true
		}
	}
	return false
}
