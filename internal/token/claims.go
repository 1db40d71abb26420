package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/veriflow/veriflow/internal/actor/idgen"
	"github.com/veriflow/veriflow/internal/keyring"
)

// AccessTokenClaims is the JWT claim set carried by an access token; it is
// self-contained (no actor lookup needed to validate it) except for the
// revocation check, which goes through RevokedSet.
type AccessTokenClaims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub,omitempty"`
	Audience  string `json:"aud"`
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope,omitempty"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	JTI       string `json:"jti"`
	CNFJKT    string `json:"cnf_jkt,omitempty"`
}

// IDTokenClaims is the OIDC Core ID Token claim set. at_hash/c_hash are
// filled in by the caller once the access token/code those hashes bind to
// are known (Sign them after the access token has been minted).
type IDTokenClaims struct {
	Issuer    string   `json:"iss"`
	Subject   string   `json:"sub"`
	Audience  string   `json:"aud"`
	ExpiresAt int64    `json:"exp"`
	IssuedAt  int64    `json:"iat"`
	Nonce     string   `json:"nonce,omitempty"`
	AuthTime  int64    `json:"auth_time,omitempty"`
	ACR       string   `json:"acr,omitempty"`
	AMR       []string `json:"amr,omitempty"`
	AtHash    string   `json:"at_hash,omitempty"`
	CHash     string   `json:"c_hash,omitempty"`
	SID       string   `json:"sid,omitempty"`
}

// Signer mints and signs access tokens and ID tokens, and computes their
// binding hashes.
type Signer struct {
	keyring *keyring.KeyRing
	issuer  string
}

// NewSigner builds a Signer that mints tokens on behalf of issuer, signed
// by keys.
func NewSigner(keys *keyring.KeyRing, issuer string) *Signer {
	return &Signer{keyring: keys, issuer: issuer}
}

// IssueAccessToken signs claims (with iss/jti filled in by this call) and
// returns the compact JWS plus the jti it was issued under, so the caller
// can bind it into an ID token's at_hash or record it for replay
// revocation.
func (s *Signer) IssueAccessToken(ctx context.Context, claims AccessTokenClaims) (string, string, error) {
	claims.Issuer = s.issuer
	if claims.JTI == "" {
		claims.JTI = idgen.NewID()
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", "", fmt.Errorf("token: marshal access token claims: %w", err)
	}
	jws, err := s.keyring.Sign(ctx, raw)
	if err != nil {
		return "", "", fmt.Errorf("token: sign access token: %w", err)
	}
	return jws, claims.JTI, nil
}

// IssueIDToken signs claims (iss filled in by this call). accessToken and
// code, when non-empty, populate at_hash/c_hash per OIDC Core.
func (s *Signer) IssueIDToken(ctx context.Context, claims IDTokenClaims, accessToken, code string) (string, error) {
	claims.Issuer = s.issuer

	alg, err := s.activeSigningAlgorithm(ctx)
	if err != nil {
		return "", err
	}
	if accessToken != "" {
		claims.AtHash, err = keyring.AccessTokenHash(alg, accessToken)
		if err != nil {
			return "", fmt.Errorf("token: compute at_hash: %w", err)
		}
	}
	if code != "" {
		claims.CHash, err = keyring.CodeHash(alg, code)
		if err != nil {
			return "", fmt.Errorf("token: compute c_hash: %w", err)
		}
	}

	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("token: marshal id token claims: %w", err)
	}
	jws, err := s.keyring.Sign(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("token: sign id token: %w", err)
	}
	return jws, nil
}

// VerifyAccessToken checks jws's signature against the active keyring and
// decodes its claims; callers (introspection, resource servers that
// validate locally) get back claims only once the signature has checked
// out, never from an unverified payload.
func (s *Signer) VerifyAccessToken(ctx context.Context, jws string) (AccessTokenClaims, error) {
	payload, err := s.keyring.Verify(ctx, jws)
	if err != nil {
		return AccessTokenClaims{}, err
	}
	var claims AccessTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return AccessTokenClaims{}, fmt.Errorf("token: decode access token claims: %w", err)
	}
	return claims, nil
}

func (s *Signer) activeSigningAlgorithm(ctx context.Context) (jose.SignatureAlgorithm, error) {
	keys, err := s.keyring.Current(ctx)
	if err != nil {
		return "", fmt.Errorf("token: resolve signing key: %w", err)
	}
	if keys.SigningKey == nil {
		return "", fmt.Errorf("token: no active signing key")
	}
	alg := jose.SignatureAlgorithm(keys.SigningKey.Algorithm)
	if alg == "" {
		alg = jose.RS256
	}
	return alg, nil
}

// ExpirySeconds returns the number of whole seconds until t, floored at 0,
// the shape every *_expires_in token response field needs.
func ExpirySeconds(t time.Time, now time.Time) int {
	d := t.Sub(now)
	if d < 0 {
		return 0
	}
	return int(d.Seconds())
}
