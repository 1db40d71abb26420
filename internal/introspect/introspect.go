// Package introspect implements RFC 7662 token introspection (spec
// component C10): verify a presented access token, check it against the
// revocation set, and respond with its active claims.
//
// Introspection results are cached (active=true only) in Redis keyed by
// sha256(jti), the same read-through idiom C3's clientreg.Registry uses for
// client lookups, but the revocation check itself always bypasses the
// cache: a token revoked after being cached must stop introspecting as
// active on its very next check, not after the cache entry's TTL elapses.
package introspect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/veriflow/veriflow/internal/token"
	"github.com/veriflow/veriflow/pkg/log"
)

// defaultCacheTTL and the bounds spec.md requires every configured TTL fit
// within.
const (
	defaultCacheTTL = 60 * time.Second
	minCacheTTL     = 1 * time.Second
	maxCacheTTL     = 3600 * time.Second
)

// Response is an RFC 7662 token introspection response. Only Active is
// populated for an inactive token; RFC 7662 §2.2 explicitly forbids
// leaking any other claim once Active is false.
type Response struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	Audience  string `json:"aud,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	JTI       string `json:"jti,omitempty"`
	// Cnf carries the RFC 9449 §6.1 confirmation claim when the token is
	// DPoP-bound, so an RFC 7662 introspection caller (and the userinfo
	// endpoint's own DPoP-bound-token path) can check it against a fresh
	// proof's jkt.
	Cnf *Cnf `json:"cnf,omitempty"`
}

// Cnf is RFC 7800's confirmation claim, narrowed to the jkt member RFC
// 9449 defines for DPoP-bound tokens.
type Cnf struct {
	JKT string `json:"jkt"`
}

var inactive = Response{Active: false}

// Verifier is the subset of token.Signer introspection needs: verifying an
// access token's signature and decoding its claims.
type Verifier interface {
	VerifyAccessToken(ctx context.Context, jws string) (token.AccessTokenClaims, error)
}

// Service answers introspection requests.
type Service struct {
	verifier Verifier
	revoked  *token.RevokedSet

	rdb      *goredis.Client
	prefix   string
	cacheTTL time.Duration

	logger log.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCache adds a Redis-backed response cache. Absent this option every
// call re-verifies and re-decodes, correct but without the hot-path
// savings the cache exists for.
func WithCache(rdb *goredis.Client, prefix string, ttl time.Duration) Option {
	return func(s *Service) {
		s.rdb = rdb
		s.prefix = prefix
		s.cacheTTL = clampTTL(ttl)
	}
}

// WithLogger attaches a logger for cache read/write failures, which are
// always non-fatal (a cache miss just falls through to full verification).
func WithLogger(logger log.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return defaultCacheTTL
	}
	if ttl < minCacheTTL {
		return minCacheTTL
	}
	if ttl > maxCacheTTL {
		return maxCacheTTL
	}
	return ttl
}

// NewService builds a Service. verifier checks token signatures, revoked is
// consulted on every call regardless of cache state.
func NewService(verifier Verifier, revoked *token.RevokedSet, opts ...Option) *Service {
	s := &Service{
		verifier: verifier,
		revoked:  revoked,
		cacheTTL: defaultCacheTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Introspect verifies tok and reports whether it is currently active. A
// token that fails signature verification, has expired, or has been
// revoked is reported inactive — introspection never returns an error for
// an invalid token, per RFC 7662 §2.2; Introspect's error return is
// reserved for infrastructure failures the caller should treat as a 5xx.
func (s *Service) Introspect(ctx context.Context, tok string) (Response, error) {
	claims, err := s.verifier.VerifyAccessToken(ctx, tok)
	if err != nil {
		return inactive, nil
	}
	if claims.ExpiresAt != 0 && s.now().Unix() >= claims.ExpiresAt {
		return inactive, nil
	}

	revoked, err := s.revoked.IsRevoked(ctx, claims.JTI)
	if err != nil {
		return Response{}, err
	}
	if revoked {
		return inactive, nil
	}

	if cached, ok := s.getCached(ctx, claims.JTI); ok {
		return cached, nil
	}

	resp := Response{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		Subject:   claims.Subject,
		TokenType: tokenTypeFor(claims.CNFJKT),
		Issuer:    claims.Issuer,
		Audience:  claims.Audience,
		ExpiresAt: claims.ExpiresAt,
		IssuedAt:  claims.IssuedAt,
		JTI:       claims.JTI,
	}
	if claims.CNFJKT != "" {
		resp.Cnf = &Cnf{JKT: claims.CNFJKT}
	}
	s.setCached(ctx, claims.JTI, resp, claims.ExpiresAt)
	return resp, nil
}

func tokenTypeFor(cnfJKT string) string {
	if cnfJKT != "" {
		return "DPoP"
	}
	return "Bearer"
}

func (s *Service) cacheKey(jti string) string {
	sum := sha256.Sum256([]byte(jti))
	return s.prefix + hex.EncodeToString(sum[:])
}

func (s *Service) getCached(ctx context.Context, jti string) (Response, bool) {
	if s.rdb == nil {
		return Response{}, false
	}
	raw, err := s.rdb.Get(ctx, s.cacheKey(jti)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) && s.logger != nil {
			s.logger.Warnf("introspect: cache read failed: %v", err)
		}
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		if s.logger != nil {
			s.logger.Warnf("introspect: cache entry corrupt: %v", err)
		}
		return Response{}, false
	}
	return resp, true
}

// setCached caches resp (always Active, by construction) for no longer
// than both the configured TTL and the token's own remaining lifetime — an
// entry that outlives the token it describes would keep answering active
// after expiry check should have kicked in on a fresh verify.
func (s *Service) setCached(ctx context.Context, jti string, resp Response, expiresAt int64) {
	if s.rdb == nil {
		return
	}
	ttl := s.cacheTTL
	if expiresAt != 0 {
		if remaining := time.Until(time.Unix(expiresAt, 0)); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, s.cacheKey(jti), raw, ttl).Err(); err != nil && s.logger != nil {
		s.logger.Warnf("introspect: cache write failed: %v", err)
	}
}

// Revoke invalidates tok's jti immediately: it marks it revoked until its
// natural expiry and the very next Introspect call observes it (the
// revocation check always bypasses the cache), regardless of any cached
// active response still within its TTL.
func (s *Service) Revoke(ctx context.Context, tok string) error {
	claims, err := s.verifier.VerifyAccessToken(ctx, tok)
	if err != nil {
		return nil // an already-invalid token needs no revoking
	}
	ttl := time.Until(time.Unix(claims.ExpiresAt, 0))
	if ttl <= 0 {
		return nil
	}
	return s.revoked.Revoke(ctx, claims.JTI, ttl)
}
