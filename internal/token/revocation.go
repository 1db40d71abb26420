package token

import (
	"context"
	"errors"
	"time"

	"github.com/veriflow/veriflow/internal/actor"
)

// revokedJTIKind is the C1 actor kind backing the access-token revocation
// set. Access tokens are stateless JWTs; revocation works by remembering
// the jti of anything explicitly revoked until it would have expired
// anyway, rather than by storing every issued token.
const revokedJTIKind = "revoked-jti"

type revokedMarker struct {
	RevokedAt time.Time `json:"revokedAt"`
}

// RevokedSet tracks revoked access-token jtis.
type RevokedSet struct {
	table actor.Table[revokedMarker]
}

// NewRevokedSet builds a RevokedSet on top of backend.
func NewRevokedSet(backend actor.Backend) *RevokedSet {
	return &RevokedSet{table: actor.NewTable[revokedMarker](backend, revokedJTIKind)}
}

// Revoke marks jti revoked until it naturally expires (ttl should be the
// token's remaining lifetime; once it elapses the token is invalid anyway
// and the marker can be forgotten).
func (s *RevokedSet) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return nil
	}
	return s.table.Put(ctx, jti, revokedMarker{RevokedAt: time.Now()}, ttl)
}

// IsRevoked reports whether jti has been revoked.
func (s *RevokedSet) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	_, err := s.table.Get(ctx, jti)
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
