package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veriflow/veriflow/internal/actor"
	"github.com/veriflow/veriflow/internal/actor/idgen"
)

// refreshTokenKind and refreshFamilyKind are the C1 actor kinds backing
// refresh tokens and their family indexes.
const (
	refreshTokenKind  = "refresh-token"
	refreshFamilyKind = "refresh-family"
)

// RefreshClaims is the user/client context a refresh token carries forward
// to the access/ID tokens it mints on each rotation.
type RefreshClaims struct {
	Subject  string   `json:"subject"`
	ClientID string   `json:"clientId"`
	Scopes   []string `json:"scopes"`
	ACR      string   `json:"acr,omitempty"`
	AMR      []string `json:"amr,omitempty"`
	AuthTime int64    `json:"authTime,omitempty"`
	SID      string   `json:"sid,omitempty"`
	CNFJKT   string   `json:"cnfJkt,omitempty"`
}

type refreshRecord struct {
	FamilyID string        `json:"familyId"`
	Claims   RefreshClaims `json:"claims"`
	Consumed bool          `json:"consumed"`
}

// ErrRefreshReused is wrapped into an invalid_grant Error when a refresh
// token is presented a second time; RotateRefreshToken has already revoked
// the entire family by the time this is returned.
var ErrRefreshReused = errors.New("token: refresh token reuse detected, family revoked")

// RefreshStore issues and rotates refresh tokens, revoking a token's whole
// lineage the instant a consumed member is presented again — the signal
// that the token was exfiltrated and used by two parties concurrently.
type RefreshStore struct {
	tokens   actor.Table[refreshRecord]
	families actor.Table[map[string]struct{}]
	ttl      time.Duration
}

// NewRefreshStore builds a RefreshStore on top of backend. ttl bounds how
// long an unconsumed refresh token (and therefore its whole active family)
// may live.
func NewRefreshStore(backend actor.Backend, ttl time.Duration) *RefreshStore {
	return &RefreshStore{
		tokens:   actor.NewTable[refreshRecord](backend, refreshTokenKind),
		families: actor.NewTable[map[string]struct{}](backend, refreshFamilyKind),
		ttl:      ttl,
	}
}

// Issue mints the first refresh token of a new family.
func (s *RefreshStore) Issue(ctx context.Context, claims RefreshClaims) (string, error) {
	familyID := idgen.NewID()
	return s.issueInFamily(ctx, familyID, claims)
}

// IssueInFamily mints a refresh token belonging to an already-known family
// id, letting a caller reserve the family id before it knows whether a
// refresh token will actually be minted (e.g. authcode consumption, which
// must record the family id into the code's replay-revocation record
// before the scopes that decide offline_access are known).
func (s *RefreshStore) IssueInFamily(ctx context.Context, familyID string, claims RefreshClaims) (string, error) {
	return s.issueInFamily(ctx, familyID, claims)
}

func (s *RefreshStore) issueInFamily(ctx context.Context, familyID string, claims RefreshClaims) (string, error) {
	token := idgen.NewID()
	if err := s.tokens.Put(ctx, token, refreshRecord{FamilyID: familyID, Claims: claims}, s.ttl); err != nil {
		return "", fmt.Errorf("token: issue refresh token: %w", err)
	}
	if _, err := actor.Mutate(ctx, s.families, familyID, s.ttl, func(current map[string]struct{}, exists bool) (map[string]struct{}, bool, struct{}, error) {
		if current == nil {
			current = make(map[string]struct{})
		}
		current[token] = struct{}{}
		return current, true, struct{}{}, nil
	}); err != nil {
		return "", fmt.Errorf("token: index refresh token family: %w", err)
	}
	return token, nil
}

// Rotate consumes token and, if it was valid and unused, issues its
// successor in the same family. Presenting an already-consumed token
// revokes every other member of its family and returns an error wrapping
// ErrRefreshReused.
func (s *RefreshStore) Rotate(ctx context.Context, token string) (newToken string, claims RefreshClaims, err error) {
	type outcome struct {
		status   string
		familyID string
		claims   RefreshClaims
	}

	result, mutateErr := actor.Mutate(ctx, s.tokens, token, 0, func(current refreshRecord, exists bool) (refreshRecord, bool, outcome, error) {
		if !exists {
			return current, false, outcome{status: "not_found"}, nil
		}
		if current.Consumed {
			return current, true, outcome{status: "reused", familyID: current.FamilyID}, nil
		}
		current.Consumed = true
		return current, true, outcome{status: "ok", familyID: current.FamilyID, claims: current.Claims}, nil
	})
	if mutateErr != nil {
		return "", RefreshClaims{}, fmt.Errorf("token: consume refresh token: %w", mutateErr)
	}

	switch result.status {
	case "not_found":
		return "", RefreshClaims{}, fmt.Errorf("token: refresh token not found")
	case "reused":
		_ = s.RevokeFamily(ctx, result.familyID)
		return "", RefreshClaims{}, ErrRefreshReused
	}

	next, err := s.issueInFamily(ctx, result.familyID, result.claims)
	if err != nil {
		return "", RefreshClaims{}, err
	}
	return next, result.claims, nil
}

// RevokeFamily revokes every refresh token ever issued in familyID,
// present and future lookups included, by deleting each member token.
func (s *RefreshStore) RevokeFamily(ctx context.Context, familyID string) error {
	members, err := s.families.Get(ctx, familyID)
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return nil
		}
		return err
	}
	for token := range members {
		_ = s.tokens.Delete(ctx, token)
	}
	return s.families.Delete(ctx, familyID)
}
