// Package session implements the authenticated end-user session store
// (spec component C14): sid lifecycle, the amr/acr/auth_time triple OIDC
// Core needs for the authorization endpoint's authentication step, and the
// silent-auth (prompt=none) decision procedure.
//
// Grounded on dex's server/server.go session-cookie handling
// (sid-keyed, TTL'd, createSession/getSession/revokeSession) generalized
// onto the C1 actor contract the same way C8/C11 are: one actor.Table[T]
// keyed by sid, with spec.md's auth_time/acr/amr fields added since dex's
// own session cookie is id_token-deflected rather than a first-class
// record.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veriflow/veriflow/internal/actor"
	"github.com/veriflow/veriflow/internal/actor/idgen"
)

const sessionKind = "session"

// DefaultTTL is the session lifetime spec.md §3 names absent an explicit
// one.
const DefaultTTL = 24 * time.Hour

// ErrNotFound covers an unknown or expired sid.
var ErrNotFound = errors.New("session: not found")

// Session is one authenticated end-user session. A single session may be
// shared across multiple clients (spec.md §3's "Multiple clients may share
// a session").
type Session struct {
	UserID   string            `json:"userId"`
	AMR      []string          `json:"amr,omitempty"`
	ACR      string            `json:"acr,omitempty"`
	AuthTime time.Time         `json:"authTime"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Revoked  bool              `json:"revoked,omitempty"`
}

// Store creates, reads, and revokes sessions.
type Store struct {
	sessions actor.Table[Session]
}

// New builds a Store on top of backend.
func New(backend actor.Backend) *Store {
	return &Store{sessions: actor.NewTable[Session](backend, sessionKind)}
}

// CreateSession mints a new session for userID, authenticated via amr/acr
// just now (auth_time = now), good for ttl (DefaultTTL if ttl <= 0).
func (s *Store) CreateSession(ctx context.Context, userID string, amr []string, acr string, ttl time.Duration, metadata map[string]string) (sid string, err error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sid = idgen.NewID()
	sess := Session{UserID: userID, AMR: amr, ACR: acr, AuthTime: time.Now(), Metadata: metadata}
	if err := s.sessions.Put(ctx, sid, sess, ttl); err != nil {
		return "", fmt.Errorf("session: create: %w", err)
	}
	return sid, nil
}

// GetSession loads the session at sid. A revoked or expired session is
// reported as ErrNotFound — a caller has no business distinguishing
// "revoked" from "never existed".
func (s *Store) GetSession(ctx context.Context, sid string) (Session, error) {
	sess, err := s.sessions.Get(ctx, sid)
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	if sess.Revoked {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// RevokeSession ends a session immediately (logout, or reuse detection
// upstream revoking the session that minted the reused token family).
// Revoking an absent sid is a no-op.
func (s *Store) RevokeSession(ctx context.Context, sid string) error {
	_, err := actor.Mutate(ctx, s.sessions, sid, 0, func(current Session, exists bool) (Session, bool, struct{}, error) {
		if !exists {
			return Session{}, false, struct{}{}, nil
		}
		current.Revoked = true
		return current, true, struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("session: revoke: %w", err)
	}
	return nil
}

// SilentAuthDecision is the outcome of SilentAuthCheck.
type SilentAuthDecision string

const (
	// DecisionSatisfied means the existing session satisfies max_age and
	// acr_values; the caller can proceed straight to authorization-code
	// issuance without any interactive step.
	DecisionSatisfied SilentAuthDecision = "satisfied"
	// DecisionLoginRequired means no usable session exists at all.
	DecisionLoginRequired SilentAuthDecision = "login_required"
	// DecisionInteractionRequired means a session exists but fails
	// max_age/acr_values, and prompt=none forbids the interactive step
	// that would normally re-establish it.
	DecisionInteractionRequired SilentAuthDecision = "interaction_required"
)

// SilentAuthCheck implements the `prompt=none` decision procedure: load the
// session at sid (login_required if absent), then confirm auth_time is
// within maxAge of now (0 means no constraint) and acr, if non-empty, is
// one of acrValues (empty acrValues means any acr satisfies the request).
// A session that fails either check yields interaction_required rather
// than login_required, since a session DOES exist — it just isn't strong
// or fresh enough for this request; login_required is reserved for "no
// session at all".
func (s *Store) SilentAuthCheck(ctx context.Context, sid string, maxAge time.Duration, acrValues []string) (Session, SilentAuthDecision) {
	sess, err := s.GetSession(ctx, sid)
	if err != nil {
		return Session{}, DecisionLoginRequired
	}
	if maxAge > 0 && time.Since(sess.AuthTime) > maxAge {
		return Session{}, DecisionInteractionRequired
	}
	if len(acrValues) > 0 && !containsString(acrValues, sess.ACR) {
		return Session{}, DecisionInteractionRequired
	}
	return sess, DecisionSatisfied
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
