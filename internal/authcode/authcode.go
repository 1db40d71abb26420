// Package authcode implements the authorization-code store (spec component
// C8): a one-time-use code bound to a client, redirect URI, and optional
// PKCE/DPoP material, with replay detection that revokes whatever tokens a
// successful first consumption already issued.
//
// The field shape generalizes dex's storage.AuthCode (ClientID,
// RedirectURI, Nonce, Scopes, Claims, Expiry, PKCE); the one-time
// consume-with-replay-revocation state machine is new; dex's
// storage layer detects reuse only far enough to reject it; spec.md
// additionally requires that a replayed code rolls back the tokens the
// first consumption minted.
package authcode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veriflow/veriflow/internal/actor"
	"github.com/veriflow/veriflow/internal/actor/idgen"
	"github.com/veriflow/veriflow/internal/keyring"
)

// authCodeKind is the C1 actor kind backing authorization codes.
const authCodeKind = "authcode"

// userLiveCodeKind indexes the number of unexpired codes issued to one
// user, enforcing spec.md §4.8's per-user cap.
const userLiveCodeKind = "authcode-user-index"

// defaultLiveCodeCap is spec.md's default per-user outstanding-code limit.
const defaultLiveCodeCap = 100

var (
	// ErrInvalidGrant covers every consumption failure RFC 6749 maps to
	// invalid_grant: unknown code, expired code, client_id mismatch, failed
	// PKCE verification, and replay.
	ErrInvalidGrant = errors.New("authcode: invalid_grant")

	// ErrTooManyLiveCodes is returned by Issue when the issuing user already
	// has defaultLiveCodeCap (or the store's configured cap) outstanding,
	// unconsumed codes — spec.md's DDoS guard against code-minting abuse.
	ErrTooManyLiveCodes = errors.New("authcode: too many live codes for user")
)

// Claims is the authenticated-user context bound into a code at mint time,
// generalizing storage.AuthCode's ConnectorID/ConnectorData/Claims trio
// into the flow-engine-produced claim set this repo actually carries.
type Claims struct {
	Subject  string            `json:"subject"`
	ACR      string            `json:"acr,omitempty"`
	AMR      []string          `json:"amr,omitempty"`
	AuthTime time.Time         `json:"authTime"`
	SID      string            `json:"sid,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// PKCE captures the challenge presented at the authorization request, if
// any.
type PKCE struct {
	CodeChallenge       string `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string `json:"codeChallengeMethod,omitempty"`
}

// IssuedTokens records the token identifiers minted on first consumption,
// kept so a replay can revoke them.
type IssuedTokens struct {
	AccessTokenJTI  string `json:"accessTokenJti,omitempty"`
	RefreshTokenJTI string `json:"refreshTokenJti,omitempty"`
}

type record struct {
	ClientID     string       `json:"clientId"`
	RedirectURI  string       `json:"redirectUri"`
	Nonce        string       `json:"nonce,omitempty"`
	Scopes       []string     `json:"scopes"`
	Claims       Claims       `json:"claims"`
	PKCE         PKCE         `json:"pkce"`
	DPoPJKT      string       `json:"dpopJkt,omitempty"`
	UserID       string       `json:"userId"`
	ResponseType string       `json:"responseType,omitempty"`
	Used         bool         `json:"used"`
	Issued       IssuedTokens `json:"issued"`
}

// MintRequest is the input to Issue.
type MintRequest struct {
	ClientID    string
	RedirectURI string
	Nonce       string
	Scopes      []string
	Claims      Claims
	PKCE        PKCE
	DPoPJKT     string
	UserID      string
	// ResponseType is the authorization request's response_type verbatim
	// ("code", or a hybrid combination like "code id_token"). Consume
	// hands it back so the token endpoint only binds c_hash into an ID
	// token for the hybrid flows OIDC Core §3.3 requires it for.
	ResponseType string
}

// ConsumeRequest is the input to Consume.
type ConsumeRequest struct {
	Code         string
	ClientID     string
	CodeVerifier string
	Issued       IssuedTokens
}

// ConsumeResult is what a successful Consume hands back to the token
// service to build the token response from.
type ConsumeResult struct {
	RedirectURI  string
	Nonce        string
	Scopes       []string
	Claims       Claims
	DPoPJKT      string
	ResponseType string
}

// ReplayRevocation is returned (wrapped in the error) when Consume detects
// a replay, so the caller can revoke the tokens the original, legitimate
// consumption issued.
type ReplayRevocation struct {
	Issued IssuedTokens
}

func (r *ReplayRevocation) Error() string { return "authcode: code replay detected" }

// Store mints and consumes authorization codes.
type Store struct {
	codes   actor.Table[record]
	userIdx actor.Table[map[string]struct{}]
	liveCap int
	codeTTL time.Duration
	newCode func() string
}

// New builds a Store on top of backend. codeTTL bounds how long an
// unconsumed code lives; liveCap is the per-user outstanding-code ceiling
// (0 uses defaultLiveCodeCap).
func New(backend actor.Backend, codeTTL time.Duration, liveCap int) *Store {
	if liveCap <= 0 {
		liveCap = defaultLiveCodeCap
	}
	return &Store{
		codes:   actor.NewTable[record](backend, authCodeKind),
		userIdx: actor.NewTable[map[string]struct{}](backend, userLiveCodeKind),
		liveCap: liveCap,
		codeTTL: codeTTL,
		newCode: idgen.NewID,
	}
}

// Issue mints a new code for req, enforcing the per-user live-code cap.
func (s *Store) Issue(ctx context.Context, req MintRequest) (string, error) {
	if req.UserID != "" {
		count, err := s.liveCodeCount(ctx, req.UserID)
		if err != nil {
			return "", fmt.Errorf("authcode: check live code count: %w", err)
		}
		if count >= s.liveCap {
			return "", ErrTooManyLiveCodes
		}
	}

	code := s.newCode()
	rec := record{
		ClientID:     req.ClientID,
		RedirectURI:  req.RedirectURI,
		Nonce:        req.Nonce,
		Scopes:       req.Scopes,
		Claims:       req.Claims,
		PKCE:         req.PKCE,
		DPoPJKT:      req.DPoPJKT,
		UserID:       req.UserID,
		ResponseType: req.ResponseType,
	}
	if err := s.codes.Put(ctx, code, rec, s.codeTTL); err != nil {
		return "", fmt.Errorf("authcode: issue: %w", err)
	}
	if req.UserID != "" {
		s.indexForUser(ctx, req.UserID, code)
	}
	return code, nil
}

// Consume validates and retires req.Code in a single atomic transition.
// Checks run in the order spec.md §4.8 lists: existence, expiry (handled
// by the actor TTL itself), not-already-used, client_id match, then PKCE.
// A replay returns an error wrapping *ReplayRevocation carrying the
// original consumption's issued token jtis.
func (s *Store) Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error) {
	result, err := actor.Mutate(ctx, s.codes, req.Code, 0, func(current record, exists bool) (record, bool, transitionOutcome, error) {
		if !exists {
			return current, false, transitionOutcome{status: statusNotFound}, nil
		}
		if current.Used {
			return current, true, transitionOutcome{status: statusReplay, issued: current.Issued}, nil
		}
		if current.ClientID != req.ClientID {
			return current, true, transitionOutcome{status: statusMismatch}, nil
		}
		if err := keyring.VerifyPKCE(current.PKCE.CodeChallenge, current.PKCE.CodeChallengeMethod, req.CodeVerifier); err != nil {
			return current, true, transitionOutcome{status: statusMismatch}, nil
		}

		current.Used = true
		current.Issued = req.Issued
		return current, true, transitionOutcome{
			status: statusOK,
			userID: current.UserID,
			result: ConsumeResult{
				RedirectURI:  current.RedirectURI,
				Nonce:        current.Nonce,
				Scopes:       current.Scopes,
				Claims:       current.Claims,
				DPoPJKT:      current.DPoPJKT,
				ResponseType: current.ResponseType,
			},
		}, nil
	})
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("authcode: consume: %w", err)
	}

	switch result.status {
	case statusOK:
		if result.userID != "" {
			s.unindexForUser(ctx, result.userID, req.Code)
		}
		return result.result, nil
	case statusReplay:
		return ConsumeResult{}, fmt.Errorf("%w: %w", ErrInvalidGrant, &ReplayRevocation{Issued: result.issued})
	default:
		return ConsumeResult{}, ErrInvalidGrant
	}
}

type outcomeStatus string

const (
	statusOK       outcomeStatus = "ok"
	statusNotFound outcomeStatus = "not_found"
	statusReplay   outcomeStatus = "replay"
	statusMismatch outcomeStatus = "mismatch"
)

type transitionOutcome struct {
	status outcomeStatus
	result ConsumeResult
	issued IssuedTokens
	userID string
}

func (s *Store) liveCodeCount(ctx context.Context, userID string) (int, error) {
	idx, err := s.userIdx.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	live := 0
	for code := range idx {
		if _, err := s.codes.Get(ctx, code); err == nil {
			live++
		} else if !errors.Is(err, actor.ErrNotFound) {
			return 0, err
		}
	}
	return live, nil
}

func (s *Store) indexForUser(ctx context.Context, userID, code string) {
	_, _ = actor.Mutate(ctx, s.userIdx, userID, 24*time.Hour, func(current map[string]struct{}, exists bool) (map[string]struct{}, bool, struct{}, error) {
		if current == nil {
			current = make(map[string]struct{})
		}
		current[code] = struct{}{}
		return current, true, struct{}{}, nil
	})
}

// unindexForUser removes code from userID's live-code index once it has
// been consumed, so the per-user cap Issue enforces reflects outstanding
// codes rather than every code ever minted.
func (s *Store) unindexForUser(ctx context.Context, userID, code string) {
	_, _ = actor.Mutate(ctx, s.userIdx, userID, 24*time.Hour, func(current map[string]struct{}, exists bool) (map[string]struct{}, bool, struct{}, error) {
		if !exists {
			return current, false, struct{}{}, nil
		}
		delete(current, code)
		return current, true, struct{}{}, nil
	})
}
