// Package device implements the device authorization grant (spec
// component C11, RFC 8628): minting a device_code/user_code pair,
// polling with interval/slow_down enforcement, and linearized approval
// from the external verification page.
//
// Grounded on dex's server/deviceflowhandlers.go and
// storage.DeviceRequest/DeviceToken (UserCode format, polling/slow_down
// shape), generalized onto the C1 actor contract: device_code and
// user_code share one record, addressed by device_code directly and by
// user_code through a secondary index, the same two-index pattern C8's
// per-user live-code count uses.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veriflow/veriflow/internal/actor"
	"github.com/veriflow/veriflow/internal/actor/idgen"
)

const (
	deviceCodeKind = "device-code"
	userCodeKind   = "device-usercode-index"
)

// Status is a device authorization request's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

var (
	// ErrNotFound covers an unknown device_code or user_code.
	ErrNotFound = errors.New("device: not found")
	// ErrAuthorizationPending means the user hasn't acted yet.
	ErrAuthorizationPending = errors.New("device: authorization_pending")
	// ErrSlowDown means the client polled faster than the current interval.
	ErrSlowDown = errors.New("device: slow_down")
	// ErrAccessDenied means the user denied the request.
	ErrAccessDenied = errors.New("device: access_denied")
	// ErrExpired means the device code's TTL elapsed before approval.
	ErrExpired = errors.New("device: expired_token")
	// ErrAlreadyIssued means the tokens for this device_code were already
	// claimed by an earlier poll; the second poll must not mint a second
	// token set for the same grant.
	ErrAlreadyIssued = errors.New("device: tokens already issued")
	// ErrAlreadyActedOn is returned by Approve/Deny when a concurrent
	// verification attempt already resolved this request.
	ErrAlreadyActedOn = errors.New("device: already_approved_or_denied")
)

// Request is one device authorization grant.
type Request struct {
	ClientID    string        `json:"clientId"`
	Scopes      []string      `json:"scopes"`
	UserCode    string        `json:"userCode"`
	Status      Status        `json:"status"`
	UserID      string        `json:"userId,omitempty"`
	Subject     string        `json:"subject,omitempty"`
	Interval    time.Duration `json:"interval"`
	LastPollAt  time.Time     `json:"lastPollAt,omitempty"`
	TokenIssued bool          `json:"tokenIssued"`
}

// Store mints, polls, and approves device authorization requests.
type Store struct {
	devices   actor.Table[Request]
	userCodes actor.Table[string] // user_code (normalized) -> device_code
	ttl       time.Duration
}

// New builds a Store on top of backend. ttl bounds how long an unapproved
// device_code/user_code pair lives.
func New(backend actor.Backend, ttl time.Duration) *Store {
	return &Store{
		devices:   actor.NewTable[Request](backend, deviceCodeKind),
		userCodes: actor.NewTable[string](backend, userCodeKind),
		ttl:       ttl,
	}
}

// Issue mints a new device_code/user_code pair for clientID/scopes.
// interval is the minimum poll spacing the client must honor.
func (s *Store) Issue(ctx context.Context, clientID string, scopes []string, interval time.Duration) (deviceCode, userCode string, err error) {
	deviceCode = idgen.NewDeviceCode()
	userCode = idgen.NewUserCode()

	req := Request{ClientID: clientID, Scopes: scopes, UserCode: userCode, Status: StatusPending, Interval: interval}
	if err := s.devices.Put(ctx, deviceCode, req, s.ttl); err != nil {
		return "", "", fmt.Errorf("device: issue: %w", err)
	}
	if err := s.userCodes.Put(ctx, NormalizeUserCode(userCode), deviceCode, s.ttl); err != nil {
		return "", "", fmt.Errorf("device: index user code: %w", err)
	}
	return deviceCode, userCode, nil
}

// NormalizeUserCode uppercases userCode and strips anything that is not a
// letter or digit, per spec.md's "XXXX-XXXX, normalized by uppercase and
// stripping non-alphanumerics" requirement — a user transcribing the code
// from a screen may add spaces, dashes, or mixed case.
func NormalizeUserCode(userCode string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(userCode) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Lookup resolves a user_code (as typed at the verification page) to its
// pending request.
func (s *Store) Lookup(ctx context.Context, userCode string) (deviceCode string, req Request, err error) {
	deviceCode, err = s.userCodes.Get(ctx, NormalizeUserCode(userCode))
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return "", Request{}, ErrNotFound
		}
		return "", Request{}, err
	}
	req, err = s.devices.Get(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return "", Request{}, ErrNotFound
		}
		return "", Request{}, err
	}
	return deviceCode, req, nil
}

// Approve transitions a pending request to approved, binding userID/subject.
// Concurrent approval attempts linearize through the single Mutate: the
// first to observe status==pending wins, the rest get ErrAlreadyActedOn.
func (s *Store) Approve(ctx context.Context, deviceCode, userID, subject string) error {
	return s.resolve(ctx, deviceCode, StatusApproved, userID, subject)
}

// Deny transitions a pending request to denied.
func (s *Store) Deny(ctx context.Context, deviceCode string) error {
	return s.resolve(ctx, deviceCode, StatusDenied, "", "")
}

func (s *Store) resolve(ctx context.Context, deviceCode string, status Status, userID, subject string) error {
	result, err := actor.Mutate(ctx, s.devices, deviceCode, 0, func(current Request, exists bool) (Request, bool, bool, error) {
		if !exists {
			return current, false, false, nil
		}
		if current.Status != StatusPending {
			return current, true, false, nil
		}
		current.Status = status
		current.UserID = userID
		current.Subject = subject
		return current, true, true, nil
	})
	if err != nil {
		return fmt.Errorf("device: resolve: %w", err)
	}
	if !result {
		return ErrAlreadyActedOn
	}
	return nil
}

// Poll evaluates one token-endpoint poll against the current request
// state, enforcing the minimum poll interval and the approve-once
// token-issuance guarantee. On success it atomically flips TokenIssued so
// a second poll for the same approved request can never claim tokens
// twice.
func (s *Store) Poll(ctx context.Context, deviceCode, clientID string) (Request, error) {
	now := time.Now()
	result, err := actor.Mutate(ctx, s.devices, deviceCode, 0, func(current Request, exists bool) (Request, bool, pollOutcome, error) {
		if !exists {
			return current, false, pollOutcome{status: "not_found"}, nil
		}
		if current.ClientID != clientID {
			return current, true, pollOutcome{status: "not_found"}, nil
		}
		if !current.LastPollAt.IsZero() && now.Sub(current.LastPollAt) < current.Interval {
			current.Interval *= 2
			current.LastPollAt = now
			return current, true, pollOutcome{status: "slow_down"}, nil
		}
		current.LastPollAt = now

		switch current.Status {
		case StatusPending:
			return current, true, pollOutcome{status: "pending"}, nil
		case StatusDenied:
			return current, true, pollOutcome{status: "denied"}, nil
		case StatusApproved:
			if current.TokenIssued {
				return current, true, pollOutcome{status: "already_issued"}, nil
			}
			current.TokenIssued = true
			return current, true, pollOutcome{status: "ok", req: current}, nil
		default:
			return current, true, pollOutcome{status: "pending"}, nil
		}
	})
	if err != nil {
		return Request{}, fmt.Errorf("device: poll: %w", err)
	}

	switch result.status {
	case "ok":
		return result.req, nil
	case "not_found":
		return Request{}, ErrNotFound
	case "pending":
		return Request{}, ErrAuthorizationPending
	case "slow_down":
		return Request{}, ErrSlowDown
	case "denied":
		return Request{}, ErrAccessDenied
	case "already_issued":
		return Request{}, ErrAlreadyIssued
	default:
		return Request{}, ErrAuthorizationPending
	}
}

type pollOutcome struct {
	status string
	req    Request
}
