// Package ciba implements the Client-Initiated Backchannel Authentication
// grant (spec component C12): backchannel auth request state, poll-mode
// dispatch (the same authorization_pending/slow_down vocabulary as C11's
// device grant), and a ping-mode notifier that retries transient delivery
// failures with an exponential backoff under a per-endpoint circuit
// breaker.
//
// There is no CIBA support in dex to generalize from; the
// request state machine is built in C11's idiom (the same actor-backed
// pending/approved/denied shape, renamed to CIBA's own vocabulary:
// auth_req_id instead of device_code). The notifier reuses C3's
// jwks-fetch idiom — SSRF-guarded HTTP call, one gobreaker circuit
// breaker per target endpoint.
package ciba

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veriflow/veriflow/internal/actor"
	"github.com/veriflow/veriflow/internal/actor/idgen"
)

const authReqKind = "ciba-request"

// clientIndexKind indexes the number of pending backchannel requests
// outstanding for one client, enforcing spec.md §5's per-client
// backpressure cap.
const clientIndexKind = "ciba-client-index"

// defaultClientCap is the default per-client pending-request limit.
const defaultClientCap = 10

// clientIndexTTL bounds the client index entry; it is refreshed on every
// Issue/resolve so it always outlives the longest-lived pending request
// under it.
const clientIndexTTL = 24 * time.Hour

// Mode distinguishes how the OP delivers the outcome of a backchannel
// request.
type Mode string

const (
	ModePoll Mode = "poll"
	ModePing Mode = "ping"
)

// Status is a backchannel authentication request's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

var (
	ErrNotFound             = errors.New("ciba: not found")
	ErrAuthorizationPending = errors.New("ciba: authorization_pending")
	ErrSlowDown             = errors.New("ciba: slow_down")
	ErrAccessDenied         = errors.New("ciba: access_denied")
	ErrAlreadyIssued        = errors.New("ciba: tokens already issued")
	ErrAlreadyActedOn       = errors.New("ciba: already_approved_or_denied")

	// ErrTooManyLiveRequests is returned by Issue when the requesting
	// client already has its cap's worth of pending backchannel requests
	// outstanding.
	ErrTooManyLiveRequests = errors.New("ciba: too many pending requests for client")
)

// Request is one backchannel authentication request.
type Request struct {
	ClientID                string        `json:"clientId"`
	Scopes                  []string      `json:"scopes"`
	Mode                    Mode          `json:"mode"`
	ClientNotificationToken string        `json:"clientNotificationToken,omitempty"`
	NotificationEndpoint    string        `json:"notificationEndpoint,omitempty"`
	Status                  Status        `json:"status"`
	Subject                 string        `json:"subject,omitempty"`
	Interval                time.Duration `json:"interval"`
	LastPollAt              time.Time     `json:"lastPollAt,omitempty"`
	TokenIssued             bool          `json:"tokenIssued"`
	NotifiedAt              time.Time     `json:"notifiedAt,omitempty"`
}

// Store mints, polls, and resolves backchannel authentication requests.
type Store struct {
	requests  actor.Table[Request]
	clientIdx actor.Table[map[string]struct{}]
	ttl       time.Duration
	liveCap   int
}

// Option configures a Store built by New.
type Option func(*Store)

// WithClientCap overrides the default per-client pending-request cap.
func WithClientCap(cap int) Option {
	return func(s *Store) { s.liveCap = cap }
}

// New builds a Store on top of backend.
func New(backend actor.Backend, ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		requests:  actor.NewTable[Request](backend, authReqKind),
		clientIdx: actor.NewTable[map[string]struct{}](backend, clientIndexKind),
		ttl:       ttl,
		liveCap:   defaultClientCap,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue mints a new backchannel authentication request, returning its
// auth_req_id, enforcing the per-client pending-request cap.
func (s *Store) Issue(ctx context.Context, req Request) (string, error) {
	count, err := s.pendingCountForClient(ctx, req.ClientID)
	if err != nil {
		return "", fmt.Errorf("ciba: check pending count: %w", err)
	}
	if count >= s.liveCap {
		return "", ErrTooManyLiveRequests
	}

	authReqID := idgen.NewDeviceCode()
	req.Status = StatusPending
	if err := s.requests.Put(ctx, authReqID, req, s.ttl); err != nil {
		return "", fmt.Errorf("ciba: issue: %w", err)
	}
	s.indexForClient(ctx, req.ClientID, authReqID)
	return authReqID, nil
}

func (s *Store) pendingCountForClient(ctx context.Context, clientID string) (int, error) {
	idx, err := s.clientIdx.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	pending := 0
	for authReqID := range idx {
		req, err := s.requests.Get(ctx, authReqID)
		if err != nil {
			if errors.Is(err, actor.ErrNotFound) {
				continue
			}
			return 0, err
		}
		if req.Status == StatusPending {
			pending++
		}
	}
	return pending, nil
}

func (s *Store) indexForClient(ctx context.Context, clientID, authReqID string) {
	_, _ = actor.Mutate(ctx, s.clientIdx, clientID, clientIndexTTL, func(current map[string]struct{}, exists bool) (map[string]struct{}, bool, struct{}, error) {
		if current == nil {
			current = make(map[string]struct{})
		}
		current[authReqID] = struct{}{}
		return current, true, struct{}{}, nil
	})
}

func (s *Store) unindexForClient(ctx context.Context, clientID, authReqID string) {
	_, _ = actor.Mutate(ctx, s.clientIdx, clientID, clientIndexTTL, func(current map[string]struct{}, exists bool) (map[string]struct{}, bool, struct{}, error) {
		if !exists {
			return current, false, struct{}{}, nil
		}
		delete(current, authReqID)
		return current, true, struct{}{}, nil
	})
}

// Get loads a request by auth_req_id.
func (s *Store) Get(ctx context.Context, authReqID string) (Request, error) {
	req, err := s.requests.Get(ctx, authReqID)
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	return req, nil
}

// Approve transitions a pending request to approved, binding subject.
// Concurrent resolution attempts linearize through the single Mutate.
func (s *Store) Approve(ctx context.Context, authReqID, subject string) error {
	return s.resolve(ctx, authReqID, StatusApproved, subject)
}

// Deny transitions a pending request to denied.
func (s *Store) Deny(ctx context.Context, authReqID string) error {
	return s.resolve(ctx, authReqID, StatusDenied, "")
}

func (s *Store) resolve(ctx context.Context, authReqID string, status Status, subject string) error {
	type resolveOutcome struct {
		ok       bool
		clientID string
	}
	result, err := actor.Mutate(ctx, s.requests, authReqID, 0, func(current Request, exists bool) (Request, bool, resolveOutcome, error) {
		if !exists {
			return current, false, resolveOutcome{}, nil
		}
		if current.Status != StatusPending {
			return current, true, resolveOutcome{}, nil
		}
		current.Status = status
		current.Subject = subject
		return current, true, resolveOutcome{ok: true, clientID: current.ClientID}, nil
	})
	if err != nil {
		return fmt.Errorf("ciba: resolve: %w", err)
	}
	if !result.ok {
		return ErrAlreadyActedOn
	}
	s.unindexForClient(ctx, result.clientID, authReqID)
	return nil
}

// Poll evaluates one token-endpoint poll, enforcing the minimum poll
// interval and the approve-once token-issuance guarantee, mirroring
// device.Store.Poll.
func (s *Store) Poll(ctx context.Context, authReqID, clientID string) (Request, error) {
	now := time.Now()
	result, err := actor.Mutate(ctx, s.requests, authReqID, 0, func(current Request, exists bool) (Request, bool, pollOutcome, error) {
		if !exists || current.ClientID != clientID {
			return current, exists, pollOutcome{status: "not_found"}, nil
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
		return Request{}, fmt.Errorf("ciba: poll: %w", err)
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

// MarkNotified records that a ping-mode notification was (successfully or
// terminally) attempted, so the notifier's retry loop can tell a fresh
// request from one it has already dealt with.
func (s *Store) MarkNotified(ctx context.Context, authReqID string) error {
	_, err := actor.Mutate(ctx, s.requests, authReqID, 0, func(current Request, exists bool) (Request, bool, struct{}, error) {
		if !exists {
			return current, false, struct{}{}, nil
		}
		current.NotifiedAt = time.Now()
		return current, true, struct{}{}, nil
	})
	return err
}

type pollOutcome struct {
	status string
	req    Request
}
