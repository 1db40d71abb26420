// Package par implements the Pushed Authorization Request store (spec
// component C7, RFC 9126): minting a single-use request_uri that captures
// a client's full authorization parameter set, and its one-time
// consumption at the authorization endpoint.
//
// There is no RFC 9126 support in dex to generalize from; the
// single-use/one-time-consumption shape instead follows C1's actor
// contract directly — a PAR request is "just" another actor kind whose
// Mutate transition happens to only ever run once.
package par

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/veriflow/veriflow/internal/actor"
	"github.com/veriflow/veriflow/internal/actor/idgen"
	"github.com/veriflow/veriflow/pkg/crypto"
)

// requestURIKind is the C1 actor kind backing pushed authorization
// requests.
const requestURIKind = "par-request"

// clientIndexKind indexes the number of unconsumed pushed requests
// outstanding for one client, enforcing spec.md §5's per-client
// backpressure cap.
const clientIndexKind = "par-client-index"

// defaultClientCap is the default per-client outstanding-PAR-request
// limit.
const defaultClientCap = 50

// requestURIPrefix follows RFC 9126's recommended URN-style request_uri
// scheme so it's unmistakable from a regular redirect target.
const requestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// defaultExpiry and fapiExpiry bound how long a pushed request may sit
// unconsumed; spec.md caps this at 600s normally, 60s for FAPI 2.0 clients.
const (
	defaultExpiry = 600 * time.Second
	fapiExpiry    = 60 * time.Second
)

// ErrInvalidRequestURI is returned by Consume for an absent, expired, or
// already-consumed request_uri, or one whose client_id does not match —
// RFC 9126 §2.2 mandates the single error code invalid_request_uri for
// every such case so a caller cannot distinguish "never existed" from
// "already used" by the error alone.
var ErrInvalidRequestURI = errors.New("par: invalid_request_uri")

// ErrTooManyLiveRequests is returned by Mint when the pushing client
// already has its cap's worth of unconsumed request_uris outstanding.
var ErrTooManyLiveRequests = errors.New("par: too many live requests for client")

// Request is the captured parameter set of one pushed authorization
// request.
type Request struct {
	ClientID string     `json:"clientId"`
	Params   url.Values `json:"params"`
	DPoPJKT  string     `json:"dpopJkt,omitempty"`
}

type pushedRecord struct {
	ClientID  string     `json:"clientId"`
	Params    url.Values `json:"params,omitempty"`
	EncParams []byte     `json:"encParams,omitempty"`
	DPoPJKT   string     `json:"dpopJkt,omitempty"`
	Consumed  bool       `json:"consumed"`
}

// Store mints and consumes pushed authorization requests.
type Store struct {
	table    actor.Table[pushedRecord]
	clientIdx actor.Table[map[string]struct{}]
	encKey   []byte
	liveCap  int
}

// Option configures a Store built by New.
type Option func(*Store)

// WithEncryptionKey has Store seal a request's parameter set with 256-bit
// AES-GCM before it ever reaches the actor backend, rather than persisting
// it as plaintext url.Values — pushed parameters routinely carry login_hint,
// id_token_hint, or claims values a storage-layer compromise should not
// hand over for free. key must be 32 bytes.
func WithEncryptionKey(key []byte) Option {
	return func(s *Store) { s.encKey = key }
}

// WithClientCap overrides the default per-client outstanding-request cap.
func WithClientCap(cap int) Option {
	return func(s *Store) { s.liveCap = cap }
}

// New builds a Store on top of backend.
func New(backend actor.Backend, opts ...Option) *Store {
	s := &Store{
		table:     actor.NewTable[pushedRecord](backend, requestURIKind),
		clientIdx: actor.NewTable[map[string]struct{}](backend, clientIndexKind),
		liveCap:   defaultClientCap,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mint persists req and returns its request_uri and the expiry actually
// applied. fapi gates the shorter FAPI 2.0 expiry.
func (s *Store) Mint(ctx context.Context, req Request, fapi bool) (requestURI string, expiresIn time.Duration, err error) {
	expiry := defaultExpiry
	if fapi {
		expiry = fapiExpiry
	}

	count, err := s.liveCountForClient(ctx, req.ClientID)
	if err != nil {
		return "", 0, fmt.Errorf("par: check live request count: %w", err)
	}
	if count >= s.liveCap {
		return "", 0, ErrTooManyLiveRequests
	}

	id := idgen.NewID()
	requestURI = requestURIPrefix + id

	record := pushedRecord{ClientID: req.ClientID, DPoPJKT: req.DPoPJKT}
	if s.encKey != nil {
		sealed, err := crypto.Encrypt([]byte(req.Params.Encode()), s.encKey)
		if err != nil {
			return "", 0, fmt.Errorf("par: encrypt params: %w", err)
		}
		record.EncParams = sealed
	} else {
		record.Params = req.Params
	}

	if err := s.table.Put(ctx, id, record, expiry); err != nil {
		return "", 0, fmt.Errorf("par: mint: %w", err)
	}
	s.indexForClient(ctx, req.ClientID, id, expiry)
	return requestURI, expiry, nil
}

func (s *Store) liveCountForClient(ctx context.Context, clientID string) (int, error) {
	idx, err := s.clientIdx.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for id := range idx {
		rec, err := s.table.Get(ctx, id)
		if err != nil {
			if errors.Is(err, actor.ErrNotFound) {
				continue
			}
			return 0, err
		}
		if !rec.Consumed {
			count++
		}
	}
	return count, nil
}

// clientIndexTTL bounds the client index entry itself; it outlives any
// single pushed request's own expiry so a burst of short-lived FAPI
// requests still accumulates against the cap correctly.
const clientIndexTTL = defaultExpiry

func (s *Store) indexForClient(ctx context.Context, clientID, id string, _ time.Duration) {
	_, _ = actor.Mutate(ctx, s.clientIdx, clientID, clientIndexTTL, func(current map[string]struct{}, exists bool) (map[string]struct{}, bool, struct{}, error) {
		if current == nil {
			current = make(map[string]struct{})
		}
		current[id] = struct{}{}
		return current, true, struct{}{}, nil
	})
}

func (s *Store) unindexForClient(ctx context.Context, clientID, id string) {
	_, _ = actor.Mutate(ctx, s.clientIdx, clientID, clientIndexTTL, func(current map[string]struct{}, exists bool) (map[string]struct{}, bool, struct{}, error) {
		if !exists {
			return current, false, struct{}{}, nil
		}
		delete(current, id)
		return current, true, struct{}{}, nil
	})
}

// Consume validates and retires requestURI in one atomic step: a second
// call for the same URI — whether because the client replayed it or
// because a second actor observed a concurrent race — always sees
// Consumed=true and fails with ErrInvalidRequestURI.
func (s *Store) Consume(ctx context.Context, requestURI, clientID string) (Request, error) {
	id, ok := parseRequestURI(requestURI)
	if !ok {
		return Request{}, ErrInvalidRequestURI
	}

	result, err := actor.Mutate(ctx, s.table, id, 0, func(current pushedRecord, exists bool) (pushedRecord, bool, consumeResult, error) {
		if !exists || current.Consumed || current.ClientID != clientID {
			return current, exists, consumeResult{valid: false}, nil
		}

		params := current.Params
		if len(current.EncParams) > 0 {
			plaintext, err := crypto.Decrypt(current.EncParams, s.encKey)
			if err != nil {
				return current, true, consumeResult{}, fmt.Errorf("par: decrypt params: %w", err)
			}
			params, err = url.ParseQuery(string(plaintext))
			if err != nil {
				return current, true, consumeResult{}, fmt.Errorf("par: parse decrypted params: %w", err)
			}
		}

		current.Consumed = true
		return current, true, consumeResult{
			valid: true,
			req:   Request{ClientID: current.ClientID, Params: params, DPoPJKT: current.DPoPJKT},
		}, nil
	})
	if err != nil {
		return Request{}, fmt.Errorf("par: consume: %w", err)
	}
	if !result.valid {
		return Request{}, ErrInvalidRequestURI
	}
	s.unindexForClient(ctx, result.req.ClientID, id)
	return result.req, nil
}

// consumeResult threads the recovered request back out of the Mutate
// transition; actor.Mutate's result type must round-trip through JSON, so
// it can't carry a raw error value.
type consumeResult struct {
	valid bool
	req   Request
}

func parseRequestURI(requestURI string) (string, bool) {
	if len(requestURI) <= len(requestURIPrefix) || requestURI[:len(requestURIPrefix)] != requestURIPrefix {
		return "", false
	}
	return requestURI[len(requestURIPrefix):], true
}
