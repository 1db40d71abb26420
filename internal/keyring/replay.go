package keyring

import (
	"context"
	"fmt"
	"time"

	"github.com/veriflow/veriflow/internal/actor"
)

// dpopReplayKind is the C1 actor kind VerifyDPoPProof's doc comment
// promises jti replay rejection is deferred to.
const dpopReplayKind = "dpop-jti"

// DPoPReplayStore rejects a DPoP proof whose jti has already been seen
// within dpopProofFreshness, the replay defense VerifyDPoPProof itself
// cannot provide since it has no shared state across calls.
type DPoPReplayStore struct {
	seen actor.Table[struct{}]
}

// NewDPoPReplayStore builds a DPoPReplayStore on backend.
func NewDPoPReplayStore(backend actor.Backend) *DPoPReplayStore {
	return &DPoPReplayStore{seen: actor.NewTable[struct{}](backend, dpopReplayKind)}
}

// ErrDPoPProofReplayed is returned by Verify when the proof's jti was
// already consumed inside the freshness window.
var ErrDPoPProofReplayed = fmt.Errorf("keyring: dpop proof jti replayed")

// Verify runs VerifyDPoPProof and additionally records p's jti, rejecting
// the proof if that jti was already recorded. The record expires after
// dpopProofFreshness: once a proof falls outside the freshness window
// VerifyDPoPProof itself rejects it on iat grounds, so the jti never needs
// to be remembered any longer than that.
func (s *DPoPReplayStore) Verify(ctx context.Context, proof, method, uri string, now time.Time) (DPoPProof, error) {
	p, err := VerifyDPoPProof(proof, method, uri, now)
	if err != nil {
		return DPoPProof{}, err
	}

	type outcome struct {
		ok bool
	}
	result, err := actor.Mutate(ctx, s.seen, p.Claims.JTI, dpopProofFreshness, func(current struct{}, exists bool) (struct{}, bool, outcome, error) {
		if exists {
			return current, true, outcome{ok: false}, nil
		}
		return struct{}{}, true, outcome{ok: true}, nil
	})
	if err != nil {
		return DPoPProof{}, fmt.Errorf("keyring: record dpop proof jti: %w", err)
	}
	if !result.ok {
		return DPoPProof{}, ErrDPoPProofReplayed
	}
	return p, nil
}
