// Package keyring implements signing-key management (spec component C2):
// RS256 signing over ID Tokens and JWTs, JWK set publication, key rotation
// with a verification-key tail, PKCE verification, and DPoP
// proof-of-possession checking. Every signature uses the tenant's single
// RS256 key, with no per-client algorithm choice, and the package does not
// decrypt JWE request objects.
//
// The rotation state machine, and the principle of demoting a retired
// signing key into a time-boxed verification-only key, is carried over
// unchanged from dex's signer/storage package — only the storage substrate
// changed, from a dedicated keys table to an internal/actor Record.
package keyring

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/veriflow/veriflow/internal/actor"
	"github.com/veriflow/veriflow/pkg/featureflags"
	"github.com/veriflow/veriflow/pkg/log"
)

// ErrAlreadyRotated is returned by RotateIfDue when a concurrent instance
// of the IdP already rotated the keys before this one's Mutate ran.
var ErrAlreadyRotated = errors.New("keyring: keys already rotated by another instance")

// VerificationKey is a retired signing key kept around only so that tokens
// it already signed keep validating until they expire.
type VerificationKey struct {
	PublicKey *jose.JSONWebKey `json:"publicKey"`
	Expiry    time.Time        `json:"expiry"`
}

// KeySet is the actor-managed record holding the live signing key and its
// verification tail, mirroring dex's storage.Keys.
type KeySet struct {
	SigningKey       *jose.JSONWebKey  `json:"signingKey,omitempty"`
	SigningKeyPub    *jose.JSONWebKey  `json:"signingKeyPub,omitempty"`
	VerificationKeys []VerificationKey `json:"verificationKeys,omitempty"`
	NextRotation     time.Time         `json:"nextRotation"`
}

// recordKey is the single actor key every tenant's keyring is stored under;
// the tenant ID is folded into the key so each tenant rotates independently.
func recordKey(tenantID string) string {
	if tenantID == "" {
		tenantID = "default"
	}
	return tenantID
}

// RotationStrategy controls how often keys rotate, how long a retired key
// keeps validating signatures, and how new key material is generated.
type RotationStrategy struct {
	RotationFrequency time.Duration
	IDTokenValidFor   time.Duration
	NewKey            func() (*rsa.PrivateKey, error)
}

// StaticRotationStrategy never rotates; useful for tests and single-key
// deployments that manage rotation externally.
func StaticRotationStrategy(key *rsa.PrivateKey) RotationStrategy {
	century := time.Hour * 8760 * 100
	return RotationStrategy{
		RotationFrequency: century,
		IDTokenValidFor:   century,
		NewKey:            func() (*rsa.PrivateKey, error) { return key, nil },
	}
}

// DefaultRotationStrategy rotates every rotationFrequency, retaining
// retired keys for idTokenValidFor so in-flight tokens keep validating.
func DefaultRotationStrategy(rotationFrequency, idTokenValidFor time.Duration) RotationStrategy {
	return RotationStrategy{
		RotationFrequency: rotationFrequency,
		IDTokenValidFor:   idTokenValidFor,
		NewKey: func() (*rsa.PrivateKey, error) {
			return rsa.GenerateKey(rand.Reader, 2048)
		},
	}
}

// KeyRing owns one tenant's signing key lifecycle atop an actor.Backend.
type KeyRing struct {
	table    actor.Table[KeySet]
	tenantID string
	strategy RotationStrategy
	now      func() time.Time
	logger   log.Logger
}

const kind = "keyring"

// New returns a KeyRing for tenantID backed by backend. now defaults to
// time.Now; tests may override it to exercise rotation deterministically.
func New(backend actor.Backend, tenantID string, strategy RotationStrategy, logger log.Logger) *KeyRing {
	return &KeyRing{
		table:    actor.NewTable[KeySet](backend, kind),
		tenantID: tenantID,
		strategy: strategy,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock overrides the clock used for rotation decisions, for tests.
func (k *KeyRing) WithClock(now func() time.Time) *KeyRing {
	k.now = now
	return k
}

// Current returns the active KeySet, rotating first if it is due or if no
// key has ever been generated.
func (k *KeyRing) Current(ctx context.Context) (KeySet, error) {
	if err := k.RotateIfDue(ctx); err != nil && !errors.Is(err, ErrAlreadyRotated) {
		return KeySet{}, err
	}
	return k.table.Get(ctx, recordKey(k.tenantID))
}

// RotateIfDue generates a new signing key and demotes the current one to a
// time-boxed verification key, but only if NextRotation has passed (or no
// key has ever been generated). It is safe to call from every IdP replica
// on a timer: the actual swap happens inside a single Mutate, so only the
// replica that observes the stale NextRotation first performs the
// generation: the rest observe ErrAlreadyRotated and move on.
func (k *KeyRing) RotateIfDue(ctx context.Context) error {
	key := recordKey(k.tenantID)

	type transitionResult struct {
		rotated bool
	}

	before, getErr := k.table.Get(ctx, key)
	wasDue := errors.Is(getErr, actor.ErrNotFound) || (getErr == nil && !k.now().Before(before.NextRotation))

	res, err := actor.Mutate(ctx, k.table, key, 0, func(current KeySet, exists bool) (KeySet, bool, transitionResult, error) {
		now := k.now()
		if exists && now.Before(current.NextRotation) {
			return current, true, transitionResult{rotated: false}, nil
		}

		priv, err := k.strategy.NewKey()
		if err != nil {
			return current, exists, transitionResult{}, fmt.Errorf("keyring: generate key: %w", err)
		}
		keyID, err := newKeyID()
		if err != nil {
			return current, exists, transitionResult{}, err
		}

		signingPriv := &jose.JSONWebKey{Key: priv, KeyID: keyID, Algorithm: string(jose.RS256), Use: "sig"}
		signingPub := &jose.JSONWebKey{Key: priv.Public(), KeyID: keyID, Algorithm: string(jose.RS256), Use: "sig"}

		next := current
		next.VerificationKeys = pruneExpired(current.VerificationKeys, now)
		if current.SigningKeyPub != nil {
			next.VerificationKeys = append(next.VerificationKeys, VerificationKey{
				PublicKey: current.SigningKeyPub,
				Expiry:    now.Add(k.strategy.IDTokenValidFor),
			})
		}
		next.SigningKey = signingPriv
		next.SigningKeyPub = signingPub
		next.NextRotation = now.Add(k.strategy.RotationFrequency)

		return next, true, transitionResult{rotated: true}, nil
	})
	if err != nil {
		return err
	}
	if wasDue && !res.rotated {
		return ErrAlreadyRotated
	}
	return nil
}

func pruneExpired(keys []VerificationKey, now time.Time) []VerificationKey {
	out := keys[:0]
	for _, vk := range keys {
		if now.Before(vk.Expiry) {
			out = append(out, vk)
		}
	}
	return out
}

func newKeyID() (string, error) {
	b := make([]byte, 20)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("keyring: generate key id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Sign compact-serializes payload as a JWS using the active signing key.
func (k *KeyRing) Sign(ctx context.Context, payload []byte) (string, error) {
	keys, err := k.Current(ctx)
	if err != nil {
		return "", err
	}
	if keys.SigningKey == nil {
		return "", errors.New("keyring: no signing key available")
	}
	alg := jose.SignatureAlgorithm(keys.SigningKey.Algorithm)
	if alg == "" {
		alg = jose.RS256
	}
	if alg == "none" && !featureflags.AllowNoneAlgorithm.Enabled() {
		return "", errors.New("keyring: alg=none is refused")
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: keys.SigningKey}, nil)
	if err != nil {
		return "", fmt.Errorf("keyring: build signer: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("keyring: sign: %w", err)
	}
	return sig.CompactSerialize()
}

// ErrVerificationFailed is returned when a JWS does not verify against the
// active signing key or any still-live verification key in the tail.
var ErrVerificationFailed = errors.New("keyring: signature verification failed")

// Verify checks jws against the active signing key and, failing that,
// every still-live retired key in the verification tail (a token signed
// just before rotation must keep validating until it naturally expires).
func (k *KeyRing) Verify(ctx context.Context, jws string) ([]byte, error) {
	keys, err := k.Current(ctx)
	if err != nil {
		return nil, err
	}

	sig, err := jose.ParseSigned(jws, []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.PS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	candidates := make([]*jose.JSONWebKey, 0, len(keys.VerificationKeys)+1)
	if keys.SigningKeyPub != nil {
		candidates = append(candidates, keys.SigningKeyPub)
	}
	for _, vk := range keys.VerificationKeys {
		if !k.now().Before(vk.Expiry) {
			continue
		}
		candidates = append(candidates, vk.PublicKey)
	}

	for _, candidate := range candidates {
		if payload, err := sig.Verify(candidate); err == nil {
			return payload, nil
		}
	}
	return nil, ErrVerificationFailed
}
