package keyring

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"io"

	"github.com/go-jose/go-jose/v4"
)

// hashForSigAlgo picks the hash algorithm the at_hash/c_hash computation
// must use for a given ID Token signing algorithm, per OIDC Core's
// ImplicitIDToken section: "the hash algorithm used is the hash algorithm
// used in the alg Header Parameter of the ID Token's JOSE Header."
// Ed25519/EdDSA always hashes with SHA-512 regardless of curve.
var hashForSigAlgo = map[jose.SignatureAlgorithm]func() hash.Hash{
	jose.RS256: sha256.New,
	jose.RS384: sha512.New384,
	jose.RS512: sha512.New,
	jose.ES256: sha256.New,
	jose.ES384: sha512.New384,
	jose.ES512: sha512.New,
	jose.EdDSA: sha512.New,
}

// HashForSigAlgorithm returns a new hash.Hash for alg, or an error if alg
// has no defined at_hash/c_hash digest.
func HashForSigAlgorithm(alg jose.SignatureAlgorithm) (hash.Hash, error) {
	newHash, ok := hashForSigAlgo[alg]
	if !ok {
		return nil, fmt.Errorf("keyring: unsupported signature algorithm %s", alg)
	}
	return newHash(), nil
}

// leftmostHalf hashes value with alg's digest and base64url-encodes the
// left half of the digest, the construction OIDC Core defines for both
// at_hash and c_hash.
func leftmostHalf(alg jose.SignatureAlgorithm, value string) (string, error) {
	h, err := HashForSigAlgorithm(alg)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(h, value); err != nil {
		return "", fmt.Errorf("keyring: hashing value: %w", err)
	}
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

// AccessTokenHash computes the at_hash ID Token claim from the raw access
// token and the ID Token's signing algorithm.
func AccessTokenHash(alg jose.SignatureAlgorithm, accessToken string) (string, error) {
	return leftmostHalf(alg, accessToken)
}

// CodeHash computes the c_hash ID Token claim from the raw authorization
// code and the ID Token's signing algorithm.
func CodeHash(alg jose.SignatureAlgorithm, code string) (string, error) {
	return leftmostHalf(alg, code)
}
