package keyring

import (
	"context"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// minJWKSCacheAge is the floor for the JWKS response's Cache-Control
// max-age even when rotation is imminent, so a burst of clients refreshing
// right at rotation time doesn't stampede the signing-key endpoint.
const minJWKSCacheAge = 2 * time.Minute

// PublicJWKS returns the published JWK set (current signing key first,
// then every still-valid verification key) along with how long a client
// may cache it, mirroring dex's handlePublicKeys.
func (k *KeyRing) PublicJWKS(ctx context.Context) (jose.JSONWebKeySet, time.Duration, error) {
	keys, err := k.Current(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, 0, err
	}

	jwks := jose.JSONWebKeySet{}
	if keys.SigningKeyPub != nil {
		jwks.Keys = append(jwks.Keys, *keys.SigningKeyPub)
	}
	for _, vk := range keys.VerificationKeys {
		if vk.PublicKey != nil && k.now().Before(vk.Expiry) {
			jwks.Keys = append(jwks.Keys, *vk.PublicKey)
		}
	}

	maxAge := keys.NextRotation.Sub(k.now())
	if maxAge < minJWKSCacheAge {
		maxAge = minJWKSCacheAge
	}
	return jwks, maxAge, nil
}

// VerificationKeySet returns the published public key whose kid matches
// (the first published key, the current signing key, when kid is empty)
// and whether one was found, for local signature checks that don't want
// to round-trip through a jose.JSONWebKeySet.
func (k *KeyRing) VerificationKeySet(ctx context.Context, kid string) (jose.JSONWebKey, bool, error) {
	jwks, _, err := k.PublicJWKS(ctx)
	if err != nil {
		return jose.JSONWebKey{}, false, err
	}
	if kid == "" && len(jwks.Keys) > 0 {
		return jwks.Keys[0], true, nil
	}
	for _, key := range jwks.Keys {
		if key.KeyID == kid {
			return key, true, nil
		}
	}
	return jose.JSONWebKey{}, false, nil
}
