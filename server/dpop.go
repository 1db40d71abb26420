package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/veriflow/veriflow/internal/keyring"
)

// requestURI reconstructs the absolute htu a DPoP proof must bind to.
// r.URL never carries scheme/host on the server side, so they're rebuilt
// from TLS state and the Host header the same way net/http's
// ReverseProxy does.
func requestURI(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}

// verifyDPoP verifies the proof presented in a DPoP header against r and
// returns the JWK thumbprint to bind into the minted token. When replay is
// non-nil the proof's jti is also checked against it, rejecting a proof
// whose jti has already been consumed.
func verifyDPoP(ctx context.Context, proof string, r *http.Request, replay *keyring.DPoPReplayStore) (string, error) {
	if replay != nil {
		p, err := replay.Verify(ctx, proof, r.Method, requestURI(r), time.Now())
		if err != nil {
			return "", err
		}
		return p.JKT, nil
	}
	p, err := keyring.VerifyDPoPProof(proof, r.Method, requestURI(r), time.Now())
	if err != nil {
		return "", err
	}
	return p.JKT, nil
}
