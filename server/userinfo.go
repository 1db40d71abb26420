package server

import (
	"net/http"
	"strings"
)

// handleUserInfo implements the OIDC userinfo endpoint: it accepts the
// access token as a Bearer credential, or — when the token was DPoP-bound
// at issuance — as a DPoP credential accompanied by a fresh DPoP proof
// header, the same RFC 9449 §7.2 client-to-resource-server presentation
// this endpoint, as a protected resource in its own right, must also
// honor.
func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Introspect == nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, "no introspection service configured")
		return
	}

	tok, scheme, ok := bearerOrDPoPToken(r)
	if !ok {
		writeUserInfoChallenge(w, "Bearer", "")
		return
	}

	resp, err := s.cfg.Introspect.Introspect(r.Context(), tok)
	if err != nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	if !resp.Active {
		writeUserInfoChallenge(w, schemeForChallenge(scheme), "invalid_token")
		return
	}

	if resp.Cnf != nil {
		// A DPoP-bound token must be presented with a matching proof;
		// presenting it bare (or with a proof for a different key) is
		// rejected exactly as an expired/invalid token would be.
		if scheme != "DPoP" {
			writeUserInfoChallenge(w, "DPoP", "invalid_token")
			return
		}
		proof := r.Header.Get("DPoP")
		jkt, err := verifyDPoP(r.Context(), proof, r, s.cfg.DPoPReplay)
		if err != nil || jkt != resp.Cnf.JKT {
			writeUserInfoChallenge(w, "DPoP", "invalid_token")
			return
		}
	} else if scheme != "Bearer" {
		writeUserInfoChallenge(w, "Bearer", "invalid_token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sub":       resp.Subject,
		"aud":       resp.Audience,
		"iss":       resp.Issuer,
		"client_id": resp.ClientID,
		"scope":     resp.Scope,
	})
}

// bearerOrDPoPToken extracts the access token from an Authorization
// header bearing either scheme, reporting which one was used.
func bearerOrDPoPToken(r *http.Request) (tok, scheme string, ok bool) {
	auth := r.Header.Get("Authorization")
	for _, s := range []string{"DPoP ", "Bearer "} {
		if strings.HasPrefix(auth, s) {
			return strings.TrimPrefix(auth, s), strings.TrimSpace(s), true
		}
	}
	return "", "", false
}

func schemeForChallenge(scheme string) string {
	if scheme == "" {
		return "Bearer"
	}
	return scheme
}

func writeUserInfoChallenge(w http.ResponseWriter, scheme, errCode string) {
	challenge := scheme + ` realm="veriflow"`
	if errCode != "" {
		challenge += `, error="` + errCode + `"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
}
