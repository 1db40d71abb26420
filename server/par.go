package server

import (
	"errors"
	"net/http"

	"github.com/veriflow/veriflow/internal/clientreg"
	"github.com/veriflow/veriflow/internal/par"
)

// handlePAR implements RFC 9126 pushed authorization requests: a client
// POSTs its full authorization parameter set out-of-band and gets back a
// single-use request_uri to present at /authorize instead.
func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "invalid_request"})
		return
	}
	if s.cfg.PAR == nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, "no PAR store configured")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	clientID, cred := clientCredential(r)
	var client clientreg.Client
	if s.cfg.Auth != nil {
		authenticated, err := s.cfg.Auth.Authenticate(r.Context(), clientID, cred, s.now())
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
			return
		}
		client = authenticated
	}

	params := r.PostForm
	params.Del("client_id")
	params.Del("client_secret")

	var jkt string
	if proof := r.Header.Get("DPoP"); proof != "" {
		p, err := verifyDPoP(r.Context(), proof, r, s.cfg.DPoPReplay)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_dpop_proof", "error_description": err.Error()})
			return
		}
		jkt = p
	}

	fapi := client.RequireFAPI2

	requestURI, expiresIn, err := s.cfg.PAR.Mint(r.Context(), par.Request{
		ClientID: clientID,
		Params:   params,
		DPoPJKT:  jkt,
	}, fapi)
	if errors.Is(err, par.ErrTooManyLiveRequests) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	if err != nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"request_uri": requestURI,
		"expires_in":  int(expiresIn.Seconds()),
	})
}
