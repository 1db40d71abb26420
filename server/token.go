package server

import (
	"fmt"
	"net/http"

	"github.com/veriflow/veriflow/internal/clientreg"
	"github.com/veriflow/veriflow/internal/token"
)

// tokenErrorStatus maps an RFC 6749 §5.2 error code onto its HTTP status;
// invalid_client is the one code RFC 6749 requires answering with 401
// (optionally with a WWW-Authenticate challenge), every other code is 400.
func tokenErrorStatus(code token.Code) int {
	if code == token.ErrInvalidClient {
		return http.StatusUnauthorized
	}
	return http.StatusBadRequest
}

func writeTokenError(w http.ResponseWriter, e *token.Error) {
	if e.Code == token.ErrInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="veriflow"`)
	}
	writeJSON(w, tokenErrorStatus(e.Code), map[string]string{
		"error":             string(e.Code),
		"error_description": e.Description,
	})
}

// clientCredential extracts Basic-auth or form-post client credentials,
// the same dual input RFC 6749 §2.3.1 allows at the token endpoint.
func clientCredential(r *http.Request) (clientID string, cred clientreg.Credential) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, clientreg.Credential{Secret: secret}
	}
	clientID = r.PostFormValue("client_id")
	if assertion := r.PostFormValue("client_assertion"); assertion != "" {
		return clientID, clientreg.Credential{Assertion: assertion}
	}
	return clientID, clientreg.Credential{Secret: r.PostFormValue("client_secret")}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "invalid_request"})
		return
	}
	if s.cfg.Tokens == nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, "no token service configured")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	clientID, cred := clientCredential(r)
	req := token.Request{
		GrantType:        r.PostFormValue("grant_type"),
		ClientID:         clientID,
		Credential:       cred,
		Code:             r.PostFormValue("code"),
		RedirectURI:      r.PostFormValue("redirect_uri"),
		CodeVerifier:     r.PostFormValue("code_verifier"),
		RefreshToken:     r.PostFormValue("refresh_token"),
		Scope:            r.PostFormValue("scope"),
		DeviceCode:       r.PostFormValue("device_code"),
		AuthReqID:        r.PostFormValue("auth_req_id"),
		SubjectToken:     r.PostFormValue("subject_token"),
		SubjectTokenType: r.PostFormValue("subject_token_type"),
		Audience:         r.PostFormValue("audience"),
	}

	if proof := r.Header.Get("DPoP"); proof != "" {
		jkt, err := verifyDPoP(r.Context(), proof, r, s.cfg.DPoPReplay)
		if err != nil {
			writeTokenError(w, &token.Error{Code: token.ErrInvalidDPoPProof, Description: fmt.Sprintf("invalid DPoP proof: %v", err)})
			return
		}
		req.DPoPJKT = jkt
	}

	resp, tokErr := s.cfg.Tokens.Handle(r.Context(), req)
	if tokErr != nil {
		writeTokenError(w, tokErr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
