package server

import "net/http"

// handleIntrospect implements RFC 7662 token introspection.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "invalid_request"})
		return
	}
	if s.cfg.Introspect == nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, "no introspection service configured")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	tok := r.PostFormValue("token")
	if tok == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "missing token parameter"})
		return
	}

	resp, err := s.cfg.Introspect.Introspect(r.Context(), tok)
	if err != nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRevoke implements RFC 7009 token revocation: revocation always
// reports success, even for an unknown or already-revoked token, so a
// client can't probe token validity through the revoke endpoint.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "invalid_request"})
		return
	}
	if s.cfg.Introspect == nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, "no introspection service configured")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	tok := r.PostFormValue("token")
	if tok == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "missing token parameter"})
		return
	}
	if err := s.cfg.Introspect.Revoke(r.Context(), tok); err != nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}
