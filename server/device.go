package server

import (
	"net/http"
	"time"

	"github.com/veriflow/veriflow/scope"
)

const defaultDevicePollInterval = 5 * time.Second

// handleDeviceAuthorization implements RFC 8628 §3.1/3.2: mint a
// device_code/user_code pair for the presenting client.
func (s *Server) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "invalid_request"})
		return
	}
	if s.cfg.Devices == nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, "no device grant store configured")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	clientID := r.PostFormValue("client_id")
	scopes := scope.Parse(r.PostFormValue("scope"))

	deviceCode, userCode, err := s.cfg.Devices.Issue(r.Context(), clientID, scopes, defaultDevicePollInterval)
	if err != nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}

	verificationURI := s.absURL("/device")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_code":               deviceCode,
		"user_code":                 userCode,
		"verification_uri":          verificationURI,
		"verification_uri_complete": verificationURI + "?user_code=" + userCode,
		"expires_in":                600,
		"interval":                  int(defaultDevicePollInterval.Seconds()),
	})
}

// handleDeviceVerify backs the end-user verification page, which is
// rendered elsewhere: GET echoes the user_code query parameter as JSON,
// POST approves or denies the pending request for the user_id and subject
// the page posts. The handler checks no session of its own.
func (s *Server) handleDeviceVerify(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Devices == nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, "no device grant store configured")
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusOK, map[string]string{"user_code": r.URL.Query().Get("user_code")})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	userCode := r.PostFormValue("user_code")
	userID := r.PostFormValue("user_id")
	subject := r.PostFormValue("subject")
	approve := r.PostFormValue("action") == "approve"

	deviceCode, _, err := s.cfg.Devices.Lookup(r.Context(), userCode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "unknown or expired user code"})
		return
	}

	if approve {
		err = s.cfg.Devices.Approve(r.Context(), deviceCode, userID, subject)
	} else {
		err = s.cfg.Devices.Deny(r.Context(), deviceCode)
	}
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}
