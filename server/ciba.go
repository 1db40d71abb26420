package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/veriflow/veriflow/internal/ciba"
	"github.com/veriflow/veriflow/scope"
)

const defaultCIBAPollInterval = 5 * time.Second

// handleBackchannelAuthorize implements the CIBA backchannel
// authentication endpoint (spec component C12): mint a pending auth_req_id
// the token endpoint's CIBA grant later polls (or that a ping-mode
// notifier later calls back about), and kick off whatever out-of-band
// authentication the flow engine's login_hint resolution drives — this
// handler only mints the request; resolving it to approved/denied happens
// through the same flow-engine surface a real deployment's push
// notification or authenticator app would drive.
func (s *Server) handleBackchannelAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "invalid_request"})
		return
	}
	if s.cfg.CIBA == nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, "no CIBA store configured")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	clientID, cred := clientCredential(r)
	if s.cfg.Auth != nil {
		if _, err := s.cfg.Auth.Authenticate(r.Context(), clientID, cred, s.now()); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
			return
		}
	}
	scopes := scope.Parse(r.PostFormValue("scope"))

	mode := ciba.ModePoll
	notificationToken := r.PostFormValue("client_notification_token")
	endpoint := r.PostFormValue("notification_endpoint")
	if notificationToken != "" {
		mode = ciba.ModePing
	}

	authReqID, err := s.cfg.CIBA.Issue(r.Context(), ciba.Request{
		ClientID:                clientID,
		Scopes:                  scopes,
		Mode:                    mode,
		ClientNotificationToken: notificationToken,
		NotificationEndpoint:    endpoint,
		Interval:                defaultCIBAPollInterval,
	})
	if errors.Is(err, ciba.ErrTooManyLiveRequests) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	if err != nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"auth_req_id": authReqID,
		"expires_in":  300,
		"interval":    int(defaultCIBAPollInterval.Seconds()),
	})
}

// handleBackchannelResolve approves or denies a pending backchannel authentication
// request once the flow engine's own authentication surface has decided the
// outcome, then — for a ping-mode request — dispatches the client's
// notification callback through CIBANotifier so the client does not have to
// poll at all.
func (s *Server) handleBackchannelResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "invalid_request"})
		return
	}
	if s.cfg.CIBA == nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, "no CIBA store configured")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	authReqID := r.PostFormValue("auth_req_id")
	subject := r.PostFormValue("subject")
	approve := r.PostFormValue("action") == "approve"

	var err error
	if approve {
		err = s.cfg.CIBA.Approve(r.Context(), authReqID, subject)
	} else {
		err = s.cfg.CIBA.Deny(r.Context(), authReqID)
	}
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	if s.cfg.CIBANotifier != nil {
		if req, getErr := s.cfg.CIBA.Get(r.Context(), authReqID); getErr == nil && req.Mode == ciba.ModePing {
			if notifyErr := s.cfg.CIBANotifier.Notify(r.Context(), authReqID, req); notifyErr != nil {
				s.logger.Errorf("server: ciba ping notification failed: %v", notifyErr)
			} else {
				_ = s.cfg.CIBA.MarkNotified(r.Context(), authReqID)
			}
		}
	}

	w.WriteHeader(http.StatusOK)
}
