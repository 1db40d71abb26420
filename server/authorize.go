package server

import (
	"net/http"
	"net/url"

	"github.com/veriflow/veriflow/internal/flow"
	httphelp "github.com/veriflow/veriflow/pkg/http"
)

// handleAuthorize implements the authorization endpoint. It resolves a
// pushed request_uri when one is presented, validates the client and
// redirect_uri, then starts the login flow. When the flow completes with no
// further interaction it redirects the user agent to the requested
// redirect_uri; otherwise it answers with a JSON description of the
// suspended step (sid, node, capability, UI contract), which an external
// UI drives through /authorize/callback.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Clients == nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, "authorization endpoint not configured")
		return
	}

	if err := r.ParseForm(); err != nil {
		s.renderAuthorizeError(w, r, "", "invalid_request", "failed to parse query", "")
		return
	}
	params := r.Form

	clientID := params.Get("client_id")
	var dpopJKT string
	if requestURI := params.Get("request_uri"); requestURI != "" && s.cfg.PAR != nil {
		pushed, err := s.cfg.PAR.Consume(r.Context(), requestURI, clientID)
		if err != nil {
			s.renderAuthorizeError(w, r, "", "invalid_request_uri", "request_uri is invalid or expired", "")
			return
		}
		params = pushed.Params
		clientID = pushed.ClientID
		dpopJKT = pushed.DPoPJKT
	}
	// A client may also present its DPoP proof directly at /authorize
	// rather than at the prior PAR push — either way the resulting
	// authorization code is bound to the proof's key (spec.md's C8
	// minting step takes dpop_jkt "from a validated DPoP proof at
	// PAR/authorize if any").
	if proof := params.Get("dpop_proof"); proof != "" {
		jkt, err := verifyDPoP(r.Context(), proof, r, s.cfg.DPoPReplay)
		if err != nil {
			s.renderAuthorizeError(w, r, "", "invalid_dpop_proof", err.Error(), "")
			return
		}
		dpopJKT = jkt
	}

	client, err := s.cfg.Clients.Get(r.Context(), clientID)
	if err != nil {
		s.renderAuthorizeError(w, r, "", "unauthorized_client", "unknown client", "")
		return
	}
	if client.RequirePAR && params.Get("request_uri") == "" {
		s.renderAuthorizeError(w, r, "", "invalid_request", "this client requires pushed authorization requests", "")
		return
	}

	redirectURI := params.Get("redirect_uri")
	if !client.RedirectURIRegistered(redirectURI) {
		// Per OAuth2/OIDC, an unregistered redirect_uri must not be used to
		// deliver the error — it might be attacker-controlled.
		renderServerError(s.logger, w, http.StatusBadRequest, "redirect_uri is not registered for this client")
		return
	}
	responseType := params.Get("response_type")
	if !supportedResponseType(responseType) {
		s.renderAuthorizeError(w, r, "query", "unsupported_response_type", "unsupported response_type", redirectURI)
		return
	}
	responseMode := params.Get("response_mode")
	if responseMode == "" {
		responseMode = defaultResponseMode(responseType)
	}
	// The OAuth 2.0 Multiple Response Type extension requires the hybrid
	// flows deliver their front-channel token/id_token via fragment, never
	// query, the same way OIDC Core's own implicit flow does — a token in
	// a query string ends up in server logs and Referer headers. The plain
	// code response type is the opposite: it carries nothing sensitive
	// enough to need fragment, and historically uses query.
	if responseType == "code" && responseMode == "fragment" {
		s.renderAuthorizeError(w, r, "query", "invalid_request", "response_mode=fragment is not valid for the code response type", redirectURI)
		return
	}
	if responseType != "code" && responseMode == "query" {
		s.renderAuthorizeError(w, r, "fragment", "invalid_request", "response_mode=query is not valid for a hybrid response_type", redirectURI)
		return
	}

	if s.cfg.Engine == nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, "authorization endpoint not configured")
		return
	}

	engineParams := map[string]string{}
	for k := range params {
		engineParams[k] = params.Get(k)
	}
	engineParams["redirect_uri"] = redirectURI
	engineParams["client_id"] = client.ID
	if dpopJKT != "" {
		engineParams["dpop_jkt"] = dpopJKT
	}

	sid, result, err := s.cfg.Engine.Start(r.Context(), "authorize", "", client.ID, engineParams)
	if err != nil {
		s.renderAuthorizeError(w, r, responseMode, "server_error", err.Error(), redirectURI)
		return
	}
	s.respondFlowResult(w, r, sid, result, responseMode, redirectURI)
}

// handleAuthorizeCallback receives the interactive flow UI's capability
// submissions (identifier/login/mfa/consent/...) and drives the flow
// engine forward, rendering whatever the flow suspends at next.
func (s *Server) handleAuthorizeCallback(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Engine == nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, "authorization endpoint not configured")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	sid := r.PostFormValue("sid")
	requestID := r.PostFormValue("request_id")
	capability := r.PostFormValue("capability")
	responseMode := r.PostFormValue("response_mode")
	if responseMode == "" {
		responseMode = "query"
	}

	// redirect_uri is never taken from this POST body: it was already
	// validated against the client's registration when the session
	// started (handleAuthorize), and a capability submission is otherwise
	// attacker-reachable input that must not steer where we redirect.
	redirectURI, err := s.cfg.Engine.SessionRedirectURI(r.Context(), sid)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "unknown or expired session"})
		return
	}

	payload := map[string]interface{}{}
	for k := range r.PostForm {
		if k == "sid" || k == "request_id" || k == "capability" || k == "redirect_uri" || k == "response_mode" {
			continue
		}
		payload[k] = r.PostFormValue(k)
	}

	result, err := s.cfg.Engine.Submit(r.Context(), sid, requestID, capability, payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	s.respondFlowResult(w, r, sid, result, responseMode, redirectURI)
}

// supportedResponseType reports whether responseType is one of this
// endpoint's four supported values: the plain authorization_code grant's
// "code", and the three OIDC Core §3.3 hybrid combinations.
func supportedResponseType(responseType string) bool {
	switch responseType {
	case "code", "code id_token", "code token", "code id_token token":
		return true
	default:
		return false
	}
}

// defaultResponseMode is query for the plain code response type, and
// fragment for every hybrid combination — the same default OIDC Core
// §3.3 specifies for front-channel token delivery.
func defaultResponseMode(responseType string) string {
	if responseType == "code" {
		return "query"
	}
	return "fragment"
}

func (s *Server) respondFlowResult(w http.ResponseWriter, r *http.Request, sid string, result flow.Result, responseMode, redirectURI string) {
	switch result.Type {
	case flow.ResultRedirect:
		target := result.RedirectURL
		if target == "" {
			target = redirectURI
		}
		var extra url.Values
		if len(result.RedirectParams) > 0 {
			extra = url.Values{}
			for k, v := range result.RedirectParams {
				extra.Set(k, v)
			}
		}
		s.deliverAuthorizationResult(w, r, responseMode, target, extra)
	case flow.ResultError:
		code := "access_denied"
		desc := ""
		if result.Error != nil {
			code, desc = result.Error.Code, result.Error.Message
		}
		s.renderAuthorizeError(w, r, responseMode, code, desc, redirectURI)
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sid":        sid,
			"nodeId":     result.NodeID,
			"capability": result.Capability,
			"uiContract": result.UIContract,
		})
	}
}

// renderAuthorizeError delivers an OAuth2 error to redirectURI via
// responseMode when one is known, falling back to a direct JSON error body
// when it isn't (an unregistered client/redirect_uri must never be used to
// deliver an error).
func (s *Server) renderAuthorizeError(w http.ResponseWriter, r *http.Request, responseMode, code, desc, redirectURI string) {
	if redirectURI == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": code, "error_description": desc})
		return
	}
	q := url.Values{"error": {code}}
	if desc != "" {
		q.Set("error_description", desc)
	}
	s.deliverAuthorizationResult(w, r, responseMode, redirectURI, q)
}

// deliverAuthorizationResult renders the three response_mode deliveries
// RFC 6749 / the OAuth 2.0 Multiple Response Type extension define: query
// and fragment redirect the user agent, form_post auto-submits an HTML
// form carrying the same parameters — this repo's own addition, absent
// from dex entirely.
func (s *Server) deliverAuthorizationResult(w http.ResponseWriter, r *http.Request, responseMode, redirectURI string, extra url.Values) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, "invalid redirect_uri")
		return
	}
	if responseMode == "form_post" {
		params := extra
		if params == nil {
			params = u.Query()
		}
		renderFormPost(w, redirectURI, params)
		return
	}
	if extra != nil {
		merged := httphelp.MergeQuery(*u, extra)
		u = &merged
	}
	if responseMode == "fragment" {
		u.Fragment = u.Query().Encode()
		u.RawQuery = ""
	}
	http.Redirect(w, r, u.String(), http.StatusFound)
}
