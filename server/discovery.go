package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// discovery is the OIDC discovery document, grounded on dex's
// server/handlers.go discovery struct, extended with the
// request/backchannel-authentication/PAR/introspection/revocation
// endpoints and PKCE/response_mode metadata the distilled spec adds.
type discovery struct {
	Issuer                             string   `json:"issuer"`
	Auth                               string   `json:"authorization_endpoint"`
	Token                              string   `json:"token_endpoint"`
	Keys                               string   `json:"jwks_uri"`
	UserInfo                           string   `json:"userinfo_endpoint"`
	DeviceEndpoint                     string   `json:"device_authorization_endpoint"`
	BackchannelAuthEndpoint            string   `json:"backchannel_authentication_endpoint"`
	IntrospectionEndpoint              string   `json:"introspection_endpoint"`
	RevocationEndpoint                 string   `json:"revocation_endpoint"`
	PushedAuthorizationRequestEndpoint string   `json:"pushed_authorization_request_endpoint"`
	GrantTypes                         []string `json:"grant_types_supported"`
	ResponseTypes                      []string `json:"response_types_supported"`
	ResponseModes                      []string `json:"response_modes_supported"`
	Subjects                           []string `json:"subject_types_supported"`
	IDTokenAlgs                        []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeAlgs                  []string `json:"code_challenge_methods_supported"`
	Scopes                             []string `json:"scopes_supported"`
	AuthMethods                        []string `json:"token_endpoint_auth_methods_supported"`
	Claims                             []string `json:"claims_supported"`
	BackchannelTokenDeliveryModes      []string `json:"backchannel_token_delivery_modes_supported"`
	RequirePushedAuthorizationRequests bool     `json:"require_pushed_authorization_requests"`
}

func (s *Server) absURL(p string) string {
	u := s.issuerURL
	u.Path = path.Join(u.Path, p)
	return u.String()
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	d := discovery{
		Issuer:                             s.issuerURL.String(),
		Auth:                               s.absURL("/authorize"),
		Token:                              s.absURL("/token"),
		Keys:                               s.absURL("/keys"),
		UserInfo:                           s.absURL("/userinfo"),
		DeviceEndpoint:                     s.absURL("/device_authorization"),
		BackchannelAuthEndpoint:            s.absURL("/bc-authorize"),
		IntrospectionEndpoint:              s.absURL("/introspect"),
		RevocationEndpoint:                 s.absURL("/revoke"),
		PushedAuthorizationRequestEndpoint: s.absURL("/as/par"),
		ResponseTypes:                      []string{"code", "code id_token", "code token", "code id_token token"},
		ResponseModes:                      []string{"query", "fragment", "form_post"},
		GrantTypes: []string{
			"authorization_code", "refresh_token", "client_credentials",
			"urn:ietf:params:oauth:grant-type:device_code",
			"urn:openid:params:grant-type:ciba",
			"urn:ietf:params:oauth:grant-type:token-exchange",
		},
		Subjects:                      []string{"public"},
		IDTokenAlgs:                   []string{string(jose.RS256)},
		CodeChallengeAlgs:             []string{"S256", "plain"},
		Scopes:                        []string{"openid", "email", "profile", "offline_access"},
		AuthMethods:                   []string{"client_secret_basic", "client_secret_post", "private_key_jwt", "none"},
		BackchannelTokenDeliveryModes: []string{"poll", "ping"},
		Claims: []string{
			"iss", "sub", "aud", "iat", "exp", "auth_time", "acr", "amr",
			"email", "email_verified", "name", "preferred_username", "at_hash", "c_hash",
		},
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, fmt.Sprintf("marshal discovery: %v", err))
		return
	}
	w.Header().Set("Cache-Control", "max-age=3600, must-revalidate")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Keys == nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, "no key ring configured")
		return
	}
	jwks, nextRotation, err := s.cfg.Keys.PublicJWKS(r.Context())
	if err != nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, fmt.Sprintf("load jwks: %v", err))
		return
	}
	data, err := json.Marshal(jwks)
	if err != nil {
		renderServerError(s.logger, w, http.StatusInternalServerError, fmt.Sprintf("marshal jwks: %v", err))
		return
	}
	maxAge := nextRotation
	if maxAge < 2*time.Minute {
		maxAge = 2 * time.Minute
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d, must-revalidate", int(maxAge.Seconds())))
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
