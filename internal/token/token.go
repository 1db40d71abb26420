package token

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/veriflow/veriflow/internal/actor/idgen"
	"github.com/veriflow/veriflow/internal/authcode"
	"github.com/veriflow/veriflow/internal/ciba"
	"github.com/veriflow/veriflow/internal/clientreg"
	"github.com/veriflow/veriflow/internal/device"
)

// Grant type identifiers the token endpoint dispatches on.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantCIBA              = "urn:openid:params:grant-type:ciba"
	GrantTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"
)

// Request is one token-endpoint request, already form-decoded by the HTTP
// layer; exactly the fields the presented grant_type needs are read.
type Request struct {
	GrantType    string
	ClientID     string
	Credential   clientreg.Credential
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	DeviceCode   string
	AuthReqID    string
	DPoPJKT      string // thumbprint of the DPoP proof's key, when the request carried one

	// SubjectToken/SubjectTokenType are RFC 8693 token-exchange inputs.
	SubjectToken     string
	SubjectTokenType string
	Audience         string
}

// Response is a successful token-endpoint response.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Service dispatches token-endpoint requests to the grant handler their
// grant_type names, authenticating the client first and mapping every
// grant-specific sentinel error onto the RFC 6749 §5.2 vocabulary the HTTP
// layer renders verbatim.
type Service struct {
	auth    *clientreg.Authenticator
	signer  *Signer
	revoked *RevokedSet
	codes   *authcode.Store
	refresh *RefreshStore
	devices *device.Store
	ciba    *ciba.Store

	issuer         string
	accessTokenTTL time.Duration
	now            func() time.Time
}

// Option configures optional Service dependencies; grants whose backing
// store is nil respond unsupported_grant_type instead of panicking, so a
// deployment that only needs the authorization-code grant can wire just
// that much.
type Option func(*Service)

// WithRefreshTokens enables the refresh_token grant.
func WithRefreshTokens(store *RefreshStore) Option {
	return func(s *Service) { s.refresh = store }
}

// WithDeviceGrant enables the device_code grant.
func WithDeviceGrant(store *device.Store) Option {
	return func(s *Service) { s.devices = store }
}

// WithCIBA enables the CIBA grant.
func WithCIBA(store *ciba.Store) Option {
	return func(s *Service) { s.ciba = store }
}

// NewService builds a Service. auth authenticates the client,
// signer/revoked back every grant's token issuance and jti revocation
// check, codes backs authorization_code, issuer is this server's iss
// claim, and accessTokenTTL bounds how long a minted access token lives.
func NewService(auth *clientreg.Authenticator, signer *Signer, revoked *RevokedSet, codes *authcode.Store, issuer string, accessTokenTTL time.Duration, opts ...Option) *Service {
	s := &Service{
		auth:           auth,
		signer:         signer,
		revoked:        revoked,
		codes:          codes,
		issuer:         issuer,
		accessTokenTTL: accessTokenTTL,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle authenticates req's client and dispatches to the grant handler
// req.GrantType names.
func (s *Service) Handle(ctx context.Context, req Request) (*Response, *Error) {
	client, err := s.auth.Authenticate(ctx, req.ClientID, req.Credential, s.now())
	if err != nil {
		return nil, newError(ErrInvalidClient, "client authentication failed")
	}
	if !client.AllowsGrantType(req.GrantType) {
		return nil, newError(ErrUnauthorizedClient, "client is not authorized for grant_type %q", req.GrantType)
	}

	switch req.GrantType {
	case GrantAuthorizationCode:
		return s.handleAuthorizationCode(ctx, client, req)
	case GrantRefreshToken:
		return s.handleRefreshToken(ctx, client, req)
	case GrantClientCredentials:
		return s.handleClientCredentials(ctx, client, req)
	case GrantDeviceCode:
		return s.handleDeviceCode(ctx, client, req)
	case GrantCIBA:
		return s.handleCIBA(ctx, client, req)
	case GrantTokenExchange:
		return s.handleTokenExchange(ctx, client, req)
	default:
		return nil, newError(ErrUnsupportedGrantType, "unsupported grant_type %q", req.GrantType)
	}
}

func (s *Service) handleAuthorizationCode(ctx context.Context, client clientreg.Client, req Request) (*Response, *Error) {
	if s.codes == nil {
		return nil, newError(ErrUnsupportedGrantType, "authorization_code grant is not enabled")
	}

	// The code's replay-revocation record must name the token identifiers
	// Consume is about to bind to it, so both are minted before Consume is
	// called rather than after: an access token jti outright, and a refresh
	// family id reserved on spec even though whether it's ever used depends
	// on scopes only Consume's result reveals.
	accessJTI := idgen.NewID()
	refreshFamilyID := idgen.NewID()

	result, err := s.codes.Consume(ctx, authcode.ConsumeRequest{
		Code:         req.Code,
		ClientID:     client.ID,
		CodeVerifier: req.CodeVerifier,
		Issued:       authcode.IssuedTokens{AccessTokenJTI: accessJTI, RefreshTokenJTI: refreshFamilyID},
	})
	if err != nil {
		var replay *authcode.ReplayRevocation
		if errors.As(err, &replay) {
			s.revokeIssued(ctx, replay.Issued)
		}
		return nil, newError(ErrInvalidGrant, "authorization code is invalid, expired, or already used")
	}
	if result.RedirectURI != req.RedirectURI {
		return nil, newError(ErrInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if result.DPoPJKT != "" && result.DPoPJKT != req.DPoPJKT {
		return nil, newError(ErrInvalidDPoPProof, "DPoP proof key does not match the key the authorization code was bound to")
	}

	now := s.now()
	accessToken, _, err := s.signer.IssueAccessToken(ctx, AccessTokenClaims{
		Subject:   result.Claims.Subject,
		Audience:  client.ID,
		ClientID:  client.ID,
		Scope:     strings.Join(result.Scopes, " "),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.accessTokenTTL).Unix(),
		JTI:       accessJTI,
		CNFJKT:    result.DPoPJKT,
	})
	if err != nil {
		return nil, newError(ErrServerError, "failed to issue access token")
	}

	resp := &Response{
		AccessToken: accessToken,
		TokenType:   tokenType(result.DPoPJKT),
		ExpiresIn:   ExpirySeconds(now.Add(s.accessTokenTTL), now),
		Scope:       strings.Join(result.Scopes, " "),
	}

	if s.refresh != nil && hasOfflineAccess(result.Scopes) {
		refreshToken, rtErr := s.refresh.IssueInFamily(ctx, refreshFamilyID, RefreshClaims{
			Subject:  result.Claims.Subject,
			ClientID: client.ID,
			Scopes:   result.Scopes,
			ACR:      result.Claims.ACR,
			AMR:      result.Claims.AMR,
			AuthTime: result.Claims.AuthTime.Unix(),
			SID:      result.Claims.SID,
			CNFJKT:   result.DPoPJKT,
		})
		if rtErr == nil {
			resp.RefreshToken = refreshToken
		}
	}

	if hasOpenIDScope(result.Scopes) {
		// c_hash only binds the code into the ID token for the hybrid
		// response types (OIDC Core §3.3); a plain response_type=code
		// exchange never delivered an id_token alongside the code, so
		// there is nothing for c_hash to bind.
		var codeForHash string
		if responseTypeHasIDToken(result.ResponseType) {
			codeForHash = req.Code
		}
		idToken, idErr := s.signer.IssueIDToken(ctx, IDTokenClaims{
			Subject:   result.Claims.Subject,
			Audience:  client.ID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(s.accessTokenTTL).Unix(),
			Nonce:     result.Nonce,
			AuthTime:  result.Claims.AuthTime.Unix(),
			ACR:       result.Claims.ACR,
			AMR:       result.Claims.AMR,
			SID:       result.Claims.SID,
		}, accessToken, codeForHash)
		if idErr == nil {
			resp.IDToken = idToken
		}
	}

	return resp, nil
}

// responseTypeHasIDToken reports whether responseType's space-delimited
// set names id_token, the marker for a hybrid authorization request.
func responseTypeHasIDToken(responseType string) bool {
	for _, p := range strings.Fields(responseType) {
		if p == "id_token" {
			return true
		}
	}
	return false
}

func (s *Service) handleRefreshToken(ctx context.Context, client clientreg.Client, req Request) (*Response, *Error) {
	if s.refresh == nil {
		return nil, newError(ErrUnsupportedGrantType, "refresh_token grant is not enabled")
	}

	newRefreshToken, claims, err := s.refresh.Rotate(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshReused) {
			return nil, newError(ErrInvalidGrant, "refresh token reuse detected; the token family has been revoked")
		}
		return nil, newError(ErrInvalidGrant, "refresh token is invalid or expired")
	}
	if claims.ClientID != client.ID {
		return nil, newError(ErrInvalidGrant, "refresh token was not issued to this client")
	}
	if claims.CNFJKT != "" && claims.CNFJKT != req.DPoPJKT {
		return nil, newError(ErrInvalidDPoPProof, "DPoP proof key does not match the key the refresh token was bound to")
	}

	scopes := claims.Scopes
	if req.Scope != "" {
		narrowed, ok := narrowScopes(scopes, strings.Fields(req.Scope))
		if !ok {
			return nil, newError(ErrInvalidScope, "requested scope exceeds the refresh token's original grant")
		}
		scopes = narrowed
	}

	now := s.now()
	accessToken, _, err := s.signer.IssueAccessToken(ctx, AccessTokenClaims{
		Subject:   claims.Subject,
		Audience:  client.ID,
		ClientID:  client.ID,
		Scope:     strings.Join(scopes, " "),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.accessTokenTTL).Unix(),
		CNFJKT:    claims.CNFJKT,
	})
	if err != nil {
		return nil, newError(ErrServerError, "failed to issue access token")
	}

	resp := &Response{
		AccessToken:  accessToken,
		TokenType:    tokenType(claims.CNFJKT),
		ExpiresIn:    ExpirySeconds(now.Add(s.accessTokenTTL), now),
		RefreshToken: newRefreshToken,
		Scope:        strings.Join(scopes, " "),
	}

	if hasOpenIDScope(scopes) {
		idToken, idErr := s.signer.IssueIDToken(ctx, IDTokenClaims{
			Subject:   claims.Subject,
			Audience:  client.ID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(s.accessTokenTTL).Unix(),
			AuthTime:  claims.AuthTime,
			ACR:       claims.ACR,
			AMR:       claims.AMR,
			SID:       claims.SID,
		}, accessToken, "")
		if idErr == nil {
			resp.IDToken = idToken
		}
	}

	return resp, nil
}

func (s *Service) handleClientCredentials(ctx context.Context, client clientreg.Client, req Request) (*Response, *Error) {
	if client.Public {
		return nil, newError(ErrUnauthorizedClient, "public clients may not use client_credentials")
	}

	scopes := strings.Fields(req.Scope)
	now := s.now()
	accessToken, _, err := s.signer.IssueAccessToken(ctx, AccessTokenClaims{
		Audience:  client.ID,
		ClientID:  client.ID,
		Scope:     strings.Join(scopes, " "),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.accessTokenTTL).Unix(),
	})
	if err != nil {
		return nil, newError(ErrServerError, "failed to issue access token")
	}

	return &Response{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   ExpirySeconds(now.Add(s.accessTokenTTL), now),
		Scope:       strings.Join(scopes, " "),
	}, nil
}

func (s *Service) handleDeviceCode(ctx context.Context, client clientreg.Client, req Request) (*Response, *Error) {
	if s.devices == nil {
		return nil, newError(ErrUnsupportedGrantType, "device_code grant is not enabled")
	}

	polled, err := s.devices.Poll(ctx, req.DeviceCode, client.ID)
	if err != nil {
		return nil, s.mapPollError(err,
			device.ErrNotFound, device.ErrAuthorizationPending, device.ErrSlowDown,
			device.ErrAccessDenied, device.ErrAlreadyIssued)
	}

	now := s.now()
	accessToken, _, signErr := s.signer.IssueAccessToken(ctx, AccessTokenClaims{
		Subject:   polled.Subject,
		Audience:  client.ID,
		ClientID:  client.ID,
		Scope:     strings.Join(polled.Scopes, " "),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.accessTokenTTL).Unix(),
	})
	if signErr != nil {
		return nil, newError(ErrServerError, "failed to issue access token")
	}

	resp := &Response{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   ExpirySeconds(now.Add(s.accessTokenTTL), now),
		Scope:       strings.Join(polled.Scopes, " "),
	}
	if s.refresh != nil && hasOfflineAccess(polled.Scopes) {
		refreshToken, rtErr := s.refresh.Issue(ctx, RefreshClaims{
			Subject:  polled.Subject,
			ClientID: client.ID,
			Scopes:   polled.Scopes,
		})
		if rtErr == nil {
			resp.RefreshToken = refreshToken
		}
	}
	return resp, nil
}

func (s *Service) handleCIBA(ctx context.Context, client clientreg.Client, req Request) (*Response, *Error) {
	if s.ciba == nil {
		return nil, newError(ErrUnsupportedGrantType, "CIBA grant is not enabled")
	}

	polled, err := s.ciba.Poll(ctx, req.AuthReqID, client.ID)
	if err != nil {
		return nil, s.mapPollError(err,
			ciba.ErrNotFound, ciba.ErrAuthorizationPending, ciba.ErrSlowDown,
			ciba.ErrAccessDenied, ciba.ErrAlreadyIssued)
	}

	now := s.now()
	accessToken, _, signErr := s.signer.IssueAccessToken(ctx, AccessTokenClaims{
		Subject:   polled.Subject,
		Audience:  client.ID,
		ClientID:  client.ID,
		Scope:     strings.Join(polled.Scopes, " "),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.accessTokenTTL).Unix(),
	})
	if signErr != nil {
		return nil, newError(ErrServerError, "failed to issue access token")
	}

	resp := &Response{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   ExpirySeconds(now.Add(s.accessTokenTTL), now),
		Scope:       strings.Join(polled.Scopes, " "),
	}
	if hasOpenIDScope(polled.Scopes) {
		idToken, idErr := s.signer.IssueIDToken(ctx, IDTokenClaims{
			Subject:   polled.Subject,
			Audience:  client.ID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(s.accessTokenTTL).Unix(),
		}, accessToken, "")
		if idErr == nil {
			resp.IDToken = idToken
		}
	}
	return resp, nil
}

const subjectTokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

// handleTokenExchange implements the minimal RFC 8693 subset spec.md §4.9
// calls for: verify the presented subject_token was issued by this server
// and is not revoked, then mint a new access token audienced to the
// requesting (impersonating) client, or to the request's audience value
// when one is given, provided the subject token's own client is on the
// requesting client's trusted-peer list. The audience value itself is not
// checked against any client's trusted peers.
func (s *Service) handleTokenExchange(ctx context.Context, client clientreg.Client, req Request) (*Response, *Error) {
	if req.SubjectTokenType != "" && req.SubjectTokenType != subjectTokenTypeAccessToken {
		return nil, newError(ErrInvalidRequest, "unsupported subject_token_type %q", req.SubjectTokenType)
	}
	if req.SubjectToken == "" {
		return nil, newError(ErrInvalidRequest, "subject_token is required")
	}

	subjectClaims, err := s.signer.VerifyAccessToken(ctx, req.SubjectToken)
	if err != nil {
		return nil, newError(ErrInvalidGrant, "subject_token failed signature verification")
	}

	now := s.now()
	if subjectClaims.ExpiresAt != 0 && now.Unix() > subjectClaims.ExpiresAt {
		return nil, newError(ErrInvalidGrant, "subject_token has expired")
	}
	if revoked, err := s.revoked.IsRevoked(ctx, subjectClaims.JTI); err == nil && revoked {
		return nil, newError(ErrInvalidGrant, "subject_token has been revoked")
	}

	originalClient := subjectClaims.ClientID
	audience := client.ID
	if req.Audience != "" {
		audience = req.Audience
	}
	if originalClient != client.ID && !client.TrustsPeer(originalClient) {
		return nil, newError(ErrInvalidGrant, "the subject token's original client is not a trusted peer of this client")
	}

	scopes := strings.Fields(subjectClaims.Scope)
	accessToken, _, signErr := s.signer.IssueAccessToken(ctx, AccessTokenClaims{
		Subject:   subjectClaims.Subject,
		Audience:  audience,
		ClientID:  client.ID,
		Scope:     strings.Join(scopes, " "),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.accessTokenTTL).Unix(),
	})
	if signErr != nil {
		return nil, newError(ErrServerError, "failed to issue access token")
	}

	return &Response{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   ExpirySeconds(now.Add(s.accessTokenTTL), now),
		Scope:       strings.Join(scopes, " "),
	}, nil
}

// mapPollError maps a device/CIBA poll sentinel onto the RFC 6749/RFC 8628
// token-endpoint error code it represents. notFound maps to expired_token:
// the actor TTL mechanism can't distinguish a request that never existed
// from one whose TTL already elapsed, and RFC 8628 treats both as the
// device/auth-req code having expired.
func (s *Service) mapPollError(err error, notFound, pending, slowDown, denied, alreadyIssued error) *Error {
	switch {
	case errors.Is(err, notFound):
		return newError(ErrExpiredToken, "device or authentication request has expired")
	case errors.Is(err, pending):
		return newError(ErrAuthorizationPending, "end-user authorization is still pending")
	case errors.Is(err, slowDown):
		return newError(ErrSlowDown, "polling interval exceeded; back off")
	case errors.Is(err, denied):
		return newError(ErrAccessDenied, "end-user denied the request")
	case errors.Is(err, alreadyIssued):
		return newError(ErrInvalidGrant, "tokens for this request were already issued")
	default:
		return newError(ErrServerError, "unexpected error: %v", err)
	}
}

func (s *Service) revokeIssued(ctx context.Context, issued authcode.IssuedTokens) {
	if issued.AccessTokenJTI != "" {
		_ = s.revoked.Revoke(ctx, issued.AccessTokenJTI, s.accessTokenTTL)
	}
	if issued.RefreshTokenJTI != "" && s.refresh != nil {
		_ = s.refresh.RevokeFamily(ctx, issued.RefreshTokenJTI)
	}
}

func tokenType(dpopJKT string) string {
	if dpopJKT != "" {
		return "DPoP"
	}
	return "Bearer"
}

func hasOpenIDScope(scopes []string) bool {
	for _, sc := range scopes {
		if sc == "openid" {
			return true
		}
	}
	return false
}

func hasOfflineAccess(scopes []string) bool {
	for _, sc := range scopes {
		if sc == "offline_access" {
			return true
		}
	}
	return false
}

// narrowScopes validates that every scope in requested is present in
// granted, returning the narrowed set; a refresh token may only narrow its
// original grant, per RFC 6749 §6, never broaden it.
func narrowScopes(granted, requested []string) ([]string, bool) {
	grantedSet := make(map[string]struct{}, len(granted))
	for _, sc := range granted {
		grantedSet[sc] = struct{}{}
	}
	for _, sc := range requested {
		if _, ok := grantedSet[sc]; !ok {
			return nil, false
		}
	}
	return requested, true
}
