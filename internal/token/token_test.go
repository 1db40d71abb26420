package token

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/actor/memactor"
	"github.com/veriflow/veriflow/internal/authcode"
	"github.com/veriflow/veriflow/internal/ciba"
	"github.com/veriflow/veriflow/internal/clientreg"
	"github.com/veriflow/veriflow/internal/device"
)

func newTestService(t *testing.T, clients []clientreg.Client, opts ...Option) (*Service, *authcode.Store, *RefreshStore) {
	t.Helper()
	backend := memactor.New()

	registry := clientreg.NewRegistry(clientreg.NewStaticSource(clients), time.Minute)
	jwks := clientreg.NewJWKSFetcher(http.DefaultClient)
	auth := clientreg.NewAuthenticator(registry, jwks, "https://idp.example.com/token")

	signer := NewSigner(newTestKeyRing(t), "https://idp.example.com")
	revoked := NewRevokedSet(backend)
	codes := authcode.New(backend, time.Minute, 0)
	refresh := NewRefreshStore(backend, time.Hour)

	allOpts := append([]Option{WithRefreshTokens(refresh)}, opts...)
	svc := NewService(auth, signer, revoked, codes, "https://idp.example.com", time.Minute, allOpts...)
	return svc, codes, refresh
}

func publicClient(id string, grants ...string) clientreg.Client {
	return clientreg.Client{
		ID: id, Public: true, RedirectURIs: []string{"https://client.example.com/cb"},
		AllowedGrantTypes:       grants,
		TokenEndpointAuthMethod: clientreg.AuthMethodNone,
	}
}

func TestHandleAuthorizationCodeIssuesTokens(t *testing.T) {
	svc, codes, _ := newTestService(t, []clientreg.Client{
		publicClient("client-a", GrantAuthorizationCode),
	})
	ctx := context.Background()

	code, err := codes.Issue(ctx, authcode.MintRequest{
		ClientID: "client-a", RedirectURI: "https://client.example.com/cb",
		Scopes: []string{"openid", "profile"}, UserID: "user-1",
		Claims: authcode.Claims{Subject: "user-1"},
	})
	require.NoError(t, err)

	resp, tokErr := svc.Handle(ctx, Request{
		GrantType: GrantAuthorizationCode, ClientID: "client-a",
		Code: code, RedirectURI: "https://client.example.com/cb",
	})
	require.Nil(t, tokErr)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.IDToken)
	require.Equal(t, "Bearer", resp.TokenType)
}

func TestHandleAuthorizationCodeRejectsRedirectURIMismatch(t *testing.T) {
	svc, codes, _ := newTestService(t, []clientreg.Client{
		publicClient("client-a", GrantAuthorizationCode),
	})
	ctx := context.Background()

	code, err := codes.Issue(ctx, authcode.MintRequest{
		ClientID: "client-a", RedirectURI: "https://client.example.com/cb",
		Claims: authcode.Claims{Subject: "user-1"},
	})
	require.NoError(t, err)

	_, tokErr := svc.Handle(ctx, Request{
		GrantType: GrantAuthorizationCode, ClientID: "client-a",
		Code: code, RedirectURI: "https://evil.example.com/cb",
	})
	require.NotNil(t, tokErr)
	require.Equal(t, ErrInvalidGrant, tokErr.Code)
}

func TestHandleAuthorizationCodeReplayRevokesFirstConsumptionTokens(t *testing.T) {
	svc, codes, refresh := newTestService(t, []clientreg.Client{
		publicClient("client-a", GrantAuthorizationCode),
	})
	ctx := context.Background()

	code, err := codes.Issue(ctx, authcode.MintRequest{
		ClientID: "client-a", RedirectURI: "https://client.example.com/cb",
		Scopes: []string{"openid", "offline_access"}, Claims: authcode.Claims{Subject: "user-1"},
	})
	require.NoError(t, err)

	first, tokErr := svc.Handle(ctx, Request{
		GrantType: GrantAuthorizationCode, ClientID: "client-a",
		Code: code, RedirectURI: "https://client.example.com/cb",
	})
	require.Nil(t, tokErr)
	require.NotEmpty(t, first.RefreshToken)

	_, tokErr = svc.Handle(ctx, Request{
		GrantType: GrantAuthorizationCode, ClientID: "client-a",
		Code: code, RedirectURI: "https://client.example.com/cb",
	})
	require.NotNil(t, tokErr)
	require.Equal(t, ErrInvalidGrant, tokErr.Code)

	// The refresh token the first (legitimate) consumption minted must now
	// be dead, since the replay revoked its whole family.
	_, _, rotErr := refresh.Rotate(ctx, first.RefreshToken)
	require.Error(t, rotErr)
}

func TestHandleRefreshTokenRotatesAndDetectsReuse(t *testing.T) {
	svc, _, refresh := newTestService(t, []clientreg.Client{
		publicClient("client-a", GrantAuthorizationCode, GrantRefreshToken),
	})
	ctx := context.Background()

	first, err := refresh.Issue(ctx, RefreshClaims{Subject: "user-1", ClientID: "client-a", Scopes: []string{"openid"}})
	require.NoError(t, err)

	resp, tokErr := svc.Handle(ctx, Request{
		GrantType: GrantRefreshToken, ClientID: "client-a", RefreshToken: first,
	})
	require.Nil(t, tokErr)
	require.NotEmpty(t, resp.RefreshToken)
	require.NotEqual(t, first, resp.RefreshToken)

	_, tokErr = svc.Handle(ctx, Request{
		GrantType: GrantRefreshToken, ClientID: "client-a", RefreshToken: first,
	})
	require.NotNil(t, tokErr)
	require.Equal(t, ErrInvalidGrant, tokErr.Code)
}

func TestHandleRefreshTokenRejectsScopeBroadening(t *testing.T) {
	svc, _, refresh := newTestService(t, []clientreg.Client{
		publicClient("client-a", GrantRefreshToken),
	})
	ctx := context.Background()

	first, err := refresh.Issue(ctx, RefreshClaims{Subject: "user-1", ClientID: "client-a", Scopes: []string{"openid"}})
	require.NoError(t, err)

	_, tokErr := svc.Handle(ctx, Request{
		GrantType: GrantRefreshToken, ClientID: "client-a", RefreshToken: first, Scope: "openid admin",
	})
	require.NotNil(t, tokErr)
	require.Equal(t, ErrInvalidScope, tokErr.Code)
}

func TestHandleClientCredentialsRejectsPublicClients(t *testing.T) {
	svc, _, _ := newTestService(t, []clientreg.Client{
		publicClient("client-a", GrantClientCredentials),
	})
	_, tokErr := svc.Handle(context.Background(), Request{GrantType: GrantClientCredentials, ClientID: "client-a"})
	require.NotNil(t, tokErr)
	require.Equal(t, ErrUnauthorizedClient, tokErr.Code)
}

func TestHandleUnsupportedGrantType(t *testing.T) {
	svc, _, _ := newTestService(t, []clientreg.Client{
		publicClient("client-a", "some_unknown_grant"),
	})
	_, tokErr := svc.Handle(context.Background(), Request{GrantType: "some_unknown_grant", ClientID: "client-a"})
	require.NotNil(t, tokErr)
	require.Equal(t, ErrUnsupportedGrantType, tokErr.Code)
}

func TestHandleDeviceCodePendingReturnsAuthorizationPending(t *testing.T) {
	devices := device.New(memactor.New(), time.Minute)
	svc, _, _ := newTestService(t, []clientreg.Client{
		publicClient("client-a", GrantDeviceCode),
	}, WithDeviceGrant(devices))
	ctx := context.Background()

	deviceCode, _, err := devices.Issue(ctx, "client-a", []string{"openid"}, time.Hour)
	require.NoError(t, err)

	_, tokErr := svc.Handle(ctx, Request{GrantType: GrantDeviceCode, ClientID: "client-a", DeviceCode: deviceCode})
	require.NotNil(t, tokErr)
	require.Equal(t, ErrAuthorizationPending, tokErr.Code)
}

func TestHandleDeviceCodeExpiredMapsToExpiredToken(t *testing.T) {
	devices := device.New(memactor.New(), time.Minute)
	svc, _, _ := newTestService(t, []clientreg.Client{
		publicClient("client-a", GrantDeviceCode),
	}, WithDeviceGrant(devices))

	_, tokErr := svc.Handle(context.Background(), Request{GrantType: GrantDeviceCode, ClientID: "client-a", DeviceCode: "never-issued"})
	require.NotNil(t, tokErr)
	require.Equal(t, ErrExpiredToken, tokErr.Code)
}

func TestHandleDeviceCodeApprovedIssuesTokens(t *testing.T) {
	devices := device.New(memactor.New(), time.Minute)
	svc, _, _ := newTestService(t, []clientreg.Client{
		publicClient("client-a", GrantDeviceCode),
	}, WithDeviceGrant(devices))
	ctx := context.Background()

	deviceCode, _, err := devices.Issue(ctx, "client-a", []string{"openid"}, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, devices.Approve(ctx, deviceCode, "user-1", "user-1"))

	resp, tokErr := svc.Handle(ctx, Request{GrantType: GrantDeviceCode, ClientID: "client-a", DeviceCode: deviceCode})
	require.Nil(t, tokErr)
	require.NotEmpty(t, resp.AccessToken)
}

func TestHandleCIBAApprovedIssuesTokens(t *testing.T) {
	store := ciba.New(memactor.New(), time.Minute)
	svc, _, _ := newTestService(t, []clientreg.Client{
		publicClient("client-a", GrantCIBA),
	}, WithCIBA(store))
	ctx := context.Background()

	authReqID, err := store.Issue(ctx, ciba.Request{ClientID: "client-a", Scopes: []string{"openid"}, Interval: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, store.Approve(ctx, authReqID, "user-1"))

	resp, tokErr := svc.Handle(ctx, Request{GrantType: GrantCIBA, ClientID: "client-a", AuthReqID: authReqID})
	require.Nil(t, tokErr)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.IDToken)
}

func TestHandleTokenExchangeImpersonatesTrustedPeer(t *testing.T) {
	backend := memactor.New()
	registry := clientreg.NewRegistry(clientreg.NewStaticSource([]clientreg.Client{
		{ID: "original", Public: true, TokenEndpointAuthMethod: clientreg.AuthMethodNone,
			AllowedGrantTypes: []string{GrantAuthorizationCode}},
		{ID: "peer", Public: true, TokenEndpointAuthMethod: clientreg.AuthMethodNone,
			AllowedGrantTypes: []string{GrantTokenExchange}, TrustedPeers: []string{"original"}},
	}), time.Minute)
	jwks := clientreg.NewJWKSFetcher(http.DefaultClient)
	auth := clientreg.NewAuthenticator(registry, jwks, "https://idp.example.com/token")
	signer := NewSigner(newTestKeyRing(t), "https://idp.example.com")
	revoked := NewRevokedSet(backend)
	codes := authcode.New(backend, time.Minute, 0)
	svc := NewService(auth, signer, revoked, codes, "https://idp.example.com", time.Minute)
	ctx := context.Background()

	subjectToken, _, err := signer.IssueAccessToken(ctx, AccessTokenClaims{
		Subject: "user-1", ClientID: "original", Scope: "openid",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	resp, tokErr := svc.Handle(ctx, Request{
		GrantType: GrantTokenExchange, ClientID: "peer",
		SubjectToken: subjectToken, SubjectTokenType: subjectTokenTypeAccessToken,
	})
	require.Nil(t, tokErr)
	require.NotEmpty(t, resp.AccessToken)
}

func TestHandleTokenExchangeRejectsUntrustedPeer(t *testing.T) {
	backend := memactor.New()
	registry := clientreg.NewRegistry(clientreg.NewStaticSource([]clientreg.Client{
		{ID: "original", Public: true, TokenEndpointAuthMethod: clientreg.AuthMethodNone,
			AllowedGrantTypes: []string{GrantAuthorizationCode}},
		{ID: "stranger", Public: true, TokenEndpointAuthMethod: clientreg.AuthMethodNone,
			AllowedGrantTypes: []string{GrantTokenExchange}},
	}), time.Minute)
	jwks := clientreg.NewJWKSFetcher(http.DefaultClient)
	auth := clientreg.NewAuthenticator(registry, jwks, "https://idp.example.com/token")
	signer := NewSigner(newTestKeyRing(t), "https://idp.example.com")
	revoked := NewRevokedSet(backend)
	codes := authcode.New(backend, time.Minute, 0)
	svc := NewService(auth, signer, revoked, codes, "https://idp.example.com", time.Minute)
	ctx := context.Background()

	subjectToken, _, err := signer.IssueAccessToken(ctx, AccessTokenClaims{
		Subject: "user-1", ClientID: "original", ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, tokErr := svc.Handle(ctx, Request{
		GrantType: GrantTokenExchange, ClientID: "stranger",
		SubjectToken: subjectToken, SubjectTokenType: subjectTokenTypeAccessToken,
	})
	require.NotNil(t, tokErr)
	require.Equal(t, ErrInvalidGrant, tokErr.Code)
}
