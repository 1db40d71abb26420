package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/actor/memactor"
	"github.com/veriflow/veriflow/internal/clientreg"
	"github.com/veriflow/veriflow/internal/keyring"
	"github.com/veriflow/veriflow/internal/par"
	"github.com/veriflow/veriflow/pkg/log"
)

func testLogger() log.Logger {
	return log.NewLogrusLogger(logrus.New())
}

func testKeyRing(t *testing.T) *keyring.KeyRing {
	t.Helper()
	backend := memactor.New()
	return keyring.New(backend, "tenant-1", keyring.DefaultRotationStrategy(24*time.Hour, time.Hour), testLogger())
}

func testRegistry() *clientreg.Registry {
	source := clientreg.NewStaticSource([]clientreg.Client{
		{
			ID:                      "client-1",
			Public:                  true,
			RedirectURIs:            []string{"https://rp.example/cb"},
			AllowedGrantTypes:       []string{"authorization_code"},
			TokenEndpointAuthMethod: clientreg.AuthMethodNone,
		},
	})
	return clientreg.NewRegistry(source, time.Minute)
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	h, err := New(Config{
		Issuer:  "https://idp.example",
		Clients: testRegistry(),
		Keys:    testKeyRing(t),
		PAR:     par.New(memactor.New()),
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	return h
}

func TestDiscoveryDocumentServesIssuerMetadata(t *testing.T) {
	h := newTestServer(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"issuer": "https://idp.example"`)
	require.Contains(t, rr.Body.String(), `"authorization_endpoint"`)
}

func TestJWKSServesPublicKeySet(t *testing.T) {
	h := newTestServer(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/keys", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"keys"`)
}

func TestPARMintsRequestURI(t *testing.T) {
	h := newTestServer(t)
	form := url.Values{
		"client_id":     {"client-1"},
		"response_type": {"code"},
		"redirect_uri":  {"https://rp.example/cb"},
	}
	req := httptest.NewRequest(http.MethodPost, "/as/par", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Contains(t, rr.Body.String(), "urn:ietf:params:oauth:request_uri:")
}

func TestTokenEndpointRejectsNonPost(t *testing.T) {
	h := newTestServer(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/token", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestTokenEndpointUnconfiguredServiceIsServerError(t *testing.T) {
	h := newTestServer(t) // Config.Tokens left nil
	form := url.Values{"grant_type": {"authorization_code"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestAuthorizeRejectsUnregisteredRedirectURI(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/authorize?client_id=client-1&response_type=code&redirect_uri=https://evil.example/cb", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAuthorizeRejectsFragmentResponseModeForCode(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet,
		"/authorize?client_id=client-1&response_type=code&redirect_uri=https://rp.example/cb&response_mode=fragment", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "invalid_request", loc.Query().Get("error"))
}

func TestFormPostEscapesHTMLSignificantValues(t *testing.T) {
	rr := httptest.NewRecorder()
	renderFormPost(rr, "https://rp.example/cb", url.Values{
		"error_description": {`"><script>alert(1)</script>`},
	})
	body := rr.Body.String()
	require.NotContains(t, body, "<script>alert(1)</script>")
	require.Contains(t, body, "&lt;script&gt;")
}
