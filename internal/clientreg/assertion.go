package clientreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/sony/gobreaker"

	netutil "github.com/veriflow/veriflow/pkg/net"
)

// privateKeyJWTAllowedAlgs are the signature algorithms accepted on a
// client_assertion of type urn:ietf:params:oauth:client-assertion-type:jwt-bearer.
var privateKeyJWTAllowedAlgs = []jose.SignatureAlgorithm{jose.RS256, jose.PS256, jose.ES256, jose.ES384, jose.ES512}

// ClientAssertionClaims are the JWT claims a private_key_jwt client
// assertion must carry, per RFC 7523 §3.
type ClientAssertionClaims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	JTI       string `json:"jti"`
}

// JWKSFetcher resolves a client's verification keys, either from a
// statically registered JWKS or by fetching jwks_uri over the network.
// Fetches are SSRF-guarded and circuit-broken per jwks_uri so one
// misbehaving jwks_uri cannot stall authentication for every client.
type JWKSFetcher struct {
	httpClient *http.Client
	resolver   *net.Resolver

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewJWKSFetcher builds a fetcher using httpClient for outbound requests.
func NewJWKSFetcher(httpClient *http.Client) *JWKSFetcher {
	return &JWKSFetcher{
		httpClient: httpClient,
		resolver:   net.DefaultResolver,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// pinnedClient returns an http.Client that reuses f.httpClient's transport
// settings but dials only the addresses ResolvePublicHTTPSIPs already
// validated, closing the window between that check and this fetch where a
// rebinding DNS answer could otherwise redirect the connection internally.
func (f *JWKSFetcher) pinnedClient(ips []net.IP) *http.Client {
	transport := &http.Transport{DialContext: netutil.PinnedDialContext(ips)}
	if base, ok := f.httpClient.Transport.(*http.Transport); ok {
		transport = base.Clone()
		transport.DialContext = netutil.PinnedDialContext(ips)
	}
	return &http.Client{Transport: transport, Timeout: f.httpClient.Timeout}
}

func (f *JWKSFetcher) breakerFor(jwksURI string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[jwksURI]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "jwks:" + jwksURI,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	f.breakers[jwksURI] = b
	return b
}

// Fetch returns the client's verification keys, preferring a statically
// registered JWKS over a network fetch of jwks_uri.
func (f *JWKSFetcher) Fetch(ctx context.Context, c Client) (jose.JSONWebKeySet, error) {
	if c.JWKS != nil {
		return *c.JWKS, nil
	}
	if c.JWKSURI == "" {
		return jose.JSONWebKeySet{}, fmt.Errorf("clientreg: client %s has no jwks or jwks_uri", c.ID)
	}
	ips, err := netutil.ResolvePublicHTTPSIPs(ctx, f.resolver, c.JWKSURI)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("clientreg: jwks_uri rejected: %w", err)
	}

	breaker := f.breakerFor(c.JWKSURI)
	result, err := breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.JWKSURI, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.pinnedClient(ips).Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("jwks_uri returned status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		var jwks jose.JSONWebKeySet
		if err := json.Unmarshal(body, &jwks); err != nil {
			return nil, err
		}
		return jwks, nil
	})
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("clientreg: fetch jwks_uri for %s: %w", c.ID, err)
	}
	return result.(jose.JSONWebKeySet), nil
}

// VerifyClientAssertion verifies a private_key_jwt client_assertion against
// the client's verification keys and returns its claims. The caller is
// responsible for jti replay rejection and for checking aud matches the
// token endpoint.
func (f *JWKSFetcher) VerifyClientAssertion(ctx context.Context, c Client, assertion string, now time.Time) (ClientAssertionClaims, error) {
	jws, err := jose.ParseSigned(assertion, privateKeyJWTAllowedAlgs)
	if err != nil {
		return ClientAssertionClaims{}, fmt.Errorf("clientreg: parse client_assertion: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return ClientAssertionClaims{}, errors.New("clientreg: client_assertion must have exactly one signature")
	}

	jwks, err := f.Fetch(ctx, c)
	if err != nil {
		return ClientAssertionClaims{}, err
	}

	kid := jws.Signatures[0].Header.KeyID
	var payload []byte
	var verifyErr error
	matched := false
	for _, key := range jwks.Keys {
		if kid != "" && key.KeyID != kid {
			continue
		}
		matched = true
		payload, verifyErr = jws.Verify(key.Key)
		if verifyErr == nil {
			break
		}
	}
	if !matched {
		return ClientAssertionClaims{}, fmt.Errorf("clientreg: no matching key for kid %q", kid)
	}
	if verifyErr != nil {
		return ClientAssertionClaims{}, fmt.Errorf("clientreg: client_assertion signature invalid: %w", verifyErr)
	}

	var claims ClientAssertionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ClientAssertionClaims{}, fmt.Errorf("clientreg: client_assertion claims invalid: %w", err)
	}
	if claims.Issuer != c.ID || claims.Subject != c.ID {
		return ClientAssertionClaims{}, fmt.Errorf("clientreg: client_assertion iss/sub must equal client_id")
	}
	if now.After(time.Unix(claims.ExpiresAt, 0)) {
		return ClientAssertionClaims{}, fmt.Errorf("clientreg: client_assertion expired")
	}
	return claims, nil
}
