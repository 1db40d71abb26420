// Package net provides small URL-handling helpers shared by the client
// registry, PAR store, and authorization endpoint.
package net

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URLEqual checks two urls for equality using only the host and path portions.
func URLEqual(url1, url2 string) bool {
	u1, err := url.Parse(url1)
	if err != nil {
		return false
	}
	u2, err := url.Parse(url2)
	if err != nil {
		return false
	}

	return strings.ToLower(u1.Host+u1.Path) == strings.ToLower(u2.Host+u2.Path)
}

// disallowedTLDs blocks resolver results and hostnames under TLDs that are
// reserved for internal/private use and must never be treated as a public
// jwks_uri or webhook target.
var disallowedTLDs = []string{
	".internal",
	".local",
	".localhost",
	".home.arpa",
}

// CheckPublicHTTPSURL validates that rawURL is safe to fetch as a remote
// jwks_uri, webhook, or CIBA client_notification_endpoint: it must be
// HTTPS, on port 443 (explicit or implied), not an internal TLD, and must
// not resolve to a private, loopback, or link-local address. This is the
// SSRF guard required by spec.md C7/C12 for any outbound fetch driven by
// client-supplied or client-registered URLs.
//
// This check alone only protects a caller that fetches in the same breath:
// a caller that checks now and dials later is open to DNS rebinding (the
// name resolves to a public address here, then to an internal one at fetch
// time). ResolvePublicHTTPSIPs does the same validation and also hands back
// the validated addresses, so the later fetch can be pinned to one of them
// instead of re-resolving — see PinnedDialContext.
func CheckPublicHTTPSURL(ctx context.Context, resolver *net.Resolver, rawURL string) error {
	_, err := ResolvePublicHTTPSIPs(ctx, resolver, rawURL)
	return err
}

// ResolvePublicHTTPSIPs validates rawURL exactly as CheckPublicHTTPSURL does
// and returns the resolved, validated addresses for the caller to pin its
// subsequent connection to.
func ResolvePublicHTTPSIPs(ctx context.Context, resolver *net.Resolver, rawURL string) ([]net.IP, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("malformed url: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("url must use https")
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("url has no host")
	}
	if port := u.Port(); port != "" && port != "443" {
		return nil, fmt.Errorf("url must use port 443")
	}

	lower := strings.ToLower(host)
	for _, tld := range disallowedTLDs {
		if strings.HasSuffix(lower, tld) {
			return nil, fmt.Errorf("host %q uses a disallowed internal TLD", host)
		}
	}

	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve host: %w", err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("host %q did not resolve to any address", host)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if isDisallowedIP(addr.IP) {
			return nil, fmt.Errorf("host %q resolves to a non-public address %s", host, addr.IP)
		}
		ips = append(ips, addr.IP)
	}
	return ips, nil
}

// PinnedDialContext returns a DialContext that dials one of ips on addr's
// port instead of resolving addr's host itself, so a caller that validated
// a URL's resolved addresses with ResolvePublicHTTPSIPs can fetch it
// without giving DNS a second chance to answer differently (rebinding).
// TLS certificate validation is unaffected: net/http derives the handshake's
// ServerName from the original addr, not from whichever IP the connection
// actually reaches.
func PinnedDialContext(ips []net.IP) func(ctx context.Context, network, addr string) (net.Conn, error) {
	var dialer net.Dialer
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("pinned dial: %w", err)
		}
		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("pinned dial: all %d pinned addresses failed, last error: %w", len(ips), lastErr)
	}
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}
