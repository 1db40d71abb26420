package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Profile names a rate-limit policy for one endpoint class (e.g.
// "token", "authorize", "device_code", "ciba"). spec.md ties limits to the
// endpoint being protected, not to a single global budget.
type Profile struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Middleware wraps an http.Handler with the fixed-window limiter, keyed by
// (profile, client IP), and whitelists a fixed set of IPs (health checks,
// internal callers) from enforcement entirely.
type Middleware struct {
	limiter   *Limiter
	profile   Profile
	whitelist map[string]struct{}
}

// NewMiddleware builds a Middleware for one endpoint class. whitelisted IPs
// bypass the limiter entirely (still get a response, never a 429).
func NewMiddleware(limiter *Limiter, profile Profile, whitelisted ...string) *Middleware {
	set := make(map[string]struct{}, len(whitelisted))
	for _, ip := range whitelisted {
		set[ip] = struct{}{}
	}
	return &Middleware{limiter: limiter, profile: profile, whitelist: set}
}

// Wrap returns next guarded by this middleware's policy.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if _, ok := m.whitelist[ip]; ok {
			next.ServeHTTP(w, r)
			return
		}

		result := m.limiter.Allow(r.Context(), m.profile.Name+":"+ip, m.profile.Limit, m.profile.Window)
		writeHeaders(w, result)
		if !result.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(result.ResetAfter.Seconds())))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeHeaders(w http.ResponseWriter, result Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(int(result.ResetAfter.Seconds())))
}

// clientIP extracts the request's originating address, preferring
// X-Forwarded-For's first hop when present since the IdP sits behind a
// load balancer in any real deployment.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
