// Package server implements the authorization-server HTTP surface (spec
// component C6): request routing, discovery, and the handlers binding
// every other component (C2 keyring, C3 client registry, C5 rate limiter,
// C7 PAR, C8 authorization codes, C9 token service, C10 introspection, C11
// device grant, C12 CIBA, C13 flow engine, C14 sessions) onto the wire.
//
// Grounded on dex's server/server.go: mux.NewRouter with
// SkipClean/UseEncodedPath, the handle/handleFunc/handlePrefix/
// handleWithCORS closure family, per-handler gorilla/handlers CORS
// wrapping, and the prometheus request-counter/duration-histogram/
// size-histogram instrumentation wired through
// promhttp.InstrumentHandler*. There is no form_post response_mode, PAR,
// device grant, or CIBA in dex to generalize from; those handlers
// are built fresh in the same idiom.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/veriflow/veriflow/internal/authcode"
	"github.com/veriflow/veriflow/internal/ciba"
	"github.com/veriflow/veriflow/internal/clientreg"
	"github.com/veriflow/veriflow/internal/device"
	"github.com/veriflow/veriflow/internal/flow"
	"github.com/veriflow/veriflow/internal/introspect"
	"github.com/veriflow/veriflow/internal/keyring"
	"github.com/veriflow/veriflow/internal/par"
	"github.com/veriflow/veriflow/internal/ratelimit"
	"github.com/veriflow/veriflow/internal/session"
	"github.com/veriflow/veriflow/internal/token"
	"github.com/veriflow/veriflow/pkg/log"
)

// Config holds everything Server needs to build its route table. Every
// field besides Issuer/Clients/Keys/Tokens is optional; a nil store
// disables the endpoints that depend on it instead of panicking, the same
// "absent dependency means unsupported, not broken" convention C9's
// token.Service options use.
type Config struct {
	Issuer string

	Clients    *clientreg.Registry
	Keys       *keyring.KeyRing
	Tokens     *token.Service
	Sessions   *session.Store
	Engine     *flow.Engine
	PAR        *par.Store
	AuthCodes  *authcode.Store
	Introspect *introspect.Service
	Devices    *device.Store
	CIBA       *ciba.Store

	// Auth authenticates a client presenting credentials directly against a
	// server endpoint (PAR, CIBA's bc-authorize) instead of going through
	// C9's token.Service, which does its own client authentication inline.
	Auth *clientreg.Authenticator

	// DPoPReplay rejects a DPoP proof whose jti has already been
	// consumed; nil disables replay protection (proofs are still checked
	// for a valid signature, htm/htu, and freshness).
	DPoPReplay *keyring.DPoPReplayStore

	// CIBANotifier delivers ping-mode callbacks once a backchannel request
	// is resolved; nil disables ping-mode delivery (poll mode still works
	// without it).
	CIBANotifier *ciba.Notifier

	// RateLimits maps an endpoint name ("authorize", "token", "introspect",
	// "revoke", "device_authorization", "device", "bc-authorize") to the
	// Middleware enforcing its own Profile; an endpoint absent from the map
	// is served unthrottled.
	RateLimits map[string]*ratelimit.Middleware

	AllowedOrigins []string

	HealthChecker gosundheit.Health
	Registry      *prometheus.Registry

	Logger log.Logger
	Now    func() time.Time
}

// Server serves the authorization-server HTTP API.
type Server struct {
	issuerURL url.URL
	cfg       Config
	logger    log.Logger
	now       func() time.Time
}

// New builds a Server and its mux.Router. It returns the router rather
// than an http.Server so callers choose their own listener, TLS config,
// and graceful-shutdown wiring (cmd/veriflow's oklog/run group does this).
func New(cfg Config) (http.Handler, error) {
	issuerURL, err := url.Parse(cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("server: parse issuer: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogrusLogger(logrus.New())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{issuerURL: *issuerURL, cfg: cfg, logger: cfg.Logger, now: cfg.Now}

	instrument := func(_ string, h http.Handler) http.HandlerFunc { return h.ServeHTTP }
	if cfg.Registry != nil {
		requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Count of all HTTP requests.",
		}, []string{"code", "method", "handler"})
		durationHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "A histogram of latencies for requests.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"code", "method", "handler"})
		sizeHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "response_size_bytes",
			Help:    "A histogram of response sizes for requests.",
			Buckets: []float64{200, 500, 900, 1500, 5000},
		}, []string{"code", "method", "handler"})
		cfg.Registry.MustRegister(requestCounter, durationHist, sizeHist)

		instrument = func(handlerName string, h http.Handler) http.HandlerFunc {
			return promhttp.InstrumentHandlerDuration(durationHist.MustCurryWith(prometheus.Labels{"handler": handlerName}),
				promhttp.InstrumentHandlerCounter(requestCounter.MustCurryWith(prometheus.Labels{"handler": handlerName}),
					promhttp.InstrumentHandlerResponseSize(sizeHist.MustCurryWith(prometheus.Labels{"handler": handlerName}), h),
				),
			)
		}
	}

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	handleFunc := func(p string, h http.HandlerFunc) {
		r.Handle(path.Join(issuerURL.Path, p), instrument(p, h))
	}
	handleWithCORS := func(p string, h http.HandlerFunc) {
		var handler http.Handler = h
		if len(cfg.AllowedOrigins) > 0 {
			cors := handlers.CORS(
				handlers.AllowedOrigins(cfg.AllowedOrigins),
				handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
			)
			handler = cors(handler)
		}
		r.Handle(path.Join(issuerURL.Path, p), instrument(p, handler))
	}
	rateLimited := func(name string, h http.HandlerFunc) http.HandlerFunc {
		mw, ok := cfg.RateLimits[name]
		if !ok {
			return h
		}
		return mw.Wrap(h).ServeHTTP
	}
	r.NotFoundHandler = http.NotFoundHandler()

	handleWithCORS("/.well-known/openid-configuration", s.handleDiscovery)
	handleWithCORS("/keys", s.handleJWKS)
	handleWithCORS("/authorize", rateLimited("authorize", s.handleAuthorize))
	handleWithCORS("/authorize/callback", s.handleAuthorizeCallback)
	handleWithCORS("/token", rateLimited("token", s.handleToken))
	handleWithCORS("/userinfo", s.handleUserInfo)
	handleWithCORS("/introspect", rateLimited("introspect", s.handleIntrospect))
	handleWithCORS("/revoke", rateLimited("revoke", s.handleRevoke))
	handleFunc("/as/par", s.handlePAR)
	handleFunc("/device_authorization", rateLimited("device_authorization", s.handleDeviceAuthorization))
	handleFunc("/device", rateLimited("device", s.handleDeviceVerify))
	handleFunc("/bc-authorize", rateLimited("bc-authorize", s.handleBackchannelAuthorize))
	handleFunc("/bc-authorize/resolve", s.handleBackchannelResolve)

	if cfg.HealthChecker != nil {
		r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if !cfg.HealthChecker.IsHealthy() {
				renderServerError(s.logger, w, http.StatusInternalServerError, "health check failed")
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
	}
	if cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	return r, nil
}

// writeJSON marshals v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func renderServerError(logger log.Logger, w http.ResponseWriter, status int, msg string) {
	logger.Errorf("server: %s", msg)
	writeJSON(w, status, map[string]string{"error": "server_error", "error_description": msg})
}
