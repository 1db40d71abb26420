package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	"github.com/alicebob/miniredis/v2"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/veriflow/veriflow/internal/actor"
	"github.com/veriflow/veriflow/internal/actor/memactor"
	"github.com/veriflow/veriflow/internal/actor/redisactor"
	"github.com/veriflow/veriflow/internal/authcode"
	"github.com/veriflow/veriflow/internal/ciba"
	"github.com/veriflow/veriflow/internal/clientreg"
	"github.com/veriflow/veriflow/internal/config"
	"github.com/veriflow/veriflow/internal/device"
	"github.com/veriflow/veriflow/internal/flow"
	"github.com/veriflow/veriflow/internal/introspect"
	"github.com/veriflow/veriflow/internal/keyring"
	"github.com/veriflow/veriflow/internal/par"
	"github.com/veriflow/veriflow/internal/ratelimit"
	"github.com/veriflow/veriflow/internal/session"
	"github.com/veriflow/veriflow/internal/token"
	veriflowcrypto "github.com/veriflow/veriflow/pkg/crypto"
	"github.com/veriflow/veriflow/pkg/httpclient"
	"github.com/veriflow/veriflow/pkg/log"
	"github.com/veriflow/veriflow/server"
)

// allowedTLSCiphers mirrors dex's cmd/dex/serve.go restriction to modern,
// forward-secret suites; both web listeners share it.
var allowedTLSCiphers = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
}

type serveOptions struct {
	config string

	webHTTPAddr   string
	webHTTPSAddr  string
	telemetryAddr string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch veriflow",
		Example: "veriflow serve config.json",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			options.config = args[0]
			return runServe(options)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.webHTTPAddr, "web-http-addr", "", "Web HTTP address")
	flags.StringVar(&options.webHTTPSAddr, "web-https-addr", "", "Web HTTPS address")
	flags.StringVar(&options.telemetryAddr, "telemetry-addr", "", "Telemetry address")
	return cmd
}

func applyConfigOverrides(options serveOptions, c *config.Config) {
	if options.webHTTPAddr != "" {
		c.Web.HTTP = options.webHTTPAddr
	}
	if options.webHTTPSAddr != "" {
		c.Web.HTTPS = options.webHTTPSAddr
	}
	if options.telemetryAddr != "" {
		c.Telemetry.HTTP = options.telemetryAddr
	}
}

// serverRunner wires one http.Server into an oklog/run.Group so its
// listener starts concurrently with every other one and every one of them
// receives a bounded graceful Shutdown when any of them (or a signal)
// stops the group. Grounded on cmd/dex/serve.go's serverRunner verbatim.
type serverRunner struct {
	name string
	srv  *http.Server

	tlsCrt string
	tlsKey string

	logger log.Logger
}

func newServerRunner(name string, srv *http.Server, logger log.Logger) *serverRunner {
	return &serverRunner{name: name, srv: srv, logger: logger}
}

func (s *serverRunner) WithTLS(crt, key string) *serverRunner {
	s.tlsCrt = crt
	s.tlsKey = key
	return s
}

func (s *serverRunner) run(listener net.Listener) error {
	if s.tlsCrt != "" && s.tlsKey != "" {
		return s.srv.ServeTLS(listener, s.tlsCrt, s.tlsKey)
	}
	return s.srv.Serve(listener)
}

func (s *serverRunner) RunAndShutdownGracefully(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %v", s.name, s.srv.Addr, err)
	}

	gr.Add(func() error {
		s.logger.Infof("listening (%s) on %s", s.name, s.srv.Addr)
		return s.run(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		s.logger.Debugf("starting graceful shutdown (%s)", s.name)
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Errorf("graceful shutdown (%s): %v", s.name, err)
		}
	})
	return nil
}

// buildActorBackend opens the actor.Backend a running process persists
// everything through. Redis storage dials a real client; memory storage
// uses the in-process memactor.Backend directly rather than round-tripping
// through a loopback Redis connection the way the cache/rate-limit/
// settings clients below do — the durable store has no reason to pay that
// serialization cost when an in-memory map already gives the same
// single-process guarantees.
func buildActorBackend(c config.Config) (actor.Backend, error) {
	switch c.Storage.Kind {
	case config.StorageRedis:
		rdb := goredis.NewClient(&goredis.Options{Addr: c.Storage.RedisAddr, DB: c.Storage.RedisDB})
		return redisactor.New(rdb, c.Storage.KeyPrefix), nil
	case config.StorageMemory, "":
		return memactor.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage.kind %q", c.Storage.Kind)
	}
}

// buildRedisClient returns the *redis.Client backing the client registry's
// L2 cache, the rate limiter, and the introspection cache — every component
// that hard-depends on go-redis rather than actor.Backend. Memory-mode
// deployments still get a real client: an embedded miniredis server gives
// single-process installs the same code path production Redis-backed
// installs use, instead of a parallel stubbed-out implementation.
func buildRedisClient(c config.Config) (*goredis.Client, func(), error) {
	if c.Storage.Kind == config.StorageRedis {
		rdb := goredis.NewClient(&goredis.Options{Addr: c.Storage.RedisAddr, DB: c.Storage.RedisDB})
		return rdb, func() { rdb.Close() }, nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("starting embedded redis: %w", err)
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return rdb, func() { rdb.Close(); mr.Close() }, nil
}

func loadFlows(paths []string) ([]*flow.CompiledPlan, error) {
	plans := make([]*flow.CompiledPlan, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading flow graph %s: %w", p, err)
		}
		var def flow.GraphDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parsing flow graph %s: %w", p, err)
		}
		plan, err := flow.Compile(def)
		if err != nil {
			return nil, fmt.Errorf("compiling flow graph %s: %w", p, err)
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func runServe(options serveOptions) error {
	c, err := config.Load(options.config)
	if err != nil {
		return err
	}
	applyConfigOverrides(options, &c)

	logger, err := newLogger(c.Logger.Level, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	logger.Infof("config issuer: %s", c.Issuer)

	prometheusRegistry := prometheus.NewRegistry()
	if err := prometheusRegistry.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register Go runtime metrics: %v", err)
	}
	if err := prometheusRegistry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("failed to register process metrics: %v", err)
	}

	backend, err := buildActorBackend(c)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %v", err)
	}
	defer backend.Close()
	logger.Infof("config storage: %s", c.Storage.Kind)

	rdb, closeRedis, err := buildRedisClient(c)
	if err != nil {
		return fmt.Errorf("failed to initialize cache backend: %v", err)
	}
	defer closeRedis()

	signingKeyTTL := parseDurationOr(c.Expiry.SigningKeys, 24*time.Hour)
	idTokenTTL := parseDurationOr(c.Expiry.IDTokens, time.Hour)
	accessTokenTTL := parseDurationOr(c.Expiry.AccessToken, time.Hour)
	authCodeTTL := parseDurationOr(c.Expiry.AuthCode, time.Minute)
	deviceCodeTTL := parseDurationOr(c.Expiry.DeviceCode, 10*time.Minute)
	refreshTokenTTL := parseDurationOr(c.Expiry.Refresh, 30*24*time.Hour)

	keys := keyring.New(backend, c.Issuer, keyring.DefaultRotationStrategy(signingKeyTTL, idTokenTTL), logger)

	clientSource := clientreg.NewStaticSource(c.StaticClients)
	registry := clientreg.NewRegistry(clientSource, time.Minute,
		clientreg.WithRedisCache(rdb, "clientreg:", time.Minute),
		clientreg.WithLogger(logger))

	outboundClient, err := httpclient.NewHTTPClient(c.Outbound.RootCAs, c.Outbound.InsecureSkipVerify)
	if err != nil {
		return fmt.Errorf("failed to build outbound http client: %v", err)
	}
	jwksFetcher := clientreg.NewJWKSFetcher(outboundClient)
	authenticator := clientreg.NewAuthenticator(registry, jwksFetcher, c.Issuer+"/token")

	signer := token.NewSigner(keys, c.Issuer)
	revoked := token.NewRevokedSet(backend)
	codes := authcode.New(backend, authCodeTTL, 0)
	refresh := token.NewRefreshStore(backend, refreshTokenTTL)
	devices := device.New(backend, deviceCodeTTL)
	cibaStore := ciba.New(backend, 5*time.Minute)
	cibaNotifier := ciba.NewNotifier(outboundClient)
	parEncKey, err := veriflowcrypto.RandBytes(32)
	if err != nil {
		return fmt.Errorf("failed to generate PAR encryption key: %v", err)
	}
	parStore := par.New(backend, par.WithEncryptionKey(parEncKey))
	sessions := session.New(backend)

	tokens := token.NewService(authenticator, signer, revoked, codes, c.Issuer, accessTokenTTL,
		token.WithRefreshTokens(refresh),
		token.WithDeviceGrant(devices),
		token.WithCIBA(cibaStore))

	introspectSvc := introspect.NewService(signer, revoked,
		introspect.WithCache(rdb, "introspect:", 60*time.Second),
		introspect.WithLogger(logger))

	plans, err := loadFlows(c.Flows)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	dpopReplay := keyring.NewDPoPReplayStore(backend)

	var engine *flow.Engine
	if len(plans) > 0 {
		tokenIssuer := flow.SignerTokenIssuer{Signer: signer, AccessTokenTTL: accessTokenTTL}
		codeIssuer := flow.AuthorizationIssuer{Codes: codes, Signer: signer, AccessTokenTTL: accessTokenTTL}
		engine = flow.NewEngine(backend, plans, flow.NewMemoryDirectory(), tokenIssuer, codeIssuer, nil, sessions, time.Hour)
	} else {
		logger.Infof("no flow graphs configured, /authorize will reject every request")
	}

	limiter := ratelimit.New(rdb, "ratelimit:")
	rateLimits := make(map[string]*ratelimit.Middleware, len(c.RateLimits))
	for name, rl := range c.RateLimits {
		window := parseDurationOr(rl.Window, time.Minute)
		rateLimits[name] = ratelimit.NewMiddleware(limiter, ratelimit.Profile{Name: name, Limit: rl.Limit, Window: window})
	}

	healthChecker := gosundheit.New()
	healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "keyring",
			CheckFunc: func(ctx context.Context) (interface{}, error) {
				_, _, err := keys.PublicJWKS(ctx)
				return nil, err
			},
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	})

	handler, err := server.New(server.Config{
		Issuer:         c.Issuer,
		Clients:        registry,
		Keys:           keys,
		Tokens:         tokens,
		Sessions:       sessions,
		Engine:         engine,
		PAR:            parStore,
		AuthCodes:      codes,
		Introspect:     introspectSvc,
		Devices:        devices,
		CIBA:           cibaStore,
		CIBANotifier:   cibaNotifier,
		Auth:           authenticator,
		DPoPReplay:     dpopReplay,
		RateLimits:     rateLimits,
		AllowedOrigins: c.Web.AllowedOrigins,
		HealthChecker:  healthChecker,
		Registry:       prometheusRegistry,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %v", err)
	}

	telemetryRouter := http.NewServeMux()
	telemetryRouter.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}))
	telemetryRouter.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !healthChecker.IsHealthy() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	var gr run.Group
	if c.Telemetry.HTTP != "" {
		telemetrySrv := &http.Server{Addr: c.Telemetry.HTTP, Handler: telemetryRouter}
		defer telemetrySrv.Close()
		if err := newServerRunner("http/telemetry", telemetrySrv, logger).RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}
	if c.Web.HTTP != "" {
		httpSrv := &http.Server{Addr: c.Web.HTTP, Handler: handler}
		defer httpSrv.Close()
		if err := newServerRunner("http", httpSrv, logger).RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}
	if c.Web.HTTPS != "" {
		httpsSrv := &http.Server{
			Addr:    c.Web.HTTPS,
			Handler: handler,
			TLSConfig: &tls.Config{
				CipherSuites:             allowedTLSCiphers,
				PreferServerCipherSuites: true,
				MinVersion:               tls.VersionTLS12,
			},
		}
		defer httpsSrv.Close()
		if err := newServerRunner("https", httpsSrv, logger).WithTLS(c.Web.TLSCert, c.Web.TLSKey).RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Infof("%v, shutdown now", err)
	}
	return nil
}
