// Package config implements the static bootstrap configuration and the
// dynamic settings resolver (spec component C4). Static configuration
// (issuer, storage backend selection, listeners, logging) is loaded once at
// process start from a JSON file, the same shape dex's cmd/dex/config.go
// uses, with "$ENV_VAR"-prefixed string fields substituted from the
// process environment. Dynamic settings (per-tenant tunables an operator
// may change without a restart: token lifetimes, rate-limit thresholds,
// feature toggles) are served by Resolver, a layered cache in front of a
// Redis-backed store.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/veriflow/veriflow/internal/clientreg"
	"github.com/veriflow/veriflow/pkg/featureflags"
)

// StorageKind selects the actor.Backend implementation the process boots
// with.
type StorageKind string

const (
	StorageMemory StorageKind = "memory"
	StorageRedis  StorageKind = "redis"
)

// Storage configures the actor store backend.
type Storage struct {
	Kind      StorageKind `json:"kind"`
	RedisAddr string      `json:"redisAddr,omitempty"`
	RedisDB   int         `json:"redisDb,omitempty"`
	KeyPrefix string      `json:"keyPrefix,omitempty"`
}

// Web configures the HTTP listener.
type Web struct {
	HTTP           string   `json:"http,omitempty"`
	HTTPS          string   `json:"https,omitempty"`
	TLSCert        string   `json:"tlsCert,omitempty"`
	TLSKey         string   `json:"tlsKey,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// Telemetry configures the separate metrics/health listener, split from Web
// the same way dex's cmd/dex/config.go splits Telemetry from Web so
// /metrics and /healthz never share a listener with the public API.
type Telemetry struct {
	HTTP string `json:"http,omitempty"`
}

// RateLimit names one endpoint's Profile (see internal/ratelimit) by its
// Limit/Window pair; Config.RateLimits keys these by endpoint name.
type RateLimit struct {
	Limit  int    `json:"limit"`
	Window string `json:"window"`
}

// Outbound configures the HTTP client used for every request this process
// makes to a third party: JWKS fetches for private_key_jwt client
// authentication and ping-mode CIBA notification delivery. RootCAs entries
// may be a filesystem path, a base64-encoded PEM blob, or a raw PEM string,
// mirroring dex's pkg/httpclient.NewHTTPClient contract.
type Outbound struct {
	RootCAs            []string `json:"rootCAs,omitempty"`
	InsecureSkipVerify bool     `json:"insecureSkipVerify,omitempty"`
}

// Logger configures the process-wide log level/format.
type Logger struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}

// Expiry holds the default token/code/session lifetimes; Resolver exposes
// a per-tenant override on top of these compiled defaults.
type Expiry struct {
	SigningKeys string `json:"signingKeys,omitempty"`
	AuthCode    string `json:"authCode,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	IDTokens    string `json:"idTokens,omitempty"`
	Refresh     string `json:"refreshToken,omitempty"`
	DeviceCode  string `json:"deviceCode,omitempty"`
	Session     string `json:"session,omitempty"`
}

// Config is the top-level static bootstrap configuration.
type Config struct {
	Issuer    string    `json:"issuer"`
	Storage   Storage   `json:"storage"`
	Web       Web       `json:"web"`
	Telemetry Telemetry `json:"telemetry"`
	Outbound  Outbound  `json:"outbound"`
	Logger    Logger    `json:"logger"`
	Expiry    Expiry    `json:"expiry"`

	// StaticClients are loaded at boot and never written to storage,
	// mirroring dex's StaticClients/WithStaticClients contract.
	StaticClients []clientreg.Client `json:"staticClients"`

	// Flows lists the JSON-encoded flow.GraphDefinition files compiled
	// into the C13 flow engine at boot; a misconfigured graph fails
	// startup rather than the first request that reaches it.
	Flows []string `json:"flows,omitempty"`

	// RateLimits maps an endpoint name to the Profile guarding it; an
	// endpoint absent from this map is served unthrottled.
	RateLimits map[string]RateLimit `json:"rateLimits,omitempty"`
}

// Load reads and parses a JSON config file from path, substituting any
// "$NAME" string field with os.Getenv("NAME").
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, os.Getenv)
}

// Parse decodes a Config from r and substitutes "$NAME" fields via getenv,
// split out from Load so tests don't need a real file on disk.
func Parse(r io.Reader, getenv func(string) string) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("config: read: %w", err)
	}

	var c Config
	dec := json.NewDecoder(bytes.NewReader(data))
	if featureflags.ConfigDisallowUnknownFields.Enabled() {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := replaceEnvKeys(&c, getenv); err != nil {
		return Config{}, fmt.Errorf("config: substitute env: %w", err)
	}
	return c, nil
}

// Validate reports every structural problem with c at once, in the same
// "collect every bad check, then return one combined error" shape as dex's
// cmd/dex/config.go Validate — a single pass through a misconfigured file
// should surface every mistake, not just the first one found.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.Issuer == "", "no issuer specified in config file"},
		{c.Storage.Kind == "", "no storage.kind specified in config file"},
		{c.Storage.Kind == StorageRedis && c.Storage.RedisAddr == "", "storage.kind redis requires storage.redisAddr"},
		{c.Web.HTTP == "" && c.Web.HTTPS == "", "must supply a http/https address to listen on"},
		{c.Web.HTTPS != "" && c.Web.TLSCert == "", "no cert specified for https"},
		{c.Web.HTTPS != "" && c.Web.TLSKey == "", "no private key specified for https"},
	}

	var errs []string
	for _, check := range checks {
		if check.bad {
			errs = append(errs, check.errMsg)
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(errs, "\n\t-\t"))
	}
	return nil
}
