package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSubstitutesEnvFields(t *testing.T) {
	raw := `{
		"issuer": "https://idp.example.com",
		"storage": {"kind": "redis", "redisAddr": "$REDIS_ADDR"},
		"web": {"http": "0.0.0.0:5556"},
		"staticClients": [{"id": "client-a", "secretHash": "$CLIENT_A_SECRET"}]
	}`

	getenv := func(name string) string {
		switch name {
		case "REDIS_ADDR":
			return "redis.internal:6379"
		case "CLIENT_A_SECRET":
			return "hashed-secret"
		}
		return ""
	}

	c, err := Parse(strings.NewReader(raw), getenv)
	require.NoError(t, err)
	require.Equal(t, "redis.internal:6379", c.Storage.RedisAddr)
	require.Equal(t, "hashed-secret", c.StaticClients[0].SecretHash)
}

func TestParseLeavesNonDollarFieldsAlone(t *testing.T) {
	raw := `{"issuer": "https://idp.example.com", "storage": {"kind": "memory"}, "web": {"http": ":5556"}}`
	c, err := Parse(strings.NewReader(raw), func(string) string { return "" })
	require.NoError(t, err)
	require.Equal(t, "https://idp.example.com", c.Issuer)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	var c Config
	err := c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no issuer specified")
	require.Contains(t, err.Error(), "no storage.kind specified")
	require.Contains(t, err.Error(), "must supply a http/https address")
}

func TestValidateRedisStorageRequiresAddr(t *testing.T) {
	c := Config{
		Issuer:  "https://idp.example.com",
		Storage: Storage{Kind: StorageRedis},
		Web:     Web{HTTP: ":5556"},
	}
	err := c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "storage.kind redis requires storage.redisAddr")
}

func TestValidateHTTPSRequiresCertAndKey(t *testing.T) {
	c := Config{
		Issuer:  "https://idp.example.com",
		Storage: Storage{Kind: StorageMemory},
		Web:     Web{HTTPS: ":5557"},
	}
	err := c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no cert specified for https")
	require.Contains(t, err.Error(), "no private key specified for https")
}

func TestParseSubstitutesOutboundEnvFields(t *testing.T) {
	raw := `{
		"issuer": "https://idp.example.com",
		"storage": {"kind": "memory"},
		"web": {"http": ":5556"},
		"outbound": {"rootCAs": ["$FEDERATION_CA"]}
	}`
	c, err := Parse(strings.NewReader(raw), func(name string) string {
		if name == "FEDERATION_CA" {
			return "/etc/veriflow/federation-ca.pem"
		}
		return ""
	})
	require.NoError(t, err)
	require.Equal(t, []string{"/etc/veriflow/federation-ca.pem"}, c.Outbound.RootCAs)
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	c := Config{
		Issuer:  "https://idp.example.com",
		Storage: Storage{Kind: StorageMemory},
		Web:     Web{HTTP: ":5556"},
	}
	require.NoError(t, c.Validate())
}
