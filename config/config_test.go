package config

import (
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/wsbridge/auth"
	"github.com/c360/wsbridge/bridge"
	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/pkg/acme"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validConfig() *Config {
	cfg := Default()
	cfg.Auth.JWTSecret = testSecret
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, "nats-websocket-bridge", cfg.Auth.Issuer)
	assert.Equal(t, "nats-devices", cfg.Auth.Audience)
	assert.Equal(t, 30*time.Second, cfg.Auth.Timeout)
	assert.Equal(t, 1<<20, cfg.Limits.MaxPayloadSize)
	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	assert.Len(t, cfg.Stream.Streams, 3)

	err := cfg.Validate()
	require.Error(t, err, "defaults carry no credential source")
	assert.True(t, errors.IsInvalid(err))
	assert.True(t, stderrors.Is(err, errors.ErrInvalidConfig))

	assert.NoError(t, validConfig().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"static devices only", func(c *Config) {
			c.Auth.JWTSecret = ""
			c.Auth.Devices = map[string]auth.StaticDevice{"dev-1": {Token: "t", Role: auth.RoleSensor}}
		}, ""},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "at least 32 bytes"},
		{"device without token", func(c *Config) {
			c.Auth.Devices = map[string]auth.StaticDevice{"dev-1": {Role: auth.RoleSensor}}
		}, "has no token"},
		{"device with unknown role", func(c *Config) {
			c.Auth.Devices = map[string]auth.StaticDevice{"dev-1": {Token: "t", Role: "pilot"}}
		}, "unknown role"},
		{"custom role usable by device", func(c *Config) {
			c.Auth.Roles = auth.Roles{"pilot": {Publish: []string{"flight.{clientId}.>"}}}
			c.Auth.Devices = map[string]auth.StaticDevice{"dev-1": {Token: "t", Role: "pilot"}}
		}, ""},
		{"bad role pattern", func(c *Config) {
			c.Auth.Roles = auth.Roles{"pilot": {Subscribe: []string{"flight.>.x"}}}
		}, "auth.roles.pilot"},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"relative path", func(c *Config) { c.Server.Path = "ws" }, "server.path"},
		{"tls without files", func(c *Config) { c.Server.TLS.Enabled = true }, "cert_file"},
		{"bad tls version", func(c *Config) { c.Server.TLS.MinVersion = "1.0" }, "TLS version"},
		{"acme replaces cert files", func(c *Config) {
			c.Server.TLS.Enabled = true
			c.Server.ACME = acme.Config{
				Enabled: true, DirectoryURL: "https://ca/acme/directory", Email: "ops@example.com",
				Domains: []string{"gw.example.com"}, StoragePath: "/var/lib/wsbridge/acme",
			}
		}, ""},
		{"acme incomplete", func(c *Config) { c.Server.ACME = acme.Config{Enabled: true} }, "directory_url"},
		{"payload too large", func(c *Config) { c.Limits.MaxPayloadSize = 65 << 20 }, "max_payload_size"},
		{"negative burst", func(c *Config) { c.Limits.Burst = -1 }, "cannot be negative"},
		{"idle timeout shorter than idle after", func(c *Config) {
			c.Limits.IdleAfter = time.Minute
			c.Limits.IdleTimeout = time.Second
		}, "idle_timeout"},
		{"no nats urls", func(c *Config) { c.NATS.URLs = nil }, "nats.urls"},
		{"nats url without scheme", func(c *Config) { c.NATS.URLs = []string{"localhost:4222"} }, "no scheme"},
		{"duplicate stream", func(c *Config) {
			c.Stream.Streams = []bridge.StreamSpec{
				{Name: "A", Subjects: []string{"a.>"}},
				{Name: "A", Subjects: []string{"b.>"}},
			}
		}, "duplicate stream"},
		{"metrics without addr", func(c *Config) { c.Metrics.Addr = "" }, "metrics.addr"},
		{"metrics disabled without addr", func(c *Config) {
			c.Metrics.Enabled = false
			c.Metrics.Addr = ""
		}, ""},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"", "debug", "INFO", "warn", "warning", "error"} {
		_, err := ParseLevel(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}

func TestConfig_Redacted(t *testing.T) {
	cfg := validConfig()
	cfg.NATS.Password = "hunter2"
	cfg.NATS.Token = "nats-token"
	cfg.Auth.Devices = map[string]auth.StaticDevice{"dev-1": {Token: "device-token", Role: auth.RoleSensor}}

	red := cfg.Redacted()
	assert.Equal(t, RedactedValue, red.Auth.JWTSecret)
	assert.Equal(t, RedactedValue, red.NATS.Password)
	assert.Equal(t, RedactedValue, red.NATS.Token)
	assert.Equal(t, RedactedValue, red.Auth.Devices["dev-1"].Token)
	assert.Empty(t, red.NATS.Username, "empty values stay empty")

	// The original is untouched.
	assert.Equal(t, testSecret, cfg.Auth.JWTSecret)
	assert.Equal(t, "device-token", cfg.Auth.Devices["dev-1"].Token)

	s := cfg.String()
	for _, secret := range []string{testSecret, "hunter2", "nats-token", "device-token"} {
		assert.NotContains(t, s, secret)
	}
}

func TestConfig_Clone(t *testing.T) {
	cfg := validConfig()
	cfg.Server.AllowedOrigins = []string{"https://a.example"}

	clone := cfg.Clone()
	clone.Server.AllowedOrigins[0] = "https://b.example"
	clone.Stream.Streams[0].Name = "OTHER"

	assert.Equal(t, "https://a.example", cfg.Server.AllowedOrigins[0])
	assert.Equal(t, "TELEMETRY", cfg.Stream.Streams[0].Name)
	assert.Equal(t, cfg.Auth.Timeout, clone.Auth.Timeout)
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(validConfig())

	got := sc.Get()
	got.Server.Addr = ":1"
	assert.Equal(t, ":8080", sc.Get().Server.Addr, "Get returns a copy")

	bad := validConfig()
	bad.Server.Path = ""
	assert.Error(t, sc.Update(bad))
	assert.Error(t, sc.Update(nil))
	assert.Equal(t, "/ws", sc.Get().Server.Path)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if i%2 == 0 {
					next := validConfig()
					next.Limits.Burst = j + 1
					assert.NoError(t, sc.Update(next))
				} else {
					assert.NotNil(t, sc.Get())
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Positive(t, sc.Get().Limits.Burst)
}

func TestConfig_Conversions(t *testing.T) {
	cfg := validConfig()
	cfg.Server.AllowedOrigins = []string{"https://ops.example"}
	cfg.Limits.RatePerSecond = 20
	cfg.Limits.Burst = 40
	cfg.NATS.URLs = []string{"nats://a:4222", "nats://b:4222"}

	gw := cfg.ToGateway()
	assert.Equal(t, cfg.Server.Addr, gw.Addr)
	assert.Equal(t, cfg.Auth.Timeout, gw.AuthTimeout)
	assert.Equal(t, 20.0, gw.RateLimit.RefillPerSecond)
	assert.Equal(t, 40, gw.RateLimit.Capacity)
	assert.Equal(t, cfg.Server.AllowedOrigins, gw.AllowedOrigins)
	require.NoError(t, gw.Validate())

	br := cfg.ToBridge()
	assert.Equal(t, cfg.Stream.Streams, br.Streams)
	assert.Equal(t, cfg.Limits.MaxInFlight, br.MaxInFlight)
	assert.Equal(t, cfg.Stream.MaxAckPending, br.MaxAckPending)

	jc, ok := cfg.JWT()
	require.True(t, ok)
	assert.Equal(t, []byte(testSecret), jc.Secret)
	assert.Equal(t, "nats-devices", jc.Audience)
	assert.Contains(t, jc.Roles, auth.RoleSensor)

	assert.Equal(t, "nats://a:4222,nats://b:4222", cfg.NATSURL())

	opts, err := cfg.NATSOptions(nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, opts)

	tlsCfg, err := cfg.ServerTLS(nil)
	require.NoError(t, err)
	assert.Nil(t, tlsCfg, "TLS is off by default")

	cfg.Server.ACME = acme.Config{Enabled: true}
	_, err = cfg.ServerTLS(nil)
	assert.Error(t, err, "ACME needs a certificate store")
	tlsCfg, err = cfg.ServerTLS(&acme.CertStore{})
	require.NoError(t, err)
	assert.NotNil(t, tlsCfg.GetCertificate)
	cfg.Server.ACME = acme.Config{}

	cfg.Auth.JWTSecret = ""
	_, ok = cfg.JWT()
	assert.False(t, ok)
}

func TestConfig_Authenticator(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.Devices = map[string]auth.StaticDevice{"legacy-1": {Token: "legacy-token", Role: auth.RoleSensor}}

	chain, err := cfg.Authenticator(nil, nil)
	require.NoError(t, err)
	require.NotNil(t, chain.JWT)
	require.NotNil(t, chain.Static)

	id, err := chain.Authenticate(t.Context(), auth.Credentials{DeviceID: "legacy-1", Token: "legacy-token"})
	require.NoError(t, err)
	assert.Equal(t, "legacy-1", id.ClientID())

	issuer, err := auth.NewIssuer(auth.IssuerConfig{Secret: []byte(testSecret)})
	require.NoError(t, err)
	token, _, err := issuer.Issue(auth.TokenRequest{ClientID: "sensor-9", Role: auth.RoleSensor})
	require.NoError(t, err)

	id, err = chain.Authenticate(t.Context(), auth.Credentials{Token: token})
	require.NoError(t, err)
	assert.Equal(t, "sensor-9", id.ClientID())
	assert.True(t, strings.HasPrefix(id.AllowedPublish()[0], "telemetry.sensor-9"))
}
