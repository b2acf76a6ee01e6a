package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/wsbridge/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "wsbridge.yaml", `
server:
  addr: ":9443"
  allowed_origins: ["https://ops.example"]
auth:
  jwt_secret: "`+testSecret+`"
  timeout: 10s
  devices:
    legacy-1:
      token: legacy-token
      role: actuator
limits:
  rate_per_second: 5
  burst: 10
nats:
  urls: ["nats://a:4222", "nats://b:4222"]
stream:
  streams:
    - name: TELEMETRY
      subjects: ["telemetry.>"]
      max_age: 24h
log:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9443", cfg.Server.Addr)
	assert.Equal(t, "/ws", cfg.Server.Path, "unset keys keep their defaults")
	assert.Equal(t, 10*time.Second, cfg.Auth.Timeout)
	assert.Equal(t, "actuator", cfg.Auth.Devices["legacy-1"].Role)
	assert.Equal(t, 5.0, cfg.Limits.RatePerSecond)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	require.Len(t, cfg.Stream.Streams, 1, "lists are replaced")
	assert.Equal(t, 24*time.Hour, cfg.Stream.Streams[0].MaxAge)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "wsbridge.json", `{
  "auth": {"jwt_secret": "`+testSecret+`", "leeway": "2s"},
  "limits": {"max_payload_size": 4096}
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Auth.Leeway)
	assert.Equal(t, 4096, cfg.Limits.MaxPayloadSize)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("unknown key", func(t *testing.T) {
		path := writeFile(t, "bad.yaml", "server:\n  adress: \":1\"\n")
		_, err := Load(path)
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("wrong extension", func(t *testing.T) {
		path := writeFile(t, "wsbridge.toml", "x = 1\n")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("json too deep", func(t *testing.T) {
		deep := ""
		for i := 0; i <= maxJSONDepth; i++ {
			deep += `{"a":`
		}
		deep += "1"
		for i := 0; i <= maxJSONDepth; i++ {
			deep += "}"
		}
		path := writeFile(t, "deep.json", deep)
		_, err := Load(path)
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	})

	t.Run("validation", func(t *testing.T) {
		path := writeFile(t, "nosecret.yaml", "server:\n  addr: \":1\"\n")
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jwt_secret")
	})
}

func TestLoader_Layers(t *testing.T) {
	base := writeFile(t, "base.yaml", `
auth:
  jwt_secret: "`+testSecret+`"
  devices:
    a: {token: ta, role: sensor}
limits:
  burst: 10
`)
	site := writeFile(t, "site.yaml", `
auth:
  devices:
    b: {token: tb, role: monitor}
limits:
  rate_per_second: 7
`)

	l := NewLoader()
	l.AddLayer(base)
	l.AddLayer(site)
	l.EnableValidation(true)

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Limits.Burst)
	assert.Equal(t, 7.0, cfg.Limits.RatePerSecond)
	assert.Len(t, cfg.Auth.Devices, 2, "maps are merged")
}

func TestLoader_Env(t *testing.T) {
	t.Setenv("WSBRIDGE_JWT_SECRET", testSecret)
	t.Setenv("WSBRIDGE_SERVER_ADDR", ":7000")
	t.Setenv("WSBRIDGE_NATS_URLS", "nats://x:4222, nats://y:4222,")
	t.Setenv("WSBRIDGE_AUTH_TIMEOUT", "3s")
	t.Setenv("WSBRIDGE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.Auth.JWTSecret)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, []string{"nats://x:4222", "nats://y:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 3*time.Second, cfg.Auth.Timeout)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "wsbridge.yaml", "auth:\n  jwt_secret: \""+testSecret+"\"\nserver:\n  addr: \":1\"\n")
	t.Setenv("WSBRIDGE_SERVER_ADDR", ":2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":2", cfg.Server.Addr)
}

func TestLoader_EnvErrors(t *testing.T) {
	t.Setenv("WSBRIDGE_JWT_SECRET", testSecret)
	t.Setenv("WSBRIDGE_AUTH_TIMEOUT", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestApplyEnv_TLS(t *testing.T) {
	t.Setenv("WSBRIDGE_TLS_CERT_FILE", "/etc/wsbridge/tls.crt")
	t.Setenv("WSBRIDGE_TLS_KEY_FILE", "/etc/wsbridge/tls.key")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.True(t, cfg.Server.TLS.Enabled)
	assert.Equal(t, "/etc/wsbridge/tls.crt", cfg.Server.TLS.CertFile)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte("limits:\n  send_queue: 8\n"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Limits.SendQueue)

	cfg, err = Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidateConfigPath(t *testing.T) {
	assert.Error(t, validateConfigPath(""))
	assert.Error(t, validateConfigPath("../outside.yaml"))
	assert.Error(t, validateConfigPath("config.ini"))
	assert.NoError(t, validateConfigPath("configs/wsbridge.yml"))
	assert.NoError(t, validateConfigPath("/etc/wsbridge/wsbridge.json"))
}
