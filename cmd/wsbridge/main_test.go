package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/pkg/retry"
)

func TestParseFlags_Layers(t *testing.T) {
	cfg, err := parseFlags([]string{"-config", "a.yaml", "-c", "b.yaml", "-log-level", "debug", "-shutdown-timeout", "3s"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.ConfigPaths)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
}

func TestParseFlags_EnvFallback(t *testing.T) {
	t.Setenv("WSBRIDGE_CONFIG", "/etc/wsbridge/wsbridge.yaml")
	t.Setenv("WSBRIDGE_SHUTDOWN_TIMEOUT", "7s")

	cfg, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/etc/wsbridge/wsbridge.yaml"}, cfg.ConfigPaths)
	assert.Equal(t, 7*time.Second, cfg.ShutdownTimeout)
}

func TestValidateFlags(t *testing.T) {
	assert.NoError(t, validateFlags(&CLIConfig{}))
	assert.NoError(t, validateFlags(&CLIConfig{ShowVersion: true, ConfigPaths: []string{"/absent.yaml"}}))
	assert.Error(t, validateFlags(&CLIConfig{ConfigPaths: []string{filepath.Join(t.TempDir(), "absent.yaml")}}))
	assert.Error(t, validateFlags(&CLIConfig{LogLevel: "loud"}))
	assert.Error(t, validateFlags(&CLIConfig{LogFormat: "xml"}))
	assert.Error(t, validateFlags(&CLIConfig{ShutdownTimeout: -time.Second}))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wsbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
log:
  level: info
`), 0o600))

	cfg, err := loadConfig(&CLIConfig{ConfigPaths: []string{path}, LogLevel: "debug", LogFormat: "text"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	_, err = loadConfig(&CLIConfig{})
	assert.Error(t, err, "defaults alone have no credential source")
}

func TestRun_Validate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wsbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwt_secret: \"0123456789abcdef0123456789abcdef\"\n"), 0o600))

	assert.NoError(t, run([]string{"-config", path, "-validate"}))
	assert.NoError(t, run([]string{"-version"}))
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, appName, line["service"])
	assert.Equal(t, "value", line["key"])
}

func TestStartupRetry(t *testing.T) {
	policy := retry.Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	tests := []struct {
		name  string
		errs  []error
		calls int
		ok    bool
	}{
		{"transient then success", []error{errors.ErrConnectionTimeout, errors.ErrConnectionTimeout, nil}, 3, true},
		{"invalid stops at once", []error{errors.WrapInvalid(errors.ErrInvalidConfig, "bridge", "EnsureStreams", "stream config")}, 1, false},
		{"fatal stops at once", []error{errors.WrapFatal(errors.ErrShuttingDown, "Client", "Connect", "client closed")}, 1, false},
		{"gives up", []error{
			fmt.Errorf("no servers"), fmt.Errorf("no servers"), fmt.Errorf("no servers"),
			fmt.Errorf("no servers"), fmt.Errorf("no servers"),
		}, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := startupRetry(ctx, policy, logger, "step", func() error {
				err := tt.errs[calls]
				calls++
				return err
			})
			assert.Equal(t, tt.calls, calls)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
