package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/pkg/buffer"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("wss://gw.example.com/ws", "tok")
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, time.Second, cfg.Reconnect.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 2.0, cfg.Reconnect.Multiplier)
	assert.Equal(t, 0.25, cfg.Reconnect.Jitter)
	assert.Equal(t, buffer.DropOldest, cfg.Buffer.Policy)
	assert.Equal(t, DefaultBufferCapacity, cfg.Buffer.Capacity)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http scheme", func(c *Config) { c.URL = "http://gw/ws" }},
		{"no host", func(c *Config) { c.URL = "ws:///ws" }},
		{"no token", func(c *Config) { c.Token = "" }},
		{"long device id", func(c *Config) { c.DeviceID = string(make([]byte, 257)) }},
		{"header auth with device id", func(c *Config) { c.HeaderAuth = true; c.DeviceID = "plc-1" }},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }},
		{"zero operation timeout", func(c *Config) { c.OperationTimeout = 0 }},
		{"zero payload size", func(c *Config) { c.MaxPayloadSize = 0 }},
		{"zero callback queue", func(c *Config) { c.CallbackQueue = 0 }},
		{"zero buffer", func(c *Config) { c.Buffer.Capacity = 0 }},
		{"max below initial", func(c *Config) { c.Reconnect.MaxDelay = time.Millisecond }},
		{"multiplier below one", func(c *Config) { c.Reconnect.Multiplier = 0.5 }},
		{"jitter above one", func(c *Config) { c.Reconnect.Jitter = 1.5 }},
		{"negative attempts", func(c *Config) { c.Reconnect.MaxAttempts = -1 }},
		{"heartbeat without interval", func(c *Config) { c.Heartbeat.Interval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("ws://gw:8080/ws", "tok")
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	t.Run("reconnect disabled skips delays", func(t *testing.T) {
		cfg := DefaultConfig("ws://gw:8080/ws", "tok")
		cfg.Reconnect = ReconnectConfig{}
		assert.NoError(t, cfg.Validate())
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.True(t, StateClosed.Terminal())
	assert.True(t, StateDisconnected.Terminal())
	assert.False(t, StateReconnecting.Terminal())
}
