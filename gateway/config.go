package gateway

import (
	"fmt"
	"time"

	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/pkg/ratelimit"
	"github.com/c360/wsbridge/protocol"
)

// Config holds the gateway's runtime settings. It is copied at
// construction and never mutated afterwards.
type Config struct {
	// Addr is the listen address for Run.
	Addr string
	// Path is the WebSocket endpoint.
	Path string

	// AuthTimeout bounds the time between upgrade and a valid Auth frame.
	AuthTimeout time.Duration
	// IdleAfter tags a connected session idle once no frame arrived for
	// this long.
	IdleAfter time.Duration
	// IdleTimeout closes sessions that received no frame for this long,
	// through a per-session timer. Zero disables.
	IdleTimeout time.Duration

	// PingInterval sends WebSocket pings. A session that answers nothing
	// for two intervals is dropped. Zero disables.
	PingInterval time.Duration
	WriteTimeout time.Duration
	// OperationTimeout bounds backend publishes and requests.
	OperationTimeout time.Duration
	// SendQueue is the per-session outbound frame queue length.
	SendQueue int

	MaxPayloadSize int
	RateLimit      ratelimit.Config

	// AllowedOrigins restricts the Origin header on upgrade. Empty allows
	// any origin.
	AllowedOrigins []string
}

// Defaults.
const (
	DefaultAddr             = ":8080"
	DefaultPath             = "/ws"
	DefaultAuthTimeout      = 30 * time.Second
	DefaultIdleAfter        = 60 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultOperationTimeout = 5 * time.Second
	DefaultSendQueue        = 256
)

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		Addr:             DefaultAddr,
		Path:             DefaultPath,
		AuthTimeout:      DefaultAuthTimeout,
		IdleAfter:        DefaultIdleAfter,
		PingInterval:     DefaultPingInterval,
		WriteTimeout:     DefaultWriteTimeout,
		OperationTimeout: DefaultOperationTimeout,
		SendQueue:        DefaultSendQueue,
		MaxPayloadSize:   protocol.DefaultMaxPayloadSize,
		RateLimit:        ratelimit.DefaultConfig(),
	}
}

// withDefaults fills zero durations and sizes. Negative values are left for
// Validate to reject.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.IdleAfter == 0 {
		c.IdleAfter = d.IdleAfter
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.SendQueue == 0 {
		c.SendQueue = d.SendQueue
	}
	if c.MaxPayloadSize == 0 {
		c.MaxPayloadSize = d.MaxPayloadSize
	}
	if c.RateLimit.RefillPerSecond == 0 && c.RateLimit.Capacity == 0 {
		c.RateLimit = d.RateLimit
	}
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	invalid := func(msg string) error {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg),
			"Config", "Validate", "gateway config")
	}
	if c.Path == "" || c.Path[0] != '/' {
		return invalid("path must start with '/'")
	}
	if c.AuthTimeout < 0 || c.IdleAfter < 0 || c.IdleTimeout < 0 || c.PingInterval < 0 {
		return invalid("timeouts cannot be negative")
	}
	if c.WriteTimeout < 0 || c.OperationTimeout < 0 {
		return invalid("timeouts cannot be negative")
	}
	if c.SendQueue < 0 {
		return invalid("send_queue cannot be negative")
	}
	if c.MaxPayloadSize < 0 {
		return invalid("max_payload_size cannot be negative")
	}
	if c.MaxPayloadSize > 64<<20 {
		return invalid("max_payload_size cannot exceed 64MiB")
	}
	if c.RateLimit.RefillPerSecond < 0 || c.RateLimit.Capacity < 0 || c.RateLimit.IdleTTL < 0 {
		return invalid("rate limit cannot be negative")
	}
	if c.IdleTimeout > 0 && c.IdleTimeout < c.IdleAfter {
		return invalid("idle_timeout must not be shorter than idle_after")
	}
	return nil
}
