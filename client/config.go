package client

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/pkg/buffer"
	"github.com/c360/wsbridge/protocol"
)

// Defaults applied by DefaultConfig.
const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultAuthTimeout      = 30 * time.Second
	DefaultOperationTimeout = 5 * time.Second
	DefaultWriteTimeout     = 10 * time.Second

	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultMaxMissedPongs    = 2

	DefaultResetAfter      = 10 * time.Second
	DefaultMaxAuthFailures = 3

	DefaultBufferCapacity = 1000
	DefaultCallbackQueue  = 1000
)

// ReconnectConfig controls reconnection after a transport loss.
type ReconnectConfig struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the multiplicative jitter fraction; 0.25 means ±25%.
	Jitter float64
	// MaxAttempts bounds consecutive failed attempts. Zero is unlimited.
	MaxAttempts int
	// ResetAfter is how long a connection must stay up before the attempt
	// counter resets. Zero resets as soon as the connection is established.
	ResetAfter time.Duration
	// MaxAuthFailures stops reconnecting after this many consecutive
	// rejected credentials. Zero stops on the first rejection.
	MaxAuthFailures int
}

// HeartbeatConfig controls application-level Ping frames.
type HeartbeatConfig struct {
	Enabled   bool
	Interval  time.Duration
	Timeout   time.Duration
	MaxMissed int
}

// BufferConfig sizes the offline outbound buffer.
type BufferConfig struct {
	Capacity int
	Policy   buffer.OverflowPolicy
}

// Config describes one device connection. It is copied by New and never
// modified afterwards.
type Config struct {
	// URL is the gateway endpoint, ws:// or wss://.
	URL string
	// Token is the JWT credential, or the legacy device token when DeviceID
	// is set.
	Token string
	// DeviceID selects the legacy {deviceId, token} auth form.
	DeviceID   string
	DeviceType string
	// HeaderAuth sends the token as an Authorization header during the
	// handshake instead of an Auth frame.
	HeaderAuth bool

	TLS *tls.Config

	ConnectTimeout   time.Duration
	AuthTimeout      time.Duration
	OperationTimeout time.Duration
	WriteTimeout     time.Duration
	MaxPayloadSize   int
	CallbackQueue    int

	Reconnect ReconnectConfig
	Heartbeat HeartbeatConfig
	Buffer    BufferConfig
}

// DefaultConfig returns a config for url and token with every default set.
func DefaultConfig(url, token string) Config {
	return Config{
		URL:              url,
		Token:            token,
		ConnectTimeout:   DefaultConnectTimeout,
		AuthTimeout:      DefaultAuthTimeout,
		OperationTimeout: DefaultOperationTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		MaxPayloadSize:   protocol.DefaultMaxPayloadSize,
		CallbackQueue:    DefaultCallbackQueue,
		Reconnect: ReconnectConfig{
			Enabled:         true,
			InitialDelay:    time.Second,
			MaxDelay:        30 * time.Second,
			Multiplier:      2.0,
			Jitter:          0.25,
			ResetAfter:      DefaultResetAfter,
			MaxAuthFailures: DefaultMaxAuthFailures,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:   true,
			Interval:  DefaultHeartbeatInterval,
			Timeout:   DefaultHeartbeatTimeout,
			MaxMissed: DefaultMaxMissedPongs,
		},
		Buffer: BufferConfig{
			Capacity: DefaultBufferCapacity,
			Policy:   buffer.DropOldest,
		},
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"Config", "Validate", "client config")
	}

	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return invalid("url %q must be ws:// or wss://", c.URL)
	}
	if c.Token == "" {
		return invalid("token is required")
	}
	if len(c.DeviceID) > 256 {
		return invalid("device id exceeds 256 bytes")
	}
	if c.HeaderAuth && c.DeviceID != "" {
		return invalid("header auth carries a JWT only; unset device id")
	}
	if c.ConnectTimeout <= 0 || c.AuthTimeout <= 0 || c.OperationTimeout <= 0 || c.WriteTimeout <= 0 {
		return invalid("timeouts must be positive")
	}
	if c.MaxPayloadSize <= 0 {
		return invalid("max payload size must be positive")
	}
	if c.CallbackQueue <= 0 {
		return invalid("callback queue must be positive")
	}
	if c.Buffer.Capacity <= 0 {
		return invalid("buffer capacity must be positive")
	}

	r := c.Reconnect
	if r.Enabled {
		if r.InitialDelay <= 0 || r.MaxDelay < r.InitialDelay {
			return invalid("reconnect delays must satisfy 0 < initial <= max")
		}
		if r.Multiplier < 1 {
			return invalid("reconnect multiplier must be >= 1")
		}
		if r.Jitter < 0 || r.Jitter > 1 {
			return invalid("reconnect jitter must be within [0,1]")
		}
	}
	if r.MaxAttempts < 0 || r.ResetAfter < 0 || r.MaxAuthFailures < 0 {
		return invalid("reconnect limits cannot be negative")
	}

	h := c.Heartbeat
	if h.Enabled && (h.Interval <= 0 || h.Timeout <= 0 || h.MaxMissed <= 0) {
		return invalid("heartbeat interval, timeout and max missed must be positive")
	}
	return nil
}
