package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/c360/wsbridge/auth"
	"github.com/c360/wsbridge/bridge"
	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/pkg/acme"
	"github.com/c360/wsbridge/pkg/subject"
	"github.com/c360/wsbridge/pkg/tlsutil"
)

// RedactedValue replaces secrets in Redacted copies.
const RedactedValue = "[REDACTED]"

// Config is the gateway's file configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Auth    AuthConfig    `yaml:"auth" json:"auth"`
	Limits  LimitsConfig  `yaml:"limits" json:"limits"`
	NATS    NATSConfig    `yaml:"nats" json:"nats"`
	Stream  StreamConfig  `yaml:"stream" json:"stream"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

// ServerConfig configures the WebSocket listener.
type ServerConfig struct {
	Addr            string               `yaml:"addr" json:"addr"`
	Path            string               `yaml:"path" json:"path"`
	AllowedOrigins  []string             `yaml:"allowed_origins" json:"allowed_origins,omitempty"`
	ShutdownTimeout time.Duration        `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TLS             tlsutil.ServerConfig `yaml:"tls" json:"tls"`
	// ACME obtains the listener certificate instead of tls.cert_file and
	// tls.key_file. The other tls settings still apply.
	ACME acme.Config `yaml:"acme" json:"acme"`
}

// AuthConfig configures JWT verification, the legacy device table and role
// overrides.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" json:"jwt_secret,omitempty"`
	Issuer    string        `yaml:"issuer" json:"issuer,omitempty"`
	Audience  string        `yaml:"audience" json:"audience,omitempty"`
	Leeway    time.Duration `yaml:"leeway" json:"leeway"`
	// Timeout bounds the time between upgrade and a valid Auth frame.
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	CacheSize int           `yaml:"cache_size" json:"cache_size"`

	// Devices is the legacy {deviceId, token} table keyed by device id.
	Devices map[string]auth.StaticDevice `yaml:"devices" json:"devices,omitempty"`
	// Roles override or extend the built-in presets.
	Roles auth.Roles `yaml:"roles" json:"roles,omitempty"`
}

// LimitsConfig holds per-session limits.
type LimitsConfig struct {
	MaxPayloadSize   int           `yaml:"max_payload_size" json:"max_payload_size"`
	RatePerSecond    float64       `yaml:"rate_per_second" json:"rate_per_second"`
	Burst            int           `yaml:"burst" json:"burst"`
	RateIdleTTL      time.Duration `yaml:"rate_idle_ttl" json:"rate_idle_ttl"`
	SendQueue        int           `yaml:"send_queue" json:"send_queue"`
	IdleAfter        time.Duration `yaml:"idle_after" json:"idle_after"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval" json:"ping_interval"`
	OperationTimeout time.Duration `yaml:"operation_timeout" json:"operation_timeout"`
	MaxInFlight      int64         `yaml:"max_in_flight" json:"max_in_flight"`
}

// NATSConfig defines the backend connection.
type NATSConfig struct {
	URLs          []string             `yaml:"urls" json:"urls"`
	Name          string               `yaml:"name" json:"name,omitempty"`
	Username      string               `yaml:"username" json:"username,omitempty"`
	Password      string               `yaml:"password" json:"password,omitempty"`
	Token         string               `yaml:"token" json:"token,omitempty"`
	MaxReconnects int                  `yaml:"max_reconnects" json:"max_reconnects"`
	ReconnectWait time.Duration        `yaml:"reconnect_wait" json:"reconnect_wait"`
	Timeout       time.Duration        `yaml:"timeout" json:"timeout"`
	TLS           tlsutil.ClientConfig `yaml:"tls" json:"tls"`
	// TLSEnabled turns on TLS with the settings in TLS.
	TLSEnabled bool `yaml:"tls_enabled" json:"tls_enabled"`
}

// StreamConfig describes the JetStream streams and consumer defaults.
type StreamConfig struct {
	Streams []bridge.StreamSpec `yaml:"streams" json:"streams"`
	// Ensure creates or updates the streams at startup.
	Ensure         bool          `yaml:"ensure" json:"ensure"`
	AckWait        time.Duration `yaml:"ack_wait" json:"ack_wait"`
	MaxDeliver     int           `yaml:"max_deliver" json:"max_deliver"`
	MaxAckPending  int           `yaml:"max_ack_pending" json:"max_ack_pending"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // json or text
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Path:            "/ws",
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Issuer:    "nats-websocket-bridge",
			Audience:  "nats-devices",
			Leeway:    5 * time.Second,
			Timeout:   30 * time.Second,
			CacheSize: 10000,
		},
		Limits: LimitsConfig{
			MaxPayloadSize:   1 << 20,
			RatePerSecond:    100,
			Burst:            100,
			RateIdleTTL:      10 * time.Minute,
			SendQueue:        256,
			IdleAfter:        60 * time.Second,
			PingInterval:     30 * time.Second,
			OperationTimeout: 5 * time.Second,
			MaxInFlight:      256,
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "wsbridge",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Stream: StreamConfig{
			Streams:       bridge.DefaultStreams(),
			Ensure:        true,
			AckWait:       30 * time.Second,
			MaxDeliver:    -1,
			MaxAckPending: 1000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateLimits(); err != nil {
		return err
	}
	if err := c.ToGateway().Validate(); err != nil {
		return err
	}
	if len(c.NATS.URLs) == 0 {
		return invalid("nats.urls is required")
	}
	for i, u := range c.NATS.URLs {
		if !strings.Contains(u, "://") {
			return invalid("nats.urls[%d] %q has no scheme", i, u)
		}
	}
	if err := c.ToBridge().Validate(); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics.addr is required when metrics are enabled")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if f := c.Log.Format; f != "" && f != "json" && f != "text" {
		return invalid("log.format %q must be json or text", f)
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Addr == "" {
		return invalid("server.addr is required")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return invalid("server.path %q must start with '/'", c.Server.Path)
	}
	if c.Server.ShutdownTimeout < 0 {
		return invalid("server.shutdown_timeout cannot be negative")
	}
	tls := c.Server.TLS
	if c.Server.ACME.Enabled {
		if err := c.Server.ACME.Validate(); err != nil {
			return err
		}
	} else if tls.Enabled && (tls.CertFile == "" || tls.KeyFile == "") {
		return invalid("server.tls.cert_file and key_file are required when TLS is enabled")
	}
	if tls.MinVersion != "" {
		if err := validateTLSVersion(tls.MinVersion); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateAuth() error {
	a := c.Auth
	if a.JWTSecret == "" && len(a.Devices) == 0 {
		return invalid("auth needs a jwt_secret or at least one static device")
	}
	if a.JWTSecret != "" && len(a.JWTSecret) < 32 {
		return invalid("auth.jwt_secret must be at least 32 bytes")
	}
	if a.Leeway < 0 || a.Timeout < 0 || a.CacheSize < 0 {
		return invalid("auth durations and cache size cannot be negative")
	}

	roles := c.Roles()
	for name, p := range a.Roles {
		for _, pat := range append(append([]string(nil), p.Publish...), p.Subscribe...) {
			if err := subject.ValidatePattern(subject.Expand(pat, "client")); err != nil {
				return invalid("auth.roles.%s: %v", name, err)
			}
		}
	}
	for id, d := range a.Devices {
		if d.Token == "" {
			return invalid("auth.devices.%s has no token", id)
		}
		if _, ok := roles[d.Role]; !ok {
			return invalid("auth.devices.%s has unknown role %q", id, d.Role)
		}
	}
	return nil
}

func (c *Config) validateLimits() error {
	l := c.Limits
	if l.MaxPayloadSize < 0 || l.MaxPayloadSize > 64<<20 {
		return invalid("limits.max_payload_size must be within [0, 64MiB]")
	}
	if l.RatePerSecond < 0 || l.Burst < 0 || l.RateIdleTTL < 0 || l.SendQueue < 0 || l.MaxInFlight < 0 {
		return invalid("limits cannot be negative")
	}
	if l.IdleAfter < 0 || l.IdleTimeout < 0 || l.PingInterval < 0 || l.OperationTimeout < 0 {
		return invalid("limits durations cannot be negative")
	}
	return nil
}

func validateTLSVersion(version string) error {
	switch version {
	case "1.2", "1.3":
		return nil
	default:
		return invalid("invalid TLS version %q (must be \"1.2\" or \"1.3\")", version)
	}
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "gateway config")
}

// Roles returns the built-in presets overlaid with the configured roles.
func (c *Config) Roles() auth.Roles {
	return auth.DefaultRoles().Merge(c.Auth.Roles)
}

// ParseLevel maps a level name to its slog level. Empty is info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, invalid("log.level %q must be debug, info, warn or error", level)
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Redacted returns a copy with credentials replaced, for logging.
func (c *Config) Redacted() *Config {
	out := c.Clone()
	mask := func(s *string) {
		if *s != "" {
			*s = RedactedValue
		}
	}
	mask(&out.Auth.JWTSecret)
	mask(&out.NATS.Password)
	mask(&out.NATS.Token)
	if out.Auth.Devices != nil {
		devices := maps.Clone(out.Auth.Devices)
		for id, d := range devices {
			mask(&d.Token)
			devices[id] = d
		}
		out.Auth.Devices = devices
	}
	return out
}

// String renders the redacted configuration as JSON.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to the configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg. A nil cfg holds the defaults.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validating it.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}
