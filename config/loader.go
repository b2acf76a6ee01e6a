package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/wsbridge/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WSBRIDGE"

// Loader loads configuration layers over the defaults. Each layer only
// overrides the keys it sets; lists are replaced, maps are merged.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookup     func(string) (string, bool)
}

// NewLoader creates a loader that reads the process environment.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		lookup:    os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation after loading.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load merges the defaults, every layer and the environment.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		if err := l.loadLayer(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Load reads one file over the defaults, applies the environment and
// validates the result.
func Load(path string) (*Config, error) {
	l := NewLoader()
	if path != "" {
		l.AddLayer(path)
	}
	l.EnableValidation(true)
	return l.Load()
}

func (l *Loader) loadLayer(path string, cfg *Config) error {
	data, err := safeReadFile(path)
	if err != nil {
		return errors.WrapInvalid(err, "Loader", "Load", path)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := validateJSONDepth(data); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "Loader", "Load", path)
		}
	}
	return decode(data, cfg, path)
}

// decode applies a YAML or JSON document onto cfg. Unknown keys are errors.
func decode(data []byte, cfg *Config, source string) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "Loader", "decode", source)
	}
	return nil
}

// Parse applies data over the defaults without touching the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(data, cfg, "inline"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies WSBRIDGE_* overrides from the process environment.
func (c *Config) ApplyEnv() error {
	return NewLoader().applyEnv(c)
}

func (l *Loader) applyEnv(cfg *Config) error {
	var firstErr error
	get := func(name string) (string, bool) {
		key := l.envPrefix + "_" + name
		val, ok := l.lookup(key)
		if !ok || val == "" {
			return "", false
		}
		if err := validateEnvVar(key, val); err != nil {
			if firstErr == nil {
				firstErr = errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "applyEnv", key)
			}
			return "", false
		}
		return val, true
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil && firstErr == nil {
				firstErr = errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, name, err), "Loader", "applyEnv", name)
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil && firstErr == nil {
				firstErr = errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, name, err), "Loader", "applyEnv", name)
				return
			}
			*dst = n
		}
	}

	str("SERVER_ADDR", &cfg.Server.Addr)
	str("SERVER_PATH", &cfg.Server.Path)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("JWT_ISSUER", &cfg.Auth.Issuer)
	str("JWT_AUDIENCE", &cfg.Auth.Audience)
	dur("AUTH_TIMEOUT", &cfg.Auth.Timeout)
	integer("MAX_PAYLOAD_SIZE", &cfg.Limits.MaxPayloadSize)
	if v, ok := get("NATS_URLS"); ok {
		cfg.NATS.URLs = splitList(v)
	}
	str("NATS_USERNAME", &cfg.NATS.Username)
	str("NATS_PASSWORD", &cfg.NATS.Password)
	str("NATS_TOKEN", &cfg.NATS.Token)
	str("METRICS_ADDR", &cfg.Metrics.Addr)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("TLS_CERT_FILE", &cfg.Server.TLS.CertFile)
	str("TLS_KEY_FILE", &cfg.Server.TLS.KeyFile)
	if cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
		cfg.Server.TLS.Enabled = true
	}
	return firstErr
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
