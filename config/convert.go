package config

import (
	"crypto/tls"
	"log/slog"
	"strings"

	"github.com/c360/wsbridge/auth"
	"github.com/c360/wsbridge/bridge"
	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/gateway"
	"github.com/c360/wsbridge/metric"
	"github.com/c360/wsbridge/natsclient"
	"github.com/c360/wsbridge/pkg/acme"
	"github.com/c360/wsbridge/pkg/ratelimit"
	"github.com/c360/wsbridge/pkg/tlsutil"
)

// ToGateway returns the listener and session limits.
func (c *Config) ToGateway() gateway.Config {
	return gateway.Config{
		Addr:             c.Server.Addr,
		Path:             c.Server.Path,
		AuthTimeout:      c.Auth.Timeout,
		IdleAfter:        c.Limits.IdleAfter,
		IdleTimeout:      c.Limits.IdleTimeout,
		PingInterval:     c.Limits.PingInterval,
		OperationTimeout: c.Limits.OperationTimeout,
		SendQueue:        c.Limits.SendQueue,
		MaxPayloadSize:   c.Limits.MaxPayloadSize,
		RateLimit: ratelimit.Config{
			RefillPerSecond: c.Limits.RatePerSecond,
			Capacity:        c.Limits.Burst,
			IdleTTL:         c.Limits.RateIdleTTL,
		},
		AllowedOrigins: append([]string(nil), c.Server.AllowedOrigins...),
	}
}

// ToBridge returns the stream layout and consumer defaults.
func (c *Config) ToBridge() bridge.Config {
	return bridge.Config{
		Streams:        append([]bridge.StreamSpec(nil), c.Stream.Streams...),
		MaxInFlight:    c.Limits.MaxInFlight,
		AcquireTimeout: c.Stream.AcquireTimeout,
		RequestTimeout: c.Stream.RequestTimeout,
		AckWait:        c.Stream.AckWait,
		MaxDeliver:     c.Stream.MaxDeliver,
		MaxAckPending:  c.Stream.MaxAckPending,
	}
}

// JWT returns the verifier settings, or false when no secret is configured.
func (c *Config) JWT() (auth.JWTConfig, bool) {
	if c.Auth.JWTSecret == "" {
		return auth.JWTConfig{}, false
	}
	return auth.JWTConfig{
		Secret:    []byte(c.Auth.JWTSecret),
		Issuer:    c.Auth.Issuer,
		Audience:  c.Auth.Audience,
		Leeway:    c.Auth.Leeway,
		CacheSize: c.Auth.CacheSize,
		Roles:     c.Roles(),
	}, true
}

// Authenticator builds the JWT verifier and the legacy device table.
func (c *Config) Authenticator(logger *slog.Logger, registry *metric.MetricsRegistry) (auth.Chain, error) {
	var chain auth.Chain
	if jc, ok := c.JWT(); ok {
		opts := []auth.JWTOption{auth.WithLogger(logger)}
		if registry != nil {
			opts = append(opts, auth.WithMetrics(registry))
		}
		jwtAuth, err := auth.NewJWTAuthenticator(jc, opts...)
		if err != nil {
			return auth.Chain{}, err
		}
		chain.JWT = jwtAuth
	}
	if len(c.Auth.Devices) > 0 {
		static, err := auth.NewStaticAuthenticator(c.Auth.Devices, c.Roles())
		if err != nil {
			return auth.Chain{}, err
		}
		chain.Static = static
	}
	return chain, nil
}

// NATSURL joins the configured servers the way nats.Connect accepts them.
func (c *Config) NATSURL() string {
	return strings.Join(c.NATS.URLs, ",")
}

// NATSOptions returns the natsclient options for the backend connection.
func (c *Config) NATSOptions(logger *slog.Logger, registry *metric.MetricsRegistry) ([]natsclient.ClientOption, error) {
	n := c.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithLogger(logger),
	}
	if n.Name != "" {
		opts = append(opts, natsclient.WithName(n.Name))
	}
	if n.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(n.ReconnectWait))
	}
	if n.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(n.Timeout))
	}
	switch {
	case n.Username != "":
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	case n.Token != "":
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	if n.TLSEnabled {
		tlsCfg, err := tlsutil.LoadClientTLSConfig(n.TLS)
		if err != nil {
			return nil, err
		}
		opts = append(opts, natsclient.WithTLSConfig(tlsCfg))
	}
	if registry != nil {
		opts = append(opts, natsclient.WithMetrics(registry))
	}
	return opts, nil
}

// ServerTLS returns the listener TLS config from the configured files, or
// nil when TLS is off. With ACME enabled the certificate comes from certs,
// which must then be non-nil.
func (c *Config) ServerTLS(certs *acme.CertStore) (*tls.Config, error) {
	if c.Server.ACME.Enabled {
		if certs == nil {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Config", "ServerTLS", "acme certificate store")
		}
		return tlsutil.ServerTLSConfigWithCertificate(c.Server.TLS, certs.GetCertificate)
	}
	if !c.Server.TLS.Enabled {
		return nil, nil
	}
	return tlsutil.LoadServerTLSConfig(c.Server.TLS)
}
