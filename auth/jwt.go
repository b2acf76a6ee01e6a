package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/metric"
	"github.com/c360/wsbridge/pkg/cache"
)

// Token defaults shared by the authenticator and the issuer.
const (
	DefaultIssuer    = "nats-websocket-bridge"
	DefaultAudience  = "nats-devices"
	DefaultTTL       = 24 * time.Hour
	DefaultCacheSize = 4096
)

// Claims is the JWT body. Pub and Subscribe are pointers so an absent claim
// (use the role preset) differs from an explicitly empty one (deny all).
type Claims struct {
	Role       string    `json:"role,omitempty"`
	DeviceType string    `json:"deviceType,omitempty"`
	Pub        *[]string `json:"pub,omitempty"`
	Subscribe  *[]string `json:"subscribe,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig configures a JWTAuthenticator.
type JWTConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
	// CacheSize bounds the verified-token cache. Zero uses DefaultCacheSize.
	CacheSize int
	Roles     Roles
}

// JWTAuthenticator validates HS256 tokens.
type JWTAuthenticator struct {
	cfg    JWTConfig
	parser *jwt.Parser
	cache  cache.Cache[*Identity]
	clock  clock.Clock
	logger *slog.Logger
}

// JWTOption configures a JWTAuthenticator.
type JWTOption func(*jwtOptions)

type jwtOptions struct {
	clock    clock.Clock
	logger   *slog.Logger
	registry *metric.MetricsRegistry
}

// WithClock sets the time source used for expiry checks.
func WithClock(c clock.Clock) JWTOption {
	return func(o *jwtOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) JWTOption {
	return func(o *jwtOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics exports cache metrics.
func WithMetrics(r *metric.MetricsRegistry) JWTOption {
	return func(o *jwtOptions) { o.registry = r }
}

// NewJWTAuthenticator validates cfg and builds the authenticator.
func NewJWTAuthenticator(cfg JWTConfig, opts ...JWTOption) (*JWTAuthenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "auth", "NewJWTAuthenticator", "jwt secret")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Roles == nil {
		cfg.Roles = DefaultRoles()
	}
	cfg.Secret = append([]byte(nil), cfg.Secret...)

	o := jwtOptions{clock: clock.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	c, err := cache.NewLRU[*Identity](cfg.CacheSize, cache.WithMetrics[*Identity](o.registry, "auth"))
	if err != nil {
		return nil, errors.Wrap(err, "auth", "NewJWTAuthenticator", "token cache")
	}

	return &JWTAuthenticator{
		cfg: cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithLeeway(cfg.Leeway),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(o.clock.Now),
		),
		cache:  c,
		clock:  o.clock,
		logger: o.logger.With("component", "auth"),
	}, nil
}

// Authenticate implements Authenticator. A cached identity is re-checked
// for expiry on every hit.
func (a *JWTAuthenticator) Authenticate(_ context.Context, creds Credentials) (*Identity, error) {
	if creds.Token == "" {
		return nil, authFailed("Authenticate", "missing token")
	}

	key := tokenKey(creds.Token)
	if id, ok := a.cache.Get(key); ok {
		if !id.Expired(a.clock.Now()) {
			return labelled(id, creds), nil
		}
		a.cache.Delete(key)
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrAuthFailed, errors.ErrTokenExpired),
			"auth", "Authenticate", "credential verification")
	}

	var claims Claims
	_, err := a.parser.ParseWithClaims(creds.Token, &claims, func(*jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	})
	if err != nil {
		a.logger.Debug("JWT rejected", "error", err)
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrAuthFailed, errors.ErrTokenExpired),
				"auth", "Authenticate", "credential verification")
		}
		return nil, authFailed("Authenticate", err.Error())
	}
	if claims.Subject == "" {
		return nil, authFailed("Authenticate", "token has no subject")
	}

	perms := a.cfg.Roles.permissionsFor(claims.Role, claims.Subject, claims.Pub, claims.Subscribe)
	// The cached identity keeps only the claimed device type; the one the
	// device reports is applied per call.
	id := NewIdentity(IdentityConfig{
		ClientID:         claims.Subject,
		Role:             claims.Role,
		DeviceType:       claims.DeviceType,
		AllowedPublish:   perms.Publish,
		AllowedSubscribe: perms.Subscribe,
		ExpiresAt:        claims.ExpiresAt.Time,
		Leeway:           a.cfg.Leeway,
	})
	if _, err := a.cache.Set(key, id); err != nil {
		a.logger.Warn("Failed to cache identity", "error", err)
	}
	return labelled(id, creds), nil
}

// labelled falls back to the device-reported type when the token claims none.
func labelled(id *Identity, creds Credentials) *Identity {
	if id.DeviceType() != "" || creds.DeviceType == "" {
		return id
	}
	return id.withDeviceType(creds.DeviceType)
}

// CacheStats exposes the verified-token cache statistics.
func (a *JWTAuthenticator) CacheStats() *cache.Statistics {
	return a.cache.Stats()
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
