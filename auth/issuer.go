package auth

import (
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/c360/wsbridge/errors"
)

// Issuer signs device tokens with the shared HS256 secret.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    clock.Clock
}

// IssuerConfig configures an Issuer. Empty fields take the package defaults.
type IssuerConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration
	Clock    clock.Clock
}

// TokenRequest describes the token to mint. Nil Publish or Subscribe leaves
// the claim out so the role preset applies.
type TokenRequest struct {
	ClientID   string
	Role       string
	DeviceType string
	Publish    []string
	Subscribe  []string
	TTL        time.Duration
}

// NewIssuer builds an Issuer.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "auth", "NewIssuer", "jwt secret")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Issuer{
		secret:   append([]byte(nil), cfg.Secret...),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
		clock:    cfg.Clock,
	}, nil
}

// Issue signs a token and returns it with its expiry.
func (i *Issuer) Issue(req TokenRequest) (string, time.Time, error) {
	if req.ClientID == "" {
		return "", time.Time{}, errors.WrapInvalid(errors.ErrMissingConfig, "auth", "Issue", "client id")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = i.ttl
	}

	now := i.clock.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Role:       req.Role,
		DeviceType: req.DeviceType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.ClientID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	if req.Publish != nil {
		p := slices.Clone(req.Publish)
		claims.Pub = &p
	}
	if req.Subscribe != nil {
		s := slices.Clone(req.Subscribe)
		claims.Subscribe = &s
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, errors.WrapFatal(err, "auth", "Issue", "token signing")
	}
	return signed, exp, nil
}
