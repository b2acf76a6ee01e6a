package auth

import (
	"slices"
	"time"

	"github.com/c360/wsbridge/pkg/subject"
)

// Identity is an authenticated device principal. It is immutable: every
// accessor returns a copy, and a renewed credential yields a new Identity.
type Identity struct {
	clientID         string
	role             string
	deviceType       string
	allowedPublish   []string
	allowedSubscribe []string
	expiresAt        time.Time
	leeway           time.Duration
}

// IdentityConfig carries the fields of a new Identity.
type IdentityConfig struct {
	ClientID         string
	Role             string
	DeviceType       string
	AllowedPublish   []string
	AllowedSubscribe []string
	// ExpiresAt zero means the identity never expires.
	ExpiresAt time.Time
	// Leeway extends validity past ExpiresAt to absorb clock skew.
	Leeway time.Duration
}

// NewIdentity copies cfg into a new Identity.
func NewIdentity(cfg IdentityConfig) *Identity {
	return &Identity{
		clientID:         cfg.ClientID,
		role:             cfg.Role,
		deviceType:       cfg.DeviceType,
		allowedPublish:   slices.Clone(cfg.AllowedPublish),
		allowedSubscribe: slices.Clone(cfg.AllowedSubscribe),
		expiresAt:        cfg.ExpiresAt,
		leeway:           cfg.Leeway,
	}
}

// withDeviceType returns a copy of id labelled with deviceType.
func (id *Identity) withDeviceType(deviceType string) *Identity {
	c := *id
	c.deviceType = deviceType
	return &c
}

func (id *Identity) ClientID() string   { return id.clientID }
func (id *Identity) Role() string       { return id.role }
func (id *Identity) DeviceType() string { return id.deviceType }

// AllowedPublish returns a copy of the publish patterns.
func (id *Identity) AllowedPublish() []string { return slices.Clone(id.allowedPublish) }

// AllowedSubscribe returns a copy of the subscribe patterns.
func (id *Identity) AllowedSubscribe() []string { return slices.Clone(id.allowedSubscribe) }

// ExpiresAt returns the expiry, zero when the identity does not expire.
func (id *Identity) ExpiresAt() time.Time { return id.expiresAt }

// Expired reports whether the identity is no longer valid at now, allowing
// for the leeway it was issued with.
func (id *Identity) Expired(now time.Time) bool {
	return !id.expiresAt.IsZero() && !now.Before(id.expiresAt.Add(id.leeway))
}

// CanPublish reports whether subj matches a publish pattern.
func (id *Identity) CanPublish(subj string) bool {
	return subject.MatchAny(subj, id.allowedPublish)
}

// CanSubscribe reports whether every subject matched by pattern is covered
// by a subscribe pattern.
func (id *Identity) CanSubscribe(pattern string) bool {
	return subject.CoversAny(pattern, id.allowedSubscribe)
}
