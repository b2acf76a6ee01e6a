package auth

import (
	"context"
	"crypto/subtle"

	"github.com/c360/wsbridge/errors"
)

// StaticDevice is a legacy device entry from configuration.
type StaticDevice struct {
	Token      string    `yaml:"token" json:"token"`
	DeviceType string    `yaml:"device_type" json:"device_type"`
	Role       string    `yaml:"role" json:"role"`
	Publish    *[]string `yaml:"publish,omitempty" json:"publish,omitempty"`
	Subscribe  *[]string `yaml:"subscribe,omitempty" json:"subscribe,omitempty"`
}

// StaticAuthenticator checks legacy tokens against a fixed device table.
// Identities it produces never expire.
type StaticAuthenticator struct {
	devices map[string]StaticDevice
	roles   Roles
}

// NewStaticAuthenticator copies devices. A nil roles uses DefaultRoles.
func NewStaticAuthenticator(devices map[string]StaticDevice, roles Roles) (*StaticAuthenticator, error) {
	if roles == nil {
		roles = DefaultRoles()
	}
	copied := make(map[string]StaticDevice, len(devices))
	for id, d := range devices {
		if d.Token == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "auth", "NewStaticAuthenticator",
				"device "+id+" has no token")
		}
		copied[id] = d
	}
	return &StaticAuthenticator{devices: copied, roles: roles}, nil
}

// Authenticate implements Authenticator. The device id is required.
func (s *StaticAuthenticator) Authenticate(_ context.Context, creds Credentials) (*Identity, error) {
	d, ok := s.devices[creds.DeviceID]
	if !ok || creds.DeviceID == "" {
		return nil, authFailed("Authenticate", "unknown device")
	}
	if subtle.ConstantTimeCompare([]byte(creds.Token), []byte(d.Token)) != 1 {
		return nil, authFailed("Authenticate", "invalid device token")
	}

	deviceType := d.DeviceType
	if deviceType == "" {
		deviceType = creds.DeviceType
	}
	perms := s.roles.permissionsFor(d.Role, creds.DeviceID, d.Publish, d.Subscribe)
	return NewIdentity(IdentityConfig{
		ClientID:         creds.DeviceID,
		Role:             d.Role,
		DeviceType:       deviceType,
		AllowedPublish:   perms.Publish,
		AllowedSubscribe: perms.Subscribe,
	}), nil
}

// Len returns the number of configured devices.
func (s *StaticAuthenticator) Len() int { return len(s.devices) }
