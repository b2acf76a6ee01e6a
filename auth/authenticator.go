package auth

import (
	"context"
	"fmt"

	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/protocol"
)

// Credentials is what a device presents, from an Auth frame or an
// Authorization header.
type Credentials struct {
	// Token is a JWT or a legacy static token.
	Token string
	// DeviceID is set only by the legacy payload form.
	DeviceID   string
	DeviceType string
}

// CredentialsFrom converts an Auth frame payload.
func CredentialsFrom(req protocol.AuthRequest) Credentials {
	return Credentials{Token: req.Secret(), DeviceID: req.DeviceID, DeviceType: req.DeviceType}
}

// Authenticator verifies credentials and produces an Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*Identity, error)
}

func authFailed(method, reason string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrAuthFailed, reason),
		"auth", method, "credential verification")
}

// Chain routes legacy credentials (DeviceID set) to the static table first
// and then to JWT with the extra requirement that the token subject equals
// the device id. Everything else goes to JWT. Either member may be nil.
type Chain struct {
	Static *StaticAuthenticator
	JWT    *JWTAuthenticator
}

// Authenticate implements Authenticator.
func (c Chain) Authenticate(ctx context.Context, creds Credentials) (*Identity, error) {
	if creds.Token == "" {
		return nil, authFailed("Authenticate", "missing credential")
	}

	if creds.DeviceID != "" && c.Static != nil {
		id, err := c.Static.Authenticate(ctx, creds)
		if err == nil {
			return id, nil
		}
		if c.JWT == nil {
			return nil, err
		}
	}

	if c.JWT == nil {
		return nil, authFailed("Authenticate", "no authenticator accepts this credential")
	}

	id, err := c.JWT.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}
	if creds.DeviceID != "" && id.ClientID() != creds.DeviceID {
		return nil, authFailed("Authenticate", "token subject does not match device id")
	}
	return id, nil
}
