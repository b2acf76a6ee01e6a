package acme

import (
	"fmt"
	"time"

	"github.com/c360/wsbridge/errors"
)

// Challenge types accepted by Config.
const (
	ChallengeHTTP01    = "http-01"
	ChallengeTLSALPN01 = "tls-alpn-01"
)

// DefaultRenewBefore is how long before expiry a certificate is renewed.
const DefaultRenewBefore = 8 * time.Hour

// DefaultCheckInterval is how often Run checks the certificate.
const DefaultCheckInterval = time.Hour

// Config holds ACME settings for the gateway listener certificate.
type Config struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	DirectoryURL  string   `yaml:"directory_url" json:"directory_url,omitempty"`
	Email         string   `yaml:"email" json:"email,omitempty"`
	Domains       []string `yaml:"domains" json:"domains,omitempty"`
	ChallengeType string   `yaml:"challenge_type" json:"challenge_type,omitempty"`
	// ChallengePort overrides the default port of the challenge listener
	// (80 for http-01, 443 for tls-alpn-01).
	ChallengePort string        `yaml:"challenge_port" json:"challenge_port,omitempty"`
	RenewBefore   time.Duration `yaml:"renew_before" json:"renew_before,omitempty"`
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval,omitempty"`
	StoragePath   string        `yaml:"storage_path" json:"storage_path,omitempty"`
	// CABundle is trusted when talking to a private ACME server such as step-ca.
	CABundle string `yaml:"ca_bundle" json:"ca_bundle,omitempty"`
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.DirectoryURL == "" {
		return invalid("directory_url is required")
	}
	if c.Email == "" {
		return invalid("email is required")
	}
	if len(c.Domains) == 0 {
		return invalid("at least one domain is required")
	}
	switch c.ChallengeType {
	case "":
		c.ChallengeType = ChallengeHTTP01
	case ChallengeHTTP01, ChallengeTLSALPN01:
	default:
		return invalid("challenge_type must be 'http-01' or 'tls-alpn-01'")
	}
	if c.StoragePath == "" {
		return invalid("storage_path is required")
	}
	if c.RenewBefore < 0 || c.CheckInterval < 0 {
		return invalid("renew_before and check_interval cannot be negative")
	}
	if c.RenewBefore == 0 {
		c.RenewBefore = DefaultRenewBefore
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	return nil
}

func (c *Config) challengePort() string {
	if c.ChallengePort != "" {
		return c.ChallengePort
	}
	if c.ChallengeType == ChallengeTLSALPN01 {
		return "443"
	}
	return "80"
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: acme: %s", errors.ErrInvalidConfig, msg),
		"acme.Config", "Validate", "acme settings")
}
