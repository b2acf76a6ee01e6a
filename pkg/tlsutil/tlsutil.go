// Package tlsutil builds tls.Config values for the gateway's wss listener and
// for device SDK connections.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/wsbridge/errors"
)

// ServerConfig configures TLS on the gateway listener. Setting ClientCAFiles
// turns on device certificate verification (mTLS).
type ServerConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file,omitempty"`
	KeyFile    string `yaml:"key_file" json:"key_file,omitempty"`
	MinVersion string `yaml:"min_version" json:"min_version,omitempty"` // "1.2" or "1.3"

	ClientCAFiles     []string `yaml:"client_ca_files" json:"client_ca_files,omitempty"`
	RequireClientCert bool     `yaml:"require_client_cert" json:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `yaml:"allowed_client_cns" json:"allowed_client_cns,omitempty"`
}

// ClientConfig configures TLS for a device connecting over wss. The system
// CA pool is always trusted; CAFiles are added to it.
type ClientConfig struct {
	CAFiles            []string `yaml:"ca_files" json:"ca_files,omitempty"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify" json:"insecure_skip_verify,omitempty"` // DEV/TEST ONLY
	MinVersion         string   `yaml:"min_version" json:"min_version,omitempty"`
	ServerName         string   `yaml:"server_name" json:"server_name,omitempty"`

	// Client certificate presented to gateways that verify devices.
	CertFile string `yaml:"cert_file" json:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file" json:"key_file,omitempty"`
}

// LoadServerTLSConfig returns nil when TLS is disabled.
func LoadServerTLSConfig(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}
	if err := applyClientAuth(tlsConfig, cfg, "LoadServerTLSConfig"); err != nil {
		return nil, err
	}
	return tlsConfig, nil
}

// ServerTLSConfigWithCertificate builds the listener configuration around a
// certificate source such as an ACME store. CertFile and KeyFile are ignored;
// the client verification settings apply as in LoadServerTLSConfig.
func ServerTLSConfigWithCertificate(
	cfg ServerConfig,
	getCertificate func(*tls.ClientHelloInfo) (*tls.Certificate, error),
) (*tls.Config, error) {
	if getCertificate == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "tlsutil",
			"ServerTLSConfigWithCertificate", "certificate source")
	}
	tlsConfig := &tls.Config{
		GetCertificate: getCertificate,
		MinVersion:     parseTLSVersion(cfg.MinVersion),
	}
	if err := applyClientAuth(tlsConfig, cfg, "ServerTLSConfigWithCertificate"); err != nil {
		return nil, err
	}
	return tlsConfig, nil
}

func applyClientAuth(tlsConfig *tls.Config, cfg ServerConfig, method string) error {
	if len(cfg.ClientCAFiles) == 0 {
		return nil
	}

	pool, err := loadPool(x509.NewCertPool(), cfg.ClientCAFiles, method)
	if err != nil {
		return err
	}
	tlsConfig.ClientCAs = pool
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(cfg.AllowedClientCNs) > 0 {
		allowed := append([]string(nil), cfg.AllowedClientCNs...)
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			if len(chains) == 0 && !cfg.RequireClientCert {
				return nil
			}
			return verifyAllowedClientCN(chains, allowed)
		}
	}
	return nil
}

// LoadClientTLSConfig builds the device side configuration.
func LoadClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	rootCAs, err = loadPool(rootCAs, cfg.CAFiles, "LoadClientTLSConfig")
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		RootCAs:            rootCAs,
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func loadPool(pool *x509.CertPool, files []string, method string) (*x509.CertPool, error) {
	for _, caFile := range files {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", method, fmt.Sprintf("read CA file %s", caFile))
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(fmt.Errorf("invalid PEM data"),
				"tlsutil", method, fmt.Sprintf("parse CA certificate from %s", caFile))
		}
	}
	return pool, nil
}

func verifyAllowedClientCN(chains [][]*x509.Certificate, allowedCNs []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}

	cn := chains[0][0].Subject.CommonName
	for _, allowed := range allowedCNs {
		if cn == allowed {
			return nil
		}
	}
	return fmt.Errorf("client certificate CN '%s' not in allowed list", cn)
}

// parseTLSVersion defaults to TLS 1.2.
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
