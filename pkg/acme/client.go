// Package acme obtains and renews the gateway's wss:// certificate from an
// ACME server (Let's Encrypt, step-ca) with lego.
package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/challenge/tlsalpn01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/c360/wsbridge/errors"
)

const (
	accountFile = "account.json"
	accountKey  = "account.key"
	certFile    = "certificate.pem"
	certKeyFile = "certificate.key"
)

// Account is the persisted ACME registration. It implements registration.User.
type Account struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          crypto.PrivateKey
}

func (a *Account) GetEmail() string                        { return a.Email }
func (a *Account) GetRegistration() *registration.Resource { return a.Registration }
func (a *Account) GetPrivateKey() crypto.PrivateKey        { return a.key }

// Client manages the certificate lifecycle. The ACME server is contacted
// only when a certificate must be obtained or renewed.
type Client struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock

	mu      sync.Mutex
	account *Account
	lego    *lego.Client
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.With("component", "acme")
		}
	}
}

// WithClock sets the time source used for renewal decisions.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// NewClient validates cfg, creates the storage directory and loads or
// creates the account key.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o700); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "NewClient", "create storage directory")
	}

	c := &Client{
		cfg:    cfg,
		logger: slog.Default().With("component", "acme"),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.loadOrCreateAccount(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) path(name string) string {
	return filepath.Join(c.cfg.StoragePath, name)
}

func (c *Client) loadOrCreateAccount() error {
	data, err := os.ReadFile(c.path(accountFile))
	if err == nil {
		var account Account
		if err := json.Unmarshal(data, &account); err != nil {
			return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "unmarshal account")
		}
		keyData, err := os.ReadFile(c.path(accountKey))
		if err != nil {
			return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "read key file")
		}
		key, err := certcrypto.ParsePEMPrivateKey(keyData)
		if err != nil {
			return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "parse private key")
		}
		account.key = key
		c.account = &account
		return nil
	}
	if !os.IsNotExist(err) {
		return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "read account file")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "generate private key")
	}
	c.account = &Account{Email: c.cfg.Email, key: key}
	return c.saveAccount()
}

func (c *Client) saveAccount() error {
	data, err := json.MarshalIndent(c.account, "", "  ")
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "marshal account")
	}
	if err := os.WriteFile(c.path(accountFile), data, 0o600); err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "write account file")
	}
	if err := os.WriteFile(c.path(accountKey), certcrypto.PEMEncode(c.account.key), 0o600); err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "write key file")
	}
	return nil
}

// legoClient builds the lego client and registers the account on first use.
func (c *Client) legoClient() (*lego.Client, error) {
	if c.lego != nil {
		return c.lego, nil
	}

	config := lego.NewConfig(c.account)
	config.CADirURL = c.cfg.DirectoryURL
	config.Certificate.KeyType = certcrypto.EC256

	if c.cfg.CABundle != "" {
		pem, err := os.ReadFile(c.cfg.CABundle)
		if err != nil {
			return nil, errors.WrapFatal(err, "acme.Client", "legoClient", "read CA bundle")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.WrapFatal(fmt.Errorf("failed to parse CA certificate"),
				"acme.Client", "legoClient", "parse CA bundle")
		}
		config.HTTPClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
			},
		}
	}

	client, err := lego.NewClient(config)
	if err != nil {
		return nil, errors.WrapTransient(err, "acme.Client", "legoClient", "create lego client")
	}

	port := c.cfg.challengePort()
	switch c.cfg.ChallengeType {
	case ChallengeTLSALPN01:
		err = client.Challenge.SetTLSALPN01Provider(tlsalpn01.NewProviderServer("", port))
	default:
		err = client.Challenge.SetHTTP01Provider(http01.NewProviderServer("", port))
	}
	if err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "legoClient", "setup challenge provider")
	}

	if c.account.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, errors.WrapTransient(err, "acme.Client", "legoClient", "register account")
		}
		c.account.Registration = reg
		if err := c.saveAccount(); err != nil {
			return nil, err
		}
		c.logger.Info("ACME account registered", "email", c.account.Email)
	}

	c.lego = client
	return client, nil
}

// Stored returns the certificate kept in storage, or nil when none exists.
func (c *Client) Stored() (*tls.Certificate, error) {
	if _, err := os.Stat(c.path(certFile)); os.IsNotExist(err) {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.path(certFile), c.path(certKeyFile))
	if err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "Stored", "load stored certificate")
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, errors.WrapFatal(err, "acme.Client", "Stored", "parse stored certificate")
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// Certificate returns a certificate that is not yet due for renewal,
// obtaining or renewing one when needed. The second result reports whether
// the ACME server issued a new certificate.
func (c *Client) Certificate(ctx context.Context) (*tls.Certificate, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, err := c.Stored()
	if err != nil {
		return nil, false, err
	}
	if stored != nil && !renewalDue(stored.Leaf.NotAfter, c.cfg.RenewBefore, c.clock.Now()) {
		return stored, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, errors.WrapTransient(err, "acme.Client", "Certificate", "context")
	}

	client, err := c.legoClient()
	if err != nil {
		return nil, false, err
	}

	var res *certificate.Resource
	if stored == nil {
		res, err = client.Certificate.Obtain(certificate.ObtainRequest{Domains: c.cfg.Domains, Bundle: true})
	} else {
		certPEM, readErr := os.ReadFile(c.path(certFile))
		if readErr != nil {
			return nil, false, errors.WrapFatal(readErr, "acme.Client", "Certificate", "read certificate for renewal")
		}
		res, err = client.Certificate.Renew(certificate.Resource{
			Domain:      c.cfg.Domains[0],
			Certificate: certPEM,
		}, true, false, "")
	}
	if err != nil {
		return nil, false, errors.WrapTransient(err, "acme.Client", "Certificate", "obtain certificate")
	}

	if err := os.WriteFile(c.path(certFile), res.Certificate, 0o644); err != nil {
		return nil, false, errors.WrapFatal(err, "acme.Client", "Certificate", "write certificate")
	}
	if err := os.WriteFile(c.path(certKeyFile), res.PrivateKey, 0o600); err != nil {
		return nil, false, errors.WrapFatal(err, "acme.Client", "Certificate", "write private key")
	}

	cert, err := tls.X509KeyPair(res.Certificate, res.PrivateKey)
	if err != nil {
		return nil, false, errors.WrapFatal(err, "acme.Client", "Certificate", "load certificate")
	}
	c.logger.Info("Certificate issued", "domains", c.cfg.Domains, "renewal", stored != nil)
	return &cert, true, nil
}

// Run loads the first certificate into store, then checks it every
// CheckInterval until ctx ends. Renewal failures are logged and retried on
// the next check while the current certificate keeps being served.
func (c *Client) Run(ctx context.Context, store *CertStore) error {
	if store.Current() == nil {
		cert, _, err := c.Certificate(ctx)
		if err != nil {
			return err
		}
		if err := store.Set(cert); err != nil {
			return errors.WrapFatal(err, "acme.Client", "Run", "install certificate")
		}
	}

	ticker := c.clock.Ticker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cert, issued, err := c.Certificate(ctx)
			if err != nil {
				c.logger.Warn("Certificate renewal failed", "error", err, "not_after", store.NotAfter())
				continue
			}
			if !issued {
				continue
			}
			if err := store.Set(cert); err != nil {
				c.logger.Error("Renewed certificate rejected", "error", err)
				continue
			}
			c.logger.Info("Certificate renewed", "not_after", store.NotAfter())
		}
	}
}
