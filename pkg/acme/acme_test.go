package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/wsbridge/errors"
)

func validConfig(t *testing.T) Config {
	return Config{
		Enabled:      true,
		DirectoryURL: "https://step-ca:9000/acme/acme/directory",
		Email:        "ops@wsbridge.local",
		Domains:      []string{"gateway.wsbridge.local"},
		StoragePath:  filepath.Join(t.TempDir(), "acme"),
	}
}

// writeSelfSigned stores a certificate valid until notAfter where the
// client expects its issued certificate.
func writeSelfSigned(t *testing.T, dir string, notAfter time.Time) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "gateway.wsbridge.local"},
		DNSNames:     []string{"gateway.wsbridge.local"},
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, certFile),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, certKeyFile),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid http-01", func(c *Config) { c.ChallengeType = ChallengeHTTP01 }, ""},
		{"valid tls-alpn-01", func(c *Config) { c.ChallengeType = ChallengeTLSALPN01 }, ""},
		{"missing directory", func(c *Config) { c.DirectoryURL = "" }, "directory_url is required"},
		{"missing email", func(c *Config) { c.Email = "" }, "email is required"},
		{"missing domains", func(c *Config) { c.Domains = nil }, "at least one domain"},
		{"unsupported challenge", func(c *Config) { c.ChallengeType = "dns-01" }, "challenge_type"},
		{"missing storage", func(c *Config) { c.StoragePath = "" }, "storage_path is required"},
		{"negative renew", func(c *Config) { c.RenewBefore = -time.Hour }, "cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ChallengeHTTP01, cfg.ChallengeType)
	assert.Equal(t, DefaultRenewBefore, cfg.RenewBefore)
	assert.Equal(t, DefaultCheckInterval, cfg.CheckInterval)
	assert.Equal(t, "80", cfg.challengePort())

	cfg.ChallengeType = ChallengeTLSALPN01
	assert.Equal(t, "443", cfg.challengePort())
	cfg.ChallengePort = "8443"
	assert.Equal(t, "8443", cfg.challengePort())
}

func TestNewClient_PersistsAccount(t *testing.T) {
	cfg := validConfig(t)

	first, err := NewClient(cfg)
	require.NoError(t, err)
	require.NotNil(t, first.account.GetPrivateKey())
	assert.Equal(t, cfg.Email, first.account.GetEmail())
	assert.Nil(t, first.account.GetRegistration())

	info, err := os.Stat(filepath.Join(cfg.StoragePath, accountKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := NewClient(cfg)
	require.NoError(t, err)
	k1 := first.account.GetPrivateKey().(*ecdsa.PrivateKey)
	k2 := second.account.GetPrivateKey().(*ecdsa.PrivateKey)
	assert.True(t, k1.Equal(k2), "the stored account key is reused")
}

func TestNewClient_CorruptAccount(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, os.MkdirAll(cfg.StoragePath, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.StoragePath, accountFile), []byte("{"), 0o600))

	_, err := NewClient(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestClient_StoredCertificate(t *testing.T) {
	cfg := validConfig(t)
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	c, err := NewClient(cfg, WithClock(mock))
	require.NoError(t, err)

	stored, err := c.Stored()
	require.NoError(t, err)
	assert.Nil(t, stored, "nothing stored yet")

	notAfter := mock.Now().Add(30 * 24 * time.Hour)
	writeSelfSigned(t, cfg.StoragePath, notAfter)

	cert, issued, err := c.Certificate(context.Background())
	require.NoError(t, err)
	assert.False(t, issued, "a certificate far from expiry is served as is")
	assert.True(t, cert.Leaf.NotAfter.Equal(notAfter.Truncate(time.Second)))
}

func TestClient_RenewalHonoursContext(t *testing.T) {
	cfg := validConfig(t)
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	c, err := NewClient(cfg, WithClock(mock))
	require.NoError(t, err)
	writeSelfSigned(t, cfg.StoragePath, mock.Now().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = c.Certificate(ctx)
	require.Error(t, err, "a due certificate needs the ACME server")
	assert.True(t, errors.IsTransient(err))
}

func TestRenewalDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.False(t, renewalDue(now.Add(9*time.Hour), 8*time.Hour, now))
	assert.True(t, renewalDue(now.Add(8*time.Hour), 8*time.Hour, now))
	assert.True(t, renewalDue(now.Add(-time.Hour), 8*time.Hour, now))
}

func TestCertStore(t *testing.T) {
	var store CertStore
	assert.Nil(t, store.Current())
	assert.True(t, store.NotAfter().IsZero())
	_, err := store.GetCertificate(&tls.ClientHelloInfo{})
	assert.Error(t, err)
	assert.Error(t, store.Set(&tls.Certificate{}))

	dir := t.TempDir()
	notAfter := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	writeSelfSigned(t, dir, notAfter)
	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, certFile), filepath.Join(dir, certKeyFile))
	require.NoError(t, err)
	cert.Leaf = nil

	require.NoError(t, store.Set(&cert))
	got, err := store.GetCertificate(&tls.ClientHelloInfo{ServerName: "gateway.wsbridge.local"})
	require.NoError(t, err)
	assert.Same(t, &cert, got)
	assert.True(t, store.NotAfter().Equal(notAfter))
}
