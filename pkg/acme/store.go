package acme

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync/atomic"
	"time"
)

// CertStore holds the certificate served by a TLS listener and lets it be
// swapped without restarting the listener.
type CertStore struct {
	cert atomic.Pointer[tls.Certificate]
}

// Set replaces the served certificate. Leaf is parsed when missing.
func (s *CertStore) Set(cert *tls.Certificate) error {
	if cert == nil || len(cert.Certificate) == 0 {
		return fmt.Errorf("empty certificate")
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return fmt.Errorf("parse leaf: %w", err)
		}
		cert.Leaf = leaf
	}
	s.cert.Store(cert)
	return nil
}

// Current returns the served certificate, or nil before the first Set.
func (s *CertStore) Current() *tls.Certificate {
	return s.cert.Load()
}

// NotAfter returns the expiry of the served certificate.
func (s *CertStore) NotAfter() time.Time {
	if c := s.cert.Load(); c != nil && c.Leaf != nil {
		return c.Leaf.NotAfter
	}
	return time.Time{}
}

// GetCertificate implements tls.Config.GetCertificate.
func (s *CertStore) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	if c := s.cert.Load(); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("no certificate available yet")
}

// renewalDue reports whether a certificate expiring at notAfter should be
// renewed at now.
func renewalDue(notAfter time.Time, renewBefore time.Duration, now time.Time) bool {
	return !now.Before(notAfter.Add(-renewBefore))
}
