package acme

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// Files are the resolved locations of a certificate's artifacts.
type Files struct {
	PrivateKey   string
	Cert         string
	Chain        string
	Fullchain    string
	KeyFullchain string
}

// Bundle describes an issued or renewed certificate.
type Bundle struct {
	Altnames  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	CertURL   string
	Files     Files
}

// Covers reports whether every domain is among the bundle's names.
func (b *Bundle) Covers(domains []string) bool {
	names := make(map[string]struct{}, len(b.Altnames))
	for _, n := range b.Altnames {
		names[n] = struct{}{}
	}
	for _, d := range domains {
		if _, ok := names[d]; !ok {
			return false
		}
	}
	return true
}

// DueForRenewal reports whether the certificate expires within window of now.
func (b *Bundle) DueForRenewal(now time.Time, window time.Duration) bool {
	return !b.ExpiresAt.After(now.Add(window))
}

// bundleFromPEM builds a Bundle from the first certificate of a PEM chain.
func bundleFromPEM(certPEM []byte) (*Bundle, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("no PEM block found in certificate")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	names := append([]string(nil), cert.DNSNames...)
	if len(names) == 0 && cert.Subject.CommonName != "" {
		names = []string{cert.Subject.CommonName}
	}
	return &Bundle{
		Altnames:  names,
		IssuedAt:  cert.NotBefore.UTC(),
		ExpiresAt: cert.NotAfter.UTC(),
	}, nil
}
