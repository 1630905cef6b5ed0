package acme

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Cert represents a certificate history record.
type Cert struct {
	ID               int64     // Primary Key (Populated on insert)
	Identifier       string    // Primary domain of the request
	Domains          string    // JSON array of all domains covered
	CertificateChain string    // PEM encoded fullchain
	PrivateKey       string    // PEM encoded private key for the cert (Sensitive!)
	IssuedAt         time.Time // UTC timestamp of issuance
	ExpiresAt        time.Time // UTC timestamp of expiry
}

// Writer defines the interface for storing certificate history records.
type Writer interface {
	// AddCert adds a new certificate record to the history.
	AddCert(cert Cert) error
}

// TimeFormat is the on-disk representation of history timestamps.
func TimeFormat(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// newCertRecord reads the artifacts a bundle points at into a history record.
func newCertRecord(identifier string, bundle *Bundle) (Cert, error) {
	domains, err := json.Marshal(bundle.Altnames)
	if err != nil {
		return Cert{}, fmt.Errorf("failed to marshal domains: %w", err)
	}
	chain, err := os.ReadFile(bundle.Files.Fullchain)
	if err != nil {
		return Cert{}, ioError("read fullchain", bundle.Files.Fullchain, err)
	}
	key, err := os.ReadFile(bundle.Files.PrivateKey)
	if err != nil {
		return Cert{}, ioError("read private key", bundle.Files.PrivateKey, err)
	}

	return Cert{
		Identifier:       identifier,
		Domains:          string(domains),
		CertificateChain: string(chain),
		PrivateKey:       string(key),
		IssuedAt:         bundle.IssuedAt.UTC(),
		ExpiresAt:        bundle.ExpiresAt.UTC(),
	}, nil
}

// WriteKeyFullchain writes the record's private key followed by its fullchain
// to path, in the same layout ConcatenateKeyAndFullchain produces.
func (c Cert) WriteKeyFullchain(path string) error {
	if c.PrivateKey == "" || c.CertificateChain == "" {
		return &Error{Code: CodeNotFound, Op: "restore key+fullchain", Path: path, Err: fmt.Errorf("record %d for %q is incomplete", c.ID, c.Identifier)}
	}
	data := make([]byte, 0, len(c.PrivateKey)+len(c.CertificateChain))
	data = append(data, c.PrivateKey...)
	data = append(data, c.CertificateChain...)
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return ioError("restore key+fullchain", path, err)
	}
	return nil
}
