package acme

import (
	"context"
	"errors"
	"time"

	"github.com/go-acme/lego/v4/challenge"
)

// RegisterRequest is what the engine needs to issue a certificate.
type RegisterRequest struct {
	AgreeTOS      bool
	Domains       []string
	Email         string
	RSAKeySize    int
	ChallengeType string
}

// PendingRenewal is a renewal the engine started but has not finished yet.
type PendingRenewal interface {
	Await(ctx context.Context) (*Bundle, error)
}

// Result is an engine outcome. When Pending is set the caller must await it;
// Bundle then only describes the certificate that is being replaced.
// Issued is false when Bundle is a stored certificate handed back unchanged.
type Result struct {
	Bundle  *Bundle
	Pending PendingRenewal
	Issued  bool
}

// Engine drives the ACME protocol against a CA.
type Engine interface {
	// Register issues a certificate for req.Domains, registering the account first.
	Register(ctx context.Context, req RegisterRequest) (*Result, error)
	// Check returns the stored certificate matching cfg, or nil when there is none.
	Check(ctx context.Context, cfg Config) (*Bundle, error)
	// Renew renews existing.
	Renew(ctx context.Context, cfg Config, existing *Bundle) (*Result, error)
}

// EngineConfig is the engine construction input derived from a Config.
type EngineConfig struct {
	Config      Config
	ServerURL   string
	RenewWithin time.Duration
	Duplicate   bool
	Debug       bool
	Challenges  map[string]challenge.Provider
}

// StoredCertificate is the PEM material kept by a Store.
type StoredCertificate struct {
	PrivateKey []byte
	Cert       []byte
	Chain      []byte
	CertURL    string
}

// Store keeps account keys, domain keys and certificates.
// Load* methods return an error matching ErrNotFound when nothing is stored.
type Store interface {
	LoadAccountKey(ctx context.Context) ([]byte, error)
	SaveAccountKey(ctx context.Context, keyPEM []byte) error
	LoadDomainKey(ctx context.Context) ([]byte, error)
	LoadCertificate(ctx context.Context) (*StoredCertificate, error)
	SaveCertificate(ctx context.Context, c StoredCertificate) (*Bundle, error)
	Files() Files
}

// StoreFactory builds the store for one invocation.
type StoreFactory func(cfg Config) (Store, error)

// EngineFactory builds the engine for one invocation.
type EngineFactory func(cfg EngineConfig, store Store) (Engine, error)

var errNilResult = errors.New("engine returned no certificate")

// resolveResult waits for a pending renewal so callers never see one. The
// boolean reports whether a certificate was actually issued or renewed; a
// completed pending renewal always was.
func resolveResult(ctx context.Context, res *Result) (*Bundle, bool, error) {
	if res == nil {
		return nil, false, protocolError("resolve result", errNilResult)
	}
	if res.Pending != nil {
		bundle, err := res.Pending.Await(ctx)
		if err != nil {
			return nil, false, err
		}
		if bundle == nil {
			return nil, false, protocolError("resolve result", errNilResult)
		}
		return bundle, true, nil
	}
	if res.Bundle == nil {
		return nil, false, protocolError("resolve result", errNilResult)
	}
	return res.Bundle, res.Issued, nil
}
