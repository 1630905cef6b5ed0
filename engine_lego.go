package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
)

// AcmeUser implements lego's registration.User interface.
type AcmeUser struct {
	Email        string
	Registration *registration.Resource
	PrivateKey   crypto.PrivateKey
}

func (u *AcmeUser) GetEmail() string                        { return u.Email }
func (u *AcmeUser) GetRegistration() *registration.Resource { return u.Registration }
func (u *AcmeUser) GetPrivateKey() crypto.PrivateKey        { return u.PrivateKey }

// acmeClient is the part of *lego.Client the engine uses.
type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
	Renew(res certificate.Resource, options *certificate.RenewOptions) (*certificate.Resource, error)
}

type clientFactory func(*lego.Config) (acmeClient, error)

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoClientAdapter{client: client}, nil
}

type legoClientAdapter struct {
	client *lego.Client
}

func (l *legoClientAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoClientAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoClientAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return l.client.Certificate.Obtain(request)
}

func (l *legoClientAdapter) Renew(res certificate.Resource, options *certificate.RenewOptions) (*certificate.Resource, error) {
	return l.client.Certificate.RenewWithOptions(res, options)
}

// LegoEngine is the Engine backed by go-acme/lego.
type LegoEngine struct {
	cfg    EngineConfig
	store  Store
	logger *slog.Logger

	newClient     clientFactory
	newAccountKey func() (crypto.PrivateKey, error)
	newDomainKey  func(bits int) (crypto.PrivateKey, error)
	now           func() time.Time
}

// NewLegoEngineFactory returns the EngineFactory used outside of tests.
func NewLegoEngineFactory(logger *slog.Logger) EngineFactory {
	return func(cfg EngineConfig, store Store) (Engine, error) {
		engine, err := newLegoEngine(cfg, store, logger, defaultClientFactory)
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
}

func newLegoEngine(cfg EngineConfig, store Store, logger *slog.Logger, factory clientFactory) (*LegoEngine, error) {
	if store == nil {
		return nil, configErrorf("engine: store is required")
	}
	if cfg.ServerURL == "" {
		return nil, configErrorf("engine: ACME directory URL is required")
	}
	if _, ok := cfg.Challenges[ChallengeHTTP01]; !ok {
		return nil, configErrorf("engine: no %s challenge provider configured", ChallengeHTTP01)
	}
	return &LegoEngine{
		cfg:       cfg,
		store:     store,
		logger:    logger.With("component", "lego_engine", "server", cfg.ServerURL),
		newClient: factory,
		newAccountKey: func() (crypto.PrivateKey, error) {
			return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		},
		newDomainKey: func(bits int) (crypto.PrivateKey, error) {
			return rsa.GenerateKey(rand.Reader, bits)
		},
		now: time.Now,
	}, nil
}

// Register returns the stored certificate when it still matches and duplicates
// are not allowed. A stored certificate that is due is renewed in the
// background and handed back as a pending renewal. Otherwise a new certificate
// is obtained.
func (e *LegoEngine) Register(ctx context.Context, req RegisterRequest) (*Result, error) {
	if req.ChallengeType != ChallengeHTTP01 {
		return nil, configErrorf("engine: unsupported challenge type %q", req.ChallengeType)
	}
	if !req.AgreeTOS {
		return nil, configErrorf("engine: the subscriber agreement was not accepted")
	}

	cfg := e.cfg.Config
	cfg.Domains = req.Domains
	cfg.Email = req.Email
	cfg.RSAKeySize = req.RSAKeySize

	if !e.cfg.Duplicate {
		existing, err := e.Check(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.DueForRenewal(e.now(), e.cfg.RenewWithin) {
				e.logger.Info("Existing certificate is due, renewing", "domains", req.Domains, "expires", existing.ExpiresAt)
				pending := startPending(func() (*Bundle, error) {
					return e.renew(ctx, cfg)
				})
				return &Result{Bundle: existing, Pending: pending}, nil
			}
			e.logger.Info("Existing certificate is still valid, not duplicating", "domains", req.Domains, "expires", existing.ExpiresAt)
			return &Result{Bundle: existing}, nil
		}
	}

	bundle, err := e.obtain(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Result{Bundle: bundle, Issued: true}, nil
}

// Check returns the stored certificate when it covers every configured domain.
func (e *LegoEngine) Check(ctx context.Context, cfg Config) (*Bundle, error) {
	stored, err := e.store.LoadCertificate(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	bundle, err := bundleFromPEM(stored.Cert)
	if err != nil {
		return nil, ioError("check certificate", e.store.Files().Cert, err)
	}
	if !bundle.Covers(cfg.Domains) {
		e.logger.Debug("Stored certificate does not cover the requested domains", "altnames", bundle.Altnames, "domains", cfg.Domains)
		return nil, nil
	}
	bundle.Files = e.store.Files()
	return bundle, nil
}

// Renew renews existing unless it is not due yet and duplicates are not allowed.
func (e *LegoEngine) Renew(ctx context.Context, cfg Config, existing *Bundle) (*Result, error) {
	if existing == nil {
		return nil, &Error{Code: CodeNotRenewable, Op: "renew", Err: fmt.Errorf("no certificate for the domains %v found", cfg.Domains)}
	}
	if !e.cfg.Duplicate && !existing.DueForRenewal(e.now(), e.cfg.RenewWithin) {
		e.logger.Info("Certificate is not due for renewal", "domains", cfg.Domains, "expires", existing.ExpiresAt, "renew_within", e.cfg.RenewWithin)
		return &Result{Bundle: existing}, nil
	}

	bundle, err := e.renew(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Result{Bundle: bundle, Issued: true}, nil
}

func (e *LegoEngine) obtain(ctx context.Context, cfg Config) (*Bundle, error) {
	client, err := e.client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	domainKey, err := e.domainKey(ctx, cfg.RSAKeySize)
	if err != nil {
		return nil, err
	}

	request := certificate.ObtainRequest{
		Domains:    cfg.Domains,
		Bundle:     false, // chain is kept in its own file
		PrivateKey: domainKey,
	}

	// Blocks for the whole order: authorizations, HTTP-01 validation, finalize.
	resource, err := client.Obtain(request)
	if err != nil {
		e.logger.Error("Failed to obtain certificate", "domains", cfg.Domains, "error", err)
		return nil, protocolError("obtain certificate", err)
	}
	e.logger.Info("Successfully obtained certificate", "domains", cfg.Domains, "certificate_url", resource.CertURL)

	return e.save(ctx, resource, domainKey)
}

func (e *LegoEngine) renew(ctx context.Context, cfg Config) (*Bundle, error) {
	stored, err := e.store.LoadCertificate(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &Error{Code: CodeNotRenewable, Op: "renew", Err: err}
		}
		return nil, err
	}

	client, err := e.client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	current := certificate.Resource{
		Domain:      cfg.Hostname(),
		CertURL:     stored.CertURL,
		PrivateKey:  stored.PrivateKey,
		Certificate: joinPEM(stored.Cert, stored.Chain),
	}
	resource, err := client.Renew(current, &certificate.RenewOptions{Bundle: false})
	if err != nil {
		e.logger.Error("Failed to renew certificate", "domains", cfg.Domains, "error", err)
		return nil, protocolError("renew certificate", err)
	}
	e.logger.Info("Successfully renewed certificate", "domains", cfg.Domains, "certificate_url", resource.CertURL)

	return e.save(ctx, resource, nil)
}

func (e *LegoEngine) save(ctx context.Context, resource *certificate.Resource, domainKey crypto.PrivateKey) (*Bundle, error) {
	keyPEM := resource.PrivateKey
	if len(keyPEM) == 0 && domainKey != nil {
		keyPEM = certcrypto.PEMEncode(domainKey)
	}
	if len(keyPEM) == 0 {
		return nil, protocolError("save certificate", errors.New("empty private key received from ACME server"))
	}
	if len(resource.Certificate) == 0 {
		return nil, protocolError("save certificate", errors.New("empty certificate payload received from ACME server"))
	}

	return e.store.SaveCertificate(ctx, StoredCertificate{
		PrivateKey: keyPEM,
		Cert:       resource.Certificate,
		Chain:      resource.IssuerCertificate,
		CertURL:    resource.CertURL,
	})
}

// client builds a registered lego client for cfg's account.
func (e *LegoEngine) client(ctx context.Context, cfg Config) (acmeClient, error) {
	accountKey, err := e.accountKey(ctx)
	if err != nil {
		return nil, err
	}

	user := &AcmeUser{Email: cfg.Email, PrivateKey: accountKey}
	legoConfig := lego.NewConfig(user)
	legoConfig.CADirURL = e.cfg.ServerURL
	legoConfig.Certificate.KeyType = keyTypeFor(cfg.RSAKeySize)

	client, err := e.newClient(legoConfig)
	if err != nil {
		e.logger.Error("Failed to create ACME client", "error", err)
		return nil, protocolError("create ACME client", err)
	}

	if err := client.SetHTTP01Provider(e.cfg.Challenges[ChallengeHTTP01]); err != nil {
		return nil, protocolError("set HTTP-01 provider", err)
	}

	// Registering an existing key returns the existing account.
	reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: cfg.AgreeTOS})
	if err != nil {
		e.logger.Error("ACME account registration failed", "email", cfg.Email, "error", err)
		return nil, protocolError("register account", err)
	}
	user.Registration = reg
	e.logger.Debug("ACME account registered/retrieved", "email", cfg.Email, "uri", reg.URI)

	return client, nil
}

func (e *LegoEngine) accountKey(ctx context.Context) (crypto.PrivateKey, error) {
	keyPEM, err := e.store.LoadAccountKey(ctx)
	if err == nil {
		key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
		if err != nil {
			return nil, &Error{Code: CodeConfiguration, Op: "parse account key", Err: err}
		}
		return key, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	key, err := e.newAccountKey()
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	if err := e.store.SaveAccountKey(ctx, certcrypto.PEMEncode(key)); err != nil {
		return nil, err
	}
	e.logger.Info("Generated new ACME account key")
	return key, nil
}

func (e *LegoEngine) domainKey(ctx context.Context, bits int) (crypto.PrivateKey, error) {
	keyPEM, err := e.store.LoadDomainKey(ctx)
	if err == nil {
		key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
		if err != nil {
			return nil, &Error{Code: CodeConfiguration, Op: "parse domain key", Err: err}
		}
		return key, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	key, err := e.newDomainKey(bits)
	if err != nil {
		return nil, fmt.Errorf("generate domain key: %w", err)
	}
	e.logger.Debug("Generated new domain key", "bits", bits)
	return key, nil
}

func keyTypeFor(bits int) certcrypto.KeyType {
	switch {
	case bits >= 8192:
		return certcrypto.RSA8192
	case bits >= 4096:
		return certcrypto.RSA4096
	case bits >= 3072:
		return certcrypto.RSA3072
	default:
		return certcrypto.RSA2048
	}
}

type pendingRenewal struct {
	done   chan struct{}
	bundle *Bundle
	err    error
}

func startPending(fn func() (*Bundle, error)) *pendingRenewal {
	p := &pendingRenewal{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.bundle, p.err = fn()
	}()
	return p
}

// Await blocks until the renewal has finished, whether or not ctx is done.
func (p *pendingRenewal) Await(_ context.Context) (*Bundle, error) {
	<-p.done
	return p.bundle, p.err
}
