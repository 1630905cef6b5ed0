package acme

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/google/uuid"
)

// Orchestrator sequences one issuance or renewal:
// build store, build engine, register or renew, then write key+fullchain.
type Orchestrator struct {
	logger      *slog.Logger
	newStore    StoreFactory
	newEngine   EngineFactory
	concatenate func(Config) ([]byte, error)
	history     Writer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStoreFactory replaces the file store.
func WithStoreFactory(f StoreFactory) Option {
	return func(o *Orchestrator) { o.newStore = f }
}

// WithEngineFactory replaces the lego engine.
func WithEngineFactory(f EngineFactory) Option {
	return func(o *Orchestrator) { o.newEngine = f }
}

// WithConcatenator replaces ConcatenateKeyAndFullchain.
func WithConcatenator(f func(Config) ([]byte, error)) Option {
	return func(o *Orchestrator) { o.concatenate = f }
}

// WithHistory records every certificate produced into w.
func WithHistory(w Writer) Option {
	return func(o *Orchestrator) { o.history = w }
}

// NewOrchestrator creates an Orchestrator using the file store and the lego
// engine unless overridden.
func NewOrchestrator(logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		panic("NewOrchestrator: received nil logger")
	}
	o := &Orchestrator{
		logger:      logger.With("component", "orchestrator"),
		newStore:    NewFileStore,
		newEngine:   NewLegoEngineFactory(logger),
		concatenate: ConcatenateKeyAndFullchain,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Generate issues a certificate for cfg.Domains, or returns the current one
// when it is still valid and cfg.Duplicate is false.
//
// When the certificate succeeds but writing the key+fullchain file fails, both
// the bundle and an error matching ErrConcatenate are returned.
func (o *Orchestrator) Generate(ctx context.Context, cfg Config) (*Bundle, error) {
	logger := o.runLogger(cfg, "register")

	engine, err := o.build(cfg, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Registering certificate", "domains", cfg.Domains, "email", cfg.Email)
	res, err := engine.Register(ctx, RegisterRequest{
		AgreeTOS:      cfg.AgreeTOS,
		Domains:       cfg.Domains,
		Email:         cfg.Email,
		RSAKeySize:    cfg.RSAKeySize,
		ChallengeType: ChallengeHTTP01,
	})
	if err != nil {
		logger.Error("Certificate registration failed", "domains", cfg.Domains, "error", err)
		return nil, err
	}

	bundle, issued, err := resolveResult(ctx, res)
	if err != nil {
		logger.Error("Pending renewal failed", "domains", cfg.Domains, "error", err)
		return nil, err
	}
	return o.finish(cfg, bundle, issued, logger)
}

// Renew renews the stored certificate matching cfg. Without one it fails with
// an error matching ErrNotRenewable and nothing else happens.
func (o *Orchestrator) Renew(ctx context.Context, cfg Config) (*Bundle, error) {
	logger := o.runLogger(cfg, "renew")

	engine, err := o.build(cfg, logger)
	if err != nil {
		return nil, err
	}

	existing, err := engine.Check(ctx, cfg)
	if err != nil {
		logger.Error("Failed to look up existing certificate", "domains", cfg.Domains, "error", err)
		return nil, err
	}
	if existing == nil {
		err := &Error{
			Code: CodeNotRenewable,
			Op:   "renew",
			Err:  fmt.Errorf("no certificate for the domains %v found, aborting renewal attempt", cfg.Domains),
		}
		logger.Warn("Nothing to renew", "domains", cfg.Domains)
		return nil, err
	}

	logger.Info("Renewing certificate", "domains", cfg.Domains, "expires", existing.ExpiresAt)
	res, err := engine.Renew(ctx, cfg, existing)
	if err != nil {
		logger.Error("Certificate renewal failed", "domains", cfg.Domains, "error", err)
		return nil, err
	}

	bundle, issued, err := resolveResult(ctx, res)
	if err != nil {
		logger.Error("Pending renewal failed", "domains", cfg.Domains, "error", err)
		return nil, err
	}
	return o.finish(cfg, bundle, issued, logger)
}

// build covers the BUILD_STORE and BUILD_ENGINE steps.
func (o *Orchestrator) build(cfg Config, logger *slog.Logger) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		return nil, err
	}

	store, err := o.newStore(cfg)
	if err != nil {
		logger.Error("Failed to build store", "error", err)
		return nil, asConfigError("build store", err)
	}

	engineCfg := EngineConfig{
		Config:      cfg,
		ServerURL:   cfg.ServerURL(),
		RenewWithin: cfg.RenewWithinDuration(),
		Duplicate:   cfg.Duplicate,
		Debug:       cfg.Debug,
		Challenges: map[string]challenge.Provider{
			ChallengeHTTP01: NewWebroot(cfg.Resolve(cfg.WebrootPath)),
		},
	}
	engine, err := o.newEngine(engineCfg, store)
	if err != nil {
		logger.Error("Failed to build ACME engine", "error", err)
		return nil, asConfigError("build engine", err)
	}
	logger.Debug("Engine ready", "server", engineCfg.ServerURL, "renew_within", engineCfg.RenewWithin)
	return engine, nil
}

// finish records a newly issued certificate and writes the key+fullchain file.
func (o *Orchestrator) finish(cfg Config, bundle *Bundle, issued bool, logger *slog.Logger) (*Bundle, error) {
	logger.Info("Certificate ready", "altnames", bundle.Altnames, "issued_at", bundle.IssuedAt, "expires_at", bundle.ExpiresAt, "issued", issued)
	if issued {
		o.record(cfg, bundle, logger)
	}

	dest := cfg.Resolve(cfg.KeyFullchainPath)
	if _, err := o.concatenate(cfg); err != nil {
		logger.Error("Failed to write key+fullchain, certificate itself is valid", "path", dest, "error", err)
		bundle.Files.KeyFullchain = ""
		return bundle, &Error{Code: CodeConcatenate, Op: "concatenate key and fullchain", Path: dest, Err: err}
	}
	bundle.Files.KeyFullchain = dest
	logger.Info("Key+fullchain written", "path", dest)
	return bundle, nil
}

func (o *Orchestrator) record(cfg Config, bundle *Bundle, logger *slog.Logger) {
	if o.history == nil {
		return
	}
	rec, err := newCertRecord(cfg.Hostname(), bundle)
	if err == nil {
		err = o.history.AddCert(rec)
	}
	if err != nil {
		logger.Warn("Failed to record certificate history", "identifier", cfg.Hostname(), "error", err)
		return
	}
	logger.Debug("Certificate history recorded", "identifier", cfg.Hostname())
}

func (o *Orchestrator) runLogger(cfg Config, op string) *slog.Logger {
	return o.logger.With("run_id", uuid.NewString(), "op", op, "hostname", cfg.Hostname())
}

func asConfigError(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Code: CodeConfiguration, Op: op, Err: err}
}
