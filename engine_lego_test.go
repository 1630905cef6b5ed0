package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	t  *testing.T
	mu sync.Mutex

	legoConfig *lego.Config
	provider   challenge.Provider
	registered bool

	obtainErr error
	renewGate chan struct{}
	obtained  []certificate.ObtainRequest
	renewed   []certificate.Resource
}

func (s *stubClient) Register(opts registration.RegisterOptions) (*registration.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !opts.TermsOfServiceAgreed {
		return nil, errors.New("stub: terms of service not agreed")
	}
	s.registered = true
	return &registration.Resource{URI: "https://acme.example.test/acct/1"}, nil
}

func (s *stubClient) SetHTTP01Provider(p challenge.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = p
	return nil
}

func (s *stubClient) Obtain(req certificate.ObtainRequest) (*certificate.Resource, error) {
	s.mu.Lock()
	s.obtained = append(s.obtained, req)
	s.mu.Unlock()
	if s.obtainErr != nil {
		return nil, s.obtainErr
	}

	certPEM, _ := selfSigned(s.t, req.Domains, time.Now().Add(-time.Hour), time.Now().Add(90*24*time.Hour))
	issuerPEM, _ := selfSigned(s.t, []string{"intermediate.example.test"}, time.Now().Add(-time.Hour), time.Now().Add(365*24*time.Hour))
	return &certificate.Resource{
		Domain:            req.Domains[0],
		CertURL:           "https://acme.example.test/cert/1",
		PrivateKey:        certcrypto.PEMEncode(req.PrivateKey),
		Certificate:       certPEM,
		IssuerCertificate: issuerPEM,
	}, nil
}

func (s *stubClient) Renew(res certificate.Resource, _ *certificate.RenewOptions) (*certificate.Resource, error) {
	if s.renewGate != nil {
		<-s.renewGate
	}
	s.mu.Lock()
	s.renewed = append(s.renewed, res)
	s.mu.Unlock()

	certPEM, _ := selfSigned(s.t, []string{res.Domain}, time.Now().Add(-time.Minute), time.Now().Add(90*24*time.Hour))
	return &certificate.Resource{
		Domain:      res.Domain,
		CertURL:     "https://acme.example.test/cert/2",
		PrivateKey:  res.PrivateKey,
		Certificate: certPEM,
	}, nil
}

func newTestEngine(t *testing.T, cfg Config, mutate func(*EngineConfig)) (*LegoEngine, *stubClient) {
	t.Helper()

	store, err := NewFileStore(cfg)
	require.NoError(t, err)

	engineCfg := EngineConfig{
		Config:      cfg,
		ServerURL:   "https://acme.example.test/directory",
		RenewWithin: cfg.RenewWithinDuration(),
		Challenges: map[string]challenge.Provider{
			ChallengeHTTP01: NewWebroot(cfg.WebrootPath),
		},
	}
	if mutate != nil {
		mutate(&engineCfg)
	}

	stub := &stubClient{t: t}
	engine, err := newLegoEngine(engineCfg, store, discardLogger(), func(c *lego.Config) (acmeClient, error) {
		stub.legoConfig = c
		return stub, nil
	})
	require.NoError(t, err)

	engine.newDomainKey = func(int) (crypto.PrivateKey, error) {
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	return engine, stub
}

func registerRequest(cfg Config) RegisterRequest {
	return RegisterRequest{
		AgreeTOS:      cfg.AgreeTOS,
		Domains:       cfg.Domains,
		Email:         cfg.Email,
		RSAKeySize:    cfg.RSAKeySize,
		ChallengeType: ChallengeHTTP01,
	}
}

// seedCertificate stores a certificate for cfg expiring at notAfter.
func seedCertificate(t *testing.T, cfg Config, notAfter time.Time) *Bundle {
	t.Helper()
	store, err := NewFileStore(cfg)
	require.NoError(t, err)

	certPEM, keyPEM := selfSigned(t, cfg.Domains, notAfter.Add(-90*24*time.Hour), notAfter)
	bundle, err := store.SaveCertificate(context.Background(), StoredCertificate{PrivateKey: keyPEM, Cert: certPEM})
	require.NoError(t, err)
	return bundle
}

func TestLegoEngineRegisterWritesLiveLayout(t *testing.T) {
	cfg := testConfig(t, "example.com", "www.example.com")
	engine, stub := newTestEngine(t, cfg, nil)

	res, err := engine.Register(context.Background(), registerRequest(cfg))
	require.NoError(t, err)
	require.Nil(t, res.Pending)
	assert.True(t, res.Issued)
	bundle := res.Bundle
	require.NotNil(t, bundle)

	assert.True(t, stub.registered)
	assert.Same(t, engine.cfg.Challenges[ChallengeHTTP01], stub.provider)
	assert.Equal(t, "https://acme.example.test/directory", stub.legoConfig.CADirURL)
	assert.Equal(t, certcrypto.RSA2048, stub.legoConfig.Certificate.KeyType)

	require.Len(t, stub.obtained, 1)
	assert.Equal(t, []string{"example.com", "www.example.com"}, stub.obtained[0].Domains)
	assert.False(t, stub.obtained[0].Bundle)

	assert.Equal(t, []string{"example.com", "www.example.com"}, bundle.Altnames)
	assert.Equal(t, "https://acme.example.test/cert/1", bundle.CertURL)

	files := engine.store.Files()
	for _, p := range []string{files.PrivateKey, files.Cert, files.Chain, files.Fullchain} {
		assert.FileExists(t, p)
	}
	assert.FileExists(t, cfg.Resolve(cfg.AccountKeyPath))

	cert, err := os.ReadFile(files.Cert)
	require.NoError(t, err)
	chain, err := os.ReadFile(files.Chain)
	require.NoError(t, err)
	fullchain, err := os.ReadFile(files.Fullchain)
	require.NoError(t, err)
	assert.Equal(t, string(cert)+string(chain), string(fullchain))

	info, err := os.Stat(files.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLegoEngineReusesAccountKey(t *testing.T) {
	cfg := testConfig(t)
	engine, _ := newTestEngine(t, cfg, func(c *EngineConfig) { c.Duplicate = true })

	_, err := engine.Register(context.Background(), registerRequest(cfg))
	require.NoError(t, err)
	first, err := os.ReadFile(cfg.Resolve(cfg.AccountKeyPath))
	require.NoError(t, err)

	engine.newAccountKey = func() (crypto.PrivateKey, error) {
		return nil, errors.New("account key must not be regenerated")
	}
	_, err = engine.Register(context.Background(), registerRequest(cfg))
	require.NoError(t, err)

	second, err := os.ReadFile(cfg.Resolve(cfg.AccountKeyPath))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLegoEngineRegisterKeepsValidCertificate(t *testing.T) {
	cfg := testConfig(t)
	seeded := seedCertificate(t, cfg, time.Now().Add(60*24*time.Hour))
	engine, stub := newTestEngine(t, cfg, nil)

	res, err := engine.Register(context.Background(), registerRequest(cfg))
	require.NoError(t, err)
	assert.Nil(t, res.Pending)
	assert.False(t, res.Issued)
	assert.Equal(t, seeded.ExpiresAt, res.Bundle.ExpiresAt)
	assert.Empty(t, stub.obtained)
	assert.Empty(t, stub.renewed)
}

func TestLegoEngineRegisterDuplicate(t *testing.T) {
	cfg := testConfig(t)
	seedCertificate(t, cfg, time.Now().Add(60*24*time.Hour))
	engine, stub := newTestEngine(t, cfg, func(c *EngineConfig) { c.Duplicate = true })

	_, err := engine.Register(context.Background(), registerRequest(cfg))
	require.NoError(t, err)
	assert.Len(t, stub.obtained, 1)
}

func TestLegoEngineRegisterDueCertificateIsPending(t *testing.T) {
	cfg := testConfig(t)
	seeded := seedCertificate(t, cfg, time.Now().Add(2*24*time.Hour))
	engine, stub := newTestEngine(t, cfg, nil)

	res, err := engine.Register(context.Background(), registerRequest(cfg))
	require.NoError(t, err)
	require.NotNil(t, res.Pending)
	assert.Equal(t, seeded.ExpiresAt, res.Bundle.ExpiresAt)

	renewed, err := res.Pending.Await(context.Background())
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(seeded.ExpiresAt))
	assert.Len(t, stub.renewed, 1)
	assert.Empty(t, stub.obtained)
}

func TestLegoEngineRegisterRejectsOtherChallenges(t *testing.T) {
	cfg := testConfig(t)
	engine, _ := newTestEngine(t, cfg, nil)

	req := registerRequest(cfg)
	req.ChallengeType = "dns-01"
	_, err := engine.Register(context.Background(), req)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLegoEngineObtainFailure(t *testing.T) {
	cfg := testConfig(t)
	engine, stub := newTestEngine(t, cfg, nil)
	stub.obtainErr = errors.New("acme: error: 429 :: urn:ietf:params:acme:error:rateLimited")

	_, err := engine.Register(context.Background(), registerRequest(cfg))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.NoFileExists(t, engine.store.Files().Cert)
}

func TestLegoEngineCheck(t *testing.T) {
	cfg := testConfig(t, "example.com", "www.example.com")
	engine, _ := newTestEngine(t, cfg, nil)

	got, err := engine.Check(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, got, "nothing stored yet")

	// stored certificate only covers the first name
	seedCertificate(t, Config{
		Domains:        []string{"example.com"},
		ConfigDir:      cfg.ConfigDir,
		DomainKeyPath:  cfg.DomainKeyPath,
		AccountKeyPath: cfg.AccountKeyPath,
		CertPath:       cfg.CertPath,
		ChainPath:      cfg.ChainPath,
		FullchainPath:  cfg.FullchainPath,
	}, time.Now().Add(30*24*time.Hour))

	got, err = engine.Check(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, got)

	seedCertificate(t, cfg, time.Now().Add(30*24*time.Hour))
	got, err = engine.Check(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, engine.store.Files(), got.Files)
}

func TestLegoEngineRenewNotDue(t *testing.T) {
	cfg := testConfig(t)
	seeded := seedCertificate(t, cfg, time.Now().Add(30*24*time.Hour))
	engine, stub := newTestEngine(t, cfg, nil)

	res, err := engine.Renew(context.Background(), cfg, seeded)
	require.NoError(t, err)
	assert.Same(t, seeded, res.Bundle)
	assert.Nil(t, res.Pending)
	assert.False(t, res.Issued)
	assert.Empty(t, stub.renewed)
	assert.False(t, stub.registered)
}

func TestLegoEngineRenewDue(t *testing.T) {
	cfg := testConfig(t)
	seeded := seedCertificate(t, cfg, time.Now().Add(3*24*time.Hour))
	key, err := os.ReadFile(cfg.Resolve(cfg.DomainKeyPath))
	require.NoError(t, err)
	engine, stub := newTestEngine(t, cfg, nil)

	res, err := engine.Renew(context.Background(), cfg, seeded)
	require.NoError(t, err)
	require.NotNil(t, res.Bundle)
	assert.True(t, res.Issued)
	assert.True(t, res.Bundle.ExpiresAt.After(seeded.ExpiresAt))
	assert.Equal(t, "https://acme.example.test/cert/2", res.Bundle.CertURL)

	require.Len(t, stub.renewed, 1)
	assert.Equal(t, "example.com", stub.renewed[0].Domain)
	assert.Equal(t, key, stub.renewed[0].PrivateKey)

	// the domain key is carried over
	after, err := os.ReadFile(cfg.Resolve(cfg.DomainKeyPath))
	require.NoError(t, err)
	assert.Equal(t, key, after)
}

func TestLegoEngineRenewNothing(t *testing.T) {
	cfg := testConfig(t)
	engine, _ := newTestEngine(t, cfg, nil)

	_, err := engine.Renew(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrNotRenewable)
}

func TestNewLegoEngineRequiresHTTP01Provider(t *testing.T) {
	cfg := testConfig(t)
	store, err := NewFileStore(cfg)
	require.NoError(t, err)

	_, err = newLegoEngine(EngineConfig{Config: cfg, ServerURL: "https://acme.example.test/directory"}, store, discardLogger(), defaultClientFactory)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = newLegoEngine(EngineConfig{Config: cfg}, store, discardLogger(), defaultClientFactory)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestPendingRenewalAwaitOutlivesContext(t *testing.T) {
	release := make(chan struct{})
	want := &Bundle{}
	p := startPending(func() (*Bundle, error) {
		<-release
		return want, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	time.AfterFunc(50*time.Millisecond, func() { close(release) })

	got, err := p.Await(ctx)
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestGenerateTimeoutDuringPendingRenewalKeepsKeyFullchainInStep(t *testing.T) {
	cfg := testConfig(t)
	seedCertificate(t, cfg, time.Now().Add(2*24*time.Hour))
	// key+fullchain of the certificate being replaced
	_, err := ConcatenateKeyAndFullchain(cfg)
	require.NoError(t, err)

	release := make(chan struct{})
	var stub *stubClient
	factory := func(ec EngineConfig, store Store) (Engine, error) {
		engine, err := newLegoEngine(ec, store, discardLogger(), func(c *lego.Config) (acmeClient, error) {
			return stub, nil
		})
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
	stub = &stubClient{t: t, renewGate: release}
	o := NewOrchestrator(discardLogger(), WithEngineFactory(factory))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	time.AfterFunc(200*time.Millisecond, func() { close(release) })

	bundle, err := o.Generate(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Len(t, stub.renewed, 1)

	key, err := os.ReadFile(cfg.Resolve(cfg.DomainKeyPath))
	require.NoError(t, err)
	fullchain, err := os.ReadFile(cfg.Resolve(cfg.FullchainPath))
	require.NoError(t, err)
	combined, err := os.ReadFile(cfg.Resolve(cfg.KeyFullchainPath))
	require.NoError(t, err)
	assert.Equal(t, string(key)+string(fullchain), string(combined))
}

func TestKeyTypeFor(t *testing.T) {
	assert.Equal(t, certcrypto.RSA2048, keyTypeFor(2048))
	assert.Equal(t, certcrypto.RSA3072, keyTypeFor(3072))
	assert.Equal(t, certcrypto.RSA4096, keyTypeFor(4096))
	assert.Equal(t, certcrypto.RSA8192, keyTypeFor(8192))
}
