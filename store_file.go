package acme

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
)

// FileStore keeps keys and certificates in the certbot "live" layout.
// All paths are resolved once, when the store is built.
type FileStore struct {
	accountKey string
	files      Files
}

// NewFileStore resolves the configuration's templates into a FileStore.
// It performs no I/O.
func NewFileStore(cfg Config) (Store, error) {
	if cfg.Hostname() == "" {
		return nil, configErrorf("store: at least one domain is required")
	}
	return &FileStore{
		accountKey: cfg.Resolve(cfg.AccountKeyPath),
		files: Files{
			PrivateKey:   cfg.Resolve(cfg.DomainKeyPath),
			Cert:         cfg.Resolve(cfg.CertPath),
			Chain:        cfg.Resolve(cfg.ChainPath),
			Fullchain:    cfg.Resolve(cfg.FullchainPath),
			KeyFullchain: cfg.Resolve(cfg.KeyFullchainPath),
		},
	}, nil
}

func (s *FileStore) Files() Files { return s.files }

func (s *FileStore) LoadAccountKey(_ context.Context) ([]byte, error) {
	return readStored("load account key", s.accountKey)
}

func (s *FileStore) SaveAccountKey(_ context.Context, keyPEM []byte) error {
	if err := writeFileAtomic(s.accountKey, keyPEM, 0o600); err != nil {
		return ioError("save account key", s.accountKey, err)
	}
	return nil
}

func (s *FileStore) LoadDomainKey(_ context.Context) ([]byte, error) {
	return readStored("load domain key", s.files.PrivateKey)
}

func (s *FileStore) LoadCertificate(_ context.Context) (*StoredCertificate, error) {
	cert, err := readStored("load certificate", s.files.Cert)
	if err != nil {
		return nil, err
	}
	key, err := readStored("load certificate", s.files.PrivateKey)
	if err != nil {
		return nil, err
	}
	chain, err := readStored("load certificate", s.files.Chain)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return &StoredCertificate{PrivateKey: key, Cert: cert, Chain: chain}, nil
}

// SaveCertificate writes privkey, cert, chain and fullchain, privkey first so a
// crash never leaves a certificate next to a key it does not belong to for long.
func (s *FileStore) SaveCertificate(_ context.Context, c StoredCertificate) (*Bundle, error) {
	bundle, err := bundleFromPEM(c.Cert)
	if err != nil {
		return nil, protocolError("save certificate", err)
	}

	fullchain := joinPEM(c.Cert, c.Chain)
	writes := []struct {
		path string
		data []byte
		perm os.FileMode
	}{
		{s.files.PrivateKey, c.PrivateKey, 0o600},
		{s.files.Cert, c.Cert, 0o644},
		{s.files.Chain, c.Chain, 0o644},
		{s.files.Fullchain, fullchain, 0o644},
	}
	for _, w := range writes {
		if err := writeFileAtomic(w.path, w.data, w.perm); err != nil {
			return nil, ioError("save certificate", w.path, err)
		}
	}

	bundle.CertURL = c.CertURL
	bundle.Files = s.files
	return bundle, nil
}

func readStored(op, path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFoundError(op, path, err)
		}
		return nil, ioError(op, path, err)
	}
	return b, nil
}

// joinPEM concatenates PEM documents, making sure each ends with a newline.
func joinPEM(parts ...[]byte) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		buf.Write(p)
		if p[len(p)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}
