package acme

import (
	"os"
)

// ConcatenateKeyAndFullchain writes the domain private key followed by the full
// chain into the key+fullchain file, the single-file form some proxies expect.
// Both sources are read before anything is written, so a missing source leaves
// the destination untouched. The written bytes are returned.
func ConcatenateKeyAndFullchain(cfg Config) ([]byte, error) {
	keyPath := cfg.Resolve(cfg.DomainKeyPath)
	fullchainPath := cfg.Resolve(cfg.FullchainPath)
	dest := cfg.Resolve(cfg.KeyFullchainPath)

	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, ioError("read private key", keyPath, err)
	}
	fullchain, err := os.ReadFile(fullchainPath)
	if err != nil {
		return nil, ioError("read fullchain", fullchainPath, err)
	}

	data := make([]byte, 0, len(key)+len(fullchain))
	data = append(data, key...)
	data = append(data, fullchain...)

	if err := writeFileAtomic(dest, data, 0o600); err != nil {
		return nil, ioError("write key+fullchain", dest, err)
	}
	return data, nil
}
