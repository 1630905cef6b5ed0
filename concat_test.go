package acme

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcatenateKeyAndFullchain(t *testing.T) {
	cfg := testConfig(t)
	live := filepath.Join(cfg.ConfigDir, "live", "example.com")
	writeFile(t, filepath.Join(live, "privkey.pem"), []byte("K"))
	writeFile(t, filepath.Join(live, "fullchain.pem"), []byte("C"))

	data, err := ConcatenateKeyAndFullchain(cfg)
	require.NoError(t, err)
	assert.Equal(t, "KC", string(data))

	dest := filepath.Join(live, "keyfullchain.pem")
	onDisk, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "KC", string(onDisk))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestConcatenateOverwrites(t *testing.T) {
	cfg := testConfig(t)
	live := filepath.Join(cfg.ConfigDir, "live", "example.com")
	writeFile(t, filepath.Join(live, "privkey.pem"), []byte("-----KEY-----\n"))
	writeFile(t, filepath.Join(live, "fullchain.pem"), []byte("-----CERT-----\n-----CHAIN-----\n"))
	writeFile(t, filepath.Join(live, "keyfullchain.pem"), []byte("stale content that is longer than the new one"))

	_, err := ConcatenateKeyAndFullchain(cfg)
	require.NoError(t, err)

	onDisk, err := os.ReadFile(filepath.Join(live, "keyfullchain.pem"))
	require.NoError(t, err)
	assert.Equal(t, "-----KEY-----\n-----CERT-----\n-----CHAIN-----\n", string(onDisk))
}

func TestConcatenateMissingSource(t *testing.T) {
	tests := []struct {
		name    string
		present string
	}{
		{"missing fullchain", "privkey.pem"},
		{"missing key", "fullchain.pem"},
		{"missing both", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			live := filepath.Join(cfg.ConfigDir, "live", "example.com")
			if tt.present != "" {
				writeFile(t, filepath.Join(live, tt.present), []byte("X"))
			}

			data, err := ConcatenateKeyAndFullchain(cfg)
			require.Error(t, err)
			assert.Nil(t, data)
			assert.ErrorIs(t, err, ErrIO)
			assert.NoFileExists(t, filepath.Join(live, "keyfullchain.pem"))
		})
	}
}

func TestConcatenateMissingSourceKeepsDestination(t *testing.T) {
	cfg := testConfig(t)
	live := filepath.Join(cfg.ConfigDir, "live", "example.com")
	writeFile(t, filepath.Join(live, "privkey.pem"), []byte("K"))
	writeFile(t, filepath.Join(live, "keyfullchain.pem"), []byte("previous"))

	_, err := ConcatenateKeyAndFullchain(cfg)
	require.ErrorIs(t, err, ErrIO)

	onDisk, err := os.ReadFile(filepath.Join(live, "keyfullchain.pem"))
	require.NoError(t, err)
	assert.Equal(t, "previous", string(onDisk))
}

func TestConcatenateCustomTemplates(t *testing.T) {
	cfg := testConfig(t, "www.example.org", "example.org")
	cfg.DomainKeyPath = ":configDir/keys/:hostname.key"
	cfg.FullchainPath = ":configDir/chains/:hostname.pem"
	cfg.KeyFullchainPath = ":configDir/haproxy/:hostname/:hostname.pem"

	writeFile(t, filepath.Join(cfg.ConfigDir, "keys", "www.example.org.key"), []byte("K"))
	writeFile(t, filepath.Join(cfg.ConfigDir, "chains", "www.example.org.pem"), []byte("C"))

	_, err := ConcatenateKeyAndFullchain(cfg)
	require.NoError(t, err)

	onDisk, err := os.ReadFile(filepath.Join(cfg.ConfigDir, "haproxy", "www.example.org", "www.example.org.pem"))
	require.NoError(t, err)
	assert.Equal(t, "KC", string(onDisk))
}
