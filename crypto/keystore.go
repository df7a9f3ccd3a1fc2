package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// SaveKeyFile writes the private key seed, hex-encoded, to a 0600 file at the
// given path. The write goes through a temp file and rename so a crash never
// leaves a truncated key behind. If the parent directory does not exist it
// will be created with 0700 permissions.
func SaveKeyFile(path string, key *PrivateKey) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty key file path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "key-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	encoded := hex.EncodeToString(key.PrivateKey.Seed())
	if _, err := tmp.WriteString(encoded + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Rename(tmpName, path)
}

// LoadKeyFile reads a hex-encoded ed25519 seed written by SaveKeyFile.
func LoadKeyFile(path string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty key file path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("crypto: malformed key file %q: %w", path, err)
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: key file %q holds %d bytes, want %d", path, len(decoded), ed25519.SeedSize)
	}
	return &PrivateKey{ed25519.NewKeyFromSeed(decoded)}, nil
}
