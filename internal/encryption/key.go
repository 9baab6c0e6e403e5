package encryption

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"hsbackup/internal/backup"
)

const (
	// KeySize is the length of a derived package key in bytes.
	KeySize = 32

	// KeyIterations is the PBKDF2 iteration count. Changing it makes every
	// existing package unreadable.
	KeyIterations = 100_000
)

// keySalt is fixed so the same secret always derives the same key.
var keySalt = []byte("hsbackup/package-key/v1")

// Key is a derived symmetric package key.
type Key [KeySize]byte

// DeriveKey turns the master secret into a package key using
// PBKDF2-HMAC-SHA256.
func DeriveKey(secret []byte) (Key, error) {
	var key Key
	if len(secret) == 0 {
		return key, fmt.Errorf("%w: master secret is empty", backup.ErrKeyDerivation)
	}
	copy(key[:], pbkdf2.Key(secret, keySalt, KeyIterations, KeySize, sha256.New))
	return key, nil
}

// LoadMasterKey reads the master secret file at path and derives the package
// key from its contents. Surrounding whitespace is ignored.
func LoadMasterKey(path string) (Key, error) {
	if path == "" {
		return Key{}, fmt.Errorf("%w: no master secret path configured", backup.ErrKeyDerivation)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Key{}, fmt.Errorf("%w: reading master secret: %v", backup.ErrKeyDerivation, err)
	}
	secret := bytes.TrimSpace(data)
	if len(secret) == 0 {
		return Key{}, fmt.Errorf("%w: master secret file %s is empty", backup.ErrKeyDerivation, path)
	}
	return DeriveKey(secret)
}

// GenerateSecret returns a new random master secret, hex encoded.
func GenerateSecret() ([]byte, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	out := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(out, raw)
	return out, nil
}

// WriteMasterSecret stores secret at path with owner-only permissions.
// An existing secret is never overwritten: packages sealed with it would
// become unreadable.
func WriteMasterSecret(path string, secret []byte) error {
	secret = bytes.TrimSpace(secret)
	if len(secret) == 0 {
		return fmt.Errorf("%w: master secret is empty", backup.ErrKeyDerivation)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating secret directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("master secret already exists at %s", path)
		}
		return fmt.Errorf("creating secret file: %w", err)
	}
	if _, err := f.Write(append(secret, '\n')); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("writing secret file: %w", err)
	}
	return f.Close()
}

// MasterKeySource hands out sealers keyed from the master secret file.
// The file is read and the key derived again for every run.
type MasterKeySource struct {
	path   string
	sealer func(Key) (backup.Sealer, error)
}

var _ backup.SealerSource = (*MasterKeySource)(nil)

// NewSealer loads the master key and returns a sealer bound to it.
func (s *MasterKeySource) NewSealer() (backup.Sealer, error) {
	key, err := LoadMasterKey(s.path)
	if err != nil {
		return nil, err
	}
	return s.sealer(key)
}
