package encryption

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"hsbackup/internal/backup"
)

// Sealed package layout:
//
//	"HSBK" | version (1 byte) | nonce (24 bytes) | ciphertext | tag (16 bytes)
//
// The magic and version bytes are authenticated as additional data.
var sealMagic = []byte("HSBK")

const sealVersion byte = 1

const sealHeaderSize = 4 + 1 + chacha20poly1305.NonceSizeX

// XChaChaSealer seals containers with XChaCha20-Poly1305.
type XChaChaSealer struct {
	key Key
}

var _ backup.Sealer = (*XChaChaSealer)(nil)

// NewXChaChaSealer creates a sealer bound to key.
func NewXChaChaSealer(key Key) (backup.Sealer, error) {
	return &XChaChaSealer{key: key}, nil
}

// Seal reads the whole container from r and writes the sealed package to w.
func (s *XChaChaSealer) Seal(r io.Reader, w io.Writer) error {
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: reading container: %v", backup.ErrEncryption, err)
	}

	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return fmt.Errorf("%w: %v", backup.ErrEncryption, err)
	}

	out := make([]byte, sealHeaderSize, sealHeaderSize+len(plaintext)+aead.Overhead())
	copy(out, sealMagic)
	out[4] = sealVersion
	nonce := out[5:sealHeaderSize]
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%w: generating nonce: %v", backup.ErrEncryption, err)
	}
	out = aead.Seal(out, nonce, plaintext, out[:5])

	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("%w: writing sealed package: %v", backup.ErrEncryption, err)
	}
	return nil
}

// Unseal authenticates and decrypts a sealed package. w receives nothing
// unless the whole package authenticated.
func (s *XChaChaSealer) Unseal(r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: reading sealed package: %v", backup.ErrEncryption, err)
	}
	if len(data) < sealHeaderSize+chacha20poly1305.Overhead {
		return fmt.Errorf("%w: sealed package is truncated", backup.ErrEncryption)
	}
	if !bytes.Equal(data[:4], sealMagic) {
		return fmt.Errorf("%w: not a sealed package", backup.ErrEncryption)
	}
	if data[4] != sealVersion {
		return fmt.Errorf("%w: unsupported package version %d", backup.ErrEncryption, data[4])
	}

	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return fmt.Errorf("%w: %v", backup.ErrEncryption, err)
	}
	plaintext, err := aead.Open(nil, data[5:sealHeaderSize], data[sealHeaderSize:], data[:5])
	if err != nil {
		return fmt.Errorf("%w: authentication failed (wrong key or corrupted package)", backup.ErrEncryption)
	}

	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("%w: writing container: %v", backup.ErrEncryption, err)
	}
	return nil
}
