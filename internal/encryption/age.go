package encryption

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"filippo.io/age"

	"hsbackup/internal/backup"
)

// ageWorkFactor is the scrypt log2(N) used for age packages. The passphrase
// is already a derived 256-bit key, so scrypt only has to wrap it.
const ageWorkFactor = 10

// AgeSealer seals containers as age files with a scrypt recipient whose
// passphrase is the hex-encoded package key. Packages can be opened with the
// age CLI given that passphrase.
type AgeSealer struct {
	passphrase string
}

var _ backup.Sealer = (*AgeSealer)(nil)

// NewAgeSealer creates an age sealer bound to key.
func NewAgeSealer(key Key) (backup.Sealer, error) {
	return &AgeSealer{passphrase: hex.EncodeToString(key[:])}, nil
}

// Seal reads plaintext from r and writes an age file to w.
func (s *AgeSealer) Seal(r io.Reader, w io.Writer) error {
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: reading container: %v", backup.ErrEncryption, err)
	}

	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return fmt.Errorf("%w: creating scrypt recipient: %v", backup.ErrEncryption, err)
	}
	recipient.SetWorkFactor(ageWorkFactor)

	var buf bytes.Buffer
	encWriter, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return fmt.Errorf("%w: creating encrypted writer: %v", backup.ErrEncryption, err)
	}
	if _, err := encWriter.Write(plaintext); err != nil {
		return fmt.Errorf("%w: encrypting data: %v", backup.ErrEncryption, err)
	}
	if err := encWriter.Close(); err != nil {
		return fmt.Errorf("%w: finalizing encryption: %v", backup.ErrEncryption, err)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: writing sealed package: %v", backup.ErrEncryption, err)
	}
	return nil
}

// Unseal decrypts an age file from r. Output is buffered until every chunk
// has authenticated.
func (s *AgeSealer) Unseal(r io.Reader, w io.Writer) error {
	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return fmt.Errorf("%w: creating scrypt identity: %v", backup.ErrEncryption, err)
	}
	identity.SetMaxWorkFactor(ageWorkFactor)

	decReader, err := age.Decrypt(r, identity)
	if err != nil {
		return fmt.Errorf("%w: opening sealed package: %v", backup.ErrEncryption, err)
	}
	plaintext, err := io.ReadAll(decReader)
	if err != nil {
		return fmt.Errorf("%w: decrypting data: %v", backup.ErrEncryption, err)
	}

	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("%w: writing container: %v", backup.ErrEncryption, err)
	}
	return nil
}
