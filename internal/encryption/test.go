package encryption

import (
	"bytes"
	"fmt"
	"io"

	"hsbackup/internal/backup"
)

// testHeader is prepended to data by TestSealer to make sealed output
// clearly different from plaintext while remaining deterministic and reversible.
var testHeader = []byte("HSTEST\x00\x00")

// TestSealer is a simple, deterministic sealer for testing.
// It prepends a fixed 8-byte header when sealing and strips it when
// unsealing. It needs no key and provides no secrecy.
type TestSealer struct{}

var _ backup.Sealer = TestSealer{}

func (TestSealer) Seal(r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: reading container: %v", backup.ErrEncryption, err)
	}
	if _, err := w.Write(append(bytes.Clone(testHeader), data...)); err != nil {
		return fmt.Errorf("%w: writing sealed package: %v", backup.ErrEncryption, err)
	}
	return nil
}

func (TestSealer) Unseal(r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: reading sealed package: %v", backup.ErrEncryption, err)
	}
	if !bytes.HasPrefix(data, testHeader) {
		return fmt.Errorf("%w: invalid test header", backup.ErrEncryption)
	}
	if _, err := w.Write(data[len(testHeader):]); err != nil {
		return fmt.Errorf("%w: writing container: %v", backup.ErrEncryption, err)
	}
	return nil
}

// TestSealerSource always returns a TestSealer.
type TestSealerSource struct{}

func (TestSealerSource) NewSealer() (backup.Sealer, error) {
	return TestSealer{}, nil
}
