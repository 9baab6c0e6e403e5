package backup

import "io"

// Sealer seals and unseals containers with authenticated encryption.
// Both operations buffer their whole input; packages are appliance sized.
type Sealer interface {
	// Seal reads the container from r and writes the sealed package to w.
	Seal(r io.Reader, w io.Writer) error

	// Unseal reads a sealed package from r and writes the container to w.
	// Nothing is written to w unless the ciphertext authenticated.
	// Failures wrap ErrEncryption.
	Unseal(r io.Reader, w io.Writer) error
}

// SealerSource produces a Sealer for one run. Implementations re-read the
// master secret on every call so its availability is checked per run.
type SealerSource interface {
	NewSealer() (Sealer, error)
}
