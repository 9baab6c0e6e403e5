package backup

import "errors"

// Error taxonomy. Components wrap these with fmt.Errorf("%w: ...") so callers
// can classify a failure with errors.Is.
var (
	// ErrConfig marks bad or missing configuration. Fatal, never retried.
	ErrConfig = errors.New("configuration error")

	// ErrKeyDerivation marks a missing, unreadable or empty master secret.
	ErrKeyDerivation = errors.New("key derivation failed")

	// ErrArchive marks a structural failure while building or extracting a container.
	ErrArchive = errors.New("archive error")

	// ErrEncryption marks a seal or unseal failure (wrong key, tampered or truncated input).
	ErrEncryption = errors.New("encryption error")

	// ErrProvider marks a failure confined to one provider.
	ErrProvider = errors.New("provider error")

	// ErrRestoreItem marks a failure confined to one restore item.
	ErrRestoreItem = errors.New("restore item error")

	// ErrPackageNotFound is returned when no source yields the requested package.
	ErrPackageNotFound = errors.New("package not found")

	// ErrPackageExists is returned when a package with the same name is
	// already stored. Runs started within the same second collide.
	ErrPackageExists = errors.New("package already exists")

	// ErrBusy is returned when another run holds the local store.
	ErrBusy = errors.New("another backup run is in progress")
)
