package encryption

import (
	"fmt"

	"hsbackup/internal/backup"
)

// Sealing schemes accepted in configuration.
const (
	SchemeXChaCha = "xchacha20poly1305"
	SchemeAge     = "age"
)

// NewSealerSource creates a SealerSource for the configured scheme. Key-based
// schemes read the master secret from secretPath on every run.
func NewSealerSource(scheme, secretPath string) (backup.SealerSource, error) {
	switch scheme {
	case SchemeXChaCha, "":
		return &MasterKeySource{path: secretPath, sealer: NewXChaChaSealer}, nil
	case SchemeAge:
		return &MasterKeySource{path: secretPath, sealer: NewAgeSealer}, nil
	default:
		return nil, fmt.Errorf("%w: unknown encryption scheme: %q", backup.ErrConfig, scheme)
	}
}
