package backup

import (
	"context"
	"time"
)

// Provider is one configured storage destination. Each variant (local,
// memory, s3, b2, drive, dropbox) is selected by configuration kind when the
// run is wired and lives only for that run.
//
// Methods report failure through the returned error; the orchestrators turn
// every outcome into a ProviderResult so one failing provider never stops
// the fan-out to the others.
type Provider interface {
	// Name is the configured provider name (the key in the providers map).
	Name() string

	// Kind is the backend kind, e.g. "s3".
	Kind() string

	// Upload copies the file at localPath to the destination as remoteName.
	Upload(ctx context.Context, localPath, remoteName string) error

	// Download copies remoteName from the destination to localPath.
	// localPath is only created when the transfer completed.
	Download(ctx context.Context, remoteName, localPath string) error

	// List returns the files stored at the destination.
	List(ctx context.Context) ([]RemoteFile, error)

	// TestConnection verifies credentials and reachability.
	TestConnection(ctx context.Context) error
}

// RemoteFile is one entry returned by Provider.List.
type RemoteFile struct {
	Name       string
	Size       int64
	ModifiedAt time.Time
}

// ProviderResult is the outcome of one provider operation.
type ProviderResult struct {
	Provider string
	Kind     string
	OK       bool
	Reason   string
	Duration time.Duration
}

// CredentialSource resolves a named service to a credential pair.
// ok is false when no credential is available for the service.
type CredentialSource interface {
	Lookup(service string) (username, password string, ok bool)
}
