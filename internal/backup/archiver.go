package backup

import (
	"context"
	"io"
)

// Archiver builds and extracts package containers.
type Archiver interface {
	// Build writes a container holding items to w. m arrives with its
	// package-level fields set; Build fills m.Items and embeds m as the
	// trailer entry. Items that do not exist are skipped and returned.
	Build(ctx context.Context, m *Manifest, items []string, w io.Writer) (skipped []string, err error)

	// Extract rebuilds every container entry under dest and returns one
	// descriptor per entry. It does not depend on the manifest.
	Extract(ctx context.Context, r io.Reader, dest string) ([]ItemDescriptor, error)

	// ReadManifest returns the trailer manifest of a container.
	ReadManifest(r io.Reader) (*Manifest, error)
}
