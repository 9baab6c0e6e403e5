package backup

import "time"

// LocalStore is the mandatory on-appliance package store.
type LocalStore interface {
	// Lock takes exclusive ownership of the store for one run.
	// Returns ErrBusy if another run holds it.
	Lock() (unlock func() error, err error)

	// Put moves the file at srcPath into the store as name and returns its path.
	// Returns ErrPackageExists if name is already stored.
	Put(srcPath, name string) (string, error)

	// Find resolves a package name (with or without suffixes) to a stored file.
	// Returns ErrPackageNotFound if absent.
	Find(name string) (path string, fileName string, err error)

	// List returns stored packages, newest first.
	List() ([]PackageInfo, error)

	// Prune removes the oldest packages so that at most keep remain.
	Prune(keep int) ([]string, error)
}

// PackageInfo describes a package file in the local store.
type PackageInfo struct {
	Name       string
	Path       string
	Size       int64
	ModifiedAt time.Time
	Sealed     bool
}

// StagingArea hands out run-scoped scratch directories.
type StagingArea interface {
	// NewDir creates an empty directory owned by one run.
	NewDir(runID string) (string, error)
}
