// Package provider implements the storage destinations packages are
// shipped to. Each kind is constructed from configuration once per run.
package provider

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"hsbackup/internal/backup"
)

// checkName rejects remote names that are not plain file names.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: invalid remote name %q", backup.ErrProvider, name)
	}
	return nil
}

// notFound reports a missing remote file.
func notFound(provider, name string) error {
	return fmt.Errorf("%w: %s not found at %s", backup.ErrPackageNotFound, name, provider)
}

// writeAtomic writes data from fill to a temp file beside destPath and
// renames it into place only when fill succeeded.
func writeAtomic(destPath string, fill func(f *os.File) error) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := fill(tmpFile); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// writeAtomicFrom copies r to destPath through writeAtomic.
func writeAtomicFrom(destPath string, r io.Reader) error {
	return writeAtomic(destPath, func(f *os.File) error {
		if _, err := io.Copy(f, r); err != nil {
			return fmt.Errorf("failed to write data: %w", err)
		}
		return nil
	})
}
