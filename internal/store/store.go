// Package store implements the local package store: the directory on the
// appliance that always holds a copy of every package a run produced.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"hsbackup/internal/backup"
	fsutil "hsbackup/internal/fs"
)

// LockFileName is the file held under flock while a run owns the store.
const LockFileName = ".lock"

// FileStore is a directory of package files guarded by a lock file.
type FileStore struct {
	dir string
}

var _ backup.LocalStore = (*FileStore)(nil)

// NewFileStore opens the store at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating local store: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string { return s.dir }

// Lock takes the store's exclusive lock without blocking.
func (s *FileStore) Lock() (func() error, error) {
	return lockFile(filepath.Join(s.dir, LockFileName))
}

// Put moves srcPath into the store as name. An existing package is never
// replaced.
func (s *FileStore) Put(srcPath, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid package name %q", name)
	}
	dst := filepath.Join(s.dir, name)
	if err := moveNoReplace(srcPath, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", backup.ErrPackageExists, name)
		}
		return "", fmt.Errorf("moving package into store: %w", err)
	}
	if err := os.Chmod(dst, 0600); err != nil {
		return "", fmt.Errorf("setting package permissions: %w", err)
	}
	return dst, nil
}

// moveNoReplace links src to dst, which fails if dst exists, and then drops
// src. Filesystems without hard links fall back to a checked move.
func moveNoReplace(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil {
		return os.Remove(src)
	}
	if errors.Is(err, fs.ErrExist) {
		return err
	}
	if _, statErr := os.Lstat(dst); statErr == nil {
		return fs.ErrExist
	}
	return fsutil.Move(src, dst)
}

// Find resolves name to a stored package, preferring the sealed form.
func (s *FileStore) Find(name string) (string, string, error) {
	for _, candidate := range backup.CandidateFileNames(name) {
		if strings.ContainsAny(candidate, `/\`) {
			break
		}
		p := filepath.Join(s.dir, candidate)
		info, err := os.Stat(p)
		if err == nil && info.Mode().IsRegular() {
			return p, candidate, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", "", fmt.Errorf("checking %s: %w", p, err)
		}
	}
	return "", "", fmt.Errorf("%w: %s is not in the local store", backup.ErrPackageNotFound, name)
}

// List returns the stored packages, newest first. Files that do not follow
// the package naming convention are ignored.
func (s *FileStore) List() ([]backup.PackageInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading local store: %w", err)
	}

	var pkgs []backup.PackageInfo
	for _, e := range entries {
		if !e.Type().IsRegular() || !backup.IsPackageName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		pkgs = append(pkgs, backup.PackageInfo{
			Name:       e.Name(),
			Path:       filepath.Join(s.dir, e.Name()),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
			Sealed:     backup.IsSealed(e.Name()),
		})
	}

	// Package names embed their creation time, so a reverse name sort is
	// newest first.
	sort.Slice(pkgs, func(i, j int) bool {
		bi, bj := backup.BaseName(pkgs[i].Name), backup.BaseName(pkgs[j].Name)
		if bi != bj {
			return bi > bj
		}
		return pkgs[i].Sealed && !pkgs[j].Sealed
	})
	return pkgs, nil
}

// Prune removes the oldest packages so that at most keep remain and returns
// the removed paths. keep <= 0 keeps everything.
func (s *FileStore) Prune(keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	pkgs, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(pkgs) <= keep {
		return nil, nil
	}

	var removed []string
	var errs []error
	for _, p := range pkgs[keep:] {
		if err := os.Remove(p.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, p.Path)
	}
	return removed, errors.Join(errs...)
}
