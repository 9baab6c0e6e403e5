// Package staging hands out the scratch directories runs build, seal,
// download and extract in.
//
// Directory structure:
//
//	<staging_dir>/
//	  run-<run id>/   (one per run, removed when the run ends)
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hsbackup/internal/backup"
)

const runDirPrefix = "run-"

// DirStaging is a filesystem-based implementation of backup.StagingArea.
type DirStaging struct {
	root string
}

var _ backup.StagingArea = (*DirStaging)(nil)

// NewDirStaging creates a staging area rooted at root.
func NewDirStaging(root string) (*DirStaging, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: staging directory is not set", backup.ErrConfig)
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &DirStaging{root: root}, nil
}

// NewDir creates the directory for runID. It fails if the run already has one.
func (s *DirStaging) NewDir(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	if err := os.MkdirAll(s.root, 0700); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	dir := filepath.Join(s.root, runDirPrefix+runID)
	if err := os.Mkdir(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	return dir, nil
}

// Sweep removes run directories last modified before cutoff. They are left
// behind only when a process died mid-run.
func (s *DirStaging) Sweep(cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading staging directory: %w", err)
	}

	var removed []string
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), runDirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, dir)
	}
	return removed, errors.Join(errs...)
}
