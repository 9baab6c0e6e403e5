package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"hsbackup/internal/backup"
)

// LocalProvider stores packages as files in a directory, typically on a
// mounted NAS share or external disk.
type LocalProvider struct {
	name string
	root string
}

var _ backup.Provider = (*LocalProvider)(nil)

// NewLocalProvider creates a provider writing into root. The directory is
// created on first upload.
func NewLocalProvider(name, root string) *LocalProvider {
	return &LocalProvider{name: name, root: root}
}

func (p *LocalProvider) Name() string { return p.name }
func (p *LocalProvider) Kind() string { return "local" }

// Upload copies the file at localPath into the directory as remoteName.
func (p *LocalProvider) Upload(ctx context.Context, localPath, remoteName string) error {
	if err := checkName(remoteName); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer src.Close()

	if err := writeAtomicFrom(filepath.Join(p.root, remoteName), contextReader{ctx, src}); err != nil {
		return fmt.Errorf("%w: %s: %v", backup.ErrProvider, p.name, err)
	}
	return nil
}

// Download copies remoteName out of the directory to localPath.
func (p *LocalProvider) Download(ctx context.Context, remoteName, localPath string) error {
	if err := checkName(remoteName); err != nil {
		return err
	}
	src, err := os.Open(filepath.Join(p.root, remoteName))
	if err != nil {
		if os.IsNotExist(err) {
			return notFound(p.name, remoteName)
		}
		return fmt.Errorf("%w: %s: %v", backup.ErrProvider, p.name, err)
	}
	defer src.Close()

	if err := writeAtomicFrom(localPath, contextReader{ctx, src}); err != nil {
		return fmt.Errorf("%w: %s: %v", backup.ErrProvider, p.name, err)
	}
	return nil
}

// List returns the regular files in the directory, sorted by name.
func (p *LocalProvider) List(ctx context.Context) ([]backup.RemoteFile, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", backup.ErrProvider, p.name, err)
	}

	var files []backup.RemoteFile
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, backup.RemoteFile{Name: e.Name(), Size: info.Size(), ModifiedAt: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// TestConnection verifies the directory exists and is writable.
func (p *LocalProvider) TestConnection(ctx context.Context) error {
	info, err := os.Stat(p.root)
	if err != nil {
		return fmt.Errorf("%w: %s: directory not accessible: %v", backup.ErrProvider, p.name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s: not a directory: %s", backup.ErrProvider, p.name, p.root)
	}
	f, err := os.CreateTemp(p.root, ".tmp-probe-*")
	if err != nil {
		return fmt.Errorf("%w: %s: directory not writable: %v", backup.ErrProvider, p.name, err)
	}
	f.Close()
	return os.Remove(f.Name())
}
