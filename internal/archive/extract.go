package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/pgzip"

	"hsbackup/internal/backup"
)

// dirMeta is applied to extracted directories after all their children
// have been written.
type dirMeta struct {
	path    string
	mode    fs.FileMode
	modTime time.Time
}

// Extract rebuilds every entry of the container under dest. dest must
// exist. Entries that would escape dest, directly or through a symlinked
// parent, abort the extraction.
func (a *TarArchiver) Extract(ctx context.Context, r io.Reader, dest string) ([]backup.ItemDescriptor, error) {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: opening gzip stream: %v", backup.ErrArchive, err)
	}
	defer gz.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", backup.ErrArchive, dest, err)
	}

	var (
		entries []backup.ItemDescriptor
		dirs    []dirMeta
	)
	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: cancelled: %v", backup.ErrArchive, err)
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading container: %v", backup.ErrArchive, err)
		}
		if hdr.Name == ManifestName {
			continue
		}

		name, target, err := destPath(root, hdr.Name)
		if err != nil {
			return nil, err
		}
		if err := checkParents(root, name); err != nil {
			return nil, err
		}

		desc := backup.ItemDescriptor{
			ArchiveName:    name,
			SizeBytes:      hdr.Size,
			PermissionBits: uint32(hdr.Mode) & 0o7777,
			Owner:          headerOwner(hdr),
			ModifiedAt:     hdr.ModTime.UTC(),
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			desc.Kind = backup.KindDirectory
			desc.SizeBytes = 0
			if err := os.MkdirAll(target, 0700); err != nil {
				return nil, fmt.Errorf("%w: creating directory %s: %v", backup.ErrArchive, name, err)
			}
			dirs = append(dirs, dirMeta{path: target, mode: headerMode(hdr), modTime: hdr.ModTime})

		case tar.TypeReg:
			desc.Kind = backup.KindFile
			if err := extractFile(tr, target, hdr); err != nil {
				return nil, fmt.Errorf("%w: extracting %s: %v", backup.ErrArchive, name, err)
			}

		case tar.TypeSymlink:
			desc.Kind = backup.KindSymlink
			desc.SizeBytes = 0
			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return nil, fmt.Errorf("%w: creating parent of %s: %v", backup.ErrArchive, name, err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return nil, fmt.Errorf("%w: creating symlink %s: %v", backup.ErrArchive, name, err)
			}

		default:
			return nil, fmt.Errorf("%w: unsupported entry type %q for %s", backup.ErrArchive, hdr.Typeflag, name)
		}
		entries = append(entries, desc)
	}

	// Children first, so restrictive parent modes cannot block writes.
	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]
		if err := os.Chmod(d.path, d.mode); err != nil {
			return nil, fmt.Errorf("%w: setting mode on %s: %v", backup.ErrArchive, d.path, err)
		}
		if err := os.Chtimes(d.path, d.modTime, d.modTime); err != nil {
			return nil, fmt.Errorf("%w: setting times on %s: %v", backup.ErrArchive, d.path, err)
		}
	}
	return entries, nil
}

// destPath validates an entry name and maps it below root.
func destPath(root, entryName string) (name, target string, err error) {
	name = strings.TrimSuffix(entryName, "/")
	clean := path.Clean(name)
	if name == "" || clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(name, "\\") {
		return "", "", fmt.Errorf("%w: unsafe entry name %q", backup.ErrArchive, entryName)
	}
	target = filepath.Join(root, filepath.FromSlash(clean))
	if !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: entry %q escapes destination", backup.ErrArchive, entryName)
	}
	return clean, target, nil
}

// checkParents rejects entries whose existing parent directories are
// symlinks, which would let a crafted container write outside root.
func checkParents(root, name string) error {
	parts := strings.Split(name, "/")
	cur := root
	for _, part := range parts[:len(parts)-1] {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: stat %s: %v", backup.ErrArchive, cur, err)
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: entry %q is below a symlink", backup.ErrArchive, name)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: entry %q is below a non-directory", backup.ErrArchive, name)
		}
	}
	return nil
}

func extractFile(r io.Reader, target string, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, hdr.Size); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(target, headerMode(hdr)); err != nil {
		return err
	}
	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

// headerMode returns the entry's permission bits, setuid, setgid and
// sticky included.
func headerMode(hdr *tar.Header) fs.FileMode {
	return backup.FileModeFromUnix(uint32(hdr.Mode))
}

// headerOwner returns "user:group" from the header, preferring names.
func headerOwner(hdr *tar.Header) string {
	u := hdr.Uname
	if u == "" {
		u = strconv.Itoa(hdr.Uid)
	}
	g := hdr.Gname
	if g == "" {
		g = strconv.Itoa(hdr.Gid)
	}
	return u + ":" + g
}
