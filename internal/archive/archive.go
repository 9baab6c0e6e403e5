// Package archive builds and extracts package containers: a tar stream
// compressed with parallel gzip, followed by a JSON manifest trailer.
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

	json "github.com/goccy/go-json"
	"github.com/klauspost/pgzip"

	"hsbackup/internal/backup"
	fsutil "hsbackup/internal/fs"
)

// ManifestName is the reserved name of the trailer entry. Items are stored
// under their basename, so user data never lands on this name unless an
// item is literally called this, in which case it is renamed.
const ManifestName = ".hsbackup-manifest.json"

// TarArchiver implements backup.Archiver.
type TarArchiver struct {
	level   int
	exclude *fsutil.IgnoreMatcher
	logger  backup.Logger
}

var _ backup.Archiver = (*TarArchiver)(nil)

// NewTarArchiver creates an archiver writing gzip at level (-1 for the
// default, 0 to 9) and skipping entries below captured directories that
// match exclude.
func NewTarArchiver(level int, exclude []string, logger backup.Logger) (*TarArchiver, error) {
	if level < pgzip.DefaultCompression || level > pgzip.BestCompression {
		return nil, fmt.Errorf("%w: compression level %d out of range", backup.ErrConfig, level)
	}
	if logger == nil {
		logger = backup.NewNopLogger()
	}
	return &TarArchiver{
		level:   level,
		exclude: fsutil.NewIgnoreMatcher(exclude),
		logger:  logger,
	}, nil
}

// Build writes items to w, then the manifest trailer.
func (a *TarArchiver) Build(ctx context.Context, m *backup.Manifest, items []string, w io.Writer) ([]string, error) {
	gz, err := pgzip.NewWriterLevel(w, a.level)
	if err != nil {
		return nil, fmt.Errorf("%w: creating gzip writer: %v", backup.ErrArchive, err)
	}
	tw := tar.NewWriter(gz)

	used := map[string]bool{ManifestName: true}
	var skipped []string
	m.Items = []backup.ItemDescriptor{}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: cancelled: %v", backup.ErrArchive, err)
		}

		src, err := filepath.Abs(item)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving %s: %v", backup.ErrArchive, item, err)
		}
		info, err := os.Lstat(src)
		if errors.Is(err, fs.ErrNotExist) {
			a.logger.Warn("backup item does not exist", "path", src)
			skipped = append(skipped, src)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: stat %s: %v", backup.ErrArchive, src, err)
		}
		if _, ok := backup.KindFromMode(info.Mode()); !ok {
			a.logger.Warn("backup item has unsupported type", "path", src, "type", info.Mode().Type().String())
			skipped = append(skipped, src)
			continue
		}

		name := uniqueName(filepath.Base(src), used)
		desc, err := a.addItem(ctx, tw, src, name, info)
		if err != nil {
			return nil, err
		}
		m.Items = append(m.Items, desc)
		a.logger.Debug("item archived", "path", src, "name", name, "kind", desc.Kind, "bytes", desc.SizeBytes)
	}

	if err := writeManifest(tw, m); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("%w: closing tar stream: %v", backup.ErrArchive, err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("%w: closing gzip stream: %v", backup.ErrArchive, err)
	}
	return skipped, nil
}

// uniqueName returns base, or base_N for the first N that is free.
func uniqueName(base string, used map[string]bool) string {
	name := base
	for n := 1; used[name]; n++ {
		name = base + "_" + strconv.Itoa(n)
	}
	used[name] = true
	return name
}

// addItem writes one captured item (recursively for directories) and
// returns its descriptor. SizeBytes of a directory is the total of the
// regular files stored beneath it.
func (a *TarArchiver) addItem(ctx context.Context, tw *tar.Writer, src, name string, info fs.FileInfo) (backup.ItemDescriptor, error) {
	kind, _ := backup.KindFromMode(info.Mode())
	_, _, owner, err := fsutil.Owner(info)
	if err != nil {
		return backup.ItemDescriptor{}, fmt.Errorf("%w: %v", backup.ErrArchive, err)
	}
	desc := backup.ItemDescriptor{
		SourcePath:     src,
		ArchiveName:    name,
		Kind:           kind,
		PermissionBits: backup.UnixPermissions(info.Mode()),
		Owner:          owner,
		ModifiedAt:     info.ModTime().UTC(),
	}

	if kind != backup.KindDirectory {
		if err := writeEntry(tw, src, name, info, owner); err != nil {
			return desc, err
		}
		if kind == backup.KindFile {
			desc.SizeBytes = info.Size()
		}
		return desc, nil
	}

	exclude := a.exclude
	if extra, err := fsutil.ParseIgnoreFile(filepath.Join(src, fsutil.IgnoreFileName)); err != nil {
		a.logger.Warn("reading ignore file failed", "path", src, "error", err)
	} else if len(extra) > 0 {
		exclude = exclude.Extend(extra)
	}

	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel != "." && exclude.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if _, ok := backup.KindFromMode(info.Mode()); !ok {
			a.logger.Warn("skipping unsupported file type", "path", p, "type", info.Mode().Type().String())
			return nil
		}
		entryName := name
		if rel != "." {
			entryName = path.Join(name, filepath.ToSlash(rel))
		}
		_, _, entryOwner, err := fsutil.Owner(info)
		if err != nil {
			return err
		}
		if err := writeEntry(tw, p, entryName, info, entryOwner); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			desc.SizeBytes += info.Size()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, backup.ErrArchive) {
			return desc, err
		}
		return desc, fmt.Errorf("%w: walking %s: %v", backup.ErrArchive, src, err)
	}
	return desc, nil
}

// writeEntry writes a single tar header and, for regular files, the file's
// contents.
func writeEntry(tw *tar.Writer, src, name string, info fs.FileInfo, owner string) error {
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(src); err != nil {
			return fmt.Errorf("%w: reading link %s: %v", backup.ErrArchive, src, err)
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("%w: header for %s: %v", backup.ErrArchive, src, err)
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Uname, hdr.Gname, _ = strings.Cut(owner, ":")
	hdr.Format = tar.FormatPAX

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%w: writing header for %s: %v", backup.ErrArchive, src, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", backup.ErrArchive, src, err)
	}
	defer f.Close()
	if _, err := io.CopyN(tw, f, info.Size()); err != nil {
		return fmt.Errorf("%w: copying %s: %v", backup.ErrArchive, src, err)
	}
	return nil
}

func writeManifest(tw *tar.Writer, m *backup.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding manifest: %v", backup.ErrArchive, err)
	}
	hdr := &tar.Header{
		Name:     ManifestName,
		Mode:     0644,
		Size:     int64(len(data)),
		ModTime:  m.CreatedAt,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%w: writing manifest header: %v", backup.ErrArchive, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("%w: writing manifest: %v", backup.ErrArchive, err)
	}
	return nil
}

// ReadManifest scans the container for the trailer entry.
func (a *TarArchiver) ReadManifest(r io.Reader) (*backup.Manifest, error) {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: opening gzip stream: %v", backup.ErrArchive, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: container has no manifest", backup.ErrArchive)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading container: %v", backup.ErrArchive, err)
		}
		if hdr.Name != ManifestName {
			continue
		}

		var m backup.Manifest
		if err := json.NewDecoder(tr).Decode(&m); err != nil {
			return nil, fmt.Errorf("%w: decoding manifest: %v", backup.ErrArchive, err)
		}
		return &m, nil
	}
}
