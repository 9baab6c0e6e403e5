package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/pgzip"

	"hsbackup/internal/backup"
)

func newTestArchiver(t *testing.T, exclude ...string) *TarArchiver {
	t.Helper()
	a, err := NewTarArchiver(-1, exclude, nil)
	if err != nil {
		t.Fatalf("NewTarArchiver() error = %v", err)
	}
	return a
}

func writeFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, perm); err != nil {
		t.Fatal(err)
	}
}

func build(t *testing.T, a *TarArchiver, items ...string) (*backup.Manifest, []string, []byte) {
	t.Helper()
	m := &backup.Manifest{
		Timestamp:   "20240115_103000",
		PackageName: "homeserver_backup_20240115_103000",
		ToolVersion: backup.Version,
		CreatedAt:   time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}
	var buf bytes.Buffer
	skipped, err := a.Build(context.Background(), m, items, &buf)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return m, skipped, buf.Bytes()
}

func TestNewTarArchiver_Level(t *testing.T) {
	t.Parallel()
	for _, level := range []int{-1, 0, 1, 6, 9} {
		if _, err := NewTarArchiver(level, nil, nil); err != nil {
			t.Errorf("NewTarArchiver(%d) error = %v", level, err)
		}
	}
	for _, level := range []int{-3, 10} {
		if _, err := NewTarArchiver(level, nil, nil); !errors.Is(err, backup.ErrConfig) {
			t.Errorf("NewTarArchiver(%d) error = %v, want ErrConfig", level, err)
		}
	}
}

func TestBuildExtract_SingleFile(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello", 0644)
	a := newTestArchiver(t)

	m, skipped, data := build(t, a, filepath.Join(src, "a.txt"))
	if len(skipped) != 0 {
		t.Errorf("Build() skipped = %v, want none", skipped)
	}
	if len(m.Items) != 1 {
		t.Fatalf("manifest items = %d, want 1", len(m.Items))
	}
	item := m.Items[0]
	if item.ArchiveName != "a.txt" || item.Kind != backup.KindFile || item.SizeBytes != 5 {
		t.Errorf("manifest item = %+v, want a.txt/file/5", item)
	}

	dest := t.TempDir()
	entries, err := a.Extract(context.Background(), bytes.NewReader(data), dest)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(entries) != 1 || entries[0].ArchiveName != "a.txt" {
		t.Fatalf("Extract() entries = %+v, want only a.txt", entries)
	}
	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("extracted content = %q, want %q", got, "hello")
	}
	if _, err := os.Stat(filepath.Join(dest, ManifestName)); !os.IsNotExist(err) {
		t.Error("manifest trailer was extracted as a file")
	}
}

func TestBuildExtract_RoundTripTree(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	dir := filepath.Join(src, "config")
	writeFile(t, filepath.Join(dir, "app.yaml"), "port: 80\n", 0640)
	writeFile(t, filepath.Join(dir, "sub", "deep.bin"), string([]byte{0, 1, 2, 3}), 0600)
	writeFile(t, filepath.Join(dir, "run.sh"), "#!/bin/sh\n", 0755)
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(dir, "empty"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("app.yaml", filepath.Join(dir, "current")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(src, "single.txt"), "x", 0600)

	a := newTestArchiver(t)
	m, _, data := build(t, a, dir, filepath.Join(src, "single.txt"))
	if len(m.Items) != 2 {
		t.Fatalf("manifest items = %d, want 2", len(m.Items))
	}
	if m.Items[0].Kind != backup.KindDirectory || m.Items[0].SizeBytes != int64(len("port: 80\n")+4+len("#!/bin/sh\n")) {
		t.Errorf("directory descriptor = %+v", m.Items[0])
	}

	dest := t.TempDir()
	if _, err := a.Extract(context.Background(), bytes.NewReader(data), dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	want := collect(t, src)
	got := collect(t, dest)
	if len(got) != len(want) {
		t.Fatalf("extracted %d entries, want %d\n got: %v\nwant: %v", len(got), len(want), keys(got), keys(want))
	}
	for rel, w := range want {
		g, ok := got[rel]
		if !ok {
			t.Errorf("missing entry %s", rel)
			continue
		}
		if g != w {
			t.Errorf("entry %s = %+v, want %+v", rel, g, w)
		}
	}
}

func TestBuildExtract_SpecialBits(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	tool := filepath.Join(src, "tool")
	writeFile(t, tool, "#!/bin/sh\n", 0755)
	if err := os.Chmod(tool, 0755|os.ModeSetuid); err != nil {
		t.Fatal(err)
	}
	shared := filepath.Join(src, "shared")
	writeFile(t, filepath.Join(shared, "f.txt"), "x", 0644)
	if err := os.Chmod(shared, 0777|os.ModeSticky); err != nil {
		t.Fatal(err)
	}

	a := newTestArchiver(t)
	m, _, data := build(t, a, tool, shared)
	wantBits := map[string]uint32{"tool": 0o4755, "shared": 0o1777}
	for _, it := range m.Items {
		if it.PermissionBits != wantBits[it.ArchiveName] {
			t.Errorf("%s PermissionBits = %o, want %o", it.ArchiveName, it.PermissionBits, wantBits[it.ArchiveName])
		}
	}

	dest := t.TempDir()
	entries, err := a.Extract(context.Background(), bytes.NewReader(data), dest)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	for _, e := range entries {
		if want, ok := wantBits[e.ArchiveName]; ok && e.PermissionBits != want {
			t.Errorf("extracted %s PermissionBits = %o, want %o", e.ArchiveName, e.PermissionBits, want)
		}
	}

	tests := []struct {
		name string
		want os.FileMode
	}{
		{name: "tool", want: 0755 | os.ModeSetuid},
		{name: "shared", want: 0777 | os.ModeSticky},
	}
	for _, tt := range tests {
		info, err := os.Stat(filepath.Join(dest, tt.name))
		if err != nil {
			t.Fatal(err)
		}
		got := info.Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)
		if got != tt.want {
			t.Errorf("%s mode = %v, want %v", tt.name, got, tt.want)
		}
	}
}

type entryInfo struct {
	mode os.FileMode
	size int64
	link string
}

func collect(t *testing.T, root string) map[string]entryInfo {
	t.Helper()
	out := map[string]entryInfo{}
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		e := entryInfo{mode: info.Mode()}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			e.link, _ = os.Readlink(p)
			e.mode = os.ModeSymlink
		case info.Mode().IsRegular():
			e.size = info.Size()
		}
		out[rel] = e
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func keys(m map[string]entryInfo) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestBuild_SkipsMissingItems(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "present.txt"), "ok", 0644)
	missing := filepath.Join(src, "missing.txt")

	m, skipped, _ := build(t, newTestArchiver(t), missing, filepath.Join(src, "present.txt"))
	if len(skipped) != 1 || skipped[0] != missing {
		t.Errorf("skipped = %v, want [%s]", skipped, missing)
	}
	if len(m.Items) != 1 || m.Items[0].ArchiveName != "present.txt" {
		t.Errorf("manifest items = %+v, want only present.txt", m.Items)
	}
}

func TestBuild_EmptyItems(t *testing.T) {
	t.Parallel()
	a := newTestArchiver(t)
	m, _, data := build(t, a)
	if len(m.Items) != 0 {
		t.Errorf("manifest items = %d, want 0", len(m.Items))
	}
	got, err := a.ReadManifest(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadManifest() error = %v", err)
	}
	if got.PackageName != m.PackageName {
		t.Errorf("ReadManifest() package = %q, want %q", got.PackageName, m.PackageName)
	}
}

func TestBuild_UniqueArchiveNames(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "one", "app.conf"), "1", 0644)
	writeFile(t, filepath.Join(src, "two", "app.conf"), "2", 0644)
	writeFile(t, filepath.Join(src, "three", "app.conf"), "3", 0644)
	writeFile(t, filepath.Join(src, ManifestName), "{}", 0644)

	a := newTestArchiver(t)
	m, _, data := build(t, a,
		filepath.Join(src, "one", "app.conf"),
		filepath.Join(src, "two", "app.conf"),
		filepath.Join(src, "three", "app.conf"),
		filepath.Join(src, ManifestName),
	)

	wantNames := []string{"app.conf", "app.conf_1", "app.conf_2", ManifestName + "_1"}
	for i, want := range wantNames {
		if m.Items[i].ArchiveName != want {
			t.Errorf("item %d archive name = %q, want %q", i, m.Items[i].ArchiveName, want)
		}
	}

	dest := t.TempDir()
	if _, err := a.Extract(context.Background(), bytes.NewReader(data), dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(dest, "app.conf_2"))
	if string(got) != "3" {
		t.Errorf("app.conf_2 = %q, want %q", got, "3")
	}

	manifest, err := a.ReadManifest(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadManifest() error = %v", err)
	}
	if len(manifest.Items) != 4 {
		t.Errorf("ReadManifest() items = %d, want 4", len(manifest.Items))
	}
}

func TestBuild_Exclude(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	dir := filepath.Join(src, "data")
	writeFile(t, filepath.Join(dir, "keep.txt"), "k", 0644)
	writeFile(t, filepath.Join(dir, "debug.log"), "l", 0644)
	writeFile(t, filepath.Join(dir, "cache", "blob"), "c", 0644)
	writeFile(t, filepath.Join(dir, "tmp", "x"), "t", 0644)
	writeFile(t, filepath.Join(dir, ".hsbackupignore"), "tmp\n", 0644)

	a := newTestArchiver(t, "*.log", "cache")
	_, _, data := build(t, a, dir)

	dest := t.TempDir()
	entries, err := a.Extract(context.Background(), bytes.NewReader(data), dest)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.ArchiveName)
	}
	sort.Strings(names)
	want := []string{"data", "data/keep.txt"}
	if len(names) != len(want) || names[0] != want[0] || names[1] != want[1] {
		t.Errorf("extracted entries = %v, want %v", names, want)
	}
}

func TestBuild_Cancelled(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "a", 0644)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	_, err := newTestArchiver(t).Build(ctx, &backup.Manifest{}, []string{filepath.Join(src, "a.txt")}, &buf)
	if !errors.Is(err, backup.ErrArchive) {
		t.Errorf("Build() error = %v, want ErrArchive", err)
	}
}

// craft writes a container from raw headers, bypassing Build's checks.
func craft(t *testing.T, entries ...*tar.Header) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, hdr := range entries {
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Size > 0 {
			if _, err := tw.Write(bytes.Repeat([]byte("x"), int(hdr.Size))); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtract_RejectsUnsafeEntries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		entries []*tar.Header
	}{
		{
			name:    "parent traversal",
			entries: []*tar.Header{{Name: "../evil", Typeflag: tar.TypeReg, Mode: 0644, Size: 1}},
		},
		{
			name:    "nested traversal",
			entries: []*tar.Header{{Name: "a/../../evil", Typeflag: tar.TypeReg, Mode: 0644, Size: 1}},
		},
		{
			name:    "absolute path",
			entries: []*tar.Header{{Name: "/etc/evil", Typeflag: tar.TypeReg, Mode: 0644, Size: 1}},
		},
		{
			name: "write through symlink",
			entries: []*tar.Header{
				{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "/tmp", Mode: 0777},
				{Name: "link/evil", Typeflag: tar.TypeReg, Mode: 0644, Size: 1},
			},
		},
		{
			name:    "device node",
			entries: []*tar.Header{{Name: "dev", Typeflag: tar.TypeChar, Mode: 0644}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data := craft(t, tt.entries...)
			parent := t.TempDir()
			dest := filepath.Join(parent, "dest")
			if err := os.Mkdir(dest, 0700); err != nil {
				t.Fatal(err)
			}

			_, err := newTestArchiver(t).Extract(context.Background(), bytes.NewReader(data), dest)
			if !errors.Is(err, backup.ErrArchive) {
				t.Fatalf("Extract() error = %v, want ErrArchive", err)
			}
			if _, err := os.Lstat(filepath.Join(parent, "evil")); !os.IsNotExist(err) {
				t.Error("entry was written outside the destination")
			}
		})
	}
}

func TestExtract_Corrupt(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello", 0644)
	a := newTestArchiver(t)
	_, _, data := build(t, a, filepath.Join(src, "a.txt"))

	tests := map[string][]byte{
		"not gzip":  []byte("plain text"),
		"truncated": data[:len(data)/2],
	}
	for name, input := range tests {
		input := input
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := a.Extract(context.Background(), bytes.NewReader(input), t.TempDir()); !errors.Is(err, backup.ErrArchive) {
				t.Errorf("Extract() error = %v, want ErrArchive", err)
			}
		})
	}
}

func TestReadManifest_Missing(t *testing.T) {
	t.Parallel()
	data := craft(t, &tar.Header{Name: "a.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: 1})
	if _, err := newTestArchiver(t).ReadManifest(bytes.NewReader(data)); !errors.Is(err, backup.ErrArchive) {
		t.Errorf("ReadManifest() error = %v, want ErrArchive", err)
	}
}
