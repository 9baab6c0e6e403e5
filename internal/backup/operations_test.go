package backup_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"hsbackup/internal/backup"
	"hsbackup/internal/testutil"
)

func TestService_Contents(t *testing.T) {
	t.Parallel()
	e := testutil.NewEnv(t)
	testutil.WriteFile(t, e.Data("a.txt"), "hello")
	testutil.WriteFile(t, e.Data("conf", "x.yaml"), "x: 1")
	report := backupOne(t, e, []string{e.Data("a.txt"), e.Data("conf")})

	m, err := e.Service.Contents(context.Background(), backup.BaseName(report.PackageName), nil)
	if err != nil {
		t.Fatalf("Contents() error = %v", err)
	}
	if m.PackageName != "homeserver_backup_20240115_103000" || m.Timestamp != "20240115_103000" {
		t.Errorf("manifest = %s / %s", m.PackageName, m.Timestamp)
	}
	if m.ToolVersion != backup.Version {
		t.Errorf("ToolVersion = %q, want %q", m.ToolVersion, backup.Version)
	}
	if len(m.Items) != 2 {
		t.Fatalf("Items = %d, want 2", len(m.Items))
	}
	if d := m.Find("conf"); d == nil || d.Kind != backup.KindDirectory || d.SizeBytes != 4 {
		t.Errorf("Find(conf) = %+v, want a 4-byte directory", d)
	}
	if left := testutil.Entries(t, e.StagingDir); len(left) != 0 {
		t.Errorf("staging not cleaned: %v", left)
	}
}

func TestService_ExtractPackage(t *testing.T) {
	t.Parallel()
	e := testutil.NewEnv(t)
	testutil.WriteFile(t, e.Data("a.txt"), "hello")
	report := backupOne(t, e, []string{e.Data("a.txt")})

	dest := t.TempDir()
	entries, err := e.Service.ExtractPackage(context.Background(), report.PackageName, nil, dest)
	if err != nil {
		t.Fatalf("ExtractPackage() error = %v", err)
	}
	if len(entries) != 1 || entries[0].ArchiveName != "a.txt" {
		t.Errorf("ExtractPackage() entries = %+v", entries)
	}
	if got := testutil.ReadFile(t, filepath.Join(dest, "a.txt")); got != "hello" {
		t.Errorf("extracted content = %q", got)
	}
}

func TestService_Download(t *testing.T) {
	t.Parallel()
	e := testutil.NewEnv(t)
	testutil.WriteFile(t, e.Data("a.txt"), "hello")
	mem := testutil.NewTestProvider("mem")
	report := backupOne(t, e, []string{e.Data("a.txt")}, mem)

	dir := t.TempDir()
	path, err := e.Service.Download(context.Background(), backup.BaseName(report.PackageName), mem, dir)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if path != filepath.Join(dir, wantPackage) {
		t.Errorf("Download() path = %q", path)
	}
	want, _ := mem.Get(wantPackage)
	if got := testutil.ReadFile(t, path); got != string(want) {
		t.Error("downloaded package differs from the provider copy")
	}

	file := filepath.Join(t.TempDir(), "copy.enc")
	if path, err := e.Service.Download(context.Background(), wantPackage, mem, file); err != nil || path != file {
		t.Errorf("Download(to file) = %q, %v", path, err)
	}

	if _, err := e.Service.Download(context.Background(), "homeserver_backup_20990101_000000", mem, dir); !errors.Is(err, backup.ErrPackageNotFound) {
		t.Errorf("Download(missing) error = %v, want ErrPackageNotFound", err)
	}
}

func TestService_ListRemote(t *testing.T) {
	t.Parallel()
	e := testutil.NewEnv(t)
	mem := testutil.NewTestProvider("mem")
	mem.Put(wantPackage, []byte("x"))
	mem.Put("notes.txt", []byte("y"))

	files, err := e.Service.ListRemote(context.Background(), mem)
	if err != nil {
		t.Fatalf("ListRemote() error = %v", err)
	}
	if len(files) != 1 || files[0].Name != wantPackage {
		t.Errorf("ListRemote() = %+v, want only the package", files)
	}

	if _, err := e.Service.ListRemote(context.Background(), testutil.NewFailingProvider("bad", "denied")); !errors.Is(err, backup.ErrProvider) {
		t.Errorf("ListRemote(failing) error = %v, want ErrProvider", err)
	}
}

func TestService_TestProviders(t *testing.T) {
	t.Parallel()
	e := testutil.NewEnv(t)

	results := e.Service.TestProviders(context.Background(), []backup.Provider{
		testutil.NewTestProvider("mem"),
		testutil.NewFailingProvider("bad", "invalid credentials"),
	})
	if len(results) != 2 {
		t.Fatalf("TestProviders() = %d results, want 2", len(results))
	}
	if results[0].Provider != "mem" || !results[0].OK {
		t.Errorf("results[0] = %+v, want mem ok", results[0])
	}
	if results[1].Provider != "bad" || results[1].OK || results[1].Reason == "" {
		t.Errorf("results[1] = %+v, want bad failed with a reason", results[1])
	}
}

func TestService_History(t *testing.T) {
	t.Parallel()
	e := testutil.NewEnv(t)
	testutil.WriteFile(t, e.Data("a.txt"), "hello")
	report := backupOne(t, e, []string{e.Data("a.txt")})
	if _, err := e.Service.Restore(context.Background(), backup.RestoreRequest{
		PackageName: report.PackageName,
		Items:       []backup.RestoreItemSpec{{SourceName: "a.txt", TargetPath: e.Data("b.txt")}},
	}); err != nil {
		t.Fatal(err)
	}

	runs, err := e.Service.History(0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("History() = %d runs, want 2", len(runs))
	}
	if runs[0].Operation != "restore" || runs[1].Operation != "backup" {
		t.Errorf("History() operations = %s, %s; want restore, backup", runs[0].Operation, runs[1].Operation)
	}
	if _, err := os.Stat(e.Data("b.txt")); err != nil {
		t.Errorf("restored file missing: %v", err)
	}
}
