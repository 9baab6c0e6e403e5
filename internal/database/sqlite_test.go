package database

import (
	"path/filepath"
	"testing"
	"time"

	"hsbackup/internal/backup"
)

// newTestCatalog creates a migrated in-memory catalog.
func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	c, err := Open(MemoryPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func run(id string, started time.Time, uploads ...backup.ProviderResult) *backup.RunRecord {
	return &backup.RunRecord{
		ID:          id,
		Operation:   "backup",
		PackageName: "homeserver_backup_20240115_103000.tar.gz.enc",
		StartedAt:   started,
		FinishedAt:  started.Add(time.Minute),
		Status:      "completed",
		Summary:     "backup " + id,
		Uploads:     uploads,
	}
}

func TestSQLiteCatalog_RecordAndList(t *testing.T) {
	c := newTestCatalog(t)
	base := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	first := run("run-1", base,
		backup.ProviderResult{Provider: "s3-main", Kind: "s3", OK: false, Reason: "timeout", Duration: 1500 * time.Millisecond},
		backup.ProviderResult{Provider: "nas", Kind: "local", OK: true, Duration: 20 * time.Millisecond},
	)
	second := run("run-2", base.Add(time.Hour))
	second.Operation = "restore"
	second.Status = "partial_restore"

	for _, r := range []*backup.RunRecord{first, second} {
		if err := c.RecordRun(r); err != nil {
			t.Fatalf("RecordRun(%s) error = %v", r.ID, err)
		}
	}

	runs, err := c.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListRuns() returned %d runs, want 2", len(runs))
	}
	if runs[0].ID != "run-2" || runs[1].ID != "run-1" {
		t.Errorf("ListRuns() order = %s, %s; want run-2, run-1", runs[0].ID, runs[1].ID)
	}
	if runs[0].Operation != "restore" || runs[0].Status != "partial_restore" {
		t.Errorf("run-2 = %+v", runs[0])
	}
	if !runs[1].StartedAt.Equal(base) || !runs[1].FinishedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("run-1 times = %v..%v, want %v..%v", runs[1].StartedAt, runs[1].FinishedAt, base, base.Add(time.Minute))
	}

	uploads := runs[1].Uploads
	if len(uploads) != 2 {
		t.Fatalf("run-1 has %d uploads, want 2", len(uploads))
	}
	if uploads[0].Provider != "nas" || !uploads[0].OK {
		t.Errorf("uploads[0] = %+v, want nas ok", uploads[0])
	}
	if uploads[1].Provider != "s3-main" || uploads[1].OK || uploads[1].Reason != "timeout" || uploads[1].Duration != 1500*time.Millisecond {
		t.Errorf("uploads[1] = %+v, want s3-main failed with timeout", uploads[1])
	}
}

func TestSQLiteCatalog_ListRuns_Limit(t *testing.T) {
	c := newTestCatalog(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := c.RecordRun(run(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := c.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("ListRuns(2) = %v, want [c b]", ids(runs))
	}
}

func TestSQLiteCatalog_DuplicateID(t *testing.T) {
	c := newTestCatalog(t)
	r := run("dup", time.Now(), backup.ProviderResult{Provider: "nas", Kind: "local", OK: true})
	if err := c.RecordRun(r); err != nil {
		t.Fatal(err)
	}
	if err := c.RecordRun(r); err == nil {
		t.Fatal("RecordRun() accepted a duplicate run id")
	}

	runs, err := c.ListRuns(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || len(runs[0].Uploads) != 1 {
		t.Errorf("failed insert left partial rows: %d runs", len(runs))
	}
}

func TestSQLiteCatalog_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")

	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := c.RecordRun(run("persisted", time.Now())); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer c.Close()
	if err := c.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() error = %v", err)
	}
	runs, err := c.ListRuns(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != "persisted" {
		t.Errorf("ListRuns() after reopen = %v", ids(runs))
	}
}

func ids(runs []*backup.RunRecord) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}
