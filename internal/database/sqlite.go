// Package database keeps the run history catalog in SQLite.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hsbackup/internal/backup"
	"hsbackup/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// MemoryPath opens a catalog that lives only as long as the process.
const MemoryPath = ":memory:"

// SQLiteCatalog implements backup.Catalog using SQLite.
type SQLiteCatalog struct {
	db   *sql.DB
	path string
}

var _ backup.Catalog = (*SQLiteCatalog)(nil)

// Open opens the catalog at path, creating and migrating it as needed.
func Open(path string) (*SQLiteCatalog, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating catalog directory: %w", err)
		}
	}
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteCatalog{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection with the PRAGMAs
// the catalog relies on.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == MemoryPath {
		// Each pooled connection to :memory: would be its own database.
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

// RecordRun stores rec and its provider results in one transaction.
func (c *SQLiteCatalog) RecordRun(rec *backup.RunRecord) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO runs (id, operation, package_name, started_at, finished_at, status, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Operation, rec.PackageName, rec.StartedAt.UTC(), rec.FinishedAt.UTC(), rec.Status, rec.Summary)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	for _, u := range rec.Uploads {
		_, err := tx.Exec(`INSERT INTO run_uploads (run_id, provider, kind, ok, reason, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, u.Provider, u.Kind, u.OK, u.Reason, u.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("inserting upload result for %s: %w", u.Provider, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListRuns returns up to limit runs, most recent first. limit <= 0 returns all.
func (c *SQLiteCatalog) ListRuns(limit int) ([]*backup.RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.db.Query(`SELECT id, operation, package_name, started_at, finished_at, status, summary
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	var runs []*backup.RunRecord
	byID := make(map[string]*backup.RunRecord)
	for rows.Next() {
		r := &backup.RunRecord{}
		if err := rows.Scan(&r.ID, &r.Operation, &r.PackageName, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Summary); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, r)
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	rows.Close()

	// Uploads are loaded after the runs cursor is closed; in-memory
	// catalogs have a single connection.
	for _, r := range runs {
		if err := c.loadUploads(r); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (c *SQLiteCatalog) loadUploads(r *backup.RunRecord) error {
	rows, err := c.db.Query(`SELECT provider, kind, ok, reason, duration_ms
		FROM run_uploads WHERE run_id = ? ORDER BY provider`, r.ID)
	if err != nil {
		return fmt.Errorf("listing uploads for %s: %w", r.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var u backup.ProviderResult
		var ms int64
		if err := rows.Scan(&u.Provider, &u.Kind, &u.OK, &u.Reason, &ms); err != nil {
			return fmt.Errorf("scanning upload: %w", err)
		}
		u.Duration = time.Duration(ms) * time.Millisecond
		r.Uploads = append(r.Uploads, u)
	}
	return rows.Err()
}

// Path returns the database file path, or MemoryPath.
func (c *SQLiteCatalog) Path() string {
	return c.path
}

// CheckMigrations verifies the schema is up to date.
func (c *SQLiteCatalog) CheckMigrations() error {
	return migrations.Check(c.db)
}

// Close closes the database connection.
func (c *SQLiteCatalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
