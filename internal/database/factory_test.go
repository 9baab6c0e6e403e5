package database

import (
	"path/filepath"
	"testing"

	"hsbackup/internal/backup"
)

func TestNewCatalogFromConfig(t *testing.T) {
	t.Run("empty path disables history", func(t *testing.T) {
		got, closeFn, err := NewCatalogFromConfig("")
		if err != nil {
			t.Fatalf("NewCatalogFromConfig() error = %v", err)
		}
		defer closeFn()
		if _, ok := got.(backup.NopCatalog); !ok {
			t.Errorf("NewCatalogFromConfig(\"\") = %T, want backup.NopCatalog", got)
		}
	})

	t.Run("memory catalog", func(t *testing.T) {
		got, closeFn, err := NewCatalogFromConfig(MemoryPath)
		if err != nil {
			t.Fatalf("NewCatalogFromConfig() error = %v", err)
		}
		defer closeFn()
		if _, ok := got.(*SQLiteCatalog); !ok {
			t.Errorf("NewCatalogFromConfig(memory) = %T, want *SQLiteCatalog", got)
		}
	})

	t.Run("file catalog creates parent directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "catalog.db")
		got, closeFn, err := NewCatalogFromConfig(path)
		if err != nil {
			t.Fatalf("NewCatalogFromConfig() error = %v", err)
		}
		defer closeFn()
		if c := got.(*SQLiteCatalog); c.Path() != path {
			t.Errorf("Path() = %q, want %q", c.Path(), path)
		}
	})
}
