package testutil

import (
	"testing"

	"hsbackup/internal/database"
)

// NewTestCatalog creates a migrated in-memory run catalog.
// The catalog is automatically closed when the test completes.
func NewTestCatalog(t *testing.T) *database.SQLiteCatalog {
	t.Helper()

	c, err := database.Open(database.MemoryPath)
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
	})
	return c
}
