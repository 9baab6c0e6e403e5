package database

import (
	"fmt"

	"hsbackup/internal/backup"
)

// NewCatalogFromConfig opens the catalog at path. An empty path disables
// run history; MemoryPath keeps it for the life of the process.
func NewCatalogFromConfig(path string) (backup.Catalog, func() error, error) {
	if path == "" {
		return backup.NopCatalog{}, func() error { return nil }, nil
	}
	c, err := Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening catalog %s: %w", path, err)
	}
	return c, c.Close, nil
}
