package backup

import "time"

// RunRecord is the persisted summary of one backup or restore run.
type RunRecord struct {
	ID          string
	Operation   string
	PackageName string
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      string
	Summary     string
	Uploads     []ProviderResult
}

// Catalog keeps the history of runs.
type Catalog interface {
	RecordRun(rec *RunRecord) error
	ListRuns(limit int) ([]*RunRecord, error)
}

// NopCatalog discards run records.
type NopCatalog struct{}

func (NopCatalog) RecordRun(*RunRecord) error          { return nil }
func (NopCatalog) ListRuns(int) ([]*RunRecord, error) { return nil, nil }
