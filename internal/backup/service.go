package backup

import (
	"fmt"
	"os"
	"time"

	"github.com/gammazero/workerpool"
)

// DefaultUploadWorkers bounds provider fan-out when Options leave it unset.
const DefaultUploadWorkers = 4

// Options carries the per-service knobs read from configuration.
type Options struct {
	// Encrypt seals packages before they leave the staging directory.
	// Disabling it weakens every copy of every package.
	Encrypt bool

	// UploadWorkers bounds concurrent provider calls.
	UploadWorkers int

	// KeepLocal prunes the local store to this many packages after a
	// backup. Zero keeps everything.
	KeepLocal int

	// AllowedRoots are the only directories a restore may write under.
	AllowedRoots []string
}

// Service is the orchestration layer for backup and restore runs.
// It holds no per-run state: every run builds its own bookkeeping, and
// providers are handed in per run by the caller.
type Service struct {
	archiver Archiver
	store    LocalStore
	staging  StagingArea
	sealers  SealerSource
	catalog  Catalog
	logger   Logger
	clock    Clock
	idgen    IDGenerator
	opts     Options
}

// NewService creates a Service with the provided dependencies.
func NewService(archiver Archiver, store LocalStore, staging StagingArea, sealers SealerSource, catalog Catalog, logger Logger, clock Clock, idgen IDGenerator, opts Options) *Service {
	if catalog == nil {
		catalog = NopCatalog{}
	}
	if opts.UploadWorkers <= 0 {
		opts.UploadWorkers = DefaultUploadWorkers
	}
	return &Service{
		archiver: archiver,
		store:    store,
		staging:  staging,
		sealers:  sealers,
		catalog:  catalog,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
		opts:     opts,
	}
}

// fanOut runs fn once per provider on a bounded worker pool and returns one
// result per provider, in provider order. A failing or panicking provider
// only affects its own result.
func (s *Service) fanOut(op string, providers []Provider, fn func(p Provider) error) []ProviderResult {
	results := make([]ProviderResult, len(providers))
	if len(providers) == 0 {
		return results
	}

	workers := s.opts.UploadWorkers
	if workers > len(providers) {
		workers = len(providers)
	}

	wp := workerpool.New(workers)
	for i, p := range providers {
		i, p := i, p
		wp.Submit(func() {
			results[i] = s.callProvider(op, p, fn)
		})
	}
	wp.StopWait()

	return results
}

func (s *Service) callProvider(op string, p Provider, fn func(p Provider) error) (res ProviderResult) {
	res = ProviderResult{Provider: p.Name(), Kind: p.Kind()}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res.OK = false
			res.Reason = fmt.Sprintf("panic: %v", r)
		}
		res.Duration = time.Since(start)
		if res.OK {
			s.logger.Info(op+" succeeded", "provider", res.Provider, "kind", res.Kind, "duration", res.Duration.Truncate(time.Millisecond))
		} else {
			s.logger.Error(op+" failed", "provider", res.Provider, "kind", res.Kind, "reason", res.Reason)
		}
	}()

	if err := fn(p); err != nil {
		res.Reason = err.Error()
		return res
	}
	res.OK = true
	return res
}

// recordRun persists a run summary; catalog failures are logged, not returned.
func (s *Service) recordRun(rec *RunRecord) {
	if err := s.catalog.RecordRun(rec); err != nil {
		s.logger.Warn("recording run in catalog failed", "run", rec.ID, "error", err)
	}
}

// removeAll deletes a run-owned directory and logs instead of failing.
func (s *Service) removeAll(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("removing staging directory failed", "path", dir, "error", err)
	}
}
