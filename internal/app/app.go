// Package app wires configuration into a backup.Service and exposes the
// operations the CLI runs.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"hsbackup/internal/archive"
	"hsbackup/internal/backup"
	"hsbackup/internal/config"
	"hsbackup/internal/credentials"
	"hsbackup/internal/database"
	"hsbackup/internal/encryption"
	"hsbackup/internal/provider"
	"hsbackup/internal/staging"
	"hsbackup/internal/store"
)

// staleStagingAge is how old a leftover run directory must be before it is
// swept on startup.
const staleStagingAge = 24 * time.Hour

// App is the application layer between the CLI and backup.Service.
// It constructs all dependencies from config and owns the log file and
// catalog until Close.
type App struct {
	cfg          *config.Config
	service      *backup.Service
	providers    *provider.Factory
	logger       *slog.Logger
	adapter      *slogAdapter
	logFile      *os.File
	closeCatalog func() error
	op           *Operation
}

// Options adjusts how New builds an App.
type Options struct {
	// Console receives a copy of every log line. Nil logs to the file only.
	Console io.Writer

	// Clock and IDs override the real clock and UUID run ids.
	Clock backup.Clock
	IDs   backup.IDGenerator
}

// New creates a fully wired App from cfg. operation and params identify the
// CLI command being run. The caller must call Close when done.
func New(cfg *config.Config, operation, params string, opts Options) (*App, error) {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backup.ErrConfig, err)
	}
	opID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID, level, opts.Console)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	adapter := &slogAdapter{l: logger}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		adapter: adapter,
		logFile: logFile,
		op:      NewOperation(operation, params),
	}
	if err := a.wire(opts); err != nil {
		logger.Error("startup failed", "operation", operation, "error", err)
		a.closeResources()
		return nil, err
	}
	logger.Debug("operation started", "operation", operation, "params", params)
	return a, nil
}

func (a *App) wire(opts Options) error {
	cfg := a.cfg

	arch, err := archive.NewTarArchiver(cfg.Compression.Level, cfg.Exclude, a.adapter)
	if err != nil {
		return fmt.Errorf("creating archiver: %w", err)
	}
	st, err := store.NewFileStore(cfg.LocalDir)
	if err != nil {
		return err
	}
	sa, err := staging.NewDirStaging(cfg.StagingDir)
	if err != nil {
		return err
	}
	if swept, err := sa.Sweep(time.Now().Add(-staleStagingAge)); err != nil {
		a.logger.Warn("sweeping stale staging directories failed", "error", err)
	} else if len(swept) > 0 {
		a.logger.Info("removed stale staging directories", "count", len(swept))
	}

	scheme := cfg.Encryption.Scheme
	sealers, err := encryption.NewSealerSource(scheme, cfg.MasterSecretPath)
	if err != nil {
		return err
	}

	catalog, closeCatalog, err := database.NewCatalogFromConfig(cfg.CatalogPath)
	if err != nil {
		return err
	}
	a.closeCatalog = closeCatalog

	var creds backup.CredentialSource = credentials.NewStaticSource(nil)
	if cfg.CredentialsFile != "" {
		creds = credentials.NewFileSource(cfg.CredentialsFile, a.adapter)
	}
	a.providers = provider.NewFactory(creds, a.adapter)

	clock := opts.Clock
	if clock == nil {
		clock = backup.RealClock{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = backup.UUIDGenerator{}
	}

	a.service = backup.NewService(arch, st, sa, sealers, catalog, a.adapter, clock, ids, backup.Options{
		Encrypt:       cfg.Encryption.Enabled,
		UploadWorkers: cfg.UploadWorkers,
		KeepLocal:     cfg.Retention.KeepLocal,
		AllowedRoots:  cfg.Restore.AllowedRoots,
	})
	return nil
}

// Backup captures items, or the configured backup_items when items is
// empty, and ships the package to every enabled provider. With nothing
// configured the package holds only its manifest.
func (a *App) Backup(ctx context.Context, items []string) (*backup.BackupReport, error) {
	if len(items) == 0 {
		items = a.cfg.BackupItems
	}
	if len(items) == 0 {
		a.logger.Warn("no backup items configured, creating an empty package")
	}
	report, err := a.service.CreateBackup(ctx, backup.BackupRequest{
		Items:     items,
		Providers: a.providers.Enabled(ctx, a.cfg.Providers),
	})
	if err == nil && report.Status != backup.StatusCompleted {
		a.op.Status = string(report.Status)
	}
	return report, a.fail(err)
}

// Restore places items from a package. providerName, when set, is the
// fallback source if the package is not stored locally.
func (a *App) Restore(ctx context.Context, pkg, providerName string, items []backup.RestoreItemSpec) (*backup.RestoreResult, error) {
	p, err := a.optionalProvider(ctx, providerName)
	if err != nil {
		return nil, a.fail(err)
	}
	result, err := a.service.Restore(ctx, backup.RestoreRequest{PackageName: pkg, Provider: p, Items: items})
	if err == nil && !result.Success {
		a.op.Status = string(result.Status)
	}
	return result, a.fail(err)
}

// Contents returns a package's manifest.
func (a *App) Contents(ctx context.Context, pkg, providerName string) (*backup.Manifest, error) {
	p, err := a.optionalProvider(ctx, providerName)
	if err != nil {
		return nil, a.fail(err)
	}
	m, err := a.service.Contents(ctx, pkg, p)
	return m, a.fail(err)
}

// Extract unpacks a whole package into dest.
func (a *App) Extract(ctx context.Context, pkg, providerName, dest string) ([]backup.ItemDescriptor, error) {
	p, err := a.optionalProvider(ctx, providerName)
	if err != nil {
		return nil, a.fail(err)
	}
	if err := os.MkdirAll(dest, 0700); err != nil {
		return nil, a.fail(fmt.Errorf("creating %s: %w", dest, err))
	}
	entries, err := a.service.ExtractPackage(ctx, pkg, p, dest)
	return entries, a.fail(err)
}

// Download copies a package from the named provider without unsealing it.
func (a *App) Download(ctx context.Context, pkg, providerName, dest string) (string, error) {
	p, err := a.providers.Named(ctx, a.cfg.Providers, providerName)
	if err != nil {
		return "", a.fail(err)
	}
	path, err := a.service.Download(ctx, pkg, p, dest)
	return path, a.fail(err)
}

// ListLocal returns the packages in the local store, newest first.
func (a *App) ListLocal() ([]backup.PackageInfo, error) {
	pkgs, err := a.service.ListLocal()
	return pkgs, a.fail(err)
}

// ListRemote returns the packages stored at the named provider.
func (a *App) ListRemote(ctx context.Context, providerName string) ([]backup.RemoteFile, error) {
	p, err := a.providers.Named(ctx, a.cfg.Providers, providerName)
	if err != nil {
		return nil, a.fail(err)
	}
	files, err := a.service.ListRemote(ctx, p)
	return files, a.fail(err)
}

// TestProviders checks every enabled provider.
func (a *App) TestProviders(ctx context.Context) []backup.ProviderResult {
	results := a.service.TestProviders(ctx, a.providers.Enabled(ctx, a.cfg.Providers))
	var failed []string
	for _, r := range results {
		if !r.OK {
			failed = append(failed, r.Provider)
		}
	}
	if len(failed) > 0 {
		a.fail(fmt.Errorf("%w: %s", backup.ErrProvider, strings.Join(failed, ", ")))
	}
	return results
}

// History returns the most recent runs.
func (a *App) History(limit int) ([]*backup.RunRecord, error) {
	runs, err := a.service.History(limit)
	return runs, a.fail(err)
}

// Failed reports whether any operation on this App failed.
func (a *App) Failed() bool {
	return a.op.Failed()
}

func (a *App) optionalProvider(ctx context.Context, name string) (backup.Provider, error) {
	if name == "" {
		return nil, nil
	}
	return a.providers.Named(ctx, a.cfg.Providers, name)
}

func (a *App) fail(err error) error {
	a.op.Fail(err)
	return err
}

// Close logs the operation outcome and releases the catalog and log file.
func (a *App) Close() error {
	if a.op.Failed() {
		a.logger.Error("operation finished", a.op.LogArgs()...)
	} else {
		a.logger.Info("operation finished", a.op.LogArgs()...)
	}
	return a.closeResources()
}

func (a *App) closeResources() error {
	var firstErr error
	if a.closeCatalog != nil {
		if err := a.closeCatalog(); err != nil {
			firstErr = fmt.Errorf("closing catalog: %w", err)
		}
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing log file: %w", err)
		}
	}
	return firstErr
}
