package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// State is a step of the backup or restore state machines.
type State string

const (
	StateIdle         State = "idle"
	StateBuilding     State = "building"
	StateEncrypting   State = "encrypting"
	StateUploading    State = "uploading"
	StateLocalPersist State = "local_persist"
	StateAcquiring    State = "acquiring"
	StateDecrypting   State = "decrypting"
	StateExtracting   State = "extracting"
	StateRestoring    State = "restoring"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusUploadFailures Status = "completed_with_upload_failures"
	StatusPartialRestore Status = "completed_with_failed_items"
	StatusFailed         Status = "failed"
)

// BackupRequest describes one backup run.
type BackupRequest struct {
	// Items are the absolute paths to capture.
	Items []string

	// Providers are the enabled destinations, constructed for this run only.
	Providers []Provider
}

// BackupReport is the structured outcome of a backup run. It is returned
// even when the run fails.
type BackupReport struct {
	RunID       string
	PackageName string
	LocalPath   string
	Encrypted   bool
	Manifest    *Manifest
	Skipped     []string
	Uploads     []ProviderResult
	Pruned      []string
	State       State
	FailedIn    State
	Status      Status
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
}

// FailedUploads returns the providers whose upload failed.
func (r *BackupReport) FailedUploads() []ProviderResult {
	var failed []ProviderResult
	for _, u := range r.Uploads {
		if !u.OK {
			failed = append(failed, u)
		}
	}
	return failed
}

// Summary renders the report as the human-readable run summary.
func (r *BackupReport) Summary() string {
	var b strings.Builder

	items := 0
	if r.Manifest != nil {
		items = len(r.Manifest.Items)
	}
	failed := len(r.FailedUploads())

	fmt.Fprintf(&b, "backup %s: %s\n", r.PackageName, r.Status)
	fmt.Fprintf(&b, "  items: %d captured, %d skipped\n", items, len(r.Skipped))
	fmt.Fprintf(&b, "  uploads: %d succeeded, %d failed\n", len(r.Uploads)-failed, failed)
	for _, u := range r.Uploads {
		if u.OK {
			fmt.Fprintf(&b, "    ok     %s (%s)\n", u.Provider, u.Kind)
		} else {
			fmt.Fprintf(&b, "    FAILED %s (%s): %s\n", u.Provider, u.Kind, u.Reason)
		}
	}
	if r.LocalPath != "" {
		fmt.Fprintf(&b, "  local: %s\n", r.LocalPath)
	}
	if !r.Encrypted && r.Status != StatusFailed {
		b.WriteString("  WARNING: package is not encrypted\n")
	}
	if r.Err != nil {
		fmt.Fprintf(&b, "  error (%s): %v\n", r.FailedIn, r.Err)
	}
	return b.String()
}

// CreateBackup runs idle → building → encrypting → uploading → local_persist → done.
//
// Building and encrypting failures, and cancellation before encryption has
// finished, fail the run with no local or remote artifacts. Upload failures
// are recorded per provider. The sealed package is always persisted to the
// local store once all upload attempts have returned.
func (s *Service) CreateBackup(ctx context.Context, req BackupRequest) (*BackupReport, error) {
	report := &BackupReport{
		RunID:     s.idgen.New(),
		State:     StateIdle,
		StartedAt: s.clock.Now(),
		Encrypted: s.opts.Encrypt,
	}
	defer func() {
		report.FinishedAt = s.clock.Now()
		s.recordRun(&RunRecord{
			ID:          report.RunID,
			Operation:   "backup",
			PackageName: report.PackageName,
			StartedAt:   report.StartedAt,
			FinishedAt:  report.FinishedAt,
			Status:      string(report.Status),
			Summary:     report.Summary(),
			Uploads:     report.Uploads,
		})
	}()

	s.logger.Info("backup started", "run", report.RunID, "items", len(req.Items), "providers", len(req.Providers))

	unlock, err := s.store.Lock()
	if err != nil {
		return s.failBackup(report, err)
	}
	defer func() {
		if err := unlock(); err != nil {
			s.logger.Warn("releasing store lock failed", "error", err)
		}
	}()

	// Building
	report.State = StateBuilding
	now := s.clock.Now()
	base := PackageBaseName(now)
	report.PackageName = ContainerFileName(base)
	if _, existing, err := s.store.Find(base); err == nil {
		return s.failBackup(report, fmt.Errorf("%w: %s is already in the local store", ErrPackageExists, existing))
	} else if !errors.Is(err, ErrPackageNotFound) {
		return s.failBackup(report, err)
	}

	stageDir, err := s.staging.NewDir(report.RunID)
	if err != nil {
		return s.failBackup(report, fmt.Errorf("creating staging directory: %w", err))
	}
	defer s.removeAll(stageDir)

	manifest := &Manifest{
		Timestamp:   PackageTimestamp(now),
		PackageName: base,
		ToolVersion: Version,
		CreatedAt:   now.UTC(),
	}
	if host, err := os.Hostname(); err == nil {
		manifest.Hostname = host
	}

	containerPath := filepath.Join(stageDir, ContainerFileName(base))
	skipped, err := s.buildContainer(ctx, manifest, req.Items, containerPath)
	if err != nil {
		return s.failBackup(report, err)
	}
	report.Manifest = manifest
	report.Skipped = skipped
	for _, p := range skipped {
		s.logger.Warn("backup item skipped: path does not exist", "path", p)
	}
	if err := ctx.Err(); err != nil {
		return s.failBackup(report, fmt.Errorf("cancelled after building: %w", err))
	}

	// Encrypting
	report.State = StateEncrypting
	packagePath := containerPath
	if s.opts.Encrypt {
		sealedName := SealedFileName(base)
		sealedPath := filepath.Join(stageDir, sealedName)
		if err := s.sealContainer(containerPath, sealedPath); err != nil {
			return s.failBackup(report, err)
		}
		if err := os.Remove(containerPath); err != nil {
			s.logger.Warn("removing unsealed container failed", "path", containerPath, "error", err)
		}
		packagePath = sealedPath
		report.PackageName = sealedName
	} else {
		s.logger.Warn("encryption is disabled: the package is stored and uploaded unencrypted", "package", report.PackageName)
	}
	if err := ctx.Err(); err != nil {
		return s.failBackup(report, fmt.Errorf("cancelled before encryption finished: %w", err))
	}

	// Uploading
	report.State = StateUploading
	report.Uploads = s.fanOut("upload", req.Providers, func(p Provider) error {
		return p.Upload(ctx, packagePath, report.PackageName)
	})

	// LocalPersist
	report.State = StateLocalPersist
	localPath, err := s.store.Put(packagePath, report.PackageName)
	if err != nil {
		return s.failBackup(report, fmt.Errorf("persisting package locally: %w", err))
	}
	report.LocalPath = localPath

	if s.opts.KeepLocal > 0 {
		pruned, err := s.store.Prune(s.opts.KeepLocal)
		if err != nil {
			s.logger.Warn("pruning local store failed", "error", err)
		}
		report.Pruned = pruned
		for _, p := range pruned {
			s.logger.Info("pruned old package", "path", p)
		}
	}

	// Done
	report.State = StateDone
	report.Status = StatusCompleted
	if len(report.FailedUploads()) > 0 {
		report.Status = StatusUploadFailures
	}

	s.logger.Info("backup finished",
		"run", report.RunID,
		"package", report.PackageName,
		"status", report.Status,
		"items", len(manifest.Items),
		"skipped", len(skipped),
		"upload_failures", len(report.FailedUploads()),
	)
	return report, nil
}

func (s *Service) failBackup(report *BackupReport, err error) (*BackupReport, error) {
	report.FailedIn = report.State
	report.State = StateFailed
	report.Status = StatusFailed
	report.Err = err
	s.logger.Error("backup failed", "run", report.RunID, "state", report.FailedIn, "error", err)
	return report, err
}

// buildContainer writes the container to path. The file is removed on failure.
func (s *Service) buildContainer(ctx context.Context, m *Manifest, items []string, path string) ([]string, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: creating container: %v", ErrArchive, err)
	}

	skipped, err := s.archiver.Build(ctx, m, items, f)
	closeErr := f.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("%w: closing container: %v", ErrArchive, closeErr)
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return skipped, nil
}

// sealContainer derives this run's key and seals src into dst.
func (s *Service) sealContainer(src, dst string) error {
	sealer, err := s.sealers.NewSealer()
	if err != nil {
		return err
	}
	return transformFile(src, dst, sealer.Seal)
}

// transformFile streams src through fn into dst. dst only survives if fn
// succeeded.
func transformFile(src, dst string, fn func(r io.Reader, w io.Writer) error) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", dst, cerr)
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	return fn(in, out)
}
