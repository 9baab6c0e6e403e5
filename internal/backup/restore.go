package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	fsutil "hsbackup/internal/fs"
)

// RestoreItemSpec requests one item from a package.
type RestoreItemSpec struct {
	// SourceName is the entry's path inside the package, e.g. "a.txt" or
	// "config/app.yaml".
	SourceName string

	// TargetPath is where the item is placed. It must resolve under one of
	// the allowed restore roots.
	TargetPath string

	// Kind, when set, must match the staged entry.
	Kind ItemKind

	// Owner ("user:group", names or numeric) overrides the recorded owner.
	Owner string

	// Mode overrides the recorded permission bits.
	Mode *fs.FileMode
}

// RestoreRequest describes one restore run.
type RestoreRequest struct {
	PackageName string

	// Provider is consulted when the package is not in the local store.
	Provider Provider

	Items []RestoreItemSpec
}

// ItemFailure records why one restore item failed.
type ItemFailure struct {
	Name   string
	Reason string
}

// RestoreResult aggregates the outcome of a restore run.
type RestoreResult struct {
	RunID         string
	PackageName   string
	RestoredItems []string
	FailedItems   []string
	Failures      []ItemFailure
	MovedAside    []string
	Warnings      []string
	Success       bool
	State         State
	FailedIn      State
	Status        Status
	Err           error
}

func (r *RestoreResult) fail(name string, err error) {
	r.FailedItems = append(r.FailedItems, name)
	r.Failures = append(r.Failures, ItemFailure{Name: name, Reason: err.Error()})
}

// Summary renders the result as the human-readable run summary.
func (r *RestoreResult) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "restore %s: %s\n", r.PackageName, r.Status)
	fmt.Fprintf(&b, "  items: %d restored, %d failed\n", len(r.RestoredItems), len(r.FailedItems))
	for _, p := range r.RestoredItems {
		fmt.Fprintf(&b, "    ok     %s\n", p)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "    FAILED %s: %s\n", f.Name, f.Reason)
	}
	for _, p := range r.MovedAside {
		fmt.Fprintf(&b, "  previous version kept at %s\n", p)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", w)
	}
	if r.Err != nil {
		fmt.Fprintf(&b, "  error (%s): %v\n", r.FailedIn, r.Err)
	}
	return b.String()
}

// Restore runs idle → acquiring → decrypting → extracting → restoring → done.
//
// Acquiring, decrypting and extracting failures are fatal. Individual items
// fail independently and are reported in FailedItems. The staging directory,
// including any downloaded or decrypted intermediate, is always removed.
func (s *Service) Restore(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	result := &RestoreResult{
		RunID:       s.idgen.New(),
		PackageName: req.PackageName,
		State:       StateIdle,
	}
	startedAt := s.clock.Now()
	defer func() {
		s.recordRun(&RunRecord{
			ID:          result.RunID,
			Operation:   "restore",
			PackageName: result.PackageName,
			StartedAt:   startedAt,
			FinishedAt:  s.clock.Now(),
			Status:      string(result.Status),
			Summary:     result.Summary(),
		})
	}()

	s.logger.Info("restore started", "run", result.RunID, "package", req.PackageName, "items", len(req.Items))

	// Reject targets outside the allowed roots before touching anything.
	var accepted []RestoreItemSpec
	for _, spec := range req.Items {
		if err := s.checkTarget(spec.TargetPath); err != nil {
			s.logger.Error("restore target rejected", "item", spec.SourceName, "target", spec.TargetPath, "error", err)
			result.fail(spec.SourceName, err)
			continue
		}
		accepted = append(accepted, spec)
	}

	unlock, err := s.store.Lock()
	if err != nil {
		return s.failRestore(result, err)
	}
	defer func() {
		if err := unlock(); err != nil {
			s.logger.Warn("releasing store lock failed", "error", err)
		}
	}()

	stageDir, err := s.staging.NewDir(result.RunID)
	if err != nil {
		return s.failRestore(result, fmt.Errorf("creating staging directory: %w", err))
	}
	defer s.removeAll(stageDir)

	// Acquiring
	result.State = StateAcquiring
	pkgPath, fileName, err := s.acquire(ctx, req.PackageName, req.Provider, stageDir)
	if err != nil {
		return s.failRestore(result, err)
	}
	result.PackageName = fileName

	// Decrypting
	result.State = StateDecrypting
	containerPath, err := s.openPackage(pkgPath, fileName, stageDir)
	if err != nil {
		return s.failRestore(result, err)
	}

	// Extracting
	result.State = StateExtracting
	extractDir := filepath.Join(stageDir, "extract")
	extracted, err := s.extractContainer(ctx, containerPath, extractDir)
	if err != nil {
		return s.failRestore(result, err)
	}
	entries := make(map[string]ItemDescriptor, len(extracted))
	for _, e := range extracted {
		entries[e.ArchiveName] = e
	}
	manifest, err := s.readManifest(containerPath)
	if err != nil {
		s.logger.Warn("package manifest unreadable; recorded ownership will not be applied", "error", err)
	}

	// Restoring
	result.State = StateRestoring
	stamp := PackageTimestamp(s.clock.Now())
	for _, spec := range accepted {
		if err := ctx.Err(); err != nil {
			result.fail(spec.SourceName, fmt.Errorf("%w: cancelled: %v", ErrRestoreItem, err))
			continue
		}
		aside, warnings, err := s.restoreItem(extractDir, spec, manifest, entries, stamp)
		if aside != "" {
			result.MovedAside = append(result.MovedAside, aside)
		}
		result.Warnings = append(result.Warnings, warnings...)
		if err != nil {
			s.logger.Error("restore item failed", "item", spec.SourceName, "target", spec.TargetPath, "error", err)
			result.fail(spec.SourceName, err)
			continue
		}
		s.logger.Info("item restored", "item", spec.SourceName, "target", spec.TargetPath)
		result.RestoredItems = append(result.RestoredItems, spec.TargetPath)
	}

	// Done
	result.State = StateDone
	result.Success = len(result.FailedItems) == 0
	result.Status = StatusCompleted
	if !result.Success {
		result.Status = StatusPartialRestore
	}
	s.logger.Info("restore finished", "run", result.RunID, "restored", len(result.RestoredItems), "failed", len(result.FailedItems))
	return result, nil
}

func (s *Service) failRestore(result *RestoreResult, err error) (*RestoreResult, error) {
	result.FailedIn = result.State
	result.State = StateFailed
	result.Status = StatusFailed
	result.Success = false
	result.Err = err
	s.logger.Error("restore failed", "run", result.RunID, "state", result.FailedIn, "error", err)
	return result, err
}

// checkTarget verifies that target resolves under an allowed root.
func (s *Service) checkTarget(target string) error {
	if !filepath.IsAbs(target) {
		return fmt.Errorf("%w: target path must be absolute: %s", ErrRestoreItem, target)
	}
	ok, err := fsutil.WithinRoots(target, s.opts.AllowedRoots)
	if err != nil {
		return fmt.Errorf("%w: resolving target %s: %v", ErrRestoreItem, target, err)
	}
	if !ok {
		return fmt.Errorf("%w: target %s is outside the allowed restore roots", ErrRestoreItem, target)
	}
	return nil
}

// acquire locates a package in the local store, falling back to downloading
// it from p into stageDir.
func (s *Service) acquire(ctx context.Context, name string, p Provider, stageDir string) (path, fileName string, err error) {
	path, fileName, err = s.store.Find(name)
	if err == nil {
		s.logger.Debug("package found in local store", "path", path)
		return path, fileName, nil
	}
	if !errors.Is(err, ErrPackageNotFound) {
		return "", "", fmt.Errorf("searching local store: %w", err)
	}
	if p == nil {
		return "", "", err
	}

	var lastErr error
	for _, candidate := range CandidateFileNames(name) {
		dst := filepath.Join(stageDir, candidate)
		if err := p.Download(ctx, candidate, dst); err != nil {
			s.logger.Debug("download attempt failed", "provider", p.Name(), "name", candidate, "error", err)
			lastErr = err
			continue
		}
		s.logger.Info("package downloaded", "provider", p.Name(), "name", candidate)
		return dst, candidate, nil
	}
	return "", "", fmt.Errorf("%w: %s is not in the local store and provider %s failed: %v", ErrPackageNotFound, name, p.Name(), lastErr)
}

// openPackage returns the path of the unsealed container for a package,
// unsealing into stageDir when necessary.
func (s *Service) openPackage(path, fileName, stageDir string) (string, error) {
	if !IsSealed(fileName) {
		return path, nil
	}
	sealer, err := s.sealers.NewSealer()
	if err != nil {
		return "", err
	}
	out := filepath.Join(stageDir, strings.TrimSuffix(fileName, SealedExt))
	if err := transformFile(path, out, sealer.Unseal); err != nil {
		return "", err
	}
	return out, nil
}

func (s *Service) extractContainer(ctx context.Context, containerPath, dest string) ([]ItemDescriptor, error) {
	f, err := os.Open(containerPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening container: %v", ErrArchive, err)
	}
	defer f.Close()

	if err := os.MkdirAll(dest, 0700); err != nil {
		return nil, fmt.Errorf("%w: creating extraction directory: %v", ErrArchive, err)
	}
	return s.archiver.Extract(ctx, f, dest)
}

func (s *Service) readManifest(containerPath string) (*Manifest, error) {
	f, err := os.Open(containerPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening container: %v", ErrArchive, err)
	}
	defer f.Close()
	return s.archiver.ReadManifest(f)
}

// restoreItem places one staged entry at its target. An existing target is
// renamed aside first and put back if placing the new item fails.
//
// Ownership and modes come from entries, the descriptors the extraction
// produced, so every entry below a restored directory gets its own recorded
// owner. For the top entry spec values win, then the manifest.
func (s *Service) restoreItem(stageRoot string, spec RestoreItemSpec, m *Manifest, entries map[string]ItemDescriptor, stamp string) (aside string, warnings []string, err error) {
	name := filepath.Clean(filepath.FromSlash(spec.SourceName))
	if name == "." || filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
		return "", nil, fmt.Errorf("%w: invalid package entry name %q", ErrRestoreItem, spec.SourceName)
	}
	staged := filepath.Join(stageRoot, name)

	info, err := os.Lstat(staged)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, fmt.Errorf("%w: %s not found in package", ErrRestoreItem, spec.SourceName)
		}
		return "", nil, fmt.Errorf("%w: stat staged %s: %v", ErrRestoreItem, spec.SourceName, err)
	}
	kind, _ := KindFromMode(info.Mode())
	if spec.Kind != "" && spec.Kind != kind {
		return "", nil, fmt.Errorf("%w: %s is a %s, requested %s", ErrRestoreItem, spec.SourceName, kind, spec.Kind)
	}

	target := filepath.Clean(spec.TargetPath)
	if _, err := os.Lstat(target); err == nil {
		aside, err = fsutil.UniquePath(target + ".bak_" + stamp)
		if err != nil {
			return "", nil, fmt.Errorf("%w: choosing backup name for %s: %v", ErrRestoreItem, target, err)
		}
		if err := os.Rename(target, aside); err != nil {
			return "", nil, fmt.Errorf("%w: moving existing %s aside: %v", ErrRestoreItem, target, err)
		}
		s.logger.Info("existing target moved aside", "target", target, "backup", aside)
	} else if !os.IsNotExist(err) {
		return "", nil, fmt.Errorf("%w: stat target %s: %v", ErrRestoreItem, target, err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return aside, nil, s.putBack(aside, target, fmt.Errorf("%w: creating parent of %s: %v", ErrRestoreItem, target, err))
	}
	if err := fsutil.Move(staged, target); err != nil {
		return aside, nil, s.putBack(aside, target, fmt.Errorf("%w: placing %s: %v", ErrRestoreItem, target, err))
	}

	top := filepath.ToSlash(name)
	if kind == KindDirectory {
		if failed, err := applyNested(target, top, entries); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: ownership not applied to %d nested entries: %v", target, failed, err))
			s.logger.Warn("applying nested ownership failed", "target", target, "failed", failed, "error", err)
		}
	}

	recorded, haveRecorded := entries[top]
	owner := spec.Owner
	if owner == "" {
		if d := m.Find(top); d != nil {
			owner = d.Owner
		} else if haveRecorded {
			owner = recorded.Owner
		}
	}
	if owner != "" {
		if err := fsutil.ApplyOwner(target, owner); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: ownership %s not applied: %v", target, owner, err))
			s.logger.Warn("applying ownership failed", "target", target, "owner", owner, "error", err)
		}
	}

	// chown clears setuid and setgid, so the mode is set after the owner.
	if kind != KindSymlink && (spec.Mode != nil || haveRecorded) {
		mode := recorded.Mode()
		if spec.Mode != nil {
			mode = *spec.Mode
		}
		if err := os.Chmod(target, mode); err != nil {
			return aside, warnings, fmt.Errorf("%w: setting permissions on %s: %v", ErrRestoreItem, target, err)
		}
	}

	return aside, warnings, nil
}

// applyNested sets the recorded owner and mode on every entry below the
// restored directory top. It returns how many entries failed and the first
// error.
func applyNested(target, top string, entries map[string]ItemDescriptor) (failed int, firstErr error) {
	prefix := top + "/"
	var names []string
	for name := range entries {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	// Children before their parents, so a restrictive directory mode is
	// set last.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		rel := strings.TrimPrefix(name, prefix)
		p := filepath.Join(target, filepath.FromSlash(rel))
		if err := applyRecorded(p, entries[name]); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return failed, firstErr
}

func applyRecorded(path string, d ItemDescriptor) error {
	if d.Owner != "" {
		if err := fsutil.ApplyOwner(path, d.Owner); err != nil {
			return err
		}
	}
	if d.Kind == KindSymlink {
		return nil
	}
	return os.Chmod(path, d.Mode())
}

// putBack returns a moved-aside target to its original path after a failed
// placement, so a failed item never leaves the target missing.
func (s *Service) putBack(aside, target string, cause error) error {
	if aside == "" {
		return cause
	}
	if _, err := os.Lstat(target); err == nil {
		return cause
	}
	if err := os.Rename(aside, target); err != nil {
		s.logger.Error("putting original back failed", "target", target, "backup", aside, "error", err)
	}
	return cause
}

// ExtractPackage unpacks a whole package into dest.
func (s *Service) ExtractPackage(ctx context.Context, name string, p Provider, dest string) ([]ItemDescriptor, error) {
	var entries []ItemDescriptor
	err := s.withContainer(ctx, name, p, func(containerPath string) error {
		var err error
		entries, err = s.extractContainer(ctx, containerPath, dest)
		return err
	})
	return entries, err
}

// Contents returns the manifest of a package.
func (s *Service) Contents(ctx context.Context, name string, p Provider) (*Manifest, error) {
	var m *Manifest
	err := s.withContainer(ctx, name, p, func(containerPath string) error {
		var err error
		m, err = s.readManifest(containerPath)
		return err
	})
	return m, err
}

// withContainer acquires and unseals a package into a run-scoped staging
// directory, calls fn with the container path and cleans up afterwards.
func (s *Service) withContainer(ctx context.Context, name string, p Provider, fn func(containerPath string) error) error {
	stageDir, err := s.staging.NewDir(s.idgen.New())
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer s.removeAll(stageDir)

	pkgPath, fileName, err := s.acquire(ctx, name, p, stageDir)
	if err != nil {
		return err
	}
	containerPath, err := s.openPackage(pkgPath, fileName, stageDir)
	if err != nil {
		return err
	}
	return fn(containerPath)
}

// Download fetches a package from p to dest without unsealing it.
// If dest is an existing directory the package keeps its file name.
func (s *Service) Download(ctx context.Context, name string, p Provider, dest string) (string, error) {
	var lastErr error
	for _, candidate := range CandidateFileNames(name) {
		out := dest
		if info, err := os.Stat(dest); err == nil && info.IsDir() {
			out = filepath.Join(dest, candidate)
		}
		if err := p.Download(ctx, candidate, out); err != nil {
			lastErr = err
			continue
		}
		s.logger.Info("package downloaded", "provider", p.Name(), "name", candidate, "path", out)
		return out, nil
	}
	return "", fmt.Errorf("%w: %s from provider %s: %v", ErrPackageNotFound, name, p.Name(), lastErr)
}

// ListLocal returns the packages in the local store, newest first.
func (s *Service) ListLocal() ([]PackageInfo, error) {
	return s.store.List()
}

// ListRemote returns the packages stored at p.
func (s *Service) ListRemote(ctx context.Context, p Provider) ([]RemoteFile, error) {
	files, err := p.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %v", ErrProvider, p.Name(), err)
	}
	var out []RemoteFile
	for _, f := range files {
		if IsPackageName(f.Name) {
			out = append(out, f)
		}
	}
	return out, nil
}

// TestProviders checks every provider concurrently.
func (s *Service) TestProviders(ctx context.Context, providers []Provider) []ProviderResult {
	return s.fanOut("connection test", providers, func(p Provider) error {
		return p.TestConnection(ctx)
	})
}

// History returns the most recent runs.
func (s *Service) History(limit int) ([]*RunRecord, error) {
	return s.catalog.ListRuns(limit)
}
