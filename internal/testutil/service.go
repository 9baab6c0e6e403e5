package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"hsbackup/internal/archive"
	"hsbackup/internal/backup"
	"hsbackup/internal/database"
	"hsbackup/internal/encryption"
	"hsbackup/internal/staging"
	"hsbackup/internal/store"
)

// Env is a Service wired to real components under one temp directory.
type Env struct {
	Service *backup.Service
	Store   *store.FileStore
	Catalog *database.SQLiteCatalog
	Clock   *StubClock
	IDs     *StubIDGenerator

	// Root holds the store, staging and a "data" directory that is the
	// only allowed restore root.
	Root       string
	DataDir    string
	StagingDir string
}

// EnvOption adjusts an Env before its Service is built.
type EnvOption func(*envConfig)

type envConfig struct {
	sealers backup.SealerSource
	opts    backup.Options
}

// WithSealers replaces the default TestSealerSource.
func WithSealers(s backup.SealerSource) EnvOption {
	return func(c *envConfig) { c.sealers = s }
}

// WithOptions replaces the service options. AllowedRoots defaults to DataDir
// when left empty.
func WithOptions(o backup.Options) EnvOption {
	return func(c *envConfig) { c.opts = o }
}

// NewEnv builds an Env with encryption enabled through TestSealerSource.
func NewEnv(t *testing.T, options ...EnvOption) *Env {
	t.Helper()

	root := t.TempDir()
	cfg := envConfig{
		sealers: encryption.TestSealerSource{},
		opts:    backup.Options{Encrypt: true},
	}
	for _, o := range options {
		o(&cfg)
	}

	e := &Env{
		Root:       root,
		DataDir:    filepath.Join(root, "data"),
		StagingDir: filepath.Join(root, "staging"),
		Clock:      FixedClock(),
		IDs:        NewStubIDGenerator(),
		Catalog:    NewTestCatalog(t),
	}
	if len(cfg.opts.AllowedRoots) == 0 {
		cfg.opts.AllowedRoots = []string{e.DataDir}
	}
	if err := os.MkdirAll(e.DataDir, 0755); err != nil {
		t.Fatalf("creating data directory: %v", err)
	}

	var err error
	if e.Store, err = store.NewFileStore(filepath.Join(root, "backups")); err != nil {
		t.Fatalf("creating store: %v", err)
	}
	stage, err := staging.NewDirStaging(e.StagingDir)
	if err != nil {
		t.Fatalf("creating staging: %v", err)
	}
	arch, err := archive.NewTarArchiver(6, nil, nil)
	if err != nil {
		t.Fatalf("creating archiver: %v", err)
	}

	e.Service = backup.NewService(arch, e.Store, stage, cfg.sealers, e.Catalog, backup.NewNopLogger(), e.Clock, e.IDs, cfg.opts)
	return e
}

// Data returns a path under DataDir.
func (e *Env) Data(elem ...string) string {
	return filepath.Join(append([]string{e.DataDir}, elem...)...)
}

// KeySealers writes secret to a master secret file under dir and returns
// an XChaCha20-Poly1305 SealerSource reading it.
func KeySealers(t *testing.T, dir, secret string) backup.SealerSource {
	t.Helper()
	path := filepath.Join(dir, "master.secret")
	if err := encryption.WriteMasterSecret(path, []byte(secret)); err != nil {
		t.Fatalf("writing master secret: %v", err)
	}
	src, err := encryption.NewSealerSource(encryption.SchemeXChaCha, path)
	if err != nil {
		t.Fatalf("creating sealer source: %v", err)
	}
	return src
}
