// Package config reads, writes and validates the hsbackup configuration file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"hsbackup/internal/backup"
)

// Defaults applied when a field is left unset.
const (
	DefaultTimeoutSeconds = 300
	DefaultRetries        = 2
	DefaultUploadWorkers  = 4
	DefaultCompression    = 6
)

// Provider kinds.
const (
	KindLocal   = "local"
	KindMemory  = "memory"
	KindS3      = "s3"
	KindB2      = "b2"
	KindDrive   = "drive"
	KindDropbox = "dropbox"
)

// Config is the engine configuration.
type Config struct {
	BackupItems      []string                  `json:"backup_items" validate:"dive,required,abspath"`
	Exclude          []string                  `json:"exclude,omitempty"`
	Providers        map[string]ProviderConfig `json:"providers" validate:"dive"`
	Encryption       EncryptionConfig          `json:"encryption"`
	Compression      CompressionConfig         `json:"compression"`
	LocalDir         string                    `json:"local_dir" validate:"required,abspath"`
	StagingDir       string                    `json:"staging_dir" validate:"required,abspath"`
	LogDir           string                    `json:"log_dir" validate:"required"`
	LogLevel         string                    `json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	MasterSecretPath string                    `json:"master_secret_path"`
	CredentialsFile  string                    `json:"credentials_file,omitempty"`
	CatalogPath      string                    `json:"catalog_path,omitempty"`
	UploadWorkers    int                       `json:"upload_workers,omitempty" validate:"gte=0,lte=32"`
	Retention        RetentionConfig           `json:"retention"`
	Restore          RestoreConfig             `json:"restore"`
}

// EncryptionConfig selects how packages are sealed.
type EncryptionConfig struct {
	// Enabled=false ships containers unsealed. Supported for compatibility
	// only; every run logs a warning.
	Enabled bool   `json:"enabled"`
	Scheme  string `json:"scheme,omitempty" validate:"omitempty,oneof=xchacha20poly1305 age"`
}

// CompressionConfig holds the gzip level: -1 (library default) or 0-9.
type CompressionConfig struct {
	Level int `json:"level" validate:"gte=-1,lte=9"`
}

// RetentionConfig bounds the local store. KeepLocal=0 keeps everything.
type RetentionConfig struct {
	KeepLocal int `json:"keep_local" validate:"gte=0"`
}

// RestoreConfig lists the directories a restore may write under.
type RestoreConfig struct {
	AllowedRoots []string `json:"allowed_roots" validate:"dive,required,abspath"`
}

// ProviderConfig configures one destination.
// This uses a tagged union pattern - the Kind field determines which other fields are relevant.
type ProviderConfig struct {
	Kind    string `json:"kind" validate:"required,oneof=local memory s3 b2 drive dropbox"`
	Enabled bool   `json:"enabled"`

	// Credential names the service passed to the credential source.
	// s3/b2: access key id + secret; drive: OAuth client id + secret;
	// dropbox: password is the access token.
	Credential string `json:"credential,omitempty"`

	// local
	Path string `json:"path,omitempty" validate:"omitempty,abspath"`

	// s3, b2
	Bucket   string `json:"bucket,omitempty" validate:"required_if=Kind s3,required_if=Kind b2"`
	Prefix   string `json:"prefix,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" validate:"omitempty,url"`

	// drive: folder id; dropbox: folder path
	Folder string `json:"folder,omitempty"`

	// drive: file holding the OAuth refresh token; dropbox: file holding
	// the access token when no credential is configured.
	TokenFile string `json:"token_file,omitempty"`

	TimeoutSeconds int  `json:"timeout_seconds,omitempty" validate:"gte=0"`
	Retries        *int `json:"retries,omitempty" validate:"omitempty,gte=0,lte=10"`
}

// Timeout returns the per-call timeout.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// RetryCount returns how many times a failed call is retried.
func (p ProviderConfig) RetryCount() int {
	if p.Retries == nil {
		return DefaultRetries
	}
	return *p.Retries
}

// Default returns the documented default configuration rooted at baseDir.
func Default(baseDir string) *Config {
	return &Config{
		BackupItems: []string{"/etc/homeserver", "/var/lib/homeserver"},
		Providers: map[string]ProviderConfig{
			"local-disk": {
				Kind:    KindLocal,
				Enabled: false,
				Path:    "/mnt/backup/hsbackup",
			},
		},
		Encryption:       EncryptionConfig{Enabled: true, Scheme: "xchacha20poly1305"},
		Compression:      CompressionConfig{Level: DefaultCompression},
		LocalDir:         filepath.Join(baseDir, "backups"),
		StagingDir:       filepath.Join(baseDir, "staging"),
		LogDir:           filepath.Join(baseDir, "log"),
		LogLevel:         "info",
		MasterSecretPath: filepath.Join(baseDir, "keys", "master.secret"),
		CredentialsFile:  filepath.Join(baseDir, "credentials.toml"),
		CatalogPath:      filepath.Join(baseDir, "catalog.db"),
		UploadWorkers:    DefaultUploadWorkers,
		Restore: RestoreConfig{
			AllowedRoots: []string{"/etc/homeserver", "/var/lib/homeserver", "/srv", "/home"},
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader. Unknown keys are rejected.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads and validates a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config from %s: %v", backup.ErrConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads the config at path, creating it from Default(baseDir) first
// if it does not exist. created reports whether the file was written.
func Load(path, baseDir string) (cfg *Config, created bool, err error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Init(path, Default(baseDir)); err != nil {
			return nil, false, err
		}
		created = true
	}
	cfg, err = ReadFromFile(path)
	return cfg, created, err
}

// writeToFile writes a Config atomically to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	m := &Manager{}
	if err := m.Write(tmp, cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting config permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing config file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Init writes cfg to path. It fails if a config already exists there.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
