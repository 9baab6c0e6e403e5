// Package credentials resolves provider credential pairs from the exported
// credentials file.
package credentials

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/BurntSushi/toml"

	"hsbackup/internal/backup"
)

// File is the on-disk layout:
//
//	[services.s3-main]
//	username = "AKIA..."
//	password = "..."
type File struct {
	Services map[string]Entry `toml:"services"`
}

// Entry is one credential pair.
type Entry struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// FileSource implements backup.CredentialSource over a TOML file. The file
// is read on every lookup; exported credentials may be short-lived.
type FileSource struct {
	path   string
	logger backup.Logger
}

var _ backup.CredentialSource = (*FileSource)(nil)

// NewFileSource creates a FileSource reading path.
func NewFileSource(path string, logger backup.Logger) *FileSource {
	if logger == nil {
		logger = backup.NewNopLogger()
	}
	return &FileSource{path: path, logger: logger}
}

// Lookup returns the pair stored for service. A missing file or entry, or
// an entry with neither field set, is reported as unavailable.
func (s *FileSource) Lookup(service string) (string, string, bool) {
	f, err := Read(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("reading credentials file failed", "path", s.path, "error", err)
		}
		return "", "", false
	}
	e, ok := f.Services[service]
	if !ok || (e.Username == "" && e.Password == "") {
		return "", "", false
	}
	return e.Username, e.Password, true
}

// Read decodes the credentials file at path.
func Read(path string) (*File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("decoding credentials file: %w", err)
	}
	return &f, nil
}

// StaticSource is an in-memory CredentialSource.
type StaticSource struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewStaticSource creates a StaticSource holding entries.
func NewStaticSource(entries map[string]Entry) *StaticSource {
	s := &StaticSource{entries: make(map[string]Entry, len(entries))}
	for k, v := range entries {
		s.entries[k] = v
	}
	return s
}

func (s *StaticSource) Lookup(service string) (string, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[service]
	return e.Username, e.Password, ok
}

// Set stores or replaces a pair.
func (s *StaticSource) Set(service string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[service] = e
}

// Write encodes f to path with owner-only permissions.
func Write(path string, f *File) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating credentials file: %w", err)
	}
	if err := toml.NewEncoder(out).Encode(f); err != nil {
		out.Close()
		return fmt.Errorf("encoding credentials file: %w", err)
	}
	return out.Close()
}
