package provider

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"hsbackup/internal/backup"
)

// MemoryProvider keeps uploaded packages in memory. It backs dry runs and
// tests; contents do not outlive the process.
// This implementation is safe for concurrent use.
type MemoryProvider struct {
	name  string
	mu    sync.RWMutex
	files map[string]memoryFile
	now   func() time.Time
}

type memoryFile struct {
	data     []byte
	modified time.Time
}

var _ backup.Provider = (*MemoryProvider)(nil)

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider(name string) *MemoryProvider {
	return &MemoryProvider{
		name:  name,
		files: make(map[string]memoryFile),
		now:   time.Now,
	}
}

func (m *MemoryProvider) Name() string { return m.name }
func (m *MemoryProvider) Kind() string { return "memory" }

func (m *MemoryProvider) Upload(ctx context.Context, localPath, remoteName string) error {
	if err := checkName(remoteName); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", localPath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[remoteName] = memoryFile{data: data, modified: m.now()}
	return nil
}

func (m *MemoryProvider) Download(ctx context.Context, remoteName, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	f, ok := m.files[remoteName]
	m.mu.RUnlock()
	if !ok {
		return notFound(m.name, remoteName)
	}
	return writeAtomicFrom(localPath, bytes.NewReader(f.data))
}

func (m *MemoryProvider) List(ctx context.Context) ([]backup.RemoteFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	files := make([]backup.RemoteFile, 0, len(m.files))
	for name, f := range m.files {
		files = append(files, backup.RemoteFile{Name: name, Size: int64(len(f.data)), ModifiedAt: f.modified})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (m *MemoryProvider) TestConnection(ctx context.Context) error {
	return ctx.Err()
}

// Get returns a copy of a stored file's contents.
func (m *MemoryProvider) Get(remoteName string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[remoteName]
	if !ok {
		return nil, false
	}
	return bytes.Clone(f.data), true
}

// Put stores data directly, bypassing Upload.
func (m *MemoryProvider) Put(remoteName string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[remoteName] = memoryFile{data: bytes.Clone(data), modified: m.now()}
}
