package testutil

import (
	"context"
	"fmt"
	"sync/atomic"

	"hsbackup/internal/backup"
	"hsbackup/internal/provider"
)

// NewTestProvider creates an in-memory provider.
func NewTestProvider(name string) *provider.MemoryProvider {
	return provider.NewMemoryProvider(name)
}

// FailingProvider rejects every call. Calls counts the attempts.
type FailingProvider struct {
	ProviderName string
	Reason       string
	Calls        atomic.Int32
}

var _ backup.Provider = (*FailingProvider)(nil)

// NewFailingProvider creates a provider whose calls fail with reason.
func NewFailingProvider(name, reason string) *FailingProvider {
	return &FailingProvider{ProviderName: name, Reason: reason}
}

func (f *FailingProvider) Name() string { return f.ProviderName }
func (f *FailingProvider) Kind() string { return "failing" }

func (f *FailingProvider) err() error {
	f.Calls.Add(1)
	return fmt.Errorf("%w: %s: %s", backup.ErrProvider, f.ProviderName, f.Reason)
}

func (f *FailingProvider) Upload(context.Context, string, string) error   { return f.err() }
func (f *FailingProvider) Download(context.Context, string, string) error { return f.err() }
func (f *FailingProvider) TestConnection(context.Context) error           { return f.err() }

func (f *FailingProvider) List(context.Context) ([]backup.RemoteFile, error) {
	return nil, f.err()
}

// PanickingProvider panics on every upload.
type PanickingProvider struct {
	*provider.MemoryProvider
}

func NewPanickingProvider(name string) *PanickingProvider {
	return &PanickingProvider{MemoryProvider: provider.NewMemoryProvider(name)}
}

func (p *PanickingProvider) Upload(context.Context, string, string) error {
	panic("upload exploded")
}

// CancelingProvider cancels the run's context when its upload starts and
// then behaves like a memory provider.
type CancelingProvider struct {
	*provider.MemoryProvider
	Cancel context.CancelFunc
}

func (p *CancelingProvider) Upload(ctx context.Context, localPath, remoteName string) error {
	p.Cancel()
	return p.MemoryProvider.Upload(ctx, localPath, remoteName)
}
