package provider

import (
	"context"
	"fmt"
	"sort"

	"hsbackup/internal/backup"
	"hsbackup/internal/config"
)

// Factory constructs providers from configuration. Providers are built
// fresh for every run and never cached.
type Factory struct {
	creds  backup.CredentialSource
	logger backup.Logger
}

// NewFactory creates a Factory resolving credentials through creds.
func NewFactory(creds backup.CredentialSource, logger backup.Logger) *Factory {
	if logger == nil {
		logger = backup.NewNopLogger()
	}
	return &Factory{creds: creds, logger: logger}
}

// New builds the named provider and wraps it with its retry policy.
func (f *Factory) New(ctx context.Context, name string, cfg config.ProviderConfig) (backup.Provider, error) {
	p, err := f.build(ctx, name, cfg)
	if err != nil {
		return nil, err
	}
	return WithRetry(p, RetryPolicy{Timeout: cfg.Timeout(), Retries: cfg.RetryCount()}, f.logger), nil
}

// Enabled builds every enabled provider, sorted by name. A provider that
// cannot be constructed is returned as one whose calls all fail with the
// construction error, so it is reported alongside the others instead of
// aborting the run.
func (f *Factory) Enabled(ctx context.Context, providers map[string]config.ProviderConfig) []backup.Provider {
	names := make([]string, 0, len(providers))
	for name, cfg := range providers {
		if cfg.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]backup.Provider, 0, len(names))
	for _, name := range names {
		cfg := providers[name]
		p, err := f.New(ctx, name, cfg)
		if err != nil {
			f.logger.Error("provider unavailable", "provider", name, "kind", cfg.Kind, "error", err)
			p = &brokenProvider{name: name, kind: cfg.Kind, err: err}
		}
		out = append(out, p)
	}
	return out
}

// Named builds one provider by name, enabled or not.
func (f *Factory) Named(ctx context.Context, providers map[string]config.ProviderConfig, name string) (backup.Provider, error) {
	cfg, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: no provider named %q", backup.ErrConfig, name)
	}
	return f.New(ctx, name, cfg)
}

func (f *Factory) build(ctx context.Context, name string, cfg config.ProviderConfig) (backup.Provider, error) {
	switch cfg.Kind {
	case config.KindLocal:
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: provider %s: local requires path", backup.ErrConfig, name)
		}
		return NewLocalProvider(name, cfg.Path), nil

	case config.KindMemory:
		return NewMemoryProvider(name), nil

	case config.KindS3, config.KindB2:
		opts := S3Options{
			Bucket:   cfg.Bucket,
			Prefix:   cfg.Prefix,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		}
		if cfg.Kind == config.KindB2 && opts.Endpoint == "" {
			opts.Endpoint = B2Endpoint(cfg.Region)
		}
		if cfg.Credential != "" {
			user, pass, ok := f.lookup(cfg.Credential)
			if !ok {
				return nil, fmt.Errorf("%w: provider %s: credential %q unavailable", backup.ErrConfig, name, cfg.Credential)
			}
			opts.AccessKeyID, opts.SecretAccessKey = user, pass
		}
		return NewS3Provider(ctx, name, cfg.Kind, opts)

	case config.KindDrive:
		clientID, clientSecret, ok := f.lookup(cfg.Credential)
		if !ok {
			return nil, fmt.Errorf("%w: provider %s: credential %q unavailable", backup.ErrConfig, name, cfg.Credential)
		}
		refresh, err := readToken(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("%w: provider %s: reading token: %v", backup.ErrConfig, name, err)
		}
		return NewDriveProvider(ctx, name, DriveOptions{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RefreshToken: refresh,
			FolderID:     cfg.Folder,
		})

	case config.KindDropbox:
		var token string
		if cfg.Credential != "" {
			_, pass, ok := f.lookup(cfg.Credential)
			if !ok || pass == "" {
				return nil, fmt.Errorf("%w: provider %s: credential %q unavailable", backup.ErrConfig, name, cfg.Credential)
			}
			token = pass
		} else {
			var err error
			if token, err = readToken(cfg.TokenFile); err != nil {
				return nil, fmt.Errorf("%w: provider %s: reading token: %v", backup.ErrConfig, name, err)
			}
		}
		return NewDropboxProvider(name, token, cfg.Folder, cfg.Timeout()), nil

	default:
		return nil, fmt.Errorf("%w: provider %s: unknown kind %q", backup.ErrConfig, name, cfg.Kind)
	}
}

func (f *Factory) lookup(service string) (string, string, bool) {
	if f.creds == nil || service == "" {
		return "", "", false
	}
	return f.creds.Lookup(service)
}

// brokenProvider stands in for a provider whose construction failed.
type brokenProvider struct {
	name string
	kind string
	err  error
}

func (b *brokenProvider) Name() string { return b.name }
func (b *brokenProvider) Kind() string { return b.kind }

func (b *brokenProvider) Upload(context.Context, string, string) error   { return b.err }
func (b *brokenProvider) Download(context.Context, string, string) error { return b.err }
func (b *brokenProvider) TestConnection(context.Context) error           { return b.err }

func (b *brokenProvider) List(context.Context) ([]backup.RemoteFile, error) {
	return nil, b.err
}
