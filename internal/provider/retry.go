package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"hsbackup/internal/backup"
)

// RetryPolicy bounds each provider call in time and retries transient
// failures with exponential backoff.
type RetryPolicy struct {
	// Timeout bounds a single attempt. Zero disables the per-attempt bound.
	Timeout time.Duration

	// Retries is the number of attempts after the first.
	Retries int

	// InitialInterval overrides the backoff's first delay when positive.
	InitialInterval time.Duration

	// Grace is how long a timed-out attempt may take to return before it is
	// abandoned. An abandoned attempt ends the call without retrying, so two
	// attempts never run at once. Zero means DefaultGrace.
	Grace time.Duration
}

// DefaultGrace is the wait for a timed-out attempt to unwind.
const DefaultGrace = 5 * time.Second

// retryProvider decorates a Provider with RetryPolicy.
type retryProvider struct {
	backup.Provider
	policy RetryPolicy
	logger backup.Logger
}

// WithRetry wraps p so that every call is bounded by policy.Timeout and
// retried up to policy.Retries times. Missing files and configuration
// errors are not retried.
func WithRetry(p backup.Provider, policy RetryPolicy, logger backup.Logger) backup.Provider {
	if logger == nil {
		logger = backup.NewNopLogger()
	}
	return &retryProvider{Provider: p, policy: policy, logger: logger}
}

// Unwrap returns the decorated provider.
func Unwrap(p backup.Provider) backup.Provider {
	for {
		r, ok := p.(*retryProvider)
		if !ok {
			return p
		}
		p = r.Provider
	}
}

func (r *retryProvider) Upload(ctx context.Context, localPath, remoteName string) error {
	return r.do(ctx, "upload", func(ctx context.Context) error {
		return r.Provider.Upload(ctx, localPath, remoteName)
	})
}

func (r *retryProvider) Download(ctx context.Context, remoteName, localPath string) error {
	return r.do(ctx, "download", func(ctx context.Context) error {
		return r.Provider.Download(ctx, remoteName, localPath)
	})
}

func (r *retryProvider) List(ctx context.Context) ([]backup.RemoteFile, error) {
	var files []backup.RemoteFile
	err := r.do(ctx, "list", func(ctx context.Context) error {
		var err error
		files, err = r.Provider.List(ctx)
		return err
	})
	return files, err
}

func (r *retryProvider) TestConnection(ctx context.Context) error {
	return r.do(ctx, "connection test", r.Provider.TestConnection)
}

func (r *retryProvider) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	if r.policy.InitialInterval > 0 {
		eb.InitialInterval = r.policy.InitialInterval
	}
	retries := r.policy.Retries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := r.attempt(ctx, op, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, backup.ErrPackageNotFound) || errors.Is(err, backup.ErrConfig) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		r.logger.Warn("provider call failed, retrying",
			"provider", r.Name(), "op", op, "attempt", attempt, "retry_in", next.String(), "error", err)
	}
	return backoff.RetryNotify(operation, policy, notify)
}

// attempt runs fn once under the per-attempt timeout. A provider that has
// not returned within Grace of the timeout is abandoned and the error is
// permanent.
func (r *retryProvider) attempt(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r.policy.Timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return r.timeoutErr(op)
		}
		return err
	case <-callCtx.Done():
	}

	grace := r.policy.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.timeoutErr(op)
	case <-timer.C:
		r.logger.Warn("provider call did not stop after its timeout, abandoning it",
			"provider", r.Name(), "op", op, "grace", grace.String())
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return backoff.Permanent(fmt.Errorf("%w (still running, not retried)", r.timeoutErr(op)))
	}
}

func (r *retryProvider) timeoutErr(op string) error {
	return fmt.Errorf("%w: %s: %s timed out after %s", backup.ErrProvider, r.Name(), op, r.policy.Timeout)
}
