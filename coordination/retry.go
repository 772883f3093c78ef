package coordination

import (
	"context"
	"time"

	"github.com/juju/clock"
	"golang.org/x/xerrors"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = time.Second
)

// RetryConfig controls the bounded exponential-backoff behavior of a
// retrying store.
type RetryConfig struct {
	// Attempts is the maximum number of tries per operation. Defaults
	// to 3.
	Attempts int

	// BaseDelay is the delay before the first retry; it doubles after
	// each failed attempt. Defaults to 1s.
	BaseDelay time.Duration

	// Clock is used for waiting between attempts. Defaults to the
	// wall clock.
	Clock clock.Clock
}

func (cfg *RetryConfig) applyDefaults() {
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultRetryAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultRetryBase
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
}

// retryingStore decorates a Store with bounded exponential-backoff retries
// for transient errors. Session expiry is never retried.
type retryingStore struct {
	store Store
	cfg   RetryConfig
}

// NewRetrying wraps s so that operations failing with a transient error are
// retried with exponential backoff before the error is surfaced.
func NewRetrying(s Store, cfg RetryConfig) Store {
	cfg.applyDefaults()
	return &retryingStore{store: s, cfg: cfg}
}

func (r *retryingStore) retry(ctx context.Context, op func() error) error {
	var err error
	delay := r.cfg.BaseDelay
	for attempt := 0; attempt < r.cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-r.cfg.Clock.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = op(); err == nil || !IsTransient(err) {
			return err
		}
	}
	return xerrors.Errorf("retry budget exhausted: %w", err)
}

func (r *retryingStore) Create(ctx context.Context, path string, data []byte, mode Mode) (string, error) {
	var createdPath string
	err := r.retry(ctx, func() error {
		var opErr error
		createdPath, opErr = r.store.Create(ctx, path, data, mode)
		return opErr
	})
	return createdPath, err
}

func (r *retryingStore) Exists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := r.retry(ctx, func() error {
		var opErr error
		exists, opErr = r.store.Exists(ctx, path)
		return opErr
	})
	return exists, err
}

func (r *retryingStore) Get(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := r.retry(ctx, func() error {
		var opErr error
		data, opErr = r.store.Get(ctx, path)
		return opErr
	})
	return data, err
}

func (r *retryingStore) Set(ctx context.Context, path string, data []byte) error {
	return r.retry(ctx, func() error { return r.store.Set(ctx, path, data) })
}

func (r *retryingStore) Delete(ctx context.Context, path string) error {
	return r.retry(ctx, func() error { return r.store.Delete(ctx, path) })
}

func (r *retryingStore) DeleteTree(ctx context.Context, path string) error {
	return r.retry(ctx, func() error { return r.store.DeleteTree(ctx, path) })
}

func (r *retryingStore) Children(ctx context.Context, path string) ([]string, error) {
	var children []string
	err := r.retry(ctx, func() error {
		var opErr error
		children, opErr = r.store.Children(ctx, path)
		return opErr
	})
	return children, err
}

func (r *retryingStore) WatchTree(ctx context.Context, path string) (<-chan Event, error) {
	return r.store.WatchTree(ctx, path)
}

func (r *retryingStore) Close() error {
	return r.store.Close()
}
