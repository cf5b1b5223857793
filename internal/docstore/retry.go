package docstore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sakif/clipsync/internal/apperror"
)

// RetryOptions configures Retry.
type RetryOptions struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultRetryOptions suits interactive calls: a user is waiting on the result.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxElapsedTime:  5 * time.Second,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     1 * time.Second,
		MaxRetries:      3,
	}
}

// Retry runs operation with exponential backoff while it fails with
// apperror.ErrUnavailable. Any other error stops immediately and is returned
// unchanged. Only use it for idempotent operations.
func Retry[T any](ctx context.Context, opts RetryOptions, operation func(context.Context) (T, error)) (T, error) {
	var result T
	var lastErr error

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(opts.MaxElapsedTime),
		backoff.WithInitialInterval(opts.InitialInterval),
		backoff.WithMaxInterval(opts.MaxInterval),
	), opts.MaxRetries)

	err := backoff.Retry(func() error {
		var err error
		result, err = operation(ctx)
		if err != nil {
			lastErr = err
			if !apperror.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if lastErr != nil {
			return result, lastErr
		}
		return result, apperror.Unavailable("store operation", err)
	}
	return result, nil
}
