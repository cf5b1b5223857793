package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sakif/clipsync/internal/apperror"
)

func fastRetry() RetryOptions {
	return RetryOptions{
		MaxElapsedTime:  time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxRetries:      3,
	}
}

var errBusy = apperror.Unavailable("querying", errors.New("database is locked"))

func TestRetry(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name      string
		ctx       context.Context
		failures  int   // attempts that fail before success
		failWith  error // error of a failing attempt
		wantCalls int
		wantErr   error // nil means success
	}{
		{"success first try", context.Background(), 0, errBusy, 1, nil},
		{"transient then success", context.Background(), 2, errBusy, 3, nil},
		{"retries exhausted", context.Background(), 100, errBusy, 4, apperror.ErrUnavailable},
		{"not found is permanent", context.Background(), 100, apperror.NotFound("document", "users/x"), 1, apperror.ErrNotFound},
		{"forbidden is permanent", context.Background(), 100, apperror.Forbidden("no"), 1, apperror.ErrForbidden},
		{"plain error is permanent", context.Background(), 100, errors.New("boom"), 1, nil},
		{"cancelled context stops after one attempt", cancelled, 100, errBusy, 1, apperror.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := Retry(tt.ctx, fastRetry(), func(context.Context) (string, error) {
				calls++
				if calls <= tt.failures {
					return "", tt.failWith
				}
				return "ok", nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.failures < tt.wantCalls {
				assert.NoError(t, err)
				assert.Equal(t, "ok", got)
				return
			}
			assert.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "error = %v", err)
			}
		})
	}
}

func TestRetry_ReturnsLastErrorUnchanged(t *testing.T) {
	permanent := apperror.Conflict("username", "alice")

	_, err := Retry(context.Background(), fastRetry(), func(context.Context) (int, error) {
		return 0, permanent
	})
	assert.Same(t, permanent, err)
}
