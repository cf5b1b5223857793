package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/docstore"
)

// flakyStore fails the next N transactions with ErrUnavailable before
// passing through to the real store, and counts every attempt.
type flakyStore struct {
	docstore.Store
	failures atomic.Int32
	attempts atomic.Int32
}

func (s *flakyStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	s.attempts.Add(1)
	if s.failures.Add(-1) >= 0 {
		return apperror.Unavailable("begin transaction", errors.New("database is locked"))
	}
	return s.Store.RunTransaction(ctx, fn)
}

// failNext arms n failures and resets the attempt counter.
func (s *flakyStore) failNext(n int32) {
	s.failures.Store(n)
	s.attempts.Store(0)
}

// slowStore makes every Get wait for the caller's deadline, then hands the
// expired context to the real store.
type slowStore struct {
	docstore.Store
}

func (s slowStore) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	<-ctx.Done()
	return s.Store.Get(ctx, collection, id)
}

// newFlakyChat is newChat with services that talk to a flakyStore.
func newFlakyChat(t *testing.T) (*fixture, *flakyStore, string) {
	t.Helper()
	f, conv := newChat(t)
	flaky := &flakyStore{Store: f.store}
	f.relationships.store = flaky
	f.messages.store = flaky
	return f, flaky, conv.ID
}

// =========================================================================
// IDEMPOTENT OPERATIONS RETRY
// =========================================================================

func TestRetry_IdempotentOperations(t *testing.T) {
	tests := []struct {
		name string
		op   func(ctx context.Context, f *fixture, cid string) error
	}{
		{"follow", func(ctx context.Context, f *fixture, _ string) error {
			return f.relationships.Follow(ctx, "alice", "bob")
		}},
		{"unfollow", func(ctx context.Context, f *fixture, _ string) error {
			return f.relationships.Unfollow(ctx, "alice", "bob")
		}},
		{"mark read", func(ctx context.Context, f *fixture, cid string) error {
			return f.messages.MarkRead(ctx, cid, "bob")
		}},
		{"append with client token", func(ctx context.Context, f *fixture, cid string) error {
			_, err := f.messages.Append(ctx, cid, "alice", "hello", "retry-1")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, flaky, cid := newFlakyChat(t)

			// The fixture allows two retries: two failures are absorbed...
			flaky.failNext(2)
			require.NoError(t, tt.op(context.Background(), f, cid))
			assert.Equal(t, int32(3), flaky.attempts.Load())

			// ...three are not, and the caller sees Unavailable.
			flaky.failNext(3)
			err := tt.op(context.Background(), f, cid)
			assert.True(t, errors.Is(err, apperror.ErrUnavailable), "error = %v", err)
			assert.Equal(t, int32(3), flaky.attempts.Load())
		})
	}
}

func TestRetry_FollowStateAfterTransientFailures(t *testing.T) {
	f, flaky, _ := newFlakyChat(t)
	ctx := context.Background()

	flaky.failNext(1)
	require.NoError(t, f.relationships.Follow(ctx, "alice", "bob"))

	assert.Equal(t, int64(1), f.user(t, "alice").FollowingCount)
	assert.Equal(t, int64(1), f.user(t, "bob").FollowerCount)
}

// =========================================================================
// APPEND WITHOUT A TOKEN RUNS ONCE
// =========================================================================

func TestRetry_AppendWithoutTokenIsNotRetried(t *testing.T) {
	f, flaky, cid := newFlakyChat(t)
	ctx := context.Background()

	flaky.failNext(1)
	_, err := f.messages.Append(ctx, cid, "alice", "maybe twice", "")
	assert.True(t, errors.Is(err, apperror.ErrUnavailable), "error = %v", err)
	assert.Equal(t, int32(1), flaky.attempts.Load())

	history, err := f.messages.History(ctx, "bob", cid)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRetry_AppendWithTokenStoresOnce(t *testing.T) {
	f, flaky, cid := newFlakyChat(t)
	ctx := context.Background()

	flaky.failNext(2)
	msg, err := f.messages.Append(ctx, cid, "alice", "exactly once", "once-1")
	require.NoError(t, err)

	history, err := f.messages.History(ctx, "bob", cid)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
	assert.Equal(t, int64(1), f.conversation(t, cid).UnreadCount["bob"])
}

// =========================================================================
// TIMEOUTS
// =========================================================================

func TestStoreTimeout_BecomesUnavailable(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice")

	opts := Options{
		StoreTimeout: 20 * time.Millisecond,
		Retry: docstore.RetryOptions{
			MaxElapsedTime:  time.Second,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxRetries:      1,
		},
	}
	profiles := NewProfileService(slowStore{Store: f.store}, f.profiles.logger, opts)

	start := time.Now()
	_, err := profiles.GetUser(context.Background(), "alice")
	assert.True(t, errors.Is(err, apperror.ErrUnavailable), "error = %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
