package service

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sakif/clipsync/internal/docstore"
	"github.com/sakif/clipsync/internal/docstore/sqlite"
	"github.com/sakif/clipsync/internal/model"
	"github.com/sakif/clipsync/internal/subscription"
)

// =========================================================================
// TEST FIXTURE
// =========================================================================

// fixture wires every service against a fresh in-memory store.
type fixture struct {
	store         *sqlite.DB
	hub           *subscription.Hub
	profiles      *ProfileService
	relationships *RelationshipService
	conversations *ConversationService
	messages      *MessageService
	search        *SearchService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := subscription.NewHub(store, logger)
	t.Cleanup(func() {
		hub.Close()
		store.Close()
	})

	opts := Options{
		StoreTimeout: 2 * time.Second,
		Retry: docstore.RetryOptions{
			MaxElapsedTime:  time.Second,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			MaxRetries:      2,
		},
	}

	return &fixture{
		store:         store,
		hub:           hub,
		profiles:      NewProfileService(store, logger, opts),
		relationships: NewRelationshipService(store, hub, logger, opts),
		conversations: NewConversationService(store, hub, logger, opts),
		messages:      NewMessageService(store, hub, logger, opts),
		search:        NewSearchService(store, logger, opts),
	}
}

// addUser creates a user whose uid and login are both name.
func (f *fixture) addUser(t *testing.T, name string) *model.User {
	t.Helper()
	return f.addIdentity(t, name, name)
}

func (f *fixture) addIdentity(t *testing.T, uid, login string) *model.User {
	t.Helper()
	u, err := f.profiles.EnsureUser(context.Background(), model.Identity{UID: uid, Login: login})
	require.NoError(t, err)
	return u
}

func (f *fixture) user(t *testing.T, uid string) *model.User {
	t.Helper()
	u, err := f.profiles.GetUser(context.Background(), uid)
	require.NoError(t, err)
	return u
}

// next waits for one feed update or fails the test.
func next[T any](t *testing.T, feed *Feed[T]) Update[T] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	upd, err := feed.Next(ctx)
	require.NoError(t, err, "waiting for feed update")
	return upd
}

// nextMatching skips updates until match returns true. Snapshots are latest
// wins, so intermediate states may or may not be observed.
func nextMatching[T any](t *testing.T, feed *Feed[T], match func(T) bool) T {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		upd := next(t, feed)
		if upd.Err == nil && match(upd.Value) {
			return upd.Value
		}
	}
	t.Fatal("feed never reached the expected state")
	var zero T
	return zero
}
