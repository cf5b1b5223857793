package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/sakif/clipsync/internal/auth"
	"github.com/sakif/clipsync/internal/docstore"
	"github.com/sakif/clipsync/internal/docstore/sqlite"
	"github.com/sakif/clipsync/internal/handler"
	"github.com/sakif/clipsync/internal/model"
	"github.com/sakif/clipsync/internal/service"
	"github.com/sakif/clipsync/internal/subscription"
)

// =========================================================================
// TEST ENVIRONMENT
// =========================================================================

// testEnv serves the API routes over a fresh in-memory store. Requests are
// authenticated the way real clients do it: with a Bearer JWT.
type testEnv struct {
	store         *sqlite.DB
	hub           *subscription.Hub
	tokens        *auth.TokenService
	profiles      *service.ProfileService
	relationships *service.RelationshipService
	conversations *service.ConversationService
	messages      *service.MessageService
	router        chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := subscription.NewHub(store, logger)
	t.Cleanup(func() {
		hub.Close()
		store.Close()
	})

	tokens, err := auth.NewTokenService("handler-test-secret-0123456789", time.Hour)
	require.NoError(t, err)

	opts := service.Options{
		StoreTimeout: 2 * time.Second,
		Retry: docstore.RetryOptions{
			MaxElapsedTime:  time.Second,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			MaxRetries:      2,
		},
	}

	e := &testEnv{
		store:         store,
		hub:           hub,
		tokens:        tokens,
		profiles:      service.NewProfileService(store, logger, opts),
		relationships: service.NewRelationshipService(store, hub, logger, opts),
		conversations: service.NewConversationService(store, hub, logger, opts),
		messages:      service.NewMessageService(store, hub, logger, opts),
	}

	users := handler.NewUserHandler(e.profiles, e.relationships, logger)
	search := handler.NewSearchHandler(service.NewSearchService(store, logger, opts), logger)
	convs := handler.NewConversationHandler(e.conversations, e.messages, logger)
	live := handler.NewLiveHandler(e.conversations, e.messages, e.relationships, logger)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens))
		r.Get("/me", users.HandleMe)
		r.Patch("/me", users.HandleUpdateMe)
		r.Post("/me/reconcile", users.HandleReconcile)
		r.Get("/users/{uid}", users.HandleGetUser)
		r.Get("/users/{uid}/follow", users.HandleFollowStatus)
		r.Put("/users/{uid}/follow", users.HandleFollow)
		r.Delete("/users/{uid}/follow", users.HandleUnfollow)
		r.Get("/search/users", search.HandleSearchUsers)
		r.Get("/conversations", convs.HandleList)
		r.Post("/conversations", convs.HandleOpen)
		r.Get("/conversations/{id}/messages", convs.HandleHistory)
		r.Post("/conversations/{id}/messages", convs.HandleAppend)
		r.Post("/conversations/{id}/read", convs.HandleMarkRead)
		r.Get("/live", live.HandleLive)
	})
	e.router = r

	return e
}

// addUser creates a user whose uid and login are both name.
func (e *testEnv) addUser(t *testing.T, name string) *model.User {
	t.Helper()
	u, err := e.profiles.EnsureUser(context.Background(), model.Identity{UID: name, Login: name})
	require.NoError(t, err)
	return u
}

// bearer returns an Authorization header value for uid.
func (e *testEnv) bearer(t *testing.T, uid string) string {
	t.Helper()
	token, err := e.tokens.Generate(uid)
	require.NoError(t, err)
	return "Bearer " + token
}

// do sends a request as uid (anonymous when uid is empty). body is
// JSON-encoded unless it is already a string.
func (e *testEnv) do(t *testing.T, method, path, uid string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if uid != "" {
		req.Header.Set("Authorization", e.bearer(t, uid))
	}

	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// decode unmarshals a response body, failing the test on bad JSON.
func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

// errorResponse is the shape every failure shares.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

func requireError(t *testing.T, rr *httptest.ResponseRecorder, status int, errType string) errorResponse {
	t.Helper()
	require.Equal(t, status, rr.Code, "body: %s", rr.Body.String())
	body := decode[errorResponse](t, rr)
	require.Equal(t, errType, body.Error)
	return body
}
