// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer. It decides which URL patterns map to
// which handler functions, which middleware runs where, and how the server
// starts and stops.
//
// DEPENDENCY INJECTION FLOW:
//
//	config.Config → Server.New() creates:
//	  sqlite.DB (docstore.Store) → subscription.Hub
//	  → Profile/Relationship/Conversation/Message/Search services
//	  → handlers → chi routes
//
// This is the "composition root": every dependency is built in New, so no
// other package constructs its own collaborators.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/clipsync/internal/auth"
	"github.com/sakif/clipsync/internal/config"
	"github.com/sakif/clipsync/internal/docstore"
	"github.com/sakif/clipsync/internal/docstore/sqlite"
	"github.com/sakif/clipsync/internal/handler"
	"github.com/sakif/clipsync/internal/middleware"
	"github.com/sakif/clipsync/internal/service"
	"github.com/sakif/clipsync/internal/subscription"
)

// shutdownGrace is how long in-flight requests get once shutdown starts.
const shutdownGrace = 30 * time.Second

// Server owns the store, the hub and the router.
//
// RESOURCE MANAGEMENT:
// Close releases the hub first (ending every live feed, which closes the
// websockets) and then the store, so nothing touches a closed database.
type Server struct {
	router *chi.Mux
	config config.Config
	logger *slog.Logger
	store  *sqlite.DB
	hub    *subscription.Hub
}

// New opens the store and wires every layer on top of it.
func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		store:  store,
		hub:    subscription.NewHub(store, logger, subscription.WithOpenTimeout(cfg.StoreTimeout)),
	}

	if err := s.setupRoutes(); err != nil {
		s.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET    /auth/github/login            → redirect to GitHub   (when configured)
//	GET    /auth/github/callback         → finish login          (when configured)
//	POST   /auth/logout                  → clear session cookie
//	GET    /api/me                       → own profile
//	PATCH  /api/me                       → edit own profile
//	POST   /api/me/reconcile             → repair own counters
//	GET    /api/users/{uid}              → public profile
//	GET    /api/users/{uid}/follow       → am I following?
//	PUT    /api/users/{uid}/follow       → follow
//	DELETE /api/users/{uid}/follow       → unfollow
//	GET    /api/search/users             → username prefix search
//	GET    /api/conversations            → inbox
//	POST   /api/conversations            → open a conversation
//	GET    /api/conversations/{id}/messages
//	POST   /api/conversations/{id}/messages
//	POST   /api/conversations/{id}/read
//	GET    /api/live?topic=...           → websocket snapshots
//
// MIDDLEWARE ORDER MATTERS:
// RequestID must run before Logger so log lines carry the id. The request
// Timeout wraps the REST routes only: a websocket lives far longer than
// any request and must not be cancelled by it.
func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	tokens, err := auth.NewTokenService(s.config.JWTSecret, s.config.TokenTTL)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	opts := service.DefaultOptions()
	opts.StoreTimeout = s.config.StoreTimeout

	var store docstore.Store = s.store
	profiles := service.NewProfileService(store, s.logger, opts)
	relationships := service.NewRelationshipService(store, s.hub, s.logger, opts)
	conversations := service.NewConversationService(store, s.hub, s.logger, opts)
	messages := service.NewMessageService(store, s.hub, s.logger, opts)
	search := service.NewSearchService(store, s.logger, opts)

	userHandler := handler.NewUserHandler(profiles, relationships, s.logger)
	searchHandler := handler.NewSearchHandler(search, s.logger)
	conversationHandler := handler.NewConversationHandler(conversations, messages, s.logger)
	liveHandler := handler.NewLiveHandler(conversations, messages, relationships, s.logger)

	// === Auth Routes ===
	// Without GitHub credentials the server still runs (useful in
	// development with hand-minted tokens), it just cannot log anyone in.
	var provider handler.IdentityProvider
	if s.config.GitHub.Enabled() {
		provider = auth.NewGitHubProvider(
			s.config.GitHub.ClientID,
			s.config.GitHub.ClientSecret,
			s.config.GitHub.CallbackURL,
		)
	} else {
		s.logger.Warn("GITHUB_CLIENT_ID/GITHUB_CLIENT_SECRET not set, GitHub login is disabled")
	}
	authService := service.NewAuthService(profiles, tokens, s.logger)
	authHandler := handler.NewAuthHandler(provider, authService, tokens, s.config.SecureCookies, s.logger)

	s.router.Route("/auth", func(r chi.Router) {
		if provider != nil {
			r.Get("/github/login", authHandler.HandleGitHubLogin)
			r.Get("/github/callback", authHandler.HandleGitHubCallback)
		}
		r.Post("/logout", authHandler.HandleLogout)
	})

	// === API Routes ===
	s.router.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens))

		r.Get("/live", liveHandler.HandleLive)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(s.config.RequestTimeout))

			r.Get("/me", userHandler.HandleMe)
			r.Patch("/me", userHandler.HandleUpdateMe)
			r.Post("/me/reconcile", userHandler.HandleReconcile)

			r.Get("/users/{uid}", userHandler.HandleGetUser)
			r.Get("/users/{uid}/follow", userHandler.HandleFollowStatus)
			r.Put("/users/{uid}/follow", userHandler.HandleFollow)
			r.Delete("/users/{uid}/follow", userHandler.HandleUnfollow)

			r.Get("/search/users", searchHandler.HandleSearchUsers)

			r.Get("/conversations", conversationHandler.HandleList)
			r.Post("/conversations", conversationHandler.HandleOpen)
			r.Get("/conversations/{id}/messages", conversationHandler.HandleHistory)
			r.Post("/conversations/{id}/messages", conversationHandler.HandleAppend)
			r.Post("/conversations/{id}/read", conversationHandler.HandleMarkRead)
		})
	})

	return nil
}

// Start serves HTTP until ctx is cancelled (main cancels it on SIGINT or
// SIGTERM), then shuts down gracefully and closes the store.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new connections and let in-flight requests finish
//  2. Close the hub, which ends every live feed and so every websocket
//  3. Close the database (flushes WAL, releases the file lock)
//
// Hijacked websocket connections are not tracked by http.Server.Shutdown,
// which is why step 2 is needed at all.
func (s *Server) Start(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.config.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would also cut long-lived websockets. REST
		// responses are bounded by the Timeout middleware instead.
		IdleTimeout: 60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("database", s.config.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

// Close releases the hub and the store. Safe to call more than once.
func (s *Server) Close() error {
	return errors.Join(s.hub.Close(), s.store.Close())
}
