// Package main is the entry point for the clipsync server.
//
// The main package stays small. Its job is to:
//  1. Read configuration (environment, optionally a .env file)
//  2. Create the logger
//  3. Start the server and stop it on SIGINT or SIGTERM
//
// Everything else lives in internal/.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sakif/clipsync/internal/config"
	"github.com/sakif/clipsync/internal/server"
)

func main() {
	// === 1. READ CONFIGURATION ===
	// JWT_SECRET must be a long random string, e.g.
	//   JWT_SECRET=$(openssl rand -hex 32)
	cfg, err := config.Load()
	if err != nil {
		// No logger level yet; log with the default one.
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 2. SET UP LOGGING ===
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	// === 3. CREATE AND START THE SERVER ===
	// The context is cancelled on Ctrl+C or SIGTERM, which starts the
	// graceful shutdown inside Start.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
