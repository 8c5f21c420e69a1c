// Package main is the entry point for the vectorizer worker: a daemon that
// polls the vectorizer catalog, claims queued source rows, and writes
// embeddings into the target tables. With ONCE=true it processes a single
// pass and exits.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/emergent-company/vectorizer/domain/health"
	"github.com/emergent-company/vectorizer/domain/tracing"
	"github.com/emergent-company/vectorizer/domain/vectorizer"
	"github.com/emergent-company/vectorizer/internal/config"
	"github.com/emergent-company/vectorizer/internal/database"
	"github.com/emergent-company/vectorizer/internal/server"
	"github.com/emergent-company/vectorizer/pkg/logger"
)

func main() {
	// Load .env files if present (for local development)
	// Note: Load() won't overwrite existing vars, Overload() will
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	var cfg *config.Config

	app := fx.New(
		// Logging
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		tracing.Module,
		server.Module,

		// Admin surface (health, status, metrics)
		health.Module,

		// The worker itself
		vectorizer.Module,

		fx.Populate(&cfg),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancel()

	if err := app.Start(startCtx); err != nil {
		os.Exit(1)
	}

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case s := <-sig:
		slog.Info("shutdown signal received, finishing in-flight batch",
			slog.String("signal", s.String()),
			slog.Duration("grace", cfg.Worker.ShutdownGrace),
		)
	case shutdown := <-app.Wait():
		// Once mode (or a fatal supervisor error) shut the app down itself.
		exitCode = shutdown.ExitCode
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer stopCancel()

	stopped := make(chan error, 1)
	go func() { stopped <- app.Stop(stopCtx) }()

	select {
	case err := <-stopped:
		if err != nil {
			exitCode = 1
		}
	case s := <-sig:
		// Second signal: abandon the in-flight transaction. Postgres rolls
		// it back and the claimed rows become visible again.
		slog.Warn("second signal received, aborting", slog.String("signal", s.String()))
		exitCode = 130
	}

	os.Exit(exitCode)
}
