package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mooring-dev/mooring/internal/api"
	"github.com/mooring-dev/mooring/internal/config"
	"github.com/mooring-dev/mooring/internal/events"
	"github.com/mooring-dev/mooring/internal/orchestrator"
	"github.com/mooring-dev/mooring/internal/sandbox"
	"github.com/mooring-dev/mooring/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("mooring starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Init(ctx); err != nil {
		slog.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	// Sandbox allocator
	if cfg.SandboxAPIURL == "" {
		slog.Error("SANDBOX_API_URL is required")
		os.Exit(1)
	}
	allocator := sandbox.NewClient(cfg.SandboxAPIURL, cfg.SandboxToken)
	slog.Info("sandbox allocator ready", "url", cfg.SandboxAPIURL)

	// NATS (optional — mooring works without it, clients poll instead)
	var notifier *events.Client
	if cfg.NatsURL != "" {
		notifier, err = events.NewClient(cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer notifier.Close()
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS not configured — running without status push")
	}

	// Orchestrator
	var orch *orchestrator.Orchestrator
	if notifier != nil {
		orch = orchestrator.New(db, allocator, notifier, slog.Default())
	} else {
		orch = orchestrator.New(db, allocator, nil, slog.Default())
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, cfg.APIToken, orch, slog.Default())
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	// Announce registration
	if notifier != nil {
		if err := notifier.Announce(cfg.Port); err != nil {
			slog.Warn("failed to publish registration", "error", err)
		}
	}

	slog.Info("mooring ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown", "error", err)
	}
	cancel()
	slog.Info("mooring stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
