package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/garnizeh/volunteer-match/api"
	"github.com/garnizeh/volunteer-match/internal/app"
	"github.com/garnizeh/volunteer-match/internal/config"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var configPath = flag.String("config", "", "Path to config YAML file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	api.SetLogger(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger.Info("starting volunteer-match server", "version", version, "build_time", buildTime)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to assemble engine", "error", err)
		os.Exit(1)
	}
	a.Start(ctx)

	handler := api.SetupRoutes(cfg, version, buildTime, api.Deps{
		Store:     a.Store,
		Lifecycle: a.Lifecycle,
		Ranking:   a.Ranking,
		Scoring:   a.Scoring,
		Audit:     a.Audit,
		Health:    a.Healthy,
	})

	// Rescoring runs synchronously inside the request in inline mode, so
	// WriteTimeout must cover a full fan-out.
	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.APITimeout,
		WriteTimeout: cfg.APITimeout + cfg.Oracle.Timeout*time.Duration(cfg.Scoring.MaxAttempts),
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	stop()
	if err := a.Close(); err != nil {
		logger.Error("error closing engine", "error", err)
	}

	logger.Info("server exited")
}
