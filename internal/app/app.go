// Package app assembles the engine from configuration. Both the server and
// the admin CLI build their dependencies through New.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	dbfs "github.com/garnizeh/volunteer-match/db"
	"github.com/garnizeh/volunteer-match/internal/audit"
	"github.com/garnizeh/volunteer-match/internal/config"
	"github.com/garnizeh/volunteer-match/internal/db"
	"github.com/garnizeh/volunteer-match/internal/jobs"
	"github.com/garnizeh/volunteer-match/internal/lifecycle"
	"github.com/garnizeh/volunteer-match/internal/notify"
	"github.com/garnizeh/volunteer-match/internal/oracle"
	"github.com/garnizeh/volunteer-match/internal/ranking"
	"github.com/garnizeh/volunteer-match/internal/repository/sqlite"
	"github.com/garnizeh/volunteer-match/internal/scoring"
	"github.com/garnizeh/volunteer-match/internal/trigger"
	"github.com/garnizeh/volunteer-match/pkg/ollama"
)

type App struct {
	Config     *config.Config
	DB         *db.DB
	Store      *sqlite.SQLiteRepo
	Audit      *audit.Recorder
	Oracle     *oracle.Client
	Scoring    *scoring.Orchestrator
	Lifecycle  *lifecycle.Service
	Ranking    *ranking.Engine
	Dispatcher notify.Dispatcher
	// Pool is nil unless scoring.mode is queue.
	Pool *jobs.WorkerPool

	logger  *slog.Logger
	closers []func() error
}

// New opens the database, runs migrations when configured and wires every
// component. cfg must already be validated.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}

	d, err := db.New(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.DB = d
	a.closers = append(a.closers, d.Close)

	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx, d, dbfs.Migrations); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	a.Store = sqlite.New(d, logger)
	a.Audit = audit.NewRecorder(a.Store, logger)

	gen, err := a.generator(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Oracle, err = oracle.NewClient(gen, oracle.Config{
		Model:               cfg.Oracle.Model,
		Timeout:             cfg.Oracle.Timeout,
		MaxResumeChars:      cfg.Oracle.MaxResumeChars,
		MaxOpportunityChars: cfg.Oracle.MaxOpportunityChars,
	}, logger)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("build oracle: %w", err)
	}

	a.Scoring = scoring.New(a.Store, a.Oracle, a.Audit, logger, scoring.Options{
		Concurrency: cfg.Scoring.Concurrency,
		MaxAttempts: cfg.Scoring.MaxAttempts,
		Backoff:     cfg.Scoring.Backoff,
	})

	a.Dispatcher = notify.NewLogDispatcher(logger)
	if cfg.Notify.AMQPURL != "" {
		amqpDisp, err := notify.DialAMQP(cfg.Notify.AMQPURL, cfg.Notify.Queue, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Dispatcher = amqpDisp
		a.closers = append(a.closers, amqpDisp.Close)
	}
	a.Ranking = ranking.New(a.Store, a.Audit, a.Dispatcher, logger, ranking.Limits{
		Matches:    cfg.Ranking.MatchesLimit,
		Candidates: cfg.Ranking.CandidatesLimit,
	})

	a.Lifecycle = lifecycle.New(a.Store, a.Audit, logger)
	if cfg.Scoring.Mode == config.ModeQueue {
		a.Pool = jobs.NewWorkerPool(a.Store, nil, logger, cfg.Scoring.Workers)
		trigger.RegisterHandlers(a.Pool, a.Scoring, logger)
		a.Lifecycle.Subscribe(trigger.NewQueued(a.Store, a.Pool, cfg.Scoring.MaxAttempts, logger))
	} else {
		a.Lifecycle.Subscribe(trigger.NewInline(a.Store, a.Scoring, logger))
	}

	logger.Info("engine assembled",
		"oracle_provider", cfg.Oracle.Provider,
		"oracle_model", cfg.Oracle.Model,
		"scoring_mode", cfg.Scoring.Mode,
		"amqp", cfg.Notify.AMQPURL != "")
	return a, nil
}

func (a *App) generator(ctx context.Context) (oracle.Generator, error) {
	cfg := a.Config
	switch cfg.Oracle.Provider {
	case config.ProviderOpenAI:
		return oracle.NewOpenAIGenerator(oracle.OpenAIOptions{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.Oracle.Model,
			MaxTokens:   cfg.OpenAI.MaxTokens,
			Temperature: cfg.OpenAI.Temperature,
		})
	case config.ProviderGemini:
		return oracle.NewGeminiGenerator(ctx, cfg.Gemini.APIKey, cfg.Oracle.Model)
	default:
		ollama.SetLogger(a.logger)
		client, err := ollama.NewDefaultClient(cfg.Ollama)
		if err != nil {
			return nil, fmt.Errorf("build ollama client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return oracle.NewOllamaGenerator(client, cfg.Oracle.Model), nil
	}
}

// Start launches the background worker pool when one is configured.
func (a *App) Start(ctx context.Context) {
	if a.Pool != nil {
		a.Pool.Start(ctx)
	}
}

// Close stops workers and releases resources in reverse order of creation.
func (a *App) Close() error {
	if a.Pool != nil {
		a.Pool.Stop()
	}
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

// Healthy pings the database.
func (a *App) Healthy(ctx context.Context) error {
	return a.DB.GetConn().PingContext(ctx)
}
