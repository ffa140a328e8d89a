package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dbfs "github.com/garnizeh/insightpipe/db"

	"github.com/garnizeh/insightpipe/api"
	"github.com/garnizeh/insightpipe/internal/ai"
	"github.com/garnizeh/insightpipe/internal/alert"
	"github.com/garnizeh/insightpipe/internal/analysis"
	"github.com/garnizeh/insightpipe/internal/cache"
	"github.com/garnizeh/insightpipe/internal/config"
	"github.com/garnizeh/insightpipe/internal/db"
	"github.com/garnizeh/insightpipe/internal/jobs"
	"github.com/garnizeh/insightpipe/internal/metrics"
	"github.com/garnizeh/insightpipe/internal/pipeline"
	"github.com/garnizeh/insightpipe/internal/repository/sqldb"
	"github.com/garnizeh/insightpipe/internal/research"
	"github.com/garnizeh/insightpipe/internal/scheduler"
	"github.com/garnizeh/insightpipe/internal/sources"
	"github.com/garnizeh/insightpipe/pkg/gemini"
	"github.com/garnizeh/insightpipe/pkg/ollama"
	"github.com/garnizeh/insightpipe/pkg/openaillm"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var configPath = flag.String("config", "", "Path to config YAML file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	api.SetLogger(logger)
	ai.SetLogger(logger)
	analysis.SetLogger(logger)
	research.SetLogger(logger)
	pipeline.SetLogger(logger)
	scheduler.SetLogger(logger)
	sources.SetLogger(logger)
	ollama.SetLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting insightpipe", "version", version, "build_time", buildTime, "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	queueDB := store
	if cfg.QueueDatabaseURL != "" && cfg.QueueDatabaseURL != cfg.DatabaseURL {
		queueDB, err = db.New(ctx, cfg.QueueDatabaseURL)
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
		defer queueDB.Close()
	}

	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx, store, dbfs.Migrations, dbfs.SeedFiles); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
		if queueDB != store {
			if err := db.Migrate(ctx, queueDB, dbfs.Migrations, nil); err != nil {
				return fmt.Errorf("migrate queue: %w", err)
			}
		}
	}

	repo := sqldb.New(store, logger)
	queue := jobs.NewRepository(queueDB)
	queue.SetMaxAttempts(cfg.Queue.MaxAttempts)

	gen, closeGen, err := newGenerator(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeGen()

	engine, err := ai.NewEngine(ctx, gen, cfg.EngineConfig, repo, repo)
	if err != nil {
		return fmt.Errorf("scoring engine: %w", err)
	}

	alerter, err := newAlerter(ctx, cfg.Alerts, logger)
	if err != nil {
		return err
	}

	var insightCache cache.Cache = cache.Noop{}
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis cache: %w", err)
		}
		defer rc.Close()
		insightCache = rc
	}

	worker := analysis.NewWorker(repo, repo, engine, cfg.EngineConfig.Timeout, analysis.WithAlerter(alerter))
	researchSvc := research.NewService(repo, repo, worker, queue, research.WithAlerter(alerter))

	registry := sources.NewRegistryFromConfig(cfg.Sources)
	sched := scheduler.New(cfg.Scheduler, registry.Sources(), queue, repo, repo)

	handlers := &pipeline.Handlers{
		Registry:  registry,
		Signals:   repo,
		States:    repo,
		Scheduler: sched,
		Analyzer:  worker,
		Research:  researchSvc,
		Cache:     insightCache,
		BatchSize: cfg.Scheduler.AnalysisBatchSize,

		RefreshWindow: cfg.Sources.RefreshWindow,
	}
	pool := jobs.NewWorkerPool(queue, handlers.Map(), logger, cfg.Queue.WorkerCount,
		jobs.WithLeaseDuration(cfg.Queue.LeaseDuration),
		jobs.WithPollInterval(cfg.Queue.PollInterval),
		jobs.WithDeadLetterNotifier(alert.DeadLetters{Alerter: alerter}),
		jobs.WithObserver(metrics.JobObserver{}),
		jobs.WithAfterDone(handlers.AfterDone),
	)
	pool.Start(ctx)
	defer pool.Stop()

	go metrics.PollQueueDepth(ctx, queue, 15*time.Second, logger)

	if cfg.Scheduler.Enabled {
		logger.Info("scheduler enabled", "interval", sched.Interval(), "sources", sched.Sources())
		go sched.Run(ctx)
	}

	handler := api.SetupRoutes(cfg, version, buildTime, api.Deps{
		DB:        store,
		Users:     repo,
		Insights:  repo,
		Schemas:   repo,
		Templates: repo,
		Scheduler: sched,
		Research:  researchSvc,
		Jobs:      queue,
		Engine:    engine,
		Cache:     insightCache,
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.APITimeout,
		WriteTimeout: cfg.APITimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}

// newGenerator builds the model client named by engine.provider.
func newGenerator(ctx context.Context, cfg *config.Config) (ai.Generator, func() error, error) {
	switch cfg.EngineConfig.Provider {
	case "openai":
		c, err := openaillm.NewClient(openaillm.Config{APIKey: cfg.OpenAI.APIKey, BaseURL: cfg.OpenAI.BaseURL, MaxRetries: -1})
		if err != nil {
			return nil, nil, fmt.Errorf("openai client: %w", err)
		}
		return c, func() error { return nil }, nil
	case "gemini":
		c, err := gemini.NewClient(ctx, cfg.Gemini.APIKey)
		if err != nil {
			return nil, nil, fmt.Errorf("gemini client: %w", err)
		}
		return c, c.Close, nil
	default:
		c, err := ollama.NewDefaultClient(ollama.Config(cfg.Ollama))
		if err != nil {
			return nil, nil, fmt.Errorf("ollama client: %w", err)
		}
		return c, c.Close, nil
	}
}

func newAlerter(ctx context.Context, cfg config.AlertConfig, logger *slog.Logger) (alert.Alerter, error) {
	if cfg.SNSTopicARN == "" {
		return alert.LogAlerter{Logger: logger}, nil
	}
	a, err := alert.NewSNSAlerter(ctx, cfg.Region, cfg.SNSTopicARN)
	if err != nil {
		return nil, fmt.Errorf("sns alerter: %w", err)
	}
	return a, nil
}
