// UEBA - Behavioral risk scoring for every transaction.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/ueba/internal/anomaly"
	"github.com/opensource-finance/ueba/internal/api"
	"github.com/opensource-finance/ueba/internal/bus"
	"github.com/opensource-finance/ueba/internal/cache"
	"github.com/opensource-finance/ueba/internal/config"
	"github.com/opensource-finance/ueba/internal/domain"
	"github.com/opensource-finance/ueba/internal/features"
	"github.com/opensource-finance/ueba/internal/geoip"
	"github.com/opensource-finance/ueba/internal/profile"
	"github.com/opensource-finance/ueba/internal/repository"
	"github.com/opensource-finance/ueba/internal/rules"
	"github.com/opensource-finance/ueba/internal/scoring"
	"github.com/opensource-finance/ueba/internal/tracing"
	"github.com/opensource-finance/ueba/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("UEBA_CONFIG"), "path to a YAML or JSON config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if os.Getenv("UEBA_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	logger := config.NewLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("starting ueba",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("ueba stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("ueba shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config, logger *slog.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	// Artifacts first: a width mismatch must stop the process before serving.
	enc, err := features.LoadOneHotEncoder(cfg.Model.EncoderPath)
	if err != nil {
		return fmt.Errorf("failed to load encoder: %w", err)
	}
	forest, err := anomaly.LoadIsolationForest(cfg.Model.ForestPath)
	if err != nil {
		return fmt.Errorf("failed to load anomaly scorer: %w", err)
	}
	builder, err := features.NewBuilder(enc, forest.Dimension())
	if err != nil {
		return err
	}
	slog.Info("model artifacts loaded",
		"forest", cfg.Model.ForestPath,
		"encoder", cfg.Model.EncoderPath,
		"dimension", forest.Dimension(),
	)

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	profiles := cache.NewProfileCache(cacheImpl, cfg.Cache.ProfileTTL)
	slog.Info("cache initialized", "type", cfg.Cache.Type, "profile_ttl", cfg.Cache.ProfileTTL)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := rules.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	opts := []scoring.Option{
		scoring.WithProfileCache(profiles),
		scoring.WithEventBus(busImpl),
		scoring.WithLogger(logger),
	}
	if path := cfg.GeoIP.DatabasePath; path != "" {
		resolver, err := geoip.Open(path)
		if err != nil {
			return err
		}
		defer resolver.Close()
		opts = append(opts, scoring.WithCountryResolver(resolver))
		slog.Info("geoip resolver loaded", "path", path)
	}

	svc, err := scoring.NewService(repo, builder, forest, engine, opts...)
	if err != nil {
		return err
	}

	refresher := profile.NewRefresher(repo,
		profile.WithProfileCache(profiles),
		profile.WithEventBus(busImpl),
		profile.WithConcurrency(cfg.Refresher.Concurrency),
		profile.WithLogger(logger),
	)
	if cfg.Refresher.Interval > 0 {
		go func() {
			if err := refresher.Run(ctx, cfg.Refresher.Interval); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("profile refresher stopped", "error", err)
			}
		}()
		slog.Info("profile refresher scheduled", "interval", cfg.Refresher.Interval)
	}

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.Config{WorkerCount: cfg.Worker.WorkerCount}); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		slog.Info("async worker started", "worker_count", cfg.Worker.WorkerCount)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Store:     repo,
		Scorer:    svc,
		Refresher: refresher,
		Rules:     engine.Rules(),
		Cache:     cacheImpl,
		Bus:       busImpl,
		Version:   Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("ueba is ready", "host", cfg.Server.Host, "port", cfg.Server.Port)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	// Stop consuming before the store goes away.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return serveErr
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  UEBA  transaction risk scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transaction         - Score a transaction")
	fmt.Println("    POST /transactions/async  - Queue a transaction for scoring")
	fmt.Println("    GET  /transactions        - Search scored transactions")
	fmt.Println("    GET  /transactions/{id}   - Get transaction by ID")
	fmt.Println("    GET  /anomalies           - Highest-risk transactions")
	fmt.Println("    POST /users               - Create a user")
	fmt.Println("    GET  /users/{id}/profile  - Current behavioral baseline")
	fmt.Println("    POST /profiles/refresh    - Recompute baselines")
	fmt.Println("    GET  /rules               - List the rule set")
	fmt.Println("    GET  /health              - Health check")
	fmt.Println("    GET  /metrics             - Prometheus metrics")
	fmt.Println()
}
