// UEBA - Behavioral risk scoring for every transaction.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command refresh recomputes user profile baselines from the transaction
// ledger, once or on an interval.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/ueba/internal/bus"
	"github.com/opensource-finance/ueba/internal/cache"
	"github.com/opensource-finance/ueba/internal/config"
	"github.com/opensource-finance/ueba/internal/domain"
	"github.com/opensource-finance/ueba/internal/profile"
	"github.com/opensource-finance/ueba/internal/repository"
)

func main() {
	configPath := flag.String("config", os.Getenv("UEBA_CONFIG"), "path to a YAML or JSON config file")
	userID := flag.String("user", "", "refresh a single user instead of all users")
	interval := flag.Duration("interval", 0, "repeat every interval until interrupted; 0 runs once")
	concurrency := flag.Int("concurrency", 0, "users refreshed in parallel (default from config)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	if *concurrency > 0 {
		cfg.Refresher.Concurrency = *concurrency
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *userID, *interval); err != nil {
		slog.Error("refresh failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *domain.Config, logger *slog.Logger, userID string, interval time.Duration) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()

	// The API process may hold cached profiles; invalidation only reaches it
	// through a shared Redis cache.
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()

	refresher := profile.NewRefresher(repo,
		profile.WithProfileCache(cache.NewProfileCache(cacheImpl, cfg.Cache.ProfileTTL)),
		profile.WithEventBus(busImpl),
		profile.WithConcurrency(cfg.Refresher.Concurrency),
		profile.WithLogger(logger),
	)

	if userID != "" {
		res, err := refresher.RefreshUser(ctx, userID)
		if err != nil {
			return err
		}
		slog.Info("profile refreshed",
			"user_id", res.UserID,
			"tx_count", res.TxCount,
			"patched", res.Patched,
		)
		return nil
	}

	if interval > 0 {
		slog.Info("running profile refresher", "interval", interval, "concurrency", cfg.Refresher.Concurrency)
		return refresher.Run(ctx, interval)
	}

	summary, err := refresher.RefreshAll(ctx)
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d profiles failed to refresh", summary.Failed, summary.Users)
	}
	return nil
}
