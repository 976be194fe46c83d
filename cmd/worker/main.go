// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Marketplace Notifier worker
//
// This is the entry point for the polling scheduler (C8). It:
//  1. Loads configuration from config.yaml
//  2. Opens the Postgres pool and Redis client
//  3. Loads the category lookup tables
//  4. Reconciles latest_listings against queries (drops orphan cursors)
//  5. Pings the publisher, fatal on failure
//  6. Builds the fetch client, notifier pipeline, and scheduler
//  7. Runs the scheduler until SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/categories"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/config"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/enrich"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/fetch"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/latestlisting"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/lock"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/notifier"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/queue"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/registry"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/scheduler"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting marketplace notifier worker")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	cats, err := categories.Load(cfg.L1CategoriesPath, cfg.L2CategoriesPath)
	if err != nil {
		slog.Error("failed to load category tables", "error", err)
		os.Exit(1)
	}
	slog.Info("category tables loaded", "l1_count", len(cats.L1))

	reg, err := registry.NewStore(ctx, pool)
	if err != nil {
		slog.Error("failed to open query registry store", "error", err)
		os.Exit(1)
	}

	cursors, err := latestlisting.NewStore(ctx, pool)
	if err != nil {
		slog.Error("failed to open latest-listing store", "error", err)
		os.Exit(1)
	}

	if err := reconcile(ctx, reg, cursors); err != nil {
		slog.Error("bootstrap reconciliation failed", "error", err)
		os.Exit(1)
	}

	publisher := queue.NewPublisher(rdb)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis", "url", cfg.RedisURL)

	searchClient := fetch.New()
	enrichClient := fetch.New(fetch.WithEnrichmentRetryPolicy())
	enricher := enrich.NewFromClient(enrichClient)

	pipeline := notifier.New(cursors, enricher, publisher)

	sched := scheduler.New(scheduler.Config{
		Registry:  reg,
		Fetcher:   searchClient,
		Pipeline:  pipeline,
		Publisher: publisher,
		Lease:     lock.NewLease(rdb),
		Interval:  cfg.PollInterval,
	})

	if err := sched.InitializeSchedule(ctx); err != nil {
		slog.Error("failed to initialize schedule", "error", err)
		os.Exit(1)
	}

	sched.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()
	sched.Stop()

	slog.Info("marketplace notifier worker stopped")
}

// reconcile implements spec.md §4.6/§8.2 scenario 6: any latest_listings
// row whose request_url is absent from queries is an orphan and is
// removed — queries are the source of truth.
func reconcile(ctx context.Context, reg *registry.Store, cursors *latestlisting.Store) error {
	urls, err := cursors.ListRequestURLs(ctx)
	if err != nil {
		return err
	}

	removed := 0
	for _, url := range urls {
		q, err := reg.GetByRequestURL(ctx, url)
		if err != nil {
			return err
		}
		if q == nil {
			if err := cursors.DeleteByRequestURL(ctx, url); err != nil {
				return err
			}
			removed++
		}
	}

	slog.Info("bootstrap reconciliation complete", "orphans_removed", removed)
	return nil
}
