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

// Marketplace Notifier admin API
//
// This entry point serves the query registry's HTTP admin surface: create,
// list, inspect, delete, and pause/resume monitored queries. It does not
// run the scheduler — that's cmd/worker's job.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/api"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/categories"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/config"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/queue"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/registry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting marketplace notifier admin API")

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

	reg, err := registry.NewStore(ctx, pool)
	if err != nil {
		slog.Error("failed to open query registry store", "error", err)
		os.Exit(1)
	}

	publisher := queue.NewPublisher(rdb)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(reg, cats, pool, publisher)

	addr := fmt.Sprintf(":%d", cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- api.Serve(ctx, addr, handler, nil)
	}()
	slog.Info("admin API listening", "addr", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			slog.Error("admin API server failed", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("marketplace notifier admin API stopped")
}
