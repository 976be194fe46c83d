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

// Marketplace Notifier reset-cursor command
//
// Standalone operator CLI that reactivates a query the scheduler marked
// FAILED. It clears the stored cursor, fetches the query's current page,
// and seeds the cursor at the newest listing on that page via
// notifier.Pipeline.Seed — which upserts the cursor but never enriches or
// publishes. Only once the cursor is caught up does it flip the query back
// to ACTIVE, so the next scheduler tick reports zero new listings instead
// of flooding subscribers with every listing on the page.
//
// Usage:
//
//	go run ./cmd/resetcursor/ --query-id 42
//	go run ./cmd/resetcursor/ --request-url https://www.2dehands.be/lrp/api/search?...
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/config"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/fetch"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/latestlisting"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/models"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/notifier"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/registry"
)

// noopEnricher and noopPublisher satisfy notifier.Pipeline's dependencies
// for a Seed-only run, where neither is ever invoked.
type noopEnricher struct{}

func (noopEnricher) Enrich(ctx context.Context, listing models.Listing) (*models.Details, error) {
	return nil, nil
}

type noopPublisher struct{}

func (noopPublisher) PublishListings(ctx context.Context, requestURL string, newListings []models.Listing) error {
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	queryIDFlag := flag.Int64("query-id", 0, "Registry id of the query to reset (mutually exclusive with --request-url)")
	requestURLFlag := flag.String("request-url", "", "request_url of the query to reset (mutually exclusive with --query-id)")
	flag.Parse()

	if (*queryIDFlag == 0) == (*requestURLFlag == "") {
		fmt.Fprintf(os.Stderr, "Error: exactly one of --query-id or --request-url is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

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

	var q *registry.Query
	if *queryIDFlag != 0 {
		q, err = reg.Get(ctx, *queryIDFlag)
	} else {
		q, err = reg.GetByRequestURL(ctx, *requestURLFlag)
	}
	if err != nil {
		slog.Error("failed to look up query", "error", err)
		os.Exit(1)
	}
	if q == nil {
		slog.Error("query not found")
		os.Exit(1)
	}

	if err := cursors.DeleteByRequestURL(ctx, q.RequestURL); err != nil {
		slog.Error("failed to clear cursor", "error", err)
		os.Exit(1)
	}
	slog.Info("cursor cleared", "request_url", q.RequestURL)

	client := fetch.New()
	var resp models.SearchResponse
	if err := client.FetchJSON(ctx, q.RequestURL, &resp); err != nil {
		slog.Error("failed to fetch current page for seeding", "error", err)
		os.Exit(1)
	}

	pipeline := notifier.New(cursors, noopEnricher{}, noopPublisher{})
	if err := pipeline.Seed(ctx, q.RequestURL, resp.Listings); err != nil {
		slog.Error("failed to seed cursor from current page", "error", err)
		os.Exit(1)
	}
	slog.Info("cursor seeded to current page", "request_url", q.RequestURL)

	if _, err := reg.SetStatus(ctx, q.ID, registry.StatusActive); err != nil {
		slog.Error("failed to reactivate query", "error", err)
		os.Exit(1)
	}
	slog.Info("query reactivated", "id", q.ID, "request_url", q.RequestURL)

	fmt.Printf("Query %d (%s) reset and reactivated. Cursor caught up to the current page; the next scheduler tick will report zero new listings.\n", q.ID, q.RequestURL)
}
