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

// Package latestlisting provides a Postgres-backed store for the per-query
// diff cursor: the item_id/title of the most recently observed listing for
// each request_url.
package latestlisting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is the cursor row for one request_url.
type Record struct {
	RequestURL string
	ItemID     string
	Title      string
	UpdatedAt  time.Time
}

// Store provides CRUD operations over the latest_listings table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a latest-listing store and ensures its schema exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure latest_listings schema: %w", err)
	}
	slog.Info("latest-listing store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS latest_listings (
			request_url TEXT PRIMARY KEY,
			item_id     VARCHAR(11) NOT NULL,
			title       VARCHAR(60) NOT NULL,
			updated_at  TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// Upsert writes the cursor for request_url, overwriting any prior value.
func (s *Store) Upsert(ctx context.Context, requestURL, itemID, title string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO latest_listings (request_url, item_id, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_url) DO UPDATE SET
			item_id    = EXCLUDED.item_id,
			title      = EXCLUDED.title,
			updated_at = NOW()
	`, requestURL, itemID, title)
	if err != nil {
		return fmt.Errorf("upsert latest listing: %w", err)
	}
	return nil
}

// Get retrieves the cursor for a request_url. Returns nil, nil if none has
// been recorded yet.
func (s *Store) Get(ctx context.Context, requestURL string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT request_url, item_id, title, updated_at
		FROM latest_listings WHERE request_url = $1
	`, requestURL)
	return scanRecord(row)
}

// ListRequestURLs returns every request_url with a recorded cursor, used
// by bootstrap reconciliation (C8) to find orphans.
func (s *Store) ListRequestURLs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT request_url FROM latest_listings`)
	if err != nil {
		return nil, fmt.Errorf("list latest listing request_urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// DeleteByRequestURL removes the cursor row for a request_url. Used both
// by bootstrap reconciliation and by the resetcursor operator tool.
func (s *Store) DeleteByRequestURL(ctx context.Context, requestURL string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM latest_listings WHERE request_url = $1`, requestURL)
	if err != nil {
		return fmt.Errorf("delete latest listing: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(&r.RequestURL, &r.ItemID, &r.Title, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
