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

// Package registry provides a Postgres-backed store for monitored queries:
// the durable record of which browser_url/request_url pairs the scheduler
// should poll, and their lifecycle status.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/apperrors"
)

// Status is a Query's lifecycle state.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusPaused Status = "PAUSED"
	StatusFailed Status = "FAILED"
)

// Query is a single monitored search, persisted in Postgres.
type Query struct {
	ID            int64
	BrowserURL    string
	RequestURL    string
	Query         string
	NextCheckTime *time.Time
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store provides CRUD operations over the queries table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a query registry store and ensures its schema exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure query registry schema: %w", err)
	}
	slog.Info("query registry store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS queries (
			id               BIGSERIAL PRIMARY KEY,
			browser_url      TEXT NOT NULL UNIQUE,
			request_url      TEXT NOT NULL UNIQUE,
			query            VARCHAR(60),
			next_check_time  TIMESTAMPTZ,
			status           TEXT NOT NULL DEFAULT 'ACTIVE',
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_queries_status ON queries(status);
	`)
	return err
}

// Create inserts a new query. Returns *apperrors.UniquenessError if
// browser_url or request_url already exists.
func (s *Store) Create(ctx context.Context, browserURL, requestURL, query string) (*Query, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO queries (browser_url, request_url, query)
		VALUES ($1, $2, $3)
		RETURNING id, browser_url, request_url, query, next_check_time, status, created_at, updated_at
	`, browserURL, requestURL, nullableString(query))

	q, err := scanQuery(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, &apperrors.UniquenessError{Field: pgErr.ConstraintName}
		}
		return nil, fmt.Errorf("create query: %w", err)
	}
	return q, nil
}

// List returns all queries, optionally filtered by status.
func (s *Store) List(ctx context.Context, status *Status) ([]Query, error) {
	var rows pgx.Rows
	var err error
	if status != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT id, browser_url, request_url, query, next_check_time, status, created_at, updated_at
			FROM queries WHERE status = $1 ORDER BY id
		`, string(*status))
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, browser_url, request_url, query, next_check_time, status, created_at, updated_at
			FROM queries ORDER BY id
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()
	return collectQueries(rows)
}

// Get retrieves a single query by id. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, id int64) (*Query, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, browser_url, request_url, query, next_check_time, status, created_at, updated_at
		FROM queries WHERE id = $1
	`, id)
	return scanQuery(row)
}

// GetByRequestURL retrieves a single query by its request_url. Used by the
// scheduler's mid-flight-deletion existence check, bootstrap
// reconciliation, and cmd/resetcursor. Returns nil, nil if not found.
func (s *Store) GetByRequestURL(ctx context.Context, requestURL string) (*Query, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, browser_url, request_url, query, next_check_time, status, created_at, updated_at
		FROM queries WHERE request_url = $1
	`, requestURL)
	return scanQuery(row)
}

// Delete removes a query by id. Returns false if no row matched.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queries WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete query: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetStatus transitions a query's status, returning the number of rows
// updated (0 if the id didn't exist).
func (s *Store) SetStatus(ctx context.Context, id int64, status Status) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queries SET status = $1, updated_at = NOW() WHERE id = $2
	`, string(status), id)
	if err != nil {
		return 0, fmt.Errorf("set query status: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetStatusByRequestURL transitions a query's status keyed by request_url,
// used by the scheduler when a fetch for a URL exhausts its retry budget.
func (s *Store) SetStatusByRequestURL(ctx context.Context, requestURL string, status Status) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queries SET status = $1, updated_at = NOW() WHERE request_url = $2
	`, string(status), requestURL)
	if err != nil {
		return 0, fmt.Errorf("set query status by request_url: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpdateNextCheck persists the scheduler's in-memory due time for a query,
// mirroring the schedule map per spec.md §3.2 invariant 3.
func (s *Store) UpdateNextCheck(ctx context.Context, requestURL string, t time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queries SET next_check_time = $1, updated_at = NOW() WHERE request_url = $2
	`, t, requestURL)
	if err != nil {
		return fmt.Errorf("update next_check_time: %w", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanQuery(row pgx.Row) (*Query, error) {
	var q Query
	var query *string
	err := row.Scan(&q.ID, &q.BrowserURL, &q.RequestURL, &query, &q.NextCheckTime, &q.Status, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if query != nil {
		q.Query = *query
	}
	return &q, nil
}

func collectQueries(rows pgx.Rows) ([]Query, error) {
	var queries []Query
	for rows.Next() {
		var q Query
		var query *string
		if err := rows.Scan(&q.ID, &q.BrowserURL, &q.RequestURL, &query, &q.NextCheckTime, &q.Status, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, err
		}
		if query != nil {
			q.Query = *query
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}
