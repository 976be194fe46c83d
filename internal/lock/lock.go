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

// Package lock provides a Redis SETNX-based dispatch lease, so that
// running more than one scheduler replica against the same Postgres
// registry can't dispatch the same request_url twice concurrently.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultLease bounds how long a dispatch may hold the lock before
	// another replica is allowed to retry the same request_url. It covers
	// the fetch client's backoff waits (about 14s across three retries by
	// default), but a dispatch whose requests run into the client's 30s
	// HTTP timeout can outlast it.
	DefaultLease = 60 * time.Second

	keyPrefix = "marketplacenotifier:dispatch:"
)

// Lease tracks which request_urls are currently being dispatched.
type Lease struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLease creates a dispatch lease backed by Redis.
func NewLease(rdb *redis.Client) *Lease {
	return &Lease{rdb: rdb, ttl: DefaultLease}
}

// Acquire returns true if requestURL was not already leased, atomically
// claiming it for the duration of DefaultLease.
func (l *Lease) Acquire(ctx context.Context, requestURL string) (bool, error) {
	key := keyPrefix + requestURL
	acquired, err := l.rdb.SetNX(ctx, key, 1, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease SETNX: %w", err)
	}
	return acquired, nil
}

// Release drops the lease early, once dispatch for requestURL completes,
// so the next tick doesn't have to wait out the full TTL.
func (l *Lease) Release(ctx context.Context, requestURL string) error {
	if err := l.rdb.Del(ctx, keyPrefix+requestURL).Err(); err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}
