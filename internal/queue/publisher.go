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

// Package queue publishes listing events to Redis pub/sub. This is the
// bridge between the scheduler/notifier pipeline and downstream
// subscribers (spec.md §6.2's listings/request_url_error/warning channels).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/apperrors"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/models"
)

const (
	// ChannelListings carries newly-detected, possibly-enriched listings.
	ChannelListings = "listings"
	// ChannelRequestURLError carries per-query terminal failures.
	ChannelRequestURLError = "request_url_error"
	// ChannelWarning carries scheduler anomalies (e.g. concurrency bursts).
	ChannelWarning = "warning"
)

// Publisher publishes listing events to Redis pub/sub channels.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a new Redis-backed publisher.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// listingsMessage is the JSON shape published on ChannelListings.
type listingsMessage struct {
	CorrelationID string           `json:"correlation_id"`
	RequestURL    string           `json:"request_url"`
	NewListings   []models.Listing `json:"new_listings"`
}

// PublishListings publishes newly-detected listings for a request_url, in
// the newest-first order the diff pipeline produced, per spec.md §4.5
// step 8.
func (p *Publisher) PublishListings(ctx context.Context, requestURL string, newListings []models.Listing) error {
	msg := listingsMessage{
		CorrelationID: uuid.New().String(),
		RequestURL:    requestURL,
		NewListings:   newListings,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal listings message: %w", err)
	}

	if err := p.rdb.Publish(ctx, ChannelListings, body).Err(); err != nil {
		return &apperrors.PublisherUnavailableError{Cause: err}
	}

	slog.Info("published listings",
		"correlation_id", msg.CorrelationID,
		"request_url", requestURL,
		"count", len(newListings),
	)
	return nil
}

// requestURLErrorMessage is the JSON shape published on
// ChannelRequestURLError.
type requestURLErrorMessage struct {
	CorrelationID string `json:"correlation_id"`
	RequestURL    string `json:"request_url"`
	Error         string `json:"error"`
	Reason        string `json:"reason"`
	Traceback     string `json:"traceback,omitempty"`
}

// PublishRequestURLError reports a terminal per-query failure, per
// spec.md §7's TerminalUpstream policy.
func (p *Publisher) PublishRequestURLError(ctx context.Context, requestURL, kind, reason, traceback string) error {
	msg := requestURLErrorMessage{
		CorrelationID: uuid.New().String(),
		RequestURL:    requestURL,
		Error:         kind,
		Reason:        reason,
		Traceback:     traceback,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal request_url_error message: %w", err)
	}

	if err := p.rdb.Publish(ctx, ChannelRequestURLError, body).Err(); err != nil {
		return &apperrors.PublisherUnavailableError{Cause: err}
	}

	slog.Warn("published request_url_error",
		"correlation_id", msg.CorrelationID,
		"request_url", requestURL,
		"kind", kind,
		"reason", reason,
	)
	return nil
}

// warningMessage is the JSON shape published on ChannelWarning.
type warningMessage struct {
	CorrelationID string `json:"correlation_id"`
	Message       string `json:"message"`
	Reason        string `json:"reason"`
}

// PublishWarning reports a scheduler anomaly, such as a concurrency burst
// where more than one entry came due on the same tick.
func (p *Publisher) PublishWarning(ctx context.Context, message, reason string) error {
	msg := warningMessage{
		CorrelationID: uuid.New().String(),
		Message:       message,
		Reason:        reason,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal warning message: %w", err)
	}

	if err := p.rdb.Publish(ctx, ChannelWarning, body).Err(); err != nil {
		return &apperrors.PublisherUnavailableError{Cause: err}
	}

	slog.Warn("published warning", "correlation_id", msg.CorrelationID, "message", message, "reason", reason)
	return nil
}

// Ping checks the Redis connection, used at bootstrap per spec.md §7's
// PublisherUnavailable policy (fatal before the scheduler starts).
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.rdb.Ping(ctx).Err(); err != nil {
		return &apperrors.PublisherUnavailableError{Cause: err}
	}
	return nil
}
