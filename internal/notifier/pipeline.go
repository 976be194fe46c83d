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

// Package notifier implements the listing-diff & enrich pipeline (C6):
// given a query's raw search response, it filters ads, diffs against the
// stored cursor, enriches the newest few, and publishes the result. Its
// cold-start/steady-state split is grounded in the teacher's delta syncer
// (internal/delta/syncer.go's initialSync/incrementalSync).
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/apperrors"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/latestlisting"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/models"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/queue"
)

// enrichTopK is spec.md §4.5 step 7's fixed enrichment fan-out.
const enrichTopK = 5

// CursorStore is the subset of latestlisting.Store the pipeline needs.
type CursorStore interface {
	Get(ctx context.Context, requestURL string) (*latestlisting.Record, error)
	Upsert(ctx context.Context, requestURL, itemID, title string) error
}

// Enricher attaches secondary details to a listing.
type Enricher interface {
	Enrich(ctx context.Context, listing models.Listing) (*models.Details, error)
}

// Publisher is the subset of queue.Publisher the pipeline needs.
type Publisher interface {
	PublishListings(ctx context.Context, requestURL string, newListings []models.Listing) error
}

// Pipeline runs the per-request_url diff/enrich/publish algorithm.
type Pipeline struct {
	cursors  CursorStore
	enricher Enricher
	out      Publisher
}

// New builds a Pipeline.
func New(cursors CursorStore, enricher Enricher, out Publisher) *Pipeline {
	return &Pipeline{cursors: cursors, enricher: enricher, out: out}
}

// Process implements spec.md §4.5 steps 2-8 for a single request_url. The
// caller (the scheduler) is responsible for step 1's existence check,
// since that check belongs to the registry the scheduler already holds.
func (p *Pipeline) Process(ctx context.Context, requestURL string, listings []models.Listing) error {
	return p.run(ctx, requestURL, listings, false)
}

// Seed primes requestURL's cursor at the newest listing currently on the
// page without enriching or publishing anything. cmd/resetcursor uses this
// to reactivate a query without flooding subscribers with its entire
// current page: by the time the query is flipped back to ACTIVE, the
// cursor is already caught up, so the next scheduler tick sees zero new
// listings.
func (p *Pipeline) Seed(ctx context.Context, requestURL string, listings []models.Listing) error {
	return p.run(ctx, requestURL, listings, true)
}

func (p *Pipeline) run(ctx context.Context, requestURL string, listings []models.Listing, seedOnly bool) error {
	cursor, err := p.cursors.Get(ctx, requestURL)
	if err != nil {
		return fmt.Errorf("load cursor for %s: %w", requestURL, err)
	}

	var latestID int64
	if cursor != nil {
		id, err := models.ItemIDSuffix(cursor.ItemID)
		if err != nil {
			return fmt.Errorf("parse stored cursor %q: %w", cursor.ItemID, err)
		}
		latestID = id
	}

	fresh, err := filterNew(listings, latestID)
	if err != nil {
		return &apperrors.ParseError{URL: requestURL, Reason: err.Error()}
	}

	if len(fresh) == 0 {
		slog.Debug("no new listings", "request_url", requestURL)
		return nil
	}

	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].suffix > fresh[j].suffix
	})

	newest := fresh[0]
	if err := p.cursors.Upsert(ctx, requestURL, newest.listing.ItemID, newest.listing.Title); err != nil {
		return fmt.Errorf("upsert cursor for %s: %w", requestURL, err)
	}

	if seedOnly {
		slog.Info("cursor seeded without publishing", "request_url", requestURL, "item_id", newest.listing.ItemID)
		return nil
	}

	newListings := make([]models.Listing, len(fresh))
	for i, f := range fresh {
		newListings[i] = f.listing
	}

	for i := 0; i < len(newListings) && i < enrichTopK; i++ {
		details, err := p.enricher.Enrich(ctx, newListings[i])
		if err != nil {
			// Enrichment failures never drop a listing from the
			// publication (spec.md §4.5 step 7's fallback) — log and
			// move on with Details left nil.
			slog.Warn("enrichment failed, publishing without details",
				"request_url", requestURL,
				"item_id", newListings[i].ItemID,
				"error", err,
			)
			continue
		}
		newListings[i].Details = details
	}

	if err := p.out.PublishListings(ctx, requestURL, newListings); err != nil {
		return fmt.Errorf("publish listings for %s: %w", requestURL, err)
	}

	return nil
}

// scoredListing pairs a listing with its parsed numeric suffix so sorting
// doesn't need to re-parse ItemID repeatedly.
type scoredListing struct {
	listing models.Listing
	suffix  int64
}

// filterNew implements spec.md §4.5 step 3: drop ads and anything at or
// below the stored cursor.
func filterNew(listings []models.Listing, latestID int64) ([]scoredListing, error) {
	var fresh []scoredListing
	var parseErrs []error

	for _, l := range listings {
		if l.IsAd() {
			continue
		}
		suffix, err := l.NumericSuffix()
		if err != nil {
			parseErrs = append(parseErrs, err)
			continue
		}
		if suffix > latestID {
			fresh = append(fresh, scoredListing{listing: l, suffix: suffix})
		}
	}

	if len(parseErrs) > 0 && len(fresh) == 0 && len(listings) > 0 {
		return nil, errors.Join(parseErrs...)
	}

	return fresh, nil
}
