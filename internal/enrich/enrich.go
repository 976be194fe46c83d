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

// Package enrich fetches the secondary details (bids, seller profile)
// attached to the newest few listings in a publication. It folds together
// the teacher's graph fetcher (fetch-by-id) and parser (scrape a nested
// JSON blob out of a larger payload) into a single item-page scrape plus a
// seller-profile JSON fetch.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/bytedance/sonic"

	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/apperrors"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/fetch"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/models"
)

// configBlobPattern matches the inline JS assignment the item page embeds
// its listing config in, per spec.md §6.1: window.__CONFIG__ = {...};
var configBlobPattern = regexp.MustCompile(`(?s)window\.__CONFIG__\s*=\s*(\{.*?\});`)

// itemConfig is the slice of window.__CONFIG__ enrich actually needs.
type itemConfig struct {
	Listing struct {
		BidsInfo json.RawMessage `json:"bidsInfo"`
		Seller   struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"seller"`
	} `json:"listing"`
}

// HTMLFetcher fetches an item page and a seller-profile endpoint as raw
// bytes, with its own retry policy (including 404, per spec.md §4.5).
type HTMLFetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Enricher attaches bids/seller details to a listing via a secondary fetch.
type Enricher struct {
	client HTMLFetcher
}

// New builds an Enricher around an HTML/JSON-capable fetch client.
func New(client HTMLFetcher) *Enricher {
	return &Enricher{client: client}
}

// NewFromClient builds an Enricher around a *fetch.Client, which should be
// constructed with fetch.WithEnrichmentRetryPolicy() so 404s on the item
// page are retried per spec.md §4.5.
func NewFromClient(client *fetch.Client) *Enricher {
	return &Enricher{client: fetchClientAdapter{client}}
}

// fetchClientAdapter narrows *fetch.Client's variadic Fetch method to the
// fixed two-argument shape HTMLFetcher declares.
type fetchClientAdapter struct {
	client *fetch.Client
}

func (a fetchClientAdapter) Fetch(ctx context.Context, uri string) ([]byte, error) {
	return a.client.Fetch(ctx, uri)
}

// Enrich fetches the item page and seller profile for listing and returns
// a populated models.Details. On any failure it returns a non-nil error;
// callers are expected to publish the listing with Details left nil rather
// than fail the whole publication, per spec.md §4.5 step 7.
func (e *Enricher) Enrich(ctx context.Context, listing models.Listing) (*models.Details, error) {
	itemURL := fmt.Sprintf("https://www.2dehands.be/%s", listing.ItemID)
	page, err := e.client.Fetch(ctx, itemURL)
	if err != nil {
		return nil, fmt.Errorf("fetch item page: %w", err)
	}

	match := configBlobPattern.FindSubmatch(page)
	if match == nil {
		return nil, &apperrors.ParseError{URL: itemURL, Reason: "window.__CONFIG__ not found in item page"}
	}

	var cfg itemConfig
	if err := sonic.Unmarshal(match[1], &cfg); err != nil {
		return nil, &apperrors.ParseError{URL: itemURL, Reason: fmt.Sprintf("decode window.__CONFIG__: %s", err)}
	}

	sellerURL := fmt.Sprintf("https://www.2dehands.be/v/api/seller-profile/%s", cfg.Listing.Seller.ID)
	sellerRaw, err := e.client.Fetch(ctx, sellerURL)
	if err != nil {
		return nil, fmt.Errorf("fetch seller profile: %w", err)
	}

	seller := &models.SellerInfo{
		ID:         cfg.Listing.Seller.ID,
		Name:       cfg.Listing.Seller.Name,
		ProfileURL: models.SellerProfileURL(cfg.Listing.Seller.Name, cfg.Listing.Seller.ID),
		Extra:      sellerRaw,
	}

	return &models.Details{
		BidsInfo:   cfg.Listing.BidsInfo,
		SellerInfo: seller,
	}, nil
}
