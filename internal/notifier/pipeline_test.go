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

package notifier

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/latestlisting"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/models"
)

type fakeCursorStore struct {
	records map[string]*latestlisting.Record
}

func newFakeCursorStore() *fakeCursorStore {
	return &fakeCursorStore{records: map[string]*latestlisting.Record{}}
}

func (s *fakeCursorStore) Get(ctx context.Context, requestURL string) (*latestlisting.Record, error) {
	return s.records[requestURL], nil
}

func (s *fakeCursorStore) Upsert(ctx context.Context, requestURL, itemID, title string) error {
	s.records[requestURL] = &latestlisting.Record{RequestURL: requestURL, ItemID: itemID, Title: title}
	return nil
}

type fakeEnricher struct {
	fail       bool
	enrichedID []string
}

func (e *fakeEnricher) Enrich(ctx context.Context, listing models.Listing) (*models.Details, error) {
	if e.fail {
		return nil, errors.New("enrichment unavailable")
	}
	e.enrichedID = append(e.enrichedID, listing.ItemID)
	return &models.Details{SellerInfo: &models.SellerInfo{ID: "seller-" + listing.ItemID}}, nil
}

type fakePublisher struct {
	calls []struct {
		requestURL string
		listings   []models.Listing
	}
}

func (p *fakePublisher) PublishListings(ctx context.Context, requestURL string, newListings []models.Listing) error {
	p.calls = append(p.calls, struct {
		requestURL string
		listings   []models.Listing
	}{requestURL, newListings})
	return nil
}

func listingAt(n int) models.Listing {
	return models.Listing{ItemID: fmt.Sprintf("m%d", n), Title: fmt.Sprintf("listing %d", n), PriorityProduct: models.PriorityNone}
}

func TestProcessPublishesOnlyListingsNewerThanCursor(t *testing.T) {
	cursors := newFakeCursorStore()
	cursors.records["https://x"] = &latestlisting.Record{RequestURL: "https://x", ItemID: "m100"}

	enricher := &fakeEnricher{}
	pub := &fakePublisher{}
	p := New(cursors, enricher, pub)

	listings := []models.Listing{listingAt(102), listingAt(100), listingAt(99), listingAt(101)}
	if err := p.Process(context.Background(), "https://x", listings); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(pub.calls) != 1 {
		t.Fatalf("expected 1 publish call, got %d", len(pub.calls))
	}
	got := pub.calls[0].listings
	if len(got) != 2 {
		t.Fatalf("expected 2 new listings, got %d: %+v", len(got), got)
	}
	if got[0].ItemID != "m102" || got[1].ItemID != "m101" {
		t.Errorf("expected descending order [m102, m101], got [%s, %s]", got[0].ItemID, got[1].ItemID)
	}
}

func TestProcessExcludesAds(t *testing.T) {
	cursors := newFakeCursorStore()
	pub := &fakePublisher{}
	p := New(cursors, &fakeEnricher{}, pub)

	ad := listingAt(5)
	ad.PriorityProduct = "TOP"
	organic := listingAt(6)

	if err := p.Process(context.Background(), "https://x", []models.Listing{ad, organic}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(pub.calls[0].listings) != 1 || pub.calls[0].listings[0].ItemID != "m6" {
		t.Errorf("expected only the organic listing published, got %+v", pub.calls[0].listings)
	}
}

func TestProcessColdStartUpsertsCursorWithoutPriorState(t *testing.T) {
	cursors := newFakeCursorStore()
	pub := &fakePublisher{}
	p := New(cursors, &fakeEnricher{}, pub)

	listings := []models.Listing{listingAt(3), listingAt(1), listingAt(2)}
	if err := p.Process(context.Background(), "https://x", listings); err != nil {
		t.Fatalf("Process: %v", err)
	}

	cursor, _ := cursors.Get(context.Background(), "https://x")
	if cursor == nil || cursor.ItemID != "m3" {
		t.Fatalf("expected cursor to be seeded with the newest item, got %+v", cursor)
	}
}

func TestProcessNoNewListingsSkipsPublish(t *testing.T) {
	cursors := newFakeCursorStore()
	cursors.records["https://x"] = &latestlisting.Record{RequestURL: "https://x", ItemID: "m10"}
	pub := &fakePublisher{}
	p := New(cursors, &fakeEnricher{}, pub)

	if err := p.Process(context.Background(), "https://x", []models.Listing{listingAt(5)}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(pub.calls) != 0 {
		t.Errorf("expected no publish call, got %d", len(pub.calls))
	}
}

func TestProcessEnrichesOnlyTopK(t *testing.T) {
	cursors := newFakeCursorStore()
	enricher := &fakeEnricher{}
	pub := &fakePublisher{}
	p := New(cursors, enricher, pub)

	var listings []models.Listing
	for i := 1; i <= 8; i++ {
		listings = append(listings, listingAt(i))
	}

	if err := p.Process(context.Background(), "https://x", listings); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(enricher.enrichedID) != enrichTopK {
		t.Errorf("enriched %d listings, want %d", len(enricher.enrichedID), enrichTopK)
	}

	published := pub.calls[0].listings
	enrichedCount := 0
	for _, l := range published {
		if l.Details != nil {
			enrichedCount++
		}
	}
	if enrichedCount != enrichTopK {
		t.Errorf("published %d enriched listings, want %d", enrichedCount, enrichTopK)
	}
	if len(published) != 8 {
		t.Errorf("expected all 8 new listings published regardless of enrichment cutoff, got %d", len(published))
	}
}

func TestSeedUpsertsCursorWithoutEnrichingOrPublishing(t *testing.T) {
	cursors := newFakeCursorStore()
	enricher := &fakeEnricher{}
	pub := &fakePublisher{}
	p := New(cursors, enricher, pub)

	listings := []models.Listing{listingAt(3), listingAt(1), listingAt(2)}
	if err := p.Seed(context.Background(), "https://x", listings); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	cursor, _ := cursors.Get(context.Background(), "https://x")
	if cursor == nil || cursor.ItemID != "m3" {
		t.Fatalf("expected cursor to be seeded with the newest item, got %+v", cursor)
	}
	if len(pub.calls) != 0 {
		t.Errorf("expected Seed not to publish, got %d calls", len(pub.calls))
	}
	if len(enricher.enrichedID) != 0 {
		t.Errorf("expected Seed not to enrich, got %v", enricher.enrichedID)
	}
}

func TestSeedOnEmptyPageIsANoop(t *testing.T) {
	cursors := newFakeCursorStore()
	pub := &fakePublisher{}
	p := New(cursors, &fakeEnricher{}, pub)

	if err := p.Seed(context.Background(), "https://x", nil); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if cursor, _ := cursors.Get(context.Background(), "https://x"); cursor != nil {
		t.Errorf("expected no cursor written for an empty page, got %+v", cursor)
	}
	if len(pub.calls) != 0 {
		t.Errorf("expected Seed not to publish, got %d calls", len(pub.calls))
	}
}

func TestProcessEnrichmentFailureStillPublishes(t *testing.T) {
	cursors := newFakeCursorStore()
	enricher := &fakeEnricher{fail: true}
	pub := &fakePublisher{}
	p := New(cursors, enricher, pub)

	if err := p.Process(context.Background(), "https://x", []models.Listing{listingAt(1)}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(pub.calls) != 1 || len(pub.calls[0].listings) != 1 {
		t.Fatalf("expected the listing to still be published despite enrichment failure")
	}
	if pub.calls[0].listings[0].Details != nil {
		t.Errorf("expected nil Details when enrichment fails")
	}
}
