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

package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/fetch"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/latestlisting"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/models"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/notifier"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/registry"
)

// fakeRegistry implements the scheduler's Registry interface over an
// in-memory slice, mirroring the teacher's hand-rolled store fakes.
type fakeRegistry struct {
	mu      sync.Mutex
	queries map[string]*registry.Query
}

func newFakeRegistry(queries ...registry.Query) *fakeRegistry {
	r := &fakeRegistry{queries: map[string]*registry.Query{}}
	for i := range queries {
		q := queries[i]
		r.queries[q.RequestURL] = &q
	}
	return r
}

func (r *fakeRegistry) List(ctx context.Context, status *registry.Status) ([]registry.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []registry.Query
	for _, q := range r.queries {
		if status == nil || q.Status == *status {
			out = append(out, *q)
		}
	}
	return out, nil
}

func (r *fakeRegistry) GetByRequestURL(ctx context.Context, requestURL string) (*registry.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queries[requestURL]
	if !ok {
		return nil, nil
	}
	copied := *q
	return &copied, nil
}

func (r *fakeRegistry) SetStatusByRequestURL(ctx context.Context, requestURL string, status registry.Status) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queries[requestURL]
	if !ok {
		return 0, nil
	}
	q.Status = status
	return 1, nil
}

func (r *fakeRegistry) UpdateNextCheck(ctx context.Context, requestURL string, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queries[requestURL]; ok {
		q.NextCheckTime = &t
	}
	return nil
}

func (r *fakeRegistry) delete(requestURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queries, requestURL)
}

// fakeErrorPublisher records calls instead of talking to Redis.
type fakeErrorPublisher struct {
	mu       sync.Mutex
	errors   []string
	warnings []string
}

func (p *fakeErrorPublisher) PublishRequestURLError(ctx context.Context, requestURL, kind, reason, traceback string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, requestURL)
	return nil
}

func (p *fakeErrorPublisher) PublishWarning(ctx context.Context, message, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warnings = append(p.warnings, message)
	return nil
}

// fakeCursorStore and fakePublisher satisfy notifier's exported
// interfaces so a real *notifier.Pipeline can run against fakes.
type fakeCursorStore struct {
	mu      sync.Mutex
	records map[string]*latestlisting.Record
}

func (s *fakeCursorStore) Get(ctx context.Context, requestURL string) (*latestlisting.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[requestURL], nil
}

func (s *fakeCursorStore) Upsert(ctx context.Context, requestURL, itemID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = map[string]*latestlisting.Record{}
	}
	s.records[requestURL] = &latestlisting.Record{RequestURL: requestURL, ItemID: itemID, Title: title}
	return nil
}

type noopEnricher struct{}

func (noopEnricher) Enrich(ctx context.Context, listing models.Listing) (*models.Details, error) {
	return nil, nil
}

type fakeListingsPublisher struct {
	mu    sync.Mutex
	calls int
}

func (p *fakeListingsPublisher) PublishListings(ctx context.Context, requestURL string, newListings []models.Listing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return nil
}

func newTestPipeline() (*notifier.Pipeline, *fakeListingsPublisher) {
	pub := &fakeListingsPublisher{}
	return notifier.New(&fakeCursorStore{}, noopEnricher{}, pub), pub
}

func TestInitializeScheduleSpreadsAcrossInterval(t *testing.T) {
	reg := newFakeRegistry(
		registry.Query{ID: 1, RequestURL: "https://x/a", Status: registry.StatusActive},
		registry.Query{ID: 2, RequestURL: "https://x/b", Status: registry.StatusActive},
		registry.Query{ID: 3, RequestURL: "https://x/c", Status: registry.StatusActive},
	)
	pipeline, _ := newTestPipeline()

	s := New(Config{
		Registry:  reg,
		Fetcher:   fetch.New(),
		Pipeline:  pipeline,
		Publisher: &fakeErrorPublisher{},
		Interval:  9 * time.Second,
	})

	if err := s.InitializeSchedule(context.Background()); err != nil {
		t.Fatalf("InitializeSchedule: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.schedule) != 3 {
		t.Fatalf("expected 3 schedule entries, got %d", len(s.schedule))
	}
	for url, entry := range s.schedule {
		if entry.state != stateScheduled {
			t.Errorf("entry for %s not SCHEDULED: %v", url, entry.state)
		}
	}
}

func TestDispatchOnceSuccessReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"listings":[{"itemId":"m1","title":"bike","priorityProduct":"NONE"}]}`))
	}))
	defer srv.Close()

	reg := newFakeRegistry(registry.Query{ID: 1, RequestURL: srv.URL, Status: registry.StatusActive})
	pipeline, pub := newTestPipeline()

	s := New(Config{
		Registry:  reg,
		Fetcher:   fetch.New(fetch.WithRetryPolicy(1, time.Millisecond)),
		Pipeline:  pipeline,
		Publisher: &fakeErrorPublisher{},
		Interval:  time.Minute,
	})

	if err := s.dispatchOnce(context.Background(), srv.URL); err != nil {
		t.Fatalf("dispatchOnce: %v", err)
	}
	if pub.calls != 1 {
		t.Errorf("expected pipeline to publish once, got %d calls", pub.calls)
	}
}

func TestDispatchOnceMidFlightDeletionReturnsNilWithoutError(t *testing.T) {
	reg := newFakeRegistry() // empty: the query was deleted
	pipeline, pub := newTestPipeline()

	s := New(Config{
		Registry:  reg,
		Fetcher:   fetch.New(),
		Pipeline:  pipeline,
		Publisher: &fakeErrorPublisher{},
		Interval:  time.Minute,
	})

	if err := s.dispatchOnce(context.Background(), "https://gone.example/search"); err != nil {
		t.Fatalf("expected mid-flight deletion to return nil, got %v", err)
	}
	if pub.calls != 0 {
		t.Errorf("expected no publish call for a deleted query")
	}
}

func TestDispatchToleratesFailuresUntilBreakerTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := newFakeRegistry(registry.Query{ID: 1, RequestURL: srv.URL, Status: registry.StatusActive})
	pipeline, _ := newTestPipeline()
	errPub := &fakeErrorPublisher{}

	s := New(Config{
		Registry:  reg,
		Fetcher:   fetch.New(fetch.WithRetryPolicy(1, time.Millisecond)),
		Pipeline:  pipeline,
		Publisher: errPub,
		Interval:  time.Minute,
	})
	s.schedule[srv.URL] = &scheduleEntry{dueTime: time.Now(), state: stateScheduled}

	// The breaker's ReadyToTrip fires at 5 consecutive failures, so the
	// first 4 dispatches must leave the query ACTIVE and untouched by
	// PublishRequestURLError.
	for i := 0; i < 4; i++ {
		s.dispatch(context.Background(), srv.URL, time.Now().Add(time.Minute))
		q, _ := reg.GetByRequestURL(context.Background(), srv.URL)
		if q.Status != registry.StatusActive {
			t.Fatalf("attempt %d: status = %s, want ACTIVE (breaker should not have tripped yet)", i+1, q.Status)
		}
		if len(errPub.errors) != 0 {
			t.Fatalf("attempt %d: expected no request_url_error publish before the breaker trips", i+1)
		}
	}

	s.dispatch(context.Background(), srv.URL, time.Now().Add(time.Minute))

	q, _ := reg.GetByRequestURL(context.Background(), srv.URL)
	if q.Status != registry.StatusFailed {
		t.Errorf("status = %s, want FAILED after the 5th consecutive failure", q.Status)
	}
	if len(errPub.errors) != 1 {
		t.Errorf("expected 1 request_url_error publish, got %d", len(errPub.errors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule[srv.URL].state != stateFailed {
		t.Errorf("schedule entry state = %v, want FAILED", s.schedule[srv.URL].state)
	}
}

func TestTickDropsRemovedQueriesFromSchedule(t *testing.T) {
	reg := newFakeRegistry(registry.Query{ID: 1, RequestURL: "https://x/a", Status: registry.StatusActive})
	pipeline, _ := newTestPipeline()

	s := New(Config{
		Registry:  reg,
		Fetcher:   fetch.New(),
		Pipeline:  pipeline,
		Publisher: &fakeErrorPublisher{},
		Interval:  time.Minute,
	})
	s.schedule["https://x/a"] = &scheduleEntry{dueTime: time.Now().Add(time.Hour), state: stateScheduled}
	s.schedule["https://x/stale"] = &scheduleEntry{dueTime: time.Now().Add(time.Hour), state: stateScheduled}

	s.tick(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedule["https://x/stale"]; ok {
		t.Error("expected the removed query's schedule entry to be dropped")
	}
	if _, ok := s.schedule["https://x/a"]; !ok {
		t.Error("expected the still-active query's schedule entry to remain")
	}
}
