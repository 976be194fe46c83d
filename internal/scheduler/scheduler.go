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

// Package scheduler owns the in-memory request_url -> due_time map and
// drives the tick loop that dispatches due queries through the fetch
// client and notifier pipeline (C5). Its lifecycle shape — Run/Stop with
// a context.CancelFunc and sync.WaitGroup — is grounded in the
// teacher's subscription.LifecycleManager and activityfeed.Poller.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/apperrors"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/fetch"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/lock"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/models"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/notifier"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/registry"
)

// tickInterval is the fixed reconciliation cadence from spec.md §4.4.1.
const tickInterval = 10 * time.Second

// maxConcurrentDispatch bounds how many ready request_urls are fetched at
// once, per spec.md §5's note that an implementation may promote the
// per-ready loop to concurrent dispatch.
const maxConcurrentDispatch = 8

// entryState models spec.md §4.4.3's per-ScheduleEntry state machine.
type entryState int

const (
	stateScheduled entryState = iota
	stateFiring
	stateFailed
)

func (s entryState) String() string {
	switch s {
	case stateScheduled:
		return "SCHEDULED"
	case stateFiring:
		return "FIRING"
	case stateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type scheduleEntry struct {
	dueTime time.Time
	state   entryState
}

// Registry is the subset of registry.Store the scheduler needs.
type Registry interface {
	List(ctx context.Context, status *registry.Status) ([]registry.Query, error)
	GetByRequestURL(ctx context.Context, requestURL string) (*registry.Query, error)
	SetStatusByRequestURL(ctx context.Context, requestURL string, status registry.Status) (int64, error)
	UpdateNextCheck(ctx context.Context, requestURL string, t time.Time) error
}

// ErrorPublisher is the subset of queue.Publisher the scheduler needs for
// its own channels (the pipeline publishes "listings" itself).
type ErrorPublisher interface {
	PublishRequestURLError(ctx context.Context, requestURL, kind, reason, traceback string) error
	PublishWarning(ctx context.Context, message, reason string) error
}

// Scheduler drives the tick loop described in spec.md §4.4.
type Scheduler struct {
	registry  Registry
	fetcher   *fetch.Client
	pipeline  *notifier.Pipeline
	publisher ErrorPublisher
	lease     *lock.Lease // nil disables the multi-replica dispatch lease
	interval  time.Duration

	mu       sync.Mutex // plain Mutex, not RWMutex — see DESIGN.md
	schedule map[string]*scheduleEntry
	breakers map[string]*gobreaker.CircuitBreaker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the dependencies and tunables for a Scheduler.
type Config struct {
	Registry  Registry
	Fetcher   *fetch.Client
	Pipeline  *notifier.Pipeline
	Publisher ErrorPublisher
	// Lease is optional. When set, dispatchOnce acquires a short-lived
	// Redis lease on request_url before fetching, so a second replica
	// running the same schedule skips a URL already in flight elsewhere
	// (spec.md §5's serialization requirement, extended to multi-replica
	// deployments).
	Lease    *lock.Lease
	Interval time.Duration // default 120s, per spec.md §4.4.2
}

// New builds a Scheduler.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 120 * time.Second
	}
	return &Scheduler{
		registry:  cfg.Registry,
		fetcher:   cfg.Fetcher,
		pipeline:  cfg.Pipeline,
		publisher: cfg.Publisher,
		lease:     cfg.Lease,
		interval:  interval,
		schedule:  make(map[string]*scheduleEntry),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// InitializeSchedule spreads every ACTIVE query's first due time across
// the configured interval, per spec.md §4.4.1's initialize_schedule.
func (s *Scheduler) InitializeSchedule(ctx context.Context) error {
	active := registry.StatusActive
	queries, err := s.registry.List(ctx, &active)
	if err != nil {
		return fmt.Errorf("list active queries: %w", err)
	}

	now := time.Now()
	spread := s.interval / time.Duration(max(len(queries), 1))

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, q := range queries {
		due := now.Add(time.Duration(i) * spread)
		s.schedule[q.RequestURL] = &scheduleEntry{dueTime: due, state: stateScheduled}
		if err := s.registry.UpdateNextCheck(ctx, q.RequestURL, due); err != nil {
			slog.Warn("persist initial next_check_time failed", "request_url", q.RequestURL, "error", err)
		}
	}

	slog.Info("schedule initialized", "active_queries", len(queries), "spread", spread)
	return nil
}

// Run starts the tick loop of spec.md §4.4.1 in a background goroutine and
// returns at once; the loop runs until ctx is cancelled or Stop is called.
// Shutdown follows the teacher's StartPeriodicSync/Stop shape: a derived
// context, a background goroutine, and a WaitGroup joined by Stop.
func (s *Scheduler) Run(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.tick(loopCtx)
			}
		}
	}()

	slog.Info("scheduler started", "tick_interval", tickInterval, "interval", s.interval)
}

// Stop cancels the tick loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// tick implements spec.md §4.4.1's "loop forever" body: reconcile the
// schedule against the registry, then process whatever's ready.
func (s *Scheduler) tick(ctx context.Context) {
	active := registry.StatusActive
	queries, err := s.registry.List(ctx, &active)
	if err != nil {
		slog.Error("list active queries failed", "error", err)
		return
	}

	if len(queries) == 0 {
		return
	}

	activeURLs := make(map[string]bool, len(queries))
	for _, q := range queries {
		activeURLs[q.RequestURL] = true
	}

	now := time.Now()

	s.mu.Lock()
	for url := range s.schedule {
		if !activeURLs[url] {
			delete(s.schedule, url)
			delete(s.breakers, url)
		}
	}
	for url := range activeURLs {
		if _, ok := s.schedule[url]; !ok {
			// Fire immediately on first sight, per spec.md §4.4.1.
			s.schedule[url] = &scheduleEntry{dueTime: now, state: stateScheduled}
		}
	}
	s.mu.Unlock()

	if err := s.processReady(ctx); err != nil {
		slog.Error("process ready failed", "error", err)
	}

	s.logUpcoming()
}

// processReady implements spec.md §4.4.2's process_ready algorithm.
func (s *Scheduler) processReady(ctx context.Context) error {
	now := time.Now()

	s.mu.Lock()
	var ready []string
	var last time.Time
	for url, entry := range s.schedule {
		if !entry.dueTime.After(now) {
			ready = append(ready, url)
		}
		if entry.dueTime.After(last) {
			last = entry.dueTime
		}
	}
	total := len(s.schedule)
	spread := s.interval / time.Duration(max(total, 1))
	s.mu.Unlock()

	if last.Before(now) {
		last = now
	}

	if len(ready) > 1 {
		if err := s.publisher.PublishWarning(ctx,
			fmt.Sprintf("%d queries came due in the same tick", len(ready)),
			fmt.Sprintf("%d/%d active queries ready", len(ready), total),
		); err != nil {
			slog.Warn("publish warning failed", "error", err)
		}
	}

	sort.Strings(ready) // deterministic dispatch order

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDispatch)

	for i, url := range ready {
		i, url := i, url
		g.Go(func() error {
			next := last.Add(time.Duration(i+1) * spread)
			s.dispatch(gctx, url, next)
			return nil
		})
	}

	return g.Wait()
}

// dispatch fires one due request_url and reschedules or fails it. Per
// spec.md §5, the schedule-map write for this URL only happens here, on
// this goroutine, after the fetch/process completes — so two dispatches
// for the same request_url never race.
//
// A single failed attempt does not fail the query: the per-request_url
// breaker (breakerFor) accrues ConsecutiveFailures across ticks, and the
// query is only marked FAILED once that breaker actually trips. Until
// then the query stays ACTIVE and is retried on its normal schedule.
func (s *Scheduler) dispatch(ctx context.Context, requestURL string, next time.Time) {
	s.setState(requestURL, stateFiring)

	err := s.dispatchOnce(ctx, requestURL)
	if err == nil {
		s.reschedule(requestURL, next)
		if err := s.registry.UpdateNextCheck(ctx, requestURL, next); err != nil {
			slog.Warn("persist next_check_time failed", "request_url", requestURL, "error", err)
		}
		return
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Breaker already open from an earlier tick: skip this attempt
		// without counting another failure against it, retry once the
		// breaker's cooldown (Timeout) lets requests through again.
		slog.Debug("circuit breaker open, deferring dispatch", "request_url", requestURL)
		s.reschedule(requestURL, next)
		return
	}

	breaker := s.breakerFor(requestURL)
	if breaker.State() == gobreaker.StateOpen {
		// This attempt is the one that just tripped the breaker.
		s.fail(ctx, requestURL, err)
		return
	}

	slog.Warn("dispatch failed, retrying next tick", "request_url", requestURL, "error", err,
		"consecutive_failures", breaker.Counts().ConsecutiveFailures)
	s.reschedule(requestURL, next)
}

// reschedule moves requestURL's due time forward and restores it to
// SCHEDULED, used both on success and on a failure the breaker is still
// tolerating.
func (s *Scheduler) reschedule(requestURL string, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.schedule[requestURL]; ok {
		entry.dueTime = next
		entry.state = stateScheduled
	}
}

func (s *Scheduler) dispatchOnce(ctx context.Context, requestURL string) error {
	query, err := s.registry.GetByRequestURL(ctx, requestURL)
	if err != nil {
		return fmt.Errorf("lookup query for %s: %w", requestURL, err)
	}
	if query == nil {
		// spec.md §7's MidFlightDeletion policy: warn and skip, no failure.
		// The error never leaves dispatchOnce — it exists to name the
		// policy, not to propagate through the breaker/fail path.
		slog.Warn((&apperrors.MidFlightDeletionError{RequestURL: requestURL}).Error())
		return nil
	}

	if s.lease != nil {
		acquired, err := s.lease.Acquire(ctx, requestURL)
		if err != nil {
			slog.Warn("dispatch lease acquire failed, proceeding without it", "request_url", requestURL, "error", err)
		} else if !acquired {
			slog.Debug("dispatch lease held elsewhere, skipping this tick", "request_url", requestURL)
			return nil
		} else {
			defer func() {
				if err := s.lease.Release(ctx, requestURL); err != nil {
					slog.Warn("dispatch lease release failed", "request_url", requestURL, "error", err)
				}
			}()
		}
	}

	breaker := s.breakerFor(requestURL)

	// The pipeline run sits inside the breaker too, so parse, cursor and
	// publish failures accrue towards tripping it just like fetch failures.
	_, err = breaker.Execute(func() (interface{}, error) {
		var resp models.SearchResponse
		if err := s.fetcher.FetchJSON(ctx, requestURL, &resp); err != nil {
			return nil, err
		}
		if resp.Listings == nil {
			return nil, &apperrors.ParseError{URL: requestURL, Reason: "response has no listings array"}
		}
		return nil, s.pipeline.Process(ctx, requestURL, resp.Listings)
	})
	return err
}

// breakerFor returns the per-request_url circuit breaker, creating one on
// first use. It persists across ticks in s.breakers until the query is
// either removed from the active set or fails out of it, so consecutive
// failures genuinely accumulate tick over tick. Five consecutive failures
// open the breaker for interval/2; dispatch marks the query FAILED on the
// call that trips it, and any dispatch for the URL while it stays open
// skips the upstream call (DESIGN.md / SPEC_FULL.md's C1 section).
func (s *Scheduler) breakerFor(requestURL string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[requestURL]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    requestURL,
		Timeout: s.interval / 2,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("circuit breaker state change", "request_url", name, "from", from, "to", to)
		},
	})
	s.breakers[requestURL] = b
	return b
}

// fail marks requestURL FAILED in the registry and reports the failure —
// spec.md §3.3's "Fails" transition and §7's TerminalUpstream policy. It
// is only called once breakerFor(requestURL) has actually tripped open;
// the next tick's reconcile (List only returns ACTIVE queries) then drops
// requestURL from both s.schedule and s.breakers.
func (s *Scheduler) fail(ctx context.Context, requestURL string, cause error) {
	s.mu.Lock()
	if entry, ok := s.schedule[requestURL]; ok {
		entry.state = stateFailed
	}
	s.mu.Unlock()

	if _, err := s.registry.SetStatusByRequestURL(ctx, requestURL, registry.StatusFailed); err != nil {
		slog.Error("mark query failed in registry failed", "request_url", requestURL, "error", err)
	}

	if err := s.publisher.PublishRequestURLError(ctx, requestURL, "TerminalUpstream", cause.Error(), ""); err != nil {
		slog.Error("publish request_url_error failed", "request_url", requestURL, "error", err)
	}

	slog.Error("query marked FAILED", "request_url", requestURL, "cause", cause)
}

func (s *Scheduler) setState(requestURL string, state entryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.schedule[requestURL]; ok {
		entry.state = state
		slog.Debug("schedule entry state transition", "request_url", requestURL, "state", state.String())
	}
}

// logUpcoming logs the next 5 due entries, per spec.md §4.4.1's "log
// upcoming 5 entries".
func (s *Scheduler) logUpcoming() {
	s.mu.Lock()
	type due struct {
		url string
		at  time.Time
	}
	entries := make([]due, 0, len(s.schedule))
	for url, e := range s.schedule {
		entries = append(entries, due{url: url, at: e.dueTime})
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	if len(entries) > 5 {
		entries = entries[:5]
	}

	upcoming := make([]string, len(entries))
	for i, e := range entries {
		b, _ := json.Marshal(map[string]string{"request_url": e.url, "due_at": e.at.Format(time.RFC3339)})
		upcoming[i] = string(b)
	}
	slog.Debug("upcoming schedule entries", "entries", upcoming)
}
