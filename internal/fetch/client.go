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

// Package fetch provides a retrying HTTP GET client for the upstream
// marketplace endpoints. It always signs requests with a desktop Chrome
// user agent and retries a configurable set of HTTP statuses and network
// errors with exponential backoff, logging the cause of each retry.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"

	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/apperrors"
)

// desktopChromeUA is the fixed user agent spec.md §6.1 requires.
const desktopChromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Safari/537.36"

// Client performs retrying GETs against the marketplace's endpoints.
type Client struct {
	httpClient     *http.Client
	maxRetries     uint64
	startTimeout   time.Duration
	retryOn404     bool
	retryStatuses  map[int]bool
}

// New builds a fetch client with the default retry policy: 4 total
// attempts (1 + 3 retries), 3 second starting backoff, retrying on any
// configured HTTP status (500, 502, 503 and 504 by default) and on network
// errors other than a DNS "no such host".
func New(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: uaRoundTripper{base: http.DefaultTransport, userAgent: desktopChromeUA},
		},
		maxRetries:   3,
		startTimeout: 3 * time.Second,
		retryStatuses: map[int]bool{
			500: true, 502: true, 503: true, 504: true,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithEnrichmentRetryPolicy also retries on HTTP 404, matching spec.md
// §4.5's note that item pages can briefly 404 due to CDN propagation lag.
func WithEnrichmentRetryPolicy() ClientOption {
	return func(c *Client) { c.retryOn404 = true }
}

// WithHTTPClient overrides the underlying *http.Client (tests only).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy overrides the retry budget and starting backoff
// interval. Tests use this to keep retry loops fast.
func WithRetryPolicy(maxRetries int, startTimeout time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = uint64(maxRetries)
		c.startTimeout = startTimeout
	}
}

// uaRoundTripper stamps every request with a fixed user agent header,
// unless the caller already set one — the same "build an http.Client atop
// a small custom RoundTripper" shape the teacher uses for its per-tenant
// oauth2 transports, here carrying a static header instead of a token.
type uaRoundTripper struct {
	base      http.RoundTripper
	userAgent string
}

func (t uaRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

// fetchOptions controls how a single Fetch call behaves.
type fetchOptions struct {
	headers map[string]string
}

// FetchOption configures one Fetch call.
type FetchOption func(*fetchOptions)

// WithHeader sets an additional request header.
func WithHeader(key, value string) FetchOption {
	return func(o *fetchOptions) {
		if o.headers == nil {
			o.headers = map[string]string{}
		}
		o.headers[key] = value
	}
}

// Fetch performs a GET against uri with retry/backoff. On 204 it returns a
// nil body and nil error. After exhausting retries it returns a
// *apperrors.TerminalUpstreamError.
func (c *Client) Fetch(ctx context.Context, uri string, opts ...FetchOption) ([]byte, error) {
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}

	// attempt owns this call's "last cause" slot. It is scoped to the
	// single Fetch invocation rather than kept in a map shared across
	// URLs — see SPEC_FULL.md's C1 section on spec.md §9's retry-hook guidance.
	a := &attempt{maxAttempts: int(c.maxRetries) + 1, url: uri}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.startTimeout
	bo := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)

	var body []byte
	var lastStatus int

	op := func() error {
		a.attemptNum++
		if a.lastErr != nil {
			a.logRetry()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		for k, v := range o.headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			a.recordNetworkError(err)
			if isPermanentNetworkError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		lastStatus = resp.StatusCode

		if resp.StatusCode == http.StatusNoContent {
			body = nil
			return nil
		}

		if resp.StatusCode == http.StatusOK {
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response body: %w", err)
			}
			body = data
			return nil
		}

		a.recordStatus(resp.StatusCode)

		if c.shouldRetryStatus(resp.StatusCode) {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return backoff.Permanent(fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	if err := backoff.Retry(op, bo); err != nil {
		return nil, &apperrors.TerminalUpstreamError{URL: uri, Status: lastStatus, Cause: err}
	}

	return body, nil
}

// FetchJSON performs a retrying GET and decodes the response body into
// target via sonic, the fast-path JSON decoder the search endpoint's
// typically large listing payloads warrant.
func (c *Client) FetchJSON(ctx context.Context, uri string, target interface{}, opts ...FetchOption) error {
	body, err := c.Fetch(ctx, uri, opts...)
	if err != nil {
		return err
	}
	if body == nil {
		return nil
	}
	if err := sonic.Unmarshal(body, target); err != nil {
		return &apperrors.ParseError{URL: uri, Reason: err.Error()}
	}
	return nil
}

func (c *Client) shouldRetryStatus(status int) bool {
	if c.retryOn404 && status == http.StatusNotFound {
		return true
	}
	return c.retryStatuses[status]
}

// isPermanentNetworkError reports whether err is a DNS failure that
// genuinely means "no such host" rather than a transient lookup failure.
func isPermanentNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}

// attempt tracks one Fetch call's retry state so the next attempt can log
// the previous attempt's cause by name, per spec.md §4.1's design note. The
// cause is a *apperrors.TransientUpstreamError — it never escapes this
// package; once the retry budget is exhausted, Fetch wraps the final
// attempt into a *apperrors.TerminalUpstreamError instead.
type attempt struct {
	url         string
	attemptNum  int
	maxAttempts int
	lastErr     *apperrors.TransientUpstreamError
}

func (a *attempt) recordStatus(status int) {
	a.lastErr = &apperrors.TransientUpstreamError{Attempt: a.attemptNum, MaxAttempts: a.maxAttempts, URL: a.url, Status: status}
}

func (a *attempt) recordNetworkError(err error) {
	a.lastErr = &apperrors.TransientUpstreamError{Attempt: a.attemptNum, MaxAttempts: a.maxAttempts, URL: a.url, Cause: err}
}

func (a *attempt) logRetry() {
	logRetryAttempt(a.attemptNum, a.maxAttempts, a.url, a.lastErr.Error())
}
