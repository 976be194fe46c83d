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

// Package translate converts a user-visible 2dehands browser URL into the
// canonical API request URL the scheduler polls, plus a normalised browser
// URL for storage. It is a pure function package: no I/O, no package
// state beyond the category tables passed in by the caller.
package translate

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/apperrors"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/categories"
)

const (
	origin        = "https://www.2dehands.be"
	searchBaseURL = origin + "/lrp/api/search"
)

var browserURLPattern = regexp.MustCompile(`^https://www\.2dehands\.be/(q|l)/[^?]*$`)

// defaultFragment lists the canonical fragment keys/values in the order
// they're emitted, matching spec.md §4.2's merge defaults.
var defaultFragment = []struct{ key, value string }{
	{"Language", "all-languages"},
	{"offeredSince", "Gisteren"},
	{"sortBy", "SORT_INDEX"},
	{"sortOrder", "DECREASING"},
}

// Result is the outcome of translating one browser URL.
type Result struct {
	CanonicalBrowserURL string
	RequestURL          string
	Query               string
}

// Translate parses browserURL, validates it against spec.md §3.1's
// pattern, resolves category keys against cats, and returns the canonical
// browser URL plus the derived API request URL.
func Translate(browserURL string, cats categories.Tables) (Result, error) {
	if !browserURLPattern.MatchString(browserURL) {
		return Result{}, &apperrors.ValidationError{Reason: fmt.Sprintf("browser_url %q does not match the expected pattern", browserURL)}
	}

	parsed, err := url.Parse(browserURL)
	if err != nil {
		return Result{}, &apperrors.ValidationError{Reason: fmt.Sprintf("parse browser_url: %s", err)}
	}

	fragmentParams, err := parseFragment(parsed.Fragment)
	if err != nil {
		return Result{}, &apperrors.ValidationError{Reason: err.Error()}
	}

	pathParts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		return Result{}, &apperrors.ValidationError{Reason: "browser_url has no path segments"}
	}

	mode := pathParts[0]
	if mode != "q" && mode != "l" {
		return Result{}, &apperrors.ValidationError{Reason: fmt.Sprintf("unsupported mode %q, expected q or l", mode)}
	}

	qp := url.Values{}
	qp["attributesByKey[]"] = []string{"Language:all-languages", "offeredSince:Gisteren"}
	qp.Set("limit", "100")
	qp.Set("offset", "0")
	qp.Set("sortBy", "SORT_INDEX")
	qp.Set("sortOrder", "DECREASING")
	qp.Set("viewOptions", "list-view")

	var queryTerm string

	switch mode {
	case "l":
		if len(pathParts) < 2 || pathParts[1] == "" {
			return Result{}, &apperrors.ValidationError{Reason: "category mode requires an L1 path segment"}
		}
		l1Key := pathParts[1]
		l1, ok := cats.LookupL1(l1Key)
		if !ok {
			return Result{}, &apperrors.ValidationError{Reason: fmt.Sprintf("unknown l1 category %q", l1Key)}
		}
		qp.Set("l1CategoryId", fmt.Sprintf("%d", l1.ID))

		if len(pathParts) > 2 && pathParts[2] != "" {
			l2Key := pathParts[2]
			l2, ok := cats.LookupL2(l1Key, l2Key)
			if !ok {
				return Result{}, &apperrors.ValidationError{Reason: fmt.Sprintf("unknown l2 category %q under %q", l2Key, l1Key)}
			}
			// Resolved open question (see DESIGN.md): the l2CategoryId is
			// actually assigned here, unlike the annotation-only statement
			// it was derived from.
			qp.Set("l2CategoryId", fmt.Sprintf("%d", l2.ID))
		}

		if q, ok := fragmentParams["q"]; ok {
			decoded, err := url.QueryUnescape(q)
			if err != nil {
				return Result{}, &apperrors.ValidationError{Reason: fmt.Sprintf("decode q fragment: %s", err)}
			}
			queryTerm = decoded
		}

	case "q":
		if len(pathParts) < 2 || pathParts[1] == "" {
			return Result{}, &apperrors.ValidationError{Reason: "free-text mode requires a search term path segment"}
		}
		decoded, err := url.QueryUnescape(pathParts[1])
		if err != nil {
			return Result{}, &apperrors.ValidationError{Reason: fmt.Sprintf("decode query term: %s", err)}
		}
		queryTerm = decoded
	}

	if queryTerm != "" {
		qp.Set("query", queryTerm)
	}

	if postcode, ok := fragmentParams["postcode"]; ok && postcode != "" {
		qp.Set("postcode", postcode)
		if distance, ok := fragmentParams["distanceMeters"]; ok && distance != "" {
			qp.Set("distanceMeters", distance)
		}
	}

	priceFrom, hasFrom := fragmentParams["PriceCentsFrom"]
	priceTo, hasTo := fragmentParams["PriceCentsTo"]
	if hasFrom || hasTo {
		min := "null"
		if hasFrom && priceFrom != "" {
			min = priceFrom
		}
		max := "null"
		if hasTo && priceTo != "" {
			max = priceTo
		}
		qp["attributeRanges[]"] = append(qp["attributeRanges[]"], fmt.Sprintf("PriceCents:%s:%s", min, max))
	}

	requestURL := searchBaseURL + "?" + qp.Encode()

	canonicalPath := "/" + mode + "/" + strings.Join(pathParts[1:], "/")
	if !strings.HasSuffix(canonicalPath, "/") {
		canonicalPath += "/"
	}

	canonicalBrowserURL := origin + canonicalPath + "#" + canonicalFragment(fragmentParams)

	return Result{
		CanonicalBrowserURL: canonicalBrowserURL,
		RequestURL:          requestURL,
		Query:               queryTerm,
	}, nil
}

// parseFragment splits a "k1:v1|k2:v2" fragment into a map, splitting each
// pair on the first colon only.
func parseFragment(fragment string) (map[string]string, error) {
	params := map[string]string{}
	if fragment == "" {
		return params, nil
	}
	for _, pair := range strings.Split(fragment, "|") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed fragment pair %q", pair)
		}
		params[parts[0]] = parts[1]
	}
	return params, nil
}

// canonicalFragment rebuilds the fragment string with the fixed defaults
// always winning for their own keys (forcing a canonical sort/lang/recency
// form), followed by any other incoming keys in a stable order.
func canonicalFragment(incoming map[string]string) string {
	merged := make(map[string]string, len(incoming)+len(defaultFragment))
	for k, v := range incoming {
		merged[k] = v
	}

	var parts []string
	seen := map[string]bool{}
	for _, d := range defaultFragment {
		parts = append(parts, d.key+":"+d.value)
		seen[d.key] = true
	}

	// Preserve the remaining incoming keys in a stable order.
	var extraKeys []string
	for k := range incoming {
		if !seen[k] {
			extraKeys = append(extraKeys, k)
		}
	}
	sortStrings(extraKeys)
	for _, k := range extraKeys {
		parts = append(parts, k+":"+merged[k])
	}

	return strings.Join(parts, "|")
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
