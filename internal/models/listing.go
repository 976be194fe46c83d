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

// Package models holds the plain data records shared across the fetch,
// notifier, and queue packages.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PriorityNone is the priorityProduct value carried by ordinary listings.
// Any other value marks the listing as a paid placement ("ad").
const PriorityNone = "NONE"

// Listing is a single entry from the upstream search response. Only the
// fields the diff pipeline needs are named explicitly; everything else
// upstream sends is preserved in Extra and republished byte-for-byte.
type Listing struct {
	ItemID          string `json:"itemId"`
	Title           string `json:"title"`
	PriorityProduct string `json:"priorityProduct"`

	// Extra holds every other field the upstream response carried for this
	// listing, so subscribers see the full payload rather than a stripped
	// projection.
	Extra map[string]json.RawMessage `json:"-"`

	// Details is populated for the newest K listings by the enrichment
	// sub-routine. Left nil for the remainder and for failed enrichments.
	Details *Details `json:"details,omitempty"`
}

// Details is the secondary-fetch payload attached to enriched listings.
type Details struct {
	BidsInfo   json.RawMessage `json:"bidsInfo,omitempty"`
	SellerInfo *SellerInfo     `json:"sellerInfo,omitempty"`
}

// SellerInfo describes the seller a listing was posted under.
type SellerInfo struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	ProfileURL string        `json:"profileUrl"`
	Extra    json.RawMessage `json:"extra,omitempty"`
}

// IsAd reports whether the listing is a paid placement rather than an
// organic posting.
func (l Listing) IsAd() bool {
	return l.PriorityProduct != PriorityNone
}

// NumericSuffix parses the digits following the leading "m" in ItemID
// (e.g. "m1234567890" -> 1234567890). Used by the diff pipeline to compare
// listings against the stored cursor.
func (l Listing) NumericSuffix() (int64, error) {
	return ItemIDSuffix(l.ItemID)
}

// ItemIDSuffix parses the numeric suffix of a "m<digits>" item id.
func ItemIDSuffix(itemID string) (int64, error) {
	if !strings.HasPrefix(itemID, "m") {
		return 0, fmt.Errorf("item id %q missing m-prefix", itemID)
	}
	n, err := strconv.ParseInt(itemID[1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("item id %q has non-numeric suffix: %w", itemID, err)
	}
	return n, nil
}

// MarshalJSON republishes the listing with Extra's fields flattened back
// alongside the named fields, so subscribers never see an "extra" wrapper.
func (l Listing) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(l.Extra)+4)
	for k, v := range l.Extra {
		out[k] = v
	}

	itemID, err := json.Marshal(l.ItemID)
	if err != nil {
		return nil, err
	}
	out["itemId"] = itemID

	title, err := json.Marshal(l.Title)
	if err != nil {
		return nil, err
	}
	out["title"] = title

	priority, err := json.Marshal(l.PriorityProduct)
	if err != nil {
		return nil, err
	}
	out["priorityProduct"] = priority

	if l.Details != nil {
		details, err := json.Marshal(l.Details)
		if err != nil {
			return nil, err
		}
		out["details"] = details
	}

	return json.Marshal(out)
}

// UnmarshalJSON decodes a listing, keeping every unrecognised field in Extra.
func (l *Listing) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type alias struct {
		ItemID          string `json:"itemId"`
		Title           string `json:"title"`
		PriorityProduct string `json:"priorityProduct"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	l.ItemID = a.ItemID
	l.Title = a.Title
	l.PriorityProduct = a.PriorityProduct

	delete(raw, "itemId")
	delete(raw, "title")
	delete(raw, "priorityProduct")
	delete(raw, "details")
	l.Extra = raw

	return nil
}

// SearchResponse is the top-level shape of the upstream search endpoint.
type SearchResponse struct {
	Listings []Listing `json:"listings"`
}

// sellerNameReplacer matches original_source's seller_url derivation:
// lower-case the display name, fold accented letters, and replace
// separators with hyphens.
var sellerNameReplacer = strings.NewReplacer(
	".", "-",
	" ", "-",
	"'", "-",
	"é", "e",
	"è", "e",
	"ë", "e",
	"ê", "e",
)

// SellerProfileURL derives a human-readable seller profile URL from a
// seller's display name and id, matching the marketplace's own URL scheme.
func SellerProfileURL(sellerName, sellerID string) string {
	slug := sellerNameReplacer.Replace(strings.ToLower(sellerName))
	return fmt.Sprintf("https://www.2dehands.be/u/%s/%s", slug, sellerID)
}
