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

package enrich

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/apperrors"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/models"
)

// fakeFetcher maps a URL to a canned response, mimicking the teacher's
// hand-rolled mock-by-map style for HTTP-shaped dependencies.
type fakeFetcher struct {
	responses map[string][]byte
	errs      map[string]error
}

func (f *fakeFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if err, ok := f.errs[uri]; ok {
		return nil, err
	}
	if body, ok := f.responses[uri]; ok {
		return body, nil
	}
	return nil, errors.New("unexpected URL: " + uri)
}

const samplePage = `<html><script>
window.__CONFIG__ = {"listing":{"bidsInfo":{"count":3},"seller":{"id":"99","name":"Jane Doe"}}};
</script></html>`

func TestEnrichSucceeds(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[string][]byte{
		"https://www.2dehands.be/m123": []byte(samplePage),
		"https://www.2dehands.be/v/api/seller-profile/99": []byte(`{"reviews":12}`),
	}}

	e := New(fetcher)
	details, err := e.Enrich(context.Background(), models.Listing{ItemID: "m123"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	if details.SellerInfo.ID != "99" || details.SellerInfo.Name != "Jane Doe" {
		t.Errorf("unexpected seller info: %+v", details.SellerInfo)
	}
	if details.SellerInfo.ProfileURL != models.SellerProfileURL("Jane Doe", "99") {
		t.Errorf("ProfileURL = %q", details.SellerInfo.ProfileURL)
	}
	if string(details.BidsInfo) != `{"count":3}` {
		t.Errorf("BidsInfo = %s", details.BidsInfo)
	}
}

func TestEnrichMissingConfigBlobIsParseError(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[string][]byte{
		"https://www.2dehands.be/m123": []byte("<html>no config here</html>"),
	}}

	e := New(fetcher)
	_, err := e.Enrich(context.Background(), models.Listing{ItemID: "m123"})
	if _, ok := err.(*apperrors.ParseError); !ok {
		t.Fatalf("err = %T, want *apperrors.ParseError", err)
	}
}

func TestEnrichItemPageFetchFailurePropagates(t *testing.T) {
	wantErr := errors.New("boom")
	fetcher := &fakeFetcher{errs: map[string]error{
		"https://www.2dehands.be/m123": wantErr,
	}}

	e := New(fetcher)
	_, err := e.Enrich(context.Background(), models.Listing{ItemID: "m123"})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want one wrapping %v", err, wantErr)
	}
}

func TestEnrichSellerProfileFetchFailurePropagates(t *testing.T) {
	fetcher := &fakeFetcher{
		responses: map[string][]byte{"https://www.2dehands.be/m123": []byte(samplePage)},
		errs:      map[string]error{"https://www.2dehands.be/v/api/seller-profile/99": errors.New("seller fetch failed")},
	}

	e := New(fetcher)
	_, err := e.Enrich(context.Background(), models.Listing{ItemID: "m123"})
	if err == nil || !strings.Contains(err.Error(), "seller fetch failed") {
		t.Fatalf("err = %v", err)
	}
}
