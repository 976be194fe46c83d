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

// Package categories loads the L1/L2 category name-to-id lookup tables
// used by the URL translator. The tables are read once at startup and
// handed around as an immutable value — there is no global mutable state.
package categories

import (
	"encoding/json"
	"fmt"
	"os"
)

// Entry is a single category's lookup record.
type Entry struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"fullName"`
}

// Tables holds the L1 and L2 category lookup maps, keyed by category slug
// (L1) and by (L1 slug, L2 slug) (L2).
type Tables struct {
	L1 map[string]Entry
	L2 map[string]map[string]Entry
}

// Load reads l1Path and l2Path (JSON files shaped per spec.md §6.4) and
// returns an immutable Tables value.
func Load(l1Path, l2Path string) (Tables, error) {
	l1, err := loadL1(l1Path)
	if err != nil {
		return Tables{}, fmt.Errorf("load l1 categories from %s: %w", l1Path, err)
	}

	l2, err := loadL2(l2Path)
	if err != nil {
		return Tables{}, fmt.Errorf("load l2 categories from %s: %w", l2Path, err)
	}

	return Tables{L1: l1, L2: l2}, nil
}

func loadL1(path string) (map[string]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var table map[string]Entry
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return table, nil
}

func loadL2(path string) (map[string]map[string]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var table map[string]map[string]Entry
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return table, nil
}

// LookupL1 returns the entry for an L1 category key.
func (t Tables) LookupL1(key string) (Entry, bool) {
	e, ok := t.L1[key]
	return e, ok
}

// LookupL2 returns the entry for an L2 category key, scoped under its L1
// parent key.
func (t Tables) LookupL2(l1Key, l2Key string) (Entry, bool) {
	sub, ok := t.L2[l1Key]
	if !ok {
		return Entry{}, false
	}
	e, ok := sub[l2Key]
	return e, ok
}
