package models

import (
	"strconv"
	"strings"
)

// SearchFilter is the canonical filter tuple for inventory searches. Zero bounds mean unbounded.
type SearchFilter struct {
	Brand    string `json:"brand,omitempty"`
	Model    string `json:"model,omitempty"`
	PriceMin int64  `json:"price_min,omitempty"`
	PriceMax int64  `json:"price_max,omitempty"`
	YearMin  int    `json:"year_min,omitempty"`
	YearMax  int    `json:"year_max,omitempty"`
}

// Normalize lowercases and trims the textual parts of the filter.
func (f SearchFilter) Normalize() SearchFilter {
	f.Brand = strings.ToLower(strings.TrimSpace(f.Brand))
	f.Model = strings.ToLower(strings.TrimSpace(f.Model))
	return f
}

// Key renders the canonical cache key. Any change to a bound changes the key.
func (f SearchFilter) Key() string {
	n := f.Normalize()
	return strings.Join([]string{
		n.Brand,
		n.Model,
		strconv.FormatInt(n.PriceMin, 10),
		strconv.FormatInt(n.PriceMax, 10),
		strconv.Itoa(n.YearMin),
		strconv.Itoa(n.YearMax),
	}, "|")
}

// SearchResult is a single inventory entry.
type SearchResult struct {
	ID       string `json:"id"`
	Source   string `json:"source,omitempty"`
	Brand    string `json:"brand"`
	Model    string `json:"model"`
	Year     int    `json:"year,omitempty"`
	Price    int64  `json:"price,omitempty"`
	Mileage  int64  `json:"mileage,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	URL      string `json:"url,omitempty"`
}

// CanonicalID identifies the same vehicle across sources.
func (r SearchResult) CanonicalID() string {
	if r.ID != "" {
		return strings.ToLower(strings.TrimSpace(r.ID))
	}
	return strings.ToLower(r.Brand + "|" + r.Model + "|" + strconv.Itoa(r.Year) + "|" + strconv.FormatInt(r.Price, 10))
}

// MergeResults appends extra to primary, skipping entries whose canonical id already appeared.
// Entries from primary win on duplicate keys.
func MergeResults(primary, extra []SearchResult) []SearchResult {
	out := make([]SearchResult, 0, len(primary)+len(extra))
	seen := make(map[string]struct{}, len(primary)+len(extra))
	for _, list := range [][]SearchResult{primary, extra} {
		for _, r := range list {
			id := r.CanonicalID()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}
