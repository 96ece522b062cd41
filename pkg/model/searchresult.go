package model

import (
	"encoding/json"
)

// ProviderFailure records one provider that could not serve a search, so a
// partially failed fan-out stays visible to the caller.
type ProviderFailure struct {
	Provider string
	Err      error
}

// SearchResult is an ordered sequence of products plus metadata about the
// search that produced it.
type SearchResult struct {
	Products []*Product

	// TotalItems is nil when counting was disabled or the provider did not
	// report a total.
	TotalItems *int

	// Provider that served the page, empty for merged results.
	Provider string

	// Failures lists providers that were tried and failed before (or while)
	// this result was assembled.
	Failures []ProviderFailure
}

// Len returns the number of products.
func (r *SearchResult) Len() int { return len(r.Products) }

// Extend appends other's products to r, preserving order and dropping
// duplicates by (provider, id). Concatenation is associative.
func (r *SearchResult) Extend(other *SearchResult) {
	seen := make(map[[2]string]struct{}, len(r.Products))
	for _, p := range r.Products {
		seen[[2]string{p.Provider, p.ID}] = struct{}{}
	}
	for _, p := range other.Products {
		key := [2]string{p.Provider, p.ID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		r.Products = append(r.Products, p)
	}
	r.Failures = append(r.Failures, other.Failures...)
	if r.Provider != other.Provider {
		r.Provider = ""
	}
}

// Crunch filters the result through a cruncher and returns a new result.
func (r *SearchResult) Crunch(c Cruncher, args map[string]any) (*SearchResult, error) {
	filtered, err := c.Proceed(r.Products, args)
	if err != nil {
		return nil, err
	}
	return &SearchResult{Products: filtered, Provider: r.Provider}, nil
}

// AsGeoJSON encodes the result as a GeoJSON FeatureCollection.
func (r *SearchResult) AsGeoJSON() ([]byte, error) {
	features := make([]json.RawMessage, 0, len(r.Products))
	for _, p := range r.Products {
		f, err := p.AsGeoJSON()
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return json.Marshal(map[string]any{
		"type":     "FeatureCollection",
		"features": features,
	})
}
