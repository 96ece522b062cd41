package model

import (
	"encoding/json"
	"sort"
)

// Queryable annotates one search parameter a provider will act on.
type Queryable struct {
	// Type is the JSON-schema base type: "string", "number", "integer",
	// "boolean", "array", "object".
	Type        string `json:"type"`
	Alias       string `json:"alias,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	Required    bool   `json:"-"`
	// Enum lists allowed values when the provider publishes constraints.
	Enum []any `json:"enum,omitempty"`
}

// QueryablesDict maps queryable names to their annotations.
type QueryablesDict struct {
	Properties map[string]Queryable
	// AdditionalProperties is true when the provider accepts parameters
	// beyond the declared ones.
	AdditionalProperties bool
}

// CommonQueryables returns the queryables every provider understands.
// "collection" is always present; start/end datetimes are exposed through
// the single top-level "datetime" interval with start/end aliases.
func CommonQueryables() *QueryablesDict {
	return &QueryablesDict{
		AdditionalProperties: true,
		Properties: map[string]Queryable{
			"collection": {Type: "string", Title: "Collection", Required: true},
			"datetime": {
				Type:        "string",
				Title:       "Datetime",
				Description: "Either a date-time or an interval, half-bounded intervals accepted",
			},
			"start_datetime": {Type: "string", Alias: "datetime"},
			"end_datetime":   {Type: "string", Alias: "datetime"},
			"geom":           {Type: "object", Title: "Geometry"},
		},
	}
}

// Merge overlays other's properties on top of q, returning q.
func (q *QueryablesDict) Merge(other *QueryablesDict) *QueryablesDict {
	if other == nil {
		return q
	}
	for name, qa := range other.Properties {
		q.Properties[name] = qa
	}
	if !other.AdditionalProperties {
		q.AdditionalProperties = false
	}
	return q
}

// Names returns the queryable names hidden aliases excluded, sorted for
// deterministic output. Aliased time fields stay reachable by name but only
// "datetime" is visible at the top level.
func (q *QueryablesDict) Names() []string {
	names := make([]string, 0, len(q.Properties))
	for name, qa := range q.Properties {
		if qa.Alias != "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON encodes the dict as a JSON-schema fragment.
func (q *QueryablesDict) MarshalJSON() ([]byte, error) {
	required := make([]string, 0)
	for name, qa := range q.Properties {
		if qa.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return json.Marshal(map[string]any{
		"type":                 "object",
		"properties":           q.Properties,
		"required":             required,
		"additionalProperties": q.AdditionalProperties,
	})
}
