package eodag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/mapping"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util"
)

// Queryables computes the search parameters accepted for a product type:
// the common queryables, the provider-declared ones with their defaults,
// and, when the provider publishes constraints, the allowed values that
// remain once the fixed parameters are applied.
func (g *Gateway) Queryables(ctx context.Context, productType, provider string, fixed map[string]any) (*model.QueryablesDict, error) {
	dict := model.CommonQueryables()

	providerCfg, err := g.queryablesProvider(productType, provider)
	if err != nil {
		return nil, err
	}
	if providerCfg == nil {
		return dict, nil
	}

	m, settings, err := g.providerMapping(providerCfg, productType)
	if err != nil {
		return nil, err
	}

	defaults := map[string]any{}
	if settings != nil {
		defaults = settings.Defaults()
	}
	for _, name := range m.Queryables() {
		q := model.Queryable{Type: "string"}
		if existing, ok := dict.Properties[name]; ok {
			q = existing
		}
		if d, ok := defaults[name]; ok {
			q.Default = d
		}
		dict.Properties[name] = q
	}

	if settings != nil {
		if records, err := g.fetchConstraints(ctx, providerCfg, settings); err != nil {
			return nil, err
		} else if records != nil {
			if err := applyConstraints(dict, m, records, fixed, defaults); err != nil {
				return nil, err
			}
		}
	}
	return dict, nil
}

// queryablesProvider picks the provider whose queryables to report: the
// pinned one, or the highest-priority provider supporting the product type.
// nil with no error means only the common queryables apply.
func (g *Gateway) queryablesProvider(productType, provider string) (*config.ProviderConfig, error) {
	if provider != "" {
		p, err := g.registry.Get(provider)
		if err != nil {
			return nil, err
		}
		if productType != "" && !p.Supports(productType) {
			return nil, &errs.UnsupportedProductType{ID: productType}
		}
		return p, nil
	}
	if productType == "" {
		return nil, nil
	}
	candidates := g.registry.Filter(func(p *config.ProviderConfig) bool {
		return p.Supports(productType) && (p.Search != nil || p.API != nil)
	})
	if len(candidates) == 0 {
		return nil, &errs.UnsupportedProductType{ID: productType}
	}
	return candidates[0], nil
}

// providerMapping assembles the effective metadata mapping of a provider for
// a product type: the plugin-level mapping overlaid with the per-type one.
func (g *Gateway) providerMapping(provider *config.ProviderConfig, productType string) (*mapping.Mapping, config.ProductSettings, error) {
	cfg := provider.Search
	if cfg == nil {
		cfg = provider.API
	}
	raw := map[string]any{}
	if cfg != nil {
		if mm, ok := cfg.Field("metadata_mapping"); ok {
			if mmMap, ok := mm.(map[string]any); ok {
				raw = mmMap
			}
		}
	}
	m, err := mapping.Parse(raw, nil)
	if err != nil {
		return nil, nil, err
	}

	var settings config.ProductSettings
	if productType != "" {
		s, err := provider.ProductSettingsFor(productType)
		if err != nil {
			return nil, nil, err
		}
		settings = s
		if override := s.MetadataMapping(); override != nil {
			parsed, err := mapping.Parse(override, nil)
			if err != nil {
				return nil, nil, err
			}
			m = m.Merge(parsed)
		}
	}
	return m, settings, nil
}

// fetchConstraints retrieves the provider's allowed-combination records for
// a product type, nil when none are declared.
func (g *Gateway) fetchConstraints(ctx context.Context, provider *config.ProviderConfig, settings config.ProductSettings) ([]map[string][]any, error) {
	rawURL, _ := settings["constraints_file_url"].(string)
	if rawURL == "" {
		return nil, nil
	}

	client := util.NewHTTPClient(util.DefaultTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &errs.RequestError{Err: err}
	}
	resp, err := client.Do(req)
	if cerr := util.ClassifyResponse(provider.Name, resp, err, util.DefaultTimeout, nil); cerr != nil {
		return nil, cerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.RequestError{Err: err}
	}
	return parseConstraints(body)
}

// parseConstraints accepts both a bare record list and an object wrapping it
// under "constraints".
func parseConstraints(body []byte) ([]map[string][]any, error) {
	var records []map[string][]any
	if err := json.Unmarshal(body, &records); err == nil {
		return records, nil
	}
	var wrapped struct {
		Constraints []map[string][]any `json:"constraints"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Constraints != nil {
		return wrapped.Constraints, nil
	}
	return nil, &errs.RequestError{Message: "constraints document is neither a record list nor a constraints object"}
}

// applyConstraints narrows the queryables to the values the provider still
// accepts given the fixed parameters.
func applyConstraints(dict *model.QueryablesDict, m *mapping.Mapping, records []map[string][]any, fixed, defaults map[string]any) error {
	translated, err := translateFixed(m, records, fixed)
	if err != nil {
		return err
	}

	var matching []map[string][]any
	for _, record := range records {
		if recordMatches(record, translated) {
			matching = append(matching, record)
		}
	}
	if len(matching) == 0 {
		return noMatchError(records, translated)
	}

	// Union the remaining keys' values over the matching records, folding
	// fixed parameters back in so their chosen value stays visible.
	allowed := map[string][]any{}
	for _, record := range matching {
		for key, values := range record {
			if _, isFixed := translated[key]; isFixed {
				continue
			}
			allowed[key] = unionValues(allowed[key], values)
		}
	}
	for key, value := range translated {
		allowed[key] = []any{value}
	}
	for key, value := range defaults {
		if _, ok := allowed[key]; !ok {
			continue
		}
		if _, isFixed := translated[key]; !isFixed {
			if !containsValue(allowed[key], value) {
				allowed[key] = append(allowed[key], value)
			}
		}
	}

	for key, values := range allowed {
		q, ok := dict.Properties[key]
		if !ok {
			q = model.Queryable{Type: "string"}
		}
		q.Enum = values
		dict.Properties[key] = q
	}
	return nil
}

// translateFixed maps user parameter names onto the keys the constraint
// records use, via the metadata mapping's query formats. A fixed parameter
// no record knows is a ValidationError.
func translateFixed(m *mapping.Mapping, records []map[string][]any, fixed map[string]any) (map[string]any, error) {
	known := map[string]bool{}
	for _, record := range records {
		for key := range record {
			known[key] = true
		}
	}

	out := make(map[string]any, len(fixed))
	for name, value := range fixed {
		key := name
		if !known[key] {
			if entry, ok := m.Get(name); ok {
				if pk := providerKey(entry.QueryFormat); pk != "" && known[pk] {
					key = pk
				}
			}
		}
		if !known[key] {
			return nil, &errs.ValidationError{
				Message:    fmt.Sprintf("parameter %s is not constrained by this product type", name),
				Parameters: []string{name},
			}
		}
		out[key] = value
	}
	return out, nil
}

// providerKey extracts the provider-side key of a "key={value}" query
// format.
func providerKey(queryFormat string) string {
	key, _, found := strings.Cut(queryFormat, "=")
	if !found || strings.ContainsAny(key, "{}&") {
		return ""
	}
	return key
}

func recordMatches(record map[string][]any, fixed map[string]any) bool {
	for key, value := range fixed {
		values, ok := record[key]
		if !ok || !containsValue(values, value) {
			return false
		}
	}
	return true
}

func containsValue(values []any, value any) bool {
	want := fmt.Sprintf("%v", value)
	for _, v := range values {
		if fmt.Sprintf("%v", v) == want {
			return true
		}
	}
	return false
}

func unionValues(dst, src []any) []any {
	for _, v := range src {
		if !containsValue(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

// noMatchError explains why no constraint record accepts the fixed set. If
// dropping a single parameter makes the rest match, the error names that
// parameter and the values accepted alongside the others; otherwise the
// whole combination is reported as impossible.
func noMatchError(records []map[string][]any, fixed map[string]any) error {
	offenders := make([]string, 0, len(fixed))
	for key := range fixed {
		offenders = append(offenders, key)
	}
	sort.Strings(offenders)

	for _, key := range offenders {
		rest := make(map[string]any, len(fixed)-1)
		for k, v := range fixed {
			if k != key {
				rest[k] = v
			}
		}
		var allowed []any
		for _, record := range records {
			if recordMatches(record, rest) {
				allowed = unionValues(allowed, record[key])
			}
		}
		if len(allowed) > 0 {
			return &errs.ValidationError{
				Message:    fmt.Sprintf("%s=%v is not allowed, accepted values: %s", key, fixed[key], formatValues(allowed)),
				Parameters: []string{key},
			}
		}
	}

	keys := make([]string, 0, len(fixed))
	for key := range fixed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, fixed[key]))
	}
	return &errs.ValidationError{
		Message:    fmt.Sprintf("no constraint accepts the combination %s", strings.Join(parts, ", ")),
		Parameters: keys,
	}
}

func formatValues(values []any) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
