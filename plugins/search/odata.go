package search

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/mapping"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/plugins"
)

func init() {
	plugins.RegisterSearch("ODataV4Search", newODataSearch)
}

type preMappingConfig struct {
	// MetadataPath points at the entity attribute list, e.g. "$.Attributes".
	MetadataPath string `mapstructure:"metadata_path"`
	// MetadataPathID and MetadataPathValue name the id and value fields of
	// each attribute item.
	MetadataPathID    string `mapstructure:"metadata_path_id"`
	MetadataPathValue string `mapstructure:"metadata_path_value"`
}

// odataSearch queries OData v4 endpoints. Entities carry their metadata as a
// list of name/value attribute objects; the pre-mapping step pivots that
// list into an object so mapping paths can address attributes by name.
type odataSearch struct {
	*base
	preMapping preMappingConfig
}

func newODataSearch(provider *config.ProviderConfig, cfg *config.PluginConfig) (plugins.Search, error) {
	b, err := newBase(provider, cfg)
	if err != nil {
		return nil, err
	}
	s := &odataSearch{base: b}
	if raw, ok := cfg.Field("metadata_pre_mapping"); ok {
		sub := &config.PluginConfig{Fields: map[string]any{}}
		if m, ok := raw.(map[string]any); ok {
			sub.Fields = m
		}
		if err := sub.Decode(&s.preMapping); err != nil {
			return nil, err
		}
	}
	if b.cfg.ResultsEntry == "" {
		b.cfg.ResultsEntry = "$.value"
	}
	if b.cfg.Pagination.TotalItemsNbKeyPath == "" {
		b.cfg.Pagination.TotalItemsNbKeyPath = "$['@odata.count']"
	}
	return s, nil
}

func (s *odataSearch) Query(ctx context.Context, prep *plugins.PreparedSearch) ([]*model.Product, *int, error) {
	p, err := s.prepare(prep)
	if err != nil {
		return nil, nil, err
	}
	query, err := s.buildQuery(p)
	if err != nil {
		return nil, nil, err
	}

	var products []*model.Product
	var total *int
	for _, collection := range p.collections {
		pageURL, err := renderPageTemplate(s.cfg.Pagination.NextPageURLTpl,
			pageValues(s.endpointFor(collection), query.Params.Encode(), prep))
		if err != nil {
			return nil, nil, err
		}
		raw, err := s.doRequest(ctx, http.MethodGet, pageURL, nil, "", prep.Auth)
		if err != nil {
			return nil, nil, err
		}

		doc := gjson.ParseBytes(raw)
		for _, entry := range mapping.EntriesJSON(doc, s.cfg.ResultsEntry) {
			entry = s.pivotAttributes(entry)
			product, err := s.normalizeEntry(entry, p, prep)
			if err != nil {
				return nil, nil, err
			}
			products = append(products, product)
		}
		if prep.Count {
			if n, ok := mapping.TotalJSON(doc, s.cfg.Pagination.TotalItemsNbKeyPath); ok {
				pageTotal := n
				total = addTotals(total, &pageTotal)
			}
		}
	}
	return products, total, nil
}

// pivotAttributes rewrites [{Name: x, Value: v}, ...] under the configured
// path into {x: {Name: x, Value: v}, ...}. Entries without the attribute
// list pass through unchanged.
func (s *odataSearch) pivotAttributes(entry gjson.Result) gjson.Result {
	if s.preMapping.MetadataPath == "" {
		return entry
	}
	key := strings.TrimPrefix(strings.TrimPrefix(s.preMapping.MetadataPath, "$."), ".")
	idField, valueField := s.preMapping.MetadataPathID, s.preMapping.MetadataPathValue
	if idField == "" {
		idField = "Name"
	}
	if valueField == "" {
		valueField = "Value"
	}

	list := entry.Get(key)
	if !list.Exists() || !list.IsArray() {
		return entry
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(entry.Raw), &doc); err != nil {
		return entry
	}
	pivoted := map[string]any{}
	for _, item := range list.Array() {
		name := item.Get(idField).String()
		if name == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(item.Raw), &obj); err != nil {
			continue
		}
		pivoted[name] = obj
	}
	doc[key] = pivoted

	rewritten, err := json.Marshal(doc)
	if err != nil {
		return entry
	}
	return gjson.ParseBytes(rewritten)
}
