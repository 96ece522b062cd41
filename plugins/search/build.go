package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util"
	"github.com/eodag/eodag/plugins"
)

func init() {
	plugins.RegisterSearch("BuildSearchResult", newBuildSearchResult)
}

// buildSearchResult serves providers whose catalogue is the request itself:
// meteorological archives and the like, where any parameter combination
// names a retrievable dataset. No network round trip happens at search
// time; one product is fabricated from the parameters and the download
// plugin later submits them as an order.
type buildSearchResult struct {
	*base
}

func newBuildSearchResult(provider *config.ProviderConfig, cfg *config.PluginConfig) (plugins.Search, error) {
	b, err := newBase(provider, cfg)
	if err != nil {
		return nil, err
	}
	return &buildSearchResult{base: b}, nil
}

func (s *buildSearchResult) Query(_ context.Context, prep *plugins.PreparedSearch) ([]*model.Product, *int, error) {
	p, err := s.prepare(prep)
	if err != nil {
		return nil, nil, err
	}

	// Every page past the first is empty: the result set always holds
	// exactly one fabricated product.
	one := 1
	if prep.Page > 1 {
		return nil, &one, nil
	}

	properties := p.settings.Defaults()
	for k, v := range p.params {
		if v != nil {
			properties[k] = v
		}
	}
	properties["id"] = s.productID(prep.ProductType, properties)
	properties["title"] = properties["id"]
	if s.cfg.APIEndpoint != "" {
		properties["downloadLink"] = s.cfg.APIEndpoint
	}
	properties["orderable"] = true
	properties["storageStatus"] = model.StatusOffline

	product, err := productFromProperties(s.provider, properties, p, prep)
	if err != nil {
		return nil, nil, err
	}
	return []*model.Product{product}, &one, nil
}

// productID derives a reproducible identifier so the same request always
// names the same product: the upper-cased product type, the requested date
// range and a digest of the full parameter set.
func (s *buildSearchResult) productID(productType string, properties map[string]any) string {
	hashable := map[string]any{}
	for k, v := range properties {
		hashable[k] = v
	}
	delete(hashable, "id")
	delete(hashable, "title")

	parts := []string{strings.ToUpper(productType)}
	if d, ok := compactDate(properties[ParamStartTime]); ok {
		parts = append(parts, d)
	}
	if d, ok := compactDate(properties[ParamEndTime]); ok {
		parts = append(parts, d)
	}
	parts = append(parts, util.CanonicalJSONHash(hashable))
	return strings.Join(parts, "_")
}

func compactDate(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return fmt.Sprintf("%04d%02d%02d", t.Year(), t.Month(), t.Day()), true
		}
	}
	return "", false
}
