package search

import (
	"context"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/plugins"
)

func init() {
	plugins.RegisterSearch("QueryStringSearch", newQueryStringSearch)
	plugins.RegisterSearch("StacSearch", newStacSearch)
}

// queryStringSearch implements OpenSearch-style GET queries: user parameters
// are rendered into a query string and substituted into a pagination URL
// template.
type queryStringSearch struct {
	*base
}

func newQueryStringSearch(provider *config.ProviderConfig, cfg *config.PluginConfig) (plugins.Search, error) {
	b, err := newBase(provider, cfg)
	if err != nil {
		return nil, err
	}
	return &queryStringSearch{base: b}, nil
}

// newStacSearch builds a query-string search preconfigured for the STAC item
// search convention: features entry list and context.matched total.
func newStacSearch(provider *config.ProviderConfig, cfg *config.PluginConfig) (plugins.Search, error) {
	b, err := newBase(provider, cfg)
	if err != nil {
		return nil, err
	}
	if b.cfg.ResultsEntry == "" {
		b.cfg.ResultsEntry = "$.features"
	}
	if b.cfg.Pagination.TotalItemsNbKeyPath == "" {
		b.cfg.Pagination.TotalItemsNbKeyPath = "$.context.matched"
	}
	return &queryStringSearch{base: b}, nil
}

func (s *queryStringSearch) Query(ctx context.Context, prep *plugins.PreparedSearch) ([]*model.Product, *int, error) {
	p, err := s.prepare(prep)
	if err != nil {
		return nil, nil, err
	}
	query, err := s.buildQuery(p)
	if err != nil {
		return nil, nil, err
	}

	// A logical product type may fan out over several provider collections;
	// results concatenate in collection order and totals add up.
	var products []*model.Product
	var total *int
	for _, collection := range p.collections {
		pageURL, err := s.pageURL(s.endpointFor(collection), query.Params.Encode(), prep)
		if err != nil {
			return nil, nil, err
		}
		body, err := s.doRequest(ctx, http.MethodGet, pageURL, nil, "", prep.Auth)
		if err != nil {
			return nil, nil, err
		}
		pageProducts, pageTotal, err := s.normalizeJSON(gjson.ParseBytes(body), p, prep)
		if err != nil {
			return nil, nil, err
		}
		products = append(products, pageProducts...)
		total = addTotals(total, pageTotal)
	}
	return products, total, nil
}

func (s *queryStringSearch) pageURL(endpoint, search string, prep *plugins.PreparedSearch) (string, error) {
	tpl := s.cfg.Pagination.NextPageURLTpl
	if tpl == "" {
		if search == "" {
			return endpoint, nil
		}
		return endpoint + "?" + search, nil
	}
	return renderPageTemplate(tpl, pageValues(endpoint, search, prep))
}

func addTotals(acc, page *int) *int {
	if page == nil {
		return acc
	}
	if acc == nil {
		n := *page
		return &n
	}
	n := *acc + *page
	return &n
}
