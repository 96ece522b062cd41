package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/mapping"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util"
	"github.com/eodag/eodag/plugins"
)

func init() {
	plugins.RegisterSearch("PostJsonSearch", newPostJSONSearch)
}

// postJSONSearch sends the rendered query as a JSON body. Query fragments
// that render to query-string pairs are folded into the body as well, so a
// mapping may mix both styles.
type postJSONSearch struct {
	*base
}

func newPostJSONSearch(provider *config.ProviderConfig, cfg *config.PluginConfig) (plugins.Search, error) {
	b, err := newBase(provider, cfg)
	if err != nil {
		return nil, err
	}
	return &postJSONSearch{base: b}, nil
}

func (s *postJSONSearch) Query(ctx context.Context, prep *plugins.PreparedSearch) ([]*model.Product, *int, error) {
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
		body, err := s.requestBody(query, collection, prep)
		if err != nil {
			return nil, nil, err
		}
		raw, err := s.doRequest(ctx, http.MethodPost, s.endpointFor(collection), body, "application/json", prep.Auth)
		if err != nil {
			return nil, nil, err
		}
		pageProducts, pageTotal, err := s.normalizeJSON(gjson.ParseBytes(raw), p, prep)
		if err != nil {
			return nil, nil, err
		}
		products = append(products, pageProducts...)
		total = addTotals(total, pageTotal)
	}
	return products, total, nil
}

// requestBody merges the rendered search body with the pagination object.
// Stray query-string pairs become top-level body fields.
func (s *postJSONSearch) requestBody(query *mapping.Query, collection string, prep *plugins.PreparedSearch) ([]byte, error) {
	body := util.CopyMap(query.Body)
	for k, vs := range query.Params {
		if len(vs) > 0 {
			body[k] = vs[len(vs)-1]
		}
	}

	if tpl := s.cfg.Pagination.NextPageQueryObj; tpl != "" {
		rendered, err := renderPageTemplate(tpl, pageValues(s.endpointFor(collection), "", prep))
		if err != nil {
			return nil, err
		}
		rendered = strings.ReplaceAll(strings.ReplaceAll(rendered, "{{", "{"), "}}", "}")
		var pageObj map[string]any
		if err := json.Unmarshal([]byte(rendered), &pageObj); err != nil {
			return nil, &errs.MisconfiguredError{Provider: s.provider, Message: fmt.Sprintf("next_page_query_obj renders to invalid JSON: %v", err)}
		}
		body = util.DeepUpdate(body, pageObj)
	}
	return json.Marshal(body)
}
