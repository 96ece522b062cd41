// Package search implements the search strategies: query-string GET
// (OpenSearch/STAC), POST-JSON, OData, CSW, deterministic build-from-request
// and the submit/poll/fetch data-request flow.
//
// All strategies share one pipeline: resolve the provider product type,
// overlay per-product-type metadata mapping, render query parameters and
// pagination, send, then normalize every result entry into a Product
// through the mapping engine.
package search

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/twpayne/go-geom"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/mapping"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util"
	"github.com/eodag/eodag/plugins"
)

// Canonical queryable names shared across providers. The gateway translates
// user-facing arguments (start, end, geom) into these before calling a
// plugin.
const (
	ParamProductType = "productType"
	ParamStartTime   = "startTimeFromAscendingNode"
	ParamEndTime     = "completionTimeFromAscendingNode"
	ParamGeometry    = "geometry"
)

type paginationConfig struct {
	NextPageURLTpl      string `mapstructure:"next_page_url_tpl"`
	NextPageQueryObj    string `mapstructure:"next_page_query_obj"`
	TotalItemsNbKeyPath string `mapstructure:"total_items_nb_key_path"`
	MaxItemsPerPage     int    `mapstructure:"max_items_per_page"`
	// StartPage is the number of the first page, usually 1.
	StartPage int `mapstructure:"start_page"`
}

type baseConfig struct {
	APIEndpoint         string                            `mapstructure:"api_endpoint"`
	NeedAuth            bool                              `mapstructure:"need_auth"`
	ResultsEntry        string                            `mapstructure:"results_entry"`
	Pagination          paginationConfig                  `mapstructure:"pagination"`
	MetadataMapping     map[string]any                    `mapstructure:"metadata_mapping"`
	FreeTextOperations  map[string]mapping.FreeTextConfig `mapstructure:"free_text_search_operations"`
	LiteralSearchParams map[string]string                 `mapstructure:"literal_search_params"`
	AuthErrorCode       []int                             `mapstructure:"auth_error_code"`
	DiscoverMetadata    *mapping.DiscoveryConfig          `mapstructure:"discover_metadata"`
	Timeout             float64                           `mapstructure:"timeout"`
}

// base carries the state and pipeline steps every strategy shares.
type base struct {
	provider     string
	providerConf *config.ProviderConfig
	cfg          baseConfig
	mapping      *mapping.Mapping
	client       *http.Client
	timeout      time.Duration
	priority     atomic.Int64
}

func newBase(provider *config.ProviderConfig, cfg *config.PluginConfig) (*base, error) {
	b := &base{provider: provider.Name, providerConf: provider}
	if err := cfg.Decode(&b.cfg); err != nil {
		return nil, err
	}
	m, err := mapping.Parse(b.cfg.MetadataMapping, nil)
	if err != nil {
		return nil, err
	}
	b.mapping = m
	b.timeout = util.DefaultTimeout
	if b.cfg.Timeout > 0 {
		b.timeout = time.Duration(b.cfg.Timeout * float64(time.Second))
	}
	b.client = util.NewHTTPClient(b.timeout)
	return b, nil
}

func (b *base) Provider() string  { return b.provider }
func (b *base) Priority() int     { return int(b.priority.Load()) }
func (b *base) SetPriority(p int) { b.priority.Store(int64(p)) }

// prepared is the resolved per-query state: provider product type,
// overlaid mapping and the full parameter set (defaults under user values).
type prepared struct {
	settings    config.ProductSettings
	mapping     *mapping.Mapping
	params      map[string]any
	collections []string
}

func (b *base) prepare(prep *plugins.PreparedSearch) (*prepared, error) {
	settings, err := b.providerConf.ProductSettingsFor(prep.ProductType)
	if err != nil {
		return nil, err
	}

	m := b.mapping
	if override := settings.MetadataMapping(); override != nil {
		parsed, err := mapping.Parse(override, nil)
		if err != nil {
			return nil, err
		}
		m = m.Merge(parsed)
	}

	params := settings.Defaults()
	for k, v := range prep.Params {
		if v != nil {
			params[k] = v
		}
	}
	params[ParamProductType] = settings.ProviderProductType()

	collections := settings.Collections()
	if len(collections) == 0 {
		collections = []string{settings.ProviderProductType()}
	}
	return &prepared{settings: settings, mapping: m, params: params, collections: collections}, nil
}

// buildQuery renders the user parameters into the provider dialect and
// applies literal and free-text parameters.
func (b *base) buildQuery(p *prepared) (*mapping.Query, error) {
	query, _, err := p.mapping.FormatQueryParams(p.params)
	if err != nil {
		return nil, err
	}
	for k, v := range b.cfg.LiteralSearchParams {
		query.Params.Set(k, v)
	}
	if len(b.cfg.FreeTextOperations) > 0 {
		freeText, err := mapping.FormatFreeText(b.cfg.FreeTextOperations, p.params)
		if err != nil {
			return nil, err
		}
		for k, vs := range freeText {
			for _, v := range vs {
				query.Params.Set(k, v)
			}
		}
	}
	return query, nil
}

// pageValues are the substitutable fields of pagination templates.
func pageValues(endpoint, search string, prep *plugins.PreparedSearch) map[string]any {
	return map[string]any{
		"url":            endpoint,
		"search":         search,
		"items_per_page": prep.ItemsPerPage,
		"page":           prep.Page,
		"skip":           (prep.Page - 1) * prep.ItemsPerPage,
	}
}

func renderPageTemplate(tpl string, values map[string]any) (string, error) {
	rendered, ok, err := mapping.RenderTemplate(tpl, values)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &errs.MisconfiguredError{Message: fmt.Sprintf("pagination template %q references unknown fields", tpl)}
	}
	return rendered, nil
}

// endpointFor substitutes the collection into the api endpoint template.
func (b *base) endpointFor(collection string) string {
	endpoint := strings.ReplaceAll(b.cfg.APIEndpoint, "{collection}", collection)
	return strings.ReplaceAll(endpoint, "{productType}", collection)
}

// doRequest sends one HTTP request with auth applied, classifying failures
// into the engine taxonomy.
func (b *base) doRequest(ctx context.Context, method, rawURL string, body []byte, contentType string, auth model.Authenticator) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, &errs.RequestError{Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if auth != nil {
		if err := auth.AuthenticateRequest(req); err != nil {
			return nil, err
		}
	}

	resp, err := b.client.Do(req)
	if cerr := util.ClassifyResponse(b.provider, resp, err, b.timeout, b.cfg.AuthErrorCode); cerr != nil {
		return nil, cerr
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// normalizeJSON turns raw JSON result entries into products: product-type
// defaults first, extracted values on top so extraction wins.
func (b *base) normalizeJSON(doc gjson.Result, p *prepared, prep *plugins.PreparedSearch) ([]*model.Product, *int, error) {
	entries := mapping.EntriesJSON(doc, b.cfg.ResultsEntry)

	products := make([]*model.Product, 0, len(entries))
	for _, entry := range entries {
		product, err := b.normalizeEntry(entry, p, prep)
		if err != nil {
			return nil, nil, err
		}
		products = append(products, product)
	}

	var total *int
	if prep.Count {
		if n, ok := mapping.TotalJSON(doc, b.cfg.Pagination.TotalItemsNbKeyPath); ok {
			total = &n
		}
	}
	return products, total, nil
}

func (b *base) normalizeEntry(entry gjson.Result, p *prepared, prep *plugins.PreparedSearch) (*model.Product, error) {
	extracted, err := p.mapping.ExtractJSON(entry)
	if err != nil {
		return nil, err
	}
	if err := p.mapping.DiscoverJSON(entry, b.cfg.DiscoverMetadata, extracted); err != nil {
		return nil, err
	}

	properties := p.settings.Defaults()
	for k, v := range extracted {
		if mapping.IsNotAvailable(v) {
			if _, hasDefault := properties[k]; hasDefault {
				continue
			}
		}
		properties[k] = v
	}
	return productFromProperties(b.provider, properties, p, prep)
}

// productFromProperties finalizes one normalized entry: the geometry
// property, when present, is parsed out of the property map into the
// product geometry.
func productFromProperties(provider string, properties map[string]any, p *prepared, prep *plugins.PreparedSearch) (*model.Product, error) {
	var geometry geom.T
	if raw, ok := properties[ParamGeometry]; ok && !mapping.IsNotAvailable(raw) {
		g, err := mapping.AsGeometry(raw)
		if err != nil {
			return nil, &errs.PluginImplementationError{Message: fmt.Sprintf("%s returned an unusable geometry: %v", provider, err)}
		}
		geometry = g
		delete(properties, ParamGeometry)
	}

	product := model.NewProduct(provider, prep.ProductType, properties, geometry)
	product.SearchArgs = snapshotParams(p.params)
	attachAssets(product)
	return product, nil
}

// attachAssets lifts a STAC-style assets object out of the properties.
func attachAssets(product *model.Product) {
	raw, ok := product.Properties["assets"].(map[string]any)
	if !ok {
		return
	}
	assets := map[string]*model.Asset{}
	for name, v := range raw {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		href, _ := obj["href"].(string)
		if href == "" {
			continue
		}
		asset := &model.Asset{Href: href}
		asset.Title, _ = obj["title"].(string)
		if roles, ok := obj["roles"].([]any); ok {
			for _, role := range roles {
				if s, ok := role.(string); ok {
					asset.Roles = append(asset.Roles, s)
				}
			}
		}
		assets[name] = asset
	}
	if len(assets) > 0 {
		product.Assets = assets
		delete(product.Properties, "assets")
	}
}

func snapshotParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = params[k]
	}
	return out
}
