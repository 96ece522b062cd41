// Package eodag is a federation gateway over Earth Observation catalogues:
// one product search and download API spanning heterogeneous providers, each
// described by configuration and served by pluggable search, download and
// authentication strategies.
package eodag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/mapping"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/plugins"
	_ "github.com/eodag/eodag/plugins/auth"
	_ "github.com/eodag/eodag/plugins/crunch"
	"github.com/eodag/eodag/plugins/download"
	searchplugins "github.com/eodag/eodag/plugins/search"
)

// Pagination defaults.
const (
	DefaultItemsPerPage = 20
	// MaxSearchAllItems caps SearchAll so a misreported total cannot make
	// it page forever.
	MaxSearchAllItems = 10000
)

// Gateway federates providers behind one search/download API. It is safe
// for concurrent use; all mutable state lives behind the registry and
// plugin manager locks.
type Gateway struct {
	logger       kitlog.Logger
	registry     *config.ProviderRegistry
	manager      *plugins.Manager
	productTypes map[string]*model.ProductType
}

// New builds a gateway from the layered configuration: built-in providers,
// the user file, environment overrides.
func New(logger kitlog.Logger) (*Gateway, error) {
	registry, err := config.Load(logger)
	if err != nil {
		return nil, err
	}
	productTypes, err := config.LoadProductTypes(logger)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(registry, productTypes, logger), nil
}

// NewWithConfig builds a gateway over an explicit registry and catalog,
// bypassing the configuration layers. Tests and embedders use this.
func NewWithConfig(registry *config.ProviderRegistry, productTypes map[string]*model.ProductType, logger kitlog.Logger) *Gateway {
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	if productTypes == nil {
		productTypes = map[string]*model.ProductType{}
	}
	return &Gateway{
		logger:       logger,
		registry:     registry,
		manager:      plugins.NewManager(registry),
		productTypes: productTypes,
	}
}

// Registry exposes the provider registry for inspection.
func (g *Gateway) Registry() *config.ProviderRegistry { return g.registry }

// SearchCriteria describes one search. ProductType is mandatory; Provider
// pins the search to one provider instead of the priority fan-out. Geometry
// accepts WKT, a GeoJSON object, a go-geom geometry or a "minx,miny,maxx,maxy"
// bounding box.
type SearchCriteria struct {
	ProductType string
	Provider    string

	Geometry   any
	Start, End string

	Page         int
	ItemsPerPage int
	Count        bool

	// Extra carries additional queryables under their canonical names.
	Extra map[string]any
}

func (c *SearchCriteria) params() (map[string]any, error) {
	params := make(map[string]any, len(c.Extra)+3)
	for k, v := range c.Extra {
		params[k] = v
	}
	if c.Start != "" {
		params[searchplugins.ParamStartTime] = c.Start
	}
	if c.End != "" {
		params[searchplugins.ParamEndTime] = c.End
	}
	if c.Geometry != nil {
		g, err := mapping.AsGeometry(c.Geometry)
		if err != nil {
			return nil, &errs.ValidationError{Message: fmt.Sprintf("invalid search geometry: %v", err), Parameters: []string{"geometry"}}
		}
		params[searchplugins.ParamGeometry] = g
	}
	return params, nil
}

// Search queries one page. With a pinned provider only that provider is
// tried; otherwise providers supporting the product type are tried in
// priority order until one succeeds, and the first error surfaces if none
// does. Every returned product carries its downloader and download
// authenticator.
func (g *Gateway) Search(ctx context.Context, criteria *SearchCriteria) (*model.SearchResult, error) {
	if criteria == nil || criteria.ProductType == "" {
		return nil, &errs.ValidationError{Message: "a product type is required", Parameters: []string{"productType"}}
	}
	params, err := criteria.params()
	if err != nil {
		return nil, err
	}

	candidates, err := g.searchCandidates(criteria)
	if err != nil {
		return nil, err
	}

	page := criteria.Page
	if page <= 0 {
		page = 1
	}
	itemsPerPage := criteria.ItemsPerPage
	if itemsPerPage <= 0 {
		itemsPerPage = DefaultItemsPerPage
	}

	var failures []model.ProviderFailure
	var firstErr error
	for _, plugin := range candidates {
		result, err := g.searchOne(ctx, plugin, criteria.ProductType, params, page, itemsPerPage, criteria.Count)
		if err == nil {
			result.Failures = failures
			return result, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		failures = append(failures, model.ProviderFailure{Provider: plugin.Provider(), Err: err})
		if !fallbackWorthy(err) || len(candidates) == 1 {
			break
		}
		level.Warn(g.logger).Log("msg", "provider failed, falling back", "provider", plugin.Provider(), "err", err)
	}
	return nil, firstErr
}

func (g *Gateway) searchCandidates(criteria *SearchCriteria) ([]plugins.Search, error) {
	if criteria.Provider != "" {
		provider, err := g.registry.Get(criteria.Provider)
		if err != nil {
			return nil, err
		}
		if !provider.Supports(criteria.ProductType) {
			return nil, &errs.UnsupportedProductType{ID: criteria.ProductType}
		}
		plugin, err := g.manager.GetSearchPlugin(criteria.Provider)
		if err != nil {
			return nil, err
		}
		return []plugins.Search{plugin}, nil
	}
	return g.manager.GetSearchPlugins(criteria.ProductType)
}

func (g *Gateway) searchOne(ctx context.Context, plugin plugins.Search, productType string, params map[string]any, page, itemsPerPage int, count bool) (*model.SearchResult, error) {
	authenticator, err := g.authenticator(ctx, plugin.Provider(), plugins.TopicSearch)
	if err != nil {
		return nil, err
	}

	prep := &plugins.PreparedSearch{
		ProductType:  productType,
		Page:         page,
		ItemsPerPage: itemsPerPage,
		Count:        count,
		Auth:         authenticator,
		Params:       params,
	}
	products, total, err := plugin.Query(ctx, prep)
	if err != nil {
		return nil, err
	}

	for _, product := range products {
		if err := g.attachDownloader(ctx, product); err != nil {
			level.Debug(g.logger).Log("msg", "no downloader for product", "provider", product.Provider, "err", err)
		}
	}
	return &model.SearchResult{Products: products, TotalItems: total, Provider: plugin.Provider()}, nil
}

// authenticator resolves and runs the provider's auth plugin for a topic.
// nil means the provider needs no authentication there.
func (g *Gateway) authenticator(ctx context.Context, provider string, topic plugins.Topic) (model.Authenticator, error) {
	authPlugin, err := g.manager.GetAuthPlugin(provider, topic)
	if err != nil {
		return nil, err
	}
	if authPlugin == nil {
		return nil, nil
	}
	return authPlugin.Authenticate(ctx)
}

func (g *Gateway) attachDownloader(ctx context.Context, product *model.Product) error {
	downloader, err := g.manager.GetDownloadPlugin(product)
	if err != nil {
		return err
	}
	authenticator, err := g.authenticator(ctx, product.Provider, plugins.TopicDownload)
	if err != nil {
		return err
	}
	product.Downloader = downloader
	product.DownloaderAuth = authenticator
	return nil
}

// fallbackWorthy reports whether another provider may succeed where this one
// failed. Configuration and validation errors follow the request to every
// provider, so retrying elsewhere cannot help.
func fallbackWorthy(err error) bool {
	return !errs.IsMisconfigured(err) && !errs.IsValidation(err)
}

// SearchIterator yields one result page per Next call.
type SearchIterator struct {
	gateway  *Gateway
	criteria SearchCriteria
	page     int
	done     bool
	yielded  int
}

// SearchIter starts a paginated search at the criteria's page (or 1).
func (g *Gateway) SearchIter(criteria *SearchCriteria) *SearchIterator {
	it := &SearchIterator{gateway: g, criteria: *criteria}
	it.page = it.criteria.Page
	if it.page <= 0 {
		it.page = 1
	}
	if it.criteria.ItemsPerPage <= 0 {
		it.criteria.ItemsPerPage = DefaultItemsPerPage
	}
	return it
}

// Next fetches the next page. It returns nil once the result set is
// exhausted or the iteration cap is reached.
func (it *SearchIterator) Next(ctx context.Context) (*model.SearchResult, error) {
	if it.done {
		return nil, nil
	}
	criteria := it.criteria
	criteria.Page = it.page
	result, err := it.gateway.Search(ctx, &criteria)
	if err != nil {
		it.done = true
		return nil, err
	}

	// After the first page the iteration is pinned to the provider that
	// served it, so pages stay consistent.
	if it.criteria.Provider == "" {
		it.criteria.Provider = result.Provider
	}

	it.page++
	it.yielded += result.Len()
	if result.Len() < it.criteria.ItemsPerPage || it.yielded >= MaxSearchAllItems {
		it.done = true
	}
	if result.TotalItems != nil && it.yielded >= *result.TotalItems {
		it.done = true
	}
	if result.Len() == 0 {
		it.done = true
		return nil, nil
	}
	return result, nil
}

// SearchAll follows pagination to exhaustion (or the iteration cap) and
// returns the merged result.
func (g *Gateway) SearchAll(ctx context.Context, criteria *SearchCriteria) (*model.SearchResult, error) {
	it := g.SearchIter(criteria)
	merged := &model.SearchResult{}
	for {
		page, err := it.Next(ctx)
		if err != nil {
			if merged.Len() > 0 {
				level.Warn(g.logger).Log("msg", "pagination aborted, returning partial results", "err", err)
				return merged, nil
			}
			return nil, err
		}
		if page == nil {
			return merged, nil
		}
		if merged.Len() == 0 {
			merged.Provider = page.Provider
			merged.TotalItems = page.TotalItems
		}
		merged.Extend(page)
	}
}

// Download stages one product and returns its local path.
func (g *Gateway) Download(ctx context.Context, product *model.Product, opts *model.DownloadOptions, progress model.ProgressFunc) (string, error) {
	if product.Downloader == nil {
		if err := g.attachDownloader(ctx, product); err != nil {
			return "", err
		}
	}
	return product.Download(ctx, opts, progress)
}

// DownloadAll stages every product through the retry scheduler; paths come
// back in completion order.
func (g *Gateway) DownloadAll(ctx context.Context, products []*model.Product, opts *model.DownloadOptions, progress model.ProgressFunc) ([]string, error) {
	for _, product := range products {
		if product.Downloader == nil {
			if err := g.attachDownloader(ctx, product); err != nil {
				return nil, err
			}
		}
	}
	return download.DownloadAll(ctx, products, opts, progress)
}

// Crunch filters a search result through a named crunch plugin.
func (g *Gateway) Crunch(result *model.SearchResult, name string, opts map[string]any) (*model.SearchResult, error) {
	cruncher, err := g.manager.GetCrunchPlugin(name, opts)
	if err != nil {
		return nil, err
	}
	return result.Crunch(cruncher, opts)
}

// ListProductTypes enumerates the catalog: every built-in product type, or
// the subset one provider supports. Provider product types missing from the
// built-in catalog appear as bare entries.
func (g *Gateway) ListProductTypes(provider string) ([]*model.ProductType, error) {
	ids := map[string]bool{}
	if provider == "" {
		for id := range g.productTypes {
			ids[id] = true
		}
		for _, p := range g.registry.Sorted() {
			for id := range p.Products {
				if id != config.GenericProductType {
					ids[id] = true
				}
			}
		}
	} else {
		p, err := g.registry.Get(provider)
		if err != nil {
			return nil, err
		}
		for id := range p.Products {
			if id != config.GenericProductType {
				ids[id] = true
			}
		}
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	out := make([]*model.ProductType, 0, len(sorted))
	for _, id := range sorted {
		if pt, ok := g.productTypes[id]; ok {
			out = append(out, pt)
			continue
		}
		out = append(out, &model.ProductType{ID: id})
	}
	return out, nil
}

// GuessProductType ranks the built-in catalog against free-text keywords and
// returns the matching ids, best first.
func (g *Gateway) GuessProductType(keywords ...string) ([]string, error) {
	if len(keywords) == 0 {
		return nil, &errs.ValidationError{Message: "at least one keyword is required", Parameters: []string{"keywords"}}
	}

	type scored struct {
		id    string
		score int
	}
	var matches []scored
	for id, pt := range g.productTypes {
		score := 0
		haystack := strings.ToLower(strings.Join([]string{
			id, pt.Title, pt.Abstract, pt.Platform, pt.PlatformSerialIdentifier,
			pt.InstrumentID, pt.Constellation, pt.ProcessingLevel, pt.SensorType,
			strings.Join(pt.Keywords, " "),
		}, " "))
		for _, kw := range keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(haystack, strings.ToLower(kw)) {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{id: id, score: score})
		}
	}
	if len(matches) == 0 {
		return nil, &errs.UnsupportedProductType{ID: strings.Join(keywords, " ")}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].id < matches[j].id
	})
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.id)
	}
	return out, nil
}

// SetPriority promotes a provider for subsequent searches.
func (g *Gateway) SetPriority(provider string, priority int) error {
	return g.manager.SetPriority(provider, priority)
}

// UpdateCredentials injects credentials into every auth topic of a provider
// and shares them with providers configured against the same endpoints.
func (g *Gateway) UpdateCredentials(provider string, credentials map[string]string) error {
	if err := g.registry.UpdateCredentials(provider, credentials); err != nil {
		return err
	}
	return g.registry.ShareCredentials()
}
