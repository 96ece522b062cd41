package plugins

import (
	"fmt"
	"sync"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
)

// Manager owns the plugin instances. Instantiation is lazy and memoized per
// (provider, topic); products and search results hold non-owning references
// into this cache.
type Manager struct {
	registry *config.ProviderRegistry

	mu       sync.Mutex
	search   map[string]Search
	download map[string]Download
	auth     map[string]Auth
}

// NewManager builds a manager over a provider registry.
func NewManager(registry *config.ProviderRegistry) *Manager {
	return &Manager{
		registry: registry,
		search:   map[string]Search{},
		download: map[string]Download{},
		auth:     map[string]Auth{},
	}
}

// Registry returns the underlying provider registry.
func (m *Manager) Registry() *config.ProviderRegistry { return m.registry }

// GetSearchPlugins yields the search plugins of every provider supporting
// productType, in descending provider priority (ties keep registration
// order).
func (m *Manager) GetSearchPlugins(productType string) ([]Search, error) {
	candidates := m.registry.Filter(func(p *config.ProviderConfig) bool {
		return p.Supports(productType) && (p.Search != nil || p.API != nil)
	})
	if len(candidates) == 0 {
		return nil, &errs.UnsupportedProductType{ID: productType}
	}

	out := make([]Search, 0, len(candidates))
	for _, provider := range candidates {
		plugin, err := m.GetSearchPlugin(provider.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, plugin)
	}
	return out, nil
}

// GetSearchPlugin returns the (memoized) search plugin of one provider.
func (m *Manager) GetSearchPlugin(providerName string) (Search, error) {
	provider, err := m.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	cfg := provider.Search
	if cfg == nil {
		cfg = provider.API
	}
	if cfg == nil {
		return nil, &errs.MisconfiguredError{Provider: providerName, Message: "provider has no search plugin"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if plugin, ok := m.search[providerName]; ok {
		plugin.SetPriority(provider.Priority)
		return plugin, nil
	}

	factory, ok := searchFactory(cfg.Type)
	if !ok {
		return nil, &errs.MisconfiguredError{Provider: providerName, Message: fmt.Sprintf("unknown search plugin type %q", cfg.Type)}
	}
	plugin, err := factory(provider, cfg)
	if err != nil {
		return nil, err
	}
	plugin.SetPriority(provider.Priority)
	m.search[providerName] = plugin
	return plugin, nil
}

// GetDownloadPlugin returns the download plugin serving a product.
func (m *Manager) GetDownloadPlugin(p *model.Product) (Download, error) {
	provider, err := m.registry.Get(p.Provider)
	if err != nil {
		return nil, err
	}
	cfg := provider.Download
	if cfg == nil {
		cfg = provider.API
	}
	if cfg == nil {
		return nil, &errs.MisconfiguredError{Provider: p.Provider, Message: "provider has no download plugin"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if plugin, ok := m.download[p.Provider]; ok {
		return plugin, nil
	}

	factory, ok := downloadFactory(cfg.Type)
	if !ok {
		return nil, &errs.MisconfiguredError{Provider: p.Provider, Message: fmt.Sprintf("unknown download plugin type %q", cfg.Type)}
	}
	plugin, err := factory(provider, cfg)
	if err != nil {
		return nil, err
	}
	m.download[p.Provider] = plugin
	return plugin, nil
}

// GetAuthPlugin returns the auth plugin for a provider and topic. Search
// and download fall back to the provider's common auth config when no
// topic-specific one is declared. nil means the provider needs no auth.
func (m *Manager) GetAuthPlugin(providerName string, topic Topic) (Auth, error) {
	provider, err := m.registry.Get(providerName)
	if err != nil {
		return nil, err
	}

	var cfg *config.PluginConfig
	switch topic {
	case TopicSearch:
		cfg = provider.SearchAuth
	case TopicDownload:
		cfg = provider.DownloadAuth
	}
	if cfg == nil {
		cfg = provider.Auth
	}
	if cfg == nil {
		return nil, nil
	}

	key := providerName + "/" + cfg.Type
	m.mu.Lock()
	defer m.mu.Unlock()
	if plugin, ok := m.auth[key]; ok {
		return plugin, nil
	}

	factory, ok := authFactory(cfg.Type)
	if !ok {
		return nil, &errs.MisconfiguredError{Provider: providerName, Message: fmt.Sprintf("unknown auth plugin type %q", cfg.Type)}
	}
	plugin, err := factory(providerName, cfg)
	if err != nil {
		return nil, err
	}
	m.auth[key] = plugin
	return plugin, nil
}

// GetCrunchPlugin builds a crunch plugin by name. Crunchers are cheap and
// stateless, so they are not memoized.
func (m *Manager) GetCrunchPlugin(name string, opts map[string]any) (model.Cruncher, error) {
	factory, ok := crunchFactory(name)
	if !ok {
		return nil, &errs.MisconfiguredError{Message: fmt.Sprintf("unknown crunch plugin %q", name)}
	}
	return factory(opts)
}

// SetPriority changes a provider's priority; cached search instances pick
// the new value up in place.
func (m *Manager) SetPriority(providerName string, priority int) error {
	if err := m.registry.SetPriority(providerName, priority); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if plugin, ok := m.search[providerName]; ok {
		plugin.SetPriority(priority)
	}
	return nil
}
