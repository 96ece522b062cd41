package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/util"
)

// ProviderRegistry is an ordered collection of providers keyed by name.
// Iteration order is priority descending, ties broken by insertion order.
type ProviderRegistry struct {
	mu        sync.RWMutex
	order     []string
	providers map[string]*ProviderConfig
}

// NewProviderRegistry returns an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: map[string]*ProviderConfig{}}
}

// Add registers a provider, refusing duplicate names.
func (r *ProviderRegistry) Add(p *ProviderConfig) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.providers[p.Name]; dup {
		return &errs.MisconfiguredError{Provider: p.Name, Message: "provider already registered"}
	}
	r.providers[p.Name] = p
	r.order = append(r.order, p.Name)
	return nil
}

// Remove unregisters a provider, failing if absent.
func (r *ProviderRegistry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return &errs.UnsupportedProvider{Name: name}
	}
	delete(r.providers, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a provider by name.
func (r *ProviderRegistry) Get(name string) (*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, &errs.UnsupportedProvider{Name: name}
	}
	return p, nil
}

// Len returns the number of registered providers.
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Names returns provider names in insertion order.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Sorted returns providers by priority descending; equal priorities keep
// insertion order (stable).
func (r *ProviderRegistry) Sorted() []*ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ProviderConfig, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// Filter returns the providers satisfying the predicate, in sorted order.
func (r *ProviderRegistry) Filter(pred func(*ProviderConfig) bool) []*ProviderConfig {
	var out []*ProviderConfig
	for _, p := range r.Sorted() {
		if pred(p) {
			out = append(out, p)
		}
	}
	return out
}

// Merge deep-merges another registry into this one. Existing providers keep
// their PluginConfig instance identity; unknown providers are added.
func (r *ProviderRegistry) Merge(other *ProviderRegistry) error {
	for _, name := range other.Names() {
		incoming, _ := other.Get(name)
		r.mu.Lock()
		existing, ok := r.providers[name]
		r.mu.Unlock()
		if !ok {
			if err := r.Add(incoming); err != nil {
				return err
			}
			continue
		}
		r.mu.Lock()
		existing.MergeFrom(incoming)
		r.mu.Unlock()
	}
	return nil
}

// SetPriority updates a provider's priority. The plugin manager re-reads
// priorities on demand so cached instances observe the change.
func (r *ProviderRegistry) SetPriority(name string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[name]
	if !ok {
		return &errs.UnsupportedProvider{Name: name}
	}
	p.Priority = priority
	return nil
}

// UpdateCredentials sets credentials on a provider's auth configs.
func (r *ProviderRegistry) UpdateCredentials(name string, credentials map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[name]
	if !ok {
		return &errs.UnsupportedProvider{Name: name}
	}
	cfgs := p.AuthConfigs()
	if len(cfgs) == 0 {
		return &errs.MisconfiguredError{Provider: name, Message: "provider has no auth plugin to receive credentials"}
	}
	for _, cfg := range cfgs {
		if cfg.Credentials == nil {
			cfg.Credentials = map[string]string{}
		}
		for k, v := range credentials {
			cfg.Credentials[k] = v
		}
	}
	return nil
}

// Whitelist restricts the registry to the named providers. Unknown names
// are ignored; an empty list is a no-op.
func (r *ProviderRegistry) Whitelist(names []string) {
	if len(names) == 0 {
		return
	}
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[strings.TrimSpace(n)] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []string
	for _, name := range r.order {
		if allowed[name] {
			kept = append(kept, name)
			continue
		}
		delete(r.providers, name)
	}
	r.order = kept
}

// Matching keys an auth config may declare to opt into credential sharing.
const (
	matchingURLKey  = "matching_url"
	matchingConfKey = "matching_conf"
)

// ShareCredentials copies credentials between auth configs (across
// providers) that declare the same matching criteria. Matching is
// configured, never inferred. Two credentialed configs matching the same
// target with different credentials is ambiguous and rejected.
func (r *ProviderRegistry) ShareCredentials() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	type source struct {
		provider    string
		credentials map[string]string
	}
	sources := map[string]*source{}

	for _, name := range r.order {
		p := r.providers[name]
		for _, cfg := range p.AuthConfigs() {
			key := matchKey(cfg)
			if key == "" || len(cfg.Credentials) == 0 {
				continue
			}
			if existing, ok := sources[key]; ok {
				if !credentialsEqual(existing.credentials, cfg.Credentials) {
					return &errs.MisconfiguredError{Message: fmt.Sprintf(
						"ambiguous credential sharing: providers %s and %s both provide credentials for the same auth target", existing.provider, name)}
				}
				continue
			}
			sources[key] = &source{provider: name, credentials: cfg.Credentials}
		}
	}

	for _, name := range r.order {
		p := r.providers[name]
		for _, cfg := range p.AuthConfigs() {
			key := matchKey(cfg)
			if key == "" || len(cfg.Credentials) > 0 {
				continue
			}
			src, ok := sources[key]
			if !ok {
				continue
			}
			cfg.Credentials = make(map[string]string, len(src.credentials))
			for k, v := range src.credentials {
				cfg.Credentials[k] = v
			}
		}
	}
	return nil
}

func matchKey(cfg *PluginConfig) string {
	if u := cfg.StringField(matchingURLKey); u != "" {
		return "url:" + strings.TrimRight(u, "/")
	}
	if mc, ok := cfg.Fields[matchingConfKey].(map[string]any); ok && len(mc) > 0 {
		return "conf:" + util.CanonicalJSON(mc)
	}
	return ""
}

func credentialsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
