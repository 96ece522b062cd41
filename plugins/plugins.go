// Package plugins defines the plugin topics (search, download, auth,
// crunch) and the registry that discovers and instantiates them on demand.
//
// Plugin implementations live in subpackages and register a constructor for
// their type name at init time; the set is closed once registration is done.
package plugins

import (
	"context"
	"fmt"
	"sync"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/model"
)

// Topic identifies a plugin family.
type Topic string

const (
	TopicAPI      Topic = "api"
	TopicSearch   Topic = "search"
	TopicDownload Topic = "download"
	TopicAuth     Topic = "auth"
	TopicCrunch   Topic = "crunch"
)

// PreparedSearch carries everything one Query call needs. Each concurrent
// search uses its own instance.
type PreparedSearch struct {
	ProductType  string
	Page         int
	ItemsPerPage int
	// Count asks the provider for the total number of matching products.
	Count bool
	Auth  model.Authenticator
	// Params are the raw user search parameters, canonical names.
	Params map[string]any
}

// Search is the common interface of all search strategies.
type Search interface {
	Provider() string
	Priority() int
	SetPriority(int)
	Query(ctx context.Context, prep *PreparedSearch) ([]*model.Product, *int, error)
}

// Download stages products to local storage.
type Download interface {
	model.Downloader
	Provider() string
}

// Auth produces request authenticators.
type Auth interface {
	Provider() string
	Authenticate(ctx context.Context) (model.Authenticator, error)
}

// Factories build plugin instances from their provider's configuration.
// Search and download factories receive the whole provider config because
// they need its per-product-type settings, not only their own sub-config.
type (
	SearchFactory   func(provider *config.ProviderConfig, cfg *config.PluginConfig) (Search, error)
	DownloadFactory func(provider *config.ProviderConfig, cfg *config.PluginConfig) (Download, error)
	AuthFactory     func(provider string, cfg *config.PluginConfig) (Auth, error)
	CrunchFactory   func(opts map[string]any) (model.Cruncher, error)
)

var (
	factoryMu         sync.RWMutex
	searchFactories   = map[string]SearchFactory{}
	downloadFactories = map[string]DownloadFactory{}
	authFactories     = map[string]AuthFactory{}
	crunchFactories   = map[string]CrunchFactory{}
)

// RegisterSearch registers a search plugin constructor under its type name.
// Registering the same name twice is a programming error.
func RegisterSearch(typeName string, f SearchFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, dup := searchFactories[typeName]; dup {
		panic(fmt.Sprintf("search plugin %q registered twice", typeName))
	}
	searchFactories[typeName] = f
}

// RegisterDownload registers a download plugin constructor.
func RegisterDownload(typeName string, f DownloadFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, dup := downloadFactories[typeName]; dup {
		panic(fmt.Sprintf("download plugin %q registered twice", typeName))
	}
	downloadFactories[typeName] = f
}

// RegisterAuth registers an authentication plugin constructor.
func RegisterAuth(typeName string, f AuthFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, dup := authFactories[typeName]; dup {
		panic(fmt.Sprintf("auth plugin %q registered twice", typeName))
	}
	authFactories[typeName] = f
}

// RegisterCrunch registers a crunch plugin constructor.
func RegisterCrunch(name string, f CrunchFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, dup := crunchFactories[name]; dup {
		panic(fmt.Sprintf("crunch plugin %q registered twice", name))
	}
	crunchFactories[name] = f
}

func searchFactory(typeName string) (SearchFactory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := searchFactories[typeName]
	return f, ok
}

func downloadFactory(typeName string) (DownloadFactory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := downloadFactories[typeName]
	return f, ok
}

func authFactory(typeName string) (AuthFactory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := authFactories[typeName]
	return f, ok
}

func crunchFactory(name string) (CrunchFactory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := crunchFactories[name]
	return f, ok
}
