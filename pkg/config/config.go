// Package config loads and merges the layered gateway configuration:
// built-in provider defaults, a user override file, environment variables
// and per-invocation overrides, producing the provider registry the plugin
// manager feeds on.
package config

import (
	"fmt"

	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/util"
)

// GenericProductType is the template entry a provider declares to accept
// any product type it has no explicit products entry for.
const GenericProductType = "GENERIC_PRODUCT_TYPE"

// Environment variables recognised by the loader.
const (
	EnvCfgFile            = "EODAG_CFG_FILE"
	EnvLocationsCfgFile   = "EODAG_LOCS_CFG_FILE"
	EnvProvidersWhitelist = "EODAG_PROVIDERS_WHITELIST"
	// EnvOverridePrefix starts nested config overrides of the form
	// EODAG__<PROVIDER>__<TOPIC>__<KEY>[__SUBKEY]*.
	EnvOverridePrefix = "EODAG__"
)

// PluginConfig configures one plugin instance. Type names the plugin class;
// everything plugin-specific lives in Fields and is decoded by the plugin
// itself at instantiation time.
type PluginConfig struct {
	Type        string            `yaml:"type"`
	Credentials map[string]string `yaml:"credentials,omitempty"`
	Fields      map[string]any    `yaml:",inline"`
}

// Clone deep-copies the config so merged registries never alias field maps.
func (c *PluginConfig) Clone() *PluginConfig {
	if c == nil {
		return nil
	}
	out := &PluginConfig{Type: c.Type, Fields: util.CopyMap(c.Fields)}
	if c.Credentials != nil {
		out.Credentials = make(map[string]string, len(c.Credentials))
		for k, v := range c.Credentials {
			out.Credentials[k] = v
		}
	}
	return out
}

// MergeFrom overlays other's fields onto c, preserving c's identity so
// plugin instances already holding it observe the update.
func (c *PluginConfig) MergeFrom(other *PluginConfig) {
	if other == nil {
		return
	}
	if other.Type != "" {
		c.Type = other.Type
	}
	if len(other.Credentials) > 0 {
		if c.Credentials == nil {
			c.Credentials = make(map[string]string, len(other.Credentials))
		}
		for k, v := range other.Credentials {
			c.Credentials[k] = v
		}
	}
	c.Fields = util.DeepUpdate(c.Fields, util.CopyMap(other.Fields))
}

// Field returns a plugin-specific field value.
func (c *PluginConfig) Field(name string) (any, bool) {
	v, ok := c.Fields[name]
	return v, ok
}

// StringField returns a plugin-specific field as a string.
func (c *PluginConfig) StringField(name string) string {
	if v, ok := c.Fields[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ProductSettings carries provider-specific parameters for one product
// type: the provider-side collection/product type ids, mapping overrides
// and free-form queryable defaults.
type ProductSettings map[string]any

// Reserved keys in a ProductSettings map; every other key is a queryable
// default for that product type.
var reservedProductKeys = map[string]bool{
	"collection":            true,
	"productType":           true,
	"metadata_mapping":      true,
	"fetch_metadata":        true,
	"complementary_url_key": true,
	"constraints_file_path": true,
	"constraints_file_url":  true,
	"default_bucket":        true,
	"build_safe":            true,
	"flatten_top_dirs":      true,
}

// ProviderProductType returns the provider-side product type id, falling
// back to the collection id.
func (s ProductSettings) ProviderProductType() string {
	if v, ok := s["productType"].(string); ok {
		return v
	}
	if v, ok := s["collection"].(string); ok {
		return v
	}
	return ""
}

// Collections returns the provider collections a logical product type maps
// to. A single logical type may fan out over several collections.
func (s ProductSettings) Collections() []string {
	switch v := s["collection"].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if sv, ok := item.(string); ok {
				out = append(out, sv)
			}
		}
		return out
	}
	return nil
}

// MetadataMapping returns the per-product-type mapping overrides.
func (s ProductSettings) MetadataMapping() map[string]any {
	if v, ok := s["metadata_mapping"].(map[string]any); ok {
		return v
	}
	return nil
}

// Defaults returns the free-form queryable defaults.
func (s ProductSettings) Defaults() map[string]any {
	out := map[string]any{}
	for k, v := range s {
		if reservedProductKeys[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// BuildSafe reports whether the downloaded product must be reassembled into
// the SAFE directory layout.
func (s ProductSettings) BuildSafe() bool {
	v, _ := s["build_safe"].(bool)
	return v
}

// ProviderConfig is the immutable description of one provider. After
// construction only priority and credentials may change, through the
// registry.
type ProviderConfig struct {
	Name        string   `yaml:"name"`
	Priority    int      `yaml:"priority"`
	Description string   `yaml:"description,omitempty"`
	URL         string   `yaml:"url,omitempty"`
	Group       string   `yaml:"group,omitempty"`
	Roles       []string `yaml:"roles,omitempty"`

	API          *PluginConfig `yaml:"api,omitempty"`
	Search       *PluginConfig `yaml:"search,omitempty"`
	Download     *PluginConfig `yaml:"download,omitempty"`
	Auth         *PluginConfig `yaml:"auth,omitempty"`
	SearchAuth   *PluginConfig `yaml:"search_auth,omitempty"`
	DownloadAuth *PluginConfig `yaml:"download_auth,omitempty"`

	Products map[string]ProductSettings `yaml:"products,omitempty"`
}

// Validate enforces the provider config invariants.
func (p *ProviderConfig) Validate() error {
	if p.Name == "" {
		return &errs.MisconfiguredError{Message: "provider with empty name"}
	}
	topics := 0
	for _, cfg := range []*PluginConfig{p.API, p.Search, p.Download, p.Auth, p.SearchAuth, p.DownloadAuth} {
		if cfg == nil {
			continue
		}
		topics++
		if cfg.Type == "" {
			return &errs.MisconfiguredError{Provider: p.Name, Message: "plugin config without a type"}
		}
	}
	if topics == 0 {
		return &errs.MisconfiguredError{Provider: p.Name, Message: "provider implements no plugin topic"}
	}
	if p.API != nil && (p.Search != nil || p.Download != nil || p.Auth != nil) {
		return &errs.MisconfiguredError{Provider: p.Name, Message: "api plugin excludes search/download/auth plugins"}
	}
	return nil
}

// Supports reports whether the provider publishes the product type, either
// explicitly or through a generic template entry.
func (p *ProviderConfig) Supports(productType string) bool {
	if _, ok := p.Products[productType]; ok {
		return true
	}
	_, generic := p.Products[GenericProductType]
	return generic
}

// ProductSettingsFor returns the settings for a product type, falling back
// to the generic template.
func (p *ProviderConfig) ProductSettingsFor(productType string) (ProductSettings, error) {
	if s, ok := p.Products[productType]; ok {
		return s, nil
	}
	if s, ok := p.Products[GenericProductType]; ok {
		// Generic template: the provider-side product type is the logical id.
		out := ProductSettings{}
		for k, v := range s {
			out[k] = v
		}
		if _, ok := out["productType"]; !ok {
			out["productType"] = productType
		}
		return out, nil
	}
	return nil, &errs.UnsupportedProductType{ID: productType}
}

// AuthConfigs returns the non-nil auth-topic plugin configs.
func (p *ProviderConfig) AuthConfigs() []*PluginConfig {
	var out []*PluginConfig
	for _, cfg := range []*PluginConfig{p.Auth, p.SearchAuth, p.DownloadAuth} {
		if cfg != nil {
			out = append(out, cfg)
		}
	}
	return out
}

// MergeFrom overlays other onto p: plugin sub-configs merge field by field
// preserving instance identity, scalars are overwritten when the incoming
// side is non-zero.
func (p *ProviderConfig) MergeFrom(other *ProviderConfig) {
	if other.Priority != 0 {
		p.Priority = other.Priority
	}
	if other.Description != "" {
		p.Description = other.Description
	}
	if other.URL != "" {
		p.URL = other.URL
	}
	if other.Group != "" {
		p.Group = other.Group
	}
	if len(other.Roles) > 0 {
		p.Roles = other.Roles
	}

	mergePlugin := func(dst **PluginConfig, src *PluginConfig) {
		if src == nil {
			return
		}
		if *dst == nil {
			*dst = src.Clone()
			return
		}
		(*dst).MergeFrom(src)
	}
	mergePlugin(&p.API, other.API)
	mergePlugin(&p.Search, other.Search)
	mergePlugin(&p.Download, other.Download)
	mergePlugin(&p.Auth, other.Auth)
	mergePlugin(&p.SearchAuth, other.SearchAuth)
	mergePlugin(&p.DownloadAuth, other.DownloadAuth)

	for pt, settings := range other.Products {
		if p.Products == nil {
			p.Products = map[string]ProductSettings{}
		}
		if existing, ok := p.Products[pt]; ok {
			p.Products[pt] = ProductSettings(util.DeepUpdate(existing, settings))
			continue
		}
		p.Products[pt] = settings
	}
}

func (p *ProviderConfig) String() string {
	return fmt.Sprintf("%s (priority %d)", p.Name, p.Priority)
}
