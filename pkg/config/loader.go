package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util"
)

// Env exposes the flat EODAG_* environment surface (EODAG_CFG_FILE,
// EODAG_PROVIDERS_WHITELIST, ...) through viper. The nested EODAG__
// overrides are handled separately because their key paths are
// case-sensitive (metadata mapping names are camelCase).
func Env() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("EODAG")
	v.AutomaticEnv()
	return v
}

// Load builds the provider registry from the configuration layers:
// built-in defaults, the user file (EODAG_CFG_FILE or
// ~/.config/eodag/eodag.yml), EODAG__ environment overrides, then the
// optional whitelist.
func Load(logger kitlog.Logger) (*ProviderRegistry, error) {
	raw, order, err := parseRawProviders(builtinProviders)
	if err != nil {
		return nil, fmt.Errorf("parsing built-in providers: %w", err)
	}

	env := Env()
	userFile := env.GetString("CFG_FILE")
	if userFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			userFile = filepath.Join(home, ".config", "eodag", "eodag.yml")
		}
	}
	if userFile != "" {
		if data, err := os.ReadFile(userFile); err == nil {
			userRaw, userOrder, err := parseRawProviders(data)
			if err != nil {
				return nil, fmt.Errorf("parsing user configuration %s: %w", userFile, err)
			}
			raw = util.DeepUpdate(raw, userRaw)
			order = appendMissing(order, userOrder)
			level.Debug(logger).Log("msg", "merged user configuration", "path", userFile)
		}
	}

	if err := applyEnvOverrides(raw, os.Environ()); err != nil {
		return nil, err
	}

	registry, err := buildRegistry(raw, order)
	if err != nil {
		return nil, err
	}

	if wl := env.GetString("PROVIDERS_WHITELIST"); wl != "" {
		registry.Whitelist(strings.Split(wl, ","))
		level.Debug(logger).Log("msg", "applied providers whitelist", "whitelist", wl)
	}
	return registry, nil
}

// ParseProviders builds a registry from one YAML document, top-level map
// providerName -> ProviderConfig.
func ParseProviders(data []byte) (*ProviderRegistry, error) {
	raw, order, err := parseRawProviders(data)
	if err != nil {
		return nil, err
	}
	return buildRegistry(raw, order)
}

// LoadProductTypes parses the built-in product type catalog. Validation is
// strict or lax depending on EODAG_VALIDATE_COLLECTIONS.
func LoadProductTypes(logger kitlog.Logger) (map[string]*model.ProductType, error) {
	return ParseProductTypes(builtinProductTypes, logger)
}

// ParseProductTypes parses a product type catalog document, a top-level map
// id -> ProductType.
func ParseProductTypes(data []byte, logger kitlog.Logger) (map[string]*model.ProductType, error) {
	var catalog map[string]*model.ProductType
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parsing product types: %w", err)
	}
	for id, pt := range catalog {
		if pt == nil {
			pt = &model.ProductType{}
			catalog[id] = pt
		}
		if pt.ID == "" {
			pt.ID = id
		}
		if err := pt.Validate(logger); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

func parseRawProviders(data []byte) (map[string]any, []string, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}

	// A second decode through yaml.Node preserves the document key order,
	// which seeds provider registration order.
	var doc yaml.Node
	var order []string
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Content) > 0 {
		mapping := doc.Content[0]
		for i := 0; i+1 < len(mapping.Content); i += 2 {
			order = append(order, mapping.Content[i].Value)
		}
	}
	return raw, order, nil
}

func appendMissing(order, extra []string) []string {
	seen := make(map[string]bool, len(order))
	for _, n := range order {
		seen[n] = true
	}
	for _, n := range extra {
		if !seen[n] {
			order = append(order, n)
			seen[n] = true
		}
	}
	return order
}

func buildRegistry(raw map[string]any, order []string) (*ProviderRegistry, error) {
	registry := NewProviderRegistry()

	names := appendMissing(order, sortedKeys(raw))
	for _, name := range names {
		entry, ok := raw[name]
		if !ok {
			continue
		}
		data, err := yaml.Marshal(entry)
		if err != nil {
			return nil, err
		}
		cfg := &ProviderConfig{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errs.MisconfiguredError{Provider: name, Message: err.Error()}
		}
		cfg.Name = name
		if err := registry.Add(cfg); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// applyEnvOverrides folds EODAG__<PROVIDER>__<TOPIC>__<KEY>[__SUBKEY]*
// variables into the raw configuration tree. Path segments match existing
// keys case-insensitively so camelCase config keys stay addressable from
// upper-cased environment names.
func applyEnvOverrides(raw map[string]any, environ []string) error {
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvOverridePrefix) {
			continue
		}
		name, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		segments := strings.Split(strings.TrimPrefix(name, EnvOverridePrefix), "__")
		if len(segments) < 2 {
			return &errs.MisconfiguredError{Message: fmt.Sprintf("malformed override variable %s: need at least provider and key", name)}
		}
		setNested(raw, segments, coerceScalar(value))
	}
	return nil
}

func setNested(node map[string]any, segments []string, value any) {
	key := resolveKey(node, segments[0])
	if len(segments) == 1 {
		node[key] = value
		return
	}
	child, ok := node[key].(map[string]any)
	if !ok {
		child = map[string]any{}
		node[key] = child
	}
	setNested(child, segments[1:], value)
}

func resolveKey(node map[string]any, segment string) string {
	for k := range node {
		if strings.EqualFold(k, segment) {
			return k
		}
	}
	return strings.ToLower(segment)
}

func coerceScalar(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
