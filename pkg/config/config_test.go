package config

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProviders = `---
first:
  priority: 1
  products:
    S2_MSI_L1C:
      productType: S2MSI1C
      collection: S2ST
      cloudCover: 50
    GENERIC_PRODUCT_TYPE: {}
  search:
    type: QueryStringSearch
    api_endpoint: https://first.test/search
    metadata_mapping:
      id: '$.id'
  auth:
    type: TokenAuth
    auth_uri: https://first.test/token

second:
  priority: 2
  search:
    type: StacSearch
    api_endpoint: https://second.test/search
  download:
    type: HTTPDownload

third:
  priority: 1
  search:
    type: StacSearch
    api_endpoint: https://third.test/search
`

func TestParseProviders(t *testing.T) {
	registry, err := ParseProviders([]byte(testProviders))
	require.NoError(t, err)
	require.Equal(t, 3, registry.Len())

	first, err := registry.Get("first")
	require.NoError(t, err)
	assert.Equal(t, "first", first.Name)
	assert.Equal(t, 1, first.Priority)
	assert.Equal(t, "QueryStringSearch", first.Search.Type)
	assert.Equal(t, "https://first.test/search", first.Search.StringField("api_endpoint"))
	assert.Equal(t, "TokenAuth", first.Auth.Type)
}

func TestRegistrySortedOrder(t *testing.T) {
	registry, err := ParseProviders([]byte(testProviders))
	require.NoError(t, err)

	var names []string
	for _, p := range registry.Sorted() {
		names = append(names, p.Name)
	}
	// Priority descending, document order breaking the tie between
	// first and third.
	assert.Equal(t, []string{"second", "first", "third"}, names)

	require.NoError(t, registry.SetPriority("third", 5))
	assert.Equal(t, "third", registry.Sorted()[0].Name)
}

func TestRegistryAddRemove(t *testing.T) {
	registry := NewProviderRegistry()
	p := &ProviderConfig{Name: "p", Search: &PluginConfig{Type: "StacSearch"}}
	require.NoError(t, registry.Add(p))

	err := registry.Add(&ProviderConfig{Name: "p", Search: &PluginConfig{Type: "StacSearch"}})
	require.Error(t, err)

	require.NoError(t, registry.Remove("p"))
	require.Error(t, registry.Remove("p"))
	_, err = registry.Get("p")
	require.Error(t, err)
}

func TestProviderValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  *ProviderConfig
		ok   bool
	}{
		{"no name", &ProviderConfig{Search: &PluginConfig{Type: "x"}}, false},
		{"no topic", &ProviderConfig{Name: "p"}, false},
		{"untyped plugin", &ProviderConfig{Name: "p", Search: &PluginConfig{}}, false},
		{"api excludes search", &ProviderConfig{Name: "p", API: &PluginConfig{Type: "x"}, Search: &PluginConfig{Type: "y"}}, false},
		{"api alone", &ProviderConfig{Name: "p", API: &PluginConfig{Type: "x"}}, true},
		{"search and download", &ProviderConfig{Name: "p", Search: &PluginConfig{Type: "x"}, Download: &PluginConfig{Type: "y"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestProductSettings(t *testing.T) {
	registry, err := ParseProviders([]byte(testProviders))
	require.NoError(t, err)
	first, _ := registry.Get("first")

	assert.True(t, first.Supports("S2_MSI_L1C"))
	// Generic template accepts anything.
	assert.True(t, first.Supports("UNKNOWN"))

	s, err := first.ProductSettingsFor("S2_MSI_L1C")
	require.NoError(t, err)
	assert.Equal(t, "S2MSI1C", s.ProviderProductType())
	assert.Equal(t, []string{"S2ST"}, s.Collections())
	assert.Equal(t, map[string]any{"cloudCover": 50}, s.Defaults())

	// Through the generic template the logical id becomes the provider id.
	s, err = first.ProductSettingsFor("UNKNOWN")
	require.NoError(t, err)
	assert.Equal(t, "UNKNOWN", s.ProviderProductType())

	second, _ := registry.Get("second")
	assert.False(t, second.Supports("S2_MSI_L1C"))
	_, err = second.ProductSettingsFor("S2_MSI_L1C")
	require.Error(t, err)
}

func TestRegistryMergePreservesPluginIdentity(t *testing.T) {
	registry, err := ParseProviders([]byte(testProviders))
	require.NoError(t, err)
	first, _ := registry.Get("first")
	searchCfg := first.Search

	overlay, err := ParseProviders([]byte(`
first:
  priority: 9
  search:
    type: QueryStringSearch
    timeout: 30
  auth:
    type: TokenAuth
    credentials:
      username: u
      password: p
fourth:
  search:
    type: StacSearch
`))
	require.NoError(t, err)
	require.NoError(t, registry.Merge(overlay))

	first, _ = registry.Get("first")
	assert.Equal(t, 9, first.Priority)
	// The plugin config instance survives the merge so live plugins see it.
	assert.Same(t, searchCfg, first.Search)
	assert.Equal(t, 30, first.Search.Fields["timeout"])
	assert.Equal(t, "https://first.test/search", first.Search.StringField("api_endpoint"))
	assert.Equal(t, "u", first.Auth.Credentials["username"])

	_, err = registry.Get("fourth")
	assert.NoError(t, err)
}

func TestUpdateCredentials(t *testing.T) {
	registry, err := ParseProviders([]byte(testProviders))
	require.NoError(t, err)

	require.NoError(t, registry.UpdateCredentials("first", map[string]string{"username": "me"}))
	first, _ := registry.Get("first")
	assert.Equal(t, "me", first.Auth.Credentials["username"])

	// second has no auth topic at all.
	require.Error(t, registry.UpdateCredentials("second", map[string]string{"k": "v"}))
	require.Error(t, registry.UpdateCredentials("nope", map[string]string{"k": "v"}))
}

func TestWhitelist(t *testing.T) {
	registry, err := ParseProviders([]byte(testProviders))
	require.NoError(t, err)

	registry.Whitelist([]string{"second", " third", "unknown"})
	assert.Equal(t, 2, registry.Len())
	_, err = registry.Get("first")
	require.Error(t, err)

	// Empty whitelist keeps everything.
	registry.Whitelist(nil)
	assert.Equal(t, 2, registry.Len())
}

func TestShareCredentials(t *testing.T) {
	registry, err := ParseProviders([]byte(`
a:
  auth:
    type: TokenAuth
    matching_url: https://sso.test/
    credentials:
      username: u
      password: p
b:
  auth:
    type: TokenAuth
    matching_url: https://sso.test
c:
  auth:
    type: TokenAuth
    matching_url: https://elsewhere.test
`))
	require.NoError(t, err)
	require.NoError(t, registry.ShareCredentials())

	b, _ := registry.Get("b")
	assert.Equal(t, "u", b.Auth.Credentials["username"])
	c, _ := registry.Get("c")
	assert.Empty(t, c.Auth.Credentials)
}

func TestShareCredentialsAmbiguous(t *testing.T) {
	registry, err := ParseProviders([]byte(`
a:
  auth:
    type: TokenAuth
    matching_url: https://sso.test
    credentials:
      username: u1
b:
  auth:
    type: TokenAuth
    matching_url: https://sso.test
    credentials:
      username: u2
`))
	require.NoError(t, err)
	require.Error(t, registry.ShareCredentials())
}

func TestApplyEnvOverrides(t *testing.T) {
	raw := map[string]any{
		"peps": map[string]any{
			"search": map[string]any{"timeout": 5},
		},
	}
	err := applyEnvOverrides(raw, []string{
		"EODAG__PEPS__SEARCH__TIMEOUT=30",
		"EODAG__PEPS__PRIORITY=4",
		"EODAG__PEPS__AUTH__CREDENTIALS__USERNAME=me",
		"OTHER_VAR=ignored",
	})
	require.NoError(t, err)

	peps := raw["peps"].(map[string]any)
	assert.Equal(t, 30, peps["search"].(map[string]any)["timeout"])
	assert.Equal(t, 4, peps["priority"])
	creds := peps["auth"].(map[string]any)["credentials"].(map[string]any)
	assert.Equal(t, "me", creds["username"])

	require.Error(t, applyEnvOverrides(raw, []string{"EODAG__ONLYPROVIDER=x"}))
}

func TestCoerceScalar(t *testing.T) {
	assert.Equal(t, 42, coerceScalar("42"))
	assert.Equal(t, 1.5, coerceScalar("1.5"))
	assert.Equal(t, true, coerceScalar("true"))
	assert.Equal(t, "text", coerceScalar("text"))
}

func TestPluginConfigDecode(t *testing.T) {
	cfg := &PluginConfig{
		Type: "QueryStringSearch",
		Fields: map[string]any{
			"api_endpoint": "https://x.test",
			"timeout":      "30",
			"pagination": map[string]any{
				"max_items_per_page": 500,
			},
		},
	}

	var out struct {
		APIEndpoint string `mapstructure:"api_endpoint"`
		Timeout     int    `mapstructure:"timeout"`
		Pagination  struct {
			MaxItemsPerPage int `mapstructure:"max_items_per_page"`
		} `mapstructure:"pagination"`
	}
	require.NoError(t, cfg.Decode(&out))
	assert.Equal(t, "https://x.test", out.APIEndpoint)
	// Weak typing: strings from env overrides become ints.
	assert.Equal(t, 30, out.Timeout)
	assert.Equal(t, 500, out.Pagination.MaxItemsPerPage)
}

func TestBuiltinConfiguration(t *testing.T) {
	registry, err := ParseProviders(builtinProviders)
	require.NoError(t, err)
	assert.Greater(t, registry.Len(), 5)

	for _, p := range registry.Sorted() {
		assert.NoError(t, p.Validate(), "provider %s", p.Name)
	}

	peps, err := registry.Get("peps")
	require.NoError(t, err)
	assert.Equal(t, "QueryStringSearch", peps.Search.Type)
	assert.True(t, peps.Supports("S2_MSI_L1C"))
}

func TestBuiltinProductTypes(t *testing.T) {
	catalog, err := ParseProductTypes(builtinProductTypes, log.NewNopLogger())
	require.NoError(t, err)
	require.NotEmpty(t, catalog)

	s2, ok := catalog["S2_MSI_L1C"]
	require.True(t, ok)
	assert.Equal(t, "S2_MSI_L1C", s2.ID)
	assert.NotEmpty(t, s2.Title)
	assert.NotEmpty(t, s2.Keywords)
}

func TestParseProductTypesFillsID(t *testing.T) {
	catalog, err := ParseProductTypes([]byte(`
MY_TYPE:
  title: Some type
`), log.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, "MY_TYPE", catalog["MY_TYPE"].ID)
}
