package eodag

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
)

const testConstraints = `[
	{
		"dataset": ["reanalysis-era5"],
		"variable": ["2m_temperature", "total_precipitation"],
		"year": ["2020", "2021"],
		"month": ["01", "02"]
	},
	{
		"dataset": ["reanalysis-era5"],
		"variable": ["snow_depth"],
		"year": ["2021"],
		"month": ["03"]
	}
]`

// constraintsGateway builds a one-provider gateway whose ERA5 product type
// publishes a constraints file served by srv.
func constraintsGateway(t *testing.T, srvURL string) *Gateway {
	t.Helper()
	registry, err := config.ParseProviders([]byte(fmt.Sprintf(`
gamma:
  products:
    ERA5:
      productType: reanalysis-era5
      variable: 2m_temperature
      constraints_file_url: %s/constraints
  search:
    type: BuildSearchResult
    metadata_mapping:
      productType: ['dataset={productType}', '$.dataset']
      variable: ['variable={variable}', '$.variable']
      year: ['year={year}', '$.year']
      month: ['month={month}', '$.month']
`, srvURL)))
	require.NoError(t, err)
	return NewWithConfig(registry, nil, nil)
}

func TestQueryablesCommonOnly(t *testing.T) {
	g := NewWithConfig(config.NewProviderRegistry(), nil, nil)

	dict, err := g.Queryables(context.Background(), "", "", nil)
	require.NoError(t, err)
	assert.Contains(t, dict.Properties, "collection")
	assert.Contains(t, dict.Properties, "datetime")
	assert.True(t, dict.AdditionalProperties)
}

func TestQueryablesProviderDefaults(t *testing.T) {
	g := constraintsGateway(t, "http://unused.test")
	// Without a product type there are no settings, so no constraints fetch.
	dict, err := g.Queryables(context.Background(), "", "gamma", nil)
	require.NoError(t, err)

	// Queryable pairs from the mapping appear alongside the common set.
	assert.Contains(t, dict.Properties, "variable")
	assert.Contains(t, dict.Properties, "year")
	assert.Contains(t, dict.Properties, "collection")
}

func TestQueryablesConstraints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, testConstraints)
	}))
	defer srv.Close()
	g := constraintsGateway(t, srv.URL)

	t.Run("unconstrained union", func(t *testing.T) {
		dict, err := g.Queryables(context.Background(), "ERA5", "gamma", nil)
		require.NoError(t, err)

		assert.ElementsMatch(t, []any{"2m_temperature", "total_precipitation", "snow_depth"},
			dict.Properties["variable"].Enum)
		assert.ElementsMatch(t, []any{"2020", "2021"}, dict.Properties["year"].Enum)
		assert.ElementsMatch(t, []any{"01", "02", "03"}, dict.Properties["month"].Enum)
		// The product-type default is carried on the queryable.
		assert.Equal(t, "2m_temperature", dict.Properties["variable"].Default)
	})

	t.Run("fixing a value narrows the rest", func(t *testing.T) {
		dict, err := g.Queryables(context.Background(), "ERA5", "gamma", map[string]any{
			"variable": "snow_depth",
		})
		require.NoError(t, err)

		assert.Equal(t, []any{"snow_depth"}, dict.Properties["variable"].Enum)
		assert.Equal(t, []any{"2021"}, dict.Properties["year"].Enum)
		assert.Equal(t, []any{"03"}, dict.Properties["month"].Enum)
	})

	t.Run("fixing more never widens", func(t *testing.T) {
		one, err := g.Queryables(context.Background(), "ERA5", "gamma", map[string]any{
			"year": "2021",
		})
		require.NoError(t, err)
		two, err := g.Queryables(context.Background(), "ERA5", "gamma", map[string]any{
			"year": "2021", "month": "03",
		})
		require.NoError(t, err)
		assert.Subset(t, one.Properties["variable"].Enum, two.Properties["variable"].Enum)
	})

	t.Run("user names translate to record keys", func(t *testing.T) {
		// "productType" reaches the records as "dataset" via the mapping's
		// query format.
		dict, err := g.Queryables(context.Background(), "ERA5", "gamma", map[string]any{
			"productType": "reanalysis-era5",
		})
		require.NoError(t, err)
		assert.Equal(t, []any{"reanalysis-era5"}, dict.Properties["dataset"].Enum)
	})

	t.Run("unknown fixed parameter", func(t *testing.T) {
		_, err := g.Queryables(context.Background(), "ERA5", "gamma", map[string]any{
			"frobnicate": "x",
		})
		require.True(t, errs.IsValidation(err))
		assert.Contains(t, err.Error(), "frobnicate")
	})

	t.Run("single offending value", func(t *testing.T) {
		_, err := g.Queryables(context.Background(), "ERA5", "gamma", map[string]any{
			"variable": "sea_surface_height",
		})
		require.True(t, errs.IsValidation(err))
		assert.Contains(t, err.Error(), "variable")
		assert.Contains(t, err.Error(), "snow_depth")
	})

	t.Run("impossible combination", func(t *testing.T) {
		_, err := g.Queryables(context.Background(), "ERA5", "gamma", map[string]any{
			"variable": "sea_surface_height",
			"year":     "1999",
		})
		require.True(t, errs.IsValidation(err))
		assert.Contains(t, err.Error(), "combination")
	})
}

func TestQueryablesUnknownTargets(t *testing.T) {
	g := constraintsGateway(t, "http://unused.test")

	_, err := g.Queryables(context.Background(), "NOT_SERVED", "gamma", nil)
	var unsupportedType *errs.UnsupportedProductType
	require.ErrorAs(t, err, &unsupportedType)

	_, err = g.Queryables(context.Background(), "ERA5", "nope", nil)
	var unsupportedProvider *errs.UnsupportedProvider
	require.ErrorAs(t, err, &unsupportedProvider)
}

func TestParseConstraintsShapes(t *testing.T) {
	records, err := parseConstraints([]byte(`{"constraints": [{"year": ["2020"]}]}`))
	require.NoError(t, err)
	require.Len(t, records, 1)

	records, err = parseConstraints([]byte(`[{"year": ["2020"]}]`))
	require.NoError(t, err)
	require.Len(t, records, 1)

	_, err = parseConstraints([]byte(`"nope"`))
	require.Error(t, err)
}
