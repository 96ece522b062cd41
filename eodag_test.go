package eodag

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
)

// testGateway builds a two-provider gateway over srv: alpha outranks beta and
// both serve STAC items from their own path.
func testGateway(t *testing.T, srvURL, outputs string) *Gateway {
	t.Helper()
	registry, err := config.ParseProviders([]byte(fmt.Sprintf(`
alpha:
  priority: 2
  products:
    S2_MSI_L1C:
      productType: S2MSI1C
  search:
    type: StacSearch
    api_endpoint: %[1]s/alpha
    metadata_mapping:
      id: '$.id'
      title: '$.properties.title'
      downloadLink: '$.properties.downloadLink'
  download:
    type: HTTPDownload
    outputs_prefix: %[2]s
beta:
  priority: 1
  products:
    S2_MSI_L1C:
      productType: S2MSI1C
  search:
    type: StacSearch
    api_endpoint: %[1]s/beta
    metadata_mapping:
      id: '$.id'
`, srvURL, outputs)))
	require.NoError(t, err)

	productTypes := map[string]*model.ProductType{
		"S2_MSI_L1C": {
			ID:       "S2_MSI_L1C",
			Title:    "SENTINEL2 Level-1C",
			Platform: "SENTINEL2",
			Keywords: []string{"msi", "optical"},
		},
		"S1_SAR_GRD": {
			ID:       "S1_SAR_GRD",
			Title:    "SENTINEL1 SAR GRD",
			Platform: "SENTINEL1",
			Keywords: []string{"sar", "radar"},
		},
	}
	return NewWithConfig(registry, productTypes, nil)
}

func stacItems(ids ...string) string {
	items := ""
	for i, id := range ids {
		if i > 0 {
			items += ","
		}
		items += fmt.Sprintf(`{"id": %q, "properties": {"title": "title %s"}}`, id, id)
	}
	return fmt.Sprintf(`{"context": {"matched": %d}, "features": [%s]}`, len(ids), items)
}

func TestSearchUsesHighestPriorityProvider(t *testing.T) {
	var alphaHits, betaHits int
	mux := http.NewServeMux()
	mux.HandleFunc("/alpha", func(w http.ResponseWriter, _ *http.Request) {
		alphaHits++
		fmt.Fprint(w, stacItems("a-1", "a-2"))
	})
	mux.HandleFunc("/beta", func(w http.ResponseWriter, _ *http.Request) {
		betaHits++
		fmt.Fprint(w, stacItems("b-1"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := testGateway(t, srv.URL, t.TempDir())
	result, err := g.Search(context.Background(), &SearchCriteria{ProductType: "S2_MSI_L1C", Count: true})
	require.NoError(t, err)

	assert.Equal(t, "alpha", result.Provider)
	assert.Equal(t, 2, result.Len())
	require.NotNil(t, result.TotalItems)
	assert.Equal(t, 2, *result.TotalItems)
	assert.Equal(t, 1, alphaHits)
	assert.Zero(t, betaHits)
	assert.Empty(t, result.Failures)
	// Every product carries its downloader for later staging.
	assert.NotNil(t, result.Products[0].Downloader)
}

func TestSearchFallsBackOnAuthFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/alpha", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	})
	mux.HandleFunc("/beta", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, stacItems("b-1"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := testGateway(t, srv.URL, t.TempDir())
	result, err := g.Search(context.Background(), &SearchCriteria{ProductType: "S2_MSI_L1C"})
	require.NoError(t, err)

	assert.Equal(t, "beta", result.Provider)
	assert.Equal(t, 1, result.Len())
	// The failed provider is reported alongside the result.
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "alpha", result.Failures[0].Provider)
	assert.True(t, errs.IsAuth(result.Failures[0].Err))
}

func TestSearchSurfacesFirstErrorWhenAllFail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/alpha", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	})
	mux.HandleFunc("/beta", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := testGateway(t, srv.URL, t.TempDir())
	_, err := g.Search(context.Background(), &SearchCriteria{ProductType: "S2_MSI_L1C"})
	require.True(t, errs.IsAuth(err))
	assert.Contains(t, err.Error(), "expired")
}

func TestSearchPinnedProvider(t *testing.T) {
	var alphaHits int
	mux := http.NewServeMux()
	mux.HandleFunc("/alpha", func(w http.ResponseWriter, _ *http.Request) {
		alphaHits++
		fmt.Fprint(w, stacItems("a-1"))
	})
	mux.HandleFunc("/beta", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, stacItems("b-1"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := testGateway(t, srv.URL, t.TempDir())
	result, err := g.Search(context.Background(), &SearchCriteria{ProductType: "S2_MSI_L1C", Provider: "beta"})
	require.NoError(t, err)
	assert.Equal(t, "beta", result.Provider)
	assert.Zero(t, alphaHits)

	_, err = g.Search(context.Background(), &SearchCriteria{ProductType: "S2_MSI_L1C", Provider: "nope"})
	var unsupported *errs.UnsupportedProvider
	require.ErrorAs(t, err, &unsupported)
}

func TestSearchValidatesCriteria(t *testing.T) {
	g := testGateway(t, "http://unused.test", t.TempDir())

	_, err := g.Search(context.Background(), nil)
	require.True(t, errs.IsValidation(err))

	_, err = g.Search(context.Background(), &SearchCriteria{})
	require.True(t, errs.IsValidation(err))

	_, err = g.Search(context.Background(), &SearchCriteria{
		ProductType: "S2_MSI_L1C",
		Geometry:    "not a geometry",
	})
	require.True(t, errs.IsValidation(err))
}

func TestSetPriorityReordersProviders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/alpha", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, stacItems("a-1"))
	})
	mux.HandleFunc("/beta", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, stacItems("b-1"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := testGateway(t, srv.URL, t.TempDir())
	require.NoError(t, g.SetPriority("beta", 9))

	result, err := g.Search(context.Background(), &SearchCriteria{ProductType: "S2_MSI_L1C"})
	require.NoError(t, err)
	assert.Equal(t, "beta", result.Provider)

	require.Error(t, g.SetPriority("nope", 1))
}

func TestSearchAllFollowsPagination(t *testing.T) {
	var page int
	mux := http.NewServeMux()
	mux.HandleFunc("/alpha", func(w http.ResponseWriter, _ *http.Request) {
		page++
		if page == 1 {
			fmt.Fprint(w, stacItems("a-1", "a-2"))
			return
		}
		fmt.Fprint(w, stacItems("a-3"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := testGateway(t, srv.URL, t.TempDir())
	result, err := g.SearchAll(context.Background(), &SearchCriteria{
		ProductType:  "S2_MSI_L1C",
		ItemsPerPage: 2,
	})
	require.NoError(t, err)

	// The short last page ends the iteration.
	assert.Equal(t, 3, result.Len())
	assert.Equal(t, 2, page)
	var ids []string
	for _, p := range result.Products {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"a-1", "a-2", "a-3"}, ids)
}

func TestDownloadThroughGateway(t *testing.T) {
	outputs := t.TempDir()
	mux := http.NewServeMux()
	mux.HandleFunc("/alpha", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"features": [{
			"id": "a-1",
			"properties": {"title": "a-1", "downloadLink": "http://%s/dl/a-1"}
		}]}`, r.Host)
	})
	mux.HandleFunc("/dl/a-1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "product bytes")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := testGateway(t, srv.URL, outputs)
	result, err := g.Search(context.Background(), &SearchCriteria{ProductType: "S2_MSI_L1C"})
	require.NoError(t, err)
	require.Equal(t, 1, result.Len())

	path, err := g.Download(context.Background(), result.Products[0], nil, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outputs, "a-1"), path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "product bytes", string(got))
}

func TestCrunchThroughGateway(t *testing.T) {
	g := testGateway(t, "http://unused.test", t.TempDir())
	result := &model.SearchResult{Products: []*model.Product{
		model.NewProduct("alpha", "S2_MSI_L1C", map[string]any{"id": "low", "cloudCover": 5.0}, nil),
		model.NewProduct("alpha", "S2_MSI_L1C", map[string]any{"id": "high", "cloudCover": 90.0}, nil),
	}}

	filtered, err := g.Crunch(result, "FilterProperty", map[string]any{"cloudCover": 20, "operator": "lt"})
	require.NoError(t, err)
	require.Equal(t, 1, filtered.Len())
	assert.Equal(t, "low", filtered.Products[0].ID)

	_, err = g.Crunch(result, "NoSuchFilter", nil)
	require.Error(t, err)
}

func TestListProductTypes(t *testing.T) {
	g := testGateway(t, "http://unused.test", t.TempDir())

	all, err := g.ListProductTypes("")
	require.NoError(t, err)
	var ids []string
	for _, pt := range all {
		ids = append(ids, pt.ID)
	}
	// Catalog and provider-declared types, sorted and deduplicated.
	assert.Equal(t, []string{"S1_SAR_GRD", "S2_MSI_L1C"}, ids)

	alpha, err := g.ListProductTypes("alpha")
	require.NoError(t, err)
	require.Len(t, alpha, 1)
	assert.Equal(t, "S2_MSI_L1C", alpha[0].ID)
	// Catalog metadata is filled in when available.
	assert.Equal(t, "SENTINEL2 Level-1C", alpha[0].Title)

	_, err = g.ListProductTypes("nope")
	require.Error(t, err)
}

func TestGuessProductType(t *testing.T) {
	g := testGateway(t, "http://unused.test", t.TempDir())

	ids, err := g.GuessProductType("sentinel2", "msi")
	require.NoError(t, err)
	require.NotEmpty(t, ids)
	assert.Equal(t, "S2_MSI_L1C", ids[0])

	_, err = g.GuessProductType("hyperspectral unicorn")
	var unsupported *errs.UnsupportedProductType
	require.ErrorAs(t, err, &unsupported)

	_, err = g.GuessProductType()
	require.True(t, errs.IsValidation(err))
}

func TestUpdateCredentials(t *testing.T) {
	registry, err := config.ParseProviders([]byte(`
alpha:
  products:
    S2_MSI_L1C:
      productType: S2MSI1C
  search:
    type: StacSearch
    api_endpoint: http://unused.test
  auth:
    type: GenericAuth
`))
	require.NoError(t, err)
	g := NewWithConfig(registry, nil, nil)

	require.NoError(t, g.UpdateCredentials("alpha", map[string]string{"username": "u", "password": "p"}))
	alpha, err := g.Registry().Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "u", alpha.Auth.Credentials["username"])
}
