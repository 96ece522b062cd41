package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/plugins"
)

func testProvider(name string, pluginType string, fields map[string]any) (*config.ProviderConfig, *config.PluginConfig) {
	cfg := &config.PluginConfig{Type: pluginType, Fields: fields}
	provider := &config.ProviderConfig{
		Name:   name,
		Search: cfg,
		Products: map[string]config.ProductSettings{
			"S2_MSI_L1C": {
				"productType": "S2MSI1C",
				"collection":  "S2ST",
				"cloudCover":  50,
			},
			"GENERIC_PRODUCT_TYPE": {},
		},
	}
	return provider, cfg
}

func TestQueryStringSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/S2ST/search", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "S2MSI1C", q.Get("productType"))
		assert.Equal(t, "2021-01-01", q.Get("startDate"))
		assert.Equal(t, "2", q.Get("maxRecords"))
		assert.Equal(t, "1", q.Get("page"))

		fmt.Fprint(w, `{
			"properties": {"totalResults": 42},
			"features": [{
				"id": "S2A_1",
				"properties": {"title": "S2A title", "status": "disk", "startDate": "2021-01-02T00:00:00Z"},
				"geometry": {"type": "Polygon", "coordinates": [[[0,0],[0,1],[1,1],[1,0],[0,0]]]}
			}]
		}`)
	}))
	defer srv.Close()

	provider, cfg := testProvider("peps", "QueryStringSearch", map[string]any{
		"api_endpoint":  srv.URL + "/collections/{collection}/search",
		"results_entry": "$.features",
		"pagination": map[string]any{
			"next_page_url_tpl":       "{url}?{search}&maxRecords={items_per_page}&page={page}",
			"total_items_nb_key_path": "$.properties.totalResults",
		},
		"metadata_mapping": map[string]any{
			"id":    "$.id",
			"title": "$.properties.title",
			"productType": []any{
				"productType={productType}",
				"$.properties.productType",
			},
			"startTimeFromAscendingNode": []any{
				"startDate={startTimeFromAscendingNode}",
				"$.properties.startDate",
			},
			"geometry":      "$.geometry",
			"storageStatus": "$.properties.status#replace_str(^disk$,ONLINE)",
		},
	})

	plugin, err := newQueryStringSearch(provider, cfg)
	require.NoError(t, err)

	products, total, err := plugin.Query(context.Background(), &plugins.PreparedSearch{
		ProductType:  "S2_MSI_L1C",
		Page:         1,
		ItemsPerPage: 2,
		Count:        true,
		Params:       map[string]any{"startTimeFromAscendingNode": "2021-01-01"},
	})
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.NotNil(t, total)
	assert.Equal(t, 42, *total)

	p := products[0]
	assert.Equal(t, "S2A_1", p.ID)
	assert.Equal(t, "S2A title", p.Title)
	assert.Equal(t, "peps", p.Provider)
	assert.Equal(t, "S2_MSI_L1C", p.ProductType)
	assert.Equal(t, "ONLINE", p.Properties["storageStatus"])
	// The product-type default survives since no mapping extracts it.
	assert.Equal(t, 50, p.Properties["cloudCover"])
	require.NotNil(t, p.Geometry)
	// The search snapshot keeps the effective parameters for later orders.
	assert.Equal(t, "S2MSI1C", p.SearchArgs["productType"])
}

func TestQueryStringSearchAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	provider, cfg := testProvider("peps", "QueryStringSearch", map[string]any{
		"api_endpoint":     srv.URL,
		"metadata_mapping": map[string]any{"id": "$.id"},
	})
	plugin, err := newQueryStringSearch(provider, cfg)
	require.NoError(t, err)

	_, _, err = plugin.Query(context.Background(), &plugins.PreparedSearch{
		ProductType: "S2_MSI_L1C", Page: 1, ItemsPerPage: 10,
	})
	require.True(t, errs.IsAuth(err))
}

func TestQueryStringSearchUnknownProductType(t *testing.T) {
	provider, cfg := testProvider("peps", "QueryStringSearch", map[string]any{
		"api_endpoint":     "https://unused.test",
		"metadata_mapping": map[string]any{"id": "$.id"},
	})
	provider.Products = map[string]config.ProductSettings{
		"S2_MSI_L1C": {"productType": "S2MSI1C"},
	}
	plugin, err := newQueryStringSearch(provider, cfg)
	require.NoError(t, err)

	_, _, err = plugin.Query(context.Background(), &plugins.PreparedSearch{
		ProductType: "NOT_SERVED", Page: 1, ItemsPerPage: 10,
	})
	var unsupported *errs.UnsupportedProductType
	require.ErrorAs(t, err, &unsupported)
}

func TestStacSearchAssets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{
			"context": {"matched": 1},
			"features": [{
				"id": "item-1",
				"properties": {"datetime": "2021-05-01T10:00:00Z"},
				"assets": {
					"data": {"href": "s3://bucket/item-1/B01.tif", "title": "Band 1", "roles": ["data"]},
					"thumbnail": {"href": "https://cdn.test/item-1.png"}
				}
			}]
		}`)
	}))
	defer srv.Close()

	provider, cfg := testProvider("earth_search", "StacSearch", map[string]any{
		"api_endpoint": srv.URL,
		"metadata_mapping": map[string]any{
			"id":     "$.id",
			"assets": "$.assets",
		},
	})
	plugin, err := newStacSearch(provider, cfg)
	require.NoError(t, err)

	products, total, err := plugin.Query(context.Background(), &plugins.PreparedSearch{
		ProductType: "S2_MSI_L1C", Page: 1, ItemsPerPage: 10, Count: true,
	})
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.NotNil(t, total)
	assert.Equal(t, 1, *total)

	p := products[0]
	require.Len(t, p.Assets, 2)
	assert.Equal(t, "s3://bucket/item-1/B01.tif", p.Assets["data"].Href)
	assert.Equal(t, []string{"data"}, p.Assets["data"].Roles)
	// Assets are lifted out of the property map.
	assert.NotContains(t, p.Properties, "assets")
}

func TestPostJSONSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "S2MSI1C", body["datasetId"])
		assert.Equal(t, float64(3), body["page"])
		assert.Equal(t, float64(5), body["size"])

		fmt.Fprint(w, `{"content": [{"id": "j-1"}], "totItems": 9}`)
	}))
	defer srv.Close()

	provider, cfg := testProvider("wekeo", "PostJsonSearch", map[string]any{
		"api_endpoint":  srv.URL,
		"results_entry": "$.content",
		"pagination": map[string]any{
			"next_page_query_obj":     `{{"page":{page},"size":{items_per_page}}}`,
			"total_items_nb_key_path": "$.totItems",
		},
		"metadata_mapping": map[string]any{
			"id": "$.id",
			"productType": []any{
				`{{"datasetId":"{productType}"}}`,
				"$.datasetId",
			},
		},
	})
	plugin, err := newPostJSONSearch(provider, cfg)
	require.NoError(t, err)

	products, total, err := plugin.Query(context.Background(), &plugins.PreparedSearch{
		ProductType: "S2_MSI_L1C", Page: 3, ItemsPerPage: 5, Count: true,
	})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "j-1", products[0].ID)
	require.NotNil(t, total)
	assert.Equal(t, 9, *total)
}

func TestODataSearchPivotsAttributes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "10", q.Get("$top"))
		assert.Equal(t, "10", q.Get("$skip"))
		fmt.Fprint(w, `{
			"@odata.count": 123,
			"value": [{
				"Id": "odata-1",
				"Name": "Product one",
				"Attributes": [
					{"Name": "cloudCover", "Value": 33.0},
					{"Name": "productType", "Value": "S2MSI1C"}
				]
			}]
		}`)
	}))
	defer srv.Close()

	provider, cfg := testProvider("creodias", "ODataV4Search", map[string]any{
		"api_endpoint": srv.URL,
		"pagination": map[string]any{
			"next_page_url_tpl": "{url}?{search}&$top={items_per_page}&$skip={skip}",
		},
		"metadata_pre_mapping": map[string]any{
			"metadata_path":       "$.Attributes",
			"metadata_path_id":    "Name",
			"metadata_path_value": "Value",
		},
		"metadata_mapping": map[string]any{
			"id":         "$.Id",
			"title":      "$.Name",
			"cloudCover": "$.Attributes.cloudCover.Value",
		},
	})
	plugin, err := newODataSearch(provider, cfg)
	require.NoError(t, err)

	products, total, err := plugin.Query(context.Background(), &plugins.PreparedSearch{
		ProductType: "S2_MSI_L1C", Page: 2, ItemsPerPage: 10, Count: true,
	})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "odata-1", products[0].ID)
	assert.Equal(t, "Product one", products[0].Title)
	// The attribute list was pivoted into an addressable object.
	assert.Equal(t, 33.0, products[0].Properties["cloudCover"])
	require.NotNil(t, total)
	assert.Equal(t, 123, *total)
}

func TestCSWSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		body := string(raw)
		assert.Contains(t, body, `startPosition="11"`)
		assert.Contains(t, body, `maxRecords="10"`)
		assert.Contains(t, body, "<ogc:PropertyName>dc:type</ogc:PropertyName>")
		assert.Contains(t, body, "<ogc:Literal>S2MSI1C</ogc:Literal>")

		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<?xml version="1.0"?>
<csw:GetRecordsResponse xmlns:csw="http://www.opengis.net/cat/csw/2.0.2" xmlns:dc="http://purl.org/dc/elements/1.1/">
  <csw:SearchResults numberOfRecordsMatched="27">
    <csw:Record>
      <dc:identifier>rec-1</dc:identifier>
      <dc:title>Record one</dc:title>
    </csw:Record>
    <csw:Record>
      <dc:identifier>rec-2</dc:identifier>
      <dc:title>Record two</dc:title>
    </csw:Record>
  </csw:SearchResults>
</csw:GetRecordsResponse>`)
	}))
	defer srv.Close()

	provider, cfg := testProvider("cwic", "CSWSearch", map[string]any{
		"api_endpoint": srv.URL,
		"metadata_mapping": map[string]any{
			"id":    "./dc:identifier/text()",
			"title": "./dc:title/text()",
		},
	})
	plugin, err := newCSWSearch(provider, cfg)
	require.NoError(t, err)

	products, total, err := plugin.Query(context.Background(), &plugins.PreparedSearch{
		ProductType: "S2_MSI_L1C", Page: 2, ItemsPerPage: 10, Count: true,
	})
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "rec-1", products[0].ID)
	assert.Equal(t, "Record two", products[1].Title)
	require.NotNil(t, total)
	assert.Equal(t, 27, *total)
}

func TestBuildSearchResult(t *testing.T) {
	provider, cfg := testProvider("cop_cds", "BuildSearchResult", map[string]any{
		"api_endpoint": "https://cds.test/retrieve/{productType}",
		"metadata_mapping": map[string]any{
			"productType": []any{"dataset={productType}", "$.dataset"},
		},
	})
	plugin, err := newBuildSearchResult(provider, cfg)
	require.NoError(t, err)

	params := map[string]any{
		"startTimeFromAscendingNode":      "2021-01-01",
		"completionTimeFromAscendingNode": "2021-02-01",
		"variable":                        "2m_temperature",
	}
	prep := &plugins.PreparedSearch{ProductType: "S2_MSI_L1C", Page: 1, ItemsPerPage: 20, Params: params}

	products, total, err := plugin.Query(context.Background(), prep)
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.NotNil(t, total)
	assert.Equal(t, 1, *total)

	p := products[0]
	assert.True(t, strings.HasPrefix(p.ID, "S2_MSI_L1C_20210101_20210201_"))
	assert.Equal(t, p.ID, p.Title)
	assert.True(t, p.IsOffline())
	assert.Equal(t, true, p.Properties["orderable"])
	assert.Equal(t, "https://cds.test/retrieve/{productType}", p.RemoteLocation)

	// The id is reproducible for the same request...
	again, _, err := plugin.Query(context.Background(), prep)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again[0].ID)

	// ...and changes when any parameter does.
	params["variable"] = "total_precipitation"
	other, _, err := plugin.Query(context.Background(), prep)
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, other[0].ID)
}

func TestBuildSearchResultPastFirstPage(t *testing.T) {
	provider, cfg := testProvider("cop_cds", "BuildSearchResult", map[string]any{
		"metadata_mapping": map[string]any{
			"productType": []any{"dataset={productType}", "$.dataset"},
		},
	})
	plugin, err := newBuildSearchResult(provider, cfg)
	require.NoError(t, err)

	products, total, err := plugin.Query(context.Background(), &plugins.PreparedSearch{
		ProductType: "S2_MSI_L1C", Page: 2, ItemsPerPage: 20,
	})
	require.NoError(t, err)
	assert.Empty(t, products)
	require.NotNil(t, total)
	assert.Equal(t, 1, *total)
}

func dataRequestFields(srvURL string, extra map[string]any) map[string]any {
	fields := map[string]any{
		"api_endpoint":     srvURL,
		"data_request_url": srvURL + "/datarequest",
		"status_url":       srvURL + "/status/{jobId}",
		"result_url":       srvURL + "/result/{jobId}?page={page}&size={items_per_page}",
		"results_entry":    "$.content",
		"pagination": map[string]any{
			"total_items_nb_key_path": "$.totItems",
		},
		"metadata_mapping": map[string]any{
			"id": "$.productInfo.product",
			"productType": []any{
				`{{"datasetId":"{productType}"}}`,
				"$.productInfo.datasetId",
			},
		},
		"poll_interval_s": 0.01,
		"poll_timeout_s":  5,
	}
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}

func TestDataRequestSearch(t *testing.T) {
	var statusCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/datarequest", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "S2MSI1C", body["datasetId"])
		fmt.Fprint(w, `{"jobId": "job-7"}`)
	})
	mux.HandleFunc("/status/job-7", func(w http.ResponseWriter, _ *http.Request) {
		statusCalls++
		if statusCalls < 3 {
			fmt.Fprint(w, `{"status": "running"}`)
			return
		}
		fmt.Fprint(w, `{"status": "completed"}`)
	})
	mux.HandleFunc("/result/job-7", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		fmt.Fprint(w, `{"content": [{"productInfo": {"product": "dr-1"}}], "totItems": 1}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	provider, cfg := testProvider("wekeo", "DataRequestSearch", dataRequestFields(srv.URL, nil))
	plugin, err := newDataRequestSearch(provider, cfg)
	require.NoError(t, err)

	products, total, err := plugin.Query(context.Background(), &plugins.PreparedSearch{
		ProductType: "S2_MSI_L1C", Page: 1, ItemsPerPage: 10, Count: true,
	})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "dr-1", products[0].ID)
	require.NotNil(t, total)
	assert.Equal(t, 1, *total)
	assert.GreaterOrEqual(t, statusCalls, 3)
}

func TestDataRequestSearchJobFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/datarequest", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"jobId": "job-8"}`)
	})
	mux.HandleFunc("/status/job-8", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status": "failed"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	provider, cfg := testProvider("wekeo", "DataRequestSearch", dataRequestFields(srv.URL, nil))
	plugin, err := newDataRequestSearch(provider, cfg)
	require.NoError(t, err)

	_, _, err = plugin.Query(context.Background(), &plugins.PreparedSearch{
		ProductType: "S2_MSI_L1C", Page: 1, ItemsPerPage: 10,
	})
	var re *errs.RequestError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Error(), "job-8")
}

func TestDataRequestSearchPollTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/datarequest", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"jobId": "job-9"}`)
	})
	mux.HandleFunc("/status/job-9", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status": "running"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	provider, cfg := testProvider("wekeo", "DataRequestSearch", dataRequestFields(srv.URL, map[string]any{
		"poll_timeout_s": 0.05,
	}))
	plugin, err := newDataRequestSearch(provider, cfg)
	require.NoError(t, err)

	_, _, err = plugin.Query(context.Background(), &plugins.PreparedSearch{
		ProductType: "S2_MSI_L1C", Page: 1, ItemsPerPage: 10,
	})
	require.True(t, errs.IsTimeout(err))
}
