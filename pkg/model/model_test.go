package model

import (
	"context"
	"encoding/json"
	"testing"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func TestNewProduct(t *testing.T) {
	props := map[string]any{
		"id":           "S2A_1",
		"downloadLink": "https://p.test/dl/S2A_1",
		"cloudCover":   12.5,
	}
	p := NewProduct("peps", "S2_MSI_L1C", props, nil)

	assert.Equal(t, "S2A_1", p.ID)
	// Title falls back to the id.
	assert.Equal(t, "S2A_1", p.Title)
	assert.Equal(t, "https://p.test/dl/S2A_1", p.RemoteLocation)
	assert.Equal(t, p.RemoteLocation, p.Location)
	assert.Equal(t, "peps", p.Provider)
}

func TestProductIsOffline(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{StatusOnline, false},
		{StatusOffline, true},
		{StatusStaging, true},
		{"", false},
	}
	for _, tt := range tests {
		p := NewProduct("p", "t", map[string]any{PropertyStorageStatus: tt.status}, nil)
		assert.Equal(t, tt.want, p.IsOffline(), "status %q", tt.status)
	}
}

func TestProductDownloadWithoutDownloader(t *testing.T) {
	p := NewProduct("p", "t", map[string]any{"id": "x"}, nil)
	_, err := p.Download(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestProductAsGeoJSON(t *testing.T) {
	pt := geom.NewPointFlat(geom.XY, []float64{1, 2})
	p := NewProduct("peps", "S2_MSI_L1C", map[string]any{"id": "a", "cloudCover": 5.0}, pt)
	p.Assets = map[string]*Asset{"data": {Href: "https://x.test/a.tif"}}

	raw, err := p.AsGeoJSON()
	require.NoError(t, err)

	var feature map[string]any
	require.NoError(t, json.Unmarshal(raw, &feature))
	assert.Equal(t, "Feature", feature["type"])
	assert.Equal(t, "a", feature["id"])
	props := feature["properties"].(map[string]any)
	assert.Equal(t, "peps", props["provider"])
	assert.Equal(t, "S2_MSI_L1C", props["productType"])
	geometry := feature["geometry"].(map[string]any)
	assert.Equal(t, "Point", geometry["type"])
	assert.Contains(t, feature, "assets")
}

func TestAssetValidate(t *testing.T) {
	assert.NoError(t, (&Asset{Href: "https://x.test/a.tif"}).Validate())
	assert.NoError(t, (&Asset{Href: "s3://bucket/key"}).Validate())
	assert.NoError(t, (&Asset{Href: "file:///tmp/a"}).Validate())
	assert.Error(t, (&Asset{Href: "ftp://x.test/a"}).Validate())
}

func TestSearchResultExtend(t *testing.T) {
	mk := func(provider, id string) *Product {
		return NewProduct(provider, "t", map[string]any{"id": id}, nil)
	}
	a := &SearchResult{Products: []*Product{mk("p1", "a"), mk("p1", "b")}, Provider: "p1"}
	b := &SearchResult{
		Products: []*Product{mk("p1", "b"), mk("p2", "b"), mk("p2", "c")},
		Provider: "p2",
		Failures: []ProviderFailure{{Provider: "p3"}},
	}

	a.Extend(b)

	var keys []string
	for _, p := range a.Products {
		keys = append(keys, p.Provider+"/"+p.ID)
	}
	// Same id from a different provider is not a duplicate.
	assert.Equal(t, []string{"p1/a", "p1/b", "p2/b", "p2/c"}, keys)
	assert.Len(t, a.Failures, 1)
	// Mixed origins clear the provider tag.
	assert.Empty(t, a.Provider)
}

type dropAllCruncher struct{}

func (dropAllCruncher) Proceed([]*Product, map[string]any) ([]*Product, error) {
	return nil, nil
}

func TestSearchResultCrunch(t *testing.T) {
	r := &SearchResult{Products: []*Product{NewProduct("p", "t", map[string]any{"id": "a"}, nil)}}
	out, err := r.Crunch(dropAllCruncher{}, nil)
	require.NoError(t, err)
	assert.Zero(t, out.Len())
	// The original result is untouched.
	assert.Equal(t, 1, r.Len())
}

func TestQueryablesDict(t *testing.T) {
	dict := CommonQueryables()
	assert.True(t, dict.AdditionalProperties)
	assert.Contains(t, dict.Properties, "collection")

	names := dict.Names()
	assert.Contains(t, names, "datetime")
	// Aliased start/end fields are hidden from the top-level listing.
	assert.NotContains(t, names, "start_datetime")

	dict.Merge(&QueryablesDict{Properties: map[string]Queryable{
		"cloudCover": {Type: "number"},
	}})
	assert.Contains(t, dict.Properties, "cloudCover")

	raw, err := json.Marshal(dict)
	require.NoError(t, err)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []any{"collection"}, schema["required"])
}

func TestProductTypeValidate(t *testing.T) {
	logger := kitlog.NewNopLogger()

	pt := &ProductType{ID: "X", MissionStartDate: "not-a-date", BBox: []float64{1, 2}}
	require.NoError(t, pt.Validate(logger))
	// Lax mode resets invalid fields.
	assert.Empty(t, pt.MissionStartDate)
	assert.Nil(t, pt.BBox)

	t.Setenv(EnvValidateCollections, "1")
	pt = &ProductType{ID: "X", MissionStartDate: "not-a-date"}
	require.Error(t, pt.Validate(logger))

	require.Error(t, (&ProductType{}).Validate(logger))
}
