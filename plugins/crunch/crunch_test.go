package crunch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/mapping"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/plugins"
)

var mgr = plugins.NewManager(config.NewProviderRegistry())

func mkProduct(id string, props map[string]any) *model.Product {
	if props == nil {
		props = map[string]any{}
	}
	props["id"] = id
	if _, ok := props["title"]; !ok {
		props["title"] = id
	}
	return model.NewProduct("test", "S2_MSI_L1C", props, nil)
}

func TestFilterPropertyNumeric(t *testing.T) {
	c, err := mgr.GetCrunchPlugin("FilterProperty", map[string]any{"cloudCover": 20, "operator": "lt"})
	require.NoError(t, err)

	products := []*model.Product{
		mkProduct("low", map[string]any{"cloudCover": 5.0}),
		mkProduct("high", map[string]any{"cloudCover": 80.0}),
		mkProduct("stringy", map[string]any{"cloudCover": "10"}),
		mkProduct("absent", nil),
	}
	kept, err := c.Proceed(products, nil)
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.Equal(t, "low", kept[0].ID)
	assert.Equal(t, "stringy", kept[1].ID)
}

func TestFilterPropertyEquality(t *testing.T) {
	c, err := mgr.GetCrunchPlugin("FilterProperty", map[string]any{"platform": "S2A"})
	require.NoError(t, err)

	kept, err := c.Proceed([]*model.Product{
		mkProduct("a", map[string]any{"platform": "S2A"}),
		mkProduct("b", map[string]any{"platform": "S2B"}),
	}, nil)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "a", kept[0].ID)
}

func TestFilterPropertyBadConfig(t *testing.T) {
	_, err := mgr.GetCrunchPlugin("FilterProperty", map[string]any{"operator": "lt"})
	require.Error(t, err)

	_, err = mgr.GetCrunchPlugin("FilterProperty", map[string]any{"a": 1, "b": 2})
	require.Error(t, err)

	_, err = mgr.GetCrunchPlugin("FilterProperty", map[string]any{"a": 1, "operator": "almost"})
	require.Error(t, err)
}

func TestFilterDate(t *testing.T) {
	c, err := mgr.GetCrunchPlugin("FilterDate", map[string]any{
		"start": "2021-01-01",
		"end":   "2021-02-01",
	})
	require.NoError(t, err)

	products := []*model.Product{
		mkProduct("before", map[string]any{"startTimeFromAscendingNode": "2020-12-31T23:00:00Z"}),
		mkProduct("inside", map[string]any{"startTimeFromAscendingNode": "2021-01-15T00:00:00Z"}),
		mkProduct("boundary", map[string]any{"startTimeFromAscendingNode": "2021-02-01T00:00:00Z"}),
		mkProduct("undated", nil),
	}
	kept, err := c.Proceed(products, nil)
	require.NoError(t, err)
	// The interval is [start, end): the end boundary is out.
	require.Len(t, kept, 1)
	assert.Equal(t, "inside", kept[0].ID)
}

func TestFilterDateInvalid(t *testing.T) {
	_, err := mgr.GetCrunchPlugin("FilterDate", map[string]any{"start": "soon"})
	require.Error(t, err)
}

func TestFilterOverlap(t *testing.T) {
	withGeom := func(id, bbox string) *model.Product {
		p := mkProduct(id, nil)
		g, err := mapping.AsGeometry(bbox)
		require.NoError(t, err)
		p.Geometry = g
		return p
	}

	products := []*model.Product{
		withGeom("inside", "2,2,4,4"),
		withGeom("half", "5,0,15,10"),
		withGeom("outside", "20,20,30,30"),
		mkProduct("no-geometry", nil),
	}

	t.Run("intersects", func(t *testing.T) {
		c, err := mgr.GetCrunchPlugin("FilterOverlap", map[string]any{
			"geometry": "0,0,10,10", "intersects": true,
		})
		require.NoError(t, err)
		kept, err := c.Proceed(products, nil)
		require.NoError(t, err)
		require.Len(t, kept, 2)
	})

	t.Run("within", func(t *testing.T) {
		c, err := mgr.GetCrunchPlugin("FilterOverlap", map[string]any{
			"geometry": "0,0,10,10", "within": true,
		})
		require.NoError(t, err)
		kept, err := c.Proceed(products, nil)
		require.NoError(t, err)
		require.Len(t, kept, 1)
		assert.Equal(t, "inside", kept[0].ID)
	})

	t.Run("minimum overlap", func(t *testing.T) {
		c, err := mgr.GetCrunchPlugin("FilterOverlap", map[string]any{
			"geometry": "0,0,10,10", "minimum_overlap": 60,
		})
		require.NoError(t, err)
		kept, err := c.Proceed(products, nil)
		require.NoError(t, err)
		// "half" covers only 50% of its own footprint.
		require.Len(t, kept, 1)
		assert.Equal(t, "inside", kept[0].ID)
	})
}

func TestFilterOverlapBadConfig(t *testing.T) {
	_, err := mgr.GetCrunchPlugin("FilterOverlap", map[string]any{})
	require.Error(t, err)

	_, err = mgr.GetCrunchPlugin("FilterOverlap", map[string]any{
		"geometry": "0,0,1,1", "minimum_overlap": 150,
	})
	require.Error(t, err)
}

func TestFilterLatestByName(t *testing.T) {
	c, err := mgr.GetCrunchPlugin("FilterLatestByName", map[string]any{
		"name_pattern": `S2._MSIL1C_(\d{8}T\d{6})_N0209_R051_T31TCJ`,
	})
	require.NoError(t, err)

	products := []*model.Product{
		mkProduct("S2A_MSIL1C_20210101T000000_N0209_R051_T31TCJ", nil),
		mkProduct("S2A_MSIL1C_20210301T000000_N0209_R051_T31TCJ", nil),
		mkProduct("S2B_MSIL1C_20210201T000000_N0209_R051_T31TCJ", nil),
		mkProduct("UNRELATED_TITLE", nil),
	}
	kept, err := c.Proceed(products, nil)
	require.NoError(t, err)
	// S2A and S2B are distinct families; the unmatched title is dropped.
	require.Len(t, kept, 2)
	assert.Equal(t, "S2A_MSIL1C_20210301T000000_N0209_R051_T31TCJ", kept[0].ID)
	assert.Equal(t, "S2B_MSIL1C_20210201T000000_N0209_R051_T31TCJ", kept[1].ID)
}

func TestFilterLatestByNameBadPattern(t *testing.T) {
	_, err := mgr.GetCrunchPlugin("FilterLatestByName", map[string]any{})
	require.Error(t, err)

	_, err = mgr.GetCrunchPlugin("FilterLatestByName", map[string]any{"name_pattern": `no groups`})
	require.Error(t, err)

	_, err = mgr.GetCrunchPlugin("FilterLatestByName", map[string]any{"name_pattern": `(\d+)(\d+)`})
	require.Error(t, err)
}
