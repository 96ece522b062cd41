// Package crunch implements post-search result filters. Crunchers are
// stateless: construction validates the options, Proceed filters a product
// list without mutating it.
package crunch

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"github.com/twpayne/go-geom"

	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/mapping"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util/log"
	"github.com/eodag/eodag/plugins"
)

func init() {
	plugins.RegisterCrunch("FilterProperty", newFilterProperty)
	plugins.RegisterCrunch("FilterDate", newFilterDate)
	plugins.RegisterCrunch("FilterOverlap", newFilterOverlap)
	plugins.RegisterCrunch("FilterLatestByName", newFilterLatestByName)
}

// filterProperty keeps products whose property compares against the
// configured value: {"cloudCover": 20, "operator": "lt"}.
type filterProperty struct {
	property string
	value    any
	operator string
}

func newFilterProperty(opts map[string]any) (model.Cruncher, error) {
	f := &filterProperty{operator: "eq"}
	for k, v := range opts {
		if k == "operator" {
			op, _ := v.(string)
			f.operator = op
			continue
		}
		if f.property != "" {
			return nil, &errs.MisconfiguredError{Message: "FilterProperty accepts exactly one property"}
		}
		f.property = k
		f.value = v
	}
	if f.property == "" {
		return nil, &errs.MisconfiguredError{Message: "FilterProperty needs a property to filter on"}
	}
	switch f.operator {
	case "eq", "ne", "lt", "le", "gt", "ge":
	default:
		return nil, &errs.MisconfiguredError{Message: fmt.Sprintf("FilterProperty: unknown operator %q", f.operator)}
	}
	return f, nil
}

func (f *filterProperty) Proceed(products []*model.Product, _ map[string]any) ([]*model.Product, error) {
	var kept []*model.Product
	for _, p := range products {
		v, ok := p.Properties[f.property]
		if !ok {
			continue
		}
		match, comparable := compare(v, f.value, f.operator)
		if !comparable {
			level.Debug(log.Logger).Log("msg", "property not comparable, dropping product", "property", f.property, "product", p.ID)
			continue
		}
		if match {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

func compare(a, b any, operator string) (bool, bool) {
	if fa, fb, ok := asFloats(a, b); ok {
		switch operator {
		case "eq":
			return fa == fb, true
		case "ne":
			return fa != fb, true
		case "lt":
			return fa < fb, true
		case "le":
			return fa <= fb, true
		case "gt":
			return fa > fb, true
		case "ge":
			return fa >= fb, true
		}
	}
	sa, sb := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	switch operator {
	case "eq":
		return sa == sb, true
	case "ne":
		return sa != sb, true
	}
	return false, false
}

func asFloats(a, b any) (float64, float64, bool) {
	fa, oka := asFloat(a)
	fb, okb := asFloat(b)
	return fa, fb, oka && okb
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// filterDate keeps products whose sensing start falls inside [start, end).
type filterDate struct {
	start, end time.Time
}

func newFilterDate(opts map[string]any) (model.Cruncher, error) {
	f := &filterDate{}
	var err error
	if s, ok := opts["start"].(string); ok && s != "" {
		if f.start, err = parseDate(s); err != nil {
			return nil, &errs.ValidationError{Message: fmt.Sprintf("FilterDate: invalid start %q", s), Parameters: []string{"start"}}
		}
	}
	if s, ok := opts["end"].(string); ok && s != "" {
		if f.end, err = parseDate(s); err != nil {
			return nil, &errs.ValidationError{Message: fmt.Sprintf("FilterDate: invalid end %q", s), Parameters: []string{"end"}}
		}
	}
	return f, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

func (f *filterDate) Proceed(products []*model.Product, _ map[string]any) ([]*model.Product, error) {
	var kept []*model.Product
	for _, p := range products {
		raw, _ := p.Properties["startTimeFromAscendingNode"].(string)
		if raw == "" {
			continue
		}
		t, err := parseDate(raw)
		if err != nil {
			continue
		}
		if !f.start.IsZero() && t.Before(f.start) {
			continue
		}
		if !f.end.IsZero() && !t.Before(f.end) {
			continue
		}
		kept = append(kept, p)
	}
	return kept, nil
}

// filterOverlap keeps products whose footprint overlaps the search geometry
// enough. Overlap is computed on bounding boxes, which is exact for the
// rectangular extents most searches use.
type filterOverlap struct {
	geometry   geom.T
	minimum    float64
	contains   bool
	intersects bool
	within     bool
}

func newFilterOverlap(opts map[string]any) (model.Cruncher, error) {
	f := &filterOverlap{}
	raw, ok := opts["geometry"]
	if !ok {
		return nil, &errs.MisconfiguredError{Message: "FilterOverlap needs a geometry"}
	}
	g, err := mapping.AsGeometry(raw)
	if err != nil {
		return nil, &errs.ValidationError{Message: fmt.Sprintf("FilterOverlap: %v", err), Parameters: []string{"geometry"}}
	}
	f.geometry = g

	if v, ok := opts["minimum_overlap"]; ok {
		m, ok := asFloat(v)
		if !ok || m < 0 || m > 100 {
			return nil, &errs.ValidationError{Message: "FilterOverlap: minimum_overlap must be a percentage", Parameters: []string{"minimum_overlap"}}
		}
		f.minimum = m
	}
	f.contains, _ = opts["contains"].(bool)
	f.intersects, _ = opts["intersects"].(bool)
	f.within, _ = opts["within"].(bool)
	return f, nil
}

func (f *filterOverlap) Proceed(products []*model.Product, _ map[string]any) ([]*model.Product, error) {
	search := f.geometry.Bounds()
	var kept []*model.Product
	for _, p := range products {
		if p.Geometry == nil {
			continue
		}
		footprint := p.Geometry.Bounds()
		inter, ok := intersection(search, footprint)
		if !ok {
			continue
		}
		switch {
		case f.contains:
			if boundsEqual(inter, search) {
				kept = append(kept, p)
			}
		case f.within:
			if boundsEqual(inter, footprint) {
				kept = append(kept, p)
			}
		case f.intersects:
			kept = append(kept, p)
		default:
			if area(footprint) == 0 {
				continue
			}
			if area(inter)/area(footprint)*100 >= f.minimum {
				kept = append(kept, p)
			}
		}
	}
	return kept, nil
}

func intersection(a, b *geom.Bounds) (*geom.Bounds, bool) {
	minX := maxF(a.Min(0), b.Min(0))
	minY := maxF(a.Min(1), b.Min(1))
	maxX := minF(a.Max(0), b.Max(0))
	maxY := minF(a.Max(1), b.Max(1))
	if minX > maxX || minY > maxY {
		return nil, false
	}
	return geom.NewBounds(geom.XY).Set(minX, minY, maxX, maxY), true
}

func boundsEqual(a, b *geom.Bounds) bool {
	return a.Min(0) == b.Min(0) && a.Min(1) == b.Min(1) && a.Max(0) == b.Max(0) && a.Max(1) == b.Max(1)
}

func area(b *geom.Bounds) float64 {
	return (b.Max(0) - b.Min(0)) * (b.Max(1) - b.Min(1))
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// filterLatestByName keeps, for every product family, only the most recent
// product. The name pattern must capture the date as its single group;
// titles matching with the date removed form one family.
type filterLatestByName struct {
	pattern *regexp.Regexp
}

func newFilterLatestByName(opts map[string]any) (model.Cruncher, error) {
	raw, _ := opts["name_pattern"].(string)
	if raw == "" {
		return nil, &errs.MisconfiguredError{Message: "FilterLatestByName needs a name_pattern"}
	}
	pattern, err := regexp.Compile(raw)
	if err != nil {
		return nil, &errs.MisconfiguredError{Message: fmt.Sprintf("FilterLatestByName: invalid name_pattern: %v", err)}
	}
	if pattern.NumSubexp() != 1 {
		return nil, &errs.MisconfiguredError{Message: "FilterLatestByName: name_pattern must capture the date as its only group"}
	}
	return &filterLatestByName{pattern: pattern}, nil
}

func (f *filterLatestByName) Proceed(products []*model.Product, _ map[string]any) ([]*model.Product, error) {
	type candidate struct {
		product *model.Product
		date    string
	}
	latest := map[string]candidate{}
	var order []string

	for _, p := range products {
		m := f.pattern.FindStringSubmatchIndex(p.Title)
		if m == nil {
			continue
		}
		date := p.Title[m[2]:m[3]]
		family := p.Title[:m[2]] + p.Title[m[3]:]
		current, seen := latest[family]
		if !seen {
			order = append(order, family)
		}
		// Dates compare lexicographically in the compact formats the
		// pattern captures.
		if !seen || date > current.date {
			latest[family] = candidate{product: p, date: date}
		}
	}

	kept := make([]*model.Product, 0, len(order))
	for _, family := range order {
		kept = append(kept, latest[family].product)
	}
	return kept, nil
}
