package mapping

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/eodag/eodag/pkg/errs"
)

// isoUTC is the second-precision RFC 3339 layout every date converter
// normalizes to. Converter round-trips are guaranteed at this precision.
const isoUTC = "2006-01-02T15:04:05Z"

type converterFunc func(v any, args []string) (any, error)

var converters = map[string]converterFunc{
	"to_timestamp_milliseconds":              toTimestampMilliseconds,
	"to_iso_utc_datetime":                    toISOUTCDatetime,
	"to_iso_utc_datetime_from_milliseconds":  toISOUTCDatetimeFromMilliseconds,
	"to_iso_date":                            toISODate,
	"to_wkt":                                 toWKT,
	"to_bounds_lists":                        toBoundsLists,
	"to_geojson":                             toGeoJSON,
	"remove_extension":                       removeExtension,
	"replace_str":                            replaceStr,
	"slice_str":                              sliceStr,
	"get_group_name":                         getGroupName,
	"lowercase":                              func(v any, _ []string) (any, error) { return strings.ToLower(asString(v)), nil },
	"uppercase":                              func(v any, _ []string) (any, error) { return strings.ToUpper(asString(v)), nil },
	"strip":                                  func(v any, _ []string) (any, error) { return strings.TrimSpace(asString(v)), nil },
	"strip_quotes":                           func(v any, _ []string) (any, error) { return strings.Trim(asString(v), `'"`), nil },
}

// KnownConverter reports whether name is a registered converter.
func KnownConverter(name string) bool {
	_, ok := converters[name]
	return ok
}

// ApplyConverters runs the converter chain on a value. All converters are
// pure; an unknown name was already rejected at parse time but is still a
// misconfiguration if it slips through.
func ApplyConverters(v any, calls []ConverterCall) (any, error) {
	for _, call := range calls {
		fn, ok := converters[call.Name]
		if !ok {
			return nil, &errs.MisconfiguredError{Message: fmt.Sprintf("unknown metadata converter %q", call.Name)}
		}
		if IsNotAvailable(v) {
			return v, nil
		}
		var err error
		v, err = fn(v, call.Args)
		if err != nil {
			return nil, fmt.Errorf("converter %s: %w", call.Name, err)
		}
	}
	return v, nil
}

func asString(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case fmt.Stringer:
		return tv.String()
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", tv)
	}
}

func parseAnyDatetime(v any) (time.Time, error) {
	s := asString(v)
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a datetime", s)
}

func toTimestampMilliseconds(v any, _ []string) (any, error) {
	t, err := parseAnyDatetime(v)
	if err != nil {
		return nil, err
	}
	return t.UnixMilli(), nil
}

func toISOUTCDatetime(v any, _ []string) (any, error) {
	t, err := parseAnyDatetime(v)
	if err != nil {
		return nil, err
	}
	return t.Truncate(time.Second).Format(isoUTC), nil
}

func toISOUTCDatetimeFromMilliseconds(v any, _ []string) (any, error) {
	var ms int64
	switch tv := v.(type) {
	case int64:
		ms = tv
	case int:
		ms = int64(tv)
	case float64:
		ms = int64(tv)
	case string:
		parsed, err := strconv.ParseInt(tv, 10, 64)
		if err != nil {
			return nil, err
		}
		ms = parsed
	default:
		return nil, fmt.Errorf("expected milliseconds, got %T", v)
	}
	return time.UnixMilli(ms).UTC().Format(isoUTC), nil
}

func toISODate(v any, _ []string) (any, error) {
	t, err := parseAnyDatetime(v)
	if err != nil {
		return nil, err
	}
	return t.Format("2006-01-02"), nil
}

// AsGeometry coerces a property value into a geometry: geom.T passes
// through, GeoJSON maps and strings are decoded, WKT strings parsed, and
// "minx,miny,maxx,maxy" bbox strings become polygons.
func AsGeometry(v any) (geom.T, error) {
	switch tv := v.(type) {
	case geom.T:
		return tv, nil
	case map[string]any:
		raw, err := json.Marshal(tv)
		if err != nil {
			return nil, err
		}
		var g geojson.Geometry
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, err
		}
		return g.Decode()
	case string:
		s := strings.TrimSpace(tv)
		if strings.HasPrefix(s, "{") {
			return AsGeometry(mustUnmarshalMap(s))
		}
		if g, err := wkt.Unmarshal(s); err == nil {
			return g, nil
		}
		return bboxToPolygon(s)
	default:
		return nil, fmt.Errorf("cannot interpret %T as a geometry", v)
	}
}

func mustUnmarshalMap(s string) map[string]any {
	var m map[string]any
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

func bboxToPolygon(s string) (geom.T, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("cannot interpret %q as a geometry", s)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot interpret %q as a bbox: %w", s, err)
		}
		vals[i] = f
	}
	return BBoxPolygon(vals[0], vals[1], vals[2], vals[3]), nil
}

// BBoxPolygon builds a closed WGS84 polygon from bounds.
func BBoxPolygon(minx, miny, maxx, maxy float64) *geom.Polygon {
	return geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{minx, miny}, {minx, maxy}, {maxx, maxy}, {maxx, miny}, {minx, miny},
	}})
}

func toWKT(v any, _ []string) (any, error) {
	g, err := AsGeometry(v)
	if err != nil {
		return nil, err
	}
	return wkt.Marshal(g)
}

func toBoundsLists(v any, _ []string) (any, error) {
	g, err := AsGeometry(v)
	if err != nil {
		return nil, err
	}
	if mp, ok := g.(*geom.MultiPolygon); ok {
		out := make([][]float64, 0, mp.NumPolygons())
		for i := 0; i < mp.NumPolygons(); i++ {
			b := mp.Polygon(i).Bounds()
			out = append(out, []float64{b.Min(0), b.Min(1), b.Max(0), b.Max(1)})
		}
		return out, nil
	}
	b := g.Bounds()
	return [][]float64{{b.Min(0), b.Min(1), b.Max(0), b.Max(1)}}, nil
}

func toGeoJSON(v any, _ []string) (any, error) {
	g, err := AsGeometry(v)
	if err != nil {
		return nil, err
	}
	raw, err := geojson.Marshal(g)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func removeExtension(v any, _ []string) (any, error) {
	s := asString(v)
	return strings.TrimSuffix(s, path.Ext(s)), nil
}

func replaceStr(v any, args []string) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("replace_str needs (pattern, replacement), got %d args", len(args))
	}
	re, err := regexp.Compile(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", args[0], err)
	}
	return re.ReplaceAllString(asString(v), args[1]), nil
}

func sliceStr(v any, args []string) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("slice_str needs (start, end), got %d args", len(args))
	}
	s := asString(v)
	start, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, err
	}
	end, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, err
	}
	if start < 0 {
		start = len(s) + start
	}
	if end < 0 {
		end = len(s) + end
	}
	if start < 0 || end > len(s) || start > end {
		return nil, fmt.Errorf("slice [%d:%d] out of range for %q", start, end, s)
	}
	return s[start:end], nil
}

// getGroupName matches the value against a regex with named groups and
// returns the name of the group that matched.
func getGroupName(v any, args []string) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("get_group_name needs a single regex argument")
	}
	re, err := regexp.Compile(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", args[0], err)
	}
	match := re.FindStringSubmatch(asString(v))
	if match == nil {
		return NotAvailable, nil
	}
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(match) && match[i] != "" {
			return name, nil
		}
	}
	return NotAvailable, nil
}
