package mapping

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// DiscoveryConfig drives metadata auto-discovery: response keys matching
// MetadataPattern found under MetadataPath are lifted into the properties
// even without an explicit mapping entry. SearchParam, when set, makes the
// discovered keys queryable with that template.
type DiscoveryConfig struct {
	AutoDiscovery   bool   `mapstructure:"auto_discovery"`
	MetadataPattern string `mapstructure:"metadata_pattern"`
	MetadataPath    string `mapstructure:"metadata_path"`
	SearchParam     string `mapstructure:"search_param"`
}

// ExtractJSON resolves every mapping entry against a parsed JSON entry and
// returns the property map. Extraction is idempotent: the same document
// always yields the same properties. Template entries are interpolated in a
// second pass so they can refer to extracted properties.
func (m *Mapping) ExtractJSON(doc gjson.Result) (map[string]any, error) {
	props := make(map[string]any, len(m.entries))

	var templates []*Entry
	for _, entry := range m.entries {
		switch entry.Kind {
		case KindConst:
			v, err := ApplyConverters(entry.Const, entry.Converters)
			if err != nil {
				return nil, err
			}
			props[entry.Name] = v
		case KindExtract:
			v, err := ApplyConverters(evalJSONPath(doc, entry.Path), entry.Converters)
			if err != nil {
				return nil, err
			}
			props[entry.Name] = v
		case KindTemplate:
			templates = append(templates, entry)
		}
	}

	if err := interpolateTemplates(templates, props); err != nil {
		return nil, err
	}
	return props, nil
}

func interpolateTemplates(templates []*Entry, props map[string]any) error {
	for _, entry := range templates {
		rendered, ok, err := RenderTemplate(entry.Template, props)
		if err != nil {
			return err
		}
		if !ok {
			props[entry.Name] = NotAvailable
			continue
		}
		props[entry.Name] = rendered
	}
	return nil
}

// evalJSONPath evaluates a JSONPath subset against the document: zero
// matches yield NotAvailable, one match the value itself, several a list.
func evalJSONPath(doc gjson.Result, path string) any {
	gpath, wildcard := jsonPathToGJSON(path)
	res := doc.Get(gpath)
	if !res.Exists() {
		return NotAvailable
	}
	if wildcard && res.IsArray() {
		items := res.Array()
		switch len(items) {
		case 0:
			return NotAvailable
		case 1:
			return items[0].Value()
		default:
			out := make([]any, 0, len(items))
			for _, item := range items {
				out = append(out, item.Value())
			}
			return out
		}
	}
	return res.Value()
}

var (
	bracketIndex = regexp.MustCompile(`\[(\d+)\]`)
	bracketKey   = regexp.MustCompile(`\[['"]([^'"]+)['"]\]`)
)

// jsonPathToGJSON rewrites the JSONPath subset used in provider mappings
// ($.a.b, [n], ['key'], [*]) into gjson syntax. wildcard reports whether the
// path can match several values.
func jsonPathToGJSON(p string) (string, bool) {
	wildcard := strings.Contains(p, "[*]") || strings.Contains(p, "..")

	p = strings.TrimPrefix(p, "$")
	p = strings.TrimPrefix(p, ".")
	p = strings.ReplaceAll(p, "[*]", ".#")
	p = bracketIndex.ReplaceAllString(p, ".$1")
	// Bracket-quoted keys may contain characters gjson treats specially,
	// e.g. $['@odata.count'].
	p = bracketKey.ReplaceAllStringFunc(p, func(match string) string {
		key := bracketKey.FindStringSubmatch(match)[1]
		key = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "@", `\@`).Replace(key)
		return "." + key
	})
	p = strings.ReplaceAll(p, "..", ".")
	p = strings.TrimPrefix(p, ".")
	return p, wildcard
}

// EntriesJSON returns the result entries under a JSONPath container, e.g.
// "$.features". An empty path means the document itself is the entry list.
func EntriesJSON(doc gjson.Result, path string) []gjson.Result {
	res := doc
	if path != "" && path != "$" {
		gpath, _ := jsonPathToGJSON(path)
		res = doc.Get(gpath)
	}
	if !res.Exists() {
		return nil
	}
	if res.IsArray() {
		return res.Array()
	}
	return []gjson.Result{res}
}

// TotalJSON extracts the total item count via a JSONPath; ok is false when
// the path matches nothing.
func TotalJSON(doc gjson.Result, path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	gpath, _ := jsonPathToGJSON(path)
	res := doc.Get(gpath)
	if !res.Exists() {
		return 0, false
	}
	return int(res.Int()), true
}

// DiscoverJSON lifts unmapped response keys matching the discovery pattern
// into props. Keys already consumed by an explicit mapping entry are left to
// that entry.
func (m *Mapping) DiscoverJSON(doc gjson.Result, cfg *DiscoveryConfig, props map[string]any) error {
	if cfg == nil || !cfg.AutoDiscovery || cfg.MetadataPattern == "" {
		return nil
	}
	pattern, err := regexp.Compile(cfg.MetadataPattern)
	if err != nil {
		return err
	}

	containerPath := strings.TrimSuffix(cfg.MetadataPath, ".*")
	container := doc
	if containerPath != "" && containerPath != "$" {
		gpath, _ := jsonPathToGJSON(containerPath)
		container = doc.Get(gpath)
	}
	if !container.Exists() || !container.IsObject() {
		return nil
	}

	container.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if !pattern.MatchString(name) {
			return true
		}
		if _, mapped := m.byName[name]; mapped {
			return true
		}
		if _, present := props[name]; present {
			return true
		}
		props[name] = value.Value()
		return true
	})
	return nil
}
