// Package mapping implements the bidirectional metadata translation between
// the common product vocabulary and each provider's wire vocabulary.
//
// A mapping entry is parsed once from the provider configuration into a
// typed node: a constant, an extraction expression (JSONPath or XPath, with
// optional converters), a template referring to other properties, or a
// queryable pair (query format + extraction). Plugins only ever see the
// typed nodes.
package mapping

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/eodag/eodag/pkg/errs"
)

// NotAvailable marks a property whose extraction expression matched nothing.
type notAvailableType struct{}

func (notAvailableType) String() string { return "Not Available" }

// NotAvailable is the sentinel stored for unresolvable properties.
var NotAvailable = notAvailableType{}

// IsNotAvailable reports whether v is the NotAvailable sentinel.
func IsNotAvailable(v any) bool {
	_, ok := v.(notAvailableType)
	return ok
}

// Kind discriminates mapping entry variants.
type Kind int

const (
	// KindConst is a literal value, extraction only.
	KindConst Kind = iota
	// KindExtract evaluates a JSONPath or XPath against the response.
	KindExtract
	// KindTemplate interpolates other, already resolved, properties.
	KindTemplate
)

// ConverterCall is one "#name(args)" suffix on an expression.
type ConverterCall struct {
	Name string
	Args []string
}

// Entry is one parsed mapping line.
type Entry struct {
	Name string

	// QueryFormat is the query rendering template. Non-empty means the
	// property is queryable.
	QueryFormat string

	Kind       Kind
	Path       string // KindExtract
	Template   string // KindTemplate
	Const      any    // KindConst
	Converters []ConverterCall
}

// Queryable reports whether this property can appear in a query.
func (e *Entry) Queryable() bool { return e.QueryFormat != "" }

// Mapping is an ordered set of entries. Order matters: template entries may
// refer to properties resolved by earlier entries.
type Mapping struct {
	entries []*Entry
	byName  map[string]*Entry
}

var converterSuffix = regexp.MustCompile(`#(\w+)(?:\(([^)]*)\))?`)

// placeholder matches "{name}" or "{name#conv(args)}" inside templates.
var placeholder = regexp.MustCompile(`\{([A-Za-z_][\w.:]*)((?:#\w+(?:\([^)]*\))?)*)\}`)

// Parse builds a Mapping from the raw provider configuration value, a map
// from canonical property name to either a string or a [queryFormat,
// extraction] pair. order lists the yaml key order when available; unknown
// names are appended alphabetically by the caller.
func Parse(raw map[string]any, order []string) (*Mapping, error) {
	m := &Mapping{byName: make(map[string]*Entry, len(raw))}
	seen := make(map[string]bool, len(raw))

	add := func(name string) error {
		entry, err := parseEntry(name, raw[name])
		if err != nil {
			return err
		}
		m.entries = append(m.entries, entry)
		m.byName[name] = entry
		return nil
	}

	for _, name := range order {
		if _, ok := raw[name]; !ok || seen[name] {
			continue
		}
		seen[name] = true
		if err := add(name); err != nil {
			return nil, err
		}
	}
	for name := range raw {
		if seen[name] {
			continue
		}
		seen[name] = true
		if err := add(name); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func parseEntry(name string, raw any) (*Entry, error) {
	switch v := raw.(type) {
	case []any:
		if len(v) != 2 {
			return nil, &errs.MisconfiguredError{Message: fmt.Sprintf("mapping %s: pair entries need exactly [query-format, extraction], got %d items", name, len(v))}
		}
		qf, ok := v[0].(string)
		if !ok {
			return nil, &errs.MisconfiguredError{Message: fmt.Sprintf("mapping %s: query format must be a string", name)}
		}
		inner, err := parseEntry(name, v[1])
		if err != nil {
			return nil, err
		}
		inner.QueryFormat = qf
		return inner, nil
	case string:
		return parseStringEntry(name, v)
	case nil:
		return nil, &errs.MisconfiguredError{Message: fmt.Sprintf("mapping %s: empty entry", name)}
	default:
		return &Entry{Name: name, Kind: KindConst, Const: raw}, nil
	}
}

func parseStringEntry(name, s string) (*Entry, error) {
	expr, convs, err := splitConverters(s)
	if err != nil {
		return nil, err
	}

	switch {
	case isJSONPath(expr) || isXPath(expr):
		return &Entry{Name: name, Kind: KindExtract, Path: expr, Converters: convs}, nil
	case placeholder.MatchString(expr):
		// Converter suffixes inside templates are parsed at render time.
		return &Entry{Name: name, Kind: KindTemplate, Template: s}, nil
	default:
		e := &Entry{Name: name, Kind: KindConst, Const: expr, Converters: convs}
		return e, nil
	}
}

// splitConverters separates "expr#conv1#conv2(a,b)" into the bare expression
// and its converter calls. '#' inside braces belongs to template
// placeholders and is left alone.
func splitConverters(s string) (string, []ConverterCall, error) {
	idx := -1
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
		case '#':
			if depth == 0 && idx < 0 {
				idx = i
			}
		}
	}
	if idx < 0 {
		return s, nil, nil
	}

	expr := s[:idx]
	var convs []ConverterCall
	for _, match := range converterSuffix.FindAllStringSubmatch(s[idx:], -1) {
		call := ConverterCall{Name: match[1]}
		if match[2] != "" {
			call.Args = splitArgs(match[2])
		}
		if !KnownConverter(call.Name) {
			return "", nil, &errs.MisconfiguredError{Message: fmt.Sprintf("unknown metadata converter %q in %q", call.Name, s)}
		}
		convs = append(convs, call)
	}
	return expr, convs, nil
}

func splitArgs(s string) []string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(p), `'"`)
	}
	return parts
}

func isJSONPath(s string) bool {
	return strings.HasPrefix(s, "$.") || strings.HasPrefix(s, "$[")
}

func isXPath(s string) bool {
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") || strings.HasPrefix(s, ".//")
}

// Get returns the entry for a canonical property name.
func (m *Mapping) Get(name string) (*Entry, bool) {
	e, ok := m.byName[name]
	return e, ok
}

// Entries returns the entries in declaration order.
func (m *Mapping) Entries() []*Entry { return m.entries }

// Queryables returns the canonical names of all queryable entries, in
// declaration order.
func (m *Mapping) Queryables() []string {
	var names []string
	for _, e := range m.entries {
		if e.Queryable() {
			names = append(names, e.Name)
		}
	}
	return names
}

// Merge returns a new Mapping where override's entries replace or extend
// m's, used to overlay per-product-type mappings on the provider-global one.
func (m *Mapping) Merge(override *Mapping) *Mapping {
	if override == nil {
		return m
	}
	out := &Mapping{byName: make(map[string]*Entry, len(m.byName)+len(override.byName))}
	for _, e := range m.entries {
		if replacement, ok := override.byName[e.Name]; ok {
			out.entries = append(out.entries, replacement)
			out.byName[e.Name] = replacement
			continue
		}
		out.entries = append(out.entries, e)
		out.byName[e.Name] = e
	}
	for _, e := range override.entries {
		if _, ok := out.byName[e.Name]; ok {
			continue
		}
		out.entries = append(out.entries, e)
		out.byName[e.Name] = e
	}
	return out
}
