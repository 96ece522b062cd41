package mapping

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/util"
)

// Query is the provider-dialect rendering of user search parameters:
// key=value fragments for GET query strings and a deep-merged object for
// JSON POST bodies.
type Query struct {
	Params url.Values
	Body   map[string]any
}

// NewQuery returns an empty query.
func NewQuery() *Query {
	return &Query{Params: url.Values{}, Body: map[string]any{}}
}

// FormatQueryParams renders every user-supplied parameter that has a
// queryable mapping entry. Parameters without a queryable entry are returned
// in unknown so the caller can decide whether the provider tolerates them.
func (m *Mapping) FormatQueryParams(params map[string]any) (*Query, []string, error) {
	q := NewQuery()
	var unknown []string

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if params[name] == nil {
			continue
		}
		entry, ok := m.byName[name]
		if !ok || !entry.Queryable() {
			unknown = append(unknown, name)
			continue
		}
		if err := q.renderInto(entry, params); err != nil {
			return nil, nil, err
		}
	}
	return q, unknown, nil
}

func (q *Query) renderInto(entry *Entry, props map[string]any) error {
	if strings.Contains(entry.QueryFormat, "{{") {
		rendered, ok, err := RenderTemplate(entry.QueryFormat, props)
		if err != nil {
			return err
		}
		if !ok {
			return &errs.ValidationError{Message: fmt.Sprintf("cannot format query parameter %s: missing referenced properties", entry.Name), Parameters: []string{entry.Name}}
		}
		fragment := strings.ReplaceAll(strings.ReplaceAll(rendered, "{{", "{"), "}}", "}")
		var obj map[string]any
		if err := json.Unmarshal([]byte(fragment), &obj); err != nil {
			return &errs.MisconfiguredError{Message: fmt.Sprintf("query format for %s renders to invalid JSON: %v", entry.Name, err)}
		}
		q.Body = util.DeepUpdate(q.Body, obj)
		return nil
	}

	rendered, ok, err := RenderTemplate(entry.QueryFormat, props)
	if err != nil {
		return err
	}
	if !ok {
		return &errs.ValidationError{Message: fmt.Sprintf("cannot format query parameter %s: missing referenced properties", entry.Name), Parameters: []string{entry.Name}}
	}

	// "key=value[&key2=value2]" fragments feed the query string; a bare
	// value is keyed by the canonical name.
	if !strings.Contains(rendered, "=") {
		q.Params.Set(entry.Name, rendered)
		return nil
	}
	for _, pair := range strings.Split(rendered, "&") {
		k, v, found := strings.Cut(pair, "=")
		if !found || k == "" {
			return &errs.MisconfiguredError{Message: fmt.Sprintf("query format for %s renders to malformed fragment %q", entry.Name, pair)}
		}
		q.Params.Set(k, v)
	}
	return nil
}

// RenderTemplate substitutes "{name}" and "{name#conv(args)}" placeholders
// with values from props. ok is false when a referenced property is missing
// or NotAvailable; the template is then unusable and the caller decides
// whether that is an error.
func RenderTemplate(tpl string, props map[string]any) (string, bool, error) {
	ok := true
	var convErr error

	out := placeholder.ReplaceAllStringFunc(tpl, func(match string) string {
		sub := placeholder.FindStringSubmatch(match)
		name, suffix := sub[1], sub[2]

		v, present := props[name]
		if !present || v == nil || IsNotAvailable(v) {
			ok = false
			return match
		}
		if suffix != "" {
			calls, err := parseInlineConverters(suffix)
			if err != nil {
				convErr = err
				return match
			}
			v, err = ApplyConverters(v, calls)
			if err != nil {
				convErr = err
				return match
			}
			if IsNotAvailable(v) {
				ok = false
				return match
			}
		}
		return stringify(v)
	})

	if convErr != nil {
		return "", false, convErr
	}
	return out, ok, nil
}

func parseInlineConverters(suffix string) ([]ConverterCall, error) {
	var calls []ConverterCall
	for _, match := range converterSuffix.FindAllStringSubmatch(suffix, -1) {
		call := ConverterCall{Name: match[1]}
		if match[2] != "" {
			call.Args = splitArgs(match[2])
		}
		if !KnownConverter(call.Name) {
			return nil, &errs.MisconfiguredError{Message: fmt.Sprintf("unknown metadata converter %q", call.Name)}
		}
		calls = append(calls, call)
	}
	return calls, nil
}

// stringify renders a placeholder value into template text: strings pass
// through, everything else becomes its JSON encoding so structured values
// can live inside JSON fragments.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// FreeTextConfig describes how free-text fragments combine into one
// composite query parameter.
type FreeTextConfig struct {
	// Union joins operator groups, e.g. " AND ".
	Union string `mapstructure:"union"`
	// Wrapper wraps the composite, with "{}" marking the insertion point.
	Wrapper string `mapstructure:"wrapper"`
	// Operations maps a logical operator (AND, OR, NOT) to fragment
	// templates combined with that operator.
	Operations map[string][]string `mapstructure:"operations"`
}

// FormatFreeText renders free-text search operations into query parameters.
// Fragments whose referenced properties are absent are skipped.
func FormatFreeText(ops map[string]FreeTextConfig, props map[string]any) (url.Values, error) {
	out := url.Values{}

	paramNames := make([]string, 0, len(ops))
	for name := range ops {
		paramNames = append(paramNames, name)
	}
	sort.Strings(paramNames)

	for _, param := range paramNames {
		cfg := ops[param]

		opNames := make([]string, 0, len(cfg.Operations))
		for op := range cfg.Operations {
			opNames = append(opNames, op)
		}
		sort.Strings(opNames)

		var groups []string
		for _, op := range opNames {
			var fragments []string
			for _, tpl := range cfg.Operations[op] {
				rendered, ok, err := RenderTemplate(tpl, props)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				fragments = append(fragments, rendered)
			}
			if len(fragments) == 0 {
				continue
			}
			groups = append(groups, strings.Join(fragments, " "+op+" "))
		}
		if len(groups) == 0 {
			continue
		}

		union := cfg.Union
		if union == "" {
			union = " AND "
		}
		composite := strings.Join(groups, union)
		if cfg.Wrapper != "" {
			composite = strings.ReplaceAll(cfg.Wrapper, "{}", composite)
		}
		out.Set(param, composite)
	}
	return out, nil
}
