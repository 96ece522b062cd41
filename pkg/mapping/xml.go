package mapping

import (
	"fmt"
	"io"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"github.com/eodag/eodag/pkg/errs"
)

// DefaultNSPrefix is the synthetic prefix bound to an empty default XML
// namespace so XPath expressions can reach default-namespaced elements.
const DefaultNSPrefix = "ns"

// ParseXML parses an XML document and returns its root together with a
// namespace map where the document's default namespace, if any, is rebound
// to DefaultNSPrefix.
func ParseXML(r io.Reader) (*xmlquery.Node, map[string]string, error) {
	doc, err := xmlquery.Parse(r)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing XML response: %w", err)
	}

	ns := map[string]string{}
	for node := doc.FirstChild; node != nil; node = node.NextSibling {
		if node.Type != xmlquery.ElementNode {
			continue
		}
		for _, attr := range node.Attr {
			switch {
			case attr.Name.Space == "" && attr.Name.Local == "xmlns":
				ns[DefaultNSPrefix] = attr.Value
			case attr.Name.Space == "xmlns":
				ns[attr.Name.Local] = attr.Value
			}
		}
		break
	}
	return doc, ns, nil
}

// QueryXPath evaluates an XPath expression with the document namespaces and
// returns the matching nodes.
func QueryXPath(node *xmlquery.Node, expr string, ns map[string]string) ([]*xmlquery.Node, error) {
	compiled, err := xpath.CompileWithNS(expr, ns)
	if err != nil {
		return nil, &errs.MisconfiguredError{Message: fmt.Sprintf("invalid xpath %q: %v", expr, err)}
	}
	return xmlquery.QuerySelectorAll(node, compiled), nil
}

// ExtractXML resolves every mapping entry against one XML result entry.
// Extraction semantics mirror ExtractJSON: zero matches yield NotAvailable,
// one match the node text, several a list of texts.
func (m *Mapping) ExtractXML(node *xmlquery.Node, ns map[string]string) (map[string]any, error) {
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
			matches, err := QueryXPath(node, entry.Path, ns)
			if err != nil {
				return nil, err
			}
			v, err := ApplyConverters(nodesValue(matches), entry.Converters)
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

func nodesValue(nodes []*xmlquery.Node) any {
	switch len(nodes) {
	case 0:
		return NotAvailable
	case 1:
		return strings.TrimSpace(nodes[0].InnerText())
	default:
		out := make([]any, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, strings.TrimSpace(n.InnerText()))
		}
		return out
	}
}
