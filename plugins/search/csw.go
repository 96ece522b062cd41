package search

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"

	"github.com/antchfx/xmlquery"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/mapping"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/plugins"
)

func init() {
	plugins.RegisterSearch("CSWSearch", newCSWSearch)
}

type cswConfig struct {
	// OutputSchema selects the record schema of the GetRecords response.
	OutputSchema string `mapstructure:"output_schema"`
	// RecordXPath locates one record in the response, e.g.
	// "//csw:SearchResults/csw:Record".
	RecordXPath string `mapstructure:"record_xpath"`
	// MatchedAttrXPath locates the matched-records count, usually the
	// numberOfRecordsMatched attribute of csw:SearchResults.
	MatchedAttrXPath string `mapstructure:"matched_attr_xpath"`
	// SearchDefinitions maps canonical parameter names to the OGC filter
	// property they constrain.
	SearchDefinitions map[string]string `mapstructure:"search_definitions"`
}

// cswSearch speaks the OGC Catalogue Service for the Web: a POST GetRecords
// request with an ogc:Filter body and an XML record list in response.
type cswSearch struct {
	*base
	csw cswConfig
}

func newCSWSearch(provider *config.ProviderConfig, cfg *config.PluginConfig) (plugins.Search, error) {
	b, err := newBase(provider, cfg)
	if err != nil {
		return nil, err
	}
	s := &cswSearch{base: b}
	if err := cfg.Decode(&s.csw); err != nil {
		return nil, err
	}
	if s.csw.OutputSchema == "" {
		s.csw.OutputSchema = "http://www.opengis.net/cat/csw/2.0.2"
	}
	if s.csw.RecordXPath == "" {
		s.csw.RecordXPath = "//csw:SearchResults/csw:Record"
	}
	if s.csw.MatchedAttrXPath == "" {
		s.csw.MatchedAttrXPath = "//csw:SearchResults/@numberOfRecordsMatched"
	}
	return s, nil
}

func (s *cswSearch) Query(ctx context.Context, prep *plugins.PreparedSearch) ([]*model.Product, *int, error) {
	p, err := s.prepare(prep)
	if err != nil {
		return nil, nil, err
	}

	body := s.getRecordsRequest(p, prep)
	raw, err := s.doRequest(ctx, http.MethodPost, s.cfg.APIEndpoint, body, "application/xml", prep.Auth)
	if err != nil {
		return nil, nil, err
	}

	doc, ns, err := mapping.ParseXML(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, err
	}
	if _, ok := ns["csw"]; !ok {
		ns["csw"] = "http://www.opengis.net/cat/csw/2.0.2"
	}
	if _, ok := ns["dc"]; !ok {
		ns["dc"] = "http://purl.org/dc/elements/1.1/"
	}
	if _, ok := ns["ows"]; !ok {
		ns["ows"] = "http://www.opengis.net/ows"
	}

	records, err := mapping.QueryXPath(doc, s.csw.RecordXPath, ns)
	if err != nil {
		return nil, nil, err
	}

	products := make([]*model.Product, 0, len(records))
	for _, record := range records {
		product, err := s.normalizeRecord(record, ns, p, prep)
		if err != nil {
			return nil, nil, err
		}
		products = append(products, product)
	}

	var total *int
	if prep.Count {
		if nodes, err := mapping.QueryXPath(doc, s.csw.MatchedAttrXPath, ns); err == nil && len(nodes) == 1 {
			if n, err := strconv.Atoi(nodes[0].InnerText()); err == nil {
				total = &n
			}
		}
	}
	return products, total, nil
}

func (s *cswSearch) normalizeRecord(record *xmlquery.Node, ns map[string]string, p *prepared, prep *plugins.PreparedSearch) (*model.Product, error) {
	extracted, err := p.mapping.ExtractXML(record, ns)
	if err != nil {
		return nil, err
	}

	properties := p.settings.Defaults()
	for k, v := range extracted {
		if mapping.IsNotAvailable(v) {
			if _, hasDefault := properties[k]; hasDefault {
				continue
			}
		}
		properties[k] = v
	}

	product, err := productFromProperties(s.provider, properties, p, prep)
	if err != nil {
		return nil, err
	}
	return product, nil
}

// getRecordsRequest builds the GetRecords envelope. Constraints are
// PropertyIsLike comparisons, one per known search parameter, combined with
// ogc:And when several apply.
func (s *cswSearch) getRecordsRequest(p *prepared, prep *plugins.PreparedSearch) []byte {
	var constraints []string
	add := func(property string, value any) {
		constraints = append(constraints, fmt.Sprintf(
			`<ogc:PropertyIsLike wildCard="*" singleChar="_" escapeChar="\"><ogc:PropertyName>%s</ogc:PropertyName><ogc:Literal>%s</ogc:Literal></ogc:PropertyIsLike>`,
			property, xmlEscape(fmt.Sprintf("%v", value))))
	}

	for param, property := range s.csw.SearchDefinitions {
		if v, ok := p.params[param]; ok && v != nil {
			add(property, v)
		}
	}
	if len(s.csw.SearchDefinitions) == 0 {
		add("dc:type", p.settings.ProviderProductType())
	}

	filter := ""
	switch len(constraints) {
	case 0:
	case 1:
		filter = constraints[0]
	default:
		joined := ""
		for _, c := range constraints {
			joined += c
		}
		filter = "<ogc:And>" + joined + "</ogc:And>"
	}
	if filter != "" {
		filter = `<csw:Constraint version="1.1.0"><ogc:Filter xmlns:ogc="http://www.opengis.net/ogc">` + filter + `</ogc:Filter></csw:Constraint>`
	}

	start := (prep.Page-1)*prep.ItemsPerPage + 1
	return fmt.Appendf(nil,
		`<?xml version="1.0" encoding="UTF-8"?>`+
			`<csw:GetRecords xmlns:csw="http://www.opengis.net/cat/csw/2.0.2" service="CSW" version="2.0.2" resultType="results" startPosition="%d" maxRecords="%d" outputSchema="%s">`+
			`<csw:Query typeNames="csw:Record"><csw:ElementSetName>full</csw:ElementSetName>%s</csw:Query>`+
			`</csw:GetRecords>`,
		start, prep.ItemsPerPage, s.csw.OutputSchema, filter)
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}
