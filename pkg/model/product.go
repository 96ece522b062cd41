// Package model holds the common product model every provider dialect is
// normalized into: products, search results, assets, product types and
// queryables.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/eodag/eodag/pkg/errs"
)

// Storage status values a provider may report for a product.
const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
	StatusStaging = "STAGING"
)

// Well-known property keys used across plugins.
const (
	PropertyStorageStatus = "storageStatus"
	PropertyDownloadLink  = "downloadLink"
	PropertyOrderLink     = "orderLink"
	PropertyTitle         = "title"
	PropertyID            = "id"
)

// Authenticator mutates an outgoing request with provider credentials,
// either by setting headers or by rewriting the URL.
type Authenticator interface {
	AuthenticateRequest(req *http.Request) error
}

// ProgressFunc receives (delta, total) byte counts while a product streams.
// total is -1 when the provider did not advertise a Content-Length.
type ProgressFunc func(delta, total int64)

// DownloadOptions tune a single download. Zero values fall back to the
// download plugin's configuration.
type DownloadOptions struct {
	OutputsPrefix string
	Extract       *bool
	DeleteArchive *bool
	// Wait is the retry period for OFFLINE products, Timeout the absolute
	// deadline after which retrying stops.
	Wait    time.Duration
	Timeout time.Duration
}

// Downloader stages a product to local storage and returns the final path.
type Downloader interface {
	Download(ctx context.Context, product *Product, auth Authenticator, opts *DownloadOptions, progress ProgressFunc) (string, error)
}

// Cruncher filters a list of products after search.
type Cruncher interface {
	Proceed(products []*Product, args map[string]any) ([]*Product, error)
}

// Asset is a downloadable component of a product.
type Asset struct {
	Title string   `json:"title,omitempty"`
	Roles []string `json:"roles,omitempty"`
	Href  string   `json:"href"`
}

// Validate checks that the asset href is an absolute http(s), s3 or file URI.
func (a *Asset) Validate() error {
	u, err := url.Parse(a.Href)
	if err != nil {
		return &errs.ValidationError{Message: fmt.Sprintf("invalid asset href %q: %v", a.Href, err)}
	}
	switch u.Scheme {
	case "http", "https", "s3", "file":
		return nil
	}
	return &errs.UnsupportedDatasetAddressScheme{Scheme: u.Scheme}
}

// Product is the provider-agnostic representation of one EO product.
type Product struct {
	Provider    string
	ProductType string
	ID          string
	Title       string

	// Geometry is always WGS84.
	Geometry geom.T

	Properties map[string]any
	Assets     map[string]*Asset

	// Location is where the product currently lives. It starts equal to
	// RemoteLocation and becomes a file:// URI after a successful download.
	// RemoteLocation always preserves the origin.
	Location       string
	RemoteLocation string

	// SearchArgs is a snapshot of the search that produced this product,
	// kept for order-on-demand providers that rebuild the request at
	// download time.
	SearchArgs map[string]any

	// Non-owning references attached by the gateway. The plugin manager
	// owns the instances.
	Downloader     Downloader
	DownloaderAuth Authenticator
}

// NewProduct builds a product from extracted properties, pulling the
// well-known fields out of the property map.
func NewProduct(provider, productType string, properties map[string]any, geometry geom.T) *Product {
	p := &Product{
		Provider:    provider,
		ProductType: productType,
		Geometry:    geometry,
		Properties:  properties,
	}
	if id, ok := properties[PropertyID].(string); ok {
		p.ID = id
	}
	if title, ok := properties[PropertyTitle].(string); ok {
		p.Title = title
	}
	if p.Title == "" {
		p.Title = p.ID
	}
	if link, ok := properties[PropertyDownloadLink].(string); ok {
		p.RemoteLocation = link
		p.Location = link
	}
	return p
}

// IsOffline reports whether the provider marked this product as requiring
// an order before download.
func (p *Product) IsOffline() bool {
	status, _ := p.Properties[PropertyStorageStatus].(string)
	return status == StatusOffline || status == StatusStaging
}

// Download stages the product using the downloader and authenticator
// attached at search time.
func (p *Product) Download(ctx context.Context, opts *DownloadOptions, progress ProgressFunc) (string, error) {
	if p.Downloader == nil {
		return "", &errs.PluginImplementationError{Message: fmt.Sprintf("product %s has no downloader attached", p.ID)}
	}
	return p.Downloader.Download(ctx, p, p.DownloaderAuth, opts, progress)
}

// AsGeoJSON encodes the product as a GeoJSON Feature.
func (p *Product) AsGeoJSON() ([]byte, error) {
	var rawGeom json.RawMessage
	if p.Geometry != nil {
		g, err := geojson.Marshal(p.Geometry)
		if err != nil {
			return nil, fmt.Errorf("encoding geometry of %s: %w", p.ID, err)
		}
		rawGeom = g
	}

	props := make(map[string]any, len(p.Properties)+2)
	for k, v := range p.Properties {
		props[k] = v
	}
	props["provider"] = p.Provider
	props["productType"] = p.ProductType

	feature := map[string]any{
		"type":       "Feature",
		"id":         p.ID,
		"geometry":   rawGeom,
		"properties": props,
	}
	if len(p.Assets) > 0 {
		feature["assets"] = p.Assets
	}
	return json.Marshal(feature)
}
