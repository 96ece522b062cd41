package download

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-kit/log/level"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util"
	"github.com/eodag/eodag/pkg/util/log"
	"github.com/eodag/eodag/plugins"
)

func init() {
	plugins.RegisterDownload("HTTPDownload", newHTTPDownload)
}

type httpDownloadConfig struct {
	baseConfig `mapstructure:",squash"`

	// OrderEnabled turns on the order step for OFFLINE products carrying an
	// orderLink.
	OrderEnabled bool              `mapstructure:"order_enabled"`
	OrderMethod  string            `mapstructure:"order_method"`
	OrderHeaders map[string]string `mapstructure:"order_headers"`
}

// httpDownload fetches products over plain HTTP(S). OFFLINE products are
// ordered first; while the provider stages them every attempt reports
// NotAvailableError so the retry loop keeps polling.
type httpDownload struct {
	*base
	http   httpDownloadConfig
	client *http.Client
}

func newHTTPDownload(provider *config.ProviderConfig, cfg *config.PluginConfig) (plugins.Download, error) {
	b, err := newBase(provider, cfg)
	if err != nil {
		return nil, err
	}
	d := &httpDownload{base: b}
	if err := cfg.Decode(&d.http); err != nil {
		return nil, err
	}
	if d.http.OrderMethod == "" {
		d.http.OrderMethod = http.MethodGet
	}
	d.client = util.NewHTTPClient(b.timeout)
	return d, nil
}

func (d *httpDownload) Download(ctx context.Context, product *model.Product, auth model.Authenticator, opts *model.DownloadOptions, progress model.ProgressFunc) (string, error) {
	st, done, err := d.prepare(product, opts)
	if err != nil {
		return "", err
	}
	if done != "" {
		return done, nil
	}

	if product.RemoteLocation == "" && len(product.Assets) > 0 {
		return d.downloadAssets(ctx, product, auth, st, opts, progress)
	}

	loc, err := resolveLocation(product)
	if err != nil {
		return "", err
	}

	if product.IsOffline() {
		if err := d.order(ctx, product, auth); err != nil {
			return "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return "", &errs.RequestError{Err: err}
	}
	if auth != nil {
		if err := auth.AuthenticateRequest(req); err != nil {
			return "", err
		}
	}
	resp, err := d.client.Do(req)
	if cerr := util.ClassifyResponse(d.provider, resp, err, d.timeout, d.cfg.AuthErrorCode); cerr != nil {
		if product.IsOffline() && isRetryableOrder(cerr) {
			return "", &errs.NotAvailableError{Message: fmt.Sprintf("%s is not yet available for download", product.ID)}
		}
		return "", cerr
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		// The provider acknowledged the order but the product is still
		// staging.
		return "", &errs.NotAvailableError{Message: fmt.Sprintf("%s is ordered and not yet available", product.ID)}
	}

	archivePath := st.dest + archiveSuffix(resp, loc)
	if err := stream(resp.Body, archivePath, resp.ContentLength, progress); err != nil {
		return "", &errs.DownloadError{Message: "streaming " + product.ID, Err: err}
	}
	return d.finalize(product, st, archivePath, opts)
}

// order submits the order request once per product.
func (d *httpDownload) order(ctx context.Context, product *model.Product, auth model.Authenticator) error {
	orderLink, _ := product.Properties[model.PropertyOrderLink].(string)
	if !d.http.OrderEnabled || orderLink == "" {
		return nil
	}
	if ordered, _ := product.Properties["orderStatus"].(string); ordered != "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, d.http.OrderMethod, orderLink, nil)
	if err != nil {
		return &errs.RequestError{Err: err}
	}
	for k, v := range d.http.OrderHeaders {
		req.Header.Set(k, v)
	}
	if auth != nil {
		if err := auth.AuthenticateRequest(req); err != nil {
			return err
		}
	}
	resp, err := d.client.Do(req)
	if cerr := util.ClassifyResponse(d.provider, resp, err, d.timeout, d.cfg.AuthErrorCode); cerr != nil {
		return cerr
	}
	resp.Body.Close()

	product.Properties["orderStatus"] = "ordered"
	level.Info(log.Logger).Log("msg", "product ordered", "provider", d.provider, "product", product.ID)
	return nil
}

// downloadAssets fetches every asset into a directory named after the
// product.
func (d *httpDownload) downloadAssets(ctx context.Context, product *model.Product, auth model.Authenticator, st *staging, opts *model.DownloadOptions, progress model.ProgressFunc) (string, error) {
	if err := os.MkdirAll(st.dest, 0o755); err != nil {
		return "", &errs.DownloadError{Message: "creating asset dir", Err: err}
	}

	for name, asset := range product.Assets {
		if err := asset.Validate(); err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.Href, nil)
		if err != nil {
			return "", &errs.RequestError{Err: err}
		}
		if auth != nil {
			if err := auth.AuthenticateRequest(req); err != nil {
				return "", err
			}
		}
		resp, err := d.client.Do(req)
		if cerr := util.ClassifyResponse(d.provider, resp, err, d.timeout, d.cfg.AuthErrorCode); cerr != nil {
			return "", cerr
		}

		target := filepath.Join(st.dest, util.Sanitize(assetFileName(name, asset, resp)))
		err = stream(resp.Body, target, resp.ContentLength, progress)
		resp.Body.Close()
		if err != nil {
			return "", &errs.DownloadError{Message: "streaming asset " + name, Err: err}
		}
	}

	if err := writeRecord(st.record, product.RemoteLocation+"#assets"); err != nil {
		return "", err
	}
	product.Location = "file://" + st.dest
	return st.dest, nil
}

func assetFileName(name string, asset *model.Asset, resp *http.Response) string {
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		if fn := params["filename"]; fn != "" {
			return fn
		}
	}
	if base := path.Base(resp.Request.URL.Path); base != "." && base != "/" {
		return base
	}
	if base := path.Base(asset.Href); base != "." && base != "/" {
		return base
	}
	return name
}

// archiveSuffix decides whether the payload lands as an archive file.
func archiveSuffix(resp *http.Response, loc string) string {
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		if fn := params["filename"]; fn != "" {
			switch {
			case strings.HasSuffix(fn, ".tar.gz"):
				return ".tar.gz"
			case isArchive(fn):
				return filepath.Ext(fn)
			}
			return ""
		}
	}
	u := strings.SplitN(loc, "?", 2)[0]
	switch {
	case strings.HasSuffix(u, ".zip"):
		return ".zip"
	case strings.HasSuffix(u, ".tar.gz"):
		return ".tar.gz"
	case strings.HasSuffix(u, ".tgz"):
		return ".tgz"
	case resp.Header.Get("Content-Type") == "application/zip":
		return ".zip"
	}
	return ""
}

// isRetryableOrder reports whether a download failure on an OFFLINE product
// means "keep waiting" rather than "give up": providers answer 404 or 500
// while a product is being restored from the archive.
func isRetryableOrder(err error) bool {
	var re *errs.RequestError
	if !errors.As(err, &re) {
		return false
	}
	switch re.StatusCode {
	case http.StatusNotFound, http.StatusAccepted, http.StatusInternalServerError, http.StatusServiceUnavailable:
		return true
	}
	return false
}
