package download

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util"
	"github.com/eodag/eodag/plugins"
)

func init() {
	plugins.RegisterDownload("S3RestDownload", newS3RestDownload)
}

type s3RestConfig struct {
	baseConfig `mapstructure:",squash"`

	// BaseURI is the REST endpoint serving bucket listings and objects.
	BaseURI string `mapstructure:"base_uri"`
	// BucketPathLevel is the index of the bucket inside the product path.
	BucketPathLevel int `mapstructure:"bucket_path_level"`
}

// s3RestDownload serves providers exposing their object store through a
// plain REST facade: the bucket listing is an S3-style XML document but
// authentication is ordinary HTTP, not AWS signatures.
type s3RestDownload struct {
	*base
	s3rest s3RestConfig
	client *http.Client
}

func newS3RestDownload(provider *config.ProviderConfig, cfg *config.PluginConfig) (plugins.Download, error) {
	b, err := newBase(provider, cfg)
	if err != nil {
		return nil, err
	}
	d := &s3RestDownload{base: b}
	if err := cfg.Decode(&d.s3rest); err != nil {
		return nil, err
	}
	if d.s3rest.BaseURI == "" {
		return nil, &errs.MisconfiguredError{Provider: provider.Name, Message: "S3RestDownload needs a base_uri"}
	}
	d.client = util.NewHTTPClient(b.timeout)
	return d, nil
}

func (d *s3RestDownload) Download(ctx context.Context, product *model.Product, auth model.Authenticator, opts *model.DownloadOptions, progress model.ProgressFunc) (string, error) {
	st, done, err := d.prepare(product, opts)
	if err != nil {
		return "", err
	}
	if done != "" {
		return done, nil
	}

	bucket, prefix, err := d.bucketAndPrefix(product)
	if err != nil {
		return "", err
	}
	keys, err := d.listKeys(ctx, bucket, prefix, auth)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", &errs.NotAvailableError{Message: fmt.Sprintf("no object found under %s/%s", bucket, prefix)}
	}

	if err := os.MkdirAll(st.dest, 0o755); err != nil {
		return "", &errs.DownloadError{Message: "creating product dir", Err: err}
	}
	for _, key := range keys {
		if err := d.fetchKey(ctx, bucket, prefix, key, st.dest, auth, progress); err != nil {
			return "", err
		}
	}

	if d.cfg.FlattenTopDirs {
		if err := flattenTopDirs(st.dest); err != nil {
			return "", err
		}
	}
	if err := writeRecord(st.record, product.RemoteLocation); err != nil {
		return "", err
	}
	product.Location = "file://" + st.dest
	return st.dest, nil
}

// bucketAndPrefix splits the product location into the bucket and the key
// prefix of its objects.
func (d *s3RestDownload) bucketAndPrefix(product *model.Product) (string, string, error) {
	loc, err := resolveLocation(product)
	if err != nil {
		return "", "", err
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", "", &errs.AddressNotFound{Address: loc}
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	level := d.s3rest.BucketPathLevel
	if level >= len(parts) {
		return "", "", &errs.AddressNotFound{Address: loc}
	}
	bucket := parts[level]
	prefix := strings.Join(parts[level+1:], "/")
	return bucket, prefix, nil
}

// listKeys fetches the XML bucket listing and returns the object keys under
// prefix.
func (d *s3RestDownload) listKeys(ctx context.Context, bucket, prefix string, auth model.Authenticator) ([]string, error) {
	listURL := fmt.Sprintf("%s/%s?prefix=%s", strings.TrimSuffix(d.s3rest.BaseURI, "/"), bucket, url.QueryEscape(prefix))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, &errs.RequestError{Err: err}
	}
	if auth != nil {
		if err := auth.AuthenticateRequest(req); err != nil {
			return nil, err
		}
	}
	resp, err := d.client.Do(req)
	if cerr := util.ClassifyResponse(d.provider, resp, err, d.timeout, d.cfg.AuthErrorCode); cerr != nil {
		return nil, cerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.DownloadError{Message: "reading bucket listing", Err: err}
	}
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &errs.DownloadError{Message: "parsing bucket listing", Err: err}
	}

	var keys []string
	for _, node := range xmlquery.Find(doc, "//*[local-name()='Contents']/*[local-name()='Key']") {
		key := strings.TrimSpace(node.InnerText())
		if key != "" && !strings.HasSuffix(key, "/") {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (d *s3RestDownload) fetchKey(ctx context.Context, bucket, prefix, key, dest string, auth model.Authenticator, progress model.ProgressFunc) error {
	objectURL := fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(d.s3rest.BaseURI, "/"), bucket, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, objectURL, nil)
	if err != nil {
		return &errs.RequestError{Err: err}
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
	defer resp.Body.Close()

	// Keys keep their layout relative to the product prefix.
	rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
	if rel == "" {
		rel = path.Base(key)
	}
	target := filepath.Join(dest, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &errs.DownloadError{Message: "creating object dir", Err: err}
	}
	if err := stream(resp.Body, target, resp.ContentLength, progress); err != nil {
		return &errs.DownloadError{Message: "streaming " + key, Err: err}
	}
	return nil
}
