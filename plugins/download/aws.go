package download

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/plugins"
	"github.com/eodag/eodag/plugins/auth"
)

func init() {
	plugins.RegisterDownload("AwsDownload", newAwsDownload)
}

type awsDownloadConfig struct {
	baseConfig `mapstructure:",squash"`

	// S3Endpoint is the object-store endpoint, e.g.
	// "https://s3.us-west-2.amazonaws.com".
	S3Endpoint string `mapstructure:"s3_endpoint"`
	Region     string `mapstructure:"region"`
	// DefaultBucket is used when the product location carries no bucket.
	DefaultBucket string `mapstructure:"default_bucket"`
	// SafeRulesFile overrides the built-in SAFE layout rule table with a
	// YAML file of {pattern, target} rows.
	SafeRulesFile string `mapstructure:"safe_rules_file"`
}

// awsDownload fetches products straight from S3-compatible object stores.
// Products whose settings request it are reassembled into the SAFE layout
// after the objects land.
type awsDownload struct {
	*base
	aws       awsDownloadConfig
	safeRules []safeRule
}

func newAwsDownload(provider *config.ProviderConfig, cfg *config.PluginConfig) (plugins.Download, error) {
	b, err := newBase(provider, cfg)
	if err != nil {
		return nil, err
	}
	d := &awsDownload{base: b}
	if err := cfg.Decode(&d.aws); err != nil {
		return nil, err
	}
	if d.aws.S3Endpoint == "" {
		return nil, &errs.MisconfiguredError{Provider: provider.Name, Message: "AwsDownload needs an s3_endpoint"}
	}
	if d.aws.SafeRulesFile != "" {
		rules, err := loadSAFERules(d.aws.SafeRulesFile)
		if err != nil {
			return nil, &errs.MisconfiguredError{Provider: provider.Name, Message: err.Error()}
		}
		d.safeRules = rules
	}
	return d, nil
}

func (d *awsDownload) Download(ctx context.Context, product *model.Product, authn model.Authenticator, opts *model.DownloadOptions, progress model.ProgressFunc) (string, error) {
	st, done, err := d.prepare(product, opts)
	if err != nil {
		return "", err
	}
	if done != "" {
		return done, nil
	}

	client, requesterPays, err := d.client(authn)
	if err != nil {
		return "", err
	}
	bucket, prefix, err := d.bucketAndPrefix(product)
	if err != nil {
		return "", err
	}

	listOpts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	getOpts := minio.GetObjectOptions{}
	if requesterPays {
		listOpts.Set("x-amz-request-payer", "requester")
		getOpts.Set("x-amz-request-payer", "requester")
	}

	if err := os.MkdirAll(st.dest, 0o755); err != nil {
		return "", &errs.DownloadError{Message: "creating product dir", Err: err}
	}

	found := false
	for object := range client.ListObjects(ctx, bucket, listOpts) {
		if object.Err != nil {
			return "", &errs.DownloadError{Message: fmt.Sprintf("listing s3://%s/%s", bucket, prefix), Err: object.Err}
		}
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		found = true
		if err := d.fetchObject(ctx, client, bucket, prefix, object, getOpts, st.dest, progress); err != nil {
			return "", err
		}
	}
	if !found {
		return "", &errs.NotAvailableError{Message: fmt.Sprintf("no object found under s3://%s/%s", bucket, prefix)}
	}

	settings, err := d.providerConf.ProductSettingsFor(product.ProductType)
	if err == nil && settings.BuildSafe() {
		if err := buildSAFE(st.dest, product, d.safeRules); err != nil {
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

func (d *awsDownload) fetchObject(ctx context.Context, client *minio.Client, bucket, prefix string, object minio.ObjectInfo, getOpts minio.GetObjectOptions, dest string, progress model.ProgressFunc) error {
	obj, err := client.GetObject(ctx, bucket, object.Key, getOpts)
	if err != nil {
		return &errs.DownloadError{Message: "fetching " + object.Key, Err: err}
	}
	defer obj.Close()

	rel := strings.TrimPrefix(strings.TrimPrefix(object.Key, prefix), "/")
	if rel == "" {
		rel = path.Base(object.Key)
	}
	target := filepath.Join(dest, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &errs.DownloadError{Message: "creating object dir", Err: err}
	}
	if err := stream(obj, target, object.Size, progress); err != nil {
		return &errs.DownloadError{Message: "streaming " + object.Key, Err: err}
	}
	return nil
}

// client builds the object store client from the authenticator's credential
// chain. A missing or foreign authenticator degrades to anonymous access.
func (d *awsDownload) client(authn model.Authenticator) (*minio.Client, bool, error) {
	endpoint := d.aws.S3Endpoint
	secure := true
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		secure = u.Scheme != "http"
		endpoint = u.Host
	}

	creds := credentials.NewStatic("", "", "", credentials.SignatureAnonymous)
	requesterPays := false
	if awsAuth, ok := authn.(*auth.AWSAuthenticator); ok {
		creds = awsAuth.Creds
		requesterPays = awsAuth.RequesterPays
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: d.aws.Region,
	})
	if err != nil {
		return nil, false, &errs.MisconfiguredError{Provider: d.provider, Message: fmt.Sprintf("building object store client: %v", err)}
	}
	return client, requesterPays, nil
}

// bucketAndPrefix resolves the bucket and key prefix from the product
// location, accepting s3://bucket/prefix and bare prefix forms.
func (d *awsDownload) bucketAndPrefix(product *model.Product) (string, string, error) {
	loc, err := resolveLocation(product)
	if err != nil {
		return "", "", err
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", "", &errs.AddressNotFound{Address: loc}
	}
	switch u.Scheme {
	case "s3":
		return u.Host, strings.TrimPrefix(u.Path, "/"), nil
	case "http", "https":
		parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
		if len(parts) == 2 {
			return parts[0], parts[1], nil
		}
	}
	if d.aws.DefaultBucket != "" {
		return d.aws.DefaultBucket, strings.Trim(loc, "/"), nil
	}
	return "", "", &errs.AddressNotFound{Address: loc}
}
