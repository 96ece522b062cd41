package auth

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util"
	"github.com/eodag/eodag/plugins"
)

func init() {
	plugins.RegisterAuth("SASAuth", newSASAuth)
}

type sasAuthConfig struct {
	// SignedURLTpl is the signing endpoint, with {url} marking the
	// resource to sign.
	SignedURLTpl string `mapstructure:"signed_url_tpl"`
	// SignedURLKey extracts the signed URL from the JSON response.
	SignedURLKey string `mapstructure:"signed_url_key"`
	// ExpiryKey extracts the RFC 3339 expiry; when absent the "se" query
	// parameter of the signed URL is used.
	ExpiryKey string            `mapstructure:"expiry_key"`
	Headers   map[string]string `mapstructure:"headers"`
	Timeout   float64           `mapstructure:"timeout"`
}

type signedURL struct {
	href   string
	expiry time.Time
}

// sasAuth obtains time-limited signed URLs from a signing endpoint and
// transparently substitutes them in outgoing requests. Signed URLs are
// cached by original URL while now < expiry.
type sasAuth struct {
	provider string
	cfg      sasAuthConfig
	creds    map[string]string
	client   *http.Client
	timeout  time.Duration

	mu    sync.Mutex
	cache map[string]signedURL
}

func newSASAuth(provider string, cfg *config.PluginConfig) (plugins.Auth, error) {
	a := &sasAuth{provider: provider, creds: cfg.Credentials, cache: map[string]signedURL{}}
	if err := cfg.Decode(&a.cfg); err != nil {
		return nil, err
	}
	if a.cfg.SignedURLTpl == "" {
		return nil, &errs.MisconfiguredError{Provider: provider, Message: "SASAuth needs a signed_url_tpl"}
	}
	if a.cfg.SignedURLKey == "" {
		a.cfg.SignedURLKey = "href"
	}
	a.timeout = util.DefaultTimeout
	if a.cfg.Timeout > 0 {
		a.timeout = time.Duration(a.cfg.Timeout * float64(time.Second))
	}
	a.client = util.NewHTTPClient(a.timeout)
	return a, nil
}

func (a *sasAuth) Provider() string { return a.provider }

func (a *sasAuth) Authenticate(_ context.Context) (model.Authenticator, error) {
	return &sasAuthenticator{plugin: a}, nil
}

// sasAuthenticator rewrites request URLs to their signed form, fetching a
// signature on first use.
type sasAuthenticator struct {
	plugin *sasAuth
}

func (s *sasAuthenticator) AuthenticateRequest(req *http.Request) error {
	signed, err := s.plugin.signedFor(req.Context(), req.URL.String())
	if err != nil {
		return err
	}
	target, err := url.Parse(signed)
	if err != nil {
		return &errs.AuthenticationError{Provider: s.plugin.provider, Message: "signing endpoint returned invalid URL", Err: err}
	}
	req.URL = target
	req.Host = ""
	return nil
}

func (a *sasAuth) signedFor(ctx context.Context, original string) (string, error) {
	a.mu.Lock()
	cached, ok := a.cache[original]
	a.mu.Unlock()
	if ok && time.Now().Before(cached.expiry) {
		return cached.href, nil
	}

	endpoint := strings.ReplaceAll(a.cfg.SignedURLTpl, "{url}", url.QueryEscape(original))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	for k, tpl := range a.cfg.Headers {
		req.Header.Set(k, substituteCredentials(tpl, a.creds))
	}

	resp, err := a.client.Do(req)
	if cerr := util.ClassifyResponse(a.provider, resp, err, a.timeout, nil); cerr != nil {
		return "", cerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &errs.AuthenticationError{Provider: a.provider, Message: "reading signing response", Err: err}
	}
	doc := gjson.ParseBytes(body)
	href := doc.Get(a.cfg.SignedURLKey).String()
	if href == "" {
		return "", &errs.AuthenticationError{Provider: a.provider, Message: "no " + a.cfg.SignedURLKey + " in signing response"}
	}

	expiry := a.parseExpiry(doc, href)
	a.mu.Lock()
	a.cache[original] = signedURL{href: href, expiry: expiry}
	a.mu.Unlock()
	return href, nil
}

func (a *sasAuth) parseExpiry(doc gjson.Result, href string) time.Time {
	if a.cfg.ExpiryKey != "" {
		if t, err := time.Parse(time.RFC3339, doc.Get(a.cfg.ExpiryKey).String()); err == nil {
			return t
		}
	}
	// Shared-access signatures carry their expiry in the "se" parameter.
	if u, err := url.Parse(href); err == nil {
		if t, err := time.Parse(time.RFC3339, u.Query().Get("se")); err == nil {
			return t
		}
	}
	return time.Now().Add(time.Minute)
}
