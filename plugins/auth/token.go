package auth

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util"
	"github.com/eodag/eodag/plugins"
)

func init() {
	plugins.RegisterAuth("TokenAuth", newTokenAuth)
}

type tokenAuthConfig struct {
	AuthURI       string `mapstructure:"auth_uri"`
	RequestMethod string `mapstructure:"request_method"`
	// TokenType is "json" (extract TokenKey from the body) or "text" (the
	// whole body is the token).
	TokenType  string            `mapstructure:"token_type"`
	TokenKey   string            `mapstructure:"token_key"`
	ExpiryKey  string            `mapstructure:"token_expiration_key"`
	TokenTTL   int               `mapstructure:"token_ttl_s"`
	Headers    map[string]string `mapstructure:"headers"`
	AuthHeader string            `mapstructure:"auth_header"`
	// TokenQSKey switches injection from header to query-string mode.
	TokenQSKey string  `mapstructure:"token_qs_key"`
	Timeout    float64 `mapstructure:"timeout"`
}

// tokenAuth posts credentials to an auth endpoint and extracts a bearer
// token from the text or JSON response.
type tokenAuth struct {
	provider string
	cfg      tokenAuthConfig
	creds    map[string]string
	client   *http.Client
	timeout  time.Duration
	session  tokenSession
}

func newTokenAuth(provider string, cfg *config.PluginConfig) (plugins.Auth, error) {
	a := &tokenAuth{provider: provider}
	if err := cfg.Decode(&a.cfg); err != nil {
		return nil, err
	}
	if a.cfg.AuthURI == "" {
		return nil, &errs.MisconfiguredError{Provider: provider, Message: "TokenAuth needs an auth_uri"}
	}
	creds, err := requireCredentials(provider, cfg)
	if err != nil {
		return nil, err
	}
	a.creds = creds
	a.timeout = util.DefaultTimeout
	if a.cfg.Timeout > 0 {
		a.timeout = time.Duration(a.cfg.Timeout * float64(time.Second))
	}
	a.client = util.NewHTTPClient(a.timeout)
	return a, nil
}

func (a *tokenAuth) Provider() string { return a.provider }

func (a *tokenAuth) Authenticate(ctx context.Context) (model.Authenticator, error) {
	token, valid := a.session.current()
	if !valid {
		var err error
		token, err = a.session.renew(func() (string, error) {
			return a.fetchToken(ctx)
		})
		if err != nil {
			return nil, err
		}
	}
	return &BearerAuthenticator{Token: token, Header: a.cfg.AuthHeader, QueryParam: a.cfg.TokenQSKey}, nil
}

func (a *tokenAuth) fetchToken(ctx context.Context) (string, error) {
	method := strings.ToUpper(a.cfg.RequestMethod)
	if method == "" {
		method = http.MethodPost
	}

	var req *http.Request
	var err error
	if method == http.MethodGet {
		endpoint, _ := url.Parse(a.cfg.AuthURI)
		q := endpoint.Query()
		for k, v := range a.creds {
			q.Set(k, v)
		}
		endpoint.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, method, endpoint.String(), nil)
	} else {
		form := url.Values{}
		for k, v := range a.creds {
			form.Set(k, v)
		}
		req, err = http.NewRequestWithContext(ctx, method, a.cfg.AuthURI, strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
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
		return "", &errs.AuthenticationError{Provider: a.provider, Message: "reading token response", Err: err}
	}

	token := strings.TrimSpace(string(body))
	expiry := time.Time{}
	if a.cfg.TokenType == "json" {
		doc := gjson.ParseBytes(body)
		key := a.cfg.TokenKey
		if key == "" {
			key = "token"
		}
		token = doc.Get(key).String()
		if token == "" {
			return "", &errs.AuthenticationError{Provider: a.provider, Message: "token key " + key + " absent from auth response"}
		}
		if a.cfg.ExpiryKey != "" {
			if seconds := doc.Get(a.cfg.ExpiryKey).Int(); seconds > 0 {
				expiry = time.Now().Add(time.Duration(seconds) * time.Second)
			}
		}
	}
	if expiry.IsZero() && a.cfg.TokenTTL > 0 {
		expiry = time.Now().Add(time.Duration(a.cfg.TokenTTL) * time.Second)
	}

	a.session.store(token, "", expiry)
	return token, nil
}
