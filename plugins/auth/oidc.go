package auth

import (
	"context"
	"crypto/rand"
	"io"
	"math/big"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util"
	"github.com/eodag/eodag/plugins"
)

func init() {
	plugins.RegisterAuth("OIDCAuthorizationCodeFlowAuth", newOIDCAuth)
	plugins.RegisterAuth("OIDCTokenExchangeAuth", newOIDCTokenExchange)
}

type oidcAuthConfig struct {
	AuthorizationURI string `mapstructure:"authorization_uri"`
	RedirectURI      string `mapstructure:"redirect_uri"`
	TokenURI         string `mapstructure:"token_uri"`
	ClientID         string `mapstructure:"client_id"`
	ClientSecret     string `mapstructure:"client_secret"`

	// LoginFormXpath locates the login form in the authorization page; the
	// form action is the authentication POST URL unless AuthenticationURI
	// is preconfigured.
	LoginFormXpath     string            `mapstructure:"login_form_xpath"`
	AuthenticationURI  string            `mapstructure:"authentication_uri"`
	ExtraLoginFormData map[string]string `mapstructure:"additional_login_form_data"`

	UserConsentNeeded    bool              `mapstructure:"user_consent_needed"`
	UserConsentFormXpath string            `mapstructure:"user_consent_form_xpath"`
	UserConsentFormData  map[string]string `mapstructure:"user_consent_form_data"`

	TokenKey       string  `mapstructure:"token_key"`
	TokenProvision string  `mapstructure:"token_provision"`
	TokenQSKey     string  `mapstructure:"token_qs_key"`
	Timeout        float64 `mapstructure:"timeout"`
}

// oidcAuth drives the OIDC authorization-code flow against providers whose
// login is an HTML form: fetch the authorization page, scrape the login
// form, post credentials, intercept the redirect back to redirect_uri and
// exchange the code for a token.
type oidcAuth struct {
	provider string
	cfg      oidcAuthConfig
	creds    map[string]string
	timeout  time.Duration
	session  tokenSession
}

func newOIDCAuth(provider string, cfg *config.PluginConfig) (plugins.Auth, error) {
	a := &oidcAuth{provider: provider}
	if err := cfg.Decode(&a.cfg); err != nil {
		return nil, err
	}
	if a.cfg.AuthorizationURI == "" || a.cfg.TokenURI == "" || a.cfg.RedirectURI == "" || a.cfg.ClientID == "" {
		return nil, &errs.MisconfiguredError{Provider: provider, Message: "OIDCAuthorizationCodeFlowAuth needs authorization_uri, token_uri, redirect_uri and client_id"}
	}
	creds, err := requireCredentials(provider, cfg, "username", "password")
	if err != nil {
		return nil, err
	}
	a.creds = creds
	a.timeout = util.DefaultTimeout
	if a.cfg.Timeout > 0 {
		a.timeout = time.Duration(a.cfg.Timeout * float64(time.Second))
	}
	return a, nil
}

func (a *oidcAuth) Provider() string { return a.provider }

func (a *oidcAuth) Authenticate(ctx context.Context) (model.Authenticator, error) {
	token, valid := a.session.current()
	if !valid {
		var err error
		token, err = a.session.renew(func() (string, error) {
			return a.runFlow(ctx)
		})
		if err != nil {
			return nil, err
		}
	}
	if a.cfg.TokenProvision == "qs" {
		return &BearerAuthenticator{Token: token, QueryParam: a.cfg.TokenQSKey}, nil
	}
	return &BearerAuthenticator{Token: token}, nil
}

const stateLength = 22

// randomState draws a 22-char alphanumeric state token.
func randomState() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	out := make([]byte, stateLength)
	for i := range out {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		out[i] = charset[n.Int64()]
	}
	return string(out)
}

func (a *oidcAuth) runFlow(ctx context.Context) (string, error) {
	state := randomState()

	jar, _ := cookiejar.New(nil)
	var capturedRedirect *url.URL
	client := util.NewHTTPClient(a.timeout)
	client.Jar = jar
	client.CheckRedirect = func(req *http.Request, _ []*http.Request) error {
		if strings.HasPrefix(req.URL.String(), a.cfg.RedirectURI) {
			capturedRedirect = req.URL
			return http.ErrUseLastResponse
		}
		return nil
	}

	code, err := a.obtainCode(ctx, client, state, &capturedRedirect)
	if err != nil {
		return "", err
	}
	return a.exchangeCode(ctx, client, code)
}

func (a *oidcAuth) obtainCode(ctx context.Context, client *http.Client, state string, captured **url.URL) (string, error) {
	authURL, _ := url.Parse(a.cfg.AuthorizationURI)
	q := authURL.Query()
	q.Set("client_id", a.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("scope", "openid")
	q.Set("state", state)
	q.Set("redirect_uri", a.cfg.RedirectURI)
	authURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if cerr := util.ClassifyResponse(a.provider, resp, err, a.timeout, nil); cerr != nil {
		return "", cerr
	}
	defer resp.Body.Close()

	// An already-authenticated session may redirect straight back.
	if *captured == nil {
		postURL, form, err := a.parseLoginForm(resp)
		if err != nil {
			return "", err
		}
		form.Set("username", a.creds["username"])
		form.Set("password", a.creds["password"])
		for k, v := range a.cfg.ExtraLoginFormData {
			form.Set(k, substituteCredentials(v, a.creds))
		}
		if err := a.submitForm(ctx, client, postURL, form, captured); err != nil {
			return "", err
		}
	}
	if *captured == nil {
		return "", &errs.AuthenticationError{Provider: a.provider, Message: "login did not redirect back to redirect_uri"}
	}

	redirectQuery := (*captured).Query()
	if redirectQuery.Get("state") != state {
		return "", &errs.AuthenticationError{Provider: a.provider, Message: "state mismatch in authorization redirect"}
	}
	code := redirectQuery.Get("code")
	if code == "" {
		return "", &errs.AuthenticationError{Provider: a.provider, Message: "no authorization code in redirect"}
	}
	return code, nil
}

func (a *oidcAuth) parseLoginForm(resp *http.Response) (string, url.Values, error) {
	doc, err := htmlquery.Parse(resp.Body)
	if err != nil {
		return "", nil, &errs.AuthenticationError{Provider: a.provider, Message: "parsing login page", Err: err}
	}
	formXpath := a.cfg.LoginFormXpath
	if formXpath == "" {
		formXpath = "//form"
	}
	form, err := htmlquery.Query(doc, formXpath)
	if err != nil || form == nil {
		return "", nil, &errs.AuthenticationError{Provider: a.provider, Message: "login form not found at " + formXpath}
	}

	postURL := a.cfg.AuthenticationURI
	if postURL == "" {
		postURL = htmlquery.SelectAttr(form, "action")
	}
	if postURL == "" {
		return "", nil, &errs.AuthenticationError{Provider: a.provider, Message: "cannot discover authentication POST URL"}
	}
	if base := resp.Request.URL; base != nil {
		if parsed, err := base.Parse(postURL); err == nil {
			postURL = parsed.String()
		}
	}

	values := url.Values{}
	collectHiddenInputs(form, values)
	return postURL, values, nil
}

func (a *oidcAuth) submitForm(ctx context.Context, client *http.Client, postURL string, form url.Values, captured **url.URL) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if cerr := util.ClassifyResponse(a.provider, resp, err, a.timeout, nil); cerr != nil {
		return cerr
	}
	defer resp.Body.Close()

	if *captured == nil && a.cfg.UserConsentNeeded {
		return a.submitConsent(ctx, client, resp, captured)
	}
	return nil
}

func (a *oidcAuth) submitConsent(ctx context.Context, client *http.Client, resp *http.Response, captured **url.URL) error {
	doc, err := htmlquery.Parse(resp.Body)
	if err != nil {
		return &errs.AuthenticationError{Provider: a.provider, Message: "parsing consent page", Err: err}
	}
	xp := a.cfg.UserConsentFormXpath
	if xp == "" {
		xp = "//form"
	}
	form, err := htmlquery.Query(doc, xp)
	if err != nil || form == nil {
		return &errs.AuthenticationError{Provider: a.provider, Message: "consent form not found"}
	}
	action := htmlquery.SelectAttr(form, "action")
	if base := resp.Request.URL; base != nil {
		if parsed, err := base.Parse(action); err == nil {
			action = parsed.String()
		}
	}

	values := url.Values{}
	collectHiddenInputs(form, values)
	for k, v := range a.cfg.UserConsentFormData {
		values.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	consentResp, err := client.Do(req)
	if cerr := util.ClassifyResponse(a.provider, consentResp, err, a.timeout, nil); cerr != nil {
		return cerr
	}
	consentResp.Body.Close()
	return nil
}

func collectHiddenInputs(form *html.Node, values url.Values) {
	inputs, _ := htmlquery.QueryAll(form, ".//input[@type='hidden']")
	for _, input := range inputs {
		if name := htmlquery.SelectAttr(input, "name"); name != "" {
			values.Set(name, htmlquery.SelectAttr(input, "value"))
		}
	}
}

func (a *oidcAuth) exchangeCode(ctx context.Context, client *http.Client, code string) (string, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {a.cfg.ClientID},
		"redirect_uri": {a.cfg.RedirectURI},
	}
	if a.cfg.ClientSecret != "" {
		form.Set("client_secret", a.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if cerr := util.ClassifyResponse(a.provider, resp, err, a.timeout, nil); cerr != nil {
		return "", cerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &errs.AuthenticationError{Provider: a.provider, Message: "reading token response", Err: err}
	}
	key := a.cfg.TokenKey
	if key == "" {
		key = "access_token"
	}
	doc := gjson.ParseBytes(body)
	token := doc.Get(key).String()
	if token == "" {
		return "", &errs.AuthenticationError{Provider: a.provider, Message: "no " + key + " in token response"}
	}

	expiry := time.Now().Add(time.Duration(doc.Get("expires_in").Int()) * time.Second)
	if doc.Get("expires_in").Int() == 0 {
		expiry = jwtExpiry(token)
	}
	a.session.store(token, doc.Get("refresh_token").String(), expiry)
	return token, nil
}

type oidcTokenExchangeConfig struct {
	TokenURI      string  `mapstructure:"token_uri"`
	Audience      string  `mapstructure:"audience"`
	SubjectIssuer string  `mapstructure:"subject_issuer"`
	ClientID      string  `mapstructure:"client_id"`
	Timeout       float64 `mapstructure:"timeout"`
	// Subject holds the nested OIDC flow configuration producing the
	// subject token.
	Subject map[string]any `mapstructure:"subject"`
}

// oidcTokenExchange runs a nested OIDC authorization-code flow to obtain a
// subject token, then exchanges it for the target audience.
type oidcTokenExchange struct {
	provider string
	cfg      oidcTokenExchangeConfig
	inner    *oidcAuth
	timeout  time.Duration
	session  tokenSession
}

func newOIDCTokenExchange(provider string, cfg *config.PluginConfig) (plugins.Auth, error) {
	a := &oidcTokenExchange{provider: provider}
	if err := cfg.Decode(&a.cfg); err != nil {
		return nil, err
	}
	if a.cfg.TokenURI == "" || a.cfg.Audience == "" || a.cfg.ClientID == "" {
		return nil, &errs.MisconfiguredError{Provider: provider, Message: "OIDCTokenExchangeAuth needs token_uri, audience and client_id"}
	}

	innerCfg := &config.PluginConfig{Type: "OIDCAuthorizationCodeFlowAuth", Credentials: cfg.Credentials, Fields: a.cfg.Subject}
	inner, err := newOIDCAuth(provider, innerCfg)
	if err != nil {
		return nil, err
	}
	a.inner = inner.(*oidcAuth)
	a.timeout = util.DefaultTimeout
	if a.cfg.Timeout > 0 {
		a.timeout = time.Duration(a.cfg.Timeout * float64(time.Second))
	}
	return a, nil
}

func (a *oidcTokenExchange) Provider() string { return a.provider }

func (a *oidcTokenExchange) Authenticate(ctx context.Context) (model.Authenticator, error) {
	token, valid := a.session.current()
	if !valid {
		var err error
		token, err = a.session.renew(func() (string, error) {
			return a.exchange(ctx)
		})
		if err != nil {
			return nil, err
		}
	}
	return &BearerAuthenticator{Token: token}, nil
}

func (a *oidcTokenExchange) exchange(ctx context.Context) (string, error) {
	subjectToken, err := a.inner.session.renew(func() (string, error) {
		return a.inner.runFlow(ctx)
	})
	if err != nil {
		return "", err
	}

	form := url.Values{
		"grant_type":         {"urn:ietf:params:oauth:grant-type:token-exchange"},
		"audience":           {a.cfg.Audience},
		"subject_token":      {subjectToken},
		"subject_issuer":     {a.cfg.SubjectIssuer},
		"client_id":          {a.cfg.ClientID},
		"subject_token_type": {"urn:ietf:params:oauth:token-type:access_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := util.NewHTTPClient(a.timeout)
	resp, err := client.Do(req)
	if cerr := util.ClassifyResponse(a.provider, resp, err, a.timeout, nil); cerr != nil {
		return "", cerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &errs.AuthenticationError{Provider: a.provider, Message: "reading exchanged token", Err: err}
	}
	doc := gjson.ParseBytes(body)
	token := doc.Get("access_token").String()
	if token == "" {
		return "", &errs.AuthenticationError{Provider: a.provider, Message: "no access_token in exchange response"}
	}
	expiry := time.Now().Add(time.Duration(doc.Get("expires_in").Int()) * time.Second)
	if doc.Get("expires_in").Int() == 0 {
		expiry = jwtExpiry(token)
	}
	a.session.store(token, "", expiry)
	return token, nil
}
