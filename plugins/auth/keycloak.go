package auth

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util"
	"github.com/eodag/eodag/pkg/util/log"
	"github.com/eodag/eodag/plugins"
)

func init() {
	plugins.RegisterAuth("KeycloakOIDCPasswordAuth", newKeycloakAuth)
}

type keycloakAuthConfig struct {
	AuthBaseURI  string `mapstructure:"auth_base_uri"`
	Realm        string `mapstructure:"realm"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	// TokenProvision is "header" (default) or "qs"; TokenQSKey names the
	// query parameter in qs mode.
	TokenProvision string  `mapstructure:"token_provision"`
	TokenQSKey     string  `mapstructure:"token_qs_key"`
	Timeout        float64 `mapstructure:"timeout"`
}

// keycloakAuth implements the OIDC resource-owner password grant against a
// Keycloak realm, with refresh-token rotation. When a refresh fails but a
// previously retrieved access token is still cached it is reused, which
// accommodates one-time-password logins.
type keycloakAuth struct {
	provider string
	cfg      keycloakAuthConfig
	creds    map[string]string
	client   *http.Client
	timeout  time.Duration
	session  tokenSession
}

func newKeycloakAuth(provider string, cfg *config.PluginConfig) (plugins.Auth, error) {
	a := &keycloakAuth{provider: provider}
	if err := cfg.Decode(&a.cfg); err != nil {
		return nil, err
	}
	if a.cfg.AuthBaseURI == "" || a.cfg.Realm == "" || a.cfg.ClientID == "" {
		return nil, &errs.MisconfiguredError{Provider: provider, Message: "KeycloakOIDCPasswordAuth needs auth_base_uri, realm and client_id"}
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
	a.client = util.NewHTTPClient(a.timeout)
	return a, nil
}

func (a *keycloakAuth) Provider() string { return a.provider }

func (a *keycloakAuth) tokenEndpoint() string {
	return strings.TrimRight(a.cfg.AuthBaseURI, "/") + "/realms/" + a.cfg.Realm + "/protocol/openid-connect/token"
}

func (a *keycloakAuth) Authenticate(ctx context.Context) (model.Authenticator, error) {
	token, valid := a.session.current()
	if !valid {
		var err error
		token, err = a.session.renew(func() (string, error) {
			return a.grantToken(ctx)
		})
		if err != nil {
			return nil, err
		}
	}
	if a.cfg.TokenProvision == "qs" {
		qsKey := a.cfg.TokenQSKey
		if qsKey == "" {
			qsKey = "totp"
		}
		return &BearerAuthenticator{Token: token, QueryParam: qsKey}, nil
	}
	return &BearerAuthenticator{Token: token}, nil
}

// grantToken tries the refresh grant first when a refresh token is held,
// then falls back to the password grant. If both fail and a token is still
// cached, the cached one is reused (one-time passwords cannot be replayed).
func (a *keycloakAuth) grantToken(ctx context.Context) (string, error) {
	a.session.mu.RLock()
	refresh := a.session.refreshToken
	cached := a.session.token
	a.session.mu.RUnlock()

	if refresh != "" {
		token, err := a.requestToken(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refresh},
			"client_id":     {a.cfg.ClientID},
			"client_secret": {a.cfg.ClientSecret},
		})
		if err == nil {
			return token, nil
		}
		level.Debug(log.Logger).Log("msg", "keycloak refresh grant failed, retrying password grant", "provider", a.provider, "err", err)
	}

	token, err := a.requestToken(ctx, url.Values{
		"grant_type":    {"password"},
		"username":      {a.creds["username"]},
		"password":      {a.creds["password"]},
		"client_id":     {a.cfg.ClientID},
		"client_secret": {a.cfg.ClientSecret},
	})
	if err != nil {
		if cached != "" {
			level.Warn(log.Logger).Log("msg", "token renewal failed, reusing cached token", "provider", a.provider, "err", err)
			return cached, nil
		}
		return "", err
	}
	return token, nil
}

func (a *keycloakAuth) requestToken(ctx context.Context, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenEndpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if cerr := util.ClassifyResponse(a.provider, resp, err, a.timeout, nil); cerr != nil {
		return "", cerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &errs.AuthenticationError{Provider: a.provider, Message: "reading token response", Err: err}
	}
	doc := gjson.ParseBytes(body)
	token := doc.Get("access_token").String()
	if token == "" {
		return "", &errs.AuthenticationError{Provider: a.provider, Message: "no access_token in response"}
	}

	expiry := time.Now().Add(time.Duration(doc.Get("expires_in").Int()) * time.Second)
	if doc.Get("expires_in").Int() == 0 {
		expiry = jwtExpiry(token)
	}
	a.session.store(token, doc.Get("refresh_token").String(), expiry)
	return token, nil
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// was just received over TLS from the issuer and only schedules renewal.
func jwtExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
