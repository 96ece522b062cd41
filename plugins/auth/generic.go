package auth

import (
	"context"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/plugins"
)

func init() {
	plugins.RegisterAuth("GenericAuth", newGenericAuth)
	plugins.RegisterAuth("HTTPHeaderAuth", newHTTPHeaderAuth)
	plugins.RegisterAuth("QueryStringAuth", newQueryStringAuth)
}

type genericAuthConfig struct {
	// Method is "basic" (default) or "digest".
	Method string `mapstructure:"method"`
}

// genericAuth wraps HTTP basic or digest authentication with credentials
// from the provider configuration.
type genericAuth struct {
	provider string
	cfg      genericAuthConfig
	creds    map[string]string
}

func newGenericAuth(provider string, cfg *config.PluginConfig) (plugins.Auth, error) {
	a := &genericAuth{provider: provider}
	if err := cfg.Decode(&a.cfg); err != nil {
		return nil, err
	}
	creds, err := requireCredentials(provider, cfg, "username", "password")
	if err != nil {
		return nil, err
	}
	a.creds = creds
	return a, nil
}

func (a *genericAuth) Provider() string { return a.provider }

func (a *genericAuth) Authenticate(_ context.Context) (model.Authenticator, error) {
	switch a.cfg.Method {
	case "", "basic":
		return &BasicAuthenticator{Username: a.creds["username"], Password: a.creds["password"]}, nil
	case "digest":
		return &DigestAuthenticator{Username: a.creds["username"], Password: a.creds["password"]}, nil
	default:
		return nil, &errs.MisconfiguredError{Provider: a.provider, Message: "unknown auth method " + a.cfg.Method}
	}
}

type httpHeaderAuthConfig struct {
	// Headers maps header names to templates with {credential} placeholders.
	Headers map[string]string `mapstructure:"headers"`
}

// httpHeaderAuth copies a configured header map, substituting credentials.
type httpHeaderAuth struct {
	provider string
	headers  map[string]string
}

func newHTTPHeaderAuth(provider string, cfg *config.PluginConfig) (plugins.Auth, error) {
	var hc httpHeaderAuthConfig
	if err := cfg.Decode(&hc); err != nil {
		return nil, err
	}
	if len(hc.Headers) == 0 {
		return nil, &errs.MisconfiguredError{Provider: provider, Message: "HTTPHeaderAuth needs a headers map"}
	}
	headers := make(map[string]string, len(hc.Headers))
	for k, tpl := range hc.Headers {
		headers[k] = substituteCredentials(tpl, cfg.Credentials)
	}
	return &httpHeaderAuth{provider: provider, headers: headers}, nil
}

func (a *httpHeaderAuth) Provider() string { return a.provider }

func (a *httpHeaderAuth) Authenticate(_ context.Context) (model.Authenticator, error) {
	return &HeaderAuthenticator{Headers: a.headers}, nil
}

// queryStringAuth appends the credentials as query-string parameters.
type queryStringAuth struct {
	provider string
	creds    map[string]string
}

func newQueryStringAuth(provider string, cfg *config.PluginConfig) (plugins.Auth, error) {
	creds, err := requireCredentials(provider, cfg)
	if err != nil {
		return nil, err
	}
	return &queryStringAuth{provider: provider, creds: creds}, nil
}

func (a *queryStringAuth) Provider() string { return a.provider }

func (a *queryStringAuth) Authenticate(_ context.Context) (model.Authenticator, error) {
	auth := &QueryAuthenticator{Params: map[string][]string{}}
	for k, v := range a.creds {
		auth.Params.Set(k, v)
	}
	return auth, nil
}
