// Package auth implements the authentication strategies: HTTP basic and
// digest, static headers, query-string keys, bearer tokens, the OIDC
// password, authorization-code and token-exchange flows, AWS credential
// chains and SAS signed URLs.
//
// Every plugin returns an Authenticator that mutates outgoing requests;
// token state lives in a session shared by concurrent callers, with
// single-flight renewal.
package auth

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
)

// HeaderAuthenticator injects static headers into requests.
type HeaderAuthenticator struct {
	Headers map[string]string
}

func (a *HeaderAuthenticator) AuthenticateRequest(req *http.Request) error {
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	return nil
}

// BasicAuthenticator sets HTTP basic credentials.
type BasicAuthenticator struct {
	Username, Password string
}

func (a *BasicAuthenticator) AuthenticateRequest(req *http.Request) error {
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

// QueryAuthenticator appends parameters to the request URL.
type QueryAuthenticator struct {
	Params url.Values
}

func (a *QueryAuthenticator) AuthenticateRequest(req *http.Request) error {
	q := req.URL.Query()
	for k, vs := range a.Params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	req.URL.RawQuery = q.Encode()
	return nil
}

// BearerAuthenticator injects a token, as a header (default Authorization:
// Bearer) or as a query-string parameter when QueryParam is set.
type BearerAuthenticator struct {
	Token      string
	Header     string
	QueryParam string
}

func (a *BearerAuthenticator) AuthenticateRequest(req *http.Request) error {
	if a.QueryParam != "" {
		q := req.URL.Query()
		q.Set(a.QueryParam, a.Token)
		req.URL.RawQuery = q.Encode()
		return nil
	}
	header := a.Header
	if header == "" {
		header = "Authorization"
	}
	value := a.Token
	if header == "Authorization" && !strings.HasPrefix(value, "Bearer ") {
		value = "Bearer " + value
	}
	req.Header.Set(header, value)
	return nil
}

// tokenSession holds token state shared across concurrent requests to one
// provider. Renewal is single-flight: at most one refresh in flight,
// waiters block until it completes.
type tokenSession struct {
	mu sync.RWMutex
	sf singleflight.Group

	token        string
	refreshToken string
	expiry       time.Time
}

func (s *tokenSession) current() (token string, valid bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", false
	}
	if !s.expiry.IsZero() && time.Now().After(s.expiry) {
		return s.token, false
	}
	return s.token, true
}

func (s *tokenSession) store(token, refresh string, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	if refresh != "" {
		s.refreshToken = refresh
	}
	s.expiry = expiry
}

// renew runs fn once even under concurrent callers and returns the token it
// produced.
func (s *tokenSession) renew(fn func() (string, error)) (string, error) {
	v, err, _ := s.sf.Do("renew", func() (any, error) {
		// A racer may have refreshed while we queued.
		if token, valid := s.current(); valid {
			return token, nil
		}
		return fn()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// requireCredentials fetches mandatory credential keys, misconfigured when
// absent.
func requireCredentials(provider string, cfg *config.PluginConfig, keys ...string) (map[string]string, error) {
	if len(cfg.Credentials) == 0 {
		return nil, &errs.MisconfiguredError{Provider: provider, Message: "missing credentials"}
	}
	for _, key := range keys {
		if cfg.Credentials[key] == "" {
			return nil, &errs.MisconfiguredError{Provider: provider, Message: "missing credential " + key}
		}
	}
	return cfg.Credentials, nil
}

// substituteCredentials replaces {key} placeholders with credential values.
func substituteCredentials(tpl string, credentials map[string]string) string {
	out := tpl
	for k, v := range credentials {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
