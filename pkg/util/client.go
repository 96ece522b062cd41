package util

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/eodag/eodag/pkg/errs"
)

// DefaultTimeout applies to short HTTP calls (search pages, auth endpoints).
// Downloads use their own, much longer, timeout.
const DefaultTimeout = 5 * time.Second

// NewHTTPClient builds the shared retrying HTTP client used by search, auth
// and download plugins. Retries cover transient transport failures and 5xx;
// 4xx are returned to the caller untouched so auth errors can be classified.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil

	client := rc.StandardClient()
	client.Timeout = timeout
	return client
}

// ClassifyResponse maps an HTTP response or transport error to the engine's
// error taxonomy. authErrorCodes lists provider-specific statuses (beyond
// 401/403) that mean "credentials problem" rather than "request problem".
// The body of an error response is read (and closed) so the server message
// survives into the returned error.
func ClassifyResponse(provider string, resp *http.Response, err error, timeout time.Duration, authErrorCodes []int) error {
	if err != nil {
		if isTimeout(err) {
			return &errs.TimeOutError{Timeout: timeout, Err: err}
		}
		return &errs.RequestError{Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || containsInt(authErrorCodes, resp.StatusCode) {
		return &errs.AuthenticationError{Provider: provider, Message: "HTTP " + resp.Status + ": " + string(body)}
	}
	return &errs.RequestError{StatusCode: resp.StatusCode, Message: string(body)}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
