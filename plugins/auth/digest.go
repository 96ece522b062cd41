package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/eodag/eodag/pkg/errs"
)

// DigestAuthenticator implements RFC 7616 digest access authentication
// (MD5, auth qop). The challenge is obtained with an unauthenticated probe
// of the first request's URL and cached; the nonce counter is shared across
// requests.
type DigestAuthenticator struct {
	Username, Password string

	mu        sync.Mutex
	realm     string
	nonce     string
	opaque    string
	qop       string
	nc        int
	probeDone bool
}

func (a *DigestAuthenticator) AuthenticateRequest(req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.probeDone {
		if err := a.probe(req); err != nil {
			return err
		}
		a.probeDone = true
	}
	if a.nonce == "" {
		return &errs.AuthenticationError{Message: "no digest challenge received"}
	}

	a.nc++
	cnonce := randomHex(8)

	ha1 := md5Hex(a.Username + ":" + a.realm + ":" + a.Password)
	ha2 := md5Hex(req.Method + ":" + req.URL.RequestURI())

	nc := fmt.Sprintf("%08x", a.nc)
	var response string
	if a.qop == "" {
		response = md5Hex(ha1 + ":" + a.nonce + ":" + ha2)
	} else {
		response = md5Hex(strings.Join([]string{ha1, a.nonce, nc, cnonce, a.qop, ha2}, ":"))
	}

	parts := []string{
		fmt.Sprintf(`username=%q`, a.Username),
		fmt.Sprintf(`realm=%q`, a.realm),
		fmt.Sprintf(`nonce=%q`, a.nonce),
		fmt.Sprintf(`uri=%q`, req.URL.RequestURI()),
		fmt.Sprintf(`response=%q`, response),
	}
	if a.qop != "" {
		parts = append(parts, "qop="+a.qop, "nc="+nc, fmt.Sprintf(`cnonce=%q`, cnonce))
	}
	if a.opaque != "" {
		parts = append(parts, fmt.Sprintf(`opaque=%q`, a.opaque))
	}
	req.Header.Set("Authorization", "Digest "+strings.Join(parts, ", "))
	return nil
}

func (a *DigestAuthenticator) probe(req *http.Request) error {
	probe, err := http.NewRequestWithContext(req.Context(), http.MethodGet, req.URL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(probe)
	if err != nil {
		return &errs.AuthenticationError{Message: "digest challenge probe failed", Err: err}
	}
	defer resp.Body.Close()

	challenge := resp.Header.Get("WWW-Authenticate")
	if resp.StatusCode != http.StatusUnauthorized || !strings.HasPrefix(challenge, "Digest ") {
		// Endpoint does not actually challenge; nothing to do.
		return nil
	}

	for _, kv := range splitChallenge(strings.TrimPrefix(challenge, "Digest ")) {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		v = strings.Trim(strings.TrimSpace(v), `"`)
		switch strings.TrimSpace(k) {
		case "realm":
			a.realm = v
		case "nonce":
			a.nonce = v
		case "opaque":
			a.opaque = v
		case "qop":
			// Pick "auth" when offered a list.
			for _, q := range strings.Split(v, ",") {
				if strings.TrimSpace(q) == "auth" {
					a.qop = "auth"
				}
			}
			if a.qop == "" {
				a.qop = strings.TrimSpace(strings.Split(v, ",")[0])
			}
		}
	}
	return nil
}

// splitChallenge splits on commas outside quoted strings.
func splitChallenge(s string) []string {
	var out []string
	var buf strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			buf.WriteRune(r)
		case r == ',' && !inQuotes:
			out = append(out, strings.TrimSpace(buf.String()))
			buf.Reset()
		default:
			buf.WriteRune(r)
		}
	}
	if buf.Len() > 0 {
		out = append(out, strings.TrimSpace(buf.String()))
	}
	return out
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
