package util

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eodag/eodag/pkg/errs"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"S2A_MSIL1C_20210101", "S2A_MSIL1C_20210101"},
		{"some product / with: spaces", "some_product_with_spaces"},
		{"éèàü name", "eeau_name"},
		{"__wrapped__", "wrapped"},
		{"keep-dots.and-dashes_1.0", "keep-dots.and-dashes_1.0"},
	}
	for _, tt := range tests {
		got := Sanitize(tt.in)
		assert.Equal(t, tt.want, got)
		// Idempotency: sanitizing a sanitized name is a no-op.
		assert.Equal(t, got, Sanitize(got))
	}
}

func TestCanonicalJSON(t *testing.T) {
	m := map[string]any{
		"b": 2,
		"a": map[string]any{"y": "x", "x": []any{1, "two"}},
	}
	assert.Equal(t, `{"a":{"x":[1,"two"],"y":"x"},"b":2}`, CanonicalJSON(m))

	// Key order in the input never changes the digest.
	h1 := CanonicalJSONHash(map[string]any{"a": 1, "b": "c"})
	h2 := CanonicalJSONHash(map[string]any{"b": "c", "a": 1})
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 40)
}

func TestRecordName(t *testing.T) {
	name := RecordName("https://example.com/download/1")
	assert.Len(t, name, 32)
	assert.Equal(t, name, RecordName("https://example.com/download/1"))
	assert.NotEqual(t, name, RecordName("https://example.com/download/2"))
}

func TestDeepUpdate(t *testing.T) {
	dst := map[string]any{
		"a": 1,
		"nested": map[string]any{
			"keep":     true,
			"override": "old",
		},
	}
	src := map[string]any{
		"b": 2,
		"nested": map[string]any{
			"override": "new",
			"added":    3,
		},
	}

	out := DeepUpdate(dst, src)
	assert.Equal(t, 1, out["a"])
	assert.Equal(t, 2, out["b"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, true, nested["keep"])
	assert.Equal(t, "new", nested["override"])
	assert.Equal(t, 3, nested["added"])

	// A non-map destination value is replaced, not merged.
	out = DeepUpdate(map[string]any{"x": 1}, map[string]any{"x": map[string]any{"y": 2}})
	assert.Equal(t, map[string]any{"y": 2}, out["x"])

	assert.Equal(t, map[string]any{"k": "v"}, DeepUpdate(nil, map[string]any{"k": "v"}))
}

func TestCopyMap(t *testing.T) {
	src := map[string]any{
		"scalar": 1,
		"nested": map[string]any{"k": "v"},
		"list":   []any{1, 2},
	}
	cp := CopyMap(src)

	cp["nested"].(map[string]any)["k"] = "changed"
	cp["list"].([]any)[0] = 99

	assert.Equal(t, "v", src["nested"].(map[string]any)["k"])
	assert.Equal(t, 1, src["list"].([]any)[0])
	assert.Nil(t, CopyMap(nil))
}

func TestClassifyResponse(t *testing.T) {
	mkResp := func(code int, body string) *http.Response {
		rec := httptest.NewRecorder()
		rec.WriteHeader(code)
		_, _ = rec.WriteString(body)
		return rec.Result()
	}

	t.Run("success passes", func(t *testing.T) {
		resp := mkResp(200, "ok")
		require.NoError(t, ClassifyResponse("peps", resp, nil, DefaultTimeout, nil))
		// The body is left open for the caller on success.
		_, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
	})

	t.Run("unauthorized", func(t *testing.T) {
		err := ClassifyResponse("peps", mkResp(401, "bad token"), nil, DefaultTimeout, nil)
		require.True(t, errs.IsAuth(err))
		assert.Contains(t, err.Error(), "bad token")
	})

	t.Run("provider auth code", func(t *testing.T) {
		err := ClassifyResponse("peps", mkResp(400, ""), nil, DefaultTimeout, []int{400})
		assert.True(t, errs.IsAuth(err))
	})

	t.Run("server error", func(t *testing.T) {
		err := ClassifyResponse("peps", mkResp(500, "boom"), nil, DefaultTimeout, nil)
		var re *errs.RequestError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, 500, re.StatusCode)
	})

	t.Run("transport error", func(t *testing.T) {
		err := ClassifyResponse("peps", nil, io.ErrUnexpectedEOF, DefaultTimeout, nil)
		var re *errs.RequestError
		assert.ErrorAs(t, err, &re)
	})
}

func TestNewHTTPClientRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPClient(0)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, calls)
}

func TestNewHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewHTTPClient(0)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, calls)
}
