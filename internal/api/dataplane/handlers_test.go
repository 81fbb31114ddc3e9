package dataplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/oriys/kvcache/internal/cache"
	"github.com/oriys/kvcache/internal/connector"
	"github.com/oriys/kvcache/internal/store"
)

func newTestServer(t *testing.T, c connector.Connector, maxValue int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	h := &Handler{Cache: cache.NewService(c, cache.Options{}), MaxValueBytes: maxValue}
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func memoryConnector() connector.Connector {
	return connector.NewPerRequest(store.NewMemoryDriver(), connector.Settings{URI: "mem://http", Database: "test"})
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func expect(t *testing.T, method, url, body string, wantCode int, wantBody string) {
	t.Helper()
	code, got := do(t, method, url, body)
	if code != wantCode || got != wantBody {
		t.Fatalf("%s %s: expected %d %q, got %d %q", method, url, wantCode, wantBody, code, got)
	}
}

func TestPutGetDeleteLifecycle(t *testing.T) {
	srv := newTestServer(t, memoryConnector(), 0)
	u := srv.URL + "/cache/foo"

	expect(t, http.MethodPut, u, "bar", http.StatusOK, "Value put successfully")
	expect(t, http.MethodGet, u, "", http.StatusOK, "bar")
	expect(t, http.MethodDelete, u, "", http.StatusOK, "Value deleted successfully")
	expect(t, http.MethodGet, u, "", http.StatusNotFound, "Key not found")
	expect(t, http.MethodDelete, u, "", http.StatusNotFound, "Key not found")
}

func TestPostReplacesValue(t *testing.T) {
	srv := newTestServer(t, memoryConnector(), 0)
	u := srv.URL + "/cache/k"

	expect(t, http.MethodPost, u, "v1", http.StatusOK, "Value put successfully")
	expect(t, http.MethodPost, u, "v2", http.StatusOK, "Value put successfully")
	expect(t, http.MethodGet, u, "", http.StatusOK, "v2")
}

func TestPutEmptyValue(t *testing.T) {
	srv := newTestServer(t, memoryConnector(), 0)
	u := srv.URL + "/cache/empty"

	expect(t, http.MethodPut, u, "", http.StatusOK, "Value put successfully")
	expect(t, http.MethodGet, u, "", http.StatusOK, "")
}

func TestPutValueTooLarge(t *testing.T) {
	srv := newTestServer(t, memoryConnector(), 4)
	u := srv.URL + "/cache/big"

	expect(t, http.MethodPut, u, "12345", http.StatusRequestEntityTooLarge, "Value too large")
	expect(t, http.MethodGet, u, "", http.StatusNotFound, "Key not found")
	expect(t, http.MethodPut, u, "1234", http.StatusOK, "Value put successfully")
}

func TestListKeys(t *testing.T) {
	srv := newTestServer(t, memoryConnector(), 0)

	resp, err := http.Get(srv.URL + "/cache/keys")
	if err != nil {
		t.Fatalf("GET /cache/keys: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("expected 200 [], got %d %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %q", ct)
	}

	expect(t, http.MethodPut, srv.URL+"/cache/a", "secret-1", http.StatusOK, "Value put successfully")
	expect(t, http.MethodPut, srv.URL+"/cache/b", "secret-2", http.StatusOK, "Value put successfully")

	code, raw := do(t, http.MethodGet, srv.URL+"/cache/keys", "")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if strings.Contains(raw, "secret") {
		t.Fatalf("key listing leaked values: %s", raw)
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		t.Fatalf("invalid JSON %q: %v", raw, err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("expected [a b], got %v", keys)
	}
}

func TestQueryParameterKey(t *testing.T) {
	srv := newTestServer(t, memoryConnector(), 0)

	expect(t, http.MethodPut, srv.URL+"/cache?key=q", "v", http.StatusOK, "Value put successfully")
	expect(t, http.MethodGet, srv.URL+"/cache/q", "", http.StatusOK, "v")
	expect(t, http.MethodGet, srv.URL+"/cache?key=q", "", http.StatusOK, "v")
	expect(t, http.MethodGet, srv.URL+"/cache", "", http.StatusBadRequest, "Key is required")
	expect(t, http.MethodPut, srv.URL+"/cache", "v", http.StatusBadRequest, "Key is required")
}

func TestEscapedKey(t *testing.T) {
	srv := newTestServer(t, memoryConnector(), 0)

	expect(t, http.MethodPut, srv.URL+"/cache/a%2Fb", "slash", http.StatusOK, "Value put successfully")
	expect(t, http.MethodGet, srv.URL+"/cache/a%2Fb", "", http.StatusOK, "slash")
}

func TestInvalidUTF8KeyRejected(t *testing.T) {
	srv := newTestServer(t, memoryConnector(), 0)

	expect(t, http.MethodPut, srv.URL+"/cache/%FF", "v", http.StatusBadRequest, "Key must be valid UTF-8")
	expect(t, http.MethodGet, srv.URL+"/cache/%FF", "", http.StatusBadRequest, "Key must be valid UTF-8")
	expect(t, http.MethodDelete, srv.URL+"/cache?key=%FF", "", http.StatusBadRequest, "Key must be valid UTF-8")

	code, raw := do(t, http.MethodGet, srv.URL+"/cache/keys", "")
	if code != http.StatusOK || strings.TrimSpace(raw) != "[]" {
		t.Fatalf("expected no stored keys, got %d %q", code, raw)
	}

	expect(t, http.MethodPut, srv.URL+"/cache/%C3%A9t%C3%A9", "summer", http.StatusOK, "Value put successfully")
	expect(t, http.MethodGet, srv.URL+"/cache/%C3%A9t%C3%A9", "", http.StatusOK, "summer")
}

func TestConcurrentRequests(t *testing.T) {
	srv := newTestServer(t, memoryConnector(), 0)

	call := func(method, url, body string) (int, string, error) {
		var r io.Reader
		if body != "" {
			r = strings.NewReader(body)
		}
		req, err := http.NewRequest(method, url, r)
		if err != nil {
			return 0, "", err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return 0, "", err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		return resp.StatusCode, string(data), err
	}

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := fmt.Sprintf("%s/cache/key-%d", srv.URL, i)
			value := fmt.Sprintf("value-%d", i)

			steps := []struct {
				method, body string
				code         int
				want         string
			}{
				{http.MethodPut, value, http.StatusOK, "Value put successfully"},
				{http.MethodGet, "", http.StatusOK, value},
				{http.MethodPut, value + "-v2", http.StatusOK, "Value put successfully"},
				{http.MethodGet, "", http.StatusOK, value + "-v2"},
				{http.MethodDelete, "", http.StatusOK, "Value deleted successfully"},
				{http.MethodGet, "", http.StatusNotFound, "Key not found"},
			}
			for _, st := range steps {
				code, got, err := call(st.method, u, st.body)
				if err != nil {
					t.Errorf("%s %s: %v", st.method, u, err)
					return
				}
				if code != st.code || got != st.want {
					t.Errorf("%s %s: expected %d %q, got %d %q", st.method, u, st.code, st.want, code, got)
					return
				}
			}
		}(i)
	}

	// A shared key written by every worker ends up holding one of the values.
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if code, _, err := call(http.MethodPut, srv.URL+"/cache/shared", fmt.Sprintf("w%d", i)); err != nil || code != http.StatusOK {
				t.Errorf("PUT shared: %d, %v", code, err)
			}
		}(i)
	}
	wg.Wait()

	code, got := do(t, http.MethodGet, srv.URL+"/cache/shared", "")
	if code != http.StatusOK || !strings.HasPrefix(got, "w") {
		t.Fatalf("expected one of the written values, got %d %q", code, got)
	}
	code, raw := do(t, http.MethodGet, srv.URL+"/cache/keys", "")
	if code != http.StatusOK || strings.TrimSpace(raw) != `["shared"]` {
		t.Fatalf("expected only the shared key left, got %d %q", code, raw)
	}
}

func TestMissingConfigurationReturns500(t *testing.T) {
	c := connector.NewPerRequest(store.NewMemoryDriver(), connector.Settings{URI: "mem://http"})
	srv := newTestServer(t, c, 0)

	expect(t, http.MethodGet, srv.URL+"/cache/foo", "", http.StatusInternalServerError, "Internal server error")
	expect(t, http.MethodPut, srv.URL+"/cache/foo", "bar", http.StatusInternalServerError, "Internal server error")
	expect(t, http.MethodDelete, srv.URL+"/cache/foo", "", http.StatusInternalServerError, "Internal server error")
	expect(t, http.MethodGet, srv.URL+"/cache/keys", "", http.StatusInternalServerError, "Internal server error")
}

// brokenDriver fails every connection attempt with a message that must not
// reach clients.
type brokenDriver struct{}

func (brokenDriver) Name() string { return "broken" }

func (brokenDriver) Open(context.Context, string, string) (store.Conn, error) {
	return nil, store.Unavailable(errors.New("dial tcp 10.0.0.7:27017: password=hunter2 refused"))
}

func TestStoreFailureDoesNotLeakCause(t *testing.T) {
	c := connector.NewPerRequest(brokenDriver{}, connector.Settings{URI: "mongodb://10.0.0.7", Database: "test"})
	srv := newTestServer(t, c, 0)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		code, body := do(t, method, srv.URL+"/cache/foo", "bar")
		if code != http.StatusInternalServerError {
			t.Fatalf("%s: expected 500, got %d", method, code)
		}
		if strings.Contains(body, "hunter2") || strings.Contains(body, "10.0.0.7") {
			t.Fatalf("%s: response leaked cause: %q", method, body)
		}
	}
}

func TestHealthProbes(t *testing.T) {
	srv := newTestServer(t, memoryConnector(), 0)
	if code, _ := do(t, http.MethodGet, srv.URL+"/health/live", ""); code != http.StatusOK {
		t.Fatalf("live: expected 200, got %d", code)
	}
	code, body := do(t, http.MethodGet, srv.URL+"/health/ready", "")
	if code != http.StatusOK || !strings.Contains(body, `"per-request"`) {
		t.Fatalf("ready: expected 200 with strategy, got %d %q", code, body)
	}

	broken := newTestServer(t, connector.NewPerRequest(brokenDriver{}, connector.Settings{URI: "x", Database: "y"}), 0)
	code, body = do(t, http.MethodGet, broken.URL+"/health/ready", "")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("ready: expected 503, got %d", code)
	}
	if strings.Contains(body, "hunter2") {
		t.Fatalf("ready: response leaked cause: %q", body)
	}
}
