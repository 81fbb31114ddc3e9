package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestHandlerBeforeInit(t *testing.T) {
	Reset()
	RecordCacheOperation("get", "ok", 1) // must not panic

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before init, got %d", rec.Code)
	}
}

func TestRecordCacheOperation(t *testing.T) {
	InitPrometheus("kvcache", nil)
	defer Reset()

	RecordCacheOperation("get", "not_found", 2)
	RecordConnectionOpened("memory")
	RecordReleaseFailure("memory")
	SetPoolHealthy("memory", true)

	out := scrape(t)
	for _, want := range []string{
		`kvcache_cache_operations_total{op="get",result="not_found"} 1`,
		`kvcache_store_connections_opened_total{driver="memory"} 1`,
		`kvcache_store_release_failures_total{driver="memory"} 1`,
		`kvcache_store_pool_healthy{driver="memory"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in scrape output", want)
		}
	}
}

func TestHTTPMiddleware(t *testing.T) {
	InitPrometheus("kvcache", nil)
	defer Reset()

	h := HTTPMiddleware(func(*http.Request) string { return "/cache/{key}" },
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Key not found", http.StatusNotFound)
		}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cache/foo", nil))

	out := scrape(t)
	want := `kvcache_http_requests_total{code="404",method="GET",route="/cache/{key}"} 1`
	if !strings.Contains(out, want) {
		t.Fatalf("expected %q in scrape output:\n%s", want, out)
	}
}
