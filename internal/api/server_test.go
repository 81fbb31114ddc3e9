package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/oriys/kvcache/internal/cache"
	"github.com/oriys/kvcache/internal/connector"
	"github.com/oriys/kvcache/internal/logging"
	"github.com/oriys/kvcache/internal/observability"
	"github.com/oriys/kvcache/internal/store"
)

func newHandler(t *testing.T, console *bytes.Buffer) http.Handler {
	t.Helper()
	c := connector.NewPerRequest(store.NewMemoryDriver(), connector.Settings{URI: "mem://api", Database: "test"})
	return NewHandler(ServerConfig{
		Cache:     cache.NewService(c, cache.Options{}),
		AccessLog: logging.NewLogger(console),
	})
}

func TestRequestIDGenerated(t *testing.T) {
	var console bytes.Buffer
	h := newHandler(t, &console)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cache/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	id := rec.Header().Get(RequestIDHeader)
	if len(id) != 36 {
		t.Fatalf("expected a uuid request id, got %q", id)
	}
	if !strings.Contains(console.String(), id+" GET /cache/missing 404") {
		t.Fatalf("expected access log entry, got %q", console.String())
	}
}

func TestRequestIDPropagated(t *testing.T) {
	var console bytes.Buffer
	h := newHandler(t, &console)

	req := httptest.NewRequest(http.MethodPut, "/cache/foo", strings.NewReader("bar"))
	req.Header.Set(RequestIDHeader, "client-supplied")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(RequestIDHeader); got != "client-supplied" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
	if strings.Contains(console.String(), "bar") {
		t.Fatalf("access log must not contain values: %q", console.String())
	}
}

func TestRequestIDOnServerSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	if err := observability.InitWithExporter(context.Background(), "kvcache-test", exp); err != nil {
		t.Fatalf("InitWithExporter: %v", err)
	}
	defer observability.Shutdown(context.Background())

	var console bytes.Buffer
	h := newHandler(t, &console)
	req := httptest.NewRequest(http.MethodGet, "/cache/missing", nil)
	req.Header.Set(RequestIDHeader, "traced-request")
	h.ServeHTTP(httptest.NewRecorder(), req)

	for _, span := range exp.GetSpans() {
		for _, kv := range span.Attributes {
			if kv.Key == observability.AttrRequestID && kv.Value.AsString() == "traced-request" {
				return
			}
		}
	}
	t.Fatalf("no span carries the request id among %d spans", len(exp.GetSpans()))
}

func TestUnknownRoute(t *testing.T) {
	h := newHandler(t, &bytes.Buffer{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
