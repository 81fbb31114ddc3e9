// Package api assembles the HTTP server: routes from dataplane wrapped in
// tracing, metrics, request id and access log middleware.
package api

import (
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/kvcache/internal/api/dataplane"
	"github.com/oriys/kvcache/internal/cache"
	"github.com/oriys/kvcache/internal/logging"
	"github.com/oriys/kvcache/internal/metrics"
	"github.com/oriys/kvcache/internal/observability"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Cache         *cache.Service
	MaxValueBytes int64
	// AccessLog receives one entry per request. Nil uses logging.Default().
	AccessLog *logging.Logger
}

// NewHandler builds the routed handler with all middleware applied.
func NewHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()

	dpHandler := &dataplane.Handler{
		Cache:         cfg.Cache,
		MaxValueBytes: cfg.MaxValueBytes,
	}
	dpHandler.RegisterRoutes(mux)

	route := func(r *http.Request) string {
		if _, pattern := mux.Handler(r); pattern != "" {
			return pattern
		}
		return "unmatched"
	}

	accessLog := cfg.AccessLog
	if accessLog == nil {
		accessLog = logging.Default()
	}

	var handler http.Handler = mux
	handler = requestMiddleware(accessLog, handler)
	handler = observability.HTTPMiddleware(route, handler)
	handler = metrics.HTTPMiddleware(route, handler)
	return handler
}

// NewHTTPServer returns a server for addr. The caller starts and shuts it
// down.
func NewHTTPServer(addr string, cfg ServerConfig) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// requestMiddleware assigns a request id, reusing an incoming one of sane
// length, and writes the access log entry.
func requestMiddleware(accessLog *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := logging.WithRequestID(r.Context(), id)
		trace.SpanFromContext(ctx).SetAttributes(observability.AttrRequestID.String(id))

		m := httpsnoop.CaptureMetrics(next, w, r.WithContext(ctx))

		accessLog.Log(&logging.RequestLog{
			RequestID:  id,
			TraceID:    observability.GetTraceID(ctx),
			SpanID:     observability.GetSpanID(ctx),
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     m.Code,
			DurationMs: m.Duration.Milliseconds(),
			BytesIn:    r.ContentLength,
			BytesOut:   m.Written,
			RemoteAddr: r.RemoteAddr,
		})
	})
}
