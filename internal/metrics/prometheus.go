// Package metrics exposes Prometheus collectors for cache operations, store
// connections and HTTP traffic. All Record helpers are no-ops until
// InitPrometheus has been called.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for kvcache metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Cache operations
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Store connections
	connectionsOpened *prometheus.CounterVec
	connectionErrors  *prometheus.CounterVec
	releaseFailures   *prometheus.CounterVec
	poolHealthy       *prometheus.GaugeVec

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeRequests      prometheus.Gauge
}

// Default histogram buckets for operation duration (in milliseconds)
var defaultBuckets = []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_operations_total",
				Help:      "Total number of cache operations by outcome",
			},
			[]string{"op", "result"},
		),

		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cache_operation_duration_milliseconds",
				Help:      "Duration of cache operations including connection setup, in milliseconds",
				Buckets:   buckets,
			},
			[]string{"op"},
		),

		connectionsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_connections_opened_total",
				Help:      "Total store connections opened",
			},
			[]string{"driver"},
		),

		connectionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_connection_errors_total",
				Help:      "Total store connection failures",
			},
			[]string{"driver", "reason"},
		),

		releaseFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_release_failures_total",
				Help:      "Total failures closing a store connection",
			},
			[]string{"driver"},
		),

		poolHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_pool_healthy",
				Help:      "1 when the pooled store connection passed its last health check",
			},
			[]string{"driver"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by route and status code",
			},
			[]string{"method", "route", "code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_milliseconds",
				Help:      "Duration of HTTP requests in milliseconds",
				Buckets:   buckets,
			},
			[]string{"route"},
		),

		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Number of HTTP requests currently being served",
			},
		),
	}

	registry.MustRegister(
		pm.operationsTotal,
		pm.operationDuration,
		pm.connectionsOpened,
		pm.connectionErrors,
		pm.releaseFailures,
		pm.poolHealthy,
		pm.httpRequestsTotal,
		pm.httpRequestDuration,
		pm.activeRequests,
	)

	promMetrics = pm
}

// RecordCacheOperation records one cache operation and its outcome
// ("ok", "not_found", "invalid_key", "config_error", "connection_error",
// "store_operation_error").
func RecordCacheOperation(op, result string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.operationsTotal.WithLabelValues(op, result).Inc()
	promMetrics.operationDuration.WithLabelValues(op).Observe(durationMs)
}

// RecordConnectionOpened counts a successfully opened store connection
func RecordConnectionOpened(driver string) {
	if promMetrics == nil {
		return
	}
	promMetrics.connectionsOpened.WithLabelValues(driver).Inc()
}

// RecordConnectionError counts a failed store connection attempt
func RecordConnectionError(driver, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.connectionErrors.WithLabelValues(driver, reason).Inc()
}

// RecordReleaseFailure counts a store connection that failed to close
func RecordReleaseFailure(driver string) {
	if promMetrics == nil {
		return
	}
	promMetrics.releaseFailures.WithLabelValues(driver).Inc()
}

// SetPoolHealthy sets the pooled connection health gauge
func SetPoolHealthy(driver string, healthy bool) {
	if promMetrics == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	promMetrics.poolHealthy.WithLabelValues(driver).Set(v)
}

// RecordHTTPRequest records a served HTTP request
func RecordHTTPRequest(method, route string, code int, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	promMetrics.httpRequestDuration.WithLabelValues(route).Observe(durationMs)
}

// IncActiveRequests increments the active requests gauge
func IncActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Inc()
}

// DecActiveRequests decrements the active requests gauge
func DecActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Dec()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// Reset drops the initialized collectors. Used by tests.
func Reset() {
	promMetrics = nil
}
