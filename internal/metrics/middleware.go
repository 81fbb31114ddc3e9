package metrics

import (
	"net/http"

	"github.com/felixge/httpsnoop"
)

// RouteFunc names the route a request was matched to. Using the pattern
// rather than the raw path keeps label cardinality bounded.
type RouteFunc func(r *http.Request) string

// HTTPMiddleware records request count, status and latency for every
// request passing through next.
func HTTPMiddleware(route RouteFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		IncActiveRequests()
		defer DecActiveRequests()

		m := httpsnoop.CaptureMetrics(next, w, r)
		RecordHTTPRequest(r.Method, route(r), m.Code, float64(m.Duration.Microseconds())/1000)
	})
}
