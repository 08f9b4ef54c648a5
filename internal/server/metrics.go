package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/switchyard/internal/telemetry"
)

var statusLabels = func() [600]string {
	var t [600]string
	for i := range t {
		t[i] = strconv.Itoa(i)
	}
	return t
}()

// statusLabel returns the metric label for an HTTP status without
// allocating. Codes outside the table (there should be none) fall back
// to strconv.
func statusLabel(code int) string {
	if code >= 0 && code < len(statusLabels) {
		return statusLabels[code]
	}
	return strconv.Itoa(code)
}

// metricsMiddleware counts requests and observes latency per method and
// route, and keeps the in-flight gauge current.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()

			start := time.Now()
			sw := getStatusWriter(w)
			next.ServeHTTP(sw, r)
			status := sw.status
			putStatusWriter(sw)

			route := routePattern(r)
			m.RequestsTotal.WithLabelValues(r.Method, route, statusLabel(status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// routePattern prefers the chi route pattern so label cardinality stays
// bounded. Unrouted paths pass through as-is.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
