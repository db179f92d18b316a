package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gend",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gend",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	httpInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gend",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
		[]string{"path"},
	)

	rejectedRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gend",
			Subsystem: "http",
			Name:      "rejected_requests_total",
			Help:      "Requests rejected before generation by reason (content_type, json, schema, temperature)",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight, rejectedRequestsTotal)
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// otherRoute labels requests that match no route, keeping label sets bounded.
const otherRoute = "other"

// MetricsMiddleware instruments requests for Prometheus
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		inflight := httpInflight.WithLabelValues(matchRoute(r))
		inflight.Inc()
		defer inflight.Dec()
		next.ServeHTTP(sr, r)
		path := routeLabel(r)
		statusLabel := strconv.Itoa(sr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, statusLabel).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, statusLabel).Observe(time.Since(start).Seconds())
	})
}

// matchRoute resolves the route pattern before the handler runs.
func matchRoute(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil || rc.Routes == nil {
		return otherRoute
	}
	tctx := chi.NewRouteContext()
	if rc.Routes.Match(tctx, r.Method, r.URL.Path) {
		if p := tctx.RoutePattern(); p != "" {
			return p
		}
	}
	return otherRoute
}

// routeLabel returns the chi route pattern once routing is done, or
// otherRoute when nothing matched.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return otherRoute
}

// countRejected records a request refused before reaching the service.
func countRejected(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	rejectedRequestsTotal.WithLabelValues(reason).Inc()
}
