package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	RequestsCollectorName = "http_requests_total"
	LatencyCollectorName  = "http_request_duration_milliseconds"
)

var defaultBuckets = []float64{10, 50, 300, 1000, 5000}

// Middleware counts requests of the ops server and times them, partitioned by
// status code, method and route pattern.
type Middleware struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewMiddleware returns a middleware labelled with service. Without buckets
// the default latency buckets are used.
func NewMiddleware(service string, buckets ...float64) *Middleware {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	return &Middleware{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem:   assetPipeline,
				Name:        RequestsCollectorName,
				Help:        "Number of HTTP requests partitioned by status code, method and route.",
				ConstLabels: prometheus.Labels{"service": service},
			}, []string{"code", "method", "path"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem:   assetPipeline,
			Name:        LatencyCollectorName,
			Help:        "Time spent on the request partitioned by status code, method and route.",
			ConstLabels: prometheus.Labels{"service": service},
			Buckets:     buckets,
		}, []string{"code", "method", "path"}),
	}
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		rctx := chi.RouteContext(r.Context())
		if rctx == nil {
			return
		}
		route := rctx.RoutePattern()
		code := strconv.Itoa(ww.Status())
		m.requests.WithLabelValues(code, r.Method, route).Inc()
		m.latency.WithLabelValues(code, r.Method, route).Observe(float64(time.Since(start).Milliseconds()))
	}
	return http.HandlerFunc(fn)
}

// Collectors returns the collectors for a custom registry.
func (m *Middleware) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.requests, m.latency}
}

func (m *Middleware) MustRegister(r prometheus.Registerer) {
	r.MustRegister(m.Collectors()...)
}
