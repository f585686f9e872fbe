package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process registry and every instrument the service exposes.
// When disabled, instruments stay registered and usable so call sites never
// branch, but the exposition endpoint answers 503.
type Metrics struct {
	enabled  bool
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	SchemaCacheHits   *prometheus.CounterVec
	SchemaCacheMisses *prometheus.CounterVec

	NamespaceRecords        *prometheus.GaugeVec
	NamespaceDeletedRecords *prometheus.GaugeVec

	StreamSubscribers   *prometheus.GaugeVec
	StreamDroppedFrames *prometheus.CounterVec

	EventPublishFailures prometheus.Counter

	FilestoreFailures prometheus.Counter
	FilestoreRetries  prometheus.Counter
}

// New builds the instrument set. enabled=false keeps the instruments but hides
// the exposition endpoint.
func New(enabled bool) *Metrics {
	m := &Metrics{
		enabled:  enabled,
		registry: prometheus.NewRegistry(),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		SchemaCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schema_cache_hits_total",
			Help: "Schema cache hits by entry kind.",
		}, []string{"kind"}),
		SchemaCacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schema_cache_misses_total",
			Help: "Schema cache misses by reason.",
		}, []string{"reason"}),

		NamespaceRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "namespace_records",
			Help: "Live records per namespace.",
		}, []string{"namespace"}),
		NamespaceDeletedRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "namespace_deleted_records",
			Help: "Soft-deleted records per namespace.",
		}, []string{"namespace"}),

		StreamSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stream_subscribers",
			Help: "Active stream subscribers by transport.",
		}, []string{"transport"}),
		StreamDroppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_dropped_frames_total",
			Help: "Frames trimmed from stream dispatch queues.",
		}, []string{"transport"}),

		EventPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Failed publishes to the durable event bus.",
		}),

		FilestoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filestore_consumer_failures_total",
			Help: "Filestore events whose handling failed.",
		}),
		FilestoreRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filestore_consumer_retries_total",
			Help: "Reconnect attempts of the filestore consumer.",
		}),
	}

	m.registry.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.SchemaCacheHits,
		m.SchemaCacheMisses,
		m.NamespaceRecords,
		m.NamespaceDeletedRecords,
		m.StreamSubscribers,
		m.StreamDroppedFrames,
		m.EventPublishFailures,
		m.FilestoreFailures,
		m.FilestoreRetries,
	)

	return m
}

// Enabled reports whether the exposition endpoint is live.
func (m *Metrics) Enabled() bool {
	return m.enabled
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format, or 503 when disabled.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			http.Error(w, "metrics disabled", http.StatusServiceUnavailable)
			return
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// Middleware records request counts and latencies keyed by the chi route
// pattern, keeping label cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		m.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
