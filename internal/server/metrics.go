package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the Prometheus instruments, registered on a private registry
// so tests can run many servers in one process.
type metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	installsStarted prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deckcloud",
			Name:      "http_requests_total",
			Help:      "API requests by operation and status code.",
		}, []string{"op", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deckcloud",
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		installsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deckcloud",
			Name:      "installs_started_total",
			Help:      "Download tasks submitted to the engine.",
		}),
	}
	m.registry.MustRegister(m.requests, m.requestDuration, m.installsStarted)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with request counting and latency observation.
func (s *Server) instrument(op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next(rec, r)
		s.metrics.requests.WithLabelValues(op, strconv.Itoa(rec.code)).Inc()
		s.metrics.requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
