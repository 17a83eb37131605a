package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

const namespace = "ragtutor"

type HTTPServerMetrics struct {
	registry *prometheus.Registry
	service  string

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge
	rateLimited     *prometheus.CounterVec

	askTotal           *prometheus.CounterVec
	askDuration        *prometheus.HistogramVec
	askGroundingChunks *prometheus.HistogramVec
	indexInconsistent  *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	rateLimited := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rejected_total",
			Help:      "Requests rejected before reaching a handler, by reason.",
		},
		[]string{"service", "reason"},
	)
	askTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ask",
			Name:      "requests_total",
			Help:      "Answered questions by kind and outcome.",
		},
		[]string{"service", "kind", "outcome"},
	)
	askDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ask",
			Name:      "duration_seconds",
			Help:      "Question answering duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"service", "kind"},
	)
	askGroundingChunks := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ask",
			Name:      "grounding_chunks",
			Help:      "Distribution of chunks used to ground an answer.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service", "kind"},
	)
	indexInconsistent := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "inconsistent_total",
			Help:      "Times the similarity index disagreed with the content store.",
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		rateLimited,
		askTotal,
		askDuration,
		askGroundingChunks,
		indexInconsistent,
	)

	return &HTTPServerMetrics{
		registry:           registry,
		service:            service,
		requestTotal:       requestTotal,
		requestDuration:    requestDuration,
		requestInFlight:    requestInFlight,
		rateLimited:        rateLimited,
		askTotal:           askTotal,
		askDuration:        askDuration,
		askGroundingChunks: askGroundingChunks,
		indexInconsistent:  indexInconsistent,
	}
}

// Registry lets pipeline metrics share the /metrics endpoint.
func (m *HTTPServerMetrics) Registry() prometheus.Registerer {
	return m.registry
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware must wrap the ServeMux without copying the request in
// between: the route label is read from r.Pattern after the mux matched.
func (m *HTTPServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()
		next.ServeHTTP(rec, r)

		route := routeLabel(r.Pattern)
		m.requestTotal.WithLabelValues(m.service, r.Method, route, strconv.Itoa(rec.statusCode)).Inc()
		m.requestDuration.WithLabelValues(m.service, r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routeLabel keeps label cardinality bounded: ids stay as {id} wildcards
// and requests no route matched share one label.
func routeLabel(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

func (m *HTTPServerMetrics) RecordRejected(reason string) {
	m.rateLimited.WithLabelValues(m.service, reason).Inc()
}

func (m *HTTPServerMetrics) ObserveAsk(kind domain.QueryKind, outcome string, groundingCount int, elapsed time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.askTotal.WithLabelValues(m.service, string(kind), outcome).Inc()
	m.askDuration.WithLabelValues(m.service, string(kind)).Observe(elapsed.Seconds())
	m.askGroundingChunks.WithLabelValues(m.service, string(kind)).Observe(float64(groundingCount))
}

func (m *HTTPServerMetrics) IndexInconsistent() {
	m.indexInconsistent.WithLabelValues(m.service).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
