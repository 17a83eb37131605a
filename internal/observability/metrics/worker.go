package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

// WorkerMetrics covers ingestion jobs taken from the queue and the index
// invalidation events the worker reacts to.
type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsInFlight  prometheus.Gauge
	queueLag      prometheus.Histogram
	invalidations *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	m := &WorkerMetrics{
		registry: registry,
		service:  service,
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "ingest_jobs_total",
			Help:        "Ingestion jobs by outcome (ready, invalid, temporary, failed).",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "ingest_job_duration_seconds",
			Help:        "Chunk, embed and index time per document.",
			Buckets:     []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "ingest_jobs_in_flight",
			Help:        "Documents currently being processed.",
			ConstLabels: constLabels,
		}),
		queueLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "queue_lag_seconds",
			Help:        "Time between the last document update and the start of its job.",
			Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: constLabels,
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "index_invalidations_total",
			Help:        "Index invalidation events received from peers, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
	}
	registry.MustRegister(m.jobs, m.jobDuration, m.jobsInFlight, m.queueLag, m.invalidations)
	return m
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry lets pipeline metrics share the worker /metrics endpoint.
func (m *WorkerMetrics) Registry() prometheus.Registerer {
	return m.registry
}

// TrackDocument marks a job as started; call the returned func with the
// job result when it ends.
func (m *WorkerMetrics) TrackDocument() func(error) {
	started := time.Now()
	m.jobsInFlight.Inc()
	return func(err error) {
		m.jobsInFlight.Dec()
		outcome := jobOutcome(err)
		m.jobs.WithLabelValues(outcome).Inc()
		m.jobDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	}
}

func (m *WorkerMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.Observe(lag.Seconds())
}

func (m *WorkerMetrics) IndexInvalidated(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.invalidations.WithLabelValues(reason).Inc()
}

func jobOutcome(err error) string {
	switch {
	case err == nil:
		return "ready"
	case domain.IsKind(err, domain.ErrInvalidInput), domain.IsKind(err, domain.ErrDocumentNotFound):
		return "invalid"
	case domain.IsKind(err, domain.ErrTemporary):
		return "temporary"
	default:
		return "failed"
	}
}
