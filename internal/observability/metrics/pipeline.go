package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics observes the embedding/chat chains and the similarity
// index. It registers into the registry of the process that owns them.
type PipelineMetrics struct {
	service string

	backendFailures *prometheus.CounterVec
	fallbackTotal   *prometheus.CounterVec
	indexRows       prometheus.Gauge
	indexRebuilds   *prometheus.CounterVec
	rebuildDuration *prometheus.HistogramVec
	rebuildSkipped  *prometheus.CounterVec
	retries         *prometheus.CounterVec
	breakerOpen     *prometheus.GaugeVec
}

func NewPipelineMetrics(service string, registerer prometheus.Registerer) *PipelineMetrics {
	backendFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "backend_failures_total",
			Help:      "Failed backend calls by operation and backend.",
		},
		[]string{"service", "operation", "backend"},
	)
	fallbackTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "fallback_total",
			Help:      "Calls served by the deterministic fallback.",
		},
		[]string{"service", "operation"},
	)
	indexRows := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "rows",
			Help:      "Vectors currently held by the similarity index.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	indexRebuilds := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "rebuilds_total",
			Help:      "Completed index rebuilds.",
		},
		[]string{"service"},
	)
	rebuildDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "rebuild_duration_seconds",
			Help:      "Index rebuild duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"service"},
	)
	rebuildSkipped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "rebuild_skipped_chunks_total",
			Help:      "Chunks skipped during rebuild because of a dimension mismatch.",
		},
		[]string{"service"},
	)

	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "retries_total",
			Help:      "Retries scheduled by operation.",
		},
		[]string{"service", "operation"},
	)
	breakerOpen := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "breaker_open",
			Help:      "1 while the operation's circuit breaker is not closed.",
		},
		[]string{"service", "operation"},
	)

	registerer.MustRegister(
		backendFailures,
		fallbackTotal,
		indexRows,
		indexRebuilds,
		rebuildDuration,
		rebuildSkipped,
		retries,
		breakerOpen,
	)

	return &PipelineMetrics{
		service:         service,
		backendFailures: backendFailures,
		fallbackTotal:   fallbackTotal,
		indexRows:       indexRows,
		indexRebuilds:   indexRebuilds,
		rebuildDuration: rebuildDuration,
		rebuildSkipped:  rebuildSkipped,
		retries:         retries,
		breakerOpen:     breakerOpen,
	}
}

func (m *PipelineMetrics) BackendFailed(operation, backend string) {
	m.backendFailures.WithLabelValues(m.service, operation, backend).Inc()
}

func (m *PipelineMetrics) FallbackUsed(operation string) {
	m.fallbackTotal.WithLabelValues(m.service, operation).Inc()
}

func (m *PipelineMetrics) IndexSize(rows int) {
	m.indexRows.Set(float64(rows))
}

func (m *PipelineMetrics) IndexRebuilt(rows, skipped int, elapsed time.Duration) {
	m.indexRows.Set(float64(rows))
	m.indexRebuilds.WithLabelValues(m.service).Inc()
	m.rebuildDuration.WithLabelValues(m.service).Observe(elapsed.Seconds())
	if skipped > 0 {
		m.rebuildSkipped.WithLabelValues(m.service).Add(float64(skipped))
	}
}

func (m *PipelineMetrics) RetryScheduled(operation string) {
	m.retries.WithLabelValues(m.service, operation).Inc()
}

func (m *PipelineMetrics) BreakerStateChanged(operation, state string) {
	open := 0.0
	if state != "closed" {
		open = 1
	}
	m.breakerOpen.WithLabelValues(m.service, operation).Set(open)
}
