package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/liamcoop/rulestage/internal/logger"
)

// Metrics holds the Prometheus metrics exported on /metrics.
type Metrics struct {
	BatchesTotal *prometheus.CounterVec
	BatchSize    prometheus.Histogram
	BatchLatency prometheus.Histogram
}

// DefaultMetrics is registered with the default Prometheus registry.
var DefaultMetrics = NewMetrics("rulestage")

// NewMetrics creates batch metrics under namespace. Row counters are read from the
// process-wide counters the stages maintain.
func NewMetrics(namespace string) *Metrics {
	rowCounter := func(name, help string, load func() int64) {
		promauto.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(load()) })
	}
	rowCounter("rows_processed_total", "Total number of input rows taken by stages", logger.RowsProcessed.Load)
	rowCounter("rows_emitted_total", "Total number of records emitted on the main channel", logger.RowsEmitted.Load)
	rowCounter("rows_skipped_total", "Total number of rows vetoed by a rule", logger.RowsSkipped.Load)
	rowCounter("coercion_failures_total", "Total number of rows that did not fit the output schema", logger.CoercionFailures.Load)
	rowCounter("action_failures_total", "Total number of rows on which a rule action failed", logger.ActionFailures.Load)

	return &Metrics{
		BatchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total transform batches by stage",
		}, []string{"stage"}),
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of input records per transform batch",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		BatchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_latency_seconds",
			Help:      "Transform batch latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}
}

// RecordBatch records one transform batch.
func (m *Metrics) RecordBatch(stageName string, size int, duration time.Duration) {
	m.BatchesTotal.WithLabelValues(stageName).Inc()
	m.BatchSize.Observe(float64(size))
	m.BatchLatency.Observe(duration.Seconds())
}
