// Package ops collects the ambient structured-logging and metrics helpers
// shared by every substrate component, mirroring the shape (if not the
// JSON schema) of the teacher's go/ops package: a small set of named,
// labeled instruments rather than ad hoc counters scattered per package.
package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the full set of Prometheus instruments the substrate exposes.
// A single Metrics is constructed per process and threaded into every
// component that needs to report.
type Metrics struct {
	TxnOutcomes       *prometheus.CounterVec
	TxnActive         prometheus.Gauge
	TxnDuration       prometheus.Histogram
	DeadlocksResolved prometheus.Counter

	EOSGapCount    prometheus.Counter
	EOSGlobalSeq   prometheus.Gauge
	EOSRetainedLen prometheus.Gauge

	StreamQueueDepth *prometheus.GaugeVec
	StreamDrainRate  *prometheus.CounterVec
	StreamDropCount  *prometheus.CounterVec
}

// NewMetrics registers and returns the substrate's metric instruments
// against reg. Pass prometheus.NewRegistry() in tests to avoid collisions
// with the global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var factory = promauto.With(reg)
	return &Metrics{
		TxnOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vexfs",
			Subsystem: "txn",
			Name:      "outcomes_total",
			Help:      "Count of transactions by terminal outcome.",
		}, []string{"outcome"}),
		TxnActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vexfs", Subsystem: "txn", Name: "active",
			Help: "Number of admitted transactions not yet finished.",
		}),
		TxnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vexfs", Subsystem: "txn", Name: "duration_seconds",
			Help:    "Wall time from begin to a terminal state.",
			Buckets: prometheus.DefBuckets,
		}),
		DeadlocksResolved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vexfs", Subsystem: "txn", Name: "deadlocks_resolved_total",
			Help: "Count of wait-for cycles resolved by aborting a victim.",
		}),
		EOSGapCount: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vexfs", Subsystem: "eos", Name: "gap_total",
			Help: "Count of per-boundary source_seq jumps larger than the max sequence gap.",
		}),
		EOSGlobalSeq: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vexfs", Subsystem: "eos", Name: "global_seq",
			Help: "Most recently assigned global_seq.",
		}),
		EOSRetainedLen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vexfs", Subsystem: "eos", Name: "retained_events",
			Help: "Number of ordered events currently retained in memory.",
		}),
		StreamQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vexfs", Subsystem: "bsm", Name: "stream_queue_depth",
			Help: "Current backlog length of a boundary stream.",
		}, []string{"stream"}),
		StreamDrainRate: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vexfs", Subsystem: "bsm", Name: "stream_drained_total",
			Help: "Count of events drained (acked) from a boundary stream.",
		}, []string{"stream"}),
		StreamDropCount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vexfs", Subsystem: "bsm", Name: "stream_dropped_total",
			Help: "Count of events dropped under an explicit overflow policy.",
		}, []string{"stream"}),
	}
}
