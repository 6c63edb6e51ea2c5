package subscriber

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "subscriber"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Current controller state, see State.
	State metrics.Gauge
	// Number of connection attempts after the first.
	Reconnects metrics.Counter
	// Number of blocks received from the source.
	BlocksReceived metrics.Counter
	// Number of blocks discarded because they were already recorded.
	DuplicateBlocks metrics.Counter
	// Number of events dropped as malformed.
	MalformedEvents metrics.Counter
	// Number of heartbeats received.
	Heartbeats metrics.Counter
	// Number of forks resolved.
	ForksResolved metrics.Counter
	// Number of blocks undone per resolved fork.
	ForkDepth metrics.Histogram
	// Number of retried storage transactions.
	StorageRetries metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		State: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "state",
			Help:      "Current controller state.",
		}, []string{}),
		Reconnects: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reconnects",
			Help:      "Number of connection attempts after the first.",
		}, []string{}),
		BlocksReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_received",
			Help:      "Number of blocks received from the source.",
		}, []string{}),
		DuplicateBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "duplicate_blocks",
			Help:      "Number of blocks discarded because they were already recorded.",
		}, []string{}),
		MalformedEvents: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "malformed_events",
			Help:      "Number of events dropped as malformed.",
		}, []string{}),
		Heartbeats: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "heartbeats",
			Help:      "Number of heartbeats received.",
		}, []string{}),
		ForksResolved: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "forks_resolved",
			Help:      "Number of forks resolved.",
		}, []string{}),
		ForkDepth: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "fork_depth",
			Help:      "Number of blocks undone per resolved fork.",
			Buckets:   stdprometheus.ExponentialBuckets(1, 2, 8),
		}, []string{}),
		StorageRetries: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "storage_retries",
			Help:      "Number of retried storage transactions.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		State:           discard.NewGauge(),
		Reconnects:      discard.NewCounter(),
		BlocksReceived:  discard.NewCounter(),
		DuplicateBlocks: discard.NewCounter(),
		MalformedEvents: discard.NewCounter(),
		Heartbeats:      discard.NewCounter(),
		ForksResolved:   discard.NewCounter(),
		ForkDepth:       discard.NewHistogram(),
		StorageRetries:  discard.NewCounter(),
	}
}
