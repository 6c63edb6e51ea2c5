package projection

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "projection"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of blocks applied.
	BlocksCommitted metrics.Counter
	// Number of blocks undone during fork resolution.
	BlocksRolledBack metrics.Counter
	// Number of state changes applied.
	StateChanges metrics.Counter
	// Number of rollback entries pruned past the retention window.
	RollbackEntriesPruned metrics.Counter
	// Height of the head in the local chain.
	HeadHeight metrics.Gauge
	// Block number of the head as assigned by the source.
	HeadBlockNum metrics.Gauge
	// Duration of storage transactions, labeled by op.
	TxnDuration metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		BlocksCommitted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_committed",
			Help:      "Number of blocks applied to the projection.",
		}, []string{}),
		BlocksRolledBack: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_rolled_back",
			Help:      "Number of blocks undone during fork resolution.",
		}, []string{}),
		StateChanges: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "state_changes",
			Help:      "Number of state changes applied.",
		}, []string{}),
		RollbackEntriesPruned: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rollback_entries_pruned",
			Help:      "Number of rollback entries pruned past the retention window.",
		}, []string{}),
		HeadHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "head_height",
			Help:      "Height of the head in the local chain.",
		}, []string{}),
		HeadBlockNum: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "head_block_num",
			Help:      "Block number of the head.",
		}, []string{}),
		TxnDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "txn_duration_seconds",
			Help:      "Duration of storage transactions.",
			Buckets:   stdprometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		BlocksCommitted:       discard.NewCounter(),
		BlocksRolledBack:      discard.NewCounter(),
		StateChanges:          discard.NewCounter(),
		RollbackEntriesPruned: discard.NewCounter(),
		HeadHeight:            discard.NewGauge(),
		HeadBlockNum:          discard.NewGauge(),
		TxnDuration:           discard.NewHistogram(),
	}
}
