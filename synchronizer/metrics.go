package synchronizer

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all the Prometheus metrics for the synchronizer.
type Metrics struct {
	LastAppliedBlock *prometheus.GaugeVec
	BlockApplyDur    *prometheus.HistogramVec
	PoolsTracked     *prometheus.GaugeVec
	WindowDepth      *prometheus.GaugeVec
	DuplicateBlocks  *prometheus.CounterVec
	Reorgs           *prometheus.CounterVec
	Resyncs          *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers the synchronizer metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LastAppliedBlock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synchronizer_last_applied_block",
			Help: "Number of the last block applied to the pool table.",
		}, []string{}),
		BlockApplyDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synchronizer_block_apply_duration_seconds",
			Help:    "Time taken to apply a block's state diff.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{}),
		PoolsTracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synchronizer_pools_tracked",
			Help: "Pools in the current snapshot.",
		}, []string{}),
		WindowDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synchronizer_rollback_window_depth",
			Help: "Snapshots currently retained for reorg rollback.",
		}, []string{}),
		DuplicateBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synchronizer_duplicate_blocks_total",
			Help: "Blocks delivered again after being applied.",
		}, []string{}),
		Reorgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synchronizer_reorgs_total",
			Help: "Reorgs handled, labeled by how they were resolved.",
		}, []string{"result"}),
		Resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synchronizer_resyncs_total",
			Help: "Full resynchronizations, labeled by result.",
		}, []string{"result"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synchronizer_errors_total",
			Help: "Errors encountered, labeled by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(
		m.LastAppliedBlock,
		m.BlockApplyDur,
		m.PoolsTracked,
		m.WindowDepth,
		m.DuplicateBlocks,
		m.Reorgs,
		m.Resyncs,
		m.ErrorsTotal,
	)
	return m
}
