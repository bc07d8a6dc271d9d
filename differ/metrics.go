package differ

import (
	"github.com/prometheus/client_golang/prometheus"
)

// --- Metrics ---

// Metrics holds all the Prometheus metrics for the differ.
type Metrics struct {
	diffDuration *prometheus.HistogramVec
	poolsChanged *prometheus.CounterVec
	diffsTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers the metrics for the differ.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		diffDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "differ_diff_duration_seconds",
			Help:    "Total time taken to diff two market snapshots.",
			Buckets: prometheus.DefBuckets,
		}, []string{}),
		poolsChanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "differ_pools_changed_total",
			Help: "Pools found changed between snapshots, labeled by variant and change.",
		}, []string{"variant", "change"}),
		diffsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "differ_diffs_total",
			Help: "Total number of diffs computed, labeled by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.diffDuration, m.poolsChanged, m.diffsTotal)
	return m
}
