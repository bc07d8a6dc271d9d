package submission

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all the Prometheus metrics for the submission manager.
type Metrics struct {
	Attempts      prometheus.Counter
	Rebids        prometheus.Counter
	Retries       prometheus.Counter
	Outcomes      *prometheus.CounterVec
	Pending       prometheus.Gauge
	SubmitLatency prometheus.Histogram
}

// NewMetrics creates and registers the submission metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "submission_attempts_total",
			Help: "Bundle submissions answered by at least one relay.",
		}),
		Rebids: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "submission_rebids_total",
			Help: "Bundles re-signed with a higher priority fee after rejection.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "submission_connectivity_retries_total",
			Help: "Submissions retried because no relay was reachable.",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submission_outcomes_total",
			Help: "Terminal bundle states.",
		}, []string{"state"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "submission_pending_bundles",
			Help: "Accepted bundles waiting for their target block.",
		}),
		SubmitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "submission_submit_duration_seconds",
			Help:    "Time from first attempt to acceptance or abandonment.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	reg.MustRegister(m.Attempts, m.Rebids, m.Retries, m.Outcomes, m.Pending, m.SubmitLatency)
	return m
}
