package verify

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all the Prometheus metrics for verification.
type Metrics struct {
	VerifyDuration *prometheus.HistogramVec
	Verdicts       *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers the verification metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VerifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verify_duration_seconds",
			Help:    "Time taken to simulate one opportunity.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verify_verdicts_total",
			Help: "Verification outcomes, labeled by result.",
		}, []string{"result"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verify_errors_total",
			Help: "Executor failures, labeled by executor.",
		}, []string{"executor"}),
	}
	reg.MustRegister(m.VerifyDuration, m.Verdicts, m.ErrorsTotal)
	return m
}
