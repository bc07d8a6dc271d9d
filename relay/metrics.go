package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all the Prometheus metrics for relay submissions.
type Metrics struct {
	RequestDuration *prometheus.HistogramVec
	Responses       *prometheus.CounterVec
}

// NewMetrics creates and registers the relay metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "Latency of eth_sendBundle requests, by relay.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"relay"}),
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_responses_total",
			Help: "Relay responses, by relay and result.",
		}, []string{"relay", "result"}),
	}
	reg.MustRegister(m.RequestDuration, m.Responses)
	return m
}
