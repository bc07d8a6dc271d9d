package search

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all the Prometheus metrics for the search engine.
type Metrics struct {
	SearchDuration   *prometheus.HistogramVec
	PathsEvaluated   *prometheus.CounterVec
	Opportunities    *prometheus.CounterVec
	DeadlineExceeded *prometheus.CounterVec
	BestProfit       *prometheus.GaugeVec
}

// NewMetrics creates and registers the search metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SearchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "search_duration_seconds",
			Help:    "Time taken by one search, by mode.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"mode"}),
		PathsEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_paths_evaluated_total",
			Help: "Cycles priced, by mode.",
		}, []string{"mode"}),
		Opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_opportunities_total",
			Help: "Opportunities emitted, by mode.",
		}, []string{"mode"}),
		DeadlineExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_deadline_exceeded_total",
			Help: "Searches discarded because their deadline passed.",
		}, []string{"mode"}),
		BestProfit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "search_best_profit",
			Help: "Profit of the best opportunity of the last search, in base token units.",
		}, []string{"token"}),
	}
	reg.MustRegister(m.SearchDuration, m.PathsEvaluated, m.Opportunities, m.DeadlineExceeded, m.BestProfit)
	return m
}
