package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all the Prometheus metrics for the orchestrator.
type Metrics struct {
	StageItems      *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	QueueDepth      *prometheus.GaugeVec
	PendingReceived *prometheus.CounterVec
	Outcomes        *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers the orchestrator metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_stage_items_total",
			Help: "Work items handled per pipeline stage, by result.",
		}, []string{"stage", "result"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_stage_duration_seconds",
			Help:    "Time spent handling one work item per stage.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"stage"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_queue_depth",
			Help: "Items waiting in each stage mailbox.",
		}, []string{"queue"}),
		PendingReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_pending_transactions_total",
			Help: "Pending transactions offered to the engine, by result.",
		}, []string{"result"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_bundle_outcomes_total",
			Help: "Terminal bundle states.",
		}, []string{"state"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_errors_total",
			Help: "Errors handled by the orchestrator, by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.StageItems, m.StageDuration, m.QueueDepth, m.PendingReceived, m.Outcomes, m.ErrorsTotal)
	return m
}
