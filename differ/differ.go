package differ

import (
	"errors"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/prometheus/client_golang/prometheus"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// StateDifferConfig holds the dependencies of a StateDiffer.
type StateDifferConfig struct {
	Logger   Logger
	Registry prometheus.Registerer
}

func (c *StateDifferConfig) validate() error {
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.Registry == nil {
		return errors.New("config: Registry is required")
	}
	return nil
}

// Result summarises a diff.
type Result struct {
	Diff    market.StateDiff
	Changed int
	Created int
	Missing []*market.Pool
}

// StateDiffer computes the pool changes that turn one snapshot into another.
type StateDiffer struct {
	logger  Logger
	metrics *Metrics
}

// NewStateDiffer creates a StateDiffer.
func NewStateDiffer(cfg *StateDifferConfig) (*StateDiffer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &StateDiffer{logger: cfg.Logger, metrics: NewMetrics(cfg.Registry)}, nil
}

// Diff returns the StateDiff that, applied to old, yields new's pool state.
// Pools changed in place become ReplaceState updates; pools only in new are
// Created. Pools only in old cannot be expressed as a diff and are returned
// in Missing.
func (d *StateDiffer) Diff(old, new *market.Snapshot) Result {
	timer := prometheus.NewTimer(d.metrics.diffDuration.WithLabelValues())
	defer timer.ObserveDuration()

	var res Result
	for _, p := range new.Pools() {
		prev, ok := old.Pool(p.Address)
		if !ok {
			res.Diff.Created = append(res.Diff.Created, p.Clone())
			res.Created++
			d.metrics.poolsChanged.WithLabelValues(p.Variant.String(), "created").Inc()
			continue
		}
		if prev.Equal(p) {
			continue
		}
		res.Diff.Updates = append(res.Diff.Updates, market.PoolUpdate{
			Pool:  p.Address,
			Kind:  market.ReplaceState,
			State: p.Clone(),
		})
		res.Changed++
		d.metrics.poolsChanged.WithLabelValues(p.Variant.String(), "replaced").Inc()
	}

	for _, p := range old.Pools() {
		if _, ok := new.Pool(p.Address); !ok {
			res.Missing = append(res.Missing, p)
			d.metrics.poolsChanged.WithLabelValues(p.Variant.String(), "missing").Inc()
		}
	}

	result := "clean"
	if !res.Diff.Empty() || len(res.Missing) > 0 {
		result = "drift"
	}
	d.metrics.diffsTotal.WithLabelValues(result).Inc()
	d.logger.Debug("Computed snapshot diff",
		"from_block", old.Block().Number,
		"to_block", new.Block().Number,
		"changed", res.Changed,
		"created", res.Created,
		"missing", len(res.Missing),
	)
	return res
}
