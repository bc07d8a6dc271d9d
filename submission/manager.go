// Package submission drives bundles through relays until they land, are
// rejected for good, or expire.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Iwinswap/iwinswap-mev-engine/pkg/mailbox"
	"github.com/Iwinswap/iwinswap-mev-engine/relay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultMaxAttempts    = 4
	DefaultBumpBps        = 1_250
	DefaultBackoffInitial = 100 * time.Millisecond
	DefaultBackoffMax     = 2 * time.Second
	DefaultOutcomeBuffer  = 256

	bpsDenominator = 10_000
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Submitter sends a bundle to the relays.
type Submitter interface {
	SubmitBundle(ctx context.Context, b *relay.Bundle) (*relay.Receipt, error)
}

// Rebidder re-signs a bundle with a higher priority fee.
type Rebidder interface {
	Rebid(ctx context.Context, b *relay.Bundle, fee *uint256.Int) (*relay.Bundle, error)
}

// Outcome is the terminal state of a bundle.
type Outcome struct {
	Bundle *relay.Bundle
	State  relay.State
	// Attempts counts submissions answered by a relay.
	Attempts   int
	IncludedIn uint64
	Reason     string
}

// Config configures a Manager.
type Config struct {
	Relay    Submitter
	Rebidder Rebidder
	// MaxAttempts is the number of rejections after which a bundle is
	// abandoned.
	MaxAttempts    int
	BumpBps        uint16
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	OutcomeBuffer  int
	Now            func() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep         func(ctx context.Context, d time.Duration) error
	Logger        Logger
	PrometheusReg prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Relay == nil {
		return errors.New("config: Relay is required")
	}
	if c.Rebidder == nil {
		return errors.New("config: Rebidder is required")
	}
	if c.MaxAttempts < 0 {
		return errors.New("config: MaxAttempts must not be negative")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.PrometheusReg == nil {
		return errors.New("config: PrometheusReg is required")
	}
	return nil
}

type pending struct {
	bundle   *relay.Bundle
	own      common.Hash
	attempts int
}

// Manager owns the lifecycle of submitted bundles.
type Manager struct {
	relay       Submitter
	rebidder    Rebidder
	maxAttempts int
	bumpBps     uint16
	backoffInit time.Duration
	backoffMax  time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	pending   map[uuid.UUID]*pending
	lastBlock uint64

	outcomes *mailbox.FIFO[Outcome]
	logger   Logger
	metrics  *Metrics
}

// NewManager creates a Manager.
func NewManager(cfg *Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	m := &Manager{
		relay:       cfg.Relay,
		rebidder:    cfg.Rebidder,
		maxAttempts: cfg.MaxAttempts,
		bumpBps:     cfg.BumpBps,
		backoffInit: cfg.BackoffInitial,
		backoffMax:  cfg.BackoffMax,
		now:         cfg.Now,
		sleep:       cfg.Sleep,
		pending:     make(map[uuid.UUID]*pending),
		logger:      cfg.Logger,
		metrics:     NewMetrics(cfg.PrometheusReg),
	}
	if m.maxAttempts == 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.bumpBps == 0 {
		m.bumpBps = DefaultBumpBps
	}
	if m.backoffInit <= 0 {
		m.backoffInit = DefaultBackoffInitial
	}
	if m.backoffMax < m.backoffInit {
		m.backoffMax = max(DefaultBackoffMax, m.backoffInit)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.sleep == nil {
		m.sleep = sleepContext
	}
	buf := cfg.OutcomeBuffer
	if buf <= 0 {
		buf = DefaultOutcomeBuffer
	}
	m.outcomes = mailbox.NewFIFO[Outcome](buf)
	return m, nil
}

// Outcomes delivers terminal bundle states in the order they were reached.
func (m *Manager) Outcomes() *mailbox.FIFO[Outcome] { return m.outcomes }

// Pending returns the number of accepted bundles awaiting inclusion.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Bump returns fee raised by bps, always strictly greater than fee.
func Bump(fee *uint256.Int, bps uint16) *uint256.Int {
	if fee == nil {
		fee = new(uint256.Int)
	}
	next := new(uint256.Int).Mul(fee, uint256.NewInt(uint64(bpsDenominator)+uint64(bps)))
	next.Div(next, uint256.NewInt(bpsDenominator))
	if next.Cmp(fee) <= 0 {
		next.AddUint64(fee, 1)
	}
	return next
}

// Submit sends b and rebids on rejection until a relay accepts it, the
// attempt budget is spent or the deadline passes. Connectivity failures
// are retried with backoff and do not count as attempts. An accepted
// bundle waits for ObserveBlock; every other path ends with an outcome.
// The returned error is only non-nil when ctx ends.
func (m *Manager) Submit(ctx context.Context, b *relay.Bundle) error {
	timer := prometheus.NewTimer(m.metrics.SubmitLatency)
	defer timer.ObserveDuration()

	attempts := 0
	backoff := m.backoffInit
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.Expired(m.now(), m.observed()) {
			return m.finish(ctx, b, relay.StateExpired, attempts, "deadline passed before inclusion")
		}

		b.State = relay.StateSubmitted
		_, err := m.relay.SubmitBundle(ctx, b)
		var connErr *relay.ConnectivityError
		var rejected *relay.RejectedError
		switch {
		case err == nil:
			attempts++
			m.metrics.Attempts.Inc()
			m.track(b, attempts)
			m.logger.Debug("bundle accepted", "bundle", b.ID, "target", b.TargetBlock, "attempt", attempts)
			return nil

		case errors.As(err, &connErr):
			m.metrics.Retries.Inc()
			m.logger.Warn("relay unreachable, backing off", "bundle", b.ID, "backoff", backoff, "error", err)
			if err := m.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, m.backoffMax)

		case errors.As(err, &rejected):
			attempts++
			m.metrics.Attempts.Inc()
			if attempts >= m.maxAttempts {
				return m.finish(ctx, b, relay.StateRejected, attempts, rejected.Error())
			}
			next, rerr := m.rebidder.Rebid(ctx, b, Bump(b.PriorityFee, m.bumpBps))
			if rerr != nil {
				return m.finish(ctx, b, relay.StateRejected, attempts, fmt.Sprintf("rebid: %v", rerr))
			}
			m.metrics.Rebids.Inc()
			m.logger.Debug("bundle rejected, rebidding",
				"bundle", b.ID,
				"attempt", attempts,
				"reason", rejected.Error(),
				"priority_fee", next.PriorityFee,
			)
			b = next

		default:
			return m.finish(ctx, b, relay.StateRejected, attempts, err.Error())
		}
	}
}

// ObserveBlock resolves accepted bundles against a new block: bundles whose
// own transaction is in txHashes are Included, bundles whose target block
// has passed or whose deadline is over are Expired.
func (m *Manager) ObserveBlock(ctx context.Context, number uint64, txHashes []common.Hash) error {
	seen := make(map[common.Hash]struct{}, len(txHashes))
	for _, h := range txHashes {
		seen[h] = struct{}{}
	}
	now := m.now()

	var done []Outcome
	m.mu.Lock()
	if number > m.lastBlock {
		m.lastBlock = number
	}
	for id, p := range m.pending {
		out := Outcome{Bundle: p.bundle, Attempts: p.attempts}
		switch _, included := seen[p.own]; {
		case included:
			out.State, out.IncludedIn = relay.StateIncluded, number
		case number >= p.bundle.TargetBlock:
			out.State, out.Reason = relay.StateExpired, fmt.Sprintf("target block %d passed", p.bundle.TargetBlock)
		case p.bundle.Expired(now, number):
			out.State, out.Reason = relay.StateExpired, "deadline passed before inclusion"
		default:
			continue
		}
		delete(m.pending, id)
		done = append(done, out)
	}
	m.metrics.Pending.Set(float64(len(m.pending)))
	m.mu.Unlock()

	for _, out := range done {
		if err := m.emit(ctx, out); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) observed() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBlock
}

func (m *Manager) track(b *relay.Bundle, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[b.ID] = &pending{bundle: b, own: b.Own().Hash(), attempts: attempts}
	m.metrics.Pending.Set(float64(len(m.pending)))
}

func (m *Manager) finish(ctx context.Context, b *relay.Bundle, state relay.State, attempts int, reason string) error {
	return m.emit(ctx, Outcome{Bundle: b, State: state, Attempts: attempts, Reason: reason})
}

func (m *Manager) emit(ctx context.Context, out Outcome) error {
	out.Bundle.State = out.State
	m.metrics.Outcomes.WithLabelValues(out.State.String()).Inc()
	m.logger.Info("bundle finished",
		"bundle", out.Bundle.ID,
		"state", out.State.String(),
		"attempts", out.Attempts,
		"included_in", out.IncludedIn,
		"reason", out.Reason,
	)
	return m.outcomes.Send(ctx, out)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
