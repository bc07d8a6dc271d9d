// Package engine wires the pipeline together: chain feed, synchronizer,
// search, verification, transaction building, submission and outcome
// bookkeeping, each running as its own unit and connected by mailboxes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/pkg/mailbox"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/token"
	"github.com/Iwinswap/iwinswap-mev-engine/relay"
	"github.com/Iwinswap/iwinswap-mev-engine/search"
	"github.com/Iwinswap/iwinswap-mev-engine/submission"
	"github.com/Iwinswap/iwinswap-mev-engine/synchronizer"
	"github.com/Iwinswap/iwinswap-mev-engine/txbuilder"
	"github.com/Iwinswap/iwinswap-mev-engine/verify"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultQueueSize     = 64
	DefaultPendingBuffer = 1024
	DefaultPendingTTL    = 2 * time.Minute
	DefaultSearchTimeout = 2 * time.Second
)

// ErrFeedClosed is returned by Run when the chain feed stops delivering.
var ErrFeedClosed = errors.New("engine: chain feed closed")

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Feed delivers chain events in order and pending transactions best effort.
type Feed interface {
	Events() *mailbox.FIFO[market.ChainEvent]
	Pending() *mailbox.DropOldest[market.PendingTransaction]
}

// StateSynchronizer owns pool state and publishes snapshots.
type StateSynchronizer interface {
	Run(ctx context.Context, events <-chan market.ChainEvent, publish func(*market.Snapshot)) error
	Snapshot() *market.Snapshot
}

// Searcher finds opportunities on a snapshot.
type Searcher interface {
	Search(ctx context.Context, snap *market.Snapshot, backrun *search.Backrun) ([]search.Opportunity, error)
}

// PendingDecoder turns a pending transaction into its effect on pools.
type PendingDecoder interface {
	DecodePending(tx *types.Transaction, snap *market.Snapshot) (market.StateDiff, bool)
}

// Verifier gates opportunities on simulation.
type Verifier interface {
	Verify(ctx context.Context, snap *market.Snapshot, opp *search.Opportunity) (*verify.Verified, error)
}

// Builder turns a verified opportunity into a signed bundle.
type Builder interface {
	Build(ctx context.Context, v *verify.Verified, baseFee *big.Int) (*relay.Bundle, error)
}

// Submitter delivers bundles and reports their terminal states.
type Submitter interface {
	Submit(ctx context.Context, b *relay.Bundle) error
	ObserveBlock(ctx context.Context, number uint64, txHashes []common.Hash) error
	Outcomes() *mailbox.FIFO[submission.Outcome]
}

// Account tracks the signer's nonce and balance.
type Account interface {
	Refresh(ctx context.Context, number uint64) error
	MarkIncluded(nonce uint64)
}

// Store persists topology and the bundle journal.
type Store interface {
	SaveToken(ctx context.Context, t token.TokenView) error
	SavePool(ctx context.Context, p *market.Pool) error
	RecordOutcome(ctx context.Context, o submission.Outcome) error
}

// TokenSource lists the tokens known to the topology.
type TokenSource interface {
	Tokens() []token.TokenView
}

// Config holds the units of the pipeline. Decoder, Account, Store and
// Tokens are optional.
type Config struct {
	Feed         Feed
	Synchronizer StateSynchronizer
	Searcher     Searcher
	Decoder      PendingDecoder
	Verifier     Verifier
	Builder      Builder
	Submitter    Submitter
	Account      Account
	Store        Store
	Tokens       TokenSource

	QueueSize     int
	PendingBuffer int
	// PendingTTL is how long a pending transaction hash is remembered to
	// suppress duplicates from several sources.
	PendingTTL    time.Duration
	SearchTimeout time.Duration
	Now           func() time.Time

	Logger        Logger
	PrometheusReg prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Feed == nil {
		return errors.New("config: Feed is required")
	}
	if c.Synchronizer == nil {
		return errors.New("config: Synchronizer is required")
	}
	if c.Searcher == nil {
		return errors.New("config: Searcher is required")
	}
	if c.Verifier == nil {
		return errors.New("config: Verifier is required")
	}
	if c.Builder == nil {
		return errors.New("config: Builder is required")
	}
	if c.Submitter == nil {
		return errors.New("config: Submitter is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.PrometheusReg == nil {
		return errors.New("config: PrometheusReg is required")
	}
	return nil
}

// candidate is an opportunity with the snapshot it was computed on.
type candidate struct {
	snap *market.Snapshot
	opp  search.Opportunity
}

type approved struct {
	snap     *market.Snapshot
	verified *verify.Verified
}

type blockObservation struct {
	number   uint64
	txHashes []common.Hash
}

// Engine is the orchestrator.
type Engine struct {
	feed      Feed
	sync      StateSynchronizer
	searcher  Searcher
	decoder   PendingDecoder
	verifier  Verifier
	builder   Builder
	submitter Submitter
	account   Account
	store     Store
	tokens    TokenSource

	chainEvents   *mailbox.FIFO[market.ChainEvent]
	pending       *mailbox.DropOldest[market.PendingTransaction]
	snapshots     *mailbox.Latest[*market.Snapshot]
	persist       *mailbox.Latest[*market.Snapshot]
	opportunities *mailbox.FIFO[candidate]
	verified      *mailbox.FIFO[approved]
	bundles       *mailbox.FIFO[*relay.Bundle]
	observations  *mailbox.FIFO[blockObservation]
	seen          *cache.Cache

	searchTimeout time.Duration
	now           func() time.Time

	// owned by the persistence unit
	savedTokens    map[common.Address]struct{}
	persistedBlock uint64
	persistedEpoch uint64

	logger  Logger
	metrics *Metrics
}

// New creates an Engine; Run starts it.
func New(cfg *Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	pendingBuf := cfg.PendingBuffer
	if pendingBuf <= 0 {
		pendingBuf = DefaultPendingBuffer
	}
	ttl := cfg.PendingTTL
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	e := &Engine{
		feed:          cfg.Feed,
		sync:          cfg.Synchronizer,
		searcher:      cfg.Searcher,
		decoder:       cfg.Decoder,
		verifier:      cfg.Verifier,
		builder:       cfg.Builder,
		submitter:     cfg.Submitter,
		account:       cfg.Account,
		store:         cfg.Store,
		tokens:        cfg.Tokens,
		chainEvents:   mailbox.NewFIFO[market.ChainEvent](queue),
		pending:       mailbox.NewDropOldest[market.PendingTransaction](pendingBuf),
		snapshots:     mailbox.NewLatest[*market.Snapshot](),
		persist:       mailbox.NewLatest[*market.Snapshot](),
		opportunities: mailbox.NewFIFO[candidate](queue),
		verified:      mailbox.NewFIFO[approved](queue),
		bundles:       mailbox.NewFIFO[*relay.Bundle](queue),
		observations:  mailbox.NewFIFO[blockObservation](queue),
		seen:          cache.New(ttl, 2*ttl),
		searchTimeout: cfg.SearchTimeout,
		now:           cfg.Now,
		savedTokens:   make(map[common.Address]struct{}),
		logger:        cfg.Logger,
		metrics:       NewMetrics(cfg.PrometheusReg),
	}
	if e.searchTimeout <= 0 {
		e.searchTimeout = DefaultSearchTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

type unit struct {
	name string
	run  func(ctx context.Context) error
}

// Run starts every unit and blocks until ctx ends or a unit fails. A
// cancelled ctx is a clean shutdown and returns nil.
func (e *Engine) Run(ctx context.Context) error {
	units := []unit{
		{"feed", e.runFeed},
		{"pending", e.runPending},
		{"synchronizer", e.runSynchronizer},
		{"search", e.runSearch},
		{"backrun", e.runBackrun},
		{"verification", e.runVerification},
		{"builder", e.runBuilder},
		{"submission", e.runSubmission},
		{"observer", e.runObserver},
		{"bookkeeping", e.runBookkeeping},
	}
	if e.store != nil {
		units = append(units, unit{"persistence", e.runPersistence})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range units {
		g.Go(func() error {
			err := u.run(gctx)
			if err != nil && gctx.Err() == nil {
				e.logger.Error("Unit stopped", "unit", u.name, "error", err)
			}
			return err
		})
	}
	e.logger.Info("Engine started", "units", len(units))

	err := g.Wait()
	e.snapshots.Close()
	e.persist.Close()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// OfferPending queues a pending transaction for backrun search. Duplicates
// seen within the TTL are dropped; it never blocks.
func (e *Engine) OfferPending(p market.PendingTransaction) bool {
	if p.Tx == nil {
		return false
	}
	if err := e.seen.Add(p.Tx.Hash().Hex(), struct{}{}, cache.DefaultExpiration); err != nil {
		e.metrics.PendingReceived.WithLabelValues("duplicate").Inc()
		return false
	}
	if e.pending.Send(p) {
		e.metrics.PendingReceived.WithLabelValues("evicted").Inc()
	}
	e.metrics.PendingReceived.WithLabelValues("accepted").Inc()
	e.metrics.QueueDepth.WithLabelValues("pending").Set(float64(e.pending.Len()))
	return true
}

func (e *Engine) runFeed(ctx context.Context) error {
	for {
		ev, err := e.feed.Events().Receive(ctx)
		if errors.Is(err, mailbox.ErrClosed) {
			return ErrFeedClosed
		}
		if err != nil {
			return err
		}
		switch ev.Kind {
		case market.EventPendingTransaction:
			if ev.Pending != nil {
				e.OfferPending(*ev.Pending)
			}
			continue
		case market.EventNewBlock:
			if ev.Block != nil {
				obs := blockObservation{number: ev.Block.Header.Number, txHashes: ev.Block.TxHashes}
				if err := e.observations.Send(ctx, obs); err != nil {
					return err
				}
			}
		}
		if err := e.chainEvents.Send(ctx, ev); err != nil {
			return err
		}
		e.metrics.QueueDepth.WithLabelValues("chain_events").Set(float64(e.chainEvents.Len()))
	}
}

func (e *Engine) runPending(ctx context.Context) error {
	for {
		p, err := e.feed.Pending().Receive(ctx)
		if errors.Is(err, mailbox.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		e.OfferPending(p)
	}
}

func (e *Engine) runSynchronizer(ctx context.Context) error {
	return e.sync.Run(ctx, e.chainEvents.C(), e.publish)
}

func (e *Engine) publish(snap *market.Snapshot) {
	e.snapshots.Publish(snap)
	if e.store != nil {
		e.persist.Publish(snap)
	}
	e.logger.Debug("Snapshot published", "block", snap.Block().Number, "epoch", snap.Epoch(), "pools", snap.Len())
}

func (e *Engine) runSearch(ctx context.Context) error {
	for {
		snap, err := e.snapshots.Receive(ctx)
		if err != nil {
			return unitErr(err)
		}
		if err := e.searchAndQueue(ctx, "search", snap, nil); err != nil {
			return err
		}
	}
}

func (e *Engine) runBackrun(ctx context.Context) error {
	for {
		p, err := e.pending.Receive(ctx)
		if err != nil {
			return unitErr(err)
		}
		if err := e.handlePending(ctx, p); err != nil {
			return err
		}
	}
}

// handlePending decodes a pending transaction against the current snapshot
// and searches for backruns of it.
func (e *Engine) handlePending(ctx context.Context, p market.PendingTransaction) error {
	if e.decoder == nil {
		e.metrics.StageItems.WithLabelValues("backrun", "no_decoder").Inc()
		return nil
	}
	snap := e.sync.Snapshot()
	if snap == nil {
		e.metrics.StageItems.WithLabelValues("backrun", "no_state").Inc()
		return nil
	}
	diff, ok := e.decoder.DecodePending(p.Tx, snap)
	if !ok || diff.Empty() {
		e.metrics.StageItems.WithLabelValues("backrun", "undecodable").Inc()
		return nil
	}
	return e.searchAndQueue(ctx, "backrun", snap, &search.Backrun{Tx: p.Tx, Effect: diff})
}

func (e *Engine) searchAndQueue(ctx context.Context, stage string, snap *market.Snapshot, backrun *search.Backrun) error {
	timer := prometheus.NewTimer(e.metrics.StageDuration.WithLabelValues(stage))
	sctx, cancel := context.WithTimeout(ctx, e.searchTimeout)
	opps, err := e.searcher.Search(sctx, snap, backrun)
	cancel()
	timer.ObserveDuration()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.handleError(stage, err)
		return nil
	}
	if len(opps) == 0 {
		e.metrics.StageItems.WithLabelValues(stage, "none").Inc()
		return nil
	}
	for _, opp := range opps {
		if err := e.opportunities.Send(ctx, candidate{snap: snap, opp: opp}); err != nil {
			return err
		}
	}
	e.metrics.StageItems.WithLabelValues(stage, "found").Add(float64(len(opps)))
	e.metrics.QueueDepth.WithLabelValues("opportunities").Set(float64(e.opportunities.Len()))
	return nil
}

// discardReason reports why opp can no longer be acted on, or "" when it
// is still current.
func (e *Engine) discardReason(opp *search.Opportunity) string {
	if opp.Expired(e.now()) {
		return "expired"
	}
	if cur := e.sync.Snapshot(); cur != nil && opp.Stale(cur.Block(), cur.Epoch()) {
		return "stale"
	}
	return ""
}

func (e *Engine) runVerification(ctx context.Context) error {
	for {
		c, err := e.opportunities.Receive(ctx)
		if err != nil {
			return unitErr(err)
		}
		if err := e.handleCandidate(ctx, c); err != nil {
			return err
		}
	}
}

func (e *Engine) handleCandidate(ctx context.Context, c candidate) error {
	if reason := e.discardReason(&c.opp); reason != "" {
		e.metrics.StageItems.WithLabelValues("verification", reason).Inc()
		return nil
	}
	timer := prometheus.NewTimer(e.metrics.StageDuration.WithLabelValues("verification"))
	v, err := e.verifier.Verify(ctx, c.snap, &c.opp)
	timer.ObserveDuration()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case verify.IsRejection(err):
			e.metrics.StageItems.WithLabelValues("verification", "rejected").Inc()
		case errors.Is(err, verify.ErrStale), errors.Is(err, verify.ErrDeadlineExceeded):
			e.metrics.StageItems.WithLabelValues("verification", "discarded").Inc()
		default:
			e.handleError("verification", err)
		}
		return nil
	}
	e.metrics.StageItems.WithLabelValues("verification", "accepted").Inc()
	return e.verified.Send(ctx, approved{snap: c.snap, verified: v})
}

func (e *Engine) runBuilder(ctx context.Context) error {
	for {
		a, err := e.verified.Receive(ctx)
		if err != nil {
			return unitErr(err)
		}
		if err := e.handleApproved(ctx, a); err != nil {
			return err
		}
	}
}

func (e *Engine) handleApproved(ctx context.Context, a approved) error {
	if reason := e.discardReason(&a.verified.Opportunity); reason != "" {
		e.metrics.StageItems.WithLabelValues("builder", reason).Inc()
		return nil
	}
	b, err := e.builder.Build(ctx, a.verified, a.snap.BaseFee())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, verify.ErrDeadlineExceeded) {
			e.metrics.StageItems.WithLabelValues("builder", "expired").Inc()
			return nil
		}
		e.handleError("builder", err)
		return nil
	}
	e.metrics.StageItems.WithLabelValues("builder", "built").Inc()
	e.logger.Info("Bundle built",
		"bundle", b.ID,
		"opportunity", a.verified.Opportunity.ID,
		"target_block", b.TargetBlock,
		"profit", a.verified.Result.Profit,
	)
	return e.bundles.Send(ctx, b)
}

func (e *Engine) runSubmission(ctx context.Context) error {
	for {
		b, err := e.bundles.Receive(ctx)
		if err != nil {
			return unitErr(err)
		}
		if err := e.submitter.Submit(ctx, b); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.handleError("submission", err)
		}
	}
}

func (e *Engine) runObserver(ctx context.Context) error {
	for {
		obs, err := e.observations.Receive(ctx)
		if err != nil {
			return unitErr(err)
		}
		if e.account != nil {
			if err := e.account.Refresh(ctx, obs.number); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.handleError("observer", err)
			}
		}
		if err := e.submitter.ObserveBlock(ctx, obs.number, obs.txHashes); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.handleError("observer", err)
		}
	}
}

func (e *Engine) runBookkeeping(ctx context.Context) error {
	for {
		o, err := e.submitter.Outcomes().Receive(ctx)
		if err != nil {
			return unitErr(err)
		}
		e.record(ctx, o)
	}
}

// record books a terminal bundle state: metrics, nonce and journal.
func (e *Engine) record(ctx context.Context, o submission.Outcome) {
	e.metrics.Outcomes.WithLabelValues(o.State.String()).Inc()
	if o.Bundle == nil {
		return
	}
	if o.State == relay.StateIncluded && e.account != nil {
		if tx := o.Bundle.Own(); tx != nil {
			e.account.MarkIncluded(tx.Nonce())
		}
	}
	if e.store != nil {
		if err := e.store.RecordOutcome(ctx, o); err != nil {
			e.handleError("bookkeeping", err)
		}
	}
	e.logger.Info("Bundle finished",
		"bundle", o.Bundle.ID,
		"state", o.State,
		"attempts", o.Attempts,
		"included_in", o.IncludedIn,
		"reason", o.Reason,
	)
}

func (e *Engine) runPersistence(ctx context.Context) error {
	for {
		snap, err := e.persist.Receive(ctx)
		if err != nil {
			return unitErr(err)
		}
		e.persistSnapshot(ctx, snap)
	}
}

// persistSnapshot saves new tokens and every pool updated since the last
// persisted snapshot. A new epoch saves every pool.
func (e *Engine) persistSnapshot(ctx context.Context, snap *market.Snapshot) {
	if e.tokens != nil {
		for _, t := range e.tokens.Tokens() {
			if _, ok := e.savedTokens[t.Address]; ok {
				continue
			}
			if err := e.store.SaveToken(ctx, t); err != nil {
				e.handleError("persistence", err)
				continue
			}
			e.savedTokens[t.Address] = struct{}{}
		}
	}
	full := snap.Epoch() != e.persistedEpoch
	saved := 0
	for _, p := range snap.Pools() {
		if !full && p.UpdatedAt.Number <= e.persistedBlock {
			continue
		}
		if err := e.store.SavePool(ctx, p); err != nil {
			e.handleError("persistence", err)
			continue
		}
		saved++
	}
	e.persistedBlock = snap.Block().Number
	e.persistedEpoch = snap.Epoch()
	e.logger.Debug("Persisted snapshot", "block", snap.Block().Number, "pools", saved)
}

func (e *Engine) handleError(stage string, err error) {
	errorType := determineErrorType(err)
	e.logger.Warn("Stage error", "stage", stage, "error", err, "type", errorType)
	e.metrics.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// determineErrorType inspects an error and returns a string label for metrics.
func determineErrorType(err error) string {
	var (
		inconsistent *synchronizer.StateInconsistencyError
		connectivity *relay.ConnectivityError
		rejected     *relay.RejectedError
		rejection    *verify.RejectionError
	)
	switch {
	case errors.As(err, &inconsistent):
		return "state_inconsistency"
	case errors.As(err, &connectivity):
		return "connectivity"
	case errors.As(err, &rejected):
		return "relay_rejected"
	case errors.As(err, &rejection):
		return "rejection"
	case errors.Is(err, txbuilder.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, txbuilder.ErrUnprofitable):
		return "unprofitable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, search.ErrDeadlineExceeded):
		return "deadline"
	default:
		return "unknown"
	}
}

// unitErr maps a closed mailbox to a clean unit exit.
func unitErr(err error) error {
	if errors.Is(err, mailbox.ErrClosed) {
		return nil
	}
	return err
}
