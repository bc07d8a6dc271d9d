package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/pkg/mailbox"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/token"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/uniswapv2"
	"github.com/Iwinswap/iwinswap-mev-engine/relay"
	"github.com/Iwinswap/iwinswap-mev-engine/search"
	"github.com/Iwinswap/iwinswap-mev-engine/submission"
	"github.com/Iwinswap/iwinswap-mev-engine/synchronizer"
	"github.com/Iwinswap/iwinswap-mev-engine/txbuilder"
	"github.com/Iwinswap/iwinswap-mev-engine/verify"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenX = common.HexToAddress("0x1000000000000000000000000000000000000001")
	tokenY = common.HexToAddress("0x2000000000000000000000000000000000000002")
	poolA  = common.HexToAddress("0xa000000000000000000000000000000000000001")
	poolB  = common.HexToAddress("0xb000000000000000000000000000000000000002")
)

func v2Pool(addr common.Address, number uint64) *market.Pool {
	return &market.Pool{
		Address:   addr,
		Variant:   market.ConstantProduct,
		Token0:    tokenX,
		Token1:    tokenY,
		V2:        &uniswapv2.PoolState{Reserve0: big.NewInt(1_000), Reserve1: big.NewInt(2_000), FeeBps: uniswapv2.DefaultFeeBps},
		UpdatedAt: market.BlockRef{Number: number},
	}
}

func snapshotAt(t *testing.T, number, epoch uint64, pools ...*market.Pool) *market.Snapshot {
	t.Helper()
	snap, err := market.NewSnapshot(blockRef(number), epoch, big.NewInt(1e9), pools)
	require.NoError(t, err)
	return snap
}

func blockRef(number uint64) market.BlockRef {
	return market.BlockRef{Number: number, Hash: common.BigToHash(new(big.Int).SetUint64(number))}
}

func pendingTx(nonce uint64) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(1), Nonce: nonce, Gas: 21_000, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(1)})
}

type fakeFeed struct {
	events  *mailbox.FIFO[market.ChainEvent]
	pending *mailbox.DropOldest[market.PendingTransaction]
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		events:  mailbox.NewFIFO[market.ChainEvent](8),
		pending: mailbox.NewDropOldest[market.PendingTransaction](8),
	}
}

func (f *fakeFeed) Events() *mailbox.FIFO[market.ChainEvent]                { return f.events }
func (f *fakeFeed) Pending() *mailbox.DropOldest[market.PendingTransaction] { return f.pending }

// fakeSync publishes a snapshot holding poolA for every new block.
type fakeSync struct {
	mu      sync.Mutex
	current *market.Snapshot
	runErr  error
}

func (s *fakeSync) Run(ctx context.Context, events <-chan market.ChainEvent, publish func(*market.Snapshot)) error {
	if s.runErr != nil {
		return s.runErr
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if ev.Kind != market.EventNewBlock {
				continue
			}
			ref := ev.Block.Header.Ref()
			snap, err := market.NewSnapshot(ref, 0, ev.Block.Header.BaseFee, []*market.Pool{v2Pool(poolA, ref.Number)})
			if err != nil {
				return err
			}
			s.set(snap)
			publish(snap)
		}
	}
}

func (s *fakeSync) set(snap *market.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = snap
}

func (s *fakeSync) Snapshot() *market.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

type fakeSearcher struct {
	mu       sync.Mutex
	backruns []*search.Backrun
	err      error
}

func (s *fakeSearcher) Search(_ context.Context, snap *market.Snapshot, backrun *search.Backrun) ([]search.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.backruns = append(s.backruns, backrun)
	opp := search.Opportunity{
		ID:      common.HexToHash("0x01"),
		TokenIn: tokenX,
		Profit:  big.NewInt(100),
		Context: search.Context{Block: snap.Block(), Epoch: snap.Epoch()},
		Backrun: backrun,
	}
	return []search.Opportunity{opp}, nil
}

func (s *fakeSearcher) seen() []*search.Backrun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*search.Backrun(nil), s.backruns...)
}

type fakeDecoder struct{ ok bool }

func (d fakeDecoder) DecodePending(*types.Transaction, *market.Snapshot) (market.StateDiff, bool) {
	if !d.ok {
		return market.StateDiff{}, false
	}
	return market.StateDiff{Updates: []market.PoolUpdate{{Pool: poolA}}}, true
}

type fakeVerifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (v *fakeVerifier) Verify(_ context.Context, _ *market.Snapshot, opp *search.Opportunity) (*verify.Verified, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	return &verify.Verified{Opportunity: *opp, Result: verify.SimulationResult{Success: true, Profit: opp.Profit}}, nil
}

func (v *fakeVerifier) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type fakeBuilder struct{ err error }

func (b fakeBuilder) Build(_ context.Context, v *verify.Verified, _ *big.Int) (*relay.Bundle, error) {
	if b.err != nil {
		return nil, b.err
	}
	fee := uint256.NewInt(1_000_000_000)
	return &relay.Bundle{
		ID:          uuid.New(),
		Txs:         []*types.Transaction{pendingTx(7)},
		TargetBlock: v.Opportunity.Context.Block.Number + 1,
		PriorityFee: fee,
		MaxFee:      fee,
		Opportunity: v.Opportunity,
		Simulation:  v.Result,
	}, nil
}

// fakeSubmitter includes every bundle it is given.
type fakeSubmitter struct {
	mu       sync.Mutex
	outcomes *mailbox.FIFO[submission.Outcome]
	observed []uint64
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{outcomes: mailbox.NewFIFO[submission.Outcome](8)}
}

func (s *fakeSubmitter) Submit(ctx context.Context, b *relay.Bundle) error {
	return s.outcomes.Send(ctx, submission.Outcome{Bundle: b, State: relay.StateIncluded, Attempts: 1, IncludedIn: b.TargetBlock})
}

func (s *fakeSubmitter) ObserveBlock(_ context.Context, number uint64, _ []common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed = append(s.observed, number)
	return nil
}

func (s *fakeSubmitter) Outcomes() *mailbox.FIFO[submission.Outcome] { return s.outcomes }

func (s *fakeSubmitter) blocks() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.observed...)
}

type fakeAccount struct {
	mu        sync.Mutex
	refreshed []uint64
	included  []uint64
}

func (a *fakeAccount) Refresh(_ context.Context, number uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshed = append(a.refreshed, number)
	return nil
}

func (a *fakeAccount) MarkIncluded(nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.included = append(a.included, nonce)
}

func (a *fakeAccount) snapshot() (refreshed, included []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.refreshed...), append([]uint64(nil), a.included...)
}

type fakeStore struct {
	mu       sync.Mutex
	tokens   []common.Address
	pools    []common.Address
	outcomes []submission.Outcome
}

func (s *fakeStore) SaveToken(_ context.Context, t token.TokenView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, t.Address)
	return nil
}

func (s *fakeStore) SavePool(_ context.Context, p *market.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools = append(s.pools, p.Address)
	return nil
}

func (s *fakeStore) RecordOutcome(_ context.Context, o submission.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *fakeStore) recorded() []submission.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]submission.Outcome(nil), s.outcomes...)
}

type staticTokens []token.TokenView

func (s staticTokens) Tokens() []token.TokenView { return s }

type harness struct {
	feed      *fakeFeed
	sync      *fakeSync
	searcher  *fakeSearcher
	verifier  *fakeVerifier
	submitter *fakeSubmitter
	account   *fakeAccount
	store     *fakeStore
}

func newEngine(t *testing.T, mutate func(*Config)) (*Engine, *harness) {
	t.Helper()
	h := &harness{
		feed:      newFakeFeed(),
		sync:      &fakeSync{},
		searcher:  &fakeSearcher{},
		verifier:  &fakeVerifier{},
		submitter: newFakeSubmitter(),
		account:   &fakeAccount{},
		store:     &fakeStore{},
	}
	cfg := &Config{
		Feed:          h.feed,
		Synchronizer:  h.sync,
		Searcher:      h.searcher,
		Decoder:       fakeDecoder{ok: true},
		Verifier:      h.verifier,
		Builder:       fakeBuilder{},
		Submitter:     h.submitter,
		Account:       h.account,
		Store:         h.store,
		Tokens:        staticTokens{{Address: tokenX, Decimals: 18}, {Address: tokenY, Decimals: 6}},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		PrometheusReg: prometheus.NewRegistry(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e, h
}

func TestNew(t *testing.T) {
	t.Run("requires components", func(t *testing.T) {
		_, err := New(&Config{})
		assert.ErrorContains(t, err, "invalid configuration")
	})

	t.Run("optional components may be absent", func(t *testing.T) {
		e, _ := newEngine(t, func(c *Config) {
			c.Decoder = nil
			c.Account = nil
			c.Store = nil
			c.Tokens = nil
		})
		assert.Equal(t, DefaultSearchTimeout, e.searchTimeout)
	})
}

func TestRun(t *testing.T) {
	t.Run("block flows through to a recorded outcome", func(t *testing.T) {
		e, h := newEngine(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- e.Run(ctx) }()

		header := market.BlockHeader{Number: 1, Hash: blockRef(1).Hash, BaseFee: big.NewInt(1e9)}
		require.NoError(t, h.feed.events.Send(ctx, market.BlockEvent(&market.NewBlock{Header: header})))

		require.Eventually(t, func() bool { return len(h.store.recorded()) == 1 }, 2*time.Second, 5*time.Millisecond)
		o := h.store.recorded()[0]
		assert.Equal(t, relay.StateIncluded, o.State)
		assert.Equal(t, uint64(2), o.IncludedIn)

		require.Eventually(t, func() bool {
			refreshed, included := h.account.snapshot()
			return len(refreshed) == 1 && len(included) == 1
		}, 2*time.Second, 5*time.Millisecond)
		refreshed, included := h.account.snapshot()
		assert.Equal(t, []uint64{1}, refreshed)
		assert.Equal(t, []uint64{7}, included)
		assert.Equal(t, []uint64{1}, h.submitter.blocks())

		require.Eventually(t, func() bool {
			h.store.mu.Lock()
			defer h.store.mu.Unlock()
			return len(h.store.pools) == 1 && len(h.store.tokens) == 2
		}, 2*time.Second, 5*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	})

	t.Run("pending transaction is searched as a backrun", func(t *testing.T) {
		e, h := newEngine(t, nil)
		h.sync.set(snapshotAt(t, 1, 0, v2Pool(poolA, 1)))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- e.Run(ctx) }()

		tx := pendingTx(1)
		h.feed.pending.Send(market.PendingTransaction{Tx: tx, SeenAt: time.Now()})

		require.Eventually(t, func() bool { return len(h.searcher.seen()) == 1 }, 2*time.Second, 5*time.Millisecond)
		br := h.searcher.seen()[0]
		require.NotNil(t, br)
		assert.Equal(t, tx.Hash(), br.Tx.Hash())

		cancel()
		assert.NoError(t, <-done)
	})

	t.Run("fatal synchronizer error stops the engine", func(t *testing.T) {
		fatal := &synchronizer.InvariantViolationError{Reason: "epoch went backwards"}
		e, h := newEngine(t, nil)
		h.sync.runErr = fatal

		err := e.Run(context.Background())
		assert.ErrorIs(t, err, fatal)
	})

	t.Run("closed feed", func(t *testing.T) {
		e, h := newEngine(t, nil)
		h.feed.events.Close()

		err := e.Run(context.Background())
		assert.ErrorIs(t, err, ErrFeedClosed)
	})
}

func TestOfferPending(t *testing.T) {
	e, _ := newEngine(t, nil)
	tx := pendingTx(3)

	assert.True(t, e.OfferPending(market.PendingTransaction{Tx: tx}))
	assert.False(t, e.OfferPending(market.PendingTransaction{Tx: tx}), "duplicate hash")
	assert.True(t, e.OfferPending(market.PendingTransaction{Tx: pendingTx(4)}))
	assert.False(t, e.OfferPending(market.PendingTransaction{}))
	assert.Equal(t, 2, e.pending.Len())
}

func TestHandlePending(t *testing.T) {
	ctx := context.Background()

	t.Run("no state yet", func(t *testing.T) {
		e, h := newEngine(t, nil)
		require.NoError(t, e.handlePending(ctx, market.PendingTransaction{Tx: pendingTx(1)}))
		assert.Empty(t, h.searcher.seen())
	})

	t.Run("undecodable transaction is skipped", func(t *testing.T) {
		e, h := newEngine(t, func(c *Config) { c.Decoder = fakeDecoder{} })
		h.sync.set(snapshotAt(t, 1, 0, v2Pool(poolA, 1)))
		require.NoError(t, e.handlePending(ctx, market.PendingTransaction{Tx: pendingTx(1)}))
		assert.Empty(t, h.searcher.seen())
		assert.Zero(t, e.opportunities.Len())
	})

	t.Run("decoded transaction queues opportunities", func(t *testing.T) {
		e, h := newEngine(t, nil)
		h.sync.set(snapshotAt(t, 1, 0, v2Pool(poolA, 1)))
		require.NoError(t, e.handlePending(ctx, market.PendingTransaction{Tx: pendingTx(1)}))
		require.Len(t, h.searcher.seen(), 1)
		assert.Len(t, h.searcher.seen()[0].Effect.Updates, 1)
		assert.Equal(t, 1, e.opportunities.Len())
	})

	t.Run("search error is not fatal", func(t *testing.T) {
		e, h := newEngine(t, nil)
		h.searcher.err = errors.New("boom")
		h.sync.set(snapshotAt(t, 1, 0, v2Pool(poolA, 1)))
		require.NoError(t, e.handlePending(ctx, market.PendingTransaction{Tx: pendingTx(1)}))
		assert.Zero(t, e.opportunities.Len())
	})
}

func TestHandleCandidate(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	opp := func(number uint64, deadline time.Time) candidate {
		snap := snapshotAt(t, number, 0, v2Pool(poolA, number))
		return candidate{snap: snap, opp: search.Opportunity{
			ID:       common.HexToHash("0x02"),
			Profit:   big.NewInt(10),
			Context:  search.Context{Block: snap.Block()},
			Deadline: deadline,
		}}
	}

	t.Run("fresh opportunity is verified and forwarded", func(t *testing.T) {
		e, h := newEngine(t, func(c *Config) { c.Now = func() time.Time { return now } })
		h.sync.set(snapshotAt(t, 5, 0, v2Pool(poolA, 5)))
		require.NoError(t, e.handleCandidate(ctx, opp(5, now.Add(time.Second))))
		assert.Equal(t, 1, h.verifier.count())
		assert.Equal(t, 1, e.verified.Len())
	})

	t.Run("expired opportunity is discarded", func(t *testing.T) {
		e, h := newEngine(t, func(c *Config) { c.Now = func() time.Time { return now } })
		h.sync.set(snapshotAt(t, 5, 0, v2Pool(poolA, 5)))
		require.NoError(t, e.handleCandidate(ctx, opp(5, now)))
		assert.Zero(t, h.verifier.count())
		assert.Zero(t, e.verified.Len())
	})

	t.Run("stale opportunity is discarded", func(t *testing.T) {
		e, h := newEngine(t, func(c *Config) { c.Now = func() time.Time { return now } })
		h.sync.set(snapshotAt(t, 6, 0, v2Pool(poolA, 6)))
		require.NoError(t, e.handleCandidate(ctx, opp(5, now.Add(time.Second))))
		assert.Zero(t, h.verifier.count())
		assert.Zero(t, e.verified.Len())
	})

	t.Run("rejection is not forwarded", func(t *testing.T) {
		e, h := newEngine(t, func(c *Config) { c.Now = func() time.Time { return now } })
		h.verifier.err = &verify.RejectionError{Reason: verify.ReasonReverted}
		h.sync.set(snapshotAt(t, 5, 0, v2Pool(poolA, 5)))
		require.NoError(t, e.handleCandidate(ctx, opp(5, now.Add(time.Second))))
		assert.Equal(t, 1, h.verifier.count())
		assert.Zero(t, e.verified.Len())
	})
}

func TestHandleApproved(t *testing.T) {
	ctx := context.Background()
	snap := snapshotAt(t, 5, 0, v2Pool(poolA, 5))
	v := &verify.Verified{Opportunity: search.Opportunity{Context: search.Context{Block: snap.Block()}}}

	t.Run("builds a bundle", func(t *testing.T) {
		e, h := newEngine(t, nil)
		h.sync.set(snap)
		require.NoError(t, e.handleApproved(ctx, approved{snap: snap, verified: v}))
		assert.Equal(t, 1, e.bundles.Len())
	})

	t.Run("state moved on before building", func(t *testing.T) {
		e, h := newEngine(t, nil)
		h.sync.set(snapshotAt(t, 5, 1, v2Pool(poolA, 5)))
		require.NoError(t, e.handleApproved(ctx, approved{snap: snap, verified: v}))
		assert.Zero(t, e.bundles.Len())
	})

	t.Run("build failure is not fatal", func(t *testing.T) {
		e, h := newEngine(t, func(c *Config) { c.Builder = fakeBuilder{err: txbuilder.ErrInsufficientFunds} })
		h.sync.set(snap)
		require.NoError(t, e.handleApproved(ctx, approved{snap: snap, verified: v}))
		assert.Zero(t, e.bundles.Len())
	})
}

func TestPersistSnapshot(t *testing.T) {
	ctx := context.Background()
	e, h := newEngine(t, nil)

	e.persistSnapshot(ctx, snapshotAt(t, 1, 0, v2Pool(poolA, 1), v2Pool(poolB, 1)))
	assert.Len(t, h.store.pools, 2)
	assert.Len(t, h.store.tokens, 2)

	// only poolB changed in block 2
	e.persistSnapshot(ctx, snapshotAt(t, 2, 0, v2Pool(poolA, 1), v2Pool(poolB, 2)))
	assert.Equal(t, []common.Address{poolA, poolB, poolB}, h.store.pools)
	assert.Len(t, h.store.tokens, 2)

	// a resync saves everything again
	e.persistSnapshot(ctx, snapshotAt(t, 2, 1, v2Pool(poolA, 1), v2Pool(poolB, 2)))
	assert.Len(t, h.store.pools, 5)
}

func TestDetermineErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&synchronizer.StateInconsistencyError{}, "state_inconsistency"},
		{&relay.ConnectivityError{Relay: "r", Err: errors.New("refused")}, "connectivity"},
		{&relay.RejectedError{}, "relay_rejected"},
		{&verify.RejectionError{Reason: verify.ReasonReverted}, "rejection"},
		{txbuilder.ErrInsufficientFunds, "insufficient_funds"},
		{fmt.Errorf("build: %w", txbuilder.ErrUnprofitable), "unprofitable"},
		{context.DeadlineExceeded, "deadline"},
		{errors.New("other"), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, determineErrorType(tt.err))
		})
	}
}
