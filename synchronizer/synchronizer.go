package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Iwinswap/iwinswap-mev-engine/differ"
	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/poolregistry"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultRollbackWindow is the number of blocks a reorg can roll back
// without a full resync.
const DefaultRollbackWindow = 64

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Topology is the part of the pool registry the synchronizer writes to.
type Topology interface {
	AddToken(t token.TokenView) (token.TokenView, error)
	AddPool(in poolregistry.PoolInput) (poolregistry.PoolView, error)
	SetActive(addr common.Address, active bool) error
	Token(addr common.Address) (token.TokenView, bool)
	Pool(addr common.Address) (poolregistry.PoolView, bool)
}

// FullState is the complete pool table at a block, as returned by a resync.
type FullState struct {
	Header market.BlockHeader
	Pools  []*market.Pool
}

// ResyncFunc fetches the full state of every tracked pool at the chain head.
type ResyncFunc func(ctx context.Context) (*FullState, error)

// TokenResolverFunc fetches the metadata of a token first seen in a
// discovered pool.
type TokenResolverFunc func(ctx context.Context, addr common.Address) (token.TokenView, error)

// Config holds the dependencies of a Synchronizer.
type Config struct {
	Topology       Topology
	Resync         ResyncFunc
	ResolveToken   TokenResolverFunc
	RollbackWindow int
	// Differ, when set, reports how far local state had drifted from the
	// chain whenever a resync replaces it.
	Differ        *differ.StateDiffer
	Logger        Logger
	PrometheusReg prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Topology == nil {
		return errors.New("config: Topology is required")
	}
	if c.Resync == nil {
		return errors.New("config: Resync is required")
	}
	if c.ResolveToken == nil {
		return errors.New("config: ResolveToken is required")
	}
	if c.RollbackWindow < 0 {
		return errors.New("config: RollbackWindow must not be negative")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.PrometheusReg == nil {
		return errors.New("config: PrometheusReg is required")
	}
	return nil
}

type appliedBlock struct {
	hash   common.Hash
	digest common.Hash
	// known is false for the resync base, whose diff is unknown.
	known bool
}

// Synchronizer owns the pool table. It applies block diffs in order,
// rolls back on reorgs and resyncs from the chain when it cannot follow.
// Readers obtain immutable snapshots through Snapshot without locking.
type Synchronizer struct {
	mu sync.Mutex

	current atomic.Pointer[market.Snapshot]
	applied map[uint64]appliedBlock
	window  *rollbackWindow
	epoch   uint64
	// needsResync is set when a resync failed; the next event retries it.
	needsResync bool
	pendingInit map[common.Address]*market.Pool

	topology     Topology
	resync       ResyncFunc
	resolveToken TokenResolverFunc
	differ       *differ.StateDiffer

	logger       Logger
	metrics      *Metrics
	errorHandler func(error)
}

// New creates a Synchronizer. It holds no state until the first resync,
// which happens on the first call to Start or the first event.
func New(cfg *Config) (*Synchronizer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	window := cfg.RollbackWindow
	if window == 0 {
		window = DefaultRollbackWindow
	}

	s := &Synchronizer{
		applied:      make(map[uint64]appliedBlock),
		window:       newRollbackWindow(window),
		needsResync:  true,
		pendingInit:  make(map[common.Address]*market.Pool),
		topology:     cfg.Topology,
		resync:       cfg.Resync,
		resolveToken: cfg.ResolveToken,
		differ:       cfg.Differ,
		logger:       cfg.Logger,
		metrics:      NewMetrics(cfg.PrometheusReg),
	}
	s.errorHandler = func(err error) {
		errorType := determineErrorType(err)
		s.logger.Error("synchronizer error", "error", err, "type", errorType)
		s.metrics.ErrorsTotal.WithLabelValues(errorType).Inc()
	}
	return s, nil
}

// Snapshot returns the current snapshot, or nil before the first resync.
func (s *Synchronizer) Snapshot() *market.Snapshot {
	return s.current.Load()
}

// AppliedBlock returns the block the pool table reflects.
func (s *Synchronizer) AppliedBlock() market.BlockRef {
	if snap := s.current.Load(); snap != nil {
		return snap.Block()
	}
	return market.BlockRef{}
}

// Epoch returns the current synchronizer epoch.
func (s *Synchronizer) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Start performs the initial resync.
func (s *Synchronizer) Start(ctx context.Context) (*market.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.resyncLocked(ctx); err != nil {
		return nil, err
	}
	return s.current.Load(), nil
}

// Run applies events until ctx is done or the channel closes. Every new
// snapshot is handed to publish. It returns only on a fatal error or when
// the input ends.
func (s *Synchronizer) Run(ctx context.Context, events <-chan market.ChainEvent, publish func(*market.Snapshot)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			before := s.current.Load()
			snap, err := s.Handle(ctx, ev)
			if err != nil {
				if IsFatal(err) {
					return err
				}
				s.errorHandler(err)
			}
			if snap != nil && snap != before {
				publish(snap)
			}
		}
	}
}

// Handle dispatches one chain event and returns the resulting snapshot.
// Pending transactions are not chain state and are ignored.
func (s *Synchronizer) Handle(ctx context.Context, ev market.ChainEvent) (*market.Snapshot, error) {
	switch ev.Kind {
	case market.EventNewBlock:
		return s.ApplyBlock(ctx, ev.Block)
	case market.EventReorg:
		return s.Reorg(ctx, ev.Reorg.CommonAncestor)
	default:
		return s.current.Load(), nil
	}
}

// ApplyBlock applies one block's state diff on top of the applied head.
// A block already applied is a no-op. A block that does not extend the
// head triggers a full resync and returns a *StateInconsistencyError.
func (s *Synchronizer) ApplyBlock(ctx context.Context, b *market.NewBlock) (*market.Snapshot, error) {
	if b == nil {
		return s.current.Load(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := b.Header.Ref()
	digest := b.Diff.Digest()

	if rec, ok := s.applied[ref.Number]; ok && rec.hash == ref.Hash {
		if rec.known && rec.digest != digest {
			return s.current.Load(), &InvariantViolationError{
				Block:  ref,
				Reason: fmt.Sprintf("diff digest %s differs from applied %s", digest.TerminalString(), rec.digest.TerminalString()),
			}
		}
		s.metrics.DuplicateBlocks.WithLabelValues().Inc()
		s.logger.Debug("Ignoring already applied block", "block", ref.Number, "hash", ref.Hash)
		return s.current.Load(), nil
	}

	if s.needsResync {
		if err := s.resyncLocked(ctx); err != nil {
			return s.current.Load(), err
		}
		s.logger.Info("Resynced before applying block", "block", ref.Number)
		if ref.Number <= s.current.Load().Block().Number {
			return s.current.Load(), nil
		}
	}

	head := s.current.Load().Block()
	if oldest, ok := s.window.oldest(); ok && ref.Number < oldest.Number {
		s.logger.Warn("Ignoring block older than the rollback window", "block", ref.Number, "oldest", oldest.Number)
		return s.current.Load(), nil
	}
	if ref.Number != head.Number+1 || b.Header.ParentHash != head.Hash {
		reason := fmt.Sprintf("block %s does not extend head %s", ref, head)
		return s.inconsistentLocked(ctx, ref, reason, nil)
	}

	timer := prometheus.NewTimer(s.metrics.BlockApplyDur.WithLabelValues())
	next, skipped, err := s.current.Load().Apply(b.Diff, ref, b.Header.BaseFee)
	timer.ObserveDuration()
	if err != nil {
		return s.inconsistentLocked(ctx, ref, "diff could not be applied", err)
	}
	if len(skipped) > 0 {
		s.logger.Debug("Skipped updates for untracked pools", "block", ref.Number, "count", len(skipped))
	}

	for _, p := range b.Diff.Created {
		if cur, ok := next.Pool(p.Address); ok {
			s.pendingInit[p.Address] = cur
		}
	}
	s.registerPendingLocked(ctx, ref.Number)
	s.refreshHealthLocked(next, b.Diff.Touches())

	s.window.push(next)
	s.applied[ref.Number] = appliedBlock{hash: ref.Hash, digest: digest, known: true}
	s.pruneAppliedLocked()
	s.publishLocked(next)

	s.logger.Debug("Applied block",
		"block", ref.Number,
		"updates", len(b.Diff.Updates),
		"created", len(b.Diff.Created),
	)
	return next, nil
}

// Reorg restores the retained snapshot at the common ancestor. Blocks of
// the new branch are then applied as they arrive. An ancestor outside the
// rollback window triggers a full resync.
func (s *Synchronizer) Reorg(ctx context.Context, ancestor market.BlockRef) (*market.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.needsResync {
		if err := s.resyncLocked(ctx); err != nil {
			return s.current.Load(), err
		}
		return s.current.Load(), nil
	}

	cur := s.current.Load()
	if cur.Block() == ancestor {
		return cur, nil
	}

	restored, dropped, ok := s.window.rewind(ancestor)
	if !ok {
		s.metrics.Reorgs.WithLabelValues("resync").Inc()
		reason := fmt.Sprintf("common ancestor %s outside rollback window", ancestor)
		return s.inconsistentLocked(ctx, ancestor, reason, nil)
	}

	for number := range s.applied {
		if number > restored.Block().Number {
			delete(s.applied, number)
		}
	}

	// Pools created on the abandoned branch leave the topology's active set.
	orphaned := 0
	for _, snap := range dropped {
		for _, p := range snap.Pools() {
			if _, kept := restored.Pool(p.Address); kept {
				continue
			}
			delete(s.pendingInit, p.Address)
			if _, known := s.topology.Pool(p.Address); !known {
				continue
			}
			if err := s.topology.SetActive(p.Address, false); err == nil {
				orphaned++
			}
		}
	}
	s.refreshHealthLocked(restored, nil)

	s.metrics.Reorgs.WithLabelValues("rolled_back").Inc()
	s.publishLocked(restored)
	s.logger.Info("Rolled back to common ancestor",
		"ancestor", ancestor.Number,
		"depth", len(dropped),
		"orphaned_pools", orphaned,
	)
	return restored, nil
}

func (s *Synchronizer) inconsistentLocked(ctx context.Context, ref market.BlockRef, reason string, cause error) (*market.Snapshot, error) {
	s.logger.Warn("State inconsistency, resyncing", "block", ref.Number, "reason", reason)
	s.needsResync = true
	err := s.resyncLocked(ctx)
	if err != nil {
		cause = errors.Join(cause, err)
	}
	return s.current.Load(), &StateInconsistencyError{Block: ref, Reason: reason, Resynced: err == nil, Err: cause}
}

// resyncLocked replaces all local state with a fresh read of the chain and
// bumps the epoch. On failure local state is left untouched and the resync
// is retried on the next event.
func (s *Synchronizer) resyncLocked(ctx context.Context) error {
	full, err := s.resync(ctx)
	if err != nil {
		s.metrics.Resyncs.WithLabelValues("error").Inc()
		return &SystemError{BlockNumber: s.AppliedBlock().Number, Err: fmt.Errorf("resync failed: %w", err)}
	}

	fresh, err := market.NewSnapshot(full.Header.Ref(), s.epoch+1, full.Header.BaseFee, full.Pools)
	if err != nil {
		s.metrics.Resyncs.WithLabelValues("error").Inc()
		return &SystemError{BlockNumber: full.Header.Number, Err: fmt.Errorf("resync returned invalid state: %w", err)}
	}

	if prev := s.current.Load(); prev != nil && s.differ != nil {
		res := s.differ.Diff(prev, fresh)
		if res.Changed > 0 || res.Created > 0 || len(res.Missing) > 0 {
			s.logger.Info("Resync corrected local state",
				"changed", res.Changed,
				"created", res.Created,
				"missing", len(res.Missing),
			)
		}
	}

	s.epoch++
	s.needsResync = false
	clear(s.applied)
	s.applied[full.Header.Number] = appliedBlock{hash: full.Header.Hash}
	s.window.reset(fresh)

	for _, p := range fresh.Pools() {
		if _, known := s.topology.Pool(p.Address); !known {
			s.pendingInit[p.Address] = p
		}
	}
	s.registerPendingLocked(ctx, full.Header.Number)
	s.refreshHealthLocked(fresh, nil)

	s.metrics.Resyncs.WithLabelValues("success").Inc()
	s.publishLocked(fresh)
	s.logger.Info("Resynced pool table", "block", full.Header.Number, "epoch", s.epoch, "pools", fresh.Len())
	return nil
}

// registerPendingLocked adds discovered pools to the topology, resolving
// unknown tokens first. Failures stay pending for the next block.
func (s *Synchronizer) registerPendingLocked(ctx context.Context, blockNumber uint64) {
	for addr, p := range s.pendingInit {
		if err := s.registerPool(ctx, p); err != nil {
			s.errorHandler(&RegistrationError{
				SystemError: SystemError{BlockNumber: blockNumber, Err: err},
				PoolAddress: addr,
			})
			continue
		}
		delete(s.pendingInit, addr)
	}
}

func (s *Synchronizer) registerPool(ctx context.Context, p *market.Pool) error {
	for _, addr := range []common.Address{p.Token0, p.Token1} {
		if _, ok := s.topology.Token(addr); ok {
			continue
		}
		t, err := s.resolveToken(ctx, addr)
		if err != nil {
			return fmt.Errorf("resolving token %s: %w", addr.Hex(), err)
		}
		if _, err := s.topology.AddToken(t); err != nil {
			return err
		}
	}
	if _, err := s.topology.AddPool(poolregistry.PoolInput{
		Address: p.Address,
		Variant: p.Variant,
		Token0:  p.Token0,
		Token1:  p.Token1,
	}); err != nil {
		return err
	}
	return s.topology.SetActive(p.Address, true)
}

// refreshHealthLocked keeps the topology's active flags in line with pool
// state: empty pools are inactive. A nil touched set checks every pool.
func (s *Synchronizer) refreshHealthLocked(snap *market.Snapshot, touched map[common.Address]struct{}) {
	check := func(p *market.Pool) {
		view, ok := s.topology.Pool(p.Address)
		if !ok {
			return
		}
		healthy := !p.Empty()
		if view.Active != healthy {
			if err := s.topology.SetActive(p.Address, healthy); err != nil {
				s.logger.Warn("Failed to update pool health", "pool", p.Address, "error", err)
			}
		}
	}
	if touched == nil {
		for _, p := range snap.Pools() {
			check(p)
		}
		return
	}
	for addr := range touched {
		if p, ok := snap.Pool(addr); ok {
			check(p)
		}
	}
}

func (s *Synchronizer) pruneAppliedLocked() {
	oldest, ok := s.window.oldest()
	if !ok {
		return
	}
	for number := range s.applied {
		if number < oldest.Number {
			delete(s.applied, number)
		}
	}
}

func (s *Synchronizer) publishLocked(snap *market.Snapshot) {
	s.current.Store(snap)
	s.metrics.LastAppliedBlock.WithLabelValues().Set(float64(snap.Block().Number))
	s.metrics.PoolsTracked.WithLabelValues().Set(float64(snap.Len()))
	s.metrics.WindowDepth.WithLabelValues().Set(float64(s.window.len()))
}
