package market

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// BlockRef identifies a block.
type BlockRef struct {
	Number uint64      `json:"number"`
	Hash   common.Hash `json:"hash"`
}

func (r BlockRef) String() string {
	return fmt.Sprintf("#%d(%s)", r.Number, r.Hash.TerminalString())
}

// Snapshot is an immutable, point-in-time view of every tracked pool tied to
// the block it was built from. Pools returned by a Snapshot are shared with
// other readers and must never be modified; use Fork for scratch state.
type Snapshot struct {
	block   BlockRef
	epoch   uint64
	baseFee *big.Int
	pools   map[common.Address]*Pool
}

// NewSnapshot builds a snapshot from pools, cloning each of them.
func NewSnapshot(block BlockRef, epoch uint64, baseFee *big.Int, pools []*Pool) (*Snapshot, error) {
	m := make(map[common.Address]*Pool, len(pools))
	for _, p := range pools {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		m[p.Address] = p.Clone()
	}
	return &Snapshot{block: block, epoch: epoch, baseFee: copyInt(baseFee), pools: m}, nil
}

// Block returns the block the snapshot reflects.
func (s *Snapshot) Block() BlockRef { return s.block }

// Epoch increments whenever the synchronizer discards its history (full
// resync); work computed under an older epoch is stale.
func (s *Snapshot) Epoch() uint64 { return s.epoch }

// BaseFee returns a copy of the block base fee, or zero when unknown.
func (s *Snapshot) BaseFee() *big.Int {
	if s.baseFee == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(s.baseFee)
}

// Len returns the number of pools.
func (s *Snapshot) Len() int { return len(s.pools) }

// Pool returns the shared, read-only pool at addr.
func (s *Snapshot) Pool(addr common.Address) (*Pool, bool) {
	p, ok := s.pools[addr]
	return p, ok
}

// Pools returns all pools ordered by address.
func (s *Snapshot) Pools() []*Pool {
	out := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

// Liquidity returns the liquidity estimate of a pool, zero when unknown.
func (s *Snapshot) Liquidity(addr common.Address) float64 {
	p, ok := s.pools[addr]
	if !ok {
		return 0
	}
	return p.Liquidity()
}

// Apply returns a new snapshot at block with diff applied. Untouched pools
// are shared with the receiver; touched pools are cloned before mutation.
// Updates to pools the snapshot does not track are ignored and reported in
// skipped.
func (s *Snapshot) Apply(diff StateDiff, block BlockRef, baseFee *big.Int) (next *Snapshot, skipped []common.Address, err error) {
	pools := make(map[common.Address]*Pool, len(s.pools)+len(diff.Created))
	for addr, p := range s.pools {
		pools[addr] = p
	}
	owned := make(map[common.Address]bool)

	for _, p := range diff.Created {
		if _, exists := pools[p.Address]; exists {
			continue
		}
		if err := p.Validate(); err != nil {
			return nil, nil, err
		}
		c := p.Clone()
		c.UpdatedAt = block
		pools[p.Address] = c
		owned[p.Address] = true
	}

	for _, u := range diff.Updates {
		p, ok := pools[u.Pool]
		if !ok {
			skipped = append(skipped, u.Pool)
			continue
		}
		if !owned[u.Pool] {
			p = p.Clone()
			pools[u.Pool] = p
			owned[u.Pool] = true
		}
		if err := u.apply(p); err != nil {
			return nil, nil, err
		}
		p.UpdatedAt = block
	}

	if baseFee == nil {
		baseFee = s.baseFee
	}
	return &Snapshot{block: block, epoch: s.epoch, baseFee: copyInt(baseFee), pools: pools}, skipped, nil
}

// WithEpoch returns a snapshot sharing all pools but tagged with epoch.
func (s *Snapshot) WithEpoch(epoch uint64) *Snapshot {
	c := *s
	c.epoch = epoch
	return &c
}

// Without returns a snapshot that no longer contains the given pools.
func (s *Snapshot) Without(addrs ...common.Address) *Snapshot {
	drop := make(map[common.Address]struct{}, len(addrs))
	for _, a := range addrs {
		drop[a] = struct{}{}
	}
	pools := make(map[common.Address]*Pool, len(s.pools))
	for addr, p := range s.pools {
		if _, ok := drop[addr]; !ok {
			pools[addr] = p
		}
	}
	c := *s
	c.pools = pools
	return &c
}

// Equal compares the pool state of two snapshots, ignoring epoch.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s.block != o.block || len(s.pools) != len(o.pools) {
		return false
	}
	for addr, p := range s.pools {
		q, ok := o.pools[addr]
		if !ok || !p.Equal(q) {
			return false
		}
	}
	return true
}

// Fork returns a mutable overlay over the snapshot.
func (s *Snapshot) Fork() *Fork {
	return &Fork{base: s, dirty: make(map[common.Address]*Pool)}
}

// Fork is scratch pool state layered over a snapshot. Pools are cloned on
// first access; the base snapshot is never modified.
type Fork struct {
	base  *Snapshot
	dirty map[common.Address]*Pool
}

// Base returns the snapshot the fork was taken from.
func (f *Fork) Base() *Snapshot { return f.base }

// Pool returns a mutable copy of the pool at addr.
func (f *Fork) Pool(addr common.Address) (*Pool, bool) {
	if p, ok := f.dirty[addr]; ok {
		return p, true
	}
	p, ok := f.base.pools[addr]
	if !ok {
		return nil, false
	}
	c := p.Clone()
	f.dirty[addr] = c
	return c, true
}

// Child returns a fork layered over this one. Commit merges it back.
func (f *Fork) Child() *Fork {
	return &Fork{base: f.base, dirty: f.cloneDirty()}
}

// Commit replaces the receiver's changes with child's.
func (f *Fork) Commit(child *Fork) {
	f.dirty = child.dirty
}

func (f *Fork) cloneDirty() map[common.Address]*Pool {
	m := make(map[common.Address]*Pool, len(f.dirty))
	for addr, p := range f.dirty {
		m[addr] = p.Clone()
	}
	return m
}

// Snapshot freezes the fork into a new snapshot at the base block.
func (f *Fork) Snapshot() *Snapshot {
	pools := make(map[common.Address]*Pool, len(f.base.pools))
	for addr, p := range f.base.pools {
		pools[addr] = p
	}
	for addr, p := range f.dirty {
		pools[addr] = p.Clone()
	}
	c := *f.base
	c.pools = pools
	return &c
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
