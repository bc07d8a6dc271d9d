package poolregistry

import (
	"github.com/ethereum/go-ethereum/common"
)

type Indexer struct{}

// New creates a new Indexer.
func New() *Indexer {
	return &Indexer{}
}

// Index creates an indexed pool registry from a registry view.
func (i *Indexer) Index(view PoolRegistryView) *IndexablePoolRegistry {
	return NewIndexablePoolRegistry(view.Pools)
}

// IndexablePoolRegistry provides fast, indexed access to pool registry data.
// Pool IDs are dense: the pool with ID n is at position n.
type IndexablePoolRegistry struct {
	byAddress map[common.Address]uint64
	all       []PoolView
}

// NewIndexablePoolRegistry creates a new indexed pool registry from a raw slice.
func NewIndexablePoolRegistry(pools []PoolView) *IndexablePoolRegistry {
	byAddress := make(map[common.Address]uint64, len(pools))
	for _, p := range pools {
		byAddress[p.Address] = p.ID
	}

	return &IndexablePoolRegistry{
		byAddress: byAddress,
		all:       pools,
	}
}

// GetByID retrieves a pool by its unique ID.
func (ipr *IndexablePoolRegistry) GetByID(id uint64) (PoolView, bool) {
	if id >= uint64(len(ipr.all)) {
		return PoolView{}, false
	}
	return ipr.all[id], true
}

// GetByAddress retrieves a pool by its contract address.
func (ipr *IndexablePoolRegistry) GetByAddress(address common.Address) (PoolView, bool) {
	id, ok := ipr.byAddress[address]
	if !ok {
		return PoolView{}, false
	}
	return ipr.all[id], true
}

// Len returns the number of pools.
func (ipr *IndexablePoolRegistry) Len() int {
	return len(ipr.all)
}

// All returns a defensive copy of the slice of all pools in the system.
func (ipr *IndexablePoolRegistry) All() []PoolView {
	allCopy := make([]PoolView, len(ipr.all))
	copy(allCopy, ipr.all)
	return allCopy
}

// with returns a registry with p appended (p.ID must be Len()).
func (ipr *IndexablePoolRegistry) with(p PoolView) *IndexablePoolRegistry {
	all := make([]PoolView, len(ipr.all), len(ipr.all)+1)
	copy(all, ipr.all)
	all = append(all, p)

	byAddress := make(map[common.Address]uint64, len(all))
	for k, v := range ipr.byAddress {
		byAddress[k] = v
	}
	byAddress[p.Address] = p.ID
	return &IndexablePoolRegistry{byAddress: byAddress, all: all}
}

// withActive returns a registry where pool id has the given active flag.
func (ipr *IndexablePoolRegistry) withActive(id uint64, active bool) *IndexablePoolRegistry {
	all := make([]PoolView, len(ipr.all))
	copy(all, ipr.all)
	all[id].Active = active
	return &IndexablePoolRegistry{byAddress: ipr.byAddress, all: all}
}
