package poolregistry

import (
	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/ethereum/go-ethereum/common"
)

// PoolView is a pool as seen by the topology: an edge between two tokens.
type PoolView struct {
	ID      uint64         `json:"id"`
	Address common.Address `json:"address"`
	Variant market.Variant `json:"variant"`
	Token0  uint64         `json:"token0"`
	Token1  uint64         `json:"token1"`
	Active  bool           `json:"active"`
}

// Other returns the token ID on the other side of the edge.
func (p PoolView) Other(tokenID uint64) uint64 {
	if tokenID == p.Token0 {
		return p.Token1
	}
	return p.Token0
}

// PoolRegistryView represents the complete state of the registry.
type PoolRegistryView struct {
	Pools []PoolView `json:"pools"`
}
