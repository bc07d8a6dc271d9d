// Package chains holds the identifiers and per-chain defaults of the
// supported networks.
package chains

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ID is an EIP-155 chain identifier.
type ID uint64

const (
	Mainnet  ID = 1
	BSC      ID = 56
	Base     ID = 8453
	Arbitrum ID = 42161
	Sepolia  ID = 11155111
)

// Chain describes one network.
type Chain struct {
	ID            ID
	Name          string
	WrappedNative common.Address
	BlockTime     time.Duration
}

var known = map[ID]Chain{
	Mainnet: {
		ID:            Mainnet,
		Name:          "mainnet",
		WrappedNative: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		BlockTime:     12 * time.Second,
	},
	BSC: {
		ID:            BSC,
		Name:          "bsc",
		WrappedNative: common.HexToAddress("0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"),
		BlockTime:     750 * time.Millisecond,
	},
	Base: {
		ID:            Base,
		Name:          "base",
		WrappedNative: common.HexToAddress("0x4200000000000000000000000000000000000006"),
		BlockTime:     2 * time.Second,
	},
	Arbitrum: {
		ID:            Arbitrum,
		Name:          "arbitrum",
		WrappedNative: common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"),
		BlockTime:     250 * time.Millisecond,
	},
	Sepolia: {
		ID:            Sepolia,
		Name:          "sepolia",
		WrappedNative: common.HexToAddress("0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14"),
		BlockTime:     12 * time.Second,
	},
}

// Lookup returns the defaults for id.
func Lookup(id uint64) (Chain, error) {
	c, ok := known[ID(id)]
	if !ok {
		return Chain{}, fmt.Errorf("chains: unsupported chain id %d", id)
	}
	return c, nil
}

func (id ID) String() string {
	if c, ok := known[id]; ok {
		return c.Name
	}
	return fmt.Sprintf("chain-%d", uint64(id))
}
