package search

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Hop is one priced swap of an opportunity.
type Hop struct {
	Pool     common.Address
	Variant  market.Variant
	TokenIn  common.Address
	TokenOut common.Address
	// ZeroForOne is true when TokenIn is the pool's token0.
	ZeroForOne bool
	AmountIn   *big.Int
	AmountOut  *big.Int
	Gas        uint64
}

// Context ties an opportunity to the state it was computed on.
type Context struct {
	Block market.BlockRef
	Epoch uint64
	// TargetTx is the pending transaction being backrun, zero otherwise.
	TargetTx common.Hash
}

// Backrun describes a pending transaction and its decoded effect on pools.
type Backrun struct {
	Tx     *types.Transaction
	Effect market.StateDiff
}

// Hash returns the hash of the target transaction.
func (b *Backrun) Hash() common.Hash {
	if b == nil || b.Tx == nil {
		return common.Hash{}
	}
	return b.Tx.Hash()
}

// Opportunity is a priced cyclic trade. It is only meaningful for its
// Context and before its Deadline.
type Opportunity struct {
	ID        common.Hash
	Hops      []Hop
	TokenIn   common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
	Gas       uint64
	// GasCost is the gas estimate priced in TokenIn units.
	GasCost *big.Int
	// Profit is AmountOut - AmountIn - GasCost.
	Profit    *big.Int
	Liquidity float64
	Context   Context
	Backrun   *Backrun
	Deadline  time.Time
}

// Pools returns the pool addresses in hop order.
func (o *Opportunity) Pools() []common.Address {
	out := make([]common.Address, len(o.Hops))
	for i, h := range o.Hops {
		out[i] = h.Pool
	}
	return out
}

// Expired reports whether the deadline has passed at now.
func (o *Opportunity) Expired(now time.Time) bool {
	return !o.Deadline.IsZero() && !now.Before(o.Deadline)
}

// Stale reports whether the opportunity was computed on a different block
// or epoch than ref and epoch.
func (o *Opportunity) Stale(ref market.BlockRef, epoch uint64) bool {
	return o.Context.Epoch != epoch || o.Context.Block != ref
}

// opportunityID hashes everything that makes an opportunity distinct.
func opportunityID(ctx Context, hops []Hop, amountIn *big.Int) common.Hash {
	buf := make([]byte, 0, 32+8+32+len(hops)*20+32)
	buf = append(buf, ctx.Block.Hash.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, ctx.Epoch)
	buf = append(buf, ctx.TargetTx.Bytes()...)
	for _, h := range hops {
		buf = append(buf, h.Pool.Bytes()...)
		buf = append(buf, h.TokenIn.Bytes()...)
	}
	buf = append(buf, common.BigToHash(amountIn).Bytes()...)
	return crypto.Keccak256Hash(buf)
}
