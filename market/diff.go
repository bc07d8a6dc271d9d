package market

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// UpdateKind tags a PoolUpdate.
type UpdateKind uint8

const (
	// SetReserves overwrites constant-product reserves (V2 Sync).
	SetReserves UpdateKind = iota + 1
	// SetSlot0 overwrites price, active liquidity and tick (V3 Swap).
	SetSlot0
	// ModifyLiquidity adds or removes range liquidity (V3 Mint/Burn).
	ModifyLiquidity
	// ExchangeBalances moves stable-swap balances by a trade.
	ExchangeBalances
	// ReplaceState overwrites the whole pool state (resync, reconciliation).
	ReplaceState
)

func (k UpdateKind) String() string {
	switch k {
	case SetReserves:
		return "set_reserves"
	case SetSlot0:
		return "set_slot0"
	case ModifyLiquidity:
		return "modify_liquidity"
	case ExchangeBalances:
		return "exchange_balances"
	case ReplaceState:
		return "replace_state"
	default:
		return "unknown"
	}
}

// PoolUpdate is one state change of one pool. Which fields are meaningful
// depends on Kind.
type PoolUpdate struct {
	Pool common.Address
	Kind UpdateKind

	Reserve0 *big.Int
	Reserve1 *big.Int

	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32

	TickLower      int32
	TickUpper      int32
	LiquidityDelta *big.Int

	// ExchangeBalances: coin SoldID gains AmountSold, coin BoughtID loses AmountBought.
	SoldID       int
	AmountSold   *big.Int
	BoughtID     int
	AmountBought *big.Int

	State *Pool
}

// StateDiff is the ordered set of pool changes carried by one block (or by a
// pending transaction's decoded effect), plus pools first seen in it.
type StateDiff struct {
	Updates []PoolUpdate
	Created []*Pool
}

// Empty reports whether the diff changes nothing.
func (d StateDiff) Empty() bool {
	return len(d.Updates) == 0 && len(d.Created) == 0
}

// Touches returns the set of pools the diff modifies or creates.
func (d StateDiff) Touches() map[common.Address]struct{} {
	set := make(map[common.Address]struct{}, len(d.Updates)+len(d.Created))
	for _, u := range d.Updates {
		set[u.Pool] = struct{}{}
	}
	for _, p := range d.Created {
		set[p.Address] = struct{}{}
	}
	return set
}

// Digest is a content hash of the diff, used to detect the same block being
// delivered twice with different contents.
func (d StateDiff) Digest() common.Hash {
	var buf []byte
	writeInt := func(v *big.Int) {
		if v == nil {
			buf = append(buf, 0)
			return
		}
		b := v.Bytes()
		sign := byte(1)
		if v.Sign() < 0 {
			sign = 2
		}
		buf = append(buf, sign)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(b)))
		buf = append(buf, b...)
	}
	writePool := func(p *Pool) {
		if p == nil {
			buf = append(buf, 0)
			return
		}
		buf = append(buf, byte(p.Variant))
		buf = append(buf, p.Address.Bytes()...)
		buf = append(buf, p.Token0.Bytes()...)
		buf = append(buf, p.Token1.Bytes()...)
		switch p.Variant {
		case ConstantProduct:
			writeInt(p.V2.Reserve0)
			writeInt(p.V2.Reserve1)
			buf = binary.BigEndian.AppendUint16(buf, p.V2.FeeBps)
		case ConcentratedLiquidity:
			writeInt(p.V3.SqrtPriceX96)
			writeInt(p.V3.Liquidity)
			buf = binary.BigEndian.AppendUint32(buf, uint32(p.V3.Tick))
			buf = binary.BigEndian.AppendUint32(buf, p.V3.Fee)
			for _, t := range p.V3.Ticks {
				buf = binary.BigEndian.AppendUint32(buf, uint32(t.Index))
				writeInt(t.LiquidityGross)
				writeInt(t.LiquidityNet)
			}
		case StableSwap:
			writeInt(p.Stable.Balances[0])
			writeInt(p.Stable.Balances[1])
			writeInt(p.Stable.A)
			writeInt(p.Stable.Fee)
		}
	}

	for _, u := range d.Updates {
		buf = append(buf, byte(u.Kind))
		buf = append(buf, u.Pool.Bytes()...)
		writeInt(u.Reserve0)
		writeInt(u.Reserve1)
		writeInt(u.SqrtPriceX96)
		writeInt(u.Liquidity)
		buf = binary.BigEndian.AppendUint32(buf, uint32(u.Tick))
		buf = binary.BigEndian.AppendUint32(buf, uint32(u.TickLower))
		buf = binary.BigEndian.AppendUint32(buf, uint32(u.TickUpper))
		writeInt(u.LiquidityDelta)
		buf = append(buf, byte(u.SoldID), byte(u.BoughtID))
		writeInt(u.AmountSold)
		writeInt(u.AmountBought)
		writePool(u.State)
	}
	buf = append(buf, 0xff)
	for _, p := range d.Created {
		writePool(p)
	}
	return crypto.Keccak256Hash(buf)
}

// apply mutates p, which must be owned by the caller.
func (u PoolUpdate) apply(p *Pool) error {
	mismatch := func(want Variant) error {
		if p.Variant != want {
			return fmt.Errorf("%s on %s pool %s: %w", u.Kind, p.Variant, p.Address.Hex(), ErrVariantMismatch)
		}
		return nil
	}

	switch u.Kind {
	case SetReserves:
		if err := mismatch(ConstantProduct); err != nil {
			return err
		}
		p.V2.Reserve0 = new(big.Int).Set(u.Reserve0)
		p.V2.Reserve1 = new(big.Int).Set(u.Reserve1)
	case SetSlot0:
		if err := mismatch(ConcentratedLiquidity); err != nil {
			return err
		}
		p.V3.SetSlot0(u.SqrtPriceX96, u.Liquidity, u.Tick)
	case ModifyLiquidity:
		if err := mismatch(ConcentratedLiquidity); err != nil {
			return err
		}
		p.V3.ModifyLiquidity(u.TickLower, u.TickUpper, u.LiquidityDelta)
	case ExchangeBalances:
		if err := mismatch(StableSwap); err != nil {
			return err
		}
		if u.SoldID < 0 || u.SoldID > 1 || u.BoughtID < 0 || u.BoughtID > 1 {
			return fmt.Errorf("exchange on %s: invalid coin index", p.Address.Hex())
		}
		p.Stable.Balances[u.SoldID] = new(big.Int).Add(p.Stable.Balances[u.SoldID], u.AmountSold)
		p.Stable.Balances[u.BoughtID] = new(big.Int).Sub(p.Stable.Balances[u.BoughtID], u.AmountBought)
	case ReplaceState:
		if u.State == nil || u.State.Address != p.Address {
			return fmt.Errorf("replace state on %s: missing or foreign state", p.Address.Hex())
		}
		*p = *u.State.Clone()
	default:
		return fmt.Errorf("unknown update kind %d on %s", u.Kind, p.Address.Hex())
	}
	return nil
}
