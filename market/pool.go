package market

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/Iwinswap/iwinswap-mev-engine/protocols/stableswap"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/uniswapv2"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/uniswapv3"
	"github.com/ethereum/go-ethereum/common"
)

// Variant tags the pricing formula of a pool. New variants are added here and
// in every switch of this file; nothing else dispatches on it.
type Variant uint8

const (
	VariantUnknown Variant = iota
	ConstantProduct
	ConcentratedLiquidity
	StableSwap
)

var (
	ErrUnknownVariant  = errors.New("market: unknown pool variant")
	ErrVariantMismatch = errors.New("market: variant state mismatch")
	ErrTokenNotInPool  = errors.New("market: token not in pool")
)

func (v Variant) String() string {
	switch v {
	case ConstantProduct:
		return "uniswapv2"
	case ConcentratedLiquidity:
		return "uniswapv3"
	case StableSwap:
		return "stableswap"
	default:
		return "unknown"
	}
}

// ParseVariant maps a configuration name to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uniswapv2", "constant-product", "v2":
		return ConstantProduct, nil
	case "uniswapv3", "concentrated-liquidity", "v3":
		return ConcentratedLiquidity, nil
	case "stableswap", "stable-swap", "curve":
		return StableSwap, nil
	default:
		return VariantUnknown, fmt.Errorf("%w: %q", ErrUnknownVariant, s)
	}
}

// Pool is a tagged union over the supported pricing variants: exactly one of
// V2, V3 or Stable is set, matching Variant.
type Pool struct {
	Address common.Address
	Variant Variant
	Token0  common.Address
	Token1  common.Address
	// Factory deployed the pool; zero when unknown.
	Factory   common.Address
	V2        *uniswapv2.PoolState
	V3        *uniswapv3.PoolState
	Stable    *stableswap.PoolState
	UpdatedAt BlockRef
}

// Validate checks the union is well formed.
func (p *Pool) Validate() error {
	if p.Token0 == p.Token1 {
		return fmt.Errorf("pool %s: identical tokens", p.Address.Hex())
	}
	set := 0
	for _, ok := range []bool{p.V2 != nil, p.V3 != nil, p.Stable != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("pool %s: %w: %d variant states set", p.Address.Hex(), ErrVariantMismatch, set)
	}
	switch p.Variant {
	case ConstantProduct:
		if p.V2 == nil || p.V2.Reserve0 == nil || p.V2.Reserve1 == nil {
			return fmt.Errorf("pool %s: %w", p.Address.Hex(), ErrVariantMismatch)
		}
	case ConcentratedLiquidity:
		if p.V3 == nil || p.V3.SqrtPriceX96 == nil || p.V3.Liquidity == nil {
			return fmt.Errorf("pool %s: %w", p.Address.Hex(), ErrVariantMismatch)
		}
	case StableSwap:
		if p.Stable == nil || p.Stable.A == nil || p.Stable.Fee == nil || p.Stable.Balances[0] == nil || p.Stable.Balances[1] == nil {
			return fmt.Errorf("pool %s: %w", p.Address.Hex(), ErrVariantMismatch)
		}
	default:
		return fmt.Errorf("pool %s: %w", p.Address.Hex(), ErrUnknownVariant)
	}
	return nil
}

// Clone returns a deep copy.
func (p *Pool) Clone() *Pool {
	c := *p
	switch p.Variant {
	case ConstantProduct:
		c.V2 = p.V2.Clone()
	case ConcentratedLiquidity:
		c.V3 = p.V3.Clone()
	case StableSwap:
		c.Stable = p.Stable.Clone()
	}
	return &c
}

// HasToken reports whether token is one of the pair.
func (p *Pool) HasToken(token common.Address) bool {
	return token == p.Token0 || token == p.Token1
}

// Other returns the counter token of tokenIn.
func (p *Pool) Other(tokenIn common.Address) (common.Address, error) {
	switch tokenIn {
	case p.Token0:
		return p.Token1, nil
	case p.Token1:
		return p.Token0, nil
	default:
		return common.Address{}, fmt.Errorf("%w: %s not in %s", ErrTokenNotInPool, tokenIn.Hex(), p.Address.Hex())
	}
}

func (p *Pool) zeroForOne(tokenIn common.Address) (bool, error) {
	switch tokenIn {
	case p.Token0:
		return true, nil
	case p.Token1:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s not in %s", ErrTokenNotInPool, tokenIn.Hex(), p.Address.Hex())
	}
}

// AmountOut prices an exact-input swap of tokenIn and returns the output and
// the approximate gas of the swap. The pool is not modified.
func (p *Pool) AmountOut(tokenIn common.Address, amountIn *big.Int) (*big.Int, uint64, error) {
	zeroForOne, err := p.zeroForOne(tokenIn)
	if err != nil {
		return nil, 0, err
	}
	switch p.Variant {
	case ConstantProduct:
		out, err := p.V2.AmountOut(amountIn, zeroForOne)
		return out, uniswapv2.SwapGas, err
	case ConcentratedLiquidity:
		return p.V3.AmountOut(amountIn, zeroForOne)
	case StableSwap:
		i, j := coinIndexes(zeroForOne)
		out, err := p.Stable.GetDy(i, j, amountIn)
		return out, stableswap.ExchangeGas, err
	default:
		return nil, 0, ErrUnknownVariant
	}
}

// Swap applies an exact-input swap of tokenIn to the pool and returns the
// output. Only call this on a pool the caller owns (a clone or fork).
func (p *Pool) Swap(tokenIn common.Address, amountIn *big.Int) (*big.Int, uint64, error) {
	zeroForOne, err := p.zeroForOne(tokenIn)
	if err != nil {
		return nil, 0, err
	}
	switch p.Variant {
	case ConstantProduct:
		out, err := p.V2.Swap(amountIn, zeroForOne)
		return out, uniswapv2.SwapGas, err
	case ConcentratedLiquidity:
		res, err := p.V3.Swap(amountIn, zeroForOne)
		if err != nil {
			return nil, 0, err
		}
		return res.AmountOut, res.Gas(), nil
	case StableSwap:
		i, j := coinIndexes(zeroForOne)
		out, err := p.Stable.Exchange(i, j, amountIn)
		return out, stableswap.ExchangeGas, err
	default:
		return nil, 0, ErrUnknownVariant
	}
}

// Depth approximates how much of token the pool can absorb or release.
func (p *Pool) Depth(token common.Address) *big.Int {
	zeroForOne, err := p.zeroForOne(token)
	if err != nil {
		return new(big.Int)
	}
	switch p.Variant {
	case ConstantProduct:
		in, _ := p.V2.Reserves(zeroForOne)
		return new(big.Int).Set(in)
	case ConcentratedLiquidity:
		x, y := p.V3.VirtualReserves()
		if zeroForOne {
			return x
		}
		return y
	case StableSwap:
		i, _ := coinIndexes(zeroForOne)
		return new(big.Int).Set(p.Stable.Balances[i])
	default:
		return new(big.Int)
	}
}

// Liquidity is a scale-free liquidity estimate: sqrt(x*y) of the (virtual)
// reserves, or the active liquidity for concentrated pools.
func (p *Pool) Liquidity() float64 {
	var v *big.Int
	switch p.Variant {
	case ConstantProduct:
		v = new(big.Int).Mul(p.V2.Reserve0, p.V2.Reserve1)
		v.Sqrt(v)
	case ConcentratedLiquidity:
		v = new(big.Int).Set(p.V3.Liquidity)
	case StableSwap:
		x0 := new(big.Int).Mul(p.Stable.Balances[0], nonZero(p.Stable.Rates[0]))
		x1 := new(big.Int).Mul(p.Stable.Balances[1], nonZero(p.Stable.Rates[1]))
		v = x0.Mul(x0, x1)
		v.Sqrt(v)
	default:
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) {
		return math.MaxFloat64
	}
	return f
}

// Empty reports whether the pool holds no tradable liquidity.
func (p *Pool) Empty() bool {
	switch p.Variant {
	case ConstantProduct:
		return p.V2.Reserve0.Sign() == 0 || p.V2.Reserve1.Sign() == 0
	case ConcentratedLiquidity:
		return p.V3.Liquidity.Sign() == 0 && len(p.V3.Ticks) == 0
	case StableSwap:
		return p.Stable.Balances[0].Sign() == 0 || p.Stable.Balances[1].Sign() == 0
	default:
		return true
	}
}

// Equal compares pool identity and state.
func (p *Pool) Equal(o *Pool) bool {
	if p.Address != o.Address || p.Variant != o.Variant || p.Token0 != o.Token0 || p.Token1 != o.Token1 {
		return false
	}
	switch p.Variant {
	case ConstantProduct:
		return p.V2.Reserve0.Cmp(o.V2.Reserve0) == 0 && p.V2.Reserve1.Cmp(o.V2.Reserve1) == 0 && p.V2.FeeBps == o.V2.FeeBps
	case ConcentratedLiquidity:
		a, b := p.V3, o.V3
		if a.SqrtPriceX96.Cmp(b.SqrtPriceX96) != 0 || a.Liquidity.Cmp(b.Liquidity) != 0 || a.Tick != b.Tick || a.Fee != b.Fee || len(a.Ticks) != len(b.Ticks) {
			return false
		}
		for i := range a.Ticks {
			if a.Ticks[i].Index != b.Ticks[i].Index ||
				a.Ticks[i].LiquidityGross.Cmp(b.Ticks[i].LiquidityGross) != 0 ||
				a.Ticks[i].LiquidityNet.Cmp(b.Ticks[i].LiquidityNet) != 0 {
				return false
			}
		}
		return true
	case StableSwap:
		a, b := p.Stable, o.Stable
		return a.Balances[0].Cmp(b.Balances[0]) == 0 && a.Balances[1].Cmp(b.Balances[1]) == 0 &&
			a.A.Cmp(b.A) == 0 && a.Fee.Cmp(b.Fee) == 0
	default:
		return false
	}
}

func coinIndexes(zeroForOne bool) (int, int) {
	if zeroForOne {
		return 0, 1
	}
	return 1, 0
}

func nonZero(v *big.Int) *big.Int {
	if v == nil || v.Sign() == 0 {
		return big.NewInt(1)
	}
	return v
}
