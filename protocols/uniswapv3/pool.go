package uniswapv3

import (
	"errors"
	"math/big"
	"sort"
)

// FeeDenominator is the basis of Fee (3000 = 0.3%).
const FeeDenominator = 1_000_000

const (
	// SwapGas approximates a swap that stays inside the current tick range.
	SwapGas = 100_000
	// TickCrossGas approximates the extra cost of crossing one initialized tick.
	TickCrossGas = 25_000
)

var (
	ErrInsufficientInputAmount = errors.New("uniswapv3: insufficient input amount")
	ErrInsufficientLiquidity   = errors.New("uniswapv3: insufficient liquidity")

	bigFeeDenominator = big.NewInt(FeeDenominator)
)

// TickInfo is an initialized tick boundary.
type TickInfo struct {
	Index          int32    `json:"index"`
	LiquidityGross *big.Int `json:"liquidityGross"`
	LiquidityNet   *big.Int `json:"liquidityNet"`
}

// PoolState is the mutable part of a concentrated-liquidity pool. Ticks are
// kept sorted by Index.
type PoolState struct {
	SqrtPriceX96 *big.Int   `json:"sqrtPriceX96"`
	Liquidity    *big.Int   `json:"liquidity"`
	Tick         int32      `json:"tick"`
	TickSpacing  int32      `json:"tickSpacing"`
	Fee          uint32     `json:"fee"`
	Ticks        []TickInfo `json:"ticks"`
}

// SwapResult describes an exact-input swap.
type SwapResult struct {
	AmountIn     *big.Int
	AmountOut    *big.Int
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32
	TicksCrossed int
}

// Gas returns the approximate gas for the swap.
func (r SwapResult) Gas() uint64 {
	return SwapGas + uint64(r.TicksCrossed)*TickCrossGas
}

// Clone returns a deep copy.
func (s *PoolState) Clone() *PoolState {
	ticks := make([]TickInfo, len(s.Ticks))
	for i, t := range s.Ticks {
		ticks[i] = TickInfo{
			Index:          t.Index,
			LiquidityGross: new(big.Int).Set(t.LiquidityGross),
			LiquidityNet:   new(big.Int).Set(t.LiquidityNet),
		}
	}
	return &PoolState{
		SqrtPriceX96: new(big.Int).Set(s.SqrtPriceX96),
		Liquidity:    new(big.Int).Set(s.Liquidity),
		Tick:         s.Tick,
		TickSpacing:  s.TickSpacing,
		Fee:          s.Fee,
		Ticks:        ticks,
	}
}

// nextInitializedTick finds the next tick boundary in the swap direction:
// the greatest tick <= tick for zeroForOne, the smallest tick > tick otherwise.
func (s *PoolState) nextInitializedTick(tick int32, zeroForOne bool) (TickInfo, bool) {
	if zeroForOne {
		i := sort.Search(len(s.Ticks), func(i int) bool { return s.Ticks[i].Index > tick })
		if i == 0 {
			return TickInfo{}, false
		}
		return s.Ticks[i-1], true
	}
	i := sort.Search(len(s.Ticks), func(i int) bool { return s.Ticks[i].Index > tick })
	if i == len(s.Ticks) {
		return TickInfo{}, false
	}
	return s.Ticks[i], true
}

// Simulate prices an exact-input swap, crossing initialized ticks as needed.
// The receiver is not modified.
func (s *PoolState) Simulate(amountIn *big.Int, zeroForOne bool) (SwapResult, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return SwapResult{}, ErrInsufficientInputAmount
	}

	var (
		remaining = new(big.Int).Set(amountIn)
		out       = new(big.Int)
		sqrtP     = new(big.Int).Set(s.SqrtPriceX96)
		liquidity = new(big.Int).Set(s.Liquidity)
		tick      = s.Tick
		crossed   int
	)

	limit := new(big.Int).Add(MinSqrtRatio, big.NewInt(1))
	if !zeroForOne {
		limit = new(big.Int).Sub(MaxSqrtRatio, big.NewInt(1))
	}

	for remaining.Sign() > 0 && sqrtP.Cmp(limit) != 0 {
		next, initialized := s.nextInitializedTick(tick, zeroForOne)

		target := limit
		if initialized {
			ratio, err := GetSqrtRatioAtTick(next.Index)
			if err != nil {
				return SwapResult{}, err
			}
			target = ratio
		}

		if liquidity.Sign() == 0 {
			if !initialized {
				break
			}
			// empty range: jump straight to the next boundary
			sqrtP.Set(target)
		} else {
			sqrtNext, stepIn, stepOut, feeAmount := computeSwapStep(sqrtP, target, liquidity, remaining, s.Fee, zeroForOne)
			remaining.Sub(remaining, stepIn)
			remaining.Sub(remaining, feeAmount)
			out.Add(out, stepOut)
			sqrtP.Set(sqrtNext)
		}

		if initialized && sqrtP.Cmp(target) == 0 {
			if zeroForOne {
				liquidity.Sub(liquidity, next.LiquidityNet)
				tick = next.Index - 1
			} else {
				liquidity.Add(liquidity, next.LiquidityNet)
				tick = next.Index
			}
			crossed++
			continue
		}

		t, err := GetTickAtSqrtRatio(sqrtP)
		if err != nil {
			return SwapResult{}, err
		}
		tick = t
	}

	if remaining.Sign() > 0 {
		return SwapResult{}, ErrInsufficientLiquidity
	}

	return SwapResult{
		AmountIn:     new(big.Int).Set(amountIn),
		AmountOut:    out,
		SqrtPriceX96: sqrtP,
		Liquidity:    liquidity,
		Tick:         tick,
		TicksCrossed: crossed,
	}, nil
}

// AmountOut prices an exact-input swap and returns the output and gas.
func (s *PoolState) AmountOut(amountIn *big.Int, zeroForOne bool) (*big.Int, uint64, error) {
	res, err := s.Simulate(amountIn, zeroForOne)
	if err != nil {
		return nil, 0, err
	}
	return res.AmountOut, res.Gas(), nil
}

// Swap applies an exact-input swap to the pool.
func (s *PoolState) Swap(amountIn *big.Int, zeroForOne bool) (SwapResult, error) {
	res, err := s.Simulate(amountIn, zeroForOne)
	if err != nil {
		return SwapResult{}, err
	}
	s.SqrtPriceX96 = new(big.Int).Set(res.SqrtPriceX96)
	s.Liquidity = new(big.Int).Set(res.Liquidity)
	s.Tick = res.Tick
	return res, nil
}

// SetSlot0 overwrites the price, active liquidity and tick, as reported by a
// Swap event.
func (s *PoolState) SetSlot0(sqrtPriceX96, liquidity *big.Int, tick int32) {
	s.SqrtPriceX96 = new(big.Int).Set(sqrtPriceX96)
	s.Liquidity = new(big.Int).Set(liquidity)
	s.Tick = tick
}

// ModifyLiquidity applies a Mint (positive delta) or Burn (negative delta)
// over [tickLower, tickUpper).
func (s *PoolState) ModifyLiquidity(tickLower, tickUpper int32, delta *big.Int) {
	s.updateTick(tickLower, delta, false)
	s.updateTick(tickUpper, delta, true)
	if s.Tick >= tickLower && s.Tick < tickUpper {
		s.Liquidity = new(big.Int).Add(s.Liquidity, delta)
	}
}

func (s *PoolState) updateTick(index int32, delta *big.Int, upper bool) {
	i := sort.Search(len(s.Ticks), func(i int) bool { return s.Ticks[i].Index >= index })
	if i == len(s.Ticks) || s.Ticks[i].Index != index {
		s.Ticks = append(s.Ticks, TickInfo{})
		copy(s.Ticks[i+1:], s.Ticks[i:])
		s.Ticks[i] = TickInfo{Index: index, LiquidityGross: new(big.Int), LiquidityNet: new(big.Int)}
	}

	t := &s.Ticks[i]
	t.LiquidityGross = new(big.Int).Add(t.LiquidityGross, delta)
	if upper {
		t.LiquidityNet = new(big.Int).Sub(t.LiquidityNet, delta)
	} else {
		t.LiquidityNet = new(big.Int).Add(t.LiquidityNet, delta)
	}

	if t.LiquidityGross.Sign() <= 0 {
		s.Ticks = append(s.Ticks[:i], s.Ticks[i+1:]...)
	}
}

// VirtualReserves returns the in-range virtual reserves (x, y) implied by
// the active liquidity and price.
func (s *PoolState) VirtualReserves() (*big.Int, *big.Int) {
	if s.SqrtPriceX96.Sign() == 0 {
		return new(big.Int), new(big.Int)
	}
	x := new(big.Int).Lsh(s.Liquidity, 96)
	x.Div(x, s.SqrtPriceX96)
	y := new(big.Int).Mul(s.Liquidity, s.SqrtPriceX96)
	y.Div(y, Q96)
	return x, y
}

func computeSwapStep(sqrtP, target, liquidity, remaining *big.Int, fee uint32, zeroForOne bool) (sqrtNext, amountIn, amountOut, feeAmount *big.Int) {
	feeComplement := big.NewInt(int64(FeeDenominator - fee))
	remainingLessFee := new(big.Int).Mul(remaining, feeComplement)
	remainingLessFee.Div(remainingLessFee, bigFeeDenominator)

	if zeroForOne {
		amountIn = GetAmount0Delta(target, sqrtP, liquidity, true)
	} else {
		amountIn = GetAmount1Delta(sqrtP, target, liquidity, true)
	}

	if remainingLessFee.Cmp(amountIn) >= 0 {
		sqrtNext = new(big.Int).Set(target)
	} else {
		sqrtNext = GetNextSqrtPriceFromInput(sqrtP, liquidity, remainingLessFee, zeroForOne)
	}

	reached := sqrtNext.Cmp(target) == 0
	if zeroForOne {
		if !reached {
			amountIn = GetAmount0Delta(sqrtNext, sqrtP, liquidity, true)
		}
		amountOut = GetAmount1Delta(sqrtNext, sqrtP, liquidity, false)
	} else {
		if !reached {
			amountIn = GetAmount1Delta(sqrtP, sqrtNext, liquidity, true)
		}
		amountOut = GetAmount0Delta(sqrtP, sqrtNext, liquidity, false)
	}

	if !reached {
		feeAmount = new(big.Int).Sub(remaining, amountIn)
	} else {
		feeAmount = mulDivRoundingUp(amountIn, big.NewInt(int64(fee)), feeComplement)
	}
	return sqrtNext, amountIn, amountOut, feeAmount
}
