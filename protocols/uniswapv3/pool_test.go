package uniswapv3

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestTickMath(t *testing.T) {
	t.Run("TickZeroIsQ96", func(t *testing.T) {
		r, err := GetSqrtRatioAtTick(0)
		require.NoError(t, err)
		assert.Equal(t, Q96, r)
	})

	t.Run("BoundsMatchRatioLimits", func(t *testing.T) {
		lo, err := GetSqrtRatioAtTick(MinTick)
		require.NoError(t, err)
		assert.Equal(t, MinSqrtRatio, lo)

		hi, err := GetSqrtRatioAtTick(MaxTick)
		require.NoError(t, err)
		assert.Equal(t, MaxSqrtRatio, hi)
	})

	t.Run("RejectsOutOfRange", func(t *testing.T) {
		_, err := GetSqrtRatioAtTick(MaxTick + 1)
		assert.ErrorIs(t, err, ErrTickOutOfRange)
	})

	t.Run("TickAtRatioInvertsRatioAtTick", func(t *testing.T) {
		for _, tick := range []int32{-887000, -600, -1, 0, 1, 60, 12345, 887000} {
			r, err := GetSqrtRatioAtTick(tick)
			require.NoError(t, err)
			got, err := GetTickAtSqrtRatio(r)
			require.NoError(t, err)
			assert.Equal(t, tick, got)
		}
	})

	t.Run("Monotonic", func(t *testing.T) {
		prev, err := GetSqrtRatioAtTick(-10)
		require.NoError(t, err)
		for tick := int32(-9); tick <= 10; tick++ {
			r, err := GetSqrtRatioAtTick(tick)
			require.NoError(t, err)
			assert.Equal(t, 1, r.Cmp(prev))
			prev = r
		}
	})
}

func newTestPool() *PoolState {
	s := &PoolState{
		SqrtPriceX96: new(big.Int).Set(Q96),
		Liquidity:    new(big.Int),
		Tick:         0,
		TickSpacing:  60,
		Fee:          3000,
	}
	s.ModifyLiquidity(-60, 60, e18(1000))
	s.ModifyLiquidity(-600, 600, e18(1000))
	return s
}

func TestModifyLiquidity(t *testing.T) {
	s := newTestPool()
	assert.Equal(t, e18(2000), s.Liquidity)
	require.Len(t, s.Ticks, 4)
	assert.Equal(t, int32(-600), s.Ticks[0].Index)
	assert.Equal(t, e18(1000), s.Ticks[1].LiquidityNet)
	assert.Equal(t, new(big.Int).Neg(e18(1000)), s.Ticks[2].LiquidityNet)

	t.Run("BurnRemovesEmptyTicks", func(t *testing.T) {
		s := newTestPool()
		s.ModifyLiquidity(-60, 60, new(big.Int).Neg(e18(1000)))
		assert.Len(t, s.Ticks, 2)
		assert.Equal(t, e18(1000), s.Liquidity)
	})
}

func TestSimulate(t *testing.T) {
	t.Run("StaysInRange", func(t *testing.T) {
		s := newTestPool()
		res, err := s.Simulate(e18(1), true)
		require.NoError(t, err)

		assert.Equal(t, 0, res.TicksCrossed)
		assert.True(t, res.AmountOut.Cmp(e18(1)) < 0, "price is 1 and a fee is charged")
		assert.True(t, res.AmountOut.Cmp(new(big.Int).Div(e18(99), big.NewInt(100))) > 0)
		assert.True(t, res.Tick < 0 && res.Tick >= -60)
		assert.Equal(t, Q96, s.SqrtPriceX96, "Simulate must not mutate the pool")
	})

	t.Run("CrossesInitializedTick", func(t *testing.T) {
		s := newTestPool()
		res, err := s.Simulate(e18(10), true)
		require.NoError(t, err)

		assert.Equal(t, 1, res.TicksCrossed)
		assert.Equal(t, e18(1000), res.Liquidity)
		assert.True(t, res.Tick < -60 && res.Tick >= -600)
		assert.Equal(t, uint64(SwapGas+TickCrossGas), res.Gas())
	})

	t.Run("OneForZeroMovesPriceUp", func(t *testing.T) {
		s := newTestPool()
		res, err := s.Simulate(e18(1), false)
		require.NoError(t, err)
		assert.Equal(t, 1, res.SqrtPriceX96.Cmp(Q96))
		assert.True(t, res.Tick >= 0)
	})

	t.Run("RunsOutOfLiquidity", func(t *testing.T) {
		s := newTestPool()
		_, err := s.Simulate(e18(1_000_000), true)
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	})

	t.Run("SwapAppliesResult", func(t *testing.T) {
		s := newTestPool()
		res, err := s.Swap(e18(10), true)
		require.NoError(t, err)
		assert.Equal(t, res.SqrtPriceX96, s.SqrtPriceX96)
		assert.Equal(t, res.Tick, s.Tick)
		assert.Equal(t, e18(1000), s.Liquidity)
	})
}
