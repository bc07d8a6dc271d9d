package uniswapv2

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestGetAmountOut(t *testing.T) {
	t.Run("MatchesPairFormula", func(t *testing.T) {
		out, err := GetAmountOut(big.NewInt(1000), big.NewInt(1_000_000), big.NewInt(1_000_000), DefaultFeeBps)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(996), out)
	})

	t.Run("RejectsZeroInput", func(t *testing.T) {
		_, err := GetAmountOut(big.NewInt(0), big.NewInt(1), big.NewInt(1), DefaultFeeBps)
		assert.ErrorIs(t, err, ErrInsufficientInputAmount)
	})

	t.Run("RejectsEmptyReserves", func(t *testing.T) {
		_, err := GetAmountOut(big.NewInt(1), big.NewInt(0), big.NewInt(1), DefaultFeeBps)
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	})
}

func TestGetAmountIn(t *testing.T) {
	reserveIn, reserveOut := eth(100), eth(200_000)

	t.Run("InverseOfAmountOut", func(t *testing.T) {
		want := eth(1000)
		in, err := GetAmountIn(want, reserveIn, reserveOut, DefaultFeeBps)
		require.NoError(t, err)

		got, err := GetAmountOut(in, reserveIn, reserveOut, DefaultFeeBps)
		require.NoError(t, err)
		assert.True(t, got.Cmp(want) >= 0, "input from GetAmountIn must buy at least the requested output")
	})

	t.Run("RejectsDrainingOutput", func(t *testing.T) {
		_, err := GetAmountIn(reserveOut, reserveIn, reserveOut, DefaultFeeBps)
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	})
}

func TestPoolStateSwap(t *testing.T) {
	state := &PoolState{Reserve0: eth(100), Reserve1: eth(200_000), FeeBps: DefaultFeeBps}
	before := state.Clone()

	out, err := state.Swap(eth(1), true)
	require.NoError(t, err)

	assert.Equal(t, new(big.Int).Add(before.Reserve0, eth(1)), state.Reserve0)
	assert.Equal(t, new(big.Int).Sub(before.Reserve1, out), state.Reserve1)
	assert.Equal(t, eth(100), before.Reserve0, "clone must not alias the swapped state")

	t.Run("SwapKeepsK", func(t *testing.T) {
		err := CheckK(before.Reserve0, before.Reserve1, state.Reserve0, state.Reserve1, eth(1), big.NewInt(0), DefaultFeeBps)
		assert.NoError(t, err)
	})

	t.Run("OverdrawBreaksK", func(t *testing.T) {
		balance1 := new(big.Int).Sub(state.Reserve1, big.NewInt(1e15))
		err := CheckK(before.Reserve0, before.Reserve1, state.Reserve0, balance1, eth(1), big.NewInt(0), DefaultFeeBps)
		assert.ErrorIs(t, err, ErrK)
	})
}

func TestOptimalCycleInput(t *testing.T) {
	profit := func(x *big.Int) *big.Int {
		// sell X on the richer pair (50/101000), buy it back on the cheaper one (100/200000)
		y, err := GetAmountOut(x, eth(50), eth(101_000), DefaultFeeBps)
		require.NoError(t, err)
		back, err := GetAmountOut(y, eth(200_000), eth(100), DefaultFeeBps)
		require.NoError(t, err)
		return back.Sub(back, x)
	}

	t.Run("FindsProfitableMaximum", func(t *testing.T) {
		x := OptimalCycleInput(eth(50), eth(101_000), DefaultFeeBps, eth(200_000), eth(100), DefaultFeeBps)
		require.NotNil(t, x)

		best := profit(x)
		assert.Positive(t, best.Sign())

		delta := new(big.Int).Div(x, big.NewInt(10))
		assert.True(t, best.Cmp(profit(new(big.Int).Add(x, delta))) >= 0)
		assert.True(t, best.Cmp(profit(new(big.Int).Sub(x, delta))) >= 0)
	})

	t.Run("NilWhenPricesAgree", func(t *testing.T) {
		x := OptimalCycleInput(eth(100), eth(200_000), DefaultFeeBps, eth(200_000), eth(100), DefaultFeeBps)
		assert.Nil(t, x)
	})
}
