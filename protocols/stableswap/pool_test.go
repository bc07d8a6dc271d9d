package stableswap

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func newBalancedPool() *PoolState {
	return &PoolState{
		Balances: [2]*big.Int{e18(1_000_000), e18(1_000_000)},
		A:        big.NewInt(100),
		Fee:      big.NewInt(4_000_000),
	}
}

func TestGetDy(t *testing.T) {
	t.Run("NearParityForBalancedPool", func(t *testing.T) {
		s := newBalancedPool()
		dy, err := s.GetDy(0, 1, e18(1000))
		require.NoError(t, err)

		assert.True(t, dy.Cmp(e18(1000)) < 0)
		assert.True(t, dy.Cmp(e18(999)) > 0, "amplified pool should quote close to 1:1, got %s", dy)
	})

	t.Run("RespectsRates", func(t *testing.T) {
		// coin 1 has 6 decimals
		s := &PoolState{
			Balances: [2]*big.Int{e18(1_000_000), big.NewInt(1_000_000_000_000)},
			Rates:    [2]*big.Int{big.NewInt(1), big.NewInt(1_000_000_000_000)},
			A:        big.NewInt(100),
			Fee:      big.NewInt(4_000_000),
		}
		dy, err := s.GetDy(0, 1, e18(1000))
		require.NoError(t, err)
		assert.True(t, dy.Cmp(big.NewInt(999_000_000)) > 0)
		assert.True(t, dy.Cmp(big.NewInt(1_000_000_000)) < 0)
	})

	t.Run("RejectsSameIndex", func(t *testing.T) {
		_, err := newBalancedPool().GetDy(1, 1, e18(1))
		assert.ErrorIs(t, err, ErrInvalidIndex)
	})

	t.Run("RejectsZeroInput", func(t *testing.T) {
		_, err := newBalancedPool().GetDy(0, 1, big.NewInt(0))
		assert.ErrorIs(t, err, ErrInsufficientInput)
	})
}

func TestExchange(t *testing.T) {
	s := newBalancedPool()
	snapshot := s.Clone()

	dy, err := s.Exchange(0, 1, e18(10_000))
	require.NoError(t, err)

	assert.Equal(t, new(big.Int).Add(snapshot.Balances[0], e18(10_000)), s.Balances[0])
	assert.Equal(t, new(big.Int).Sub(snapshot.Balances[1], dy), s.Balances[1])
	assert.Equal(t, e18(1_000_000), snapshot.Balances[0], "clone must be independent")

	t.Run("ImbalanceWorsensPrice", func(t *testing.T) {
		again, err := s.GetDy(0, 1, e18(10_000))
		require.NoError(t, err)
		assert.True(t, again.Cmp(dy) < 0)
	})
}
