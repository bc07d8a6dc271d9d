package token

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexableTokenSystem(t *testing.T) {
	weth := TokenView{Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Symbol: "WETH", Decimals: 18}
	usdc := TokenView{Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Symbol: "USDC", Decimals: 6}

	empty := New().Index(nil)

	t.Run("WithAssignsSequentialIDs", func(t *testing.T) {
		s1, w, err := empty.With(weth)
		require.NoError(t, err)
		s2, u, err := s1.With(usdc)
		require.NoError(t, err)

		assert.Equal(t, uint64(0), w.ID)
		assert.Equal(t, uint64(1), u.ID)
		assert.Equal(t, 2, s2.Len())
		assert.Equal(t, 1, s1.Len(), "With must not mutate the receiver")
		assert.Equal(t, 0, empty.Len())

		got, ok := s2.GetByAddress(usdc.Address)
		require.True(t, ok)
		assert.Equal(t, "USDC", got.Symbol)

		byID, ok := s2.GetByID(0)
		require.True(t, ok)
		assert.Equal(t, weth.Address, byID.Address)
	})

	t.Run("ReRegistrationIsNoOp", func(t *testing.T) {
		s1, _, err := empty.With(weth)
		require.NoError(t, err)
		s2, existing, err := s1.With(TokenView{Address: weth.Address, Decimals: 18})
		require.NoError(t, err)
		assert.Same(t, s1, s2)
		assert.Equal(t, "WETH", existing.Symbol)
	})

	t.Run("ConflictingDecimalsRejected", func(t *testing.T) {
		s1, _, err := empty.With(weth)
		require.NoError(t, err)
		_, _, err = s1.With(TokenView{Address: weth.Address, Decimals: 6})
		assert.ErrorIs(t, err, ErrConflictingToken)
	})

	t.Run("AllIsDefensiveCopy", func(t *testing.T) {
		s1, _, err := empty.With(weth)
		require.NoError(t, err)
		all := s1.All()
		all[0].Symbol = "mutated"
		got, _ := s1.GetByID(0)
		assert.Equal(t, "WETH", got.Symbol)
	})
}
