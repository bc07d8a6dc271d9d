package sqlite

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/poolregistry"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/stableswap"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/token"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/uniswapv2"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/uniswapv3"
	"github.com/Iwinswap/iwinswap-mev-engine/relay"
	"github.com/Iwinswap/iwinswap-mev-engine/search"
	"github.com/Iwinswap/iwinswap-mev-engine/submission"
	"github.com/Iwinswap/iwinswap-mev-engine/verify"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenX = common.HexToAddress("0x1000000000000000000000000000000000000001")
	tokenY = common.HexToAddress("0x2000000000000000000000000000000000000002")
	poolA  = common.HexToAddress("0xa000000000000000000000000000000000000001")
	poolB  = common.HexToAddress("0xa000000000000000000000000000000000000002")
	poolC  = common.HexToAddress("0xa000000000000000000000000000000000000003")
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func v2Pool(addr common.Address, r0, r1 int64, block uint64) *market.Pool {
	return &market.Pool{
		Address:   addr,
		Variant:   market.ConstantProduct,
		Token0:    tokenX,
		Token1:    tokenY,
		V2:        &uniswapv2.PoolState{Reserve0: big.NewInt(r0), Reserve1: big.NewInt(r1), FeeBps: uniswapv2.DefaultFeeBps},
		UpdatedAt: market.BlockRef{Number: block, Hash: common.BigToHash(new(big.Int).SetUint64(block))},
	}
}

func TestTokens(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	t.Run("save and read back", func(t *testing.T) {
		require.NoError(t, s.SaveToken(ctx, token.TokenView{Address: tokenX, Symbol: "X", Decimals: 18}))
		got, err := s.Token(ctx, tokenX)
		require.NoError(t, err)
		assert.Equal(t, tokenX, got.Address)
		assert.Equal(t, "X", got.Symbol)
		assert.Equal(t, uint8(18), got.Decimals)
	})

	t.Run("symbol is filled in later", func(t *testing.T) {
		require.NoError(t, s.SaveToken(ctx, token.TokenView{Address: tokenY, Decimals: 6}))
		require.NoError(t, s.SaveToken(ctx, token.TokenView{Address: tokenY, Symbol: "Y", Decimals: 6}))
		got, err := s.Token(ctx, tokenY)
		require.NoError(t, err)
		assert.Equal(t, "Y", got.Symbol)
	})

	t.Run("conflicting decimals are refused", func(t *testing.T) {
		err := s.SaveToken(ctx, token.TokenView{Address: tokenX, Symbol: "X", Decimals: 6})
		assert.ErrorIs(t, err, token.ErrConflictingToken)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := s.Token(ctx, common.HexToAddress("0xdead"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("listing is ordered", func(t *testing.T) {
		all, err := s.Tokens(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, tokenX, all[0].Address)
		assert.Equal(t, tokenY, all[1].Address)
	})
}

func TestPools(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	v3 := &market.Pool{
		Address: poolB,
		Variant: market.ConcentratedLiquidity,
		Token0:  tokenX,
		Token1:  tokenY,
		V3: &uniswapv3.PoolState{
			SqrtPriceX96: new(big.Int).Lsh(big.NewInt(1), 96),
			Liquidity:    big.NewInt(1_000_000),
			Tick:         5,
			TickSpacing:  60,
			Fee:          3000,
			Ticks: []uniswapv3.TickInfo{
				{Index: -60, LiquidityGross: big.NewInt(500), LiquidityNet: big.NewInt(500)},
				{Index: 60, LiquidityGross: big.NewInt(500), LiquidityNet: big.NewInt(-500)},
			},
		},
		UpdatedAt: market.BlockRef{Number: 10},
	}
	stable := &market.Pool{
		Address: poolC,
		Variant: market.StableSwap,
		Token0:  tokenX,
		Token1:  tokenY,
		Stable: &stableswap.PoolState{
			Balances: [2]*big.Int{big.NewInt(1_000), big.NewInt(2_000)},
			A:        big.NewInt(100),
			Fee:      big.NewInt(4_000_000),
		},
		UpdatedAt: market.BlockRef{Number: 10},
	}

	factory := common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	pa := v2Pool(poolA, 100, 200, 10)
	pa.Factory = factory
	require.NoError(t, s.SavePool(ctx, pa))
	require.NoError(t, s.SavePool(ctx, v3))
	require.NoError(t, s.SavePool(ctx, stable))

	t.Run("every variant round trips", func(t *testing.T) {
		all, err := s.Pools(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)

		a := all[0].Pool
		assert.Equal(t, market.ConstantProduct, a.Variant)
		assert.Equal(t, factory, a.Factory)
		assert.Equal(t, "100", a.V2.Reserve0.String())
		assert.Equal(t, "200", a.V2.Reserve1.String())
		assert.Equal(t, uint64(10), a.UpdatedAt.Number)
		assert.True(t, all[0].Active)

		b := all[1].Pool
		require.NotNil(t, b.V3)
		assert.Equal(t, v3.V3.SqrtPriceX96.String(), b.V3.SqrtPriceX96.String())
		assert.Equal(t, int32(60), b.V3.TickSpacing)
		require.Len(t, b.V3.Ticks, 2)
		assert.Equal(t, "-500", b.V3.Ticks[1].LiquidityNet.String())

		c := all[2].Pool
		require.NotNil(t, c.Stable)
		assert.Equal(t, "2000", c.Stable.Balances[1].String())
		assert.Equal(t, "100", c.Stable.A.String())
	})

	t.Run("older state does not overwrite newer", func(t *testing.T) {
		require.NoError(t, s.SavePool(ctx, v2Pool(poolA, 150, 140, 12)))
		require.NoError(t, s.SavePool(ctx, v2Pool(poolA, 1, 1, 11)))
		all, err := s.Pools(ctx)
		require.NoError(t, err)
		assert.Equal(t, "150", all[0].Pool.V2.Reserve0.String())
		assert.Equal(t, uint64(12), all[0].Pool.UpdatedAt.Number)
	})

	t.Run("invalid pool is refused", func(t *testing.T) {
		bad := v2Pool(poolA, 1, 1, 20)
		bad.V2 = nil
		assert.Error(t, s.SavePool(ctx, bad))
	})

	t.Run("active flag", func(t *testing.T) {
		require.NoError(t, s.SetPoolActive(ctx, poolB, false))
		all, err := s.Pools(ctx)
		require.NoError(t, err)
		assert.False(t, all[1].Active)
		assert.ErrorIs(t, s.SetPoolActive(ctx, common.HexToAddress("0xbeef"), true), ErrNotFound)
	})
}

func TestLoadTopology(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.SaveToken(ctx, token.TokenView{Address: tokenX, Symbol: "X", Decimals: 18}))
	require.NoError(t, s.SaveToken(ctx, token.TokenView{Address: tokenY, Symbol: "Y", Decimals: 18}))
	require.NoError(t, s.SavePool(ctx, v2Pool(poolA, 100, 200, 3)))
	require.NoError(t, s.SavePool(ctx, v2Pool(poolB, 0, 0, 3)))
	require.NoError(t, s.SetPoolActive(ctx, poolB, false))

	reg := poolregistry.NewRegistry()
	pools, err := s.LoadTopology(ctx, reg)
	require.NoError(t, err)
	require.Len(t, pools, 2)

	_, ok := reg.Token(tokenX)
	assert.True(t, ok)
	a, ok := reg.Pool(poolA)
	require.True(t, ok)
	assert.True(t, a.Active)
	b, ok := reg.Pool(poolB)
	require.True(t, ok)
	assert.False(t, b.Active)
}

func TestJournal(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(big.NewInt(1)), &types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		GasTipCap: big.NewInt(2e9),
		GasFeeCap: big.NewInt(5e9),
		Gas:       200_000,
		To:        &to,
	})
	require.NoError(t, err)

	b := &relay.Bundle{
		ID:          uuid.New(),
		Txs:         []*types.Transaction{tx},
		TargetBlock: 8,
		PriorityFee: uint256.NewInt(2e9),
		Opportunity: search.Opportunity{ID: common.HexToHash("0x0abc")},
		Simulation:  verify.SimulationResult{Success: true, Profit: big.NewInt(12345)},
		CreatedAt:   time.Now(),
	}

	require.NoError(t, s.RecordOutcome(ctx, submission.Outcome{Bundle: b, State: relay.StateSubmitted, Attempts: 1}))
	require.NoError(t, s.RecordOutcome(ctx, submission.Outcome{Bundle: b, State: relay.StateIncluded, Attempts: 2, IncludedIn: 8}))

	other := *b
	other.ID = uuid.New()
	require.NoError(t, s.RecordOutcome(ctx, submission.Outcome{Bundle: &other, State: relay.StateRejected, Attempts: 4, Reason: "bundle underpriced"}))

	t.Run("latest outcome per bundle", func(t *testing.T) {
		all, err := s.Journal(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 2)
		var included JournalEntry
		for _, e := range all {
			if e.BundleID == b.ID.String() {
				included = e
			}
		}
		assert.Equal(t, relay.StateIncluded.String(), included.State)
		assert.Equal(t, 2, included.Attempts)
		assert.Equal(t, uint64(8), included.IncludedIn)
		assert.Equal(t, tx.Hash(), included.OwnTx)
		assert.Equal(t, common.HexToHash("0x0abc"), included.Opportunity)
		assert.Equal(t, "2000000000", included.PriorityFee.String())
		assert.Equal(t, "12345", included.Profit.String())
	})

	t.Run("limit", func(t *testing.T) {
		all, err := s.Journal(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("counts by state", func(t *testing.T) {
		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{
			relay.StateIncluded.String(): 1,
			relay.StateRejected.String(): 1,
		}, counts)
	})

	t.Run("outcome without bundle", func(t *testing.T) {
		assert.Error(t, s.RecordOutcome(ctx, submission.Outcome{State: relay.StateExpired}))
	})
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "engine.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.SaveToken(ctx, token.TokenView{Address: tokenX, Decimals: 18}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	all, err := s.Tokens(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
