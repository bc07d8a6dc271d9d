package verify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/multicall"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/poolregistry"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/stableswap"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/token"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/uniswapv2"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/uniswapv3"
	"github.com/Iwinswap/iwinswap-mev-engine/search"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	multicaller = common.HexToAddress("0x9999999999999999999999999999999999999999")
	sender      = common.HexToAddress("0x8888888888888888888888888888888888888888")
	tokenX      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	tokenY      = common.HexToAddress("0x2000000000000000000000000000000000000002")
	tokenZ      = common.HexToAddress("0x3000000000000000000000000000000000000003")
	pool1       = common.HexToAddress("0xa000000000000000000000000000000000000001")
	pool2       = common.HexToAddress("0xa000000000000000000000000000000000000002")
	poolYZ      = common.HexToAddress("0xa000000000000000000000000000000000000004")
	poolZX      = common.HexToAddress("0xa000000000000000000000000000000000000005")
	poolV3      = common.HexToAddress("0xb000000000000000000000000000000000000001")
	poolStable  = common.HexToAddress("0xc000000000000000000000000000000000000001")
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func v2(addr, t0, t1 common.Address, r0, r1 *big.Int) *market.Pool {
	return &market.Pool{
		Address: addr,
		Variant: market.ConstantProduct,
		Token0:  t0,
		Token1:  t1,
		V2:      &uniswapv2.PoolState{Reserve0: r0, Reserve1: r1, FeeBps: uniswapv2.DefaultFeeBps},
	}
}

func newEncoder(t *testing.T) *multicall.Encoder {
	t.Helper()
	e, err := multicall.NewEncoder(multicaller)
	require.NoError(t, err)
	return e
}

// scenarioA returns the snapshot and best opportunity for P1 X/Y
// 100/200000 and P2 X/Y 50/101000.
func scenarioA(t *testing.T) (*market.Snapshot, search.Opportunity) {
	t.Helper()
	reg := poolregistry.NewRegistry()
	for _, tok := range []token.TokenView{{Address: tokenX, Decimals: 18}, {Address: tokenY, Decimals: 18}} {
		_, err := reg.AddToken(tok)
		require.NoError(t, err)
	}
	pools := []*market.Pool{
		v2(pool1, tokenX, tokenY, e18(100), e18(200_000)),
		v2(pool2, tokenX, tokenY, e18(50), e18(101_000)),
	}
	for _, p := range pools {
		_, err := reg.AddPool(poolregistry.PoolInput{Address: p.Address, Variant: p.Variant, Token0: p.Token0, Token1: p.Token1})
		require.NoError(t, err)
	}
	snap, err := market.NewSnapshot(market.BlockRef{Number: 7, Hash: common.HexToHash("0x07")}, 1, big.NewInt(100_000_000), pools)
	require.NoError(t, err)

	engine, err := search.NewEngine(&search.Config{
		Topology:      reg,
		BaseTokens:    []common.Address{tokenX},
		NativeToken:   tokenX,
		PriorityFee:   big.NewInt(10_000_000),
		Logger:        testLogger(),
		PrometheusReg: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	opps, err := engine.Search(context.Background(), snap, nil)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	return snap, opps[0]
}

type countingExecutor struct {
	Executor
	calls int
}

func (c *countingExecutor) Execute(ctx context.Context, world *market.Snapshot, pre []PreTx, cand Candidate) (SimulationResult, error) {
	c.calls++
	return c.Executor.Execute(ctx, world, pre, cand)
}

type stubExecutor struct {
	result SimulationResult
	err    error
}

func (s stubExecutor) Execute(context.Context, *market.Snapshot, []PreTx, Candidate) (SimulationResult, error) {
	return s.result, s.err
}

func newVerifier(t *testing.T, exec Executor, mutate func(*Config)) *Verifier {
	t.Helper()
	cfg := &Config{
		Executor:      exec,
		Encoder:       newEncoder(t),
		Sender:        sender,
		Logger:        testLogger(),
		PrometheusReg: prometheus.NewRegistry(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	v, err := NewVerifier(cfg)
	require.NoError(t, err)
	return v
}

func TestVerifyScenarioA(t *testing.T) {
	snap, opp := scenarioA(t)
	exec := &countingExecutor{Executor: NewLocalExecutor(newEncoder(t))}
	v := newVerifier(t, exec, nil)

	verified, err := v.Verify(context.Background(), snap, &opp)
	require.NoError(t, err)
	res := verified.Result

	assert.True(t, res.Success)
	assert.Equal(t, -1, res.FailedCall)
	assert.Equal(t, opp.AmountOut, res.AmountOut)
	require.Len(t, res.HopAmounts, 2)
	assert.Equal(t, opp.Hops[0].AmountOut, res.HopAmounts[0])
	assert.Equal(t, opp.Hops[1].AmountOut, res.HopAmounts[1])
	assert.Positive(t, res.Profit.Sign())
	assert.True(t, res.Profit.Cmp(res.GasCost) > 0, "profit %s gas %s", res.Profit, res.GasCost)
	assert.Greater(t, res.GasUsed, uint64(intrinsicGas))
	assert.Equal(t, opp.AmountIn, verified.Inventory)

	t.Run("SnapshotUntouched", func(t *testing.T) {
		p, _ := snap.Pool(pool1)
		assert.Equal(t, e18(100), p.V2.Reserve0)
	})
}

func TestVerificationGate(t *testing.T) {
	snap, opp := scenarioA(t)

	t.Run("RevertIsRejectedOnce", func(t *testing.T) {
		exec := &countingExecutor{Executor: NewLocalExecutor(newEncoder(t))}
		v := newVerifier(t, exec, nil)

		bad := opp
		bad.Hops = append([]search.Hop(nil), opp.Hops...)
		bad.Hops[1].AmountOut = new(big.Int).Add(opp.Hops[1].AmountOut, big.NewInt(1))

		_, err := v.Verify(context.Background(), snap, &bad)
		var re *RejectionError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, ReasonReverted, re.Reason)
		assert.Contains(t, re.Detail, "UniswapV2: K")
		assert.True(t, v.Rejected(bad.ID))

		_, err = v.Verify(context.Background(), snap, &bad)
		require.ErrorAs(t, err, &re)
		assert.Equal(t, ReasonPreviouslyRejected, re.Reason)
		assert.Equal(t, 1, exec.calls)
	})

	t.Run("BelowThreshold", func(t *testing.T) {
		v := newVerifier(t, NewLocalExecutor(newEncoder(t)), func(c *Config) {
			c.MinProfit = map[common.Address]*big.Int{tokenX: e18(1)}
		})
		_, err := v.Verify(context.Background(), snap, &opp)
		var re *RejectionError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, ReasonBelowThreshold, re.Reason)
	})

	t.Run("Stale", func(t *testing.T) {
		v := newVerifier(t, NewLocalExecutor(newEncoder(t)), nil)
		_, err := v.Verify(context.Background(), snap.WithEpoch(2), &opp)
		assert.ErrorIs(t, err, ErrStale)
		assert.False(t, v.Rejected(opp.ID))
	})

	t.Run("PastDeadline", func(t *testing.T) {
		v := newVerifier(t, NewLocalExecutor(newEncoder(t)), func(c *Config) {
			c.Now = func() time.Time { return opp.Deadline.Add(time.Second) }
		})
		_, err := v.Verify(context.Background(), snap, &opp)
		assert.ErrorIs(t, err, ErrDeadlineExceeded)
	})

	t.Run("ExecutorFailureIsNotRejection", func(t *testing.T) {
		v := newVerifier(t, stubExecutor{err: errors.New("boom")}, nil)
		_, err := v.Verify(context.Background(), snap, &opp)
		require.Error(t, err)
		assert.False(t, IsRejection(err))
		assert.False(t, v.Rejected(opp.ID))
	})

	t.Run("ParityMismatch", func(t *testing.T) {
		v := newVerifier(t, NewLocalExecutor(newEncoder(t)), func(c *Config) {
			c.Parity = stubExecutor{result: SimulationResult{Success: false, RevertReason: "execution reverted"}}
		})
		_, err := v.Verify(context.Background(), snap, &opp)
		var re *RejectionError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, ReasonParityMismatch, re.Reason)
	})

	t.Run("ParityGasRaisesCost", func(t *testing.T) {
		local := newVerifier(t, NewLocalExecutor(newEncoder(t)), nil)
		base, err := local.Verify(context.Background(), snap, &opp)
		require.NoError(t, err)

		v := newVerifier(t, NewLocalExecutor(newEncoder(t)), func(c *Config) {
			c.Parity = stubExecutor{result: SimulationResult{Success: true, GasUsed: base.Result.GasUsed + 10_000}}
		})
		got, err := v.Verify(context.Background(), snap, &opp)
		require.NoError(t, err)
		assert.Equal(t, base.Result.GasUsed+10_000, got.Result.GasUsed)
		assert.True(t, got.Result.Profit.Cmp(base.Result.Profit) < 0)
	})
}

func TestMulticallAtomicity(t *testing.T) {
	pools := []*market.Pool{
		v2(pool2, tokenX, tokenY, e18(50), e18(101_000)),
		v2(poolYZ, tokenY, tokenZ, e18(100_000), e18(100_000)),
		v2(poolZX, tokenX, tokenZ, e18(50), e18(100_000)),
	}
	world, err := market.NewSnapshot(market.BlockRef{Number: 1}, 1, nil, pools)
	require.NoError(t, err)

	amountIn := e18(1)
	out1, err := uniswapv2.GetAmountOut(amountIn, e18(50), e18(101_000), uniswapv2.DefaultFeeBps)
	require.NoError(t, err)
	out2, err := uniswapv2.GetAmountOut(out1, e18(100_000), e18(100_000), uniswapv2.DefaultFeeBps)
	require.NoError(t, err)
	out3, err := uniswapv2.GetAmountOut(out2, e18(100_000), e18(50), uniswapv2.DefaultFeeBps)
	require.NoError(t, err)

	plan := func(mid *big.Int) multicall.Plan {
		return multicall.Plan{
			TokenIn:  tokenX,
			AmountIn: amountIn,
			Legs: []multicall.Leg{
				{Pool: pool2, Variant: market.ConstantProduct, TokenIn: tokenX, TokenOut: tokenY, ZeroForOne: true, MinAmountOut: out1},
				{Pool: poolYZ, Variant: market.ConstantProduct, TokenIn: tokenY, TokenOut: tokenZ, ZeroForOne: true, MinAmountOut: mid},
				{Pool: poolZX, Variant: market.ConstantProduct, TokenIn: tokenZ, TokenOut: tokenX, ZeroForOne: false, MinAmountOut: out3},
			},
		}
	}
	enc := newEncoder(t)
	exec := NewLocalExecutor(enc)
	candidate := func(p multicall.Plan) Candidate {
		data, err := enc.Encode(p)
		require.NoError(t, err)
		return Candidate{
			From:        sender,
			Multicaller: multicaller,
			Data:        data,
			TokenIn:     tokenX,
			AmountIn:    amountIn,
			Inventory:   map[common.Address]*big.Int{tokenX: e18(5)},
		}
	}

	t.Run("FailingMidHopRevertsEverything", func(t *testing.T) {
		res, fork, led, err := exec.run(world, nil, candidate(plan(new(big.Int).Add(out2, big.NewInt(1)))))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, 2, res.FailedCall)
		assert.Equal(t, "UniswapV2: K", res.RevertReason)

		assert.True(t, fork.Snapshot().Equal(world))
		assert.Empty(t, led.journal)
		assert.Equal(t, e18(5), led.balanceOf(tokenX, multicaller).ToBig())
		assert.Equal(t, e18(50), led.balanceOf(tokenX, pool2).ToBig())
		assert.Zero(t, led.balanceOf(tokenY, multicaller).Sign())
	})

	t.Run("SucceedsWithAchievableMinimum", func(t *testing.T) {
		res, fork, led, err := exec.run(world, nil, candidate(plan(out2)))
		require.NoError(t, err)
		require.True(t, res.Success, res.RevertReason)
		assert.Equal(t, []*big.Int{out1, out2, out3}, res.HopAmounts)
		assert.Equal(t, out3, res.AmountOut)

		p, _ := fork.Pool(poolYZ)
		assert.Equal(t, new(big.Int).Add(e18(100_000), out1), p.V2.Reserve0)
		want := new(big.Int).Sub(e18(5), amountIn)
		assert.Equal(t, want.Add(want, out3), led.balanceOf(tokenX, multicaller).ToBig())
	})

	t.Run("InventoryShortfallReverts", func(t *testing.T) {
		c := candidate(plan(out2))
		c.Inventory = map[common.Address]*big.Int{tokenX: big.NewInt(1)}
		res, err := exec.Execute(context.Background(), world, nil, c)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, 0, res.FailedCall)
	})
}

func TestExecuteConcentratedAndStable(t *testing.T) {
	v3 := &uniswapv3.PoolState{SqrtPriceX96: new(big.Int).Set(uniswapv3.Q96), Liquidity: new(big.Int), Fee: 500, TickSpacing: 10}
	v3.ModifyLiquidity(-1000, 1000, e18(1_000_000))
	stable := &stableswap.PoolState{
		Balances: [2]*big.Int{e18(1_000_000), e18(1_000_000)},
		A:        big.NewInt(100),
		Fee:      big.NewInt(4_000_000),
	}
	pools := []*market.Pool{
		{Address: poolV3, Variant: market.ConcentratedLiquidity, Token0: tokenX, Token1: tokenY, V3: v3},
		{Address: poolStable, Variant: market.StableSwap, Token0: tokenX, Token1: tokenY, Stable: stable},
	}
	world, err := market.NewSnapshot(market.BlockRef{Number: 1}, 1, nil, pools)
	require.NoError(t, err)

	amountIn := e18(10)
	v3Pool, _ := world.Pool(poolV3)
	out1, _, err := v3Pool.AmountOut(tokenX, amountIn)
	require.NoError(t, err)
	stablePool, _ := world.Pool(poolStable)
	out2, _, err := stablePool.AmountOut(tokenY, out1)
	require.NoError(t, err)

	enc := newEncoder(t)
	data, err := enc.Encode(multicall.Plan{
		TokenIn:  tokenX,
		AmountIn: amountIn,
		Legs: []multicall.Leg{
			{Pool: poolV3, Variant: market.ConcentratedLiquidity, TokenIn: tokenX, TokenOut: tokenY, ZeroForOne: true, MinAmountOut: out1},
			{Pool: poolStable, Variant: market.StableSwap, TokenIn: tokenY, TokenOut: tokenX, ZeroForOne: false, MinAmountOut: out2},
		},
	})
	require.NoError(t, err)

	res, err := NewLocalExecutor(enc).Execute(context.Background(), world, nil, Candidate{
		Multicaller: multicaller,
		Data:        data,
		TokenIn:     tokenX,
		AmountIn:    amountIn,
		Inventory:   map[common.Address]*big.Int{tokenX: amountIn},
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.RevertReason)
	assert.Equal(t, []*big.Int{out1, out2}, res.HopAmounts)
	assert.Equal(t, out2, res.AmountOut)
}

type fakeRPC struct {
	method string
	args   []any
	result callBundleResult
	err    error
}

func (f *fakeRPC) CallContext(ctx context.Context, result any, method string, args ...any) error {
	f.method, f.args = method, args
	if f.err != nil {
		return f.err
	}
	*result.(*callBundleResult) = f.result
	return nil
}

func TestRemoteExecutor(t *testing.T) {
	world, err := market.NewSnapshot(market.BlockRef{Number: 100}, 1, nil, nil)
	require.NoError(t, err)
	target := types.NewTx(&types.LegacyTx{Nonce: 1, Gas: 21_000, GasPrice: big.NewInt(1)})
	ours := types.NewTx(&types.LegacyTx{Nonce: 2, Gas: 300_000, GasPrice: big.NewInt(1)})
	sign := func(ctx context.Context, c Candidate) (*types.Transaction, error) { return ours, nil }

	t.Run("Success", func(t *testing.T) {
		rpc := &fakeRPC{result: callBundleResult{Results: []callBundleTxResult{{GasUsed: 21_000}, {GasUsed: 180_000}}}}
		exec, err := NewRemoteExecutor(rpc, sign)
		require.NoError(t, err)

		res, err := exec.Execute(context.Background(), world, []PreTx{{Tx: target}}, Candidate{})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, uint64(180_000), res.GasUsed)

		assert.Equal(t, "eth_callBundle", rpc.method)
		args := rpc.args[0].(callBundleArgs)
		assert.Len(t, args.Txs, 2)
		assert.Equal(t, uint64(101), uint64(args.BlockNumber))
		assert.Equal(t, "0x64", args.StateBlockNumber)
	})

	t.Run("Revert", func(t *testing.T) {
		rpc := &fakeRPC{result: callBundleResult{Results: []callBundleTxResult{{GasUsed: 50_000, Error: "execution reverted", Revert: "K"}}}}
		exec, err := NewRemoteExecutor(rpc, sign)
		require.NoError(t, err)
		res, err := exec.Execute(context.Background(), world, nil, Candidate{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "K", res.RevertReason)
	})

	t.Run("TransportError", func(t *testing.T) {
		exec, err := NewRemoteExecutor(&fakeRPC{err: errors.New("dial tcp: refused")}, sign)
		require.NoError(t, err)
		_, err = exec.Execute(context.Background(), world, nil, Candidate{})
		assert.Error(t, err)
	})
}
