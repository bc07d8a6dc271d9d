package ethereum

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errReverted = errors.New("execution reverted")

type handler func(args []any) []any

type fakeContract struct {
	abi     *abi.ABI
	methods map[string]handler
}

// fakeCaller answers eth_call by decoding the calldata against the
// contract's ABI and packing the handler's return values.
type fakeCaller struct {
	mu        sync.Mutex
	contracts map[common.Address]fakeContract
	blocks    []*big.Int
	head      *types.Header
}

func (f *fakeCaller) CallContract(_ context.Context, msg goethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.blocks = append(f.blocks, block)
	f.mu.Unlock()

	c, ok := f.contracts[*msg.To]
	if !ok {
		return nil, errReverted
	}
	method, err := c.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	h, ok := c.methods[method.Name]
	if !ok {
		return nil, errReverted
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(h(args)...)
}

func (f *fakeCaller) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return f.head, nil
}

func ret(values ...any) handler {
	return func([]any) []any { return values }
}

func newReader(t *testing.T, f *fakeCaller) *Reader {
	t.Helper()
	r, err := NewReader(&ReaderConfig{
		Client: f,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return r
}

func setup(t *testing.T) (*fakeCaller, *Reader) {
	t.Helper()
	f := &fakeCaller{
		contracts: make(map[common.Address]fakeContract),
		head:      &types.Header{Number: big.NewInt(42), BaseFee: big.NewInt(1e9)},
	}
	r := newReader(t, f)

	f.contracts[tokenX] = fakeContract{abi: &r.erc20, methods: map[string]handler{
		"decimals": ret(uint8(18)),
		"symbol":   ret("X"),
	}}
	// Y has a non-string symbol.
	f.contracts[tokenY] = fakeContract{abi: &r.erc20, methods: map[string]handler{
		"decimals": ret(uint8(6)),
	}}

	f.contracts[pair] = fakeContract{abi: &r.pair, methods: map[string]handler{
		"factory":     ret(factory),
		"token0":      ret(tokenX),
		"token1":      ret(tokenY),
		"getReserves": ret(big.NewInt(100), big.NewInt(200), uint32(1)),
	}}

	f.contracts[v3Pool] = fakeContract{abi: &r.cl, methods: map[string]handler{
		"token0":      ret(tokenX),
		"token1":      ret(tokenY),
		"fee":         ret(big.NewInt(3000)),
		"tickSpacing": ret(big.NewInt(10)),
		"liquidity":   ret(big.NewInt(1_000_000)),
		"slot0": ret(new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(-5),
			uint16(0), uint16(1), uint16(1), uint8(0), true),
		"tickBitmap": func(args []any) []any {
			bitmap := new(big.Int)
			switch args[0].(int16) {
			case -1:
				bitmap.SetBit(bitmap, 255, 1)
			case 0:
				bitmap.SetBit(bitmap, 1, 1)
			}
			return []any{bitmap}
		},
		"ticks": func(args []any) []any {
			net := big.NewInt(500)
			if args[0].(*big.Int).Sign() > 0 {
				net.Neg(net)
			}
			return []any{big.NewInt(500), net, new(big.Int), new(big.Int), new(big.Int), new(big.Int), uint32(0), true}
		},
	}}

	f.contracts[curve] = fakeContract{abi: &r.stable, methods: map[string]handler{
		"coins": func(args []any) []any {
			if args[0].(*big.Int).Sign() == 0 {
				return []any{tokenX}
			}
			return []any{tokenY}
		},
		"balances": func(args []any) []any {
			if args[0].(*big.Int).Sign() == 0 {
				return []any{e18(1_000)}
			}
			return []any{big.NewInt(1_000_000_000)}
		},
		"A":   ret(big.NewInt(200)),
		"fee": ret(big.NewInt(4_000_000)),
	}}
	return f, r
}

func TestReaderToken(t *testing.T) {
	ctx := context.Background()
	_, r := setup(t)

	t.Run("decimals and symbol", func(t *testing.T) {
		tok, err := r.Token(ctx, tokenX)
		require.NoError(t, err)
		assert.Equal(t, uint8(18), tok.Decimals)
		assert.Equal(t, "X", tok.Symbol)
	})

	t.Run("missing symbol is empty", func(t *testing.T) {
		tok, err := r.Token(ctx, tokenY)
		require.NoError(t, err)
		assert.Equal(t, uint8(6), tok.Decimals)
		assert.Empty(t, tok.Symbol)
	})

	t.Run("not a token", func(t *testing.T) {
		_, err := r.Token(ctx, common.HexToAddress("0xdead"))
		assert.ErrorIs(t, err, errReverted)
	})
}

func TestReaderPool(t *testing.T) {
	ctx := context.Background()
	f, r := setup(t)

	t.Run("constant product", func(t *testing.T) {
		p, err := r.Pool(ctx, PoolRef{Address: pair, Variant: market.ConstantProduct}, big.NewInt(7))
		require.NoError(t, err)
		assert.Equal(t, tokenX, p.Token0)
		assert.Equal(t, tokenY, p.Token1)
		assert.Equal(t, factory, p.Factory)
		assert.Equal(t, "100", p.V2.Reserve0.String())
		assert.Equal(t, "200", p.V2.Reserve1.String())
		assert.Equal(t, uint16(30), p.V2.FeeBps)
		assert.Equal(t, big.NewInt(7), f.blocks[len(f.blocks)-1])
	})

	t.Run("concentrated liquidity with ticks around the price", func(t *testing.T) {
		p, err := r.Pool(ctx, PoolRef{Address: v3Pool, Variant: market.ConcentratedLiquidity}, nil)
		require.NoError(t, err)
		require.NotNil(t, p.V3)
		assert.Equal(t, int32(-5), p.V3.Tick)
		assert.Equal(t, int32(10), p.V3.TickSpacing)
		assert.Equal(t, uint32(3000), p.V3.Fee)
		require.Len(t, p.V3.Ticks, 2)
		assert.Equal(t, int32(-10), p.V3.Ticks[0].Index)
		assert.Equal(t, "500", p.V3.Ticks[0].LiquidityNet.String())
		assert.Equal(t, int32(10), p.V3.Ticks[1].Index)
		assert.Equal(t, "-500", p.V3.Ticks[1].LiquidityNet.String())
	})

	t.Run("stable swap scales by decimals", func(t *testing.T) {
		p, err := r.Pool(ctx, PoolRef{Address: curve, Variant: market.StableSwap}, nil)
		require.NoError(t, err)
		require.NotNil(t, p.Stable)
		assert.Equal(t, tokenX, p.Token0)
		assert.Equal(t, tokenY, p.Token1)
		assert.Equal(t, "1", p.Stable.Rates[0].String())
		assert.Equal(t, "1000000000000", p.Stable.Rates[1].String())
		assert.Equal(t, "200", p.Stable.A.String())
	})

	t.Run("wrong variant fails", func(t *testing.T) {
		_, err := r.Pool(ctx, PoolRef{Address: pair, Variant: market.StableSwap}, nil)
		assert.Error(t, err)
	})

	t.Run("unknown variant", func(t *testing.T) {
		_, err := r.Pool(ctx, PoolRef{Address: pair}, nil)
		assert.ErrorIs(t, err, market.ErrUnknownVariant)
	})
}

func TestReaderFullState(t *testing.T) {
	f, r := setup(t)
	missing := common.HexToAddress("0xa0000000000000000000000000000000000000ff")

	full, err := r.FullState(context.Background(), []PoolRef{
		{Address: pair, Variant: market.ConstantProduct},
		{Address: missing, Variant: market.ConstantProduct},
		{Address: v3Pool, Variant: market.ConcentratedLiquidity},
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(42), full.Header.Number)
	assert.Equal(t, f.head.Hash(), full.Header.Hash)
	require.Len(t, full.Pools, 2)
	assert.Equal(t, pair, full.Pools[0].Address)
	assert.Equal(t, v3Pool, full.Pools[1].Address)
	for _, p := range full.Pools {
		assert.Equal(t, market.BlockRef{Number: 42, Hash: f.head.Hash()}, p.UpdatedAt)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.blocks {
		assert.Equal(t, int64(42), b.Int64())
	}
}
