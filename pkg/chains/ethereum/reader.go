package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/stableswap"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/token"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/uniswapv2"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/uniswapv3"
	"github.com/Iwinswap/iwinswap-mev-engine/synchronizer"
	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTickWords is how many tick bitmap words are read on each side
	// of the current tick of a concentrated-liquidity pool.
	DefaultTickWords = 2
	// DefaultReadConcurrency bounds concurrent pool reads during a resync.
	DefaultReadConcurrency = 8
)

var ErrUnexpectedOutput = errors.New("ethereum: unexpected call output")

// ContractCaller is the read-only chain surface; *ethclient.Client
// satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg goethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// PoolRef names a pool to read.
type PoolRef struct {
	Address common.Address
	Variant market.Variant
}

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	Client      ContractCaller
	V2FeeBps    uint16
	TickWords   int
	Concurrency int
	Logger      Logger
}

func (c *ReaderConfig) validate() error {
	if c.Client == nil {
		return errors.New("config: Client is required")
	}
	if c.TickWords < 0 {
		return errors.New("config: TickWords must not be negative")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	return nil
}

// Reader reads token metadata and full pool state with eth_call.
type Reader struct {
	client      ContractCaller
	erc20       abi.ABI
	pair        abi.ABI
	cl          abi.ABI
	stable      abi.ABI
	v2FeeBps    uint16
	tickWords   int
	concurrency int
	logger      Logger

	mu       sync.Mutex
	decimals map[common.Address]uint8
}

// NewReader parses the view ABIs.
func NewReader(cfg *ReaderConfig) (*Reader, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	r := &Reader{
		client:      cfg.Client,
		v2FeeBps:    cfg.V2FeeBps,
		tickWords:   cfg.TickWords,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		decimals:    make(map[common.Address]uint8),
	}
	for _, p := range []struct {
		dst *abi.ABI
		src string
	}{
		{&r.erc20, erc20ABI},
		{&r.pair, pairABI},
		{&r.cl, clPoolABI},
		{&r.stable, stablePoolABI},
	} {
		parsed, err := abi.JSON(strings.NewReader(p.src))
		if err != nil {
			return nil, fmt.Errorf("parsing view ABI: %w", err)
		}
		*p.dst = parsed
	}
	if r.v2FeeBps == 0 {
		r.v2FeeBps = uniswapv2.DefaultFeeBps
	}
	if r.tickWords == 0 {
		r.tickWords = DefaultTickWords
	}
	if r.concurrency <= 0 {
		r.concurrency = DefaultReadConcurrency
	}
	return r, nil
}

func (r *Reader) call(ctx context.Context, contract *abi.ABI, to common.Address, block *big.Int, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := r.client.CallContract(ctx, goethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, to.Hex(), err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, to.Hex(), err)
	}
	return values, nil
}

func first[T any](values []any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if len(values) == 0 {
		return zero, ErrUnexpectedOutput
	}
	v, ok := values[0].(T)
	if !ok {
		return zero, fmt.Errorf("%w: %T", ErrUnexpectedOutput, values[0])
	}
	return v, nil
}

// Token reads a token's decimals and symbol. Tokens whose symbol is not a
// string get an empty symbol.
func (r *Reader) Token(ctx context.Context, addr common.Address) (token.TokenView, error) {
	decimals, err := first[uint8](r.call(ctx, &r.erc20, addr, nil, "decimals"))
	if err != nil {
		return token.TokenView{}, err
	}
	symbol, err := first[string](r.call(ctx, &r.erc20, addr, nil, "symbol"))
	if err != nil {
		if ctx.Err() != nil {
			return token.TokenView{}, ctx.Err()
		}
		symbol = ""
	}
	r.mu.Lock()
	r.decimals[addr] = decimals
	r.mu.Unlock()
	return token.TokenView{Address: addr, Symbol: symbol, Decimals: decimals}, nil
}

func (r *Reader) tokenDecimals(ctx context.Context, addr common.Address) (uint8, error) {
	r.mu.Lock()
	d, ok := r.decimals[addr]
	r.mu.Unlock()
	if ok {
		return d, nil
	}
	t, err := r.Token(ctx, addr)
	return t.Decimals, err
}

// Pool reads the full state of a pool at block; a nil block reads the
// latest state.
func (r *Reader) Pool(ctx context.Context, ref PoolRef, block *big.Int) (*market.Pool, error) {
	var (
		p   *market.Pool
		err error
	)
	switch ref.Variant {
	case market.ConstantProduct:
		p, err = r.readPair(ctx, ref.Address, block)
	case market.ConcentratedLiquidity:
		p, err = r.readCL(ctx, ref.Address, block)
	case market.StableSwap:
		p, err = r.readStable(ctx, ref.Address, block)
	default:
		return nil, fmt.Errorf("pool %s: %w", ref.Address.Hex(), market.ErrUnknownVariant)
	}
	if err != nil {
		return nil, err
	}
	p.Address = ref.Address
	p.Variant = ref.Variant
	return p, p.Validate()
}

func (r *Reader) readPair(ctx context.Context, addr common.Address, block *big.Int) (*market.Pool, error) {
	t0, err := first[common.Address](r.call(ctx, &r.pair, addr, block, "token0"))
	if err != nil {
		return nil, err
	}
	t1, err := first[common.Address](r.call(ctx, &r.pair, addr, block, "token1"))
	if err != nil {
		return nil, err
	}
	factory, err := first[common.Address](r.call(ctx, &r.pair, addr, block, "factory"))
	if err != nil {
		return nil, err
	}
	reserves, err := r.call(ctx, &r.pair, addr, block, "getReserves")
	if err != nil {
		return nil, err
	}
	r0, ok0 := reserves[0].(*big.Int)
	r1, ok1 := reserves[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, ErrUnexpectedOutput
	}
	return &market.Pool{
		Token0:  t0,
		Token1:  t1,
		Factory: factory,
		V2:      &uniswapv2.PoolState{Reserve0: r0, Reserve1: r1, FeeBps: r.v2FeeBps},
	}, nil
}

func (r *Reader) readCL(ctx context.Context, addr common.Address, block *big.Int) (*market.Pool, error) {
	t0, err := first[common.Address](r.call(ctx, &r.cl, addr, block, "token0"))
	if err != nil {
		return nil, err
	}
	t1, err := first[common.Address](r.call(ctx, &r.cl, addr, block, "token1"))
	if err != nil {
		return nil, err
	}
	fee, err := first[*big.Int](r.call(ctx, &r.cl, addr, block, "fee"))
	if err != nil {
		return nil, err
	}
	spacing, err := first[*big.Int](r.call(ctx, &r.cl, addr, block, "tickSpacing"))
	if err != nil {
		return nil, err
	}
	liquidity, err := first[*big.Int](r.call(ctx, &r.cl, addr, block, "liquidity"))
	if err != nil {
		return nil, err
	}
	slot0, err := r.call(ctx, &r.cl, addr, block, "slot0")
	if err != nil {
		return nil, err
	}
	sqrtPrice, ok0 := slot0[0].(*big.Int)
	tick, ok1 := slot0[1].(*big.Int)
	if !ok0 || !ok1 || spacing.Sign() <= 0 {
		return nil, ErrUnexpectedOutput
	}

	state := &uniswapv3.PoolState{
		SqrtPriceX96: sqrtPrice,
		Liquidity:    liquidity,
		Tick:         int32(tick.Int64()),
		TickSpacing:  int32(spacing.Int64()),
		Fee:          uint32(fee.Uint64()),
	}
	if state.Ticks, err = r.readTicks(ctx, addr, block, state.Tick, state.TickSpacing); err != nil {
		return nil, err
	}
	return &market.Pool{Token0: t0, Token1: t1, V3: state}, nil
}

// readTicks reads the initialized ticks in the bitmap words around tick,
// in ascending order.
func (r *Reader) readTicks(ctx context.Context, addr common.Address, block *big.Int, tick, spacing int32) ([]uniswapv3.TickInfo, error) {
	compressed := tick / spacing
	if tick < 0 && tick%spacing != 0 {
		compressed--
	}
	center := compressed >> 8

	var ticks []uniswapv3.TickInfo
	for w := center - int32(r.tickWords); w <= center+int32(r.tickWords); w++ {
		if w < -32768 || w > 32767 {
			continue
		}
		bitmap, err := first[*big.Int](r.call(ctx, &r.cl, addr, block, "tickBitmap", int16(w)))
		if err != nil {
			return nil, err
		}
		for bit := range 256 {
			if bitmap.Bit(bit) == 0 {
				continue
			}
			index := (w*256 + int32(bit)) * spacing
			info, err := r.call(ctx, &r.cl, addr, block, "ticks", big.NewInt(int64(index)))
			if err != nil {
				return nil, err
			}
			gross, ok0 := info[0].(*big.Int)
			net, ok1 := info[1].(*big.Int)
			if !ok0 || !ok1 {
				return nil, ErrUnexpectedOutput
			}
			ticks = append(ticks, uniswapv3.TickInfo{Index: index, LiquidityGross: gross, LiquidityNet: net})
		}
	}
	return ticks, nil
}

func (r *Reader) readStable(ctx context.Context, addr common.Address, block *big.Int) (*market.Pool, error) {
	var (
		coins [2]common.Address
		state stableswap.PoolState
		err   error
	)
	for i := range 2 {
		idx := big.NewInt(int64(i))
		if coins[i], err = first[common.Address](r.call(ctx, &r.stable, addr, block, "coins", idx)); err != nil {
			return nil, err
		}
		if state.Balances[i], err = first[*big.Int](r.call(ctx, &r.stable, addr, block, "balances", idx)); err != nil {
			return nil, err
		}
		decimals, err := r.tokenDecimals(ctx, coins[i])
		if err != nil {
			return nil, err
		}
		if decimals > 18 {
			return nil, fmt.Errorf("coin %s: %d decimals not supported", coins[i].Hex(), decimals)
		}
		state.Rates[i] = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
	}
	if state.A, err = first[*big.Int](r.call(ctx, &r.stable, addr, block, "A")); err != nil {
		return nil, err
	}
	if state.Fee, err = first[*big.Int](r.call(ctx, &r.stable, addr, block, "fee")); err != nil {
		return nil, err
	}
	return &market.Pool{Token0: coins[0], Token1: coins[1], Stable: &state}, nil
}

// FullState reads every pool at the current head. Pools that cannot be
// read are logged and left out; the synchronizer treats them as gone.
func (r *Reader) FullState(ctx context.Context, refs []PoolRef) (*synchronizer.FullState, error) {
	header, err := r.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("reading head: %w", err)
	}
	hdr := market.HeaderFromTypes(header)

	pools := make([]*market.Pool, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			p, err := r.Pool(gctx, ref, header.Number)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.logger.Warn("Skipping unreadable pool", "pool", ref.Address.Hex(), "block", hdr.Number, "error", err)
				return nil
			}
			p.UpdatedAt = hdr.Ref()
			pools[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &synchronizer.FullState{Header: hdr, Pools: make([]*market.Pool, 0, len(pools))}
	for _, p := range pools {
		if p != nil {
			out.Pools = append(out.Pools, p)
		}
	}
	r.logger.Debug("Read full pool state", "block", hdr.Number, "pools", len(out.Pools), "requested", len(refs))
	return out, nil
}
