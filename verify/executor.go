package verify

import (
	"context"
	"fmt"
	"math/big"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/multicall"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/uniswapv2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

const (
	intrinsicGas        = 21_000
	multicallGas        = 8_000
	transferGas         = 30_000
	assertMinBalanceGas = 3_000
	calldataZeroGas     = 4
	calldataNonZeroGas  = 16
)

// PreTx is a transaction that executes before the candidate, represented by
// its decoded effect on pools.
type PreTx struct {
	Tx     *types.Transaction
	Effect market.StateDiff
}

// Candidate is a multicall transaction to simulate.
type Candidate struct {
	From        common.Address
	Multicaller common.Address
	Data        []byte
	TokenIn     common.Address
	AmountIn    *big.Int
	// Inventory is the multicaller's balance per token before the call.
	Inventory map[common.Address]*big.Int
}

// SimulationResult is the outcome of executing a candidate.
type SimulationResult struct {
	Success bool
	GasUsed uint64
	// AmountOut is the TokenIn the cycle returned to the multicaller.
	AmountOut *big.Int
	// GasCost and Profit are filled in by the Verifier, in TokenIn units.
	GasCost *big.Int
	Profit  *big.Int
	// HopAmounts are the realized outputs of each swap in order.
	HopAmounts   []*big.Int
	RevertReason string
	// FailedCall is the index of the reverting sub-call, -1 on success.
	FailedCall int
}

// Executor runs a candidate against a world state. Implementations must be
// deterministic for identical inputs.
type Executor interface {
	Execute(ctx context.Context, world *market.Snapshot, pre []PreTx, c Candidate) (SimulationResult, error)
}

// LocalExecutor interprets multicaller calldata against forked pool state
// and a token ledger.
type LocalExecutor struct {
	encoder *multicall.Encoder
}

// NewLocalExecutor creates a LocalExecutor decoding calls with encoder.
func NewLocalExecutor(encoder *multicall.Encoder) *LocalExecutor {
	return &LocalExecutor{encoder: encoder}
}

// Execute simulates c. A reverting sub-call reverts the whole call and is
// reported in the result, not as an error.
func (e *LocalExecutor) Execute(ctx context.Context, world *market.Snapshot, pre []PreTx, c Candidate) (SimulationResult, error) {
	if err := ctx.Err(); err != nil {
		return SimulationResult{}, err
	}
	res, _, _, err := e.run(world, pre, c)
	return res, err
}

// revert aborts execution of a sub-call.
type revert struct {
	reason string
}

func (r *revert) Error() string { return r.reason }

func reverted(format string, args ...any) *revert {
	return &revert{reason: fmt.Sprintf(format, args...)}
}

type execution struct {
	fork        *market.Fork
	ledger      *ledger
	multicaller common.Address
	hops        []*big.Int
	gas         uint64
}

func (e *LocalExecutor) run(world *market.Snapshot, pre []PreTx, c Candidate) (SimulationResult, *market.Fork, *ledger, error) {
	for i, p := range pre {
		next, _, err := world.Apply(p.Effect, world.Block(), nil)
		if err != nil {
			return SimulationResult{}, nil, nil, fmt.Errorf("applying pre-transaction %d: %w", i, err)
		}
		world = next
	}

	calls, err := e.encoder.Decode(c.Data)
	if err != nil {
		return SimulationResult{}, nil, nil, err
	}

	parent := world.Fork()
	fork := parent.Child()
	led := newLedger(func(token, holder common.Address) *uint256.Int {
		if holder == c.Multicaller {
			return toU256(c.Inventory[token])
		}
		if p, ok := fork.Pool(holder); ok && p.HasToken(token) {
			// Concentrated pools hold liquidity outside the active range.
			if p.Variant == market.ConcentratedLiquidity {
				return new(uint256.Int).Lsh(uint256.NewInt(1), 160)
			}
			return toU256(p.Depth(token))
		}
		return new(uint256.Int)
	})
	startBalance := led.balanceOf(c.TokenIn, c.Multicaller)
	mark := led.mark()

	x := &execution{
		fork:        fork,
		ledger:      led,
		multicaller: c.Multicaller,
		gas:         intrinsicGas + calldataGas(c.Data) + multicallGas,
	}
	for i, call := range calls {
		sub, err := e.encoder.DecodeCall(call)
		if err == nil {
			err = x.apply(sub)
		}
		if err != nil {
			led.revertTo(mark)
			return SimulationResult{
				Success:      false,
				GasUsed:      x.gas,
				AmountOut:    new(big.Int),
				HopAmounts:   x.hops,
				RevertReason: err.Error(),
				FailedCall:   i,
			}, parent, led, nil
		}
	}
	parent.Commit(fork)

	final := led.balanceOf(c.TokenIn, c.Multicaller)
	out := new(big.Int).Sub(final.ToBig(), startBalance.ToBig())
	if c.AmountIn != nil {
		out.Add(out, c.AmountIn)
	}
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return SimulationResult{
		Success:    true,
		GasUsed:    x.gas,
		AmountOut:  out,
		HopAmounts: x.hops,
		FailedCall: -1,
	}, parent, led, nil
}

func (x *execution) apply(sc multicall.SubCall) error {
	switch sc.Kind {
	case multicall.KindTransfer:
		x.gas += transferGas
		if !x.ledger.transfer(sc.Token, x.multicaller, sc.To, toU256(sc.Amount)) {
			return reverted("ERC20: transfer amount exceeds balance")
		}
		return nil
	case multicall.KindV2Swap:
		return x.swapV2(sc)
	case multicall.KindV3Swap:
		return x.swapV3(sc)
	case multicall.KindStableExchange:
		return x.exchange(sc)
	case multicall.KindAssertMinBalance:
		x.gas += assertMinBalanceGas
		if sc.Target != x.multicaller {
			return reverted("assertMinBalance called on %s", sc.Target.Hex())
		}
		if x.ledger.balanceOf(sc.Token, x.multicaller).Lt(toU256(sc.Amount)) {
			return reverted("multicaller: balance below minimum")
		}
		return nil
	default:
		return reverted("unsupported call %s", sc.Kind)
	}
}

func (x *execution) pool(addr common.Address, variant market.Variant) (*market.Pool, error) {
	p, ok := x.fork.Pool(addr)
	if !ok || p.Variant != variant {
		return nil, reverted("no %s pool at %s", variant, addr.Hex())
	}
	// Load balances before the pool state changes.
	x.ledger.balanceOf(p.Token0, addr)
	x.ledger.balanceOf(p.Token1, addr)
	return p, nil
}

func (x *execution) swapV2(sc multicall.SubCall) error {
	x.gas += uniswapv2.SwapGas
	p, err := x.pool(sc.Target, market.ConstantProduct)
	if err != nil {
		return err
	}
	r0, r1 := new(big.Int).Set(p.V2.Reserve0), new(big.Int).Set(p.V2.Reserve1)
	a0, a1 := sc.Amount0Out, sc.Amount1Out
	if a0.Sign() == 0 && a1.Sign() == 0 {
		return reverted("UniswapV2: INSUFFICIENT_OUTPUT_AMOUNT")
	}
	if a0.Cmp(r0) >= 0 || a1.Cmp(r1) >= 0 {
		return reverted("UniswapV2: INSUFFICIENT_LIQUIDITY")
	}

	if a0.Sign() > 0 && !x.ledger.transfer(p.Token0, p.Address, sc.To, toU256(a0)) {
		return reverted("UniswapV2: TRANSFER_FAILED")
	}
	if a1.Sign() > 0 && !x.ledger.transfer(p.Token1, p.Address, sc.To, toU256(a1)) {
		return reverted("UniswapV2: TRANSFER_FAILED")
	}

	b0 := x.ledger.balanceOf(p.Token0, p.Address).ToBig()
	b1 := x.ledger.balanceOf(p.Token1, p.Address).ToBig()
	in0 := amountIn(b0, r0, a0)
	in1 := amountIn(b1, r1, a1)
	if in0.Sign() == 0 && in1.Sign() == 0 {
		return reverted("UniswapV2: INSUFFICIENT_INPUT_AMOUNT")
	}
	if err := uniswapv2.CheckK(r0, r1, b0, b1, in0, in1, p.V2.FeeBps); err != nil {
		return reverted("UniswapV2: K")
	}
	p.V2.Reserve0, p.V2.Reserve1 = b0, b1

	out := a0
	if a1.Sign() > 0 {
		out = a1
	}
	x.hops = append(x.hops, new(big.Int).Set(out))
	return nil
}

// amountIn mirrors the pair's balance - (reserve - amountOut) rule.
func amountIn(balance, reserve, out *big.Int) *big.Int {
	expected := new(big.Int).Sub(reserve, out)
	if balance.Cmp(expected) <= 0 {
		return new(big.Int)
	}
	return expected.Sub(balance, expected)
}

func (x *execution) swapV3(sc multicall.SubCall) error {
	p, err := x.pool(sc.Target, market.ConcentratedLiquidity)
	if err != nil {
		return err
	}
	if sc.AmountSpecified.Sign() <= 0 {
		return reverted("exact output swaps are not supported")
	}
	tokenIn, tokenOut := p.Token0, p.Token1
	if !sc.ZeroForOne {
		tokenIn, tokenOut = tokenOut, tokenIn
	}
	if sc.Token != tokenIn {
		return reverted("callback token mismatch")
	}

	out, gas, err := p.Swap(tokenIn, sc.AmountSpecified)
	x.gas += gas
	if err != nil {
		return reverted("UniswapV3: %v", err)
	}
	if !x.ledger.transfer(tokenOut, p.Address, sc.To, toU256(out)) {
		return reverted("UniswapV3: TRANSFER_FAILED")
	}
	if out.Cmp(sc.MinAmountOut) < 0 {
		return reverted("multicaller: too little received")
	}
	if !x.ledger.transfer(tokenIn, x.multicaller, p.Address, toU256(sc.AmountSpecified)) {
		return reverted("UniswapV3: IIA")
	}
	x.hops = append(x.hops, out)
	return nil
}

func (x *execution) exchange(sc multicall.SubCall) error {
	p, err := x.pool(sc.Target, market.StableSwap)
	if err != nil {
		return err
	}
	if sc.I == sc.J || sc.I < 0 || sc.I > 1 || sc.J < 0 || sc.J > 1 {
		return reverted("stableswap: invalid coin index")
	}
	tokenIn, tokenOut := p.Token0, p.Token1
	if sc.I == 1 {
		tokenIn, tokenOut = tokenOut, tokenIn
	}
	if !x.ledger.transfer(tokenIn, x.multicaller, p.Address, toU256(sc.Dx)) {
		return reverted("stableswap: transferFrom failed")
	}
	out, gas, err := p.Swap(tokenIn, sc.Dx)
	x.gas += gas
	if err != nil {
		return reverted("stableswap: %v", err)
	}
	if out.Cmp(sc.MinDy) < 0 {
		return reverted("Exchange resulted in fewer coins than expected")
	}
	if !x.ledger.transfer(tokenOut, p.Address, x.multicaller, toU256(out)) {
		return reverted("stableswap: transfer failed")
	}
	x.hops = append(x.hops, out)
	return nil
}

func calldataGas(data []byte) uint64 {
	var gas uint64
	for _, b := range data {
		if b == 0 {
			gas += calldataZeroGas
		} else {
			gas += calldataNonZeroGas
		}
	}
	return gas
}

func toU256(v *big.Int) *uint256.Int {
	if v == nil || v.Sign() <= 0 {
		return new(uint256.Int)
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return u
}
