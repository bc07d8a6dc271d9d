// Package multicall encodes trade plans into calldata for the multicaller
// contract and decodes it back into typed sub-calls.
package multicall

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/uniswapv3"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrEmptyPlan       = errors.New("multicall: plan has no legs")
	ErrBrokenChain     = errors.New("multicall: legs do not form a chain")
	ErrMissingMinimum  = errors.New("multicall: leg has no minimum output")
	ErrUnknownSelector = errors.New("multicall: unknown selector")
)

// Call is one sub-call of a multicall.
type Call struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// Leg is one swap of a plan.
type Leg struct {
	Pool         common.Address
	Variant      market.Variant
	TokenIn      common.Address
	TokenOut     common.Address
	ZeroForOne   bool
	MinAmountOut *big.Int
}

// Plan is a cyclic trade starting and ending in TokenIn, held by the
// multicaller.
type Plan struct {
	TokenIn  common.Address
	AmountIn *big.Int
	Legs     []Leg
	// MinBalance is the TokenIn balance the multicaller must hold after
	// the last leg; the whole call reverts otherwise.
	MinBalance *big.Int
}

// Kind tags a decoded sub-call.
type Kind uint8

const (
	KindTransfer Kind = iota + 1
	KindV2Swap
	KindV3Swap
	KindStableExchange
	KindAssertMinBalance
)

func (k Kind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindV2Swap:
		return "v2_swap"
	case KindV3Swap:
		return "v3_swap"
	case KindStableExchange:
		return "stable_exchange"
	case KindAssertMinBalance:
		return "assert_min_balance"
	default:
		return "unknown"
	}
}

// SubCall is a decoded sub-call. Which fields are set depends on Kind.
type SubCall struct {
	Kind   Kind
	Target common.Address

	// Transfer, AssertMinBalance
	Token  common.Address
	To     common.Address
	Amount *big.Int

	// V2Swap
	Amount0Out *big.Int
	Amount1Out *big.Int

	// V3Swap
	ZeroForOne        bool
	AmountSpecified   *big.Int
	SqrtPriceLimitX96 *big.Int
	MinAmountOut      *big.Int

	// StableExchange
	I, J  int
	Dx    *big.Int
	MinDy *big.Int
}

// Encoder builds calldata for one multicaller deployment.
type Encoder struct {
	multicaller common.Address

	multicallerABI abi.ABI
	erc20ABI       abi.ABI
	pairABI        abi.ABI
	v3PoolABI      abi.ABI
	stableABI      abi.ABI
	swapDataArgs   abi.Arguments
}

// NewEncoder parses the contract ABIs.
func NewEncoder(multicaller common.Address) (*Encoder, error) {
	e := &Encoder{multicaller: multicaller}
	for _, def := range []struct {
		dst  *abi.ABI
		json string
	}{
		{&e.multicallerABI, multicallerABI},
		{&e.erc20ABI, erc20ABI},
		{&e.pairABI, uniswapV2PairABI},
		{&e.v3PoolABI, uniswapV3PoolABI},
		{&e.stableABI, stableSwapABI},
	} {
		parsed, err := abi.JSON(strings.NewReader(def.json))
		if err != nil {
			return nil, fmt.Errorf("failed to parse ABI: %w", err)
		}
		*def.dst = parsed
	}

	addressT, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, err
	}
	uintT, err := abi.NewType("uint256", "", nil)
	if err != nil {
		return nil, err
	}
	e.swapDataArgs = abi.Arguments{{Name: "tokenIn", Type: addressT}, {Name: "minAmountOut", Type: uintT}}
	return e, nil
}

// Multicaller returns the contract address calls are encoded for.
func (e *Encoder) Multicaller() common.Address { return e.multicaller }

// Calls expands a plan into the minimal sub-call sequence. Consecutive
// constant-product legs pass tokens pair to pair; other legs settle through
// the multicaller.
func (e *Encoder) Calls(plan Plan) ([]Call, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	var calls []Call
	add := func(target common.Address, data []byte) {
		calls = append(calls, Call{Target: target, Value: new(big.Int), Data: data})
	}

	amount := plan.AmountIn
	for i, leg := range plan.Legs {
		recipient := e.multicaller
		if i+1 < len(plan.Legs) && plan.Legs[i+1].Variant == market.ConstantProduct && leg.Variant != market.StableSwap {
			recipient = plan.Legs[i+1].Pool
		}

		switch leg.Variant {
		case market.ConstantProduct:
			chained := i > 0 && plan.Legs[i-1].Variant != market.StableSwap
			if !chained {
				data, err := e.erc20ABI.Pack("transfer", leg.Pool, amount)
				if err != nil {
					return nil, err
				}
				add(leg.TokenIn, data)
			}
			amount0Out, amount1Out := new(big.Int), new(big.Int)
			if leg.ZeroForOne {
				amount1Out.Set(leg.MinAmountOut)
			} else {
				amount0Out.Set(leg.MinAmountOut)
			}
			data, err := e.pairABI.Pack("swap", amount0Out, amount1Out, recipient, []byte{})
			if err != nil {
				return nil, err
			}
			add(leg.Pool, data)

		case market.ConcentratedLiquidity:
			limit := new(big.Int).Add(uniswapv3.MinSqrtRatio, common.Big1)
			if !leg.ZeroForOne {
				limit = new(big.Int).Sub(uniswapv3.MaxSqrtRatio, common.Big1)
			}
			cbData, err := e.swapDataArgs.Pack(leg.TokenIn, leg.MinAmountOut)
			if err != nil {
				return nil, err
			}
			data, err := e.v3PoolABI.Pack("swap", recipient, leg.ZeroForOne, new(big.Int).Set(amount), limit, cbData)
			if err != nil {
				return nil, err
			}
			add(leg.Pool, data)

		case market.StableSwap:
			ci, cj := big.NewInt(0), big.NewInt(1)
			if !leg.ZeroForOne {
				ci, cj = cj, ci
			}
			data, err := e.stableABI.Pack("exchange", ci, cj, amount, leg.MinAmountOut)
			if err != nil {
				return nil, err
			}
			add(leg.Pool, data)

		default:
			return nil, fmt.Errorf("leg %d: %w", i, market.ErrUnknownVariant)
		}
		amount = leg.MinAmountOut
	}

	minBalance := plan.MinBalance
	if minBalance == nil {
		minBalance = new(big.Int)
	}
	data, err := e.multicallerABI.Pack("assertMinBalance", plan.TokenIn, minBalance)
	if err != nil {
		return nil, err
	}
	add(e.multicaller, data)
	return calls, nil
}

// Encode returns the multicall calldata for plan.
func (e *Encoder) Encode(plan Plan) ([]byte, error) {
	calls, err := e.Calls(plan)
	if err != nil {
		return nil, err
	}
	return e.Pack(calls)
}

// Pack wraps sub-calls into multicall calldata.
func (e *Encoder) Pack(calls []Call) ([]byte, error) {
	return e.multicallerABI.Pack("multicall", calls)
}

// Decode splits multicall calldata into its sub-calls.
func (e *Encoder) Decode(data []byte) ([]Call, error) {
	method := e.multicallerABI.Methods["multicall"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return nil, fmt.Errorf("%w: not a multicall", ErrUnknownSelector)
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack multicall: %w", err)
	}
	raw := reflect.ValueOf(values[0])
	calls := make([]Call, raw.Len())
	for i := range calls {
		el := raw.Index(i)
		calls[i] = Call{
			Target: el.FieldByName("Target").Interface().(common.Address),
			Value:  el.FieldByName("Value").Interface().(*big.Int),
			Data:   el.FieldByName("Data").Interface().([]byte),
		}
	}
	return calls, nil
}

// DecodeCall classifies a sub-call by selector and decodes its arguments.
func (e *Encoder) DecodeCall(c Call) (SubCall, error) {
	if len(c.Data) < 4 {
		return SubCall{}, fmt.Errorf("%w: short calldata for %s", ErrUnknownSelector, c.Target.Hex())
	}
	sel, args := c.Data[:4], c.Data[4:]
	sc := SubCall{Target: c.Target}

	switch {
	case bytes.Equal(sel, e.erc20ABI.Methods["transfer"].ID):
		v, err := e.erc20ABI.Methods["transfer"].Inputs.Unpack(args)
		if err != nil {
			return sc, err
		}
		sc.Kind, sc.Token, sc.To, sc.Amount = KindTransfer, c.Target, v[0].(common.Address), v[1].(*big.Int)

	case bytes.Equal(sel, e.pairABI.Methods["swap"].ID):
		v, err := e.pairABI.Methods["swap"].Inputs.Unpack(args)
		if err != nil {
			return sc, err
		}
		sc.Kind, sc.Amount0Out, sc.Amount1Out, sc.To = KindV2Swap, v[0].(*big.Int), v[1].(*big.Int), v[2].(common.Address)

	case bytes.Equal(sel, e.v3PoolABI.Methods["swap"].ID):
		v, err := e.v3PoolABI.Methods["swap"].Inputs.Unpack(args)
		if err != nil {
			return sc, err
		}
		sc.Kind, sc.To, sc.ZeroForOne = KindV3Swap, v[0].(common.Address), v[1].(bool)
		sc.AmountSpecified, sc.SqrtPriceLimitX96 = v[2].(*big.Int), v[3].(*big.Int)
		cb, err := e.swapDataArgs.Unpack(v[4].([]byte))
		if err != nil {
			return sc, fmt.Errorf("failed to unpack swap callback data: %w", err)
		}
		sc.Token, sc.MinAmountOut = cb[0].(common.Address), cb[1].(*big.Int)

	case bytes.Equal(sel, e.stableABI.Methods["exchange"].ID):
		v, err := e.stableABI.Methods["exchange"].Inputs.Unpack(args)
		if err != nil {
			return sc, err
		}
		sc.Kind = KindStableExchange
		sc.I, sc.J = int(v[0].(*big.Int).Int64()), int(v[1].(*big.Int).Int64())
		sc.Dx, sc.MinDy = v[2].(*big.Int), v[3].(*big.Int)

	case bytes.Equal(sel, e.multicallerABI.Methods["assertMinBalance"].ID):
		v, err := e.multicallerABI.Methods["assertMinBalance"].Inputs.Unpack(args)
		if err != nil {
			return sc, err
		}
		sc.Kind, sc.Token, sc.Amount = KindAssertMinBalance, v[0].(common.Address), v[1].(*big.Int)

	default:
		return sc, fmt.Errorf("%w: %x on %s", ErrUnknownSelector, sel, c.Target.Hex())
	}
	return sc, nil
}

func validatePlan(plan Plan) error {
	if len(plan.Legs) == 0 {
		return ErrEmptyPlan
	}
	if plan.AmountIn == nil || plan.AmountIn.Sign() <= 0 {
		return fmt.Errorf("multicall: invalid input amount")
	}
	prev := plan.TokenIn
	for i, leg := range plan.Legs {
		if leg.TokenIn != prev {
			return fmt.Errorf("%w: leg %d takes %s, previous yields %s", ErrBrokenChain, i, leg.TokenIn.Hex(), prev.Hex())
		}
		if leg.MinAmountOut == nil || leg.MinAmountOut.Sign() <= 0 {
			return fmt.Errorf("leg %d: %w", i, ErrMissingMinimum)
		}
		prev = leg.TokenOut
	}
	if prev != plan.TokenIn {
		return fmt.Errorf("%w: cycle ends in %s", ErrBrokenChain, prev.Hex())
	}
	return nil
}
