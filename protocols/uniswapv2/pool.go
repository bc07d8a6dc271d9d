package uniswapv2

import (
	"errors"
	"math/big"
)

// FeeDenominator is the basis the pair fee is expressed in (30 = 0.3%).
const FeeDenominator = 10000

// DefaultFeeBps is the canonical Uniswap V2 swap fee.
const DefaultFeeBps = 30

// SwapGas is the approximate gas spent by a single pair swap, including the
// token transfer out.
const SwapGas = 60_000

var (
	ErrInsufficientInputAmount  = errors.New("uniswapv2: insufficient input amount")
	ErrInsufficientOutputAmount = errors.New("uniswapv2: insufficient output amount")
	ErrInsufficientLiquidity    = errors.New("uniswapv2: insufficient liquidity")
	ErrK                        = errors.New("uniswapv2: K")
)

var bigFeeDenominator = big.NewInt(FeeDenominator)

// PoolState is the mutable part of a constant-product pair.
type PoolState struct {
	Reserve0 *big.Int `json:"reserve0"`
	Reserve1 *big.Int `json:"reserve1"`
	FeeBps   uint16   `json:"feeBps"`
}

// Clone returns a deep copy.
func (s *PoolState) Clone() *PoolState {
	return &PoolState{
		Reserve0: new(big.Int).Set(s.Reserve0),
		Reserve1: new(big.Int).Set(s.Reserve1),
		FeeBps:   s.FeeBps,
	}
}

// Reserves returns (reserveIn, reserveOut) for the given direction.
func (s *PoolState) Reserves(zeroForOne bool) (*big.Int, *big.Int) {
	if zeroForOne {
		return s.Reserve0, s.Reserve1
	}
	return s.Reserve1, s.Reserve0
}

// AmountOut prices an exact-input swap against the pair.
func (s *PoolState) AmountOut(amountIn *big.Int, zeroForOne bool) (*big.Int, error) {
	reserveIn, reserveOut := s.Reserves(zeroForOne)
	return GetAmountOut(amountIn, reserveIn, reserveOut, s.FeeBps)
}

// Swap applies an exact-input swap to the reserves and returns the output.
func (s *PoolState) Swap(amountIn *big.Int, zeroForOne bool) (*big.Int, error) {
	out, err := s.AmountOut(amountIn, zeroForOne)
	if err != nil {
		return nil, err
	}
	reserveIn, reserveOut := s.Reserves(zeroForOne)
	reserveIn.Add(reserveIn, amountIn)
	reserveOut.Sub(reserveOut, out)
	return out, nil
}

// GetAmountOut is the pair's getAmountOut with a configurable fee.
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int, feeBps uint16) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInsufficientInputAmount
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}

	amountInWithFee := new(big.Int).Mul(amountIn, big.NewInt(int64(FeeDenominator-int(feeBps))))
	numerator := new(big.Int).Mul(amountInWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, bigFeeDenominator)
	denominator.Add(denominator, amountInWithFee)

	return numerator.Div(numerator, denominator), nil
}

// GetAmountIn returns the minimum input required to receive amountOut.
func GetAmountIn(amountOut, reserveIn, reserveOut *big.Int, feeBps uint16) (*big.Int, error) {
	if amountOut == nil || amountOut.Sign() <= 0 {
		return nil, ErrInsufficientOutputAmount
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	if amountOut.Cmp(reserveOut) >= 0 {
		return nil, ErrInsufficientLiquidity
	}

	numerator := new(big.Int).Mul(reserveIn, amountOut)
	numerator.Mul(numerator, bigFeeDenominator)
	denominator := new(big.Int).Sub(reserveOut, amountOut)
	denominator.Mul(denominator, big.NewInt(int64(FeeDenominator-int(feeBps))))

	amountIn := numerator.Div(numerator, denominator)
	return amountIn.Add(amountIn, big.NewInt(1)), nil
}

// CheckK verifies the pair invariant after a swap the way the pair contract
// does: balances adjusted by the fee on the input side must not shrink K.
func CheckK(reserve0, reserve1, balance0, balance1, amount0In, amount1In *big.Int, feeBps uint16) error {
	fee := big.NewInt(int64(feeBps))

	adj0 := new(big.Int).Mul(balance0, bigFeeDenominator)
	adj0.Sub(adj0, new(big.Int).Mul(amount0In, fee))
	adj1 := new(big.Int).Mul(balance1, bigFeeDenominator)
	adj1.Sub(adj1, new(big.Int).Mul(amount1In, fee))

	lhs := adj0.Mul(adj0, adj1)
	rhs := new(big.Int).Mul(reserve0, reserve1)
	rhs.Mul(rhs, new(big.Int).Mul(bigFeeDenominator, bigFeeDenominator))
	if lhs.Cmp(rhs) < 0 {
		return ErrK
	}
	return nil
}

// OptimalCycleInput returns the input that maximises the round trip through
// pair 1 (rIn1 -> rOut1) followed by pair 2 (rIn2 -> rOut2), where the output
// token of pair 1 is the input token of pair 2.
//
// Composing both getAmountOut formulas gives out(x) = a*x / (b + c*x) with
//
//	a = g1*g2*rOut1*rOut2
//	b = D^2*rIn1*rIn2
//	c = g1*(D*rIn2 + g2*rOut1)
//
// where g = D - feeBps and D = FeeDenominator. Profit out(x) - x peaks at
// x* = (sqrt(a*b) - b) / c. A nil result means no input size is profitable.
func OptimalCycleInput(rIn1, rOut1 *big.Int, fee1Bps uint16, rIn2, rOut2 *big.Int, fee2Bps uint16) *big.Int {
	if rIn1.Sign() <= 0 || rOut1.Sign() <= 0 || rIn2.Sign() <= 0 || rOut2.Sign() <= 0 {
		return nil
	}
	g1 := big.NewInt(int64(FeeDenominator - int(fee1Bps)))
	g2 := big.NewInt(int64(FeeDenominator - int(fee2Bps)))

	a := new(big.Int).Mul(g1, g2)
	a.Mul(a, rOut1)
	a.Mul(a, rOut2)

	b := new(big.Int).Mul(bigFeeDenominator, bigFeeDenominator)
	b.Mul(b, rIn1)
	b.Mul(b, rIn2)

	if a.Cmp(b) <= 0 {
		return nil
	}

	c := new(big.Int).Mul(bigFeeDenominator, rIn2)
	c.Add(c, new(big.Int).Mul(g2, rOut1))
	c.Mul(c, g1)

	root := new(big.Int).Mul(a, b)
	root.Sqrt(root)
	root.Sub(root, b)
	if root.Sign() <= 0 {
		return nil
	}
	x := root.Div(root, c)
	if x.Sign() <= 0 {
		return nil
	}
	return x
}
