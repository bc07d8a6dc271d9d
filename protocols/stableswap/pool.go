// Package stableswap prices two-coin pools that follow the StableSwap
// invariant A*n^n*sum(x) + D = A*D*n^n + D^(n+1) / (n^n*prod(x)).
package stableswap

import (
	"errors"
	"math/big"
)

// FeeDenominator is the basis of Fee (4000000 = 0.04%).
const FeeDenominator = 10_000_000_000

// ExchangeGas approximates a single exchange call.
const ExchangeGas = 120_000

const maxIterations = 255

var (
	ErrInvalidIndex          = errors.New("stableswap: invalid coin index")
	ErrInsufficientInput     = errors.New("stableswap: insufficient input amount")
	ErrNoConvergence         = errors.New("stableswap: invariant did not converge")
	ErrInsufficientLiquidity = errors.New("stableswap: insufficient liquidity")

	bigN              = big.NewInt(2)
	bigFeeDenominator = big.NewInt(FeeDenominator)
	one               = big.NewInt(1)
)

// PoolState is a two-coin pool. Rates scale each balance to a common
// 18-decimal precision (10^(18-decimals)).
type PoolState struct {
	Balances [2]*big.Int `json:"balances"`
	Rates    [2]*big.Int `json:"rates"`
	A        *big.Int    `json:"a"`
	Fee      *big.Int    `json:"fee"`
}

// Clone returns a deep copy.
func (s *PoolState) Clone() *PoolState {
	c := &PoolState{A: new(big.Int).Set(s.A), Fee: new(big.Int).Set(s.Fee)}
	for i := range 2 {
		c.Balances[i] = new(big.Int).Set(s.Balances[i])
		c.Rates[i] = new(big.Int).Set(s.rate(i))
	}
	return c
}

func (s *PoolState) rate(i int) *big.Int {
	if s.Rates[i] == nil || s.Rates[i].Sign() == 0 {
		return one
	}
	return s.Rates[i]
}

func (s *PoolState) xp() [2]*big.Int {
	var xp [2]*big.Int
	for i := range 2 {
		xp[i] = new(big.Int).Mul(s.Balances[i], s.rate(i))
	}
	return xp
}

// getD solves the invariant for D with Newton's method.
func getD(xp [2]*big.Int, amp *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(xp[0], xp[1])
	if sum.Sign() == 0 {
		return new(big.Int), nil
	}
	ann := new(big.Int).Mul(amp, bigN)
	d := new(big.Int).Set(sum)

	for range maxIterations {
		dP := new(big.Int).Set(d)
		for _, x := range xp {
			if x.Sign() == 0 {
				return nil, ErrInsufficientLiquidity
			}
			dP.Mul(dP, d)
			dP.Div(dP, new(big.Int).Mul(x, bigN))
		}
		prev := new(big.Int).Set(d)

		// d = (ann*S + dP*n) * d / ((ann-1)*d + (n+1)*dP)
		num := new(big.Int).Mul(ann, sum)
		num.Add(num, new(big.Int).Mul(dP, bigN))
		num.Mul(num, d)
		den := new(big.Int).Sub(ann, one)
		den.Mul(den, d)
		den.Add(den, new(big.Int).Mul(dP, big.NewInt(3)))
		d = num.Div(num, den)

		if new(big.Int).Sub(d, prev).CmpAbs(one) <= 0 {
			return d, nil
		}
	}
	return nil, ErrNoConvergence
}

// getY returns the new balance of coin j when coin i's balance becomes x.
func getY(i, j int, x *big.Int, xp [2]*big.Int, amp *big.Int) (*big.Int, error) {
	d, err := getD(xp, amp)
	if err != nil {
		return nil, err
	}
	ann := new(big.Int).Mul(amp, bigN)

	c := new(big.Int).Set(d)
	c.Mul(c, d)
	c.Div(c, new(big.Int).Mul(x, bigN))
	c.Mul(c, d)
	c.Div(c, new(big.Int).Mul(ann, bigN))

	b := new(big.Int).Div(d, ann)
	b.Add(b, x)

	y := new(big.Int).Set(d)
	for range maxIterations {
		prev := new(big.Int).Set(y)
		// y = (y^2 + c) / (2y + b - d)
		num := new(big.Int).Mul(y, y)
		num.Add(num, c)
		den := new(big.Int).Mul(y, bigN)
		den.Add(den, b)
		den.Sub(den, d)
		if den.Sign() <= 0 {
			return nil, ErrNoConvergence
		}
		y = num.Div(num, den)
		if new(big.Int).Sub(y, prev).CmpAbs(one) <= 0 {
			return y, nil
		}
	}
	return nil, ErrNoConvergence
}

// GetDy returns the output of coin j for dx of coin i, net of the fee.
func (s *PoolState) GetDy(i, j int, dx *big.Int) (*big.Int, error) {
	if i == j || i < 0 || j < 0 || i > 1 || j > 1 {
		return nil, ErrInvalidIndex
	}
	if dx == nil || dx.Sign() <= 0 {
		return nil, ErrInsufficientInput
	}
	xp := s.xp()
	x := new(big.Int).Mul(dx, s.rate(i))
	x.Add(x, xp[i])

	y, err := getY(i, j, x, xp, s.A)
	if err != nil {
		return nil, err
	}
	dy := new(big.Int).Sub(xp[j], y)
	dy.Sub(dy, one)
	if dy.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	fee := new(big.Int).Mul(dy, s.Fee)
	fee.Div(fee, bigFeeDenominator)
	dy.Sub(dy, fee)
	return dy.Div(dy, s.rate(j)), nil
}

// Exchange applies a swap of dx of coin i and returns the output of coin j.
// The fee stays in the pool.
func (s *PoolState) Exchange(i, j int, dx *big.Int) (*big.Int, error) {
	dy, err := s.GetDy(i, j, dx)
	if err != nil {
		return nil, err
	}
	if dy.Cmp(s.Balances[j]) >= 0 {
		return nil, ErrInsufficientLiquidity
	}
	s.Balances[i] = new(big.Int).Add(s.Balances[i], dx)
	s.Balances[j] = new(big.Int).Sub(s.Balances[j], dy)
	return dy, nil
}
