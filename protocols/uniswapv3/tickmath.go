package uniswapv3

import (
	"errors"
	"math/big"
)

const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var (
	Q96          = new(big.Int).Lsh(big.NewInt(1), 96)
	MinSqrtRatio = big.NewInt(4295128739)
	MaxSqrtRatio = mustBig("1461446703485210103287273052203988822378723970342", 10)

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	q32        = new(big.Int).Lsh(big.NewInt(1), 32)
	q128       = new(big.Int).Lsh(big.NewInt(1), 128)

	ErrTickOutOfRange  = errors.New("uniswapv3: tick out of range")
	ErrSqrtOutOfRange  = errors.New("uniswapv3: sqrt price out of range")
	tickRatioConstants = []*big.Int{
		mustBig("fff97272373d413259a46990580e213a", 16),
		mustBig("fff2e50f5f656932ef12357cf3c7fdcc", 16),
		mustBig("ffe5caca7e10e4e61c3624eaa0941cd0", 16),
		mustBig("ffcb9843d60f6159c9db58835c926644", 16),
		mustBig("ff973b41fa98c081472e6896dfb254c0", 16),
		mustBig("ff2ea16466c96a3843ec78b326b52861", 16),
		mustBig("fe5dee046a99a2a811c461f1969c3053", 16),
		mustBig("fcbe86c7900a88aedcffc83b479aa3a4", 16),
		mustBig("f987a7253ac413176f2b074cf7815e54", 16),
		mustBig("f3392b0822b70005940c7a398e4b70f3", 16),
		mustBig("e7159475a2c29b7443b29c7fa6e889d9", 16),
		mustBig("d097f3bdfd2022b8845ad8f792aa5825", 16),
		mustBig("a9f746462d870fdf8a65dc1f90e061e5", 16),
		mustBig("70d869a156d2a1b890bb3df62baf32f7", 16),
		mustBig("31be135f97d08fd981231505542fcfa6", 16),
		mustBig("9aa508b5b7a84e1c677de54f3e99bc9", 16),
		mustBig("5d6af8dedb81196699c329225ee604", 16),
		mustBig("2216e584f5fa1ea926041bedfe98", 16),
		mustBig("48a170391f7dc42444e8fa2", 16),
	}
	tickRatioOne = mustBig("fffcb933bd6fad37aa2d162d1a594001", 16)
)

func mustBig(s string, base int) *big.Int {
	v, ok := new(big.Int).SetString(s, base)
	if !ok {
		panic("uniswapv3: bad constant " + s)
	}
	return v
}

// GetSqrtRatioAtTick returns sqrt(1.0001^tick) * 2^96, bit-exact with the
// on-chain TickMath library.
func GetSqrtRatioAtTick(tick int32) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, ErrTickOutOfRange
	}
	absTick := tick
	if absTick < 0 {
		absTick = -absTick
	}

	ratio := new(big.Int).Set(q128)
	if absTick&0x1 != 0 {
		ratio.Set(tickRatioOne)
	}
	for i, c := range tickRatioConstants {
		if absTick&(int32(2)<<i) != 0 {
			ratio.Mul(ratio, c)
			ratio.Rsh(ratio, 128)
		}
	}
	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	rem := new(big.Int).Mod(ratio, q32)
	sqrt := ratio.Rsh(ratio, 32)
	if rem.Sign() != 0 {
		sqrt.Add(sqrt, big.NewInt(1))
	}
	return sqrt, nil
}

// GetTickAtSqrtRatio returns the greatest tick whose sqrt ratio is less than
// or equal to sqrtPriceX96.
func GetTickAtSqrtRatio(sqrtPriceX96 *big.Int) (int32, error) {
	if sqrtPriceX96.Cmp(MinSqrtRatio) < 0 || sqrtPriceX96.Cmp(MaxSqrtRatio) >= 0 {
		return 0, ErrSqrtOutOfRange
	}
	lo, hi := MinTick, MaxTick
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		ratio, err := GetSqrtRatioAtTick(mid)
		if err != nil {
			return 0, err
		}
		if ratio.Cmp(sqrtPriceX96) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

func mulDivRoundingUp(a, b, denominator *big.Int) *big.Int {
	product := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(product, denominator, new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

func divRoundingUp(a, b *big.Int) *big.Int {
	quo, rem := new(big.Int).QuoRem(a, b, new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

// GetAmount0Delta returns the token0 amount between two sqrt prices.
func GetAmount0Delta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	numerator1 := new(big.Int).Lsh(liquidity, 96)
	numerator2 := new(big.Int).Sub(sqrtB, sqrtA)

	if roundUp {
		return divRoundingUp(mulDivRoundingUp(numerator1, numerator2, sqrtB), sqrtA)
	}
	v := new(big.Int).Mul(numerator1, numerator2)
	v.Div(v, sqrtB)
	return v.Div(v, sqrtA)
}

// GetAmount1Delta returns the token1 amount between two sqrt prices.
func GetAmount1Delta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	diff := new(big.Int).Sub(sqrtB, sqrtA)
	if roundUp {
		return mulDivRoundingUp(liquidity, diff, Q96)
	}
	v := new(big.Int).Mul(liquidity, diff)
	return v.Div(v, Q96)
}

// GetNextSqrtPriceFromInput moves the price by an exact input amount.
func GetNextSqrtPriceFromInput(sqrtP, liquidity, amountIn *big.Int, zeroForOne bool) *big.Int {
	if amountIn.Sign() == 0 {
		return new(big.Int).Set(sqrtP)
	}
	if zeroForOne {
		// ceil(L * sqrtP / (L + amount * sqrtP / Q96)), expressed without the division by Q96
		numerator1 := new(big.Int).Lsh(liquidity, 96)
		denominator := new(big.Int).Mul(amountIn, sqrtP)
		denominator.Add(denominator, numerator1)
		return mulDivRoundingUp(numerator1, sqrtP, denominator)
	}
	quotient := new(big.Int).Lsh(amountIn, 96)
	quotient.Div(quotient, liquidity)
	return quotient.Add(quotient, sqrtP)
}
