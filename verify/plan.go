package verify

import (
	"math/big"

	"github.com/Iwinswap/iwinswap-mev-engine/multicall"
	"github.com/Iwinswap/iwinswap-mev-engine/search"
)

const bpsDenominator = 10_000

// PlanFor turns an opportunity into a multicall plan whose per-hop minimum
// outputs are outs reduced by slippageBps. outs must have one entry per hop.
func PlanFor(opp *search.Opportunity, outs []*big.Int, slippageBps uint16, minBalance *big.Int) multicall.Plan {
	legs := make([]multicall.Leg, len(opp.Hops))
	keep := big.NewInt(int64(bpsDenominator - int(slippageBps)))
	for i, h := range opp.Hops {
		floor := new(big.Int).Mul(outs[i], keep)
		floor.Quo(floor, big.NewInt(bpsDenominator))
		legs[i] = multicall.Leg{
			Pool:         h.Pool,
			Variant:      h.Variant,
			TokenIn:      h.TokenIn,
			TokenOut:     h.TokenOut,
			ZeroForOne:   h.ZeroForOne,
			MinAmountOut: floor,
		}
	}
	return multicall.Plan{
		TokenIn:    opp.TokenIn,
		AmountIn:   new(big.Int).Set(opp.AmountIn),
		Legs:       legs,
		MinBalance: minBalance,
	}
}

// ExpectedOuts returns the hop outputs predicted by the search.
func ExpectedOuts(opp *search.Opportunity) []*big.Int {
	outs := make([]*big.Int, len(opp.Hops))
	for i, h := range opp.Hops {
		outs[i] = h.AmountOut
	}
	return outs
}
