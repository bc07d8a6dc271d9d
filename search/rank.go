package search

import (
	"bytes"
	"fmt"
	"sort"
)

// TieBreak orders opportunities of equal profit and hop count.
type TieBreak string

const (
	TieBreakHops      TieBreak = "hops"
	TieBreakLiquidity TieBreak = "liquidity"
	TieBreakAddress   TieBreak = "address"
)

// ParseTieBreak validates a configured tie-break. Empty selects hops.
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case "", TieBreakHops:
		return TieBreakHops, nil
	case TieBreakLiquidity, TieBreakAddress:
		return TieBreak(s), nil
	default:
		return "", fmt.Errorf("search: unknown tie-break %q", s)
	}
}

// Rank sorts opportunities by profit descending, then fewer hops, then
// the tie-break, and keeps at most k (all when k <= 0).
func Rank(opps []Opportunity, tieBreak TieBreak, k int) []Opportunity {
	sort.SliceStable(opps, func(i, j int) bool {
		a, b := &opps[i], &opps[j]
		if c := a.Profit.Cmp(b.Profit); c != 0 {
			return c > 0
		}
		if len(a.Hops) != len(b.Hops) {
			return len(a.Hops) < len(b.Hops)
		}
		switch tieBreak {
		case TieBreakLiquidity:
			if a.Liquidity != b.Liquidity {
				return a.Liquidity > b.Liquidity
			}
		case TieBreakAddress:
			if c := comparePools(a, b); c != 0 {
				return c < 0
			}
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
	if k > 0 && len(opps) > k {
		opps = opps[:k]
	}
	return opps
}

func comparePools(a, b *Opportunity) int {
	for i := 0; i < len(a.Hops) && i < len(b.Hops); i++ {
		if c := bytes.Compare(a.Hops[i].Pool[:], b.Hops[i].Pool[:]); c != 0 {
			return c
		}
	}
	return len(a.Hops) - len(b.Hops)
}
