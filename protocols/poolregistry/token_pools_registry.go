package poolregistry

import "sort"

// TokenPoolsRegistryView provides a complete snapshot of the graph's core
// data structures for consumers that run their own traversal. Indexes are
// positions in Tokens; Adjacency[i] lists edge indexes leaving token i,
// EdgeTargets[e] is the token index edge e points to and EdgePools[e] the
// positions in Pools of every active pool on that edge.
type TokenPoolsRegistryView struct {
	Tokens      []uint64 `json:"tokens"`
	Pools       []uint64 `json:"pools"`
	Adjacency   [][]int  `json:"adjacency"`
	EdgeTargets []int    `json:"edgeTargets"`
	EdgePools   [][]int  `json:"edgePools"`
}

func buildTokenPoolsView(g *graph) *TokenPoolsRegistryView {
	view := &TokenPoolsRegistryView{
		Tokens:    make([]uint64, g.tokens.Len()),
		Adjacency: make([][]int, g.tokens.Len()),
	}
	for i := range view.Tokens {
		view.Tokens[i] = uint64(i)
	}

	poolIndex := make(map[uint64]int)
	for _, p := range g.pools.All() {
		if !p.Active {
			continue
		}
		poolIndex[p.ID] = len(view.Pools)
		view.Pools = append(view.Pools, p.ID)
	}

	for from, edges := range g.adjacency {
		byTarget := make(map[uint64][]int)
		for _, e := range edges {
			idx, ok := poolIndex[e.pool]
			if !ok {
				continue
			}
			byTarget[e.to] = append(byTarget[e.to], idx)
		}
		targets := make([]uint64, 0, len(byTarget))
		for to := range byTarget {
			targets = append(targets, to)
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

		for _, to := range targets {
			view.Adjacency[from] = append(view.Adjacency[from], len(view.EdgeTargets))
			view.EdgeTargets = append(view.EdgeTargets, int(to))
			view.EdgePools = append(view.EdgePools, byTarget[to])
		}
	}
	return view
}
