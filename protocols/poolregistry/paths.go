package poolregistry

import (
	"math"
	"sort"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/ethereum/go-ethereum/common"
)

// LiquidityFunc estimates a pool's liquidity; larger is deeper.
type LiquidityFunc func(pool common.Address) float64

// Hop is one swap of a path.
type Hop struct {
	Pool     common.Address
	PoolID   uint64
	Variant  market.Variant
	TokenIn  common.Address
	TokenOut common.Address
}

// Path is an ordered sequence of hops. Liquidity is the smallest pool
// liquidity estimate along the path.
type Path struct {
	Hops      []Hop
	Liquidity float64
}

// Pools returns the pool addresses in hop order.
func (p Path) Pools() []common.Address {
	out := make([]common.Address, len(p.Hops))
	for i, h := range p.Hops {
		out[i] = h.Pool
	}
	return out
}

// Touches reports whether any hop uses a pool in set.
func (p Path) Touches(set map[common.Address]struct{}) bool {
	for _, h := range p.Hops {
		if _, ok := set[h.Pool]; ok {
			return true
		}
	}
	return false
}

// PathIterator yields paths fewest hops first. Within a hop count it walks
// depth first, trying the deepest pool out of each token first, so single
// hop paths come in descending liquidity and longer ones follow it
// greedily. Memory is bounded by maxHops and the pools per token; no hop
// level is materialized. It reads a fixed graph version, so Reset replays
// the same sequence.
type PathIterator struct {
	g         *graph
	from, to  uint64
	maxHops   int
	liquidity LiquidityFunc
	liqCache  map[uint64]float64

	hops   int
	frames []frame
	path   []Hop
	used   map[uint64]bool
	seen   map[uint64]bool
}

// frame is one token on the walk and the edges still to try out of it.
type frame struct {
	edges []edge
	next  int
}

func newPathIterator(g *graph, from, to uint64, maxHops int, liquidity LiquidityFunc) *PathIterator {
	it := &PathIterator{
		g:         g,
		from:      from,
		to:        to,
		maxHops:   maxHops,
		liquidity: liquidity,
		liqCache:  make(map[uint64]float64),
	}
	it.Reset()
	return it
}

// Reset restarts the sequence from the beginning.
func (it *PathIterator) Reset() {
	it.hops = 0
	it.frames = it.frames[:0]
	it.path = it.path[:0]
	it.used = make(map[uint64]bool, it.maxHops)
	it.seen = map[uint64]bool{it.from: true}
}

// Next returns the next path, or false when the sequence is exhausted.
func (it *PathIterator) Next() (Path, bool) {
	for {
		if len(it.frames) == 0 {
			if it.hops >= it.maxHops {
				return Path{}, false
			}
			it.hops++
			if it.hops < it.minHops() {
				continue
			}
			it.frames = append(it.frames, it.frameAt(it.from))
		}

		top := &it.frames[len(it.frames)-1]
		if top.next >= len(top.edges) {
			it.frames = it.frames[:len(it.frames)-1]
			if len(it.path) > 0 {
				it.popHop()
			}
			continue
		}
		e := top.edges[top.next]
		top.next++

		last := len(it.path) == it.hops-1
		if it.used[e.pool] {
			continue
		}
		if last && e.to != it.to {
			continue
		}
		if !last && (it.seen[e.to] || e.to == it.to) {
			continue
		}
		pool, _ := it.g.pools.GetByID(e.pool)
		if !pool.Active {
			continue
		}

		at := it.from
		if n := len(it.path); n > 0 {
			at = it.tokenID(it.path[n-1].TokenOut)
		}
		it.path = append(it.path, Hop{
			Pool:     pool.Address,
			PoolID:   pool.ID,
			Variant:  pool.Variant,
			TokenIn:  it.tokenOf(at),
			TokenOut: it.tokenOf(e.to),
		})

		if last {
			p := it.emit()
			it.path = it.path[:len(it.path)-1]
			return p, true
		}
		it.used[e.pool] = true
		it.seen[e.to] = true
		it.frames = append(it.frames, it.frameAt(e.to))
	}
}

func (it *PathIterator) minHops() int {
	if it.from == it.to {
		return 2
	}
	return 1
}

// frameAt orders the edges out of token by descending pool liquidity, then
// pool ID.
func (it *PathIterator) frameAt(token uint64) frame {
	edges := make([]edge, len(it.g.adjacency[token]))
	copy(edges, it.g.adjacency[token])
	sort.SliceStable(edges, func(i, j int) bool {
		li, lj := it.liquidityOf(edges[i].pool), it.liquidityOf(edges[j].pool)
		if li != lj {
			return li > lj
		}
		return edges[i].pool < edges[j].pool
	})
	return frame{edges: edges}
}

// popHop undoes the hop that led into the frame just left.
func (it *PathIterator) popHop() {
	h := it.path[len(it.path)-1]
	it.path = it.path[:len(it.path)-1]
	delete(it.used, h.PoolID)
	delete(it.seen, it.tokenID(h.TokenOut))
}

func (it *PathIterator) emit() Path {
	hops := make([]Hop, len(it.path))
	copy(hops, it.path)
	minLiq := math.Inf(1)
	for _, h := range hops {
		minLiq = math.Min(minLiq, it.liquidityOf(h.PoolID))
	}
	return Path{Hops: hops, Liquidity: minLiq}
}

func (it *PathIterator) liquidityOf(poolID uint64) float64 {
	if l, ok := it.liqCache[poolID]; ok {
		return l
	}
	pool, _ := it.g.pools.GetByID(poolID)
	l := it.liquidity(pool.Address)
	it.liqCache[poolID] = l
	return l
}

func (it *PathIterator) tokenOf(id uint64) common.Address {
	t, _ := it.g.tokens.GetByID(id)
	return t.Address
}

func (it *PathIterator) tokenID(addr common.Address) uint64 {
	t, _ := it.g.tokens.GetByAddress(addr)
	return t.ID
}
