package poolregistry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/token"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownToken = errors.New("poolregistry: unknown token")
	ErrUnknownPool  = errors.New("poolregistry: unknown pool")
	ErrInvalidPool  = errors.New("poolregistry: invalid pool")
)

// UnknownTokenError names the token that was never registered.
type UnknownTokenError struct {
	Token common.Address
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnknownToken, e.Token.Hex())
}

func (e *UnknownTokenError) Unwrap() error { return ErrUnknownToken }

// PoolInput describes a pool to insert into the topology.
type PoolInput struct {
	Address common.Address
	Variant market.Variant
	Token0  common.Address
	Token1  common.Address
}

type edge struct {
	pool uint64
	to   uint64
}

// graph is immutable once published.
type graph struct {
	tokens    *token.IndexableTokenSystem
	pools     *IndexablePoolRegistry
	adjacency [][]edge
}

// Registry is the token/pool multigraph. Writers serialize on a mutex and
// publish a new immutable graph; readers never block.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[graph]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(&graph{
		tokens: token.New().Index(nil),
		pools:  NewIndexablePoolRegistry(nil),
	})
	return r
}

// AddToken registers a token, idempotent on address.
func (r *Registry) AddToken(t token.TokenView) (token.TokenView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.current.Load()
	tokens, view, err := g.tokens.With(t)
	if err != nil {
		return view, err
	}
	if tokens == g.tokens {
		return view, nil
	}

	adjacency := make([][]edge, tokens.Len())
	copy(adjacency, g.adjacency)
	r.current.Store(&graph{tokens: tokens, pools: g.pools, adjacency: adjacency})
	return view, nil
}

// AddPool inserts a pool edge. Re-inserting a known address is a no-op and
// returns the existing view. Both tokens must already be registered.
func (r *Registry) AddPool(in PoolInput) (PoolView, error) {
	if in.Token0 == in.Token1 {
		return PoolView{}, fmt.Errorf("%w: %s has identical tokens", ErrInvalidPool, in.Address.Hex())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.current.Load()
	if existing, ok := g.pools.GetByAddress(in.Address); ok {
		return existing, nil
	}

	t0, ok := g.tokens.GetByAddress(in.Token0)
	if !ok {
		return PoolView{}, &UnknownTokenError{Token: in.Token0}
	}
	t1, ok := g.tokens.GetByAddress(in.Token1)
	if !ok {
		return PoolView{}, &UnknownTokenError{Token: in.Token1}
	}

	view := PoolView{
		ID:      uint64(g.pools.Len()),
		Address: in.Address,
		Variant: in.Variant,
		Token0:  t0.ID,
		Token1:  t1.ID,
		Active:  true,
	}

	adjacency := make([][]edge, len(g.adjacency))
	copy(adjacency, g.adjacency)
	adjacency[t0.ID] = appendEdge(g.adjacency[t0.ID], edge{pool: view.ID, to: t1.ID})
	adjacency[t1.ID] = appendEdge(g.adjacency[t1.ID], edge{pool: view.ID, to: t0.ID})

	r.current.Store(&graph{tokens: g.tokens, pools: g.pools.with(view), adjacency: adjacency})
	return view, nil
}

func appendEdge(edges []edge, e edge) []edge {
	out := make([]edge, len(edges), len(edges)+1)
	copy(out, edges)
	return append(out, e)
}

// SetActive marks a pool active or inactive. Pools are never removed.
func (r *Registry) SetActive(addr common.Address, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.current.Load()
	p, ok := g.pools.GetByAddress(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, addr.Hex())
	}
	if p.Active == active {
		return nil
	}
	r.current.Store(&graph{tokens: g.tokens, pools: g.pools.withActive(p.ID, active), adjacency: g.adjacency})
	return nil
}

// Token looks a token up by address.
func (r *Registry) Token(addr common.Address) (token.TokenView, bool) {
	return r.current.Load().tokens.GetByAddress(addr)
}

// Pool looks a pool up by address.
func (r *Registry) Pool(addr common.Address) (PoolView, bool) {
	return r.current.Load().pools.GetByAddress(addr)
}

// Tokens returns every registered token.
func (r *Registry) Tokens() []token.TokenView {
	return r.current.Load().tokens.All()
}

// Pools returns the registry view of every pool, active or not.
func (r *Registry) Pools() PoolRegistryView {
	return PoolRegistryView{Pools: r.current.Load().pools.All()}
}

// View returns the token/pool adjacency over active pools.
func (r *Registry) View() *TokenPoolsRegistryView {
	return buildTokenPoolsView(r.current.Load())
}

// PathsBetween returns a lazy iterator over simple paths from a to b with at
// most maxHops hops. When a == b the iterator yields cycles of at least two
// hops. liquidity may be nil.
func (r *Registry) PathsBetween(a, b common.Address, maxHops int, liquidity LiquidityFunc) (*PathIterator, error) {
	g := r.current.Load()
	from, ok := g.tokens.GetByAddress(a)
	if !ok {
		return nil, &UnknownTokenError{Token: a}
	}
	to, ok := g.tokens.GetByAddress(b)
	if !ok {
		return nil, &UnknownTokenError{Token: b}
	}
	if liquidity == nil {
		liquidity = func(common.Address) float64 { return 0 }
	}
	return newPathIterator(g, from.ID, to.ID, maxHops, liquidity), nil
}
