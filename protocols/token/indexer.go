package token

import (
	"github.com/ethereum/go-ethereum/common"
)

// Indexer builds token sets for the topology registry.
type Indexer struct{}

func New() *Indexer {
	return &Indexer{}
}

// Index builds a set from tokens whose IDs equal their slice position.
func (i *Indexer) Index(tokens []TokenView) *IndexableTokenSystem {
	return NewIndexableTokenSystem(tokens)
}

// IndexableTokenSystem is an immutable token set. IDs are dense, so a token's
// ID is its position in the backing slice. With returns a new set.
type IndexableTokenSystem struct {
	tokens    []TokenView
	byAddress map[common.Address]uint64
}

func NewIndexableTokenSystem(tokens []TokenView) *IndexableTokenSystem {
	byAddress := make(map[common.Address]uint64, len(tokens))
	for pos, t := range tokens {
		byAddress[t.Address] = uint64(pos)
	}
	return &IndexableTokenSystem{tokens: tokens, byAddress: byAddress}
}

// With registers t under the next free ID. A known address yields the
// receiver and the stored view, plus ErrConflictingToken when the metadata
// disagrees.
func (its *IndexableTokenSystem) With(t TokenView) (*IndexableTokenSystem, TokenView, error) {
	if pos, ok := its.byAddress[t.Address]; ok {
		existing := its.tokens[pos]
		return its, existing, existing.Compatible(t)
	}

	t.ID = uint64(len(its.tokens))
	grown := append(its.tokens[:len(its.tokens):len(its.tokens)], t)
	return NewIndexableTokenSystem(grown), t, nil
}

func (its *IndexableTokenSystem) GetByID(id uint64) (TokenView, bool) {
	if id >= uint64(len(its.tokens)) {
		return TokenView{}, false
	}
	return its.tokens[id], true
}

func (its *IndexableTokenSystem) GetByAddress(address common.Address) (TokenView, bool) {
	pos, ok := its.byAddress[address]
	if !ok {
		return TokenView{}, false
	}
	return its.tokens[pos], true
}

func (its *IndexableTokenSystem) Len() int { return len(its.tokens) }

// All returns a copy of the tokens in ID order.
func (its *IndexableTokenSystem) All() []TokenView {
	out := make([]TokenView, len(its.tokens))
	copy(out, its.tokens)
	return out
}
