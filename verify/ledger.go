package verify

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type balanceKey struct {
	token  common.Address
	holder common.Address
}

type journalEntry struct {
	key     balanceKey
	prev    *uint256.Int
	existed bool
}

// ledger tracks token balances touched by a simulation. Balances not yet
// seen are loaded through init; every write is journaled so a failed call
// can be undone.
type ledger struct {
	balances map[balanceKey]*uint256.Int
	journal  []journalEntry
	init     func(token, holder common.Address) *uint256.Int
}

func newLedger(init func(token, holder common.Address) *uint256.Int) *ledger {
	return &ledger{balances: make(map[balanceKey]*uint256.Int), init: init}
}

func (l *ledger) balanceOf(token, holder common.Address) *uint256.Int {
	k := balanceKey{token, holder}
	if b, ok := l.balances[k]; ok {
		return b.Clone()
	}
	b := l.init(token, holder)
	if b == nil {
		b = new(uint256.Int)
	}
	l.balances[k] = b
	return b.Clone()
}

func (l *ledger) set(token, holder common.Address, v *uint256.Int) {
	k := balanceKey{token, holder}
	prev, existed := l.balances[k]
	l.journal = append(l.journal, journalEntry{key: k, prev: prev, existed: existed})
	l.balances[k] = v
}

// transfer moves amount and reports false on insufficient balance.
func (l *ledger) transfer(token, from, to common.Address, amount *uint256.Int) bool {
	fromBal := l.balanceOf(token, from)
	if fromBal.Lt(amount) {
		return false
	}
	toBal := l.balanceOf(token, to)
	l.set(token, from, new(uint256.Int).Sub(fromBal, amount))
	l.set(token, to, new(uint256.Int).Add(toBal, amount))
	return true
}

func (l *ledger) mark() int { return len(l.journal) }

// revertTo undoes every write made after mark.
func (l *ledger) revertTo(mark int) {
	for i := len(l.journal) - 1; i >= mark; i-- {
		e := l.journal[i]
		if e.existed {
			l.balances[e.key] = e.prev
		} else {
			delete(l.balances, e.key)
		}
	}
	l.journal = l.journal[:mark]
}
