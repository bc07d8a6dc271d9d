package relay

import (
	"time"

	"github.com/Iwinswap/iwinswap-mev-engine/search"
	"github.com/Iwinswap/iwinswap-mev-engine/verify"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// State is the lifecycle position of a bundle.
type State uint8

const (
	StateBuilt State = iota
	StateSubmitted
	StateIncluded
	StateRejected
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateSubmitted:
		return "submitted"
	case StateIncluded:
		return "included"
	case StateRejected:
		return "rejected"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateIncluded || s == StateRejected || s == StateExpired
}

// Bundle is an ordered set of signed transactions targeting one block.
// When backrunning, the target transaction comes first.
type Bundle struct {
	ID          uuid.UUID
	Txs         []*types.Transaction
	TargetBlock uint64
	Deadline    time.Time
	PriorityFee *uint256.Int
	MaxFee      *uint256.Int
	// BreakEvenFee is the highest priority fee at which the simulated gross
	// profit still pays for the gas used. Nil when gas was not priced.
	BreakEvenFee *uint256.Int
	Attempt      int
	State        State
	Opportunity  search.Opportunity
	Simulation   verify.SimulationResult
	RevertingTxs []common.Hash
	CreatedAt    time.Time
}

// Own returns the engine's transaction, the last one of the bundle.
func (b *Bundle) Own() *types.Transaction {
	if len(b.Txs) == 0 {
		return nil
	}
	return b.Txs[len(b.Txs)-1]
}

// TxHashes returns the hashes of all transactions in order.
func (b *Bundle) TxHashes() []common.Hash {
	out := make([]common.Hash, len(b.Txs))
	for i, tx := range b.Txs {
		out[i] = tx.Hash()
	}
	return out
}

// Expired reports whether the bundle can no longer land at now, given
// that block number is already on chain.
func (b *Bundle) Expired(now time.Time, number uint64) bool {
	if !b.Deadline.IsZero() && !now.Before(b.Deadline) {
		return true
	}
	return b.TargetBlock != 0 && number >= b.TargetBlock
}
