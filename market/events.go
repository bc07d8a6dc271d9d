package market

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventKind tags a ChainEvent.
type EventKind uint8

const (
	EventNewBlock EventKind = iota + 1
	EventPendingTransaction
	EventReorg
)

func (k EventKind) String() string {
	switch k {
	case EventNewBlock:
		return "new_block"
	case EventPendingTransaction:
		return "pending_transaction"
	case EventReorg:
		return "reorg"
	default:
		return "unknown"
	}
}

// BlockHeader is the subset of a header the engine needs.
type BlockHeader struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  uint64
	BaseFee    *big.Int
}

// Ref returns the header's BlockRef.
func (h BlockHeader) Ref() BlockRef {
	return BlockRef{Number: h.Number, Hash: h.Hash}
}

// HeaderFromTypes converts a go-ethereum header.
func HeaderFromTypes(h *types.Header) BlockHeader {
	return BlockHeader{
		Number:     h.Number.Uint64(),
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Timestamp:  h.Time,
		BaseFee:    copyInt(h.BaseFee),
	}
}

// NewBlock carries a confirmed block and the pool state changes in it.
type NewBlock struct {
	Header   BlockHeader
	TxHashes []common.Hash
	Diff     StateDiff
}

// PendingTransaction is a transaction seen in the mempool.
type PendingTransaction struct {
	Tx     *types.Transaction
	SeenAt time.Time
}

// Reorg reports that blocks after CommonAncestor were replaced.
type Reorg struct {
	CommonAncestor BlockRef
	DetectedAt     time.Time
}

// ChainEvent is a tagged union of feed events; exactly one payload is set.
type ChainEvent struct {
	Kind    EventKind
	Block   *NewBlock
	Pending *PendingTransaction
	Reorg   *Reorg
}

func BlockEvent(b *NewBlock) ChainEvent {
	return ChainEvent{Kind: EventNewBlock, Block: b}
}

func PendingEvent(p *PendingTransaction) ChainEvent {
	return ChainEvent{Kind: EventPendingTransaction, Pending: p}
}

func ReorgEvent(r *Reorg) ChainEvent {
	return ChainEvent{Kind: EventReorg, Reorg: r}
}
