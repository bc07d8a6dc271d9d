package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// CallContexter is the JSON-RPC surface the remote executor needs;
// *rpc.Client satisfies it.
type CallContexter interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// SignFunc produces the signed transaction for a candidate.
type SignFunc func(ctx context.Context, c Candidate) (*types.Transaction, error)

type callBundleArgs struct {
	Txs              []string       `json:"txs"`
	BlockNumber      hexutil.Uint64 `json:"blockNumber"`
	StateBlockNumber string         `json:"stateBlockNumber"`
}

type callBundleTxResult struct {
	TxHash  common.Hash `json:"txHash"`
	GasUsed uint64      `json:"gasUsed"`
	Error   string      `json:"error,omitempty"`
	Revert  string      `json:"revert,omitempty"`
}

type callBundleResult struct {
	Results      []callBundleTxResult `json:"results"`
	TotalGasUsed uint64               `json:"totalGasUsed"`
}

// RemoteExecutor simulates through eth_callBundle on a builder or node. It
// reports success and gas only; token amounts come from the local executor.
type RemoteExecutor struct {
	client CallContexter
	sign   SignFunc
}

// NewRemoteExecutor creates a RemoteExecutor.
func NewRemoteExecutor(client CallContexter, sign SignFunc) (*RemoteExecutor, error) {
	if client == nil {
		return nil, errors.New("config: client is required")
	}
	if sign == nil {
		return nil, errors.New("config: sign is required")
	}
	return &RemoteExecutor{client: client, sign: sign}, nil
}

// Execute simulates the pre-transactions followed by the signed candidate
// on top of world's block.
func (e *RemoteExecutor) Execute(ctx context.Context, world *market.Snapshot, pre []PreTx, c Candidate) (SimulationResult, error) {
	args := callBundleArgs{
		BlockNumber:      hexutil.Uint64(world.Block().Number + 1),
		StateBlockNumber: hexutil.EncodeUint64(world.Block().Number),
	}
	for i, p := range pre {
		if p.Tx == nil {
			return SimulationResult{}, fmt.Errorf("pre-transaction %d has no raw transaction", i)
		}
		raw, err := p.Tx.MarshalBinary()
		if err != nil {
			return SimulationResult{}, err
		}
		args.Txs = append(args.Txs, hexutil.Encode(raw))
	}
	tx, err := e.sign(ctx, c)
	if err != nil {
		return SimulationResult{}, fmt.Errorf("signing candidate: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return SimulationResult{}, err
	}
	args.Txs = append(args.Txs, hexutil.Encode(raw))

	var res callBundleResult
	if err := e.client.CallContext(ctx, &res, "eth_callBundle", args); err != nil {
		return SimulationResult{}, fmt.Errorf("eth_callBundle: %w", err)
	}
	if len(res.Results) != len(args.Txs) {
		return SimulationResult{}, fmt.Errorf("eth_callBundle returned %d results for %d transactions", len(res.Results), len(args.Txs))
	}

	last := res.Results[len(res.Results)-1]
	out := SimulationResult{Success: last.Error == "", GasUsed: last.GasUsed, FailedCall: -1}
	if !out.Success {
		out.RevertReason = last.Error
		if last.Revert != "" {
			out.RevertReason = last.Revert
		}
	}
	return out, nil
}
