// Package ethereum decodes EVM logs and router calls into pool state
// changes.
package ethereum

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/Iwinswap/iwinswap-mev-engine/differ"
	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/uniswapv2"
	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config configures StateOps.
type Config struct {
	// Factories are the constant-product factories whose PairCreated
	// events register new pools.
	Factories []common.Address
	// Routers maps each router deployment whose pending calls are decoded
	// to the factory whose pairs it swaps through.
	Routers       map[common.Address]common.Address
	V2FeeBps      uint16
	Logger        Logger
	PrometheusReg prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.PrometheusReg == nil {
		return errors.New("config: PrometheusReg is required")
	}
	for router, factory := range c.Routers {
		if factory == (common.Address{}) {
			return fmt.Errorf("config: router %s has no factory", router.Hex())
		}
	}
	return nil
}

// Metrics holds all the Prometheus metrics for decoding.
type Metrics struct {
	LogsDecoded    *prometheus.CounterVec
	DecodeErrors   *prometheus.CounterVec
	PendingDecoded *prometheus.CounterVec
}

// NewMetrics creates and registers the decoding metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LogsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_logs_decoded_total",
			Help: "Pool logs decoded into state updates, by event.",
		}, []string{"event"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_log_decode_errors_total",
			Help: "Logs that matched a pool event but failed to decode.",
		}, []string{"event"}),
		PendingDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_pending_decoded_total",
			Help: "Pending router calls, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.LogsDecoded, m.DecodeErrors, m.PendingDecoded)
	return m
}

// StateOps is the chain-specific half of state handling: it turns block
// logs into a market.StateDiff and diffs snapshots for resync drift.
type StateOps struct {
	*differ.StateDiffer

	events    abi.ABI
	router    abi.ABI
	topics    map[common.Hash]abi.Event
	factories map[common.Address]struct{}
	routers   map[common.Address]common.Address
	v2FeeBps  uint16

	logger  Logger
	metrics *Metrics
}

// NewStateOps parses the event and router ABIs.
func NewStateOps(cfg *Config) (*StateOps, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	events, err := abi.JSON(strings.NewReader(poolEventsABI))
	if err != nil {
		return nil, fmt.Errorf("parsing pool events ABI: %w", err)
	}
	router, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("parsing router ABI: %w", err)
	}
	stateDiffer, err := differ.NewStateDiffer(&differ.StateDifferConfig{
		Logger:   cfg.Logger,
		Registry: cfg.PrometheusReg,
	})
	if err != nil {
		return nil, err
	}

	ops := &StateOps{
		StateDiffer: stateDiffer,
		events:      events,
		router:      router,
		topics:      make(map[common.Hash]abi.Event, len(events.Events)),
		factories:   make(map[common.Address]struct{}, len(cfg.Factories)),
		routers:     make(map[common.Address]common.Address, len(cfg.Routers)),
		v2FeeBps:    cfg.V2FeeBps,
		logger:      cfg.Logger,
		metrics:     NewMetrics(cfg.PrometheusReg),
	}
	if ops.v2FeeBps == 0 {
		ops.v2FeeBps = uniswapv2.DefaultFeeBps
	}
	for _, ev := range events.Events {
		ops.topics[ev.ID] = ev
	}
	for _, f := range cfg.Factories {
		ops.factories[f] = struct{}{}
	}
	for r, f := range cfg.Routers {
		ops.routers[r] = f
	}
	return ops, nil
}

// Topics returns the topic0 filter matching every decoded event.
func (ops *StateOps) Topics() [][]common.Hash {
	ids := make([]common.Hash, 0, len(ops.topics))
	for _, name := range []string{"Sync", "PairCreated", "Swap", "Mint", "Burn", "TokenExchange"} {
		ids = append(ids, ops.events.Events[name].ID)
	}
	return [][]common.Hash{ids}
}

// FilterQuery selects the pool logs of one block.
func (ops *StateOps) FilterQuery(blockHash common.Hash) goethereum.FilterQuery {
	h := blockHash
	return goethereum.FilterQuery{BlockHash: &h, Topics: ops.Topics()}
}

// DecodeLogs turns logs, in block order, into a StateDiff. Logs from pools
// the caller does not track are still decoded; applying the diff skips
// them. Removed logs are ignored.
func (ops *StateOps) DecodeLogs(logs []types.Log) (market.StateDiff, error) {
	var diff market.StateDiff
	for i := range logs {
		l := &logs[i]
		if l.Removed || len(l.Topics) == 0 {
			continue
		}
		ev, ok := ops.topics[l.Topics[0]]
		if !ok {
			continue
		}
		if err := ops.decodeLog(&diff, ev, l); err != nil {
			ops.metrics.DecodeErrors.WithLabelValues(ev.Name).Inc()
			return market.StateDiff{}, fmt.Errorf("decoding %s log %d of tx %s: %w", ev.Name, l.Index, l.TxHash.Hex(), err)
		}
	}
	return diff, nil
}

func (ops *StateOps) decodeLog(diff *market.StateDiff, ev abi.Event, l *types.Log) error {
	indexed := 0
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed++
		}
	}
	if len(l.Topics) != indexed+1 {
		return nil
	}
	values, err := ev.Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return err
	}

	switch ev.Name {
	case "Sync":
		diff.Updates = append(diff.Updates, market.PoolUpdate{
			Pool:     l.Address,
			Kind:     market.SetReserves,
			Reserve0: values[0].(*big.Int),
			Reserve1: values[1].(*big.Int),
		})

	case "PairCreated":
		if _, ok := ops.factories[l.Address]; !ok {
			return nil
		}
		diff.Created = append(diff.Created, &market.Pool{
			Address: values[0].(common.Address),
			Variant: market.ConstantProduct,
			Token0:  common.BytesToAddress(l.Topics[1].Bytes()),
			Token1:  common.BytesToAddress(l.Topics[2].Bytes()),
			Factory: l.Address,
			V2: &uniswapv2.PoolState{
				Reserve0: new(big.Int),
				Reserve1: new(big.Int),
				FeeBps:   ops.v2FeeBps,
			},
		})

	case "Swap":
		diff.Updates = append(diff.Updates, market.PoolUpdate{
			Pool:         l.Address,
			Kind:         market.SetSlot0,
			SqrtPriceX96: values[2].(*big.Int),
			Liquidity:    values[3].(*big.Int),
			Tick:         int32(values[4].(*big.Int).Int64()),
		})

	case "Mint", "Burn":
		var delta *big.Int
		if ev.Name == "Mint" {
			delta = new(big.Int).Set(values[1].(*big.Int))
		} else {
			delta = new(big.Int).Neg(values[0].(*big.Int))
		}
		diff.Updates = append(diff.Updates, market.PoolUpdate{
			Pool:           l.Address,
			Kind:           market.ModifyLiquidity,
			TickLower:      int32(topicInt(l.Topics[len(l.Topics)-2]).Int64()),
			TickUpper:      int32(topicInt(l.Topics[len(l.Topics)-1]).Int64()),
			LiquidityDelta: delta,
		})

	case "TokenExchange":
		diff.Updates = append(diff.Updates, market.PoolUpdate{
			Pool:         l.Address,
			Kind:         market.ExchangeBalances,
			SoldID:       int(values[0].(*big.Int).Int64()),
			AmountSold:   values[1].(*big.Int),
			BoughtID:     int(values[2].(*big.Int).Int64()),
			AmountBought: values[3].(*big.Int),
		})
	}
	ops.metrics.LogsDecoded.WithLabelValues(ev.Name).Inc()
	return nil
}

// topicInt reads a two's-complement signed integer from an indexed topic.
func topicInt(h common.Hash) *big.Int {
	v := new(big.Int).SetBytes(h.Bytes())
	if h[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return v
}

// DecodePending decodes a pending router swap and returns its effect on
// the pairs of the router's factory in snap. It reports false for anything
// that is not an exact-input router swap over tracked pools, or that would
// revert on its own minimum output. A pool crossed more than once is
// reported once, with its final reserves.
func (ops *StateOps) DecodePending(tx *types.Transaction, snap *market.Snapshot) (market.StateDiff, bool) {
	if tx.To() == nil || len(tx.Data()) < 4 {
		return market.StateDiff{}, false
	}
	factory, ok := ops.routers[*tx.To()]
	if !ok {
		return market.StateDiff{}, false
	}
	method, err := ops.router.MethodById(tx.Data()[:4])
	if err != nil {
		ops.metrics.PendingDecoded.WithLabelValues("unknown_method").Inc()
		return market.StateDiff{}, false
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		ops.metrics.PendingDecoded.WithLabelValues("malformed").Inc()
		return market.StateDiff{}, false
	}

	var (
		amountIn, minOut *big.Int
		path             []common.Address
	)
	switch method.Name {
	case "swapExactETHForTokens":
		amountIn, minOut, path = tx.Value(), args[0].(*big.Int), args[1].([]common.Address)
	default:
		amountIn, minOut, path = args[0].(*big.Int), args[1].(*big.Int), args[2].([]common.Address)
	}
	if len(path) < 2 || amountIn == nil || amountIn.Sign() <= 0 {
		ops.metrics.PendingDecoded.WithLabelValues("malformed").Inc()
		return market.StateDiff{}, false
	}

	var (
		forked  = make(map[common.Address]*market.Pool, len(path)-1)
		touched []*market.Pool
	)
	amount := new(big.Int).Set(amountIn)
	for i := 0; i+1 < len(path); i++ {
		pool := pairFor(snap, factory, path[i], path[i+1])
		if pool == nil {
			ops.metrics.PendingDecoded.WithLabelValues("untracked").Inc()
			return market.StateDiff{}, false
		}
		p, ok := forked[pool.Address]
		if !ok {
			p = pool.Clone()
			forked[p.Address] = p
			touched = append(touched, p)
		}
		out, _, err := p.Swap(path[i], amount)
		if err != nil {
			ops.metrics.PendingDecoded.WithLabelValues("unpriceable").Inc()
			return market.StateDiff{}, false
		}
		amount = out
	}
	if amount.Cmp(minOut) < 0 {
		ops.metrics.PendingDecoded.WithLabelValues("would_revert").Inc()
		return market.StateDiff{}, false
	}

	var diff market.StateDiff
	for _, p := range touched {
		diff.Updates = append(diff.Updates, market.PoolUpdate{
			Pool:     p.Address,
			Kind:     market.SetReserves,
			Reserve0: p.V2.Reserve0,
			Reserve1: p.V2.Reserve1,
		})
	}
	ops.metrics.PendingDecoded.WithLabelValues("ok").Inc()
	ops.logger.Debug("pending swap decoded", "tx", tx.Hash(), "method", method.Name, "hops", len(path)-1, "pools", len(touched))
	return diff, true
}

// pairFor returns the constant-product pool of factory trading a for b,
// the deepest one if the factory somehow has several.
func pairFor(snap *market.Snapshot, factory, a, b common.Address) *market.Pool {
	var best *market.Pool
	for _, p := range snap.Pools() {
		if p.Variant != market.ConstantProduct || p.Factory != factory || !p.HasToken(a) || !p.HasToken(b) {
			continue
		}
		if best == nil || p.Depth(a).Cmp(best.Depth(a)) > 0 {
			best = p
		}
	}
	return best
}
