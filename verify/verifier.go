// Package verify simulates opportunities before anything is signed. Only
// opportunities that execute cleanly and stay profitable after gas leave
// this package.
package verify

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/multicall"
	"github.com/Iwinswap/iwinswap-mev-engine/search"
	"github.com/ethereum/go-ethereum/common"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultRejectTTL is how long a rejected opportunity ID is remembered.
const DefaultRejectTTL = 2 * time.Minute

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config configures a Verifier.
type Config struct {
	Executor Executor
	// Parity optionally re-runs accepted candidates on a real EVM.
	Parity  Executor
	Encoder *multicall.Encoder
	Sender  common.Address
	// Inventory is the multicaller's balance per base token. A trade larger
	// than the inventory is simulated as if the multicaller held its input.
	Inventory     map[common.Address]*big.Int
	MinProfit     map[common.Address]*big.Int
	RejectTTL     time.Duration
	Now           func() time.Time
	Logger        Logger
	PrometheusReg prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Executor == nil {
		return errors.New("config: Executor is required")
	}
	if c.Encoder == nil {
		return errors.New("config: Encoder is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.PrometheusReg == nil {
		return errors.New("config: PrometheusReg is required")
	}
	return nil
}

// Verified is an opportunity that passed simulation.
type Verified struct {
	Opportunity search.Opportunity
	Result      SimulationResult
	// Inventory is the multicaller TokenIn balance the simulation assumed.
	Inventory *big.Int
}

// Verifier gates opportunities on simulation.
type Verifier struct {
	executor  Executor
	parity    Executor
	encoder   *multicall.Encoder
	sender    common.Address
	inventory map[common.Address]*big.Int
	minProfit map[common.Address]*big.Int
	rejected  *cache.Cache
	now       func() time.Time

	logger  Logger
	metrics *Metrics
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg *Config) (*Verifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	ttl := cfg.RejectTTL
	if ttl <= 0 {
		ttl = DefaultRejectTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		executor:  cfg.Executor,
		parity:    cfg.Parity,
		encoder:   cfg.Encoder,
		sender:    cfg.Sender,
		inventory: cfg.Inventory,
		minProfit: cfg.MinProfit,
		rejected:  cache.New(ttl, ttl),
		now:       now,
		logger:    cfg.Logger,
		metrics:   NewMetrics(cfg.PrometheusReg),
	}, nil
}

// Rejected reports whether id was rejected recently.
func (v *Verifier) Rejected(id common.Hash) bool {
	_, found := v.rejected.Get(id.Hex())
	return found
}

// InventoryFor returns the TokenIn balance the multicaller is assumed to
// hold for opp.
func (v *Verifier) InventoryFor(opp *search.Opportunity) *big.Int {
	inv := new(big.Int).Set(opp.AmountIn)
	if held, ok := v.inventory[opp.TokenIn]; ok && held != nil && held.Cmp(inv) > 0 {
		inv.Set(held)
	}
	return inv
}

// Verify simulates opp on snap, which must be the state opp was computed
// on. It returns a *RejectionError when the candidate reverts or is not
// profitable enough after gas; rejected IDs are never simulated again.
func (v *Verifier) Verify(ctx context.Context, snap *market.Snapshot, opp *search.Opportunity) (*Verified, error) {
	timer := prometheus.NewTimer(v.metrics.VerifyDuration.WithLabelValues())
	defer timer.ObserveDuration()

	if v.Rejected(opp.ID) {
		v.metrics.Verdicts.WithLabelValues(string(ReasonPreviouslyRejected)).Inc()
		return nil, &RejectionError{Opportunity: opp.ID, Reason: ReasonPreviouslyRejected}
	}
	if opp.Stale(snap.Block(), snap.Epoch()) {
		v.metrics.Verdicts.WithLabelValues("stale").Inc()
		return nil, ErrStale
	}
	if err := v.checkDeadline(ctx, opp); err != nil {
		return nil, err
	}

	inventory := v.InventoryFor(opp)
	plan := PlanFor(opp, ExpectedOuts(opp), 0, inventory)
	data, err := v.encoder.Encode(plan)
	if err != nil {
		return nil, v.reject(opp, ReasonReverted, fmt.Sprintf("encoding: %v", err))
	}

	var pre []PreTx
	if opp.Backrun != nil {
		pre = []PreTx{{Tx: opp.Backrun.Tx, Effect: opp.Backrun.Effect}}
	}
	candidate := Candidate{
		From:        v.sender,
		Multicaller: v.encoder.Multicaller(),
		Data:        data,
		TokenIn:     opp.TokenIn,
		AmountIn:    opp.AmountIn,
		Inventory:   map[common.Address]*big.Int{opp.TokenIn: inventory},
	}

	res, err := v.executor.Execute(ctx, snap, pre, candidate)
	if err != nil {
		v.metrics.ErrorsTotal.WithLabelValues("local").Inc()
		return nil, fmt.Errorf("simulating %s: %w", opp.ID.TerminalString(), err)
	}
	if !res.Success {
		return nil, v.reject(opp, ReasonReverted, fmt.Sprintf("call %d: %s", res.FailedCall, res.RevertReason))
	}
	if res.AmountOut.Cmp(opp.AmountIn) <= 0 {
		return nil, v.reject(opp, ReasonInsufficientOut, res.AmountOut.String())
	}

	if v.parity != nil {
		remote, err := v.parity.Execute(ctx, snap, pre, candidate)
		if err != nil {
			v.metrics.ErrorsTotal.WithLabelValues("parity").Inc()
			v.logger.Warn("Parity simulation unavailable", "opportunity", opp.ID, "error", err)
		} else {
			if !remote.Success {
				return nil, v.reject(opp, ReasonParityMismatch, remote.RevertReason)
			}
			if remote.GasUsed > res.GasUsed {
				res.GasUsed = remote.GasUsed
			}
		}
	}

	res.GasCost = scaleGasCost(opp.GasCost, opp.Gas, res.GasUsed)
	res.Profit = new(big.Int).Sub(res.AmountOut, opp.AmountIn)
	res.Profit.Sub(res.Profit, res.GasCost)
	if res.Profit.Sign() <= 0 {
		return nil, v.reject(opp, ReasonBelowThreshold, fmt.Sprintf("profit %s after gas", res.Profit))
	}
	if floor, ok := v.minProfit[opp.TokenIn]; ok && floor != nil && res.Profit.Cmp(floor) < 0 {
		return nil, v.reject(opp, ReasonBelowThreshold, fmt.Sprintf("profit %s below %s", res.Profit, floor))
	}

	if err := v.checkDeadline(ctx, opp); err != nil {
		return nil, err
	}

	v.metrics.Verdicts.WithLabelValues("accepted").Inc()
	v.logger.Debug("Opportunity verified",
		"opportunity", opp.ID,
		"block", opp.Context.Block.Number,
		"gas_used", res.GasUsed,
		"profit", res.Profit,
	)
	return &Verified{Opportunity: *opp, Result: res, Inventory: inventory}, nil
}

func (v *Verifier) checkDeadline(ctx context.Context, opp *search.Opportunity) error {
	if err := ctx.Err(); err != nil {
		v.metrics.Verdicts.WithLabelValues("deadline").Inc()
		return fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
	}
	if opp.Expired(v.now()) {
		v.metrics.Verdicts.WithLabelValues("deadline").Inc()
		return ErrDeadlineExceeded
	}
	return nil
}

func (v *Verifier) reject(opp *search.Opportunity, reason Reason, detail string) error {
	v.rejected.SetDefault(opp.ID.Hex(), reason)
	v.metrics.Verdicts.WithLabelValues(string(reason)).Inc()
	v.logger.Debug("Opportunity rejected", "opportunity", opp.ID, "reason", reason, "detail", detail)
	return &RejectionError{Opportunity: opp.ID, Reason: reason, Detail: detail}
}

// scaleGasCost prices gasUsed at the rate implied by the search estimate.
func scaleGasCost(estimateCost *big.Int, estimateGas, gasUsed uint64) *big.Int {
	if estimateCost == nil || estimateGas == 0 {
		return new(big.Int)
	}
	cost := new(big.Int).Mul(estimateCost, new(big.Int).SetUint64(gasUsed))
	return cost.Quo(cost, new(big.Int).SetUint64(estimateGas))
}
