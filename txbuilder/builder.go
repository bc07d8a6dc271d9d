// Package txbuilder turns verified opportunities into signed bundles.
package txbuilder

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Iwinswap/iwinswap-mev-engine/multicall"
	"github.com/Iwinswap/iwinswap-mev-engine/relay"
	"github.com/Iwinswap/iwinswap-mev-engine/verify"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	bpsDenominator = 10_000

	DefaultGasMarginBps      = 2_000
	DefaultProfitShareBps    = 5_000
	DefaultBaseFeeMultiplier = 2

	simulationGasLimit = 3_000_000
)

var (
	ErrNotVerified        = errors.New("txbuilder: opportunity has no passing simulation")
	ErrFeeNotIncreasing   = errors.New("txbuilder: rebid fee must exceed the current fee")
	ErrFeeCap             = errors.New("txbuilder: fee above the configured maximum")
	ErrInsufficientFunds  = errors.New("txbuilder: signer cannot pay for gas")
	ErrMissingTransaction = errors.New("txbuilder: bundle has no own transaction")
	ErrUnprofitable       = errors.New("txbuilder: fee would exceed the simulated profit")
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Account supplies the signer's next nonce and balance.
type Account interface {
	Nonce() uint64
	Balance() *big.Int
}

// Config configures a Builder.
type Config struct {
	Encoder *multicall.Encoder
	Key     *ecdsa.PrivateKey
	ChainID *big.Int
	Account Account

	// SlippageBps lowers each realized hop output to get its minimum.
	SlippageBps uint16
	// GasMarginBps is added on top of simulated gas for the gas limit.
	GasMarginBps uint16
	// ProfitShareBps of the simulated profit is offered as priority fee.
	ProfitShareBps    uint16
	BasePriorityFee   *big.Int
	MaxPriorityFee    *big.Int
	BaseFeeMultiplier uint64
	// CheckBalance refuses bundles the signer cannot pay for.
	CheckBalance bool

	Now           func() time.Time
	Logger        Logger
	PrometheusReg prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Encoder == nil {
		return errors.New("config: Encoder is required")
	}
	if c.Key == nil {
		return errors.New("config: Key is required")
	}
	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		return errors.New("config: ChainID is required")
	}
	if c.Account == nil {
		return errors.New("config: Account is required")
	}
	if c.BasePriorityFee == nil {
		return errors.New("config: BasePriorityFee is required")
	}
	if c.MaxPriorityFee == nil || c.MaxPriorityFee.Cmp(c.BasePriorityFee) < 0 {
		return errors.New("config: MaxPriorityFee must be at least BasePriorityFee")
	}
	if c.SlippageBps >= bpsDenominator {
		return errors.New("config: SlippageBps must be below 10000")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.PrometheusReg == nil {
		return errors.New("config: PrometheusReg is required")
	}
	return nil
}

// Metrics holds all the Prometheus metrics for the builder.
type Metrics struct {
	Built       *prometheus.CounterVec
	PriorityFee prometheus.Histogram
}

// NewMetrics creates and registers the builder metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Built: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txbuilder_bundles_total",
			Help: "Bundles built or rebid, by kind and result.",
		}, []string{"kind", "result"}),
		PriorityFee: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "txbuilder_priority_fee_gwei",
			Help:    "Priority fee offered per bundle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
	}
	reg.MustRegister(m.Built, m.PriorityFee)
	return m
}

// Builder signs multicall transactions for verified opportunities.
type Builder struct {
	encoder *multicall.Encoder
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer
	chainID *big.Int
	account Account

	slippageBps    uint16
	gasMarginBps   uint16
	profitShareBps uint16
	basePriority   *big.Int
	maxPriority    *big.Int
	baseFeeMul     *big.Int
	checkBalance   bool

	now     func() time.Time
	logger  Logger
	metrics *Metrics
}

// NewBuilder creates a Builder.
func NewBuilder(cfg *Config) (*Builder, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	mul := cfg.BaseFeeMultiplier
	if mul == 0 {
		mul = DefaultBaseFeeMultiplier
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Builder{
		encoder:        cfg.Encoder,
		key:            cfg.Key,
		from:           crypto.PubkeyToAddress(cfg.Key.PublicKey),
		signer:         types.LatestSignerForChainID(cfg.ChainID),
		chainID:        new(big.Int).Set(cfg.ChainID),
		account:        cfg.Account,
		slippageBps:    cfg.SlippageBps,
		gasMarginBps:   cfg.GasMarginBps,
		profitShareBps: cfg.ProfitShareBps,
		basePriority:   new(big.Int).Set(cfg.BasePriorityFee),
		maxPriority:    new(big.Int).Set(cfg.MaxPriorityFee),
		baseFeeMul:     new(big.Int).SetUint64(mul),
		checkBalance:   cfg.CheckBalance,
		now:            now,
		logger:         cfg.Logger,
		metrics:        NewMetrics(cfg.PrometheusReg),
	}, nil
}

// From returns the signing address.
func (b *Builder) From() common.Address { return b.from }

// Build signs the multicall for v and wraps it in a bundle for the block
// after the one v was found on. baseFee is the fee of that block.
func (b *Builder) Build(ctx context.Context, v *verify.Verified, baseFee *big.Int) (*relay.Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v == nil || !v.Result.Success || v.Result.Profit == nil || v.Result.Profit.Sign() <= 0 ||
		len(v.Result.HopAmounts) != len(v.Opportunity.Hops) {
		b.metrics.Built.WithLabelValues("build", "unverified").Inc()
		return nil, ErrNotVerified
	}
	opp := &v.Opportunity
	if opp.Expired(b.now()) {
		b.metrics.Built.WithLabelValues("build", "expired").Inc()
		return nil, verify.ErrDeadlineExceeded
	}

	plan := verify.PlanFor(opp, v.Result.HopAmounts, b.slippageBps, v.Inventory)
	data, err := b.encoder.Encode(plan)
	if err != nil {
		b.metrics.Built.WithLabelValues("build", "error").Inc()
		return nil, fmt.Errorf("encoding plan: %w", err)
	}

	gasLimit := v.Result.GasUsed + v.Result.GasUsed*uint64(b.gasMarginBps)/bpsDenominator
	tip := b.PriorityFee(v.Result, baseFee)
	breakEven := b.BreakEvenFee(v.Result, baseFee)
	if breakEven != nil && tip.Cmp(breakEven) > 0 {
		b.metrics.Built.WithLabelValues("build", "unprofitable").Inc()
		return nil, ErrUnprofitable
	}
	feeCap := b.maxFee(baseFee, tip)

	if b.checkBalance {
		need := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(gasLimit))
		if b.account.Balance().Cmp(need) < 0 {
			b.metrics.Built.WithLabelValues("build", "insufficient_funds").Inc()
			return nil, ErrInsufficientFunds
		}
	}

	tx, err := b.sign(b.account.Nonce(), gasLimit, tip, feeCap, data)
	if err != nil {
		b.metrics.Built.WithLabelValues("build", "error").Inc()
		return nil, err
	}

	bundle := &relay.Bundle{
		ID:          uuid.New(),
		TargetBlock: opp.Context.Block.Number + 1,
		Deadline:    opp.Deadline,
		PriorityFee: uint256.MustFromBig(tip),
		MaxFee:      uint256.MustFromBig(feeCap),
		State:       relay.StateBuilt,
		Opportunity: *opp,
		Simulation:  v.Result,
		CreatedAt:   b.now(),
	}
	if breakEven != nil {
		bundle.BreakEvenFee = uint256.MustFromBig(breakEven)
	}
	if opp.Backrun != nil && opp.Backrun.Tx != nil {
		bundle.Txs = append(bundle.Txs, opp.Backrun.Tx)
	}
	bundle.Txs = append(bundle.Txs, tx)

	b.metrics.Built.WithLabelValues("build", "ok").Inc()
	b.observeTip(tip)
	b.logger.Debug("bundle built",
		"bundle", bundle.ID,
		"opportunity", opp.ID,
		"target", bundle.TargetBlock,
		"nonce", tx.Nonce(),
		"gas_limit", gasLimit,
		"priority_fee", tip,
	)
	return bundle, nil
}

// Rebid re-signs the own transaction of bundle with priority fee fee. The
// call data, nonce and gas limit are unchanged; the returned bundle keeps
// the ID and counts one more attempt. A fee above the bundle's break-even
// fee is lowered to it; ErrUnprofitable is returned once the bundle already
// bids at break-even.
func (b *Builder) Rebid(ctx context.Context, bundle *relay.Bundle, fee *uint256.Int) (*relay.Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	own := bundle.Own()
	if own == nil {
		return nil, ErrMissingTransaction
	}
	if bundle.PriorityFee != nil && fee.Cmp(bundle.PriorityFee) <= 0 {
		b.metrics.Built.WithLabelValues("rebid", "not_increasing").Inc()
		return nil, ErrFeeNotIncreasing
	}
	tip := fee.ToBig()
	if tip.Cmp(b.maxPriority) > 0 {
		b.metrics.Built.WithLabelValues("rebid", "capped").Inc()
		return nil, ErrFeeCap
	}
	if ceiling := bundle.BreakEvenFee; ceiling != nil && fee.Cmp(ceiling) > 0 {
		if bundle.PriorityFee != nil && bundle.PriorityFee.Cmp(ceiling) >= 0 {
			b.metrics.Built.WithLabelValues("rebid", "unprofitable").Inc()
			return nil, ErrUnprofitable
		}
		fee = ceiling
		tip = ceiling.ToBig()
	}

	// Keep the base fee headroom of the previous fee cap.
	headroom := new(big.Int).Sub(own.GasFeeCap(), own.GasTipCap())
	if headroom.Sign() < 0 {
		headroom.SetUint64(0)
	}
	feeCap := new(big.Int).Add(headroom, tip)

	tx, err := b.sign(own.Nonce(), own.Gas(), tip, feeCap, own.Data())
	if err != nil {
		b.metrics.Built.WithLabelValues("rebid", "error").Inc()
		return nil, err
	}

	next := *bundle
	next.Txs = append(append([]*types.Transaction(nil), bundle.Txs[:len(bundle.Txs)-1]...), tx)
	next.PriorityFee = fee.Clone()
	next.MaxFee = uint256.MustFromBig(feeCap)
	next.Attempt = bundle.Attempt + 1
	next.State = relay.StateBuilt

	b.metrics.Built.WithLabelValues("rebid", "ok").Inc()
	b.observeTip(tip)
	b.logger.Debug("bundle rebid", "bundle", next.ID, "attempt", next.Attempt, "priority_fee", tip)
	return &next, nil
}

// SignCandidate signs a simulation candidate at the current nonce with a
// generous gas limit and the base priority fee. The result is only meant
// for eth_callBundle and is never submitted.
func (b *Builder) SignCandidate(ctx context.Context, c verify.Candidate) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Multicaller != b.encoder.Multicaller() {
		return nil, fmt.Errorf("candidate targets %s, builder signs for %s", c.Multicaller.Hex(), b.encoder.Multicaller().Hex())
	}
	feeCap := new(big.Int).Add(b.maxPriority, b.basePriority)
	return b.sign(b.account.Nonce(), simulationGasLimit, b.basePriority, feeCap, c.Data)
}

// MaxPriorityFee returns the configured cap.
func (b *Builder) MaxPriorityFee() *uint256.Int { return uint256.MustFromBig(b.maxPriority) }

// PriorityFee is the larger of the base priority fee and the configured
// share of profit per gas, capped by the maximum. Profit is in TokenIn
// units; the simulation's gas cost gives the exchange rate to wei at a gas
// price of baseFee plus the base priority fee.
func (b *Builder) PriorityFee(res verify.SimulationResult, baseFee *big.Int) *big.Int {
	tip := new(big.Int).Set(b.basePriority)
	if !gasPriced(res) {
		return tip
	}
	price := b.gasPrice(baseFee)
	share := new(big.Int).Mul(res.Profit, big.NewInt(int64(b.profitShareBps)))
	share.Mul(share, price)
	share.Quo(share, res.GasCost)
	share.Quo(share, big.NewInt(bpsDenominator))
	if share.Cmp(tip) > 0 {
		tip = share
	}
	if tip.Cmp(b.maxPriority) > 0 {
		tip.Set(b.maxPriority)
	}
	return tip
}

// BreakEvenFee is the priority fee at which paying for res.GasUsed at
// baseFee consumes the whole gross profit (Profit plus GasCost) converted to
// wei at the rate PriorityFee uses. It returns nil when gas was not priced.
func (b *Builder) BreakEvenFee(res verify.SimulationResult, baseFee *big.Int) *big.Int {
	if !gasPriced(res) {
		return nil
	}
	gross := new(big.Int).Add(res.Profit, res.GasCost)
	perGas := gross.Mul(gross, b.gasPrice(baseFee))
	perGas.Quo(perGas, res.GasCost)
	if baseFee != nil {
		perGas.Sub(perGas, baseFee)
	}
	if perGas.Sign() < 0 {
		perGas.SetUint64(0)
	}
	return perGas
}

func gasPriced(res verify.SimulationResult) bool {
	return res.Profit != nil && res.GasCost != nil && res.GasCost.Sign() > 0 && res.GasUsed > 0
}

func (b *Builder) gasPrice(baseFee *big.Int) *big.Int {
	price := new(big.Int).Set(b.basePriority)
	if baseFee != nil {
		price.Add(price, baseFee)
	}
	return price
}

func (b *Builder) maxFee(baseFee, tip *big.Int) *big.Int {
	fee := new(big.Int).Set(tip)
	if baseFee != nil {
		fee.Add(fee, new(big.Int).Mul(baseFee, b.baseFeeMul))
	}
	return fee
}

func (b *Builder) sign(nonce, gas uint64, tip, feeCap *big.Int, data []byte) (*types.Transaction, error) {
	to := b.encoder.Multicaller()
	tx, err := types.SignNewTx(b.key, b.signer, &types.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     nonce,
		GasTipCap: new(big.Int).Set(tip),
		GasFeeCap: new(big.Int).Set(feeCap),
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}
	return tx, nil
}

func (b *Builder) observeTip(tip *big.Int) {
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(tip), big.NewFloat(1e9)).Float64()
	b.metrics.PriorityFee.Observe(gwei)
}
