package search

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/poolregistry"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/uniswapv2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultBaseGas covers the intrinsic cost and the multicaller overhead.
	DefaultBaseGas  = 50_000
	DefaultMaxHops  = 3
	DefaultMaxPaths = 2_000
	DefaultTopK     = 5
	DefaultTTL      = 6 * time.Second
)

var (
	ErrDeadlineExceeded = errors.New("search: deadline exceeded")
	ErrNoGasQuote       = errors.New("search: no pool to price gas in base token")
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// PathSource enumerates topology paths.
type PathSource interface {
	PathsBetween(a, b common.Address, maxHops int, liquidity poolregistry.LiquidityFunc) (*poolregistry.PathIterator, error)
}

// Config configures an Engine.
type Config struct {
	Topology PathSource
	// BaseTokens are the tokens cycles start and end in.
	BaseTokens []common.Address
	// NativeToken is the wrapped native token gas is paid in.
	NativeToken common.Address
	// MinProfit is the minimum net profit per base token; absent means any
	// positive profit.
	MinProfit map[common.Address]*big.Int
	// MaxInput caps the trade size per base token.
	MaxInput    map[common.Address]*big.Int
	MaxHops     int
	MaxPaths    int
	TopK        int
	BaseGas     uint64
	PriorityFee *big.Int
	TieBreak    TieBreak
	// TTL is how long an opportunity stays valid after it is found.
	TTL           time.Duration
	Now           func() time.Time
	Logger        Logger
	PrometheusReg prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Topology == nil {
		return errors.New("config: Topology is required")
	}
	if len(c.BaseTokens) == 0 {
		return errors.New("config: BaseTokens is required")
	}
	if c.NativeToken == (common.Address{}) {
		return errors.New("config: NativeToken is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.PrometheusReg == nil {
		return errors.New("config: PrometheusReg is required")
	}
	if _, err := ParseTieBreak(string(c.TieBreak)); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Engine finds profitable cycles in market snapshots.
type Engine struct {
	topology    PathSource
	baseTokens  []common.Address
	nativeToken common.Address
	minProfit   map[common.Address]*big.Int
	maxInput    map[common.Address]*big.Int
	maxHops     int
	maxPaths    int
	topK        int
	baseGas     uint64
	priorityFee *big.Int
	tieBreak    TieBreak
	ttl         time.Duration
	now         func() time.Time

	logger  Logger
	metrics *Metrics
}

// NewEngine creates a search Engine.
func NewEngine(cfg *Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	tieBreak, _ := ParseTieBreak(string(cfg.TieBreak))
	e := &Engine{
		topology:    cfg.Topology,
		baseTokens:  cfg.BaseTokens,
		nativeToken: cfg.NativeToken,
		minProfit:   cfg.MinProfit,
		maxInput:    cfg.MaxInput,
		maxHops:     orDefault(cfg.MaxHops, DefaultMaxHops),
		maxPaths:    orDefault(cfg.MaxPaths, DefaultMaxPaths),
		topK:        orDefault(cfg.TopK, DefaultTopK),
		baseGas:     cfg.BaseGas,
		priorityFee: new(big.Int),
		tieBreak:    tieBreak,
		ttl:         cfg.TTL,
		now:         cfg.Now,
		logger:      cfg.Logger,
		metrics:     NewMetrics(cfg.PrometheusReg),
	}
	if e.baseGas == 0 {
		e.baseGas = DefaultBaseGas
	}
	if cfg.PriorityFee != nil {
		e.priorityFee.Set(cfg.PriorityFee)
	}
	if e.ttl == 0 {
		e.ttl = DefaultTTL
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// GasPrice is the effective price the engine prices gas at for snap.
func (e *Engine) GasPrice(snap *market.Snapshot) *big.Int {
	return new(big.Int).Add(snap.BaseFee(), e.priorityFee)
}

// Search prices every cycle through each base token on snap and returns the
// best opportunities. With a backrun, the pending effect is applied first
// and only cycles through an affected pool are considered. If ctx ends
// before the search completes the results are discarded.
func (e *Engine) Search(ctx context.Context, snap *market.Snapshot, backrun *Backrun) ([]Opportunity, error) {
	mode := "block"
	if backrun != nil {
		mode = "backrun"
	}
	timer := prometheus.NewTimer(e.metrics.SearchDuration.WithLabelValues(mode))
	defer timer.ObserveDuration()

	world := snap
	var touched map[common.Address]struct{}
	if backrun != nil {
		next, _, err := snap.Apply(backrun.Effect, snap.Block(), nil)
		if err != nil {
			return nil, fmt.Errorf("applying backrun effect: %w", err)
		}
		world = next
		touched = backrun.Effect.Touches()
		if len(touched) == 0 {
			return nil, nil
		}
	}

	sctx := Context{Block: snap.Block(), Epoch: snap.Epoch(), TargetTx: backrun.Hash()}
	gasPrice := e.GasPrice(snap)
	deadline := e.now().Add(e.ttl)

	var found []Opportunity
	evaluated := 0
	for _, base := range e.baseTokens {
		if err := ctx.Err(); err != nil {
			e.metrics.DeadlineExceeded.WithLabelValues(mode).Inc()
			return nil, fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
		}

		it, err := e.topology.PathsBetween(base, base, e.maxHops, world.Liquidity)
		if err != nil {
			e.logger.Warn("Skipping base token", "token", base, "error", err)
			continue
		}
		for n := 0; n < e.maxPaths; n++ {
			path, ok := it.Next()
			if !ok {
				break
			}
			if touched != nil && !path.Touches(touched) {
				continue
			}
			if n%64 == 0 && ctx.Err() != nil {
				break
			}
			evaluated++
			opp, ok := e.evaluate(world, base, path, gasPrice)
			if !ok {
				continue
			}
			opp.Context = sctx
			opp.Backrun = backrun
			opp.Deadline = deadline
			opp.ID = opportunityID(sctx, opp.Hops, opp.AmountIn)
			found = append(found, opp)
		}
	}
	e.metrics.PathsEvaluated.WithLabelValues(mode).Add(float64(evaluated))

	if err := ctx.Err(); err != nil {
		e.metrics.DeadlineExceeded.WithLabelValues(mode).Inc()
		return nil, fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
	}

	ranked := Rank(found, e.tieBreak, e.topK)
	e.metrics.Opportunities.WithLabelValues(mode).Add(float64(len(ranked)))
	if len(ranked) > 0 {
		best, _ := new(big.Float).SetInt(ranked[0].Profit).Float64()
		e.metrics.BestProfit.WithLabelValues(ranked[0].TokenIn.Hex()).Set(best)
	}
	e.logger.Debug("Search complete",
		"mode", mode,
		"block", snap.Block().Number,
		"paths", evaluated,
		"found", len(found),
		"emitted", len(ranked),
	)
	return ranked, nil
}

// evaluate finds the most profitable input for path and prices it net of
// gas. It reports false when no input is profitable enough.
func (e *Engine) evaluate(world *market.Snapshot, base common.Address, path poolregistry.Path, gasPrice *big.Int) (Opportunity, bool) {
	q, ok := newQuoter(world, path)
	if !ok {
		return Opportunity{}, false
	}

	hi := q.pools[0].Depth(base)
	if limit, ok := e.maxInput[base]; ok && limit != nil && limit.Cmp(hi) < 0 {
		hi = new(big.Int).Set(limit)
	}
	if hi.Cmp(big.NewInt(3)) < 0 {
		return Opportunity{}, false
	}

	amountIn := q.closedForm()
	if amountIn == nil {
		amountIn = q.optimize(big.NewInt(1), hi)
	} else if amountIn.Cmp(hi) > 0 {
		amountIn = hi
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return Opportunity{}, false
	}

	hops, amountOut, hopGas, err := q.run(amountIn)
	if err != nil {
		return Opportunity{}, false
	}
	gross := new(big.Int).Sub(amountOut, amountIn)
	if gross.Sign() <= 0 {
		return Opportunity{}, false
	}

	gas := e.baseGas + hopGas
	gasCost, err := e.gasCostIn(world, base, new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice))
	if err != nil {
		return Opportunity{}, false
	}
	profit := gross.Sub(gross, gasCost)
	if profit.Sign() <= 0 {
		return Opportunity{}, false
	}
	if floor, ok := e.minProfit[base]; ok && floor != nil && profit.Cmp(floor) < 0 {
		return Opportunity{}, false
	}

	return Opportunity{
		Hops:      hops,
		TokenIn:   base,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		Gas:       gas,
		GasCost:   gasCost,
		Profit:    profit,
		Liquidity: path.Liquidity,
	}, true
}

// gasCostIn converts a wei amount into base token units through the
// deepest direct pool between the native token and base.
func (e *Engine) gasCostIn(world *market.Snapshot, base common.Address, wei *big.Int) (*big.Int, error) {
	if base == e.nativeToken || wei.Sign() == 0 {
		return wei, nil
	}
	it, err := e.topology.PathsBetween(e.nativeToken, base, 1, world.Liquidity)
	if err != nil {
		return nil, err
	}
	for {
		path, ok := it.Next()
		if !ok {
			return nil, ErrNoGasQuote
		}
		p, ok := world.Pool(path.Hops[0].Pool)
		if !ok {
			continue
		}
		out, _, err := p.AmountOut(e.nativeToken, wei)
		if err != nil {
			continue
		}
		return out, nil
	}
}

// quoter prices a fixed path against a snapshot. Paths never repeat a
// pool, so chaining read-only quotes is exact.
type quoter struct {
	hops  []poolregistry.Hop
	pools []*market.Pool
}

func newQuoter(world *market.Snapshot, path poolregistry.Path) (*quoter, bool) {
	q := &quoter{hops: path.Hops, pools: make([]*market.Pool, len(path.Hops))}
	for i, h := range path.Hops {
		p, ok := world.Pool(h.Pool)
		if !ok || p.Empty() {
			return nil, false
		}
		q.pools[i] = p
	}
	return q, true
}

func (q *quoter) run(amountIn *big.Int) ([]Hop, *big.Int, uint64, error) {
	hops := make([]Hop, len(q.hops))
	amount := amountIn
	var gas uint64
	for i, h := range q.hops {
		out, hopGas, err := q.pools[i].AmountOut(h.TokenIn, amount)
		if err != nil {
			return nil, nil, 0, err
		}
		hops[i] = Hop{
			Pool:       h.Pool,
			Variant:    h.Variant,
			TokenIn:    h.TokenIn,
			TokenOut:   h.TokenOut,
			ZeroForOne: h.TokenIn == q.pools[i].Token0,
			AmountIn:   amount,
			AmountOut:  out,
			Gas:        hopGas,
		}
		gas += hopGas
		amount = out
	}
	return hops, amount, gas, nil
}

// gross returns output minus input, or nil when the path cannot fill x.
func (q *quoter) gross(x *big.Int) *big.Int {
	amount := x
	for i, h := range q.hops {
		out, _, err := q.pools[i].AmountOut(h.TokenIn, amount)
		if err != nil {
			return nil
		}
		amount = out
	}
	return new(big.Int).Sub(amount, x)
}

// closedForm solves two-hop constant-product cycles exactly. It returns nil
// for other shapes or when the cycle has no profitable input.
func (q *quoter) closedForm() *big.Int {
	if len(q.hops) != 2 {
		return nil
	}
	for _, p := range q.pools {
		if p.Variant != market.ConstantProduct {
			return nil
		}
	}
	rIn1, rOut1 := q.pools[0].V2.Reserves(q.hops[0].TokenIn == q.pools[0].Token0)
	rIn2, rOut2 := q.pools[1].V2.Reserves(q.hops[1].TokenIn == q.pools[1].Token0)
	x := uniswapv2.OptimalCycleInput(rIn1, rOut1, q.pools[0].V2.FeeBps, rIn2, rOut2, q.pools[1].V2.FeeBps)
	if x == nil || x.Sign() <= 0 {
		return nil
	}
	// Integer rounding can move the optimum by a unit either side.
	best, bestGross := x, q.gross(x)
	for _, d := range []int64{-1, 1} {
		c := new(big.Int).Add(x, big.NewInt(d))
		if c.Sign() <= 0 {
			continue
		}
		if g := q.gross(c); better(g, bestGross) {
			best, bestGross = c, g
		}
	}
	return best
}

// optimize runs a ternary search for the input maximizing gross profit on
// [lo, hi]. The profit curve of a cycle is unimodal in its input.
func (q *quoter) optimize(lo, hi *big.Int) *big.Int {
	lo, hi = new(big.Int).Set(lo), new(big.Int).Set(hi)
	three := big.NewInt(3)
	third := new(big.Int)
	for new(big.Int).Sub(hi, lo).Cmp(three) > 0 {
		third.Sub(hi, lo)
		third.Quo(third, three)
		m1 := new(big.Int).Add(lo, third)
		m2 := new(big.Int).Sub(hi, third)
		if better(q.gross(m2), q.gross(m1)) {
			lo = m1
		} else {
			hi = m2
		}
	}

	var best, bestGross *big.Int
	for x := new(big.Int).Set(lo); x.Cmp(hi) <= 0; x = new(big.Int).Add(x, big.NewInt(1)) {
		if g := q.gross(x); best == nil || better(g, bestGross) {
			best, bestGross = x, g
		}
	}
	if bestGross == nil || bestGross.Sign() <= 0 {
		return nil
	}
	return best
}

// better compares gross profits; nil means the input could not be filled.
func better(a, b *big.Int) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.Cmp(b) > 0
	}
}
