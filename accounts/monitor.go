// Package accounts tracks the signing account's nonce and balance.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ChainReader is the subset of ethclient.Client the monitor reads.
type ChainReader interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Config configures a Monitor.
type Config struct {
	Client        ChainReader
	Account       common.Address
	Logger        Logger
	PrometheusReg prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Client == nil {
		return errors.New("config: Client is required")
	}
	if c.Account == (common.Address{}) {
		return errors.New("config: Account is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.PrometheusReg == nil {
		return errors.New("config: PrometheusReg is required")
	}
	return nil
}

// Metrics holds all the Prometheus metrics for the monitor.
type Metrics struct {
	Nonce       prometheus.Gauge
	BalanceWei  prometheus.Gauge
	ErrorsTotal prometheus.Counter
}

// NewMetrics creates and registers the monitor metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Nonce: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signer_nonce",
			Help: "Next nonce the signer will use.",
		}),
		BalanceWei: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signer_balance_wei",
			Help: "Native balance of the signer at the last refreshed block.",
		}),
		ErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signer_refresh_errors_total",
			Help: "Failed nonce or balance reads.",
		}),
	}
	reg.MustRegister(m.Nonce, m.BalanceWei, m.ErrorsTotal)
	return m
}

// Monitor holds the next usable nonce and the last known balance. The nonce
// only moves forward: chain reads never lower a locally advanced value.
type Monitor struct {
	client  ChainReader
	account common.Address

	mu      sync.RWMutex
	nonce   uint64
	balance *big.Int
	block   uint64

	logger  Logger
	metrics *Metrics
}

// NewMonitor creates a Monitor. Call Refresh before relying on Nonce.
func NewMonitor(cfg *Config) (*Monitor, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Monitor{
		client:  cfg.Client,
		account: cfg.Account,
		balance: new(big.Int),
		logger:  cfg.Logger,
		metrics: NewMetrics(cfg.PrometheusReg),
	}, nil
}

// Address returns the monitored account.
func (m *Monitor) Address() common.Address { return m.account }

// Refresh reads nonce and balance at block number. Reads for blocks older
// than the last refresh are ignored.
func (m *Monitor) Refresh(ctx context.Context, number uint64) error {
	at := new(big.Int).SetUint64(number)
	nonce, err := m.client.NonceAt(ctx, m.account, at)
	if err != nil {
		m.metrics.ErrorsTotal.Inc()
		return fmt.Errorf("reading nonce at %d: %w", number, err)
	}
	balance, err := m.client.BalanceAt(ctx, m.account, at)
	if err != nil {
		m.metrics.ErrorsTotal.Inc()
		return fmt.Errorf("reading balance at %d: %w", number, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if number < m.block {
		return nil
	}
	m.block = number
	m.balance = balance
	if nonce > m.nonce {
		m.nonce = nonce
	}
	m.metrics.Nonce.Set(float64(m.nonce))
	bal, _ := new(big.Float).SetInt(balance).Float64()
	m.metrics.BalanceWei.Set(bal)
	m.logger.Debug("signer refreshed", "block", number, "nonce", m.nonce, "balance", balance)
	return nil
}

// Nonce returns the next nonce to sign with.
func (m *Monitor) Nonce() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nonce
}

// Balance returns a copy of the last known balance.
func (m *Monitor) Balance() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.balance)
}

// Block returns the block of the last successful refresh.
func (m *Monitor) Block() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.block
}

// MarkIncluded advances the nonce past one that landed on chain.
func (m *Monitor) MarkIncluded(nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nonce+1 > m.nonce {
		m.nonce = nonce + 1
		m.metrics.Nonce.Set(float64(m.nonce))
	}
}
