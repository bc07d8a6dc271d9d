// Package client follows an EVM node over JSON-RPC and turns its head and
// pending-transaction subscriptions into ordered chain events.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/pkg/mailbox"
	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
)

// Constants for reconnection logic
const (
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second

	DefaultRollbackWindow = 64
	DefaultPendingBuffer  = 4096

	pendingSubscriptionMethod = "newPendingTransactions"
)

var errSubscriptionClosed = errors.New("head subscription closed")

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Conn is one live node connection.
type Conn interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (goethereum.Subscription, error)
	SubscribePendingTransactions(ctx context.Context, ch chan<- *types.Transaction) (goethereum.Subscription, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error)
	FilterLogs(ctx context.Context, q goethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// DialFunc opens a Conn.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// LogDecoder turns a block's pool logs into a state diff.
type LogDecoder interface {
	FilterQuery(blockHash common.Hash) goethereum.FilterQuery
	DecodeLogs(logs []types.Log) (market.StateDiff, error)
}

type rpcConn struct {
	*ethclient.Client
	rpc *rpc.Client
}

// DialRPC connects to a node with go-ethereum's rpc client.
func DialRPC(ctx context.Context, url string) (Conn, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &rpcConn{Client: ethclient.NewClient(rc), rpc: rc}, nil
}

func (c *rpcConn) SubscribePendingTransactions(ctx context.Context, ch chan<- *types.Transaction) (goethereum.Subscription, error) {
	return c.rpc.EthSubscribe(ctx, ch, pendingSubscriptionMethod, true)
}

// Config holds the configuration for the client.
type Config struct {
	URL     string
	Dial    DialFunc
	Decoder LogDecoder
	// RollbackWindow bounds how far back a reorg is resolved; deeper
	// reorgs are reported with an ancestor the consumer cannot match.
	RollbackWindow   int
	BufferSize       uint
	PendingBuffer    int
	SubscribePending bool

	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration

	Logger        Logger
	PrometheusReg prometheus.Registerer
}

// validate checks if the configuration is valid.
func (c *Config) validate() error {
	if c.URL == "" {
		return errors.New("config: URL is required")
	}
	if c.Decoder == nil {
		return errors.New("config: Decoder is required")
	}
	if c.BufferSize < 1 {
		return errors.New("config: BufferSize must be greater than 0")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.PrometheusReg == nil {
		return errors.New("config: PrometheusReg is required")
	}
	return nil
}

// Metrics holds all the Prometheus metrics for the feed.
type Metrics struct {
	Heads          prometheus.Counter
	DuplicateHeads prometheus.Counter
	Reorgs         prometheus.Counter
	Reconnects     prometheus.Counter
	Pending        prometheus.Counter
	PendingDropped prometheus.Counter
	BlockFetch     prometheus.Histogram
}

// NewMetrics creates and registers the feed metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Heads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_heads_total",
			Help: "Block headers emitted as NewBlock events.",
		}),
		DuplicateHeads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_duplicate_heads_total",
			Help: "Headers received again after being emitted.",
		}),
		Reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_reorgs_total",
			Help: "Reorgs detected from parent hash mismatches.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_reconnects_total",
			Help: "Connection or subscription failures followed by a retry.",
		}),
		Pending: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_pending_transactions_total",
			Help: "Pending transactions received.",
		}),
		PendingDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_pending_dropped_total",
			Help: "Pending transactions evicted before being consumed.",
		}),
		BlockFetch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feed_block_fetch_seconds",
			Help:    "Time to fetch logs and transactions of one block.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	reg.MustRegister(m.Heads, m.DuplicateHeads, m.Reorgs, m.Reconnects, m.Pending, m.PendingDropped, m.BlockFetch)
	return m
}

// Client manages the node connection and emits chain events.
type Client struct {
	dial             DialFunc
	decoder          LogDecoder
	window           int
	subscribePending bool
	initialDelay     time.Duration
	maxDelay         time.Duration

	// recent maps the block numbers lowest..head to emitted hashes.
	recent map[uint64]common.Hash
	lowest uint64
	head   market.BlockRef

	events  *mailbox.FIFO[market.ChainEvent]
	pending *mailbox.DropOldest[market.PendingTransaction]
	logger  Logger
	metrics *Metrics
}

// NewClient creates a new client and starts the connection and subscription manager.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	client := &Client{
		dial:             cfg.Dial,
		decoder:          cfg.Decoder,
		window:           cfg.RollbackWindow,
		subscribePending: cfg.SubscribePending,
		initialDelay:     cfg.InitialReconnectDelay,
		maxDelay:         cfg.MaxReconnectDelay,
		recent:           make(map[uint64]common.Hash),
		events:           mailbox.NewFIFO[market.ChainEvent](int(cfg.BufferSize)),
		logger:           cfg.Logger,
		metrics:          NewMetrics(cfg.PrometheusReg),
	}
	if client.dial == nil {
		client.dial = DialRPC
	}
	if client.window <= 0 {
		client.window = DefaultRollbackWindow
	}
	if client.initialDelay <= 0 {
		client.initialDelay = initialReconnectDelay
	}
	if client.maxDelay < client.initialDelay {
		client.maxDelay = max(maxReconnectDelay, client.initialDelay)
	}
	pendingBuf := cfg.PendingBuffer
	if pendingBuf <= 0 {
		pendingBuf = DefaultPendingBuffer
	}
	client.pending = mailbox.NewDropOldest[market.PendingTransaction](pendingBuf)

	go client.run(ctx, cfg.URL)
	return client, nil
}

// Events delivers NewBlock and Reorg events in chain order. It is closed
// when the client stops.
func (c *Client) Events() *mailbox.FIFO[market.ChainEvent] {
	return c.events
}

// Pending delivers mempool transactions, dropping the oldest when full.
func (c *Client) Pending() *mailbox.DropOldest[market.PendingTransaction] {
	return c.pending
}

// run handles the entire lifecycle of the client, including reconnection.
func (c *Client) run(ctx context.Context, url string) {
	defer c.events.Close()
	defer c.pending.Close()
	reconnectDelay := c.initialDelay

	for {
		if ctx.Err() != nil {
			c.logger.Info("Client context canceled, shutting down.")
			return
		}

		c.logger.Info("Attempting to connect to RPC server", "url", url)
		conn, err := c.dial(ctx, url)
		if err != nil {
			c.metrics.Reconnects.Inc()
			c.logger.Error("Failed to connect to RPC server, will retry...", "error", err, "delay", reconnectDelay)
			if !sleep(ctx, reconnectDelay) {
				return
			}
			reconnectDelay = min(reconnectDelay*2, c.maxDelay)
			continue
		}

		c.logger.Info("Successfully connected to RPC server.")
		reconnectDelay = c.initialDelay

		err = c.subscribeAndProcess(ctx, conn)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.logger.Info("Context canceled during subscription, shutting down.", "error", err)
			return
		}
		c.metrics.Reconnects.Inc()
		c.logger.Error("Subscription failed, will reconnect...", "error", err, "delay", reconnectDelay)
		if !sleep(ctx, reconnectDelay) {
			return
		}
		reconnectDelay = min(reconnectDelay*2, c.maxDelay)
	}
}

// subscribeAndProcess handles the subscriptions of one connection.
func (c *Client) subscribeAndProcess(ctx context.Context, conn Conn) error {
	defer conn.Close()

	heads := make(chan *types.Header, 16)
	sub, err := conn.SubscribeNewHead(ctx, heads)
	if err != nil {
		return fmt.Errorf("failed to subscribe to heads: %w", err)
	}
	defer sub.Unsubscribe()

	var (
		txs        chan *types.Transaction
		pendingErr <-chan error
	)
	if c.subscribePending {
		txs = make(chan *types.Transaction, 256)
		psub, err := conn.SubscribePendingTransactions(ctx, txs)
		if err != nil {
			c.logger.Warn("Pending transaction subscription unavailable", "error", err)
			txs = nil
		} else {
			defer psub.Unsubscribe()
			pendingErr = psub.Err()
		}
	}

	c.logger.Info("Successfully subscribed. Waiting for data...")
	for {
		select {
		case h := <-heads:
			if err := c.onHead(ctx, conn, h); err != nil {
				return err
			}
		case tx := <-txs:
			c.metrics.Pending.Inc()
			if c.pending.Send(market.PendingTransaction{Tx: tx, SeenAt: time.Now()}) {
				c.metrics.PendingDropped.Inc()
			}
		case err := <-pendingErr:
			c.logger.Warn("Pending transaction subscription ended", "error", err)
			txs, pendingErr = nil, nil
		case err := <-sub.Err():
			if err == nil {
				err = errSubscriptionClosed
			}
			return err
		case <-ctx.Done():
			c.logger.Info("Context cancelled, stopping subscription.")
			return ctx.Err()
		}
	}
}

// onHead emits the events that bring the consumer from the current head to
// h: NewBlock for each missing ancestor, preceded by a Reorg when h does
// not extend the current head.
func (c *Client) onHead(ctx context.Context, conn Conn, h *types.Header) error {
	hdr := market.HeaderFromTypes(h)
	if known, ok := c.recent[hdr.Number]; ok && known == hdr.Hash {
		c.metrics.DuplicateHeads.Inc()
		return nil
	}

	branch, ancestor, found, err := c.walk(ctx, conn, hdr)
	if err != nil {
		return err
	}
	switch {
	case !found && len(c.recent) > 0:
		c.metrics.Reorgs.Inc()
		c.logger.Warn("New head does not connect within the rollback window", "head", c.head, "new_head", hdr.Number)
		if err := c.emit(ctx, market.ReorgEvent(&market.Reorg{
			CommonAncestor: market.BlockRef{Number: hdr.Number - 1, Hash: hdr.ParentHash},
			DetectedAt:     time.Now(),
		})); err != nil {
			return err
		}
		c.recent = make(map[uint64]common.Hash)
		branch = branch[len(branch)-1:]
	case !found:
		branch = branch[len(branch)-1:]
	case ancestor.Number < c.head.Number:
		c.metrics.Reorgs.Inc()
		c.logger.Warn("Reorg detected", "common_ancestor", ancestor, "old_head", c.head, "new_head", hdr.Number)
		if err := c.emit(ctx, market.ReorgEvent(&market.Reorg{CommonAncestor: ancestor, DetectedAt: time.Now()})); err != nil {
			return err
		}
		for n := ancestor.Number + 1; n <= c.head.Number; n++ {
			delete(c.recent, n)
		}
		c.head = ancestor
	}

	for _, b := range branch {
		nb, err := c.block(ctx, conn, b)
		if err != nil {
			return err
		}
		if err := c.emit(ctx, market.BlockEvent(nb)); err != nil {
			return err
		}
		c.record(b)
		c.metrics.Heads.Inc()
	}
	return nil
}

// walk follows parent hashes from hdr back to a block already emitted. It
// returns the headers to emit in ascending order and the junction block.
func (c *Client) walk(ctx context.Context, conn Conn, hdr market.BlockHeader) ([]market.BlockHeader, market.BlockRef, bool, error) {
	branch := []market.BlockHeader{hdr}
	cur := hdr
	for {
		if len(c.recent) == 0 || cur.Number == 0 {
			return branch, market.BlockRef{}, false, nil
		}
		parent := cur.Number - 1
		if h, ok := c.recent[parent]; ok && h == cur.ParentHash {
			return branch, market.BlockRef{Number: parent, Hash: h}, true, nil
		}
		if parent < c.lowest || len(branch) > c.window {
			return branch, market.BlockRef{}, false, nil
		}
		ph, err := conn.HeaderByHash(ctx, cur.ParentHash)
		if err != nil {
			return nil, market.BlockRef{}, false, fmt.Errorf("fetching header %s: %w", cur.ParentHash.Hex(), err)
		}
		cur = market.HeaderFromTypes(ph)
		branch = append([]market.BlockHeader{cur}, branch...)
	}
}

func (c *Client) block(ctx context.Context, conn Conn, hdr market.BlockHeader) (*market.NewBlock, error) {
	timer := prometheus.NewTimer(c.metrics.BlockFetch)
	defer timer.ObserveDuration()

	logs, err := conn.FilterLogs(ctx, c.decoder.FilterQuery(hdr.Hash))
	if err != nil {
		return nil, fmt.Errorf("fetching logs of block %d: %w", hdr.Number, err)
	}
	diff, err := c.decoder.DecodeLogs(logs)
	if err != nil {
		return nil, fmt.Errorf("decoding logs of block %d: %w", hdr.Number, err)
	}
	blk, err := conn.BlockByHash(ctx, hdr.Hash)
	if err != nil {
		return nil, fmt.Errorf("fetching block %d: %w", hdr.Number, err)
	}
	hashes := make([]common.Hash, len(blk.Transactions()))
	for i, tx := range blk.Transactions() {
		hashes[i] = tx.Hash()
	}
	c.logger.Debug("Received new block",
		"block_number", hdr.Number,
		"txs", len(hashes),
		"pool_updates", len(diff.Updates),
		"pools_created", len(diff.Created),
		"latency_ms", time.Since(time.Unix(int64(hdr.Timestamp), 0)).Milliseconds(),
	)
	return &market.NewBlock{Header: hdr, TxHashes: hashes, Diff: diff}, nil
}

func (c *Client) record(b market.BlockHeader) {
	if len(c.recent) == 0 || b.Number < c.lowest {
		c.lowest = b.Number
	}
	c.recent[b.Number] = b.Hash
	c.head = b.Ref()
	for len(c.recent) > c.window {
		delete(c.recent, c.lowest)
		c.lowest++
	}
}

func (c *Client) emit(ctx context.Context, ev market.ChainEvent) error {
	return c.events.Send(ctx, ev)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
