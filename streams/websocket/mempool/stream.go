// Package mempool reads pending transactions from a websocket mempool
// service that speaks eth_subscribe.
package mempool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sugawarayuuta/sonnet"
)

const (
	DefaultReconnectDelay    = 1 * time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultReadTimeout       = 60 * time.Second
	writeTimeout             = 10 * time.Second
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config configures a Stream.
type Config struct {
	URL string
	// Header is sent with the websocket handshake, typically for auth.
	Header http.Header
	// SubscribeParams defaults to ["newPendingTransactions", true].
	SubscribeParams []any

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration

	Logger        Logger
	PrometheusReg prometheus.Registerer
}

func (c *Config) validate() error {
	if c.URL == "" {
		return errors.New("config: URL is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.PrometheusReg == nil {
		return errors.New("config: PrometheusReg is required")
	}
	return nil
}

// Metrics holds all the Prometheus metrics for the stream.
type Metrics struct {
	Messages   *prometheus.CounterVec
	Reconnects prometheus.Counter
}

// NewMetrics creates and registers the stream metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mempool_stream_messages_total",
			Help: "Mempool stream messages, by result.",
		}, []string{"result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mempool_stream_reconnects_total",
			Help: "Websocket reconnections.",
		}),
	}
	reg.MustRegister(m.Messages, m.Reconnects)
	return m
}

// Stream is a reconnecting mempool subscription.
type Stream struct {
	url         string
	header      http.Header
	params      []any
	delay       time.Duration
	maxDelay    time.Duration
	pingEvery   time.Duration
	readTimeout time.Duration

	logger  Logger
	metrics *Metrics
}

// NewStream creates a Stream; Run connects it.
func NewStream(cfg *Config) (*Stream, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	s := &Stream{
		url:         cfg.URL,
		header:      cfg.Header,
		params:      cfg.SubscribeParams,
		delay:       cfg.ReconnectDelay,
		maxDelay:    cfg.MaxReconnectDelay,
		pingEvery:   cfg.PingInterval,
		readTimeout: cfg.ReadTimeout,
		logger:      cfg.Logger,
		metrics:     NewMetrics(cfg.PrometheusReg),
	}
	if len(s.params) == 0 {
		s.params = []any{"newPendingTransactions", true}
	}
	if s.delay <= 0 {
		s.delay = DefaultReconnectDelay
	}
	if s.maxDelay < s.delay {
		s.maxDelay = max(DefaultMaxReconnectDelay, s.delay)
	}
	if s.pingEvery <= 0 {
		s.pingEvery = DefaultPingInterval
	}
	if s.readTimeout <= 0 {
		s.readTimeout = DefaultReadTimeout
	}
	return s, nil
}

type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type envelope struct {
	ID     *int                      `json:"id"`
	Result json.RawMessage           `json:"result"`
	Error  *struct{ Message string } `json:"error"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// Run delivers pending transactions to sink until ctx ends, reconnecting
// with exponential backoff. It always returns ctx's error.
func (s *Stream) Run(ctx context.Context, sink func(market.PendingTransaction)) error {
	delay := s.delay
	for {
		err := s.session(ctx, sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.Reconnects.Inc()
		s.logger.Warn("Mempool stream disconnected, will reconnect...", "error", err, "delay", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, s.maxDelay)
		if err == nil {
			delay = s.delay
		}
	}
}

func (s *Stream) session(ctx context.Context, sink func(market.PendingTransaction)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }
	defer closeConn()

	req, err := sonnet.Marshal(subscribeRequest{JSONRPC: "2.0", ID: 1, Method: "eth_subscribe", Params: s.params})
	if err != nil {
		return err
	}
	var writeMu sync.Mutex
	write := func(mt int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(mt, data)
	}
	if err := write(websocket.TextMessage, req); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("Mempool stream subscribed", "url", s.url)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				closeConn()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					closeConn()
					return
				}
			}
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.handle(msg, sink); err != nil {
			return err
		}
	}
}

func (s *Stream) handle(msg []byte, sink func(market.PendingTransaction)) error {
	var env envelope
	if err := sonnet.Unmarshal(msg, &env); err != nil {
		s.metrics.Messages.WithLabelValues("malformed").Inc()
		s.logger.Debug("Malformed mempool message", "error", err)
		return nil
	}
	if env.Error != nil {
		s.metrics.Messages.WithLabelValues("error").Inc()
		return fmt.Errorf("subscription refused: %s", env.Error.Message)
	}
	if env.Params == nil {
		s.metrics.Messages.WithLabelValues("ack").Inc()
		return nil
	}
	tx, err := DecodeTransaction(env.Params.Result)
	if err != nil {
		s.metrics.Messages.WithLabelValues("undecodable").Inc()
		s.logger.Debug("Undecodable pending transaction", "error", err)
		return nil
	}
	if tx == nil {
		s.metrics.Messages.WithLabelValues("hash_only").Inc()
		return nil
	}
	s.metrics.Messages.WithLabelValues("tx").Inc()
	sink(market.PendingTransaction{Tx: tx, SeenAt: time.Now()})
	return nil
}

// DecodeTransaction accepts a full RPC transaction object or a raw signed
// transaction as a hex string. A bare hash yields a nil transaction.
func DecodeTransaction(raw []byte) (*types.Transaction, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty result")
	}
	if raw[0] == '"' {
		var s string
		if err := sonnet.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(b) == 32 {
			return nil, nil
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		return tx, nil
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return tx, nil
}
