package relay

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/sync/errgroup"
)

const (
	signatureHeader    = "X-Flashbots-Signature"
	defaultHTTPTimeout = 12 * time.Second
	maxResponseBytes   = 1 << 20
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Endpoint is one builder relay.
type Endpoint struct {
	Name string
	URL  string
}

// Config holds the dependencies of a Client.
type Config struct {
	Relays        []Endpoint
	AuthKey       *ecdsa.PrivateKey
	HTTPClient    *http.Client
	Logger        Logger
	PrometheusReg prometheus.Registerer
}

func (c *Config) validate() error {
	if len(c.Relays) == 0 {
		return errors.New("config: at least one relay is required")
	}
	for _, r := range c.Relays {
		if r.URL == "" {
			return errors.New("config: relay URL is required")
		}
	}
	if c.AuthKey == nil {
		return errors.New("config: AuthKey is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.PrometheusReg == nil {
		return errors.New("config: PrometheusReg is required")
	}
	return nil
}

// Receipt describes an accepted submission.
type Receipt struct {
	BundleHash common.Hash
	AcceptedBy []string
}

// Client submits bundles to every configured relay concurrently.
type Client struct {
	relays  []Endpoint
	authKey *ecdsa.PrivateKey
	auth    common.Address
	httpc   *http.Client
	logger  Logger
	metrics *Metrics
}

// NewClient creates a relay client.
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	relays := make([]Endpoint, len(cfg.Relays))
	for i, r := range cfg.Relays {
		if r.Name == "" {
			r.Name = r.URL
		}
		relays[i] = r
	}
	return &Client{
		relays:  relays,
		authKey: cfg.AuthKey,
		auth:    crypto.PubkeyToAddress(cfg.AuthKey.PublicKey),
		httpc:   httpc,
		logger:  cfg.Logger,
		metrics: NewMetrics(cfg.PrometheusReg),
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type sendBundleArgs struct {
	Txs               []string      `json:"txs"`
	BlockNumber       string        `json:"blockNumber"`
	RevertingTxHashes []common.Hash `json:"revertingTxHashes"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type sendBundleResponse struct {
	Result *struct {
		BundleHash common.Hash `json:"bundleHash"`
	} `json:"result"`
	Error *rpcError `json:"error"`
}

// EncodeBundle renders the eth_sendBundle request body.
func EncodeBundle(b *Bundle) ([]byte, error) {
	args := sendBundleArgs{
		Txs:               make([]string, len(b.Txs)),
		BlockNumber:       hexutil.EncodeUint64(b.TargetBlock),
		RevertingTxHashes: b.RevertingTxs,
	}
	if args.RevertingTxHashes == nil {
		args.RevertingTxHashes = []common.Hash{}
	}
	for i, tx := range b.Txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to encode tx %d: %w", i, err)
		}
		args.Txs[i] = hexutil.Encode(raw)
	}
	return sonnet.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: "eth_sendBundle", Params: []any{args}})
}

// Sign produces the X-Flashbots-Signature value for body.
func Sign(body []byte, key *ecdsa.PrivateKey) (string, error) {
	digest := accounts.TextHash([]byte(crypto.Keccak256Hash(body).Hex()))
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex() + ":" + hexutil.Encode(sig), nil
}

// RecoverSigner returns the address that produced header over body.
func RecoverSigner(body []byte, header string) (common.Address, error) {
	addr, sigHex, ok := strings.Cut(header, ":")
	if !ok || addr == "" {
		return common.Address{}, errors.New("malformed signature header")
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, err
	}
	digest := accounts.TextHash([]byte(crypto.Keccak256Hash(body).Hex()))
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	signer := crypto.PubkeyToAddress(*pub)
	if signer != common.HexToAddress(addr) {
		return common.Address{}, fmt.Errorf("signature from %s claims %s", signer.Hex(), addr)
	}
	return signer, nil
}

type relayResult struct {
	relay    string
	hash     common.Hash
	rejected string
	err      error
}

// SubmitBundle sends b to every relay. It succeeds when at least one relay
// accepts. If none accepts and at least one answered, a *RejectedError is
// returned; if none could be reached, a *ConnectivityError.
func (c *Client) SubmitBundle(ctx context.Context, b *Bundle) (*Receipt, error) {
	body, err := EncodeBundle(b)
	if err != nil {
		return nil, err
	}
	sig, err := Sign(body, c.authKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign bundle: %w", err)
	}

	var (
		mu      sync.Mutex
		results = make([]relayResult, 0, len(c.relays))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range c.relays {
		g.Go(func() error {
			res := c.send(gctx, r, body, sig)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	receipt := &Receipt{}
	rejected := &RejectedError{Reasons: map[string]string{}}
	var connErr error
	for _, res := range results {
		switch {
		case res.err != nil:
			connErr = &ConnectivityError{Relay: res.relay, Err: res.err}
		case res.rejected != "":
			rejected.Reasons[res.relay] = res.rejected
		default:
			receipt.AcceptedBy = append(receipt.AcceptedBy, res.relay)
			receipt.BundleHash = res.hash
		}
	}
	switch {
	case len(receipt.AcceptedBy) > 0:
		c.logger.Debug("bundle accepted", "bundle", b.ID, "target", b.TargetBlock, "relays", receipt.AcceptedBy)
		return receipt, nil
	case len(rejected.Reasons) > 0:
		return nil, rejected
	case connErr != nil:
		return nil, connErr
	default:
		return nil, &ConnectivityError{Relay: "all", Err: ctx.Err()}
	}
}

func (c *Client) send(ctx context.Context, r Endpoint, body []byte, sig string) relayResult {
	timer := prometheus.NewTimer(c.metrics.RequestDuration.WithLabelValues(r.Name))
	defer timer.ObserveDuration()

	res := relayResult{relay: r.Name}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		res.err = err
		c.metrics.Responses.WithLabelValues(r.Name, "error").Inc()
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, sig)

	resp, err := c.httpc.Do(req)
	if err != nil {
		res.err = err
		c.metrics.Responses.WithLabelValues(r.Name, "error").Inc()
		c.logger.Warn("relay unreachable", "relay", r.Name, "error", err)
		return res
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		res.err = err
		c.metrics.Responses.WithLabelValues(r.Name, "error").Inc()
		return res
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		res.err = fmt.Errorf("status %d", resp.StatusCode)
		c.metrics.Responses.WithLabelValues(r.Name, "error").Inc()
		return res
	}

	var out sendBundleResponse
	if err := sonnet.Unmarshal(raw, &out); err != nil {
		res.rejected = fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
		c.metrics.Responses.WithLabelValues(r.Name, "rejected").Inc()
		return res
	}
	switch {
	case out.Error != nil:
		res.rejected = out.Error.Message
	case out.Result == nil || resp.StatusCode != http.StatusOK:
		res.rejected = fmt.Sprintf("status %d without result", resp.StatusCode)
	default:
		res.hash = out.Result.BundleHash
		c.metrics.Responses.WithLabelValues(r.Name, "accepted").Inc()
		return res
	}
	c.metrics.Responses.WithLabelValues(r.Name, "rejected").Inc()
	c.logger.Debug("relay rejected bundle", "relay", r.Name, "reason", res.rejected)
	return res
}
