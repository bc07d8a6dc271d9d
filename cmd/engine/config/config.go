package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/search"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	DefaultEnvFile        = ".env"
	DefaultSigningKeyEnv  = "ENGINE_SIGNING_KEY"
	DefaultLogFile        = "engine.log"
	DefaultRollbackWindow = 64
	DefaultMaxHops        = 3
	DefaultStoragePath    = "engine.db"
)

// ConfigError reports an invalid or missing configuration value. It is
// fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type RelayConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type TokenConfig struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

type PoolConfig struct {
	Address string `yaml:"address"`
	Variant string `yaml:"variant"`
	Token0  string `yaml:"token0"`
	Token1  string `yaml:"token1"`
}

// RouterConfig names a router and the factory whose pairs it swaps through.
type RouterConfig struct {
	Address string `yaml:"address"`
	Factory string `yaml:"factory"`
}

type SearchConfig struct {
	MaxHops  int    `yaml:"max_hops"`
	MaxPaths int    `yaml:"max_paths"`
	TopK     int    `yaml:"top_k"`
	TieBreak string `yaml:"tie_break"`
	BaseGas  uint64 `yaml:"base_gas"`
	// TTL bounds how long an opportunity stays actionable.
	TTL     time.Duration `yaml:"ttl"`
	Timeout time.Duration `yaml:"timeout"`
	// MinProfit and MaxInput are decimal amounts in whole tokens, keyed by
	// token address.
	MinProfit map[string]string `yaml:"min_profit"`
	MaxInput  map[string]string `yaml:"max_input"`
}

type SynchronizerConfig struct {
	RollbackWindow int `yaml:"rollback_window"`
}

type VerifyConfig struct {
	// Remote adds an eth_callBundle parity check against the RPC node.
	Remote    bool          `yaml:"remote"`
	RejectTTL time.Duration `yaml:"reject_ttl"`
	// Inventory is the multicaller balance per token, in whole tokens.
	Inventory map[string]string `yaml:"inventory"`
}

type GasConfig struct {
	SlippageBps       uint16 `yaml:"slippage_bps"`
	GasMarginBps      uint16 `yaml:"gas_margin_bps"`
	ProfitShareBps    uint16 `yaml:"profit_share_bps"`
	BasePriorityGwei  string `yaml:"base_priority_fee_gwei"`
	MaxPriorityGwei   string `yaml:"max_priority_fee_gwei"`
	BaseFeeMultiplier uint64 `yaml:"base_fee_multiplier"`
	CheckBalance      bool   `yaml:"check_balance"`
}

type SubmissionConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BumpBps        uint16        `yaml:"bump_bps"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

// Config is the engine configuration file. Secrets come from the
// environment or an env file, never from YAML.
type Config struct {
	ChainID     uint64        `yaml:"chain_id"`
	RPCURL      string        `yaml:"rpc_url"`
	MempoolURL  string        `yaml:"mempool_url"`
	Relays      []RelayConfig `yaml:"relays"`
	Multicaller string        `yaml:"multicaller"`

	EnvFile          string `yaml:"env_file"`
	SigningKeyEnv    string `yaml:"signing_key_env"`
	RelayAuthKeyEnv  string `yaml:"relay_auth_key_env"`
	SubscribePending bool   `yaml:"subscribe_pending"`
	LogFile          string `yaml:"log_file"`

	Tokens     []TokenConfig  `yaml:"tokens"`
	Pools      []PoolConfig   `yaml:"pools"`
	BaseTokens []string       `yaml:"base_tokens"`
	Factories  []string       `yaml:"factories"`
	Routers    []RouterConfig `yaml:"routers"`

	Search       SearchConfig       `yaml:"search"`
	Synchronizer SynchronizerConfig `yaml:"synchronizer"`
	Verify       VerifyConfig       `yaml:"verify"`
	Gas          GasConfig          `yaml:"gas"`
	Submission   SubmissionConfig   `yaml:"submission"`
	Storage      StorageConfig      `yaml:"storage"`

	signingKey   *ecdsa.PrivateKey
	relayAuthKey *ecdsa.PrivateKey
}

// LoadConfig reads a configuration file from the given path, overlays the
// env file and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Field: path, Reason: "malformed yaml", Err: err}
	}
	cfg.applyDefaults()

	if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &ConfigError{Field: "env_file", Reason: "unreadable", Err: err}
	}
	if err := cfg.loadKeys(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.EnvFile == "" {
		c.EnvFile = DefaultEnvFile
	}
	if c.SigningKeyEnv == "" {
		c.SigningKeyEnv = DefaultSigningKeyEnv
	}
	if c.LogFile == "" {
		c.LogFile = DefaultLogFile
	}
	if c.Synchronizer.RollbackWindow == 0 {
		c.Synchronizer.RollbackWindow = DefaultRollbackWindow
	}
	if c.Search.MaxHops == 0 {
		c.Search.MaxHops = DefaultMaxHops
	}
	if c.Search.TieBreak == "" {
		c.Search.TieBreak = string(search.TieBreakHops)
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
}

func (c *Config) loadKeys() error {
	raw := os.Getenv(c.SigningKeyEnv)
	if raw == "" {
		return &ConfigError{Field: c.SigningKeyEnv, Reason: "signing key is not set"}
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return &ConfigError{Field: c.SigningKeyEnv, Reason: "invalid signing key", Err: err}
	}
	c.signingKey = key

	if c.RelayAuthKeyEnv == "" {
		return nil
	}
	raw = os.Getenv(c.RelayAuthKeyEnv)
	if raw == "" {
		return nil
	}
	key, err = crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return &ConfigError{Field: c.RelayAuthKeyEnv, Reason: "invalid relay auth key", Err: err}
	}
	c.relayAuthKey = key
	return nil
}

func (c *Config) validate() error {
	if c.ChainID == 0 {
		return &ConfigError{Field: "chain_id", Reason: "required"}
	}
	if c.RPCURL == "" {
		return &ConfigError{Field: "rpc_url", Reason: "required"}
	}
	if len(c.Relays) == 0 {
		return &ConfigError{Field: "relays", Reason: "at least one relay is required"}
	}
	for i, r := range c.Relays {
		if r.URL == "" {
			return &ConfigError{Field: fmt.Sprintf("relays[%d].url", i), Reason: "required"}
		}
	}
	if !common.IsHexAddress(c.Multicaller) {
		return &ConfigError{Field: "multicaller", Reason: "not an address"}
	}

	known := make(map[common.Address]struct{}, len(c.Tokens))
	for i, t := range c.Tokens {
		if !common.IsHexAddress(t.Address) {
			return &ConfigError{Field: fmt.Sprintf("tokens[%d].address", i), Reason: "not an address"}
		}
		known[common.HexToAddress(t.Address)] = struct{}{}
	}
	for i, p := range c.Pools {
		field := fmt.Sprintf("pools[%d]", i)
		for _, a := range []string{p.Address, p.Token0, p.Token1} {
			if !common.IsHexAddress(a) {
				return &ConfigError{Field: field, Reason: fmt.Sprintf("%q is not an address", a)}
			}
		}
		if _, err := market.ParseVariant(p.Variant); err != nil {
			return &ConfigError{Field: field + ".variant", Reason: "unknown variant", Err: err}
		}
	}
	if len(c.BaseTokens) == 0 {
		return &ConfigError{Field: "base_tokens", Reason: "at least one base token is required"}
	}
	for i, a := range c.BaseTokens {
		if !common.IsHexAddress(a) {
			return &ConfigError{Field: fmt.Sprintf("base_tokens[%d]", i), Reason: "not an address"}
		}
		if _, ok := known[common.HexToAddress(a)]; !ok {
			return &ConfigError{Field: fmt.Sprintf("base_tokens[%d]", i), Reason: "base token must be listed under tokens"}
		}
	}
	for i, a := range c.Factories {
		if !common.IsHexAddress(a) {
			return &ConfigError{Field: fmt.Sprintf("factories[%d]", i), Reason: "not an address"}
		}
	}
	for i, r := range c.Routers {
		if !common.IsHexAddress(r.Address) {
			return &ConfigError{Field: fmt.Sprintf("routers[%d].address", i), Reason: "not an address"}
		}
		if !common.IsHexAddress(r.Factory) || common.HexToAddress(r.Factory) == (common.Address{}) {
			return &ConfigError{Field: fmt.Sprintf("routers[%d].factory", i), Reason: "router needs the factory it swaps through"}
		}
	}

	if c.Search.MaxHops < 2 {
		return &ConfigError{Field: "search.max_hops", Reason: "must be at least 2"}
	}
	if _, err := search.ParseTieBreak(c.Search.TieBreak); err != nil {
		return &ConfigError{Field: "search.tie_break", Reason: "unknown tie break", Err: err}
	}
	if c.Synchronizer.RollbackWindow < 1 {
		return &ConfigError{Field: "synchronizer.rollback_window", Reason: "must be positive"}
	}
	for field, amounts := range map[string]map[string]string{
		"search.min_profit": c.Search.MinProfit,
		"search.max_input":  c.Search.MaxInput,
		"verify.inventory":  c.Verify.Inventory,
	} {
		if _, err := c.tokenAmounts(field, amounts); err != nil {
			return err
		}
	}
	if _, err := c.BasePriorityFee(); err != nil {
		return err
	}
	if _, err := c.MaxPriorityFee(); err != nil {
		return err
	}
	if c.Gas.SlippageBps >= 10_000 {
		return &ConfigError{Field: "gas.slippage_bps", Reason: "must be below 10000"}
	}
	if c.Submission.MaxAttempts < 0 {
		return &ConfigError{Field: "submission.max_attempts", Reason: "must not be negative"}
	}
	return nil
}

// SigningKey returns the key bundles are signed with.
func (c *Config) SigningKey() *ecdsa.PrivateKey { return c.signingKey }

// RelayAuthKey returns the key relay requests are authenticated with. It
// falls back to a fresh random identity.
func (c *Config) RelayAuthKey() (*ecdsa.PrivateKey, error) {
	if c.relayAuthKey != nil {
		return c.relayAuthKey, nil
	}
	return crypto.GenerateKey()
}

// RouterFactories maps each router to its factory.
func (c *Config) RouterFactories() map[common.Address]common.Address {
	out := make(map[common.Address]common.Address, len(c.Routers))
	for _, r := range c.Routers {
		out[common.HexToAddress(r.Address)] = common.HexToAddress(r.Factory)
	}
	return out
}

// Decimals returns the configured decimals of a token.
func (c *Config) Decimals(addr common.Address) (uint8, bool) {
	for _, t := range c.Tokens {
		if common.HexToAddress(t.Address) == addr {
			return t.Decimals, true
		}
	}
	return 0, false
}

// MinProfit returns the per-token profit floors in token units.
func (c *Config) MinProfit() map[common.Address]*big.Int {
	m, _ := c.tokenAmounts("search.min_profit", c.Search.MinProfit)
	return m
}

// MaxInput returns the per-token input caps in token units.
func (c *Config) MaxInput() map[common.Address]*big.Int {
	m, _ := c.tokenAmounts("search.max_input", c.Search.MaxInput)
	return m
}

// Inventory returns the multicaller balances in token units.
func (c *Config) Inventory() map[common.Address]*big.Int {
	m, _ := c.tokenAmounts("verify.inventory", c.Verify.Inventory)
	return m
}

// BasePriorityFee returns the base priority fee in wei.
func (c *Config) BasePriorityFee() (*big.Int, error) {
	return gwei("gas.base_priority_fee_gwei", c.Gas.BasePriorityGwei)
}

// MaxPriorityFee returns the priority fee cap in wei.
func (c *Config) MaxPriorityFee() (*big.Int, error) {
	return gwei("gas.max_priority_fee_gwei", c.Gas.MaxPriorityGwei)
}

func (c *Config) tokenAmounts(field string, amounts map[string]string) (map[common.Address]*big.Int, error) {
	out := make(map[common.Address]*big.Int, len(amounts))
	for a, v := range amounts {
		if !common.IsHexAddress(a) {
			return nil, &ConfigError{Field: field, Reason: fmt.Sprintf("%q is not an address", a)}
		}
		addr := common.HexToAddress(a)
		dec, ok := c.Decimals(addr)
		if !ok {
			return nil, &ConfigError{Field: field, Reason: fmt.Sprintf("token %s must be listed under tokens", addr.Hex())}
		}
		amount, err := units(v, int32(dec))
		if err != nil {
			return nil, &ConfigError{Field: field, Reason: fmt.Sprintf("invalid amount %q", v), Err: err}
		}
		out[addr] = amount
	}
	return out, nil
}

func gwei(field, v string) (*big.Int, error) {
	if v == "" {
		return new(big.Int), nil
	}
	amount, err := units(v, 9)
	if err != nil {
		return nil, &ConfigError{Field: field, Reason: fmt.Sprintf("invalid amount %q", v), Err: err}
	}
	return amount, nil
}

// units converts a decimal amount to an integer with the given number of
// decimals, refusing negative values and lost precision.
func units(v string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, errors.New("negative amount")
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("more than %d decimal places", decimals)
	}
	return shifted.BigInt(), nil
}
