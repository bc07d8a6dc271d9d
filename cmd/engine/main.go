package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/Iwinswap/iwinswap-mev-engine/accounts"
	"github.com/Iwinswap/iwinswap-mev-engine/cmd/engine/config"
	"github.com/Iwinswap/iwinswap-mev-engine/engine"
	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/multicall"
	"github.com/Iwinswap/iwinswap-mev-engine/pkg/chains"
	ethpkg "github.com/Iwinswap/iwinswap-mev-engine/pkg/chains/ethereum"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/poolregistry"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/token"
	"github.com/Iwinswap/iwinswap-mev-engine/relay"
	"github.com/Iwinswap/iwinswap-mev-engine/search"
	"github.com/Iwinswap/iwinswap-mev-engine/storage/sqlite"
	"github.com/Iwinswap/iwinswap-mev-engine/streams/jsonrpc/client"
	"github.com/Iwinswap/iwinswap-mev-engine/streams/websocket/mempool"
	"github.com/Iwinswap/iwinswap-mev-engine/submission"
	"github.com/Iwinswap/iwinswap-mev-engine/synchronizer"
	"github.com/Iwinswap/iwinswap-mev-engine/txbuilder"
	"github.com/Iwinswap/iwinswap-mev-engine/verify"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultClientEventBufferSize = 100

func main() {
	// --- 1. CONFIG ---
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()
	log.Printf("Loading configuration from: %s", *configPath)
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// --- 2. SETUP LOGGING (To File) ---
	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	rootLogger := slog.New(slog.NewJSONHandler(logFile, nil))
	closeApp := func() {
		fmt.Fprintf(os.Stderr, "Fatal error occurred. Check %s for details.\n", cfg.LogFile)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, rootLogger, prometheus.DefaultRegisterer); err != nil {
		rootLogger.Error("Engine stopped", "error", err)
		stop()
		closeApp()
	}
	rootLogger.Info("Engine shut down")
}

func run(ctx context.Context, cfg *config.Config, rootLogger *slog.Logger, reg prometheus.Registerer) error {
	chain, err := chains.Lookup(cfg.ChainID)
	if err != nil {
		return err
	}
	key := cfg.SigningKey()
	signer := crypto.PubkeyToAddress(key.PublicKey)
	rootLogger.Info("Starting engine", "chain", chain.Name, "signer", signer)

	// --- 3. CHAIN ACCESS ---
	ethClient, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dialing rpc: %w", err)
	}
	defer ethClient.Close()

	reader, err := ethpkg.NewReader(&ethpkg.ReaderConfig{
		Client: ethClient,
		Logger: rootLogger.With("component", "pool-reader"),
	})
	if err != nil {
		return err
	}
	ops, err := ethpkg.NewStateOps(&ethpkg.Config{
		Factories:     addresses(cfg.Factories),
		Routers:       cfg.RouterFactories(),
		Logger:        rootLogger.With("component", "chain-state-ops"),
		PrometheusReg: reg,
	})
	if err != nil {
		return err
	}

	// --- 4. TOPOLOGY ---
	store, err := sqlite.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := poolregistry.NewRegistry()
	stored, err := store.LoadTopology(ctx, registry)
	if err != nil {
		return err
	}
	if err := seedTopology(registry, cfg); err != nil {
		return err
	}
	rootLogger.Info("Topology loaded", "stored_pools", len(stored), "tokens", len(registry.Tokens()))

	// --- 5. SYNCHRONIZER ---
	sync, err := synchronizer.New(&synchronizer.Config{
		Topology: registry,
		Resync: func(ctx context.Context) (*synchronizer.FullState, error) {
			return reader.FullState(ctx, trackedPools(registry))
		},
		ResolveToken:   reader.Token,
		RollbackWindow: cfg.Synchronizer.RollbackWindow,
		Differ:         ops.StateDiffer,
		Logger:         rootLogger.With("component", "synchronizer"),
		PrometheusReg:  reg,
	})
	if err != nil {
		return err
	}
	initial, err := sync.Start(ctx)
	if err != nil {
		return fmt.Errorf("initial resync: %w", err)
	}

	// --- 6. SEARCH, VERIFICATION, BUILDING ---
	tieBreak, err := search.ParseTieBreak(cfg.Search.TieBreak)
	if err != nil {
		return err
	}
	basePriority, err := cfg.BasePriorityFee()
	if err != nil {
		return err
	}
	maxPriority, err := cfg.MaxPriorityFee()
	if err != nil {
		return err
	}
	searchEngine, err := search.NewEngine(&search.Config{
		Topology:      registry,
		BaseTokens:    addresses(cfg.BaseTokens),
		NativeToken:   chain.WrappedNative,
		MinProfit:     cfg.MinProfit(),
		MaxInput:      cfg.MaxInput(),
		MaxHops:       cfg.Search.MaxHops,
		MaxPaths:      cfg.Search.MaxPaths,
		TopK:          cfg.Search.TopK,
		BaseGas:       cfg.Search.BaseGas,
		PriorityFee:   basePriority,
		TieBreak:      tieBreak,
		TTL:           cfg.Search.TTL,
		Logger:        rootLogger.With("component", "search"),
		PrometheusReg: reg,
	})
	if err != nil {
		return err
	}

	encoder, err := multicall.NewEncoder(common.HexToAddress(cfg.Multicaller))
	if err != nil {
		return err
	}
	monitor, err := accounts.NewMonitor(&accounts.Config{
		Client:        ethClient,
		Account:       signer,
		Logger:        rootLogger.With("component", "account-monitor"),
		PrometheusReg: reg,
	})
	if err != nil {
		return err
	}
	if err := monitor.Refresh(ctx, initial.Block().Number); err != nil {
		return fmt.Errorf("reading signer account: %w", err)
	}

	builder, err := txbuilder.NewBuilder(&txbuilder.Config{
		Encoder:           encoder,
		Key:               key,
		ChainID:           new(big.Int).SetUint64(cfg.ChainID),
		Account:           monitor,
		SlippageBps:       cfg.Gas.SlippageBps,
		GasMarginBps:      cfg.Gas.GasMarginBps,
		ProfitShareBps:    cfg.Gas.ProfitShareBps,
		BasePriorityFee:   basePriority,
		MaxPriorityFee:    maxPriority,
		BaseFeeMultiplier: cfg.Gas.BaseFeeMultiplier,
		CheckBalance:      cfg.Gas.CheckBalance,
		Logger:            rootLogger.With("component", "txbuilder"),
		PrometheusReg:     reg,
	})
	if err != nil {
		return err
	}

	verifierCfg := &verify.Config{
		Executor:      verify.NewLocalExecutor(encoder),
		Encoder:       encoder,
		Sender:        signer,
		Inventory:     cfg.Inventory(),
		MinProfit:     cfg.MinProfit(),
		RejectTTL:     cfg.Verify.RejectTTL,
		Logger:        rootLogger.With("component", "verifier"),
		PrometheusReg: reg,
	}
	if cfg.Verify.Remote {
		remote, err := verify.NewRemoteExecutor(ethClient.Client(), builder.SignCandidate)
		if err != nil {
			return err
		}
		verifierCfg.Parity = remote
	}
	verifier, err := verify.NewVerifier(verifierCfg)
	if err != nil {
		return err
	}

	// --- 7. SUBMISSION ---
	authKey, err := cfg.RelayAuthKey()
	if err != nil {
		return err
	}
	endpoints := make([]relay.Endpoint, 0, len(cfg.Relays))
	for _, r := range cfg.Relays {
		endpoints = append(endpoints, relay.Endpoint{Name: r.Name, URL: r.URL})
	}
	relayClient, err := relay.NewClient(&relay.Config{
		Relays:        endpoints,
		AuthKey:       authKey,
		Logger:        rootLogger.With("component", "relay"),
		PrometheusReg: reg,
	})
	if err != nil {
		return err
	}
	manager, err := submission.NewManager(&submission.Config{
		Relay:          relayClient,
		Rebidder:       builder,
		MaxAttempts:    cfg.Submission.MaxAttempts,
		BumpBps:        cfg.Submission.BumpBps,
		BackoffInitial: cfg.Submission.BackoffInitial,
		BackoffMax:     cfg.Submission.BackoffMax,
		Logger:         rootLogger.With("component", "submission"),
		PrometheusReg:  reg,
	})
	if err != nil {
		return err
	}

	// --- 8. FEEDS ---
	feed, err := client.NewClient(ctx, &client.Config{
		URL:              cfg.RPCURL,
		Decoder:          ops,
		RollbackWindow:   cfg.Synchronizer.RollbackWindow,
		BufferSize:       DefaultClientEventBufferSize,
		SubscribePending: cfg.SubscribePending,
		Logger:           rootLogger.With("component", "jsonrpc-client"),
		PrometheusReg:    reg,
	})
	if err != nil {
		return err
	}

	eng, err := engine.New(&engine.Config{
		Feed:          feed,
		Synchronizer:  sync,
		Searcher:      searchEngine,
		Decoder:       ops,
		Verifier:      verifier,
		Builder:       builder,
		Submitter:     manager,
		Account:       monitor,
		Store:         store,
		Tokens:        registry,
		SearchTimeout: cfg.Search.Timeout,
		Logger:        rootLogger.With("component", "engine"),
		PrometheusReg: reg,
	})
	if err != nil {
		return err
	}

	if cfg.MempoolURL != "" {
		stream, err := mempool.NewStream(&mempool.Config{
			URL:           cfg.MempoolURL,
			Logger:        rootLogger.With("component", "mempool-stream"),
			PrometheusReg: reg,
		})
		if err != nil {
			return err
		}
		streamLogger := rootLogger.With("component", "mempool-stream")
		go func() {
			err := stream.Run(ctx, func(p market.PendingTransaction) { eng.OfferPending(p) })
			if err != nil && !errors.Is(err, context.Canceled) {
				streamLogger.Error("Mempool stream stopped", "error", err)
			}
		}()
	}

	// --- 9. RUN ---
	fmt.Println("Engine running. Logs are being written to", cfg.LogFile)
	return eng.Run(ctx)
}

// seedTopology registers the configured tokens and pools. Pools already
// loaded from storage are left as they are.
func seedTopology(registry *poolregistry.Registry, cfg *config.Config) error {
	for _, t := range cfg.Tokens {
		if _, err := registry.AddToken(token.TokenView{
			Address:  common.HexToAddress(t.Address),
			Symbol:   t.Symbol,
			Decimals: t.Decimals,
		}); err != nil {
			return fmt.Errorf("seeding token %s: %w", t.Address, err)
		}
	}
	for _, p := range cfg.Pools {
		variant, err := market.ParseVariant(p.Variant)
		if err != nil {
			return err
		}
		if _, err := registry.AddPool(poolregistry.PoolInput{
			Address: common.HexToAddress(p.Address),
			Variant: variant,
			Token0:  common.HexToAddress(p.Token0),
			Token1:  common.HexToAddress(p.Token1),
		}); err != nil {
			return fmt.Errorf("seeding pool %s: %w", p.Address, err)
		}
	}
	return nil
}

// trackedPools lists every pool the registry knows, active or not; a
// resync decides their health again.
func trackedPools(registry *poolregistry.Registry) []ethpkg.PoolRef {
	view := registry.Pools()
	refs := make([]ethpkg.PoolRef, 0, len(view.Pools))
	for _, p := range view.Pools {
		refs = append(refs, ethpkg.PoolRef{Address: p.Address, Variant: p.Variant})
	}
	return refs
}

func addresses(in []string) []common.Address {
	out := make([]common.Address, 0, len(in))
	for _, a := range in {
		out = append(out, common.HexToAddress(a))
	}
	return out
}
