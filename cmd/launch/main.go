package main

import (
	"context"
	"log"
	"math/big"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/MingZoox/market-maker/internal/bundle"
	"github.com/MingZoox/market-maker/internal/chain"
	"github.com/MingZoox/market-maker/internal/config"
	"github.com/MingZoox/market-maker/internal/pkg/logger"
	"github.com/MingZoox/market-maker/internal/router"
	"github.com/MingZoox/market-maker/internal/wallet"
)

const gasPollInterval = 5 * time.Second

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// 2. Initialize Logger
	logger.Init(cfg.Log.Level)

	if cfg.Relay.DeployerKey == "" {
		log.Fatal("relay.deployer_key is required for launch")
	}
	if cfg.Relay.LaunchWalletsCount == 0 {
		log.Fatal("relay.launch_wallets_count must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect Chain + Router
	gw, err := chain.NewGateway(ctx, cfg.Chain)
	if err != nil {
		log.Fatalf("Failed to connect chain: %v", err)
	}
	rtr, err := router.New(ctx, gw, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize router: %v", err)
	}

	poller := chain.NewGasPricePoller(gw, gasPollInterval)
	go poller.Run(ctx)

	// 4. Keys + Launch Wallets
	deployer, err := crypto.HexToECDSA(cfg.Relay.DeployerKey)
	if err != nil {
		log.Fatalf("Invalid deployer key: %v", err)
	}
	signingKey := deployer
	if cfg.Relay.SigningKey != "" {
		signingKey, err = crypto.HexToECDSA(cfg.Relay.SigningKey)
		if err != nil {
			log.Fatalf("Invalid relay signing key: %v", err)
		}
	}

	seed, err := wallet.DecodeSeed(cfg.Wallets.Seed)
	if err != nil {
		log.Fatalf("Invalid wallet seed: %v", err)
	}
	token := common.HexToAddress(cfg.Token.Address)
	pool, err := wallet.NewPool(wallet.HashDeriver{}, seed, cfg.Relay.LaunchWalletsCount, gw, token, rtr.Spender())
	if err != nil {
		log.Fatalf("Failed to derive wallets: %v", err)
	}
	surplus, err := config.ParseEther(cfg.Wallets.SurplusBalance)
	if err != nil {
		log.Fatalf("Invalid wallets.surplus_balance: %v", err)
	}
	pool.CheckBalances(ctx, surplus)

	// 5. Builder Relays
	relays, err := bundle.DialRelays(cfg.Relay.Builders, signingKey)
	if err != nil {
		log.Fatalf("Failed to dial builders: %v", err)
	}
	logger.Info("✅ Connected builders", "count", len(relays))

	var sim bundle.Relay
	if cfg.Relay.SimulationRelay != "" {
		simRelays, err := bundle.DialRelays([]string{cfg.Relay.SimulationRelay}, signingKey)
		if err != nil {
			log.Fatalf("Failed to dial simulation relay: %v", err)
		}
		sim = simRelays[0]
	}

	// 6. Launch Coordinator
	openTradingTo := token
	if common.IsHexAddress(cfg.Relay.OpenTradingAddress) {
		openTradingTo = common.HexToAddress(cfg.Relay.OpenTradingAddress)
	}
	coord := bundle.NewCoordinator(
		bundle.NewSubmitter(relays, sim, gw),
		rtr, pool, gw, poller,
		bundle.LaunchOptions{
			ChainID:         big.NewInt(cfg.Chain.ChainID),
			GasLimit:        cfg.Trading.GasLimit,
			Surplus:         surplus,
			MaxBlocks:       cfg.Relay.MaxBlocks,
			Deployer:        deployer,
			OpenTradingTo:   openTradingTo,
			OpenTradingData: bundle.OpenTradingCall(cfg.Relay.OpenTradingMethod),
			WalletCount:     cfg.Relay.LaunchWalletsCount,
		})

	logger.Info("🚀 Launch started",
		"token", cfg.Token.Address,
		"wallets", cfg.Relay.LaunchWalletsCount,
		"max_blocks", cfg.Relay.MaxBlocks)

	if err := coord.Run(ctx); err != nil {
		log.Fatalf("Launch failed: %v", err)
	}
	logger.Info("✅ Launch bundle landed")
}
