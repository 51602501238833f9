package main

import (
	"context"
	"log"
	"math/big"
	"math/rand"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/MingZoox/market-maker/internal/cascade"
	"github.com/MingZoox/market-maker/internal/chain"
	"github.com/MingZoox/market-maker/internal/config"
	"github.com/MingZoox/market-maker/internal/executor"
	"github.com/MingZoox/market-maker/internal/pkg/logger"
	"github.com/MingZoox/market-maker/internal/router"
	"github.com/MingZoox/market-maker/internal/wallet"
)

const (
	gasPollInterval  = 15 * time.Second
	rejectedCooldown = 30 * time.Second
)

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

	if len(cfg.Cascade.Groups) == 0 {
		log.Fatal("No cascade groups configured")
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

	token := common.HexToAddress(cfg.Token.Address)
	dust, err := config.ParseEther(cfg.Cascade.DustThreshold)
	if err != nil {
		log.Fatalf("Invalid cascade.dust_threshold: %v", err)
	}
	surplus := big.NewInt(0) // cascade wallets spend down to the gas floor

	logger.Info("🚀 Volume maker started",
		"token", cfg.Token.Address, "groups", len(cfg.Cascade.Groups))

	// 4. Run Each Group Concurrently
	var wg sync.WaitGroup
	for i, g := range cfg.Cascade.Groups {
		group := cfg.Cascade.Defaults.Overlay(g)
		wg.Add(1)
		go func(i int, group config.CascadeGroup) {
			defer wg.Done()
			runGroup(ctx, i, group, cfg, gw, rtr, poller, token, dust, surplus)
		}(i, group)
	}
	wg.Wait()
	logger.Info("Volume maker exiting")
}

func runGroup(ctx context.Context, idx int, group config.CascadeGroup, cfg *config.Config,
	gw *chain.Gateway, rtr router.Router, poller *chain.GasPricePoller,
	token common.Address, dust, surplus *big.Int) {

	seed, err := wallet.DecodeSeed(group.Seed)
	if err != nil {
		logger.Error("invalid group seed", "group", idx, "error", err.Error())
		return
	}
	pool, err := wallet.NewPool(wallet.HashDeriver{}, seed, group.MaxWalletsCount, gw, token, rtr.Spender())
	if err != nil {
		logger.Error("wallet derivation failed", "group", idx, "error", err.Error())
		return
	}

	exec := executor.New(pool, rtr, gw, poller, executor.Options{
		ChainID:  big.NewInt(cfg.Chain.ChainID),
		GasLimit: cfg.Trading.GasLimit,
		Surplus:  surplus,
		Cooldown: rejectedCooldown,
		Workers:  1, // cascade trades are strictly sequential
	})
	ctrl := cascade.NewController(group, pool, exec, poller, token, dust,
		rand.New(rand.NewSource(time.Now().UnixNano()+int64(idx))))

	state, err := ctrl.Run(ctx)
	exec.Drain()
	if err != nil {
		logger.Error("cascade failed",
			"group", idx,
			"index", state.CurrentIndex,
			"traded", state.WalletsTraded,
			"error", err.Error())
		return
	}
	logger.Info("✅ Cascade complete",
		"group", idx,
		"traded", state.WalletsTraded,
		"skipped", state.WalletsSkipped)
}
