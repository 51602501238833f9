package main

import (
	"context"
	"log"
	"math/big"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/MingZoox/market-maker/internal/chain"
	"github.com/MingZoox/market-maker/internal/config"
	"github.com/MingZoox/market-maker/internal/executor"
	"github.com/MingZoox/market-maker/internal/monitor"
	"github.com/MingZoox/market-maker/internal/pkg/logger"
	"github.com/MingZoox/market-maker/internal/router"
	"github.com/MingZoox/market-maker/internal/trigger"
	"github.com/MingZoox/market-maker/internal/wallet"
)

const (
	gasPollInterval  = 15 * time.Second
	rejectedCooldown = 30 * time.Second
	refreshInterval  = 2 * time.Minute
	seenCacheBound   = 4096
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect Chain + Router
	gw, err := chain.NewGateway(ctx, cfg.Chain)
	if err != nil {
		log.Fatalf("Failed to connect chain: %v", err)
	}
	if code, err := gw.CodeAt(ctx, common.HexToAddress(cfg.Token.Address)); err != nil {
		log.Fatalf("Failed to read token code: %v", err)
	} else if len(code) == 0 {
		log.Fatalf("No contract code at token address %s", cfg.Token.Address)
	}
	rtr, err := router.New(ctx, gw, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize router: %v", err)
	}

	poller := chain.NewGasPricePoller(gw, gasPollInterval)
	go poller.Run(ctx)

	// 4. Derive Wallet Pool
	seed, err := wallet.DecodeSeed(cfg.Wallets.Seed)
	if err != nil {
		log.Fatalf("Invalid wallet seed: %v", err)
	}
	token := common.HexToAddress(cfg.Token.Address)
	pool, err := wallet.NewPool(wallet.HashDeriver{}, seed, cfg.Wallets.Count, gw, token, rtr.Spender())
	if err != nil {
		log.Fatalf("Failed to derive wallets: %v", err)
	}
	surplus, err := config.ParseEther(cfg.Wallets.SurplusBalance)
	if err != nil {
		log.Fatalf("Invalid wallets.surplus_balance: %v", err)
	}
	pool.CheckBalances(ctx, surplus)

	// 5. Seen-Cache Persistence (Redis > Memory)
	seenTTL := time.Duration(cfg.Triggers.SeenCacheTTLSecond) * time.Second
	var seen monitor.SeenCache
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err == nil {
			logger.Info("✅ Connected to Redis")
			seen = monitor.NewRedisSeenCache(client, seenTTL)
		} else {
			logger.Error("⚠️ Failed to connect to Redis, falling back to memory", "error", err)
		}
	}
	if seen == nil {
		seen = monitor.NewMemorySeenCache(seenCacheBound, seenTTL)
	}

	// 6. Activity Monitor
	monOpts := monitorOptions(cfg, rtr)
	mon := monitor.New(gw, rtr, pool, seen, monOpts)
	go func() {
		if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("monitor stopped", "error", err.Error())
			stop()
		}
	}()

	// 7. Trigger Engine + Trade Executor
	engine := trigger.NewEngine(triggerSettings(cfg), rand.New(rand.NewSource(time.Now().UnixNano())))
	exec := executor.New(pool, rtr, gw, poller, executor.Options{
		ChainID:       big.NewInt(cfg.Chain.ChainID),
		GasLimit:      cfg.Trading.GasLimit,
		Surplus:       surplus,
		Cooldown:      rejectedCooldown,
		Workers:       cfg.Triggers.SubmitWorkers,
		TokenDecimals: monOpts.TokenDecimals,
	})

	if cfg.Triggers.AutoSellEnabled {
		for i := uint32(0); i < cfg.Wallets.Count; i++ {
			if _, err := exec.ApproveMax(ctx, i, token); err != nil {
				logger.Warn("approval failed", "wallet", i, "error", err.Error())
			}
		}
	}

	// 8. Ops Server
	srv := opsServer(cfg)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Ops server listen failed: %v", err)
		}
	}()

	logger.Info("🚀 Trading engine started",
		"token", cfg.Token.Address,
		"router", cfg.Router.Active,
		"wallets", cfg.Wallets.Count)

	// 9. Main Loop
	refresh := time.NewTicker(refreshInterval)
	defer refresh.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdown(exec, srv)
			return
		case <-refresh.C:
			// reconcile cached balances and clear any nonce gaps so
			// sidelined wallets come back into rotation
			pool.RefreshAll(ctx)
		case activity, ok := <-mon.Out():
			if !ok {
				shutdown(exec, srv)
				return
			}
			decision := engine.Evaluate(activity)
			if decision.Action == trigger.ActionNone {
				continue
			}
			results, err := exec.Execute(ctx, decision)
			if err != nil {
				logger.Error("execution failed", "action", decision.Action.String(), "error", err.Error())
				continue
			}
			for _, r := range results {
				if r.Err != nil {
					logger.Warn("trade failed", "wallet", r.Wallet, "error", r.Err.Error())
				}
			}
		}
	}
}

func monitorOptions(cfg *config.Config, rtr router.Router) monitor.Options {
	opts := monitor.Options{
		Token:          common.HexToAddress(cfg.Token.Address),
		WETH:           common.HexToAddress(cfg.Router.WETHAddress),
		Routers:        watchedRouters(cfg),
		ChainID:        big.NewInt(cfg.Chain.ChainID),
		WatchPending:   cfg.Triggers.MempoolEnabled,
		WatchConfirmed: cfg.Triggers.EventsEnabled,
	}
	switch r := rtr.(type) {
	case *router.V2Router:
		opts.Pair = r.Pair()
		opts.TokenDecimals = r.TokenDecimals()
	case *router.V3Router:
		opts.Pair = r.Pool()
		opts.TokenDecimals = r.TokenDecimals()
	}
	return opts
}

func watchedRouters(cfg *config.Config) []common.Address {
	var out []common.Address
	for _, a := range []string{cfg.Router.V2Address, cfg.Router.V3Address, cfg.Router.UniversalAddress} {
		if common.IsHexAddress(a) {
			out = append(out, common.HexToAddress(a))
		}
	}
	return out
}

func triggerSettings(cfg *config.Config) trigger.Settings {
	s := trigger.Settings{
		AutoSellEnabled: cfg.Triggers.AutoSellEnabled,
		SellMinPercent:  cfg.Triggers.AutoSellMinPercent,
		SellMaxPercent:  cfg.Triggers.AutoSellMaxPercent,
		AutoBuyEnabled:  cfg.Triggers.AutoBuyEnabled,
		BuyMinPercent:   cfg.Triggers.AutoBuyMinPercent,
		BuyMaxPercent:   cfg.Triggers.AutoBuyMaxPercent,
		Window:          time.Duration(cfg.Triggers.WindowSeconds) * time.Second,
	}
	if cfg.Triggers.AutoSellEnabled {
		s.VolumeThreshold, _ = config.ParseEther(cfg.Triggers.AutoSellVolumeThreshold)
	}
	if cfg.Triggers.AutoBuyEnabled {
		s.FloorPrice, _ = decimal.NewFromString(cfg.Triggers.FloorPrice)
	}
	return s
}

func opsServer(cfg *config.Config) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "market-maker"})
	})
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}
	return &http.Server{Addr: ":" + cfg.Metrics.Port, Handler: r}
}

func shutdown(exec *executor.Executor, srv *http.Server) {
	logger.Info("🛑 Shutting down engine...")
	exec.Drain()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Ops server forced to shutdown: ", err)
	}
	logger.Info("Engine exiting")
}
