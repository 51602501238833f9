package config

import (
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Token    TokenConfig    `mapstructure:"token"`
	Router   RouterConfig   `mapstructure:"router"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Wallets  WalletsConfig  `mapstructure:"wallets"`
	Triggers TriggersConfig `mapstructure:"triggers"`
	Cascade  CascadeConfig  `mapstructure:"cascade"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ChainConfig struct {
	RPCURL         string `mapstructure:"rpc_url"`
	WSURL          string `mapstructure:"ws_url"`
	ChainID        int64  `mapstructure:"chain_id"`
	ReadRetries    int    `mapstructure:"read_retries"`
	ReadBackoffMs  int    `mapstructure:"read_backoff_ms"`
	ReadRateLimit  int    `mapstructure:"read_rate_limit"`  // reads per second, 0 = unlimited
	SubmitTimeoutS int    `mapstructure:"submit_timeout_s"` // per-broadcast deadline
}

type TokenConfig struct {
	Address string `mapstructure:"address"`
}

// RouterConfig selects the AMM router family the engine trades against and
// watches for. All three addresses are observed; only the active family is
// used for the write path.
type RouterConfig struct {
	Active           string `mapstructure:"active"` // "v2" | "v3"
	V2Address        string `mapstructure:"v2_address"`
	V3Address        string `mapstructure:"v3_address"`
	UniversalAddress string `mapstructure:"universal_address"`
	WETHAddress      string `mapstructure:"weth_address"`
	V3FeeTier        uint32 `mapstructure:"v3_fee_tier"`
}

type TradingConfig struct {
	SlippagePercent float64 `mapstructure:"slippage_percent"`
	BuyTaxPercent   float64 `mapstructure:"buy_tax_percent"`
	SellTaxPercent  float64 `mapstructure:"sell_tax_percent"`
	GasLimit        uint64  `mapstructure:"gas_limit"`
	DeadlineSeconds int64   `mapstructure:"deadline_seconds"`
}

type WalletsConfig struct {
	Seed           string `mapstructure:"seed"` // hex seed for deterministic derivation
	Count          uint32 `mapstructure:"count"`
	SurplusBalance string `mapstructure:"surplus_balance"` // ether units, kept untouched per wallet
}

type TriggersConfig struct {
	MempoolEnabled bool `mapstructure:"mempool_enabled"`
	EventsEnabled  bool `mapstructure:"events_enabled"`

	AutoSellEnabled         bool    `mapstructure:"auto_sell_enabled"`
	AutoSellVolumeThreshold string  `mapstructure:"auto_sell_volume_threshold"` // ether units
	AutoSellMinPercent      float64 `mapstructure:"auto_sell_min_percent"`
	AutoSellMaxPercent      float64 `mapstructure:"auto_sell_max_percent"`

	AutoBuyEnabled     bool    `mapstructure:"auto_buy_enabled"`
	FloorPrice         string  `mapstructure:"floor_price"` // native units per token
	AutoBuyMinPercent  float64 `mapstructure:"auto_buy_min_percent"`
	AutoBuyMaxPercent  float64 `mapstructure:"auto_buy_max_percent"`
	WindowSeconds      int     `mapstructure:"window_seconds"`
	SubmitWorkers      int     `mapstructure:"submit_workers"`
	SeenCacheTTLSecond int     `mapstructure:"seen_cache_ttl_s"`
}

type CascadeGroup struct {
	Seed            string  `mapstructure:"seed"`
	MaxWalletsCount uint32  `mapstructure:"max_wallets_count"`
	MinBuyVolume    float64 `mapstructure:"min_buy_volume"` // ether units
	MaxBuyVolume    float64 `mapstructure:"max_buy_volume"`
	MinDelaySeconds uint64  `mapstructure:"min_delay_seconds"`
	MaxDelaySeconds uint64  `mapstructure:"max_delay_seconds"`
	MinRetainToken  uint32  `mapstructure:"min_retain_token"` // whole-token units
	MaxRetainToken  uint32  `mapstructure:"max_retain_token"`
}

type CascadeConfig struct {
	Defaults      CascadeGroup   `mapstructure:"defaults"`
	Groups        []CascadeGroup `mapstructure:"groups"`
	DustThreshold string         `mapstructure:"dust_threshold"` // ether units
}

type RelayConfig struct {
	Builders           []string `mapstructure:"builders"`
	SigningKey         string   `mapstructure:"signing_key"` // relay auth identity
	SimulationRelay    string   `mapstructure:"simulation_relay"`
	MaxBlocks          int64    `mapstructure:"max_blocks"`
	DeployerKey        string   `mapstructure:"deployer_key"`
	OpenTradingAddress string   `mapstructure:"open_trading_address"`
	OpenTradingMethod  string   `mapstructure:"open_trading_method"`
	LaunchWalletsCount uint32   `mapstructure:"launch_wallets_count"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    string `mapstructure:"port"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. MARKETMAKER_CHAIN_RPC_URL
	viper.SetEnvPrefix("marketmaker")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("chain.read_retries", 5)
	viper.SetDefault("chain.read_backoff_ms", 200)
	viper.SetDefault("chain.read_rate_limit", 50)
	viper.SetDefault("chain.submit_timeout_s", 10)
	viper.SetDefault("router.active", "v2")
	viper.SetDefault("router.v3_fee_tier", 500)
	viper.SetDefault("trading.slippage_percent", 0.5)
	viper.SetDefault("trading.gas_limit", 500000)
	viper.SetDefault("trading.deadline_seconds", 60)
	viper.SetDefault("triggers.window_seconds", 60)
	viper.SetDefault("triggers.submit_workers", 4)
	viper.SetDefault("triggers.seen_cache_ttl_s", 300)
	viper.SetDefault("cascade.dust_threshold", "0.001")
	viper.SetDefault("relay.max_blocks", 25)
	viper.SetDefault("relay.open_trading_method", "openTrading")
	viper.SetDefault("relay.builders", []string{"https://relay.flashbots.net"})
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.port", "9090")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate fails fast when a required threshold is missing while its dependent
// feature flag is enabled. Called once at startup; validation failures are the
// only fatal configuration outcome.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return apperrors.New(apperrors.ErrConfigInvalid, "chain.rpc_url is required", nil)
	}
	if (c.Triggers.MempoolEnabled || c.Triggers.EventsEnabled) && c.Chain.WSURL == "" {
		return apperrors.New(apperrors.ErrConfigInvalid, "chain.ws_url is required when a listen mode is enabled", nil)
	}
	if !common.IsHexAddress(c.Token.Address) {
		return apperrors.New(apperrors.ErrConfigInvalid, "token.address is not a valid address", nil)
	}
	switch c.Router.Active {
	case "v2":
		if !common.IsHexAddress(c.Router.V2Address) {
			return apperrors.New(apperrors.ErrConfigInvalid, "router.v2_address is required for active router v2", nil)
		}
	case "v3":
		if !common.IsHexAddress(c.Router.V3Address) {
			return apperrors.New(apperrors.ErrConfigInvalid, "router.v3_address is required for active router v3", nil)
		}
	default:
		return apperrors.Newf(apperrors.ErrConfigInvalid, nil, "router.active %q must be v2 or v3", c.Router.Active)
	}
	if !common.IsHexAddress(c.Router.WETHAddress) {
		return apperrors.New(apperrors.ErrConfigInvalid, "router.weth_address is required", nil)
	}

	if c.Triggers.AutoSellEnabled {
		if _, err := ParseEther(c.Triggers.AutoSellVolumeThreshold); err != nil {
			return apperrors.New(apperrors.ErrConfigInvalid, "triggers.auto_sell_volume_threshold is required when auto sell is enabled", err)
		}
		if err := validPercentRange(c.Triggers.AutoSellMinPercent, c.Triggers.AutoSellMaxPercent); err != nil {
			return apperrors.New(apperrors.ErrConfigInvalid, "triggers auto sell percent range invalid", err)
		}
	}
	if c.Triggers.AutoBuyEnabled {
		if _, err := decimal.NewFromString(c.Triggers.FloorPrice); err != nil {
			return apperrors.New(apperrors.ErrConfigInvalid, "triggers.floor_price is required when auto buy is enabled", err)
		}
		if err := validPercentRange(c.Triggers.AutoBuyMinPercent, c.Triggers.AutoBuyMaxPercent); err != nil {
			return apperrors.New(apperrors.ErrConfigInvalid, "triggers auto buy percent range invalid", err)
		}
	}
	for i, g := range c.Cascade.Groups {
		merged := c.Cascade.Defaults.Overlay(g)
		if merged.Seed == "" {
			return apperrors.Newf(apperrors.ErrConfigInvalid, nil, "cascade.groups[%d].seed is required", i)
		}
		if merged.MaxWalletsCount == 0 {
			return apperrors.Newf(apperrors.ErrConfigInvalid, nil, "cascade.groups[%d] max_wallets_count must be positive", i)
		}
		if merged.MinBuyVolume <= 0 || merged.MaxBuyVolume < merged.MinBuyVolume {
			return apperrors.Newf(apperrors.ErrConfigInvalid, nil, "cascade.groups[%d] buy volume range invalid", i)
		}
	}
	return nil
}

// Overlay returns g with zero-valued fields filled in from the defaults d,
// mirroring how per-group settings inherit from the default block.
func (d CascadeGroup) Overlay(g CascadeGroup) CascadeGroup {
	out := g
	if out.MaxWalletsCount == 0 {
		out.MaxWalletsCount = d.MaxWalletsCount
	}
	if out.MinBuyVolume == 0 {
		out.MinBuyVolume = d.MinBuyVolume
	}
	if out.MaxBuyVolume == 0 {
		out.MaxBuyVolume = d.MaxBuyVolume
	}
	if out.MinDelaySeconds == 0 {
		out.MinDelaySeconds = d.MinDelaySeconds
	}
	if out.MaxDelaySeconds == 0 {
		out.MaxDelaySeconds = d.MaxDelaySeconds
	}
	if out.MinRetainToken == 0 {
		out.MinRetainToken = d.MinRetainToken
	}
	if out.MaxRetainToken == 0 {
		out.MaxRetainToken = d.MaxRetainToken
	}
	return out
}

func validPercentRange(min, max float64) error {
	if min <= 0 || max < min || max > 100 {
		return fmt.Errorf("percent range [%v, %v] out of bounds", min, max)
	}
	return nil
}

var weiPerEther = decimal.New(1, 18)

// ParseEther converts a decimal ether-unit string to wei.
func ParseEther(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse ether amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative ether amount %q", s)
	}
	return d.Mul(weiPerEther).BigInt(), nil
}
