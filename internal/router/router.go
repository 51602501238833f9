package router

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/MingZoox/market-maker/internal/config"
	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
)

// Caller is the read-only contract call surface the routers need.
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// TxIntent is an unsigned trade: destination, native value and calldata.
// Nonce, gas and signature are the executor's business.
type TxIntent struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Router builds swap calldata against one AMM family and quotes the token
// price in native units.
type Router interface {
	// BuildBuy swaps nativeIn wei into the token for recipient, with the
	// minimum output derived from the current quote, buy tax and slippage.
	BuildBuy(ctx context.Context, recipient common.Address, nativeIn *big.Int) (*TxIntent, error)
	// BuildSell swaps tokenIn token units into native for recipient.
	BuildSell(ctx context.Context, recipient common.Address, tokenIn *big.Int) (*TxIntent, error)
	// TokenPrice quotes the spot price in native per whole token.
	TokenPrice(ctx context.Context) (decimal.Decimal, error)
	// Spender is the address sell approvals must target.
	Spender() common.Address
}

// New builds the router selected by cfg.Router.Active.
func New(ctx context.Context, caller Caller, cfg *config.Config) (Router, error) {
	switch cfg.Router.Active {
	case "v2":
		return NewV2(ctx, caller, cfg)
	case "v3":
		return NewV3(ctx, caller, cfg)
	default:
		return nil, apperrors.Newf(apperrors.ErrConfigInvalid, nil, "unknown router family %q", cfg.Router.Active)
	}
}

const routerV2ABIJSON = `[
	{"inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactETHForTokensSupportingFeeOnTransferTokens","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactTokensForETHSupportingFeeOnTransferTokens","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"factory","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const routerV3ABIJSON = `[
	{"inputs":[{"components":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"recipient","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"amountOutMinimum","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}],"name":"params","type":"tuple"}],"name":"exactInputSingle","outputs":[{"name":"amountOut","type":"uint256"}],"stateMutability":"payable","type":"function"},
	{"inputs":[],"name":"factory","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const poolV3ABIJSON = `[
	{"inputs":[],"name":"slot0","outputs":[{"name":"sqrtPriceX96","type":"uint160"},{"name":"tick","type":"int24"},{"name":"observationIndex","type":"uint16"},{"name":"observationCardinality","type":"uint16"},{"name":"observationCardinalityNext","type":"uint16"},{"name":"feeProtocol","type":"uint8"},{"name":"unlocked","type":"bool"}],"stateMutability":"view","type":"function"}
]`

var (
	RouterV2ABI abi.ABI
	RouterV3ABI abi.ABI
	PoolV3ABI   abi.ABI
)

func init() {
	RouterV2ABI = mustParse(routerV2ABIJSON)
	RouterV3ABI = mustParse(routerV3ABIJSON)
	PoolV3ABI = mustParse(poolV3ABIJSON)
}

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
