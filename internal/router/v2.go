package router

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/MingZoox/market-maker/internal/chain"
	"github.com/MingZoox/market-maker/internal/config"
	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
)

// V2Router trades through a Uniswap-v2 style router using the fee-on-transfer
// swap variants, so taxed tokens settle without reverting.
type V2Router struct {
	caller Caller

	router common.Address
	weth   common.Address
	token  common.Address
	pair   common.Address

	tokenIsToken0 bool
	tokenDecimals int32

	slippagePercent float64
	buyTaxPercent   float64
	sellTaxPercent  float64
	deadlineSeconds int64
}

// NewV2 resolves the pair through the router's factory and caches its token
// ordering. Fails fast when no pair exists for the configured token.
func NewV2(ctx context.Context, caller Caller, cfg *config.Config) (*V2Router, error) {
	r := &V2Router{
		caller:          caller,
		router:          common.HexToAddress(cfg.Router.V2Address),
		weth:            common.HexToAddress(cfg.Router.WETHAddress),
		token:           common.HexToAddress(cfg.Token.Address),
		slippagePercent: cfg.Trading.SlippagePercent,
		buyTaxPercent:   cfg.Trading.BuyTaxPercent,
		sellTaxPercent:  cfg.Trading.SellTaxPercent,
		deadlineSeconds: cfg.Trading.DeadlineSeconds,
	}

	factory, err := r.callAddress(ctx, r.router, RouterV2ABI, "factory")
	if err != nil {
		return nil, err
	}
	pair, err := r.callAddressArgs(ctx, factory, "getPair", r.token, r.weth)
	if err != nil {
		return nil, err
	}
	if pair == (common.Address{}) {
		return nil, apperrors.Newf(apperrors.ErrConfigInvalid, nil, "no v2 pair for token %s", r.token.Hex())
	}
	r.pair = pair

	token0, err := r.callAddress(ctx, pair, chain.PairABI, "token0")
	if err != nil {
		return nil, err
	}
	r.tokenIsToken0 = token0 == r.token

	dec, err := r.tokenDecimalsOf(ctx, r.token)
	if err != nil {
		return nil, err
	}
	r.tokenDecimals = dec
	return r, nil
}

func (r *V2Router) Spender() common.Address { return r.router }

func (r *V2Router) Pair() common.Address { return r.pair }

func (r *V2Router) TokenDecimals() int32 { return r.tokenDecimals }

// Reserves returns (tokenReserve, wethReserve) in pair ordering-independent
// form.
func (r *V2Router) Reserves(ctx context.Context) (*big.Int, *big.Int, error) {
	data, err := chain.PairABI.Pack("getReserves")
	if err != nil {
		return nil, nil, apperrors.New(apperrors.ErrInternal, "pack getReserves", err)
	}
	raw, err := r.caller.Call(ctx, r.pair, data)
	if err != nil {
		return nil, nil, err
	}
	out, err := chain.PairABI.Unpack("getReserves", raw)
	if err != nil || len(out) < 2 {
		return nil, nil, apperrors.New(apperrors.ErrDecodeFailure, "unpack getReserves", err)
	}
	reserve0, ok0 := out[0].(*big.Int)
	reserve1, ok1 := out[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, apperrors.New(apperrors.ErrDecodeFailure, "getReserves returned unexpected types", nil)
	}
	if r.tokenIsToken0 {
		return reserve0, reserve1, nil
	}
	return reserve1, reserve0, nil
}

func (r *V2Router) TokenPrice(ctx context.Context) (decimal.Decimal, error) {
	tokenReserve, wethReserve, err := r.Reserves(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if tokenReserve.Sign() == 0 {
		return decimal.Zero, apperrors.New(apperrors.ErrDecodeFailure, "pair has no token liquidity", nil)
	}
	weth := decimal.NewFromBigInt(wethReserve, -18)
	token := decimal.NewFromBigInt(tokenReserve, -r.tokenDecimals)
	return weth.Div(token), nil
}

func (r *V2Router) BuildBuy(ctx context.Context, recipient common.Address, nativeIn *big.Int) (*TxIntent, error) {
	tokenReserve, wethReserve, err := r.Reserves(ctx)
	if err != nil {
		return nil, err
	}
	expected := AmountOut(nativeIn, wethReserve, tokenReserve)
	expected = ApplyTax(expected, r.buyTaxPercent)
	minOut := MinOut(expected, r.slippagePercent)

	data, err := RouterV2ABI.Pack("swapExactETHForTokensSupportingFeeOnTransferTokens",
		minOut, []common.Address{r.weth, r.token}, recipient, r.deadline())
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "pack buy swap", err)
	}
	return &TxIntent{To: r.router, Value: new(big.Int).Set(nativeIn), Data: data}, nil
}

func (r *V2Router) BuildSell(ctx context.Context, recipient common.Address, tokenIn *big.Int) (*TxIntent, error) {
	tokenReserve, wethReserve, err := r.Reserves(ctx)
	if err != nil {
		return nil, err
	}
	// the pool sees the post-tax input for fee-on-transfer tokens
	effectiveIn := ApplyTax(tokenIn, r.sellTaxPercent)
	expected := AmountOut(effectiveIn, tokenReserve, wethReserve)
	minOut := MinOut(expected, r.slippagePercent)

	data, err := RouterV2ABI.Pack("swapExactTokensForETHSupportingFeeOnTransferTokens",
		tokenIn, minOut, []common.Address{r.token, r.weth}, recipient, r.deadline())
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "pack sell swap", err)
	}
	return &TxIntent{To: r.router, Value: new(big.Int), Data: data}, nil
}

func (r *V2Router) deadline() *big.Int {
	return big.NewInt(time.Now().Unix() + r.deadlineSeconds)
}

func (r *V2Router) callAddress(ctx context.Context, to common.Address, parsed abi.ABI, method string) (common.Address, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return common.Address{}, apperrors.New(apperrors.ErrInternal, "pack "+method, err)
	}
	raw, err := r.caller.Call(ctx, to, data)
	if err != nil {
		return common.Address{}, err
	}
	if len(raw) < 32 {
		return common.Address{}, apperrors.Newf(apperrors.ErrDecodeFailure, nil, "%s returned %d bytes", method, len(raw))
	}
	return common.BytesToAddress(raw[12:32]), nil
}

func (r *V2Router) callAddressArgs(ctx context.Context, to common.Address, method string, args ...interface{}) (common.Address, error) {
	data, err := chain.FactoryABI.Pack(method, args...)
	if err != nil {
		return common.Address{}, apperrors.New(apperrors.ErrInternal, "pack "+method, err)
	}
	raw, err := r.caller.Call(ctx, to, data)
	if err != nil {
		return common.Address{}, err
	}
	if len(raw) < 32 {
		return common.Address{}, apperrors.Newf(apperrors.ErrDecodeFailure, nil, "%s returned %d bytes", method, len(raw))
	}
	return common.BytesToAddress(raw[12:32]), nil
}

func (r *V2Router) tokenDecimalsOf(ctx context.Context, token common.Address) (int32, error) {
	data, err := chain.ERC20ABI.Pack("decimals")
	if err != nil {
		return 0, apperrors.New(apperrors.ErrInternal, "pack decimals", err)
	}
	raw, err := r.caller.Call(ctx, token, data)
	if err != nil {
		return 0, err
	}
	if len(raw) < 32 {
		return 0, apperrors.New(apperrors.ErrDecodeFailure, "decimals call returned short data", nil)
	}
	return int32(raw[31]), nil
}
