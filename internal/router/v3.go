package router

import (
	"bytes"
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/MingZoox/market-maker/internal/chain"
	"github.com/MingZoox/market-maker/internal/config"
	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
)

// V3Router trades through a Uniswap-v3 style swap router on a single fee
// tier. Sells settle in wrapped native to the recipient; unwrapping is left
// to the caller.
type V3Router struct {
	caller Caller

	router common.Address
	weth   common.Address
	token  common.Address
	pool   common.Address
	fee    *big.Int

	tokenIsToken0 bool
	tokenDecimals int32

	slippagePercent float64
	buyTaxPercent   float64
	sellTaxPercent  float64
}

type exactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

func NewV3(ctx context.Context, caller Caller, cfg *config.Config) (*V3Router, error) {
	r := &V3Router{
		caller:          caller,
		router:          common.HexToAddress(cfg.Router.V3Address),
		weth:            common.HexToAddress(cfg.Router.WETHAddress),
		token:           common.HexToAddress(cfg.Token.Address),
		fee:             big.NewInt(int64(cfg.Router.V3FeeTier)),
		slippagePercent: cfg.Trading.SlippagePercent,
		buyTaxPercent:   cfg.Trading.BuyTaxPercent,
		sellTaxPercent:  cfg.Trading.SellTaxPercent,
	}

	factoryData, err := RouterV3ABI.Pack("factory")
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "pack factory", err)
	}
	raw, err := caller.Call(ctx, r.router, factoryData)
	if err != nil {
		return nil, err
	}
	if len(raw) < 32 {
		return nil, apperrors.New(apperrors.ErrDecodeFailure, "factory call returned short data", nil)
	}
	factory := common.BytesToAddress(raw[12:32])

	poolData, err := chain.FactoryABI.Pack("getPool", r.token, r.weth, r.fee)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "pack getPool", err)
	}
	raw, err = caller.Call(ctx, factory, poolData)
	if err != nil {
		return nil, err
	}
	if len(raw) < 32 {
		return nil, apperrors.New(apperrors.ErrDecodeFailure, "getPool call returned short data", nil)
	}
	pool := common.BytesToAddress(raw[12:32])
	if pool == (common.Address{}) {
		return nil, apperrors.Newf(apperrors.ErrConfigInvalid, nil,
			"no v3 pool for token %s at fee tier %s", r.token.Hex(), r.fee)
	}
	r.pool = pool
	r.tokenIsToken0 = lessAddress(r.token, r.weth)

	decData, err := chain.ERC20ABI.Pack("decimals")
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "pack decimals", err)
	}
	raw, err = caller.Call(ctx, r.token, decData)
	if err != nil {
		return nil, err
	}
	if len(raw) < 32 {
		return nil, apperrors.New(apperrors.ErrDecodeFailure, "decimals call returned short data", nil)
	}
	r.tokenDecimals = int32(raw[31])
	return r, nil
}

func (r *V3Router) Spender() common.Address { return r.router }

func (r *V3Router) Pool() common.Address { return r.pool }

func (r *V3Router) TokenDecimals() int32 { return r.tokenDecimals }

// TokenPrice derives the spot price from the pool's current sqrtPriceX96.
func (r *V3Router) TokenPrice(ctx context.Context) (decimal.Decimal, error) {
	data, err := PoolV3ABI.Pack("slot0")
	if err != nil {
		return decimal.Zero, apperrors.New(apperrors.ErrInternal, "pack slot0", err)
	}
	raw, err := r.caller.Call(ctx, r.pool, data)
	if err != nil {
		return decimal.Zero, err
	}
	if len(raw) < 32 {
		return decimal.Zero, apperrors.New(apperrors.ErrDecodeFailure, "slot0 returned short data", nil)
	}
	sqrtPrice := new(big.Int).SetBytes(raw[:32])
	if sqrtPrice.Sign() == 0 {
		return decimal.Zero, apperrors.New(apperrors.ErrDecodeFailure, "pool reports zero price", nil)
	}

	// token1-per-token0 ratio in raw units: (sqrtPriceX96)^2 / 2^192
	squared := new(big.Int).Mul(sqrtPrice, sqrtPrice)
	ratio := decimal.NewFromBigInt(squared, 0).
		Div(decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 192), 0))

	if r.tokenIsToken0 {
		// token1 = weth: scale raw ratio into whole units
		return ratio.Shift(r.tokenDecimals - 18), nil
	}
	if ratio.IsZero() {
		return decimal.Zero, apperrors.New(apperrors.ErrDecodeFailure, "pool reports zero price", nil)
	}
	return decimal.NewFromInt(1).Div(ratio).Shift(r.tokenDecimals - 18), nil
}

func (r *V3Router) BuildBuy(ctx context.Context, recipient common.Address, nativeIn *big.Int) (*TxIntent, error) {
	price, err := r.TokenPrice(ctx)
	if err != nil {
		return nil, err
	}
	expected := r.expectedTokensOut(nativeIn, price)
	expected = ApplyTax(expected, r.buyTaxPercent)
	minOut := MinOut(expected, r.slippagePercent)

	data, err := RouterV3ABI.Pack("exactInputSingle", exactInputSingleParams{
		TokenIn:           r.weth,
		TokenOut:          r.token,
		Fee:               r.fee,
		Recipient:         recipient,
		AmountIn:          new(big.Int).Set(nativeIn),
		AmountOutMinimum:  minOut,
		SqrtPriceLimitX96: new(big.Int),
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "pack buy swap", err)
	}
	return &TxIntent{To: r.router, Value: new(big.Int).Set(nativeIn), Data: data}, nil
}

func (r *V3Router) BuildSell(ctx context.Context, recipient common.Address, tokenIn *big.Int) (*TxIntent, error) {
	price, err := r.TokenPrice(ctx)
	if err != nil {
		return nil, err
	}
	effectiveIn := ApplyTax(tokenIn, r.sellTaxPercent)
	expected := r.expectedNativeOut(effectiveIn, price)
	minOut := MinOut(expected, r.slippagePercent)

	data, err := RouterV3ABI.Pack("exactInputSingle", exactInputSingleParams{
		TokenIn:           r.token,
		TokenOut:          r.weth,
		Fee:               r.fee,
		Recipient:         recipient,
		AmountIn:          new(big.Int).Set(tokenIn),
		AmountOutMinimum:  minOut,
		SqrtPriceLimitX96: new(big.Int),
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "pack sell swap", err)
	}
	return &TxIntent{To: r.router, Value: new(big.Int), Data: data}, nil
}

func (r *V3Router) expectedTokensOut(nativeIn *big.Int, price decimal.Decimal) *big.Int {
	if price.IsZero() {
		return new(big.Int)
	}
	native := decimal.NewFromBigInt(nativeIn, -18)
	return native.Div(price).Shift(r.tokenDecimals).Truncate(0).BigInt()
}

func (r *V3Router) expectedNativeOut(tokenIn *big.Int, price decimal.Decimal) *big.Int {
	tokens := decimal.NewFromBigInt(tokenIn, -r.tokenDecimals)
	return tokens.Mul(price).Shift(18).Truncate(0).BigInt()
}

func lessAddress(a, b common.Address) bool {
	return bytes.Compare(a.Bytes(), b.Bytes()) < 0
}
