package router

import (
	"math"
	"math/big"
)

var (
	big997  = big.NewInt(997)
	big1000 = big.NewInt(1000)
)

// AmountOut computes the constant-product output for a v2 pair with the
// 30 bps pool fee applied to the input.
func AmountOut(amountIn, reserveIn, reserveOut *big.Int) *big.Int {
	if amountIn == nil || amountIn.Sign() <= 0 || reserveIn == nil || reserveIn.Sign() <= 0 || reserveOut == nil || reserveOut.Sign() <= 0 {
		return new(big.Int)
	}
	inWithFee := new(big.Int).Mul(amountIn, big997)
	numerator := new(big.Int).Mul(inWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, big1000)
	denominator.Add(denominator, inWithFee)
	return numerator.Div(numerator, denominator)
}

// ApplyTax reduces an expected output by the token's transfer tax percentage,
// rounding down.
func ApplyTax(amount *big.Int, taxPercent float64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || taxPercent <= 0 {
		return cloneOrZero(amount)
	}
	// tax is carried in tenths of a percent so fractional rates survive
	// integer math
	permille := int64(math.Floor(taxPercent * 10))
	if permille <= 0 {
		return cloneOrZero(amount)
	}
	cut := new(big.Int).Mul(amount, big.NewInt(permille))
	cut.Div(cut, big.NewInt(1000))
	return new(big.Int).Sub(amount, cut)
}

// MinOut applies the slippage tolerance to an expected (already tax-adjusted)
// output. The tolerance is truncated to thousandths of a percent before the
// integer scaling, so minOut = out - out*floor(slip*1000)/100000.
func MinOut(expectedOut *big.Int, slippagePercent float64) *big.Int {
	if expectedOut == nil || expectedOut.Sign() <= 0 {
		return new(big.Int)
	}
	scaled := int64(math.Floor(slippagePercent * 1000))
	if scaled <= 0 {
		return new(big.Int).Set(expectedOut)
	}
	cut := new(big.Int).Mul(expectedOut, big.NewInt(scaled))
	cut.Div(cut, big.NewInt(100_000))
	return new(big.Int).Sub(expectedOut, cut)
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
