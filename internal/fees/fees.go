// Package fees implements the exchange's taker fee curve.
//
// The same function is used at sizing time (to gross up share counts), at
// fill time (to record the buy fee), and at resolution (to settle or
// estimate the sell fee), so the three call sites can never disagree.
package fees

import "github.com/shopspring/decimal"

const (
	// feeRate is the curve coefficient: fee = value * 0.25 * (p(1-p))^2.
	feeRate = 0.25

	// minPrice/maxPrice clamp the price before evaluating the curve.
	minPrice = 0.01
	maxPrice = 0.99
)

// minFee is the smallest representable fee. Anything below rounds to zero.
var minFee = decimal.NewFromFloat(0.0001)

// Multiplier returns the fee fraction of trade value at price p.
// The curve peaks at p = 0.5 and approaches zero at the clamped endpoints.
func Multiplier(p float64) float64 {
	if p < minPrice {
		p = minPrice
	}
	if p > maxPrice {
		p = maxPrice
	}
	x := p * (1 - p)
	return feeRate * x * x
}

// Fee computes the fee charged on a trade of the given USDC value executed
// at price p. Result is rounded to 0.0001 USDC; smaller fees are zero.
func Fee(p float64, value decimal.Decimal) decimal.Decimal {
	if value.IsZero() {
		return decimal.Zero
	}
	fee := value.Abs().Mul(decimal.NewFromFloat(Multiplier(p))).Round(4)
	if fee.LessThan(minFee) {
		return decimal.Zero
	}
	return fee
}

// FeeFloat is Fee for call sites that work in float64 (sizing math).
func FeeFloat(p, value float64) float64 {
	f, _ := Fee(p, decimal.NewFromFloat(value)).Float64()
	return f
}
