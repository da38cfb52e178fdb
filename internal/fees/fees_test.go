package fees

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestFeePositiveInsideRange(t *testing.T) {
	t.Parallel()

	value := decimal.NewFromInt(100)
	for _, p := range []float64{0.01, 0.05, 0.25, 0.5, 0.75, 0.95, 0.99} {
		fee := Fee(p, value)
		if !fee.IsPositive() {
			t.Errorf("Fee(%v, 100) = %s, want > 0", p, fee)
		}
	}
}

func TestFeeSymmetry(t *testing.T) {
	t.Parallel()

	value := decimal.NewFromFloat(37.5)
	for _, p := range []float64{0.1, 0.3, 0.48, 0.52} {
		a := Fee(p, value)
		b := Fee(1-p, value)
		if !a.Equal(b) {
			t.Errorf("Fee(%v) = %s, Fee(%v) = %s, want equal", p, a, 1-p, b)
		}
	}
}

func TestFeePeaksAtHalf(t *testing.T) {
	t.Parallel()

	mid := Multiplier(0.5)
	for _, p := range []float64{0.1, 0.3, 0.49, 0.51, 0.9} {
		if Multiplier(p) > mid {
			t.Errorf("Multiplier(%v) = %v exceeds Multiplier(0.5) = %v", p, Multiplier(p), mid)
		}
	}
	want := 0.25 * math.Pow(0.25, 2)
	if math.Abs(mid-want) > 1e-12 {
		t.Errorf("Multiplier(0.5) = %v, want %v", mid, want)
	}
}

func TestFeeClampsPrice(t *testing.T) {
	t.Parallel()

	value := decimal.NewFromInt(1000)
	if got, want := Fee(0.0, value), Fee(0.01, value); !got.Equal(want) {
		t.Errorf("Fee(0.0) = %s, want clamp to Fee(0.01) = %s", got, want)
	}
	if got, want := Fee(1.0, value), Fee(0.99, value); !got.Equal(want) {
		t.Errorf("Fee(1.0) = %s, want clamp to Fee(0.99) = %s", got, want)
	}
}

func TestFeeMinimumPrecision(t *testing.T) {
	t.Parallel()

	// 0.25*(0.01*0.99)^2 ≈ 2.45e-5 per dollar; a $1 trade rounds to zero.
	if fee := Fee(0.01, decimal.NewFromInt(1)); !fee.IsZero() {
		t.Errorf("Fee(0.01, $1) = %s, want 0", fee)
	}
	// At p=0.5 a $1 trade is 0.015625, above the floor.
	if fee := Fee(0.5, decimal.NewFromInt(1)); fee.IsZero() {
		t.Error("Fee(0.5, $1) = 0, want positive")
	}
	if fee := Fee(0.5, decimal.Zero); !fee.IsZero() {
		t.Errorf("Fee(0.5, 0) = %s, want 0", fee)
	}
}

// Settlement estimate at p=1.0: clamped to 0.99 where the curve is near zero
// but not exactly zero for large values.
func TestFeeAtResolutionPrice(t *testing.T) {
	t.Parallel()

	fee := Fee(1.0, decimal.NewFromInt(50))
	// 50 * 0.25 * (0.99*0.01)^2 = 50 * 2.45025e-5 ≈ 0.0012
	want := decimal.NewFromFloat(0.0012)
	if !fee.Equal(want) {
		t.Errorf("Fee(1.0, 50) = %s, want %s", fee, want)
	}
}
