package lending

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	basisPoints = 10_000
	// SecondsPerYear is fixed at 365 days so accrual never depends on the
	// calendar.
	SecondsPerYear = 365 * 24 * 3600
	// MaxTermSeconds bounds loan terms and inquiry windows well inside the
	// range of time.Duration.
	MaxTermSeconds = 100 * SecondsPerYear

	ratioPrecision = 8
)

var maxAmount = new(uint256.Int).SetAllOne()

func valueOf(unit *uint256.Int, quantity uint64) *uint256.Int {
	if unit == nil || quantity == 0 {
		return new(uint256.Int)
	}
	out, overflow := new(uint256.Int).MulOverflow(unit, uint256.NewInt(quantity))
	if overflow {
		return new(uint256.Int).Set(maxAmount)
	}
	return out
}

func addSaturating(a, b *uint256.Int) *uint256.Int {
	out, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return new(uint256.Int).Set(maxAmount)
	}
	return out
}

// mulBpsFloor returns floor(amount × bps / 10000), rounding toward zero so
// borrowing limits never exceed the configured ratio.
func mulBpsFloor(amount *uint256.Int, bps uint64) *uint256.Int {
	if amount == nil || bps == 0 {
		return new(uint256.Int)
	}
	out, overflow := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(bps), uint256.NewInt(basisPoints))
	if overflow {
		return new(uint256.Int).Set(maxAmount)
	}
	return out
}

// AccruedInterest computes simple interest principal × bps/10000 ×
// elapsed/SecondsPerYear, rounded half-up to the minimum unit. Partial seconds
// are ignored.
func AccruedInterest(principal *uint256.Int, rateBps uint64, elapsed time.Duration) *uint256.Int {
	if principal == nil || principal.IsZero() || rateBps == 0 || elapsed <= 0 {
		return new(uint256.Int)
	}
	seconds := uint64(elapsed / time.Second)
	if seconds == 0 {
		return new(uint256.Int)
	}
	numerator, overflow := new(uint256.Int).MulOverflow(principal, uint256.NewInt(rateBps))
	if overflow {
		return new(uint256.Int).Set(maxAmount)
	}
	numerator, overflow = numerator.MulOverflow(numerator, uint256.NewInt(seconds))
	if overflow {
		return new(uint256.Int).Set(maxAmount)
	}
	denominator := uint256.NewInt(basisPoints * SecondsPerYear)
	half := new(uint256.Int).Rsh(denominator, 1)
	numerator, overflow = numerator.AddOverflow(numerator, half)
	if overflow {
		return new(uint256.Int).Set(maxAmount)
	}
	return numerator.Div(numerator, denominator)
}

// ratio returns numerator / denominator as a decimal rounded to eight places.
// A zero denominator yields zero.
func ratio(numerator, denominator *uint256.Int) decimal.Decimal {
	if denominator == nil || denominator.IsZero() {
		return decimal.Zero
	}
	num := decimal.NewFromBigInt(numerator.ToBig(), 0)
	den := decimal.NewFromBigInt(denominator.ToBig(), 0)
	return num.DivRound(den, ratioPrecision)
}
