// Package product holds the structured-product arithmetic applied when a
// trade is exercised against its underlying product.
package product

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrExposureExceeded is returned when an exercise would consume more than
// the remaining exposure of the product.
var ErrExposureExceeded = errors.New("exercise exceeds remaining product exposure")

// TradeValueDelta returns the change in trade value caused by moving the
// exercise rate from previous to next: notional * |next - previous|.
func TradeValueDelta(notional decimal.Decimal, previous, next float64) decimal.Decimal {
	move := decimal.NewFromFloat(next).Sub(decimal.NewFromFloat(previous)).Abs()
	return notional.Mul(move)
}

// RemainingExposure returns the exposure left after applying the rate move.
// The result is returned even when negative so callers can report it.
func RemainingExposure(exposure, notional decimal.Decimal, previous, next float64) decimal.Decimal {
	return exposure.Sub(TradeValueDelta(notional, previous, next))
}

// Exercise applies the rate move and fails if the product's exposure would
// drop below zero.
func Exercise(exposure, notional decimal.Decimal, previous, next float64) (decimal.Decimal, error) {
	remaining := RemainingExposure(exposure, notional, previous, next)
	if remaining.IsNegative() {
		return remaining, ErrExposureExceeded
	}
	return remaining, nil
}
