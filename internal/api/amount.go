package api

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/transfa/settlement-service/pkg/envelope"
)

var (
	errAmountRequired  = errors.New("amount is required")
	errAmountPositive  = errors.New("amount must be greater than zero")
	errAmountPrecision = errors.New("amount supports at most two decimal places")
	errAmountTooLarge  = errors.New("amount is too large")
)

var (
	hundred   = decimal.NewFromInt(100)
	maxAmount = decimal.NewFromInt(envelope.MaxAmount) // in cents
)

// toMinorUnits converts a major-unit amount such as 25.50 into cents.
func toMinorUnits(amount *decimal.Decimal, allowZero bool) (int64, error) {
	if amount == nil {
		if allowZero {
			return 0, nil
		}
		return 0, errAmountRequired
	}
	if amount.IsNegative() || (!allowZero && amount.IsZero()) {
		return 0, errAmountPositive
	}
	cents := amount.Mul(hundred)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, errAmountPrecision
	}
	if cents.GreaterThan(maxAmount) {
		return 0, errAmountTooLarge
	}
	return cents.IntPart(), nil
}

// formatMinorUnits renders cents as a two-decimal string, e.g. 2550 -> "25.50".
func formatMinorUnits(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
