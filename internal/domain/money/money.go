// Package money converts between display amounts (rupees) and the smallest currency unit
// the gateway expects (paise).
package money

import (
	"github.com/shopspring/decimal"

	"payment-settlement/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// ToMinorUnits parses a decimal rupee amount such as "500" or "499.50" into paise.
// Fractions finer than one paisa are rejected rather than rounded.
func ToMinorUnits(major string) (int64, error) {
	d, err := decimal.NewFromString(major)
	if err != nil {
		return 0, domain.NewValidationError("amount", "is not a decimal number")
	}
	minor := d.Mul(hundred)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, domain.NewValidationError("amount", "has more than two decimal places")
	}
	if !minor.IsPositive() {
		return 0, domain.NewValidationError("amount", "must be positive")
	}
	return minor.IntPart(), nil
}

// FromMinorUnits renders paise as a rupee string with two decimals.
func FromMinorUnits(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
