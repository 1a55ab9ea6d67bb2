package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrNotPositive   = errors.New("amount must be positive")
	ErrTooManyDigits = errors.New("amount has more than two decimal places")
)

// Parse parses a monetary amount from its string form.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.Exponent() < -2 {
		return decimal.Zero, ErrTooManyDigits
	}
	return d, nil
}

// ParsePositive parses an amount and requires it to be strictly positive.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrNotPositive
	}
	return d, nil
}

// IsPositive reports whether d is strictly greater than zero.
func IsPositive(d decimal.Decimal) bool {
	return d.IsPositive()
}

// FormatINR renders an amount with the rupee symbol and two decimal places.
func FormatINR(d decimal.Decimal) string {
	return "₹" + d.StringFixed(2)
}
