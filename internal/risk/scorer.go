package risk

import (
	"github.com/shopspring/decimal"
)

// Tier classifies a claim's review urgency and auto-approval eligibility.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierLow, TierMedium, TierHigh:
		return true
	}
	return false
}

// Thresholds are the amount cut-offs for tiering. Both are exclusive: an
// amount exactly at the threshold does not cross it.
type Thresholds struct {
	HighAmount   decimal.Decimal
	MediumAmount decimal.Decimal
}

// DefaultThresholds returns the platform defaults (₹50,000 / ₹20,000).
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighAmount:   decimal.NewFromInt(50000),
		MediumAmount: decimal.NewFromInt(20000),
	}
}

// Input is the subset of claim attributes the scorer looks at.
type Input struct {
	RequestedAmount decimal.Decimal
	DocumentCount   int
	HasCoordinates  bool
}

// Score maps claim attributes to a tier. Pure and deterministic: no I/O, no
// clock, identical input always yields the identical tier.
//
// High conditions are evaluated first and short-circuit: amount above the
// high threshold, no supporting documents, or no location coordinates.
// Otherwise amounts above the medium threshold are Medium, the rest Low.
func Score(in Input, th Thresholds) Tier {
	if in.RequestedAmount.GreaterThan(th.HighAmount) || in.DocumentCount == 0 || !in.HasCoordinates {
		return TierHigh
	}
	if in.RequestedAmount.GreaterThan(th.MediumAmount) {
		return TierMedium
	}
	return TierLow
}
