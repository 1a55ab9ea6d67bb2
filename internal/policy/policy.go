package policy

import (
	"os"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/reliefchain/engine/internal/risk"
)

// Policy holds the operator-tunable settlement parameters: the risk-tier
// amount thresholds and the auto-approval rule for low-risk claims.
type Policy struct {
	HighRiskAmount      decimal.Decimal
	MediumRiskAmount    decimal.Decimal
	AutoApprovalLimit   decimal.Decimal
	AutoApprovalEnabled bool
}

// Default returns the platform defaults, matching the review guidelines
// published to NGO reviewers.
func Default() Policy {
	return Policy{
		HighRiskAmount:      decimal.NewFromInt(50000),
		MediumRiskAmount:    decimal.NewFromInt(20000),
		AutoApprovalLimit:   decimal.NewFromInt(20000),
		AutoApprovalEnabled: true,
	}
}

// Thresholds projects the policy onto the risk scorer's input.
func (p Policy) Thresholds() risk.Thresholds {
	return risk.Thresholds{
		HighAmount:   p.HighRiskAmount,
		MediumAmount: p.MediumRiskAmount,
	}
}

// FromEnv loads a policy from environment variables, falling back to the
// defaults for anything unset or unparseable.
func FromEnv() Policy {
	p := Default()
	p.HighRiskAmount = envDecimal("HIGH_RISK_AMOUNT", p.HighRiskAmount)
	p.MediumRiskAmount = envDecimal("MEDIUM_RISK_AMOUNT", p.MediumRiskAmount)
	p.AutoApprovalLimit = envDecimal("AUTO_APPROVAL_LIMIT", p.AutoApprovalLimit)
	if v := os.Getenv("AUTO_APPROVAL_ENABLED"); v == "false" || v == "0" {
		p.AutoApprovalEnabled = false
	}
	return p
}

func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil || !d.IsPositive() {
		return fallback
	}
	return d
}

// Provider hands out consistent policy snapshots to concurrent readers and
// accepts live updates (from the etcd watcher or an admin surface) without
// blocking them.
type Provider struct {
	v atomic.Value // Policy
}

// NewProvider creates a provider seeded with p.
func NewProvider(p Policy) *Provider {
	pr := &Provider{}
	pr.v.Store(p)
	return pr
}

// Current returns the policy snapshot in effect.
func (pr *Provider) Current() Policy {
	return pr.v.Load().(Policy)
}

// Update replaces the policy in effect. Readers holding an older snapshot
// finish their operation under it; new operations see the update.
func (pr *Provider) Update(p Policy) {
	pr.v.Store(p)
}
