package donations

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reliefchain/engine/internal/claims"
)

// Status is a donation's settlement state.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Donation is one contribution to a disaster category's pool. It is not tied
// to any claim. A confirmed donation carries exactly one receipt token.
type Donation struct {
	ID             uuid.UUID       `json:"id"`
	Donor          string          `json:"donor"`
	Category       claims.Category `json:"category"`
	Amount         decimal.Decimal `json:"amount"`
	Message        string          `json:"message,omitempty"`
	TxRef          string          `json:"tx_ref,omitempty"`
	Status         Status          `json:"status"`
	ReceiptTokenID string          `json:"receipt_token_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ConfirmedAt    *time.Time      `json:"confirmed_at,omitempty"`
	Version        int             `json:"version"`
}

// Reference is the string attached to the chain transfer; the reconciler
// routes settlement outcomes back here on its prefix.
func (d *Donation) Reference() string {
	return "donation:" + d.ID.String()
}

// DonorStats summarizes one donor's confirmed giving.
type DonorStats struct {
	Donor          string          `json:"donor"`
	TotalDonated   decimal.Decimal `json:"total_donated"`
	TotalDonations int             `json:"total_donations"`
	ReceiptCount   int             `json:"receipt_count"`
}
