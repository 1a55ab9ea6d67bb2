package transparency

import (
	"time"

	"github.com/shopspring/decimal"
)

// PublicStats is the headline figures for the public dashboard.
type PublicStats struct {
	TotalDonated   decimal.Decimal `json:"total_donated"`
	TotalDisbursed decimal.Decimal `json:"total_disbursed"`
	VictimsHelped  int             `json:"victims_helped"`
	ActiveClaims   int             `json:"active_claims"`
	TotalDonors    int             `json:"total_donors"`
}

// CategoryTotal is one disaster pool's confirmed in/out flow. Balance is
// advisory: pools are category-scoped by default and any cross-pool
// allocation is an explicit operator decision, not engine behavior.
type CategoryTotal struct {
	Category  string          `json:"category"`
	Donated   decimal.Decimal `json:"donated"`
	Disbursed decimal.Decimal `json:"disbursed"`
	Balance   decimal.Decimal `json:"balance"`
}

// Transaction is one confirmed money movement for the public feed.
type Transaction struct {
	Kind     string          `json:"kind"` // "donation" or "disbursement"
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	TxRef    string          `json:"tx_ref"`
	At       time.Time       `json:"at"`
}
