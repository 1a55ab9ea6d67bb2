package disbursement

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AttemptStatus is a disbursement attempt's settlement state.
type AttemptStatus string

const (
	AttemptSubmitted AttemptStatus = "submitted"
	AttemptConfirmed AttemptStatus = "confirmed"
	AttemptFailed    AttemptStatus = "failed"
)

// Attempt is one transfer request against an approved claim. A claim owns
// any number of attempts over its life but at most one in submitted state at
// a time; a confirmed attempt is terminal and immutable; a failed attempt is
// superseded by a new one, never retried in place.
type Attempt struct {
	ID            uuid.UUID       `json:"id"`
	ClaimID       uuid.UUID       `json:"claim_id"`
	Amount        decimal.Decimal `json:"amount"`
	Target        string          `json:"target"`
	TxRef         string          `json:"tx_ref,omitempty"`
	Status        AttemptStatus   `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	Version       int             `json:"version"`
}

// Reference is the string that travels with the chain transfer and returns
// in the settlement event; the reconciler routes on its prefix.
func (a *Attempt) Reference() string {
	return "claim-attempt:" + a.ID.String()
}

// Result is a settlement outcome reported by the ledger.
type Result struct {
	Confirmed bool
	TxRef     string
	Reason    string
}
