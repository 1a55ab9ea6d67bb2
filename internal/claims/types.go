package claims

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reliefchain/engine/internal/risk"
)

// Status is a claim's lifecycle state.
type Status string

const (
	StatusPending            Status = "pending"
	StatusUnderReview        Status = "under_review"
	StatusApproved           Status = "approved"
	StatusRejected           Status = "rejected"
	StatusDisbursing         Status = "disbursing"
	StatusDisbursed          Status = "disbursed"
	StatusDisbursementFailed Status = "disbursement_failed"
)

// transitions is the full state graph. Anything not listed is invalid;
// rejected and disbursed are terminal.
var transitions = map[Status][]Status{
	StatusPending:            {StatusUnderReview, StatusApproved},
	StatusUnderReview:        {StatusApproved, StatusRejected},
	StatusApproved:           {StatusDisbursing},
	StatusDisbursing:         {StatusDisbursed, StatusDisbursementFailed},
	StatusDisbursementFailed: {StatusDisbursing, StatusRejected},
}

// CanTransition reports whether from -> to is a legal move on the state graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Category is a disaster category. Donation pools are scoped per category.
type Category string

const (
	CategoryFlood      Category = "flood"
	CategoryEarthquake Category = "earthquake"
	CategoryCyclone    Category = "cyclone"
	CategoryFire       Category = "fire"
	CategoryDrought    Category = "drought"
	CategoryLandslide  Category = "landslide"
	CategoryOther      Category = "other"
)

// Categories lists every valid disaster category.
func Categories() []Category {
	return []Category{
		CategoryFlood, CategoryEarthquake, CategoryCyclone,
		CategoryFire, CategoryDrought, CategoryLandslide, CategoryOther,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// Coordinates is an optional geocoordinate pair attached to a claim.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Claim is one relief request. Rows are never deleted; terminal claims are
// retained for audit. Version backs the optimistic CAS that serializes all
// writers of a single claim.
type Claim struct {
	ID              uuid.UUID       `json:"id"`
	Submitter       string          `json:"submitter"`
	Category        Category        `json:"category"`
	Description     string          `json:"description"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	Location        string          `json:"location"`
	Coordinates     *Coordinates    `json:"coordinates,omitempty"`
	Documents       []string        `json:"documents"`
	PayoutTarget    string          `json:"payout_target"`

	RiskTier        risk.Tier       `json:"risk_tier"`
	Status          Status          `json:"status"`
	ReviewerID      string          `json:"reviewer_id,omitempty"`
	ReviewNotes     string          `json:"review_notes,omitempty"`
	ApprovedAmount  decimal.Decimal `json:"approved_amount"`
	DisbursementRef string          `json:"disbursement_ref,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     int       `json:"version"`
}

// Decision is a reviewer's verdict on a claim under review.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// PendingFilter narrows ListPending.
type PendingFilter struct {
	Tier          risk.Tier
	SubmittedFrom time.Time
	SubmittedTo   time.Time
	Limit         int
}

// ReviewerStats summarizes one reviewer's activity, derived from the
// materialized claims table.
type ReviewerStats struct {
	ReviewerID string `json:"reviewer_id"`
	Reviewed   int    `json:"reviewed"`
	Approved   int    `json:"approved"`
	Rejected   int    `json:"rejected"`
	Pending    int    `json:"pending"`
}
