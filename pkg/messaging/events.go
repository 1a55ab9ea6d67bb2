package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subjects for claim lifecycle events.
const (
	SubjectClaimSubmitted          = "claim.submitted"
	SubjectClaimAutoApproved       = "claim.auto_approved"
	SubjectClaimReviewStarted      = "claim.review_started"
	SubjectClaimApproved           = "claim.approved"
	SubjectClaimRejected           = "claim.rejected"
	SubjectClaimDisbursing         = "claim.disbursing"
	SubjectClaimDisbursed          = "claim.disbursed"
	SubjectClaimDisbursementFailed = "claim.disbursement_failed"
)

// Subjects for donation lifecycle events.
const (
	SubjectDonationReceived      = "donation.received"
	SubjectDonationConfirmed     = "donation.confirmed"
	SubjectDonationFailed        = "donation.failed"
	SubjectDonationReceiptIssued = "donation.receipt_issued"
)

// Subjects for settlement traffic between the engine and the chain bridge.
const (
	SubjectSettlementSubmit    = "settlement.submit"
	SubjectSettlementConfirmed = "settlement.confirmed"
	SubjectSettlementFailed    = "settlement.failed"
)

// SubjectAuditAppended carries every committed audit event for live consumers.
const SubjectAuditAppended = "audit.appended"

// Event is the envelope published on every subject.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	EntityID  string          `json:"entity_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ClaimEvent is the payload for claim.* subjects.
type ClaimEvent struct {
	ClaimID         uuid.UUID `json:"claim_id"`
	Submitter       string    `json:"submitter"`
	Category        string    `json:"category"`
	RiskTier        string    `json:"risk_tier,omitempty"`
	Status          string    `json:"status"`
	RequestedAmount string    `json:"requested_amount"`
	ApprovedAmount  string    `json:"approved_amount,omitempty"`
	ReviewerID      string    `json:"reviewer_id,omitempty"`
}

// DonationEvent is the payload for donation.* subjects.
type DonationEvent struct {
	DonationID     uuid.UUID `json:"donation_id"`
	Donor          string    `json:"donor"`
	Category       string    `json:"category"`
	Amount         string    `json:"amount"`
	TxRef          string    `json:"tx_ref,omitempty"`
	ReceiptTokenID string    `json:"receipt_token_id,omitempty"`
}

// TransferRequest is the request-reply payload sent to the settlement bridge.
type TransferRequest struct {
	Target    string `json:"target"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

// TransferReply is the synchronous acknowledgement from the bridge. A
// non-empty Error means the submission was rejected outright; an accepted
// submission still settles asynchronously.
type TransferReply struct {
	TxRef string `json:"tx_ref"`
	Error string `json:"error,omitempty"`
}

// SettlementEvent is the asynchronous settlement outcome. Reference is the
// reference the engine supplied at submission time and is how the reconciler
// routes the outcome back to its owner. Deliveries may be duplicated or
// arrive out of order.
type SettlementEvent struct {
	Reference string    `json:"reference"`
	TxRef     string    `json:"tx_ref"`
	Status    string    `json:"status"` // "confirmed" or "failed"
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// AuditEvent mirrors a committed audit row for transparency consumers.
type AuditEvent struct {
	Seq        int64     `json:"seq"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	PriorState string    `json:"prior_state"`
	NewState   string    `json:"new_state"`
	Actor      string    `json:"actor,omitempty"`
	Note       string    `json:"note,omitempty"`
	At         time.Time `json:"at"`
}

// NewEvent wraps a payload in the standard envelope.
func NewEvent(eventType, entityID string, data interface{}) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		EntityID:  entityID,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}, nil
}

// ParseEventData unmarshals an envelope's payload into the given type.
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
