package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reliefchain/engine/internal/audit"
	"github.com/reliefchain/engine/internal/metrics"
	"github.com/reliefchain/engine/internal/policy"
	"github.com/reliefchain/engine/internal/risk"
	"github.com/reliefchain/engine/pkg/messaging"
)

var (
	ErrInvalidTransition   = errors.New("invalid claim transition")
	ErrAlreadyUnderReview  = errors.New("claim already under review")
	ErrNotAssignedReviewer = errors.New("not the assigned reviewer")
	ErrInvalidAmount       = errors.New("invalid approved amount")
	ErrInvalidClaim        = errors.New("invalid claim")
)

// Service is the claim state machine. It is the only mutator of claims; the
// disbursement coordinator requests its transitions through the Mark*
// methods rather than touching rows itself. Per-claim serialization is
// optimistic: every write carries the version the caller read, and the store
// rejects stale writes with ErrConcurrentUpdate.
type Service struct {
	store   Store
	policy  *policy.Provider
	bus     *messaging.Client
	metrics *metrics.Recorder
}

// NewService wires the state machine. bus and rec may be nil.
func NewService(store Store, pol *policy.Provider, bus *messaging.Client, rec *metrics.Recorder) *Service {
	return &Service{store: store, policy: pol, bus: bus, metrics: rec}
}

// SubmitRequest carries a new claim. Documents are content addresses
// obtained beforehand from the content store.
type SubmitRequest struct {
	Submitter       string
	Category        Category
	Description     string
	RequestedAmount decimal.Decimal
	Location        string
	Coordinates     *Coordinates
	Documents       []string
	PayoutTarget    string
}

func (r *SubmitRequest) validate() error {
	switch {
	case strings.TrimSpace(r.Submitter) == "":
		return fmt.Errorf("%w: submitter required", ErrInvalidClaim)
	case !r.Category.Valid():
		return fmt.Errorf("%w: unknown category %q", ErrInvalidClaim, r.Category)
	case strings.TrimSpace(r.Description) == "":
		return fmt.Errorf("%w: description required", ErrInvalidClaim)
	case !r.RequestedAmount.IsPositive():
		return fmt.Errorf("%w: requested amount must be positive", ErrInvalidAmount)
	case strings.TrimSpace(r.Location) == "":
		return fmt.Errorf("%w: location required", ErrInvalidClaim)
	case strings.TrimSpace(r.PayoutTarget) == "":
		return fmt.Errorf("%w: payout target required", ErrInvalidClaim)
	}
	return nil
}

// dedupDocuments drops repeated content addresses while preserving order.
// Identical bytes hash to the identical address, so a duplicate here is the
// same document uploaded twice, not a second piece of evidence.
func dedupDocuments(docs []string) []string {
	seen := make(map[string]struct{}, len(docs))
	out := docs[:0]
	for _, d := range docs {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// Submit validates and persists a new claim in pending, scoring its risk
// tier once. Low-tier claims under the auto-approval limit are approved
// immediately when policy allows.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*Claim, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	pol := s.policy.Current()
	docs := dedupDocuments(append([]string(nil), req.Documents...))

	tier := risk.Score(risk.Input{
		RequestedAmount: req.RequestedAmount,
		DocumentCount:   len(docs),
		HasCoordinates:  req.Coordinates != nil,
	}, pol.Thresholds())

	now := time.Now().UTC()
	c := &Claim{
		ID:              uuid.New(),
		Submitter:       req.Submitter,
		Category:        req.Category,
		Description:     req.Description,
		RequestedAmount: req.RequestedAmount,
		Location:        req.Location,
		Coordinates:     req.Coordinates,
		Documents:       docs,
		PayoutTarget:    req.PayoutTarget,
		RiskTier:        tier,
		Status:          StatusPending,
		SubmittedAt:     now,
		UpdatedAt:       now,
		Version:         1,
	}

	ev := claimEvent(c, "", StatusPending, c.Submitter, "claim submitted, risk tier "+string(tier))
	if err := s.store.Insert(ctx, c, ev); err != nil {
		return nil, err
	}
	s.publish(ctx, messaging.SubjectClaimSubmitted, c, ev)
	s.metrics.ClaimSubmitted(string(tier))

	if pol.AutoApprovalEnabled && tier == risk.TierLow && req.RequestedAmount.LessThan(pol.AutoApprovalLimit) {
		approved, err := s.autoApprove(ctx, c)
		if err != nil {
			// The claim stands in pending; a human reviewer picks it up.
			return c, nil
		}
		return approved, nil
	}

	return c, nil
}

func (s *Service) autoApprove(ctx context.Context, c *Claim) (*Claim, error) {
	updated := *c
	updated.Status = StatusApproved
	updated.ApprovedAmount = c.RequestedAmount
	updated.ReviewNotes = "auto-approved under policy limit"

	ev := claimEvent(&updated, StatusPending, StatusApproved, "system", updated.ReviewNotes)
	if err := s.store.Update(ctx, &updated, c.Version, ev); err != nil {
		return nil, err
	}
	s.publish(ctx, messaging.SubjectClaimAutoApproved, &updated, ev)
	s.metrics.ClaimDecided("auto_approved")
	return &updated, nil
}

// Get returns a claim by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.store.Get(ctx, id)
}

// ListBySubmitter returns a submitter's claims, newest first.
func (s *Service) ListBySubmitter(ctx context.Context, submitter string) ([]*Claim, error) {
	return s.store.ListBySubmitter(ctx, submitter)
}

// ListPending returns pending claims matching the filter, oldest first.
func (s *Service) ListPending(ctx context.Context, f PendingFilter) ([]*Claim, error) {
	return s.store.ListPending(ctx, f)
}

// ReviewerStats summarizes a reviewer's decided and in-progress claims.
func (s *Service) ReviewerStats(ctx context.Context, reviewerID string) (*ReviewerStats, error) {
	return s.store.ReviewerStats(ctx, reviewerID)
}

// BeginReview moves a pending claim to under_review and assigns the
// reviewer. Of two concurrent callers exactly one wins; the loser gets
// ErrAlreadyUnderReview.
func (s *Service) BeginReview(ctx context.Context, id uuid.UUID, reviewerID string) (*Claim, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return nil, fmt.Errorf("%w: reviewer required", ErrInvalidClaim)
	}

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusUnderReview {
		return nil, ErrAlreadyUnderReview
	}
	if c.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot begin review from %s", ErrInvalidTransition, c.Status)
	}

	updated := *c
	updated.Status = StatusUnderReview
	updated.ReviewerID = reviewerID

	ev := claimEvent(&updated, StatusPending, StatusUnderReview, reviewerID, "review started")
	if err := s.store.Update(ctx, &updated, c.Version, ev); err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			// Lost the race; report what the winner did.
			if cur, gerr := s.store.Get(ctx, id); gerr == nil && cur.Status == StatusUnderReview {
				return nil, ErrAlreadyUnderReview
			}
			return nil, ErrConcurrentUpdate
		}
		return nil, err
	}

	s.publish(ctx, messaging.SubjectClaimReviewStarted, &updated, ev)
	return &updated, nil
}

// Decide resolves a claim under review. Only the assigned reviewer may
// decide. On approval, approvedAmount defaults to the requested amount when
// nil and must satisfy 0 < amount <= requested.
func (s *Service) Decide(ctx context.Context, id uuid.UUID, reviewerID string, decision Decision, notes string, approvedAmount *decimal.Decimal) (*Claim, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusUnderReview {
		return nil, fmt.Errorf("%w: cannot decide from %s", ErrInvalidTransition, c.Status)
	}
	if c.ReviewerID != reviewerID {
		return nil, ErrNotAssignedReviewer
	}

	updated := *c
	updated.ReviewNotes = notes

	var subject string
	switch decision {
	case DecisionApproved:
		amount := c.RequestedAmount
		if approvedAmount != nil {
			amount = *approvedAmount
		}
		if !amount.IsPositive() || amount.GreaterThan(c.RequestedAmount) {
			return nil, fmt.Errorf("%w: approved %s, requested %s",
				ErrInvalidAmount, amount.String(), c.RequestedAmount.String())
		}
		updated.Status = StatusApproved
		updated.ApprovedAmount = amount
		subject = messaging.SubjectClaimApproved

	case DecisionRejected:
		updated.Status = StatusRejected
		subject = messaging.SubjectClaimRejected

	default:
		return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidTransition, decision)
	}

	ev := claimEvent(&updated, StatusUnderReview, updated.Status, reviewerID, notes)
	if err := s.store.Update(ctx, &updated, c.Version, ev); err != nil {
		return nil, err
	}

	s.publish(ctx, subject, &updated, ev)
	s.metrics.ClaimDecided(string(decision))
	return &updated, nil
}

// MarkDisbursing is the disbursement coordinator's entry into the state
// machine: approved or disbursement_failed -> disbursing. The CAS here is
// what makes concurrent disburse calls settle to exactly one winner.
func (s *Service) MarkDisbursing(ctx context.Context, id uuid.UUID, actor, note string) (*Claim, error) {
	return s.transition(ctx, id, StatusDisbursing, actor, note, messaging.SubjectClaimDisbursing, nil)
}

// MarkDisbursed finalizes a claim after ledger confirmation, recording the
// confirmed attempt as the disbursement reference. Terminal.
func (s *Service) MarkDisbursed(ctx context.Context, id uuid.UUID, actor, ref, note string) (*Claim, error) {
	return s.transition(ctx, id, StatusDisbursed, actor, note, messaging.SubjectClaimDisbursed,
		func(c *Claim) { c.DisbursementRef = ref })
}

// MarkDisbursementFailed records a failed settlement; the claim waits for an
// operator to retry or abandon.
func (s *Service) MarkDisbursementFailed(ctx context.Context, id uuid.UUID, actor, note string) (*Claim, error) {
	return s.transition(ctx, id, StatusDisbursementFailed, actor, note, messaging.SubjectClaimDisbursementFailed, nil)
}

// Abandon retires a claim whose disbursement failed: disbursement_failed ->
// rejected, by explicit operator action only.
func (s *Service) Abandon(ctx context.Context, id uuid.UUID, actor, notes string) (*Claim, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusDisbursementFailed {
		return nil, fmt.Errorf("%w: cannot abandon from %s", ErrInvalidTransition, c.Status)
	}

	updated := *c
	updated.Status = StatusRejected
	updated.ReviewNotes = notes

	ev := claimEvent(&updated, c.Status, StatusRejected, actor, notes)
	if err := s.store.Update(ctx, &updated, c.Version, ev); err != nil {
		return nil, err
	}
	s.publish(ctx, messaging.SubjectClaimRejected, &updated, ev)
	return &updated, nil
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status, actor, note, subject string, mutate func(*Claim)) (*Claim, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(c.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}

	updated := *c
	updated.Status = to
	if mutate != nil {
		mutate(&updated)
	}

	ev := claimEvent(&updated, c.Status, to, actor, note)
	if err := s.store.Update(ctx, &updated, c.Version, ev); err != nil {
		return nil, err
	}
	s.publish(ctx, subject, &updated, ev)
	return &updated, nil
}

func claimEvent(c *Claim, prior, next Status, actor, note string) *audit.Event {
	return &audit.Event{
		EntityType: audit.EntityClaim,
		EntityID:   c.ID.String(),
		PriorState: string(prior),
		NewState:   string(next),
		Actor:      actor,
		Note:       note,
		At:         time.Now().UTC(),
	}
}

// publish pushes the committed transition onto the bus for live consumers.
// Best effort: the audit row is canonical, a lost message is not.
func (s *Service) publish(ctx context.Context, subject string, c *Claim, ev *audit.Event) {
	if s.bus == nil {
		return
	}

	payload := messaging.ClaimEvent{
		ClaimID:         c.ID,
		Submitter:       c.Submitter,
		Category:        string(c.Category),
		RiskTier:        string(c.RiskTier),
		Status:          string(c.Status),
		RequestedAmount: c.RequestedAmount.String(),
		ReviewerID:      c.ReviewerID,
	}
	if !c.ApprovedAmount.IsZero() {
		payload.ApprovedAmount = c.ApprovedAmount.String()
	}
	if event, err := messaging.NewEvent(subject, c.ID.String(), payload); err == nil {
		s.bus.Publish(ctx, subject, event)
	}

	s.bus.Publish(ctx, messaging.SubjectAuditAppended, messaging.AuditEvent{
		Seq:        ev.Seq,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		PriorState: ev.PriorState,
		NewState:   ev.NewState,
		Actor:      ev.Actor,
		Note:       ev.Note,
		At:         ev.At,
	})
}
