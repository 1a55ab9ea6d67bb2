package disbursement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reliefchain/engine/internal/audit"
	"github.com/reliefchain/engine/internal/chain"
	"github.com/reliefchain/engine/internal/claims"
	"github.com/reliefchain/engine/internal/metrics"
)

var (
	ErrAlreadyInFlight  = errors.New("disbursement already in flight")
	ErrAlreadyDisbursed = errors.New("claim already disbursed")
	ErrNotApproved      = errors.New("claim is not approved for disbursement")
)

// ClaimGate is the slice of the claim state machine the coordinator is
// allowed to touch. It never mutates claim rows directly; every status change
// goes through these methods.
type ClaimGate interface {
	Get(ctx context.Context, id uuid.UUID) (*claims.Claim, error)
	MarkDisbursing(ctx context.Context, id uuid.UUID, actor, note string) (*claims.Claim, error)
	MarkDisbursed(ctx context.Context, id uuid.UUID, actor, ref, note string) (*claims.Claim, error)
	MarkDisbursementFailed(ctx context.Context, id uuid.UUID, actor, note string) (*claims.Claim, error)
}

// Coordinator turns an approved claim into exactly one settlement attempt
// and reconciles the asynchronous outcome back into claim state.
//
// The exactly-once guarantee rides on the claim's own CAS: only one caller
// can win the approved -> disbursing transition, and the attempt is created
// strictly after that win. Reconciliation is idempotent and commutative so
// duplicated or reordered ledger notifications converge on the same state.
type Coordinator struct {
	store   Store
	claims  ClaimGate
	chain   chain.Adapter
	metrics *metrics.Recorder
}

// NewCoordinator wires a coordinator. rec may be nil.
func NewCoordinator(store Store, gate ClaimGate, adapter chain.Adapter, rec *metrics.Recorder) *Coordinator {
	return &Coordinator{store: store, claims: gate, chain: adapter, metrics: rec}
}

// Disburse submits the approved amount of a claim for settlement and returns
// the attempt id. It does not block for confirmation. A claim that is
// disbursing fails with ErrAlreadyInFlight, a disbursed one with
// ErrAlreadyDisbursed; only approved and disbursement_failed claims proceed.
func (c *Coordinator) Disburse(ctx context.Context, claimID uuid.UUID, actor string) (uuid.UUID, error) {
	cl, err := c.claims.Get(ctx, claimID)
	if err != nil {
		return uuid.Nil, err
	}

	switch cl.Status {
	case claims.StatusApproved, claims.StatusDisbursementFailed:
		// proceed
	case claims.StatusDisbursing:
		return uuid.Nil, ErrAlreadyInFlight
	case claims.StatusDisbursed:
		return uuid.Nil, ErrAlreadyDisbursed
	default:
		return uuid.Nil, fmt.Errorf("%w: claim is %s", ErrNotApproved, cl.Status)
	}

	// Win the transition first. A concurrent Disburse loses the CAS here and
	// never reaches attempt creation.
	cl, err = c.claims.MarkDisbursing(ctx, claimID, actor, "disbursement requested")
	if err != nil {
		if errors.Is(err, claims.ErrConcurrentUpdate) || errors.Is(err, claims.ErrInvalidTransition) {
			return uuid.Nil, c.losersError(ctx, claimID)
		}
		return uuid.Nil, err
	}

	attempt := &Attempt{
		ID:          uuid.New(),
		ClaimID:     claimID,
		Amount:      cl.ApprovedAmount,
		Target:      cl.PayoutTarget,
		Status:      AttemptSubmitted,
		SubmittedAt: time.Now().UTC(),
		Version:     1,
	}

	// The attempt row is recorded before the chain call so a submission that
	// fails midway still leaves its trace for audit.
	ev := attemptEvent(attempt, "", AttemptSubmitted, actor, "settlement attempt created")
	if err := c.store.Insert(ctx, attempt, ev); err != nil {
		// The claim already won approved -> disbursing. With no attempt row
		// there is no confirmation to wait for, so park the claim to keep
		// the retry and abandon paths open.
		if _, perr := c.claims.MarkDisbursementFailed(ctx, claimID, actor, "attempt creation failed: "+err.Error()); perr != nil {
			log.Printf("disbursement: failed to park claim %s after insert failure: %v", claimID, perr)
		}
		return uuid.Nil, err
	}

	txRef, err := c.chain.SubmitTransfer(ctx, attempt.Target, attempt.Amount, attempt.Reference())
	if err != nil {
		c.metrics.LedgerUnavailable()
		c.failAttempt(ctx, attempt, actor, err.Error())
		return attempt.ID, fmt.Errorf("settlement submission failed: %w", err)
	}

	attempt.TxRef = txRef
	ev = attemptEvent(attempt, AttemptSubmitted, AttemptSubmitted, actor, "ledger reference "+txRef)
	if err := c.store.Update(ctx, attempt, attempt.Version, ev); err != nil {
		// The transfer is in flight; reconciliation will still find the
		// attempt by id even without the reference recorded.
		log.Printf("disbursement: failed to record tx ref for attempt %s: %v", attempt.ID, err)
	}

	return attempt.ID, nil
}

// losersError reports the precise idempotency error after a lost race.
func (c *Coordinator) losersError(ctx context.Context, claimID uuid.UUID) error {
	cl, err := c.claims.Get(ctx, claimID)
	if err != nil {
		return ErrAlreadyInFlight
	}
	switch cl.Status {
	case claims.StatusDisbursed:
		return ErrAlreadyDisbursed
	case claims.StatusDisbursing:
		return ErrAlreadyInFlight
	default:
		return fmt.Errorf("%w: claim is %s", ErrNotApproved, cl.Status)
	}
}

// failAttempt resolves an attempt as failed after a synchronous submission
// error and parks the claim in disbursement_failed.
func (c *Coordinator) failAttempt(ctx context.Context, attempt *Attempt, actor, reason string) {
	now := time.Now().UTC()
	attempt.Status = AttemptFailed
	attempt.FailureReason = reason
	attempt.ResolvedAt = &now

	ev := attemptEvent(attempt, AttemptSubmitted, AttemptFailed, actor, reason)
	if err := c.store.Update(ctx, attempt, attempt.Version, ev); err != nil {
		log.Printf("disbursement: failed to mark attempt %s failed: %v", attempt.ID, err)
	}
	if _, err := c.claims.MarkDisbursementFailed(ctx, attempt.ClaimID, actor, reason); err != nil {
		log.Printf("disbursement: failed to park claim %s: %v", attempt.ClaimID, err)
	}
	c.metrics.DisbursementResolved(string(AttemptFailed))
}

// HandleConfirmation reconciles a settlement outcome into the attempt and
// its claim. Safe under duplicated and reordered delivery: resolved attempts
// treat any further notification as a no-op success.
func (c *Coordinator) HandleConfirmation(ctx context.Context, attemptID uuid.UUID, result Result) error {
	attempt, err := c.store.Get(ctx, attemptID)
	if err != nil {
		return err
	}

	switch attempt.Status {
	case AttemptConfirmed:
		// Duplicate delivery; confirmed is terminal for the attempt. The
		// claim transition runs in a separate transaction, so an earlier
		// delivery may have confirmed the attempt and then failed before the
		// claim reached disbursed. Redelivery repairs that.
		return c.finishConfirmed(ctx, attempt)
	case AttemptFailed:
		if result.Confirmed {
			// A confirmation for an attempt we already wrote off. Funds may
			// have moved; flag loudly for the operator instead of mutating a
			// superseded attempt.
			log.Printf("disbursement: late confirmation for failed attempt %s (tx %s)", attemptID, result.TxRef)
		}
		return nil
	}

	now := time.Now().UTC()
	updated := *attempt
	updated.ResolvedAt = &now
	if result.TxRef != "" {
		updated.TxRef = result.TxRef
	}

	if result.Confirmed {
		updated.Status = AttemptConfirmed
	} else {
		updated.Status = AttemptFailed
		updated.FailureReason = result.Reason
	}

	ev := attemptEvent(&updated, AttemptSubmitted, updated.Status, "ledger", result.Reason)
	if err := c.store.Update(ctx, &updated, attempt.Version, ev); err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			// A racing delivery resolved it first; converge on its outcome.
			cur, gerr := c.store.Get(ctx, attemptID)
			if gerr == nil && cur.Status != AttemptSubmitted {
				return nil
			}
		}
		return err
	}
	c.metrics.DisbursementResolved(string(updated.Status))

	if updated.Status == AttemptConfirmed {
		_, err = c.claims.MarkDisbursed(ctx, attempt.ClaimID, "ledger", updated.TxRef, "settlement confirmed")
	} else {
		_, err = c.claims.MarkDisbursementFailed(ctx, attempt.ClaimID, "ledger", result.Reason)
	}
	if err != nil && !errors.Is(err, claims.ErrInvalidTransition) {
		return err
	}
	return nil
}

// finishConfirmed moves a confirmed attempt's claim to disbursed when it is
// still parked in disbursing. Idempotent on true duplicates.
func (c *Coordinator) finishConfirmed(ctx context.Context, attempt *Attempt) error {
	cl, err := c.claims.Get(ctx, attempt.ClaimID)
	if err != nil {
		return err
	}
	if cl.Status != claims.StatusDisbursing {
		return nil
	}
	_, err = c.claims.MarkDisbursed(ctx, attempt.ClaimID, "ledger", attempt.TxRef, "settlement confirmed")
	if err != nil && !errors.Is(err, claims.ErrInvalidTransition) && !errors.Is(err, claims.ErrConcurrentUpdate) {
		return err
	}
	return nil
}

// Get returns an attempt by id.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	return c.store.Get(ctx, id)
}

// ListByClaim returns a claim's attempts, oldest first.
func (c *Coordinator) ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*Attempt, error) {
	return c.store.ListByClaim(ctx, claimID)
}

// ConfirmedTotal returns the total confirmed amount settled for a claim.
func (c *Coordinator) ConfirmedTotal(ctx context.Context, claimID uuid.UUID) (decimal.Decimal, error) {
	return c.store.ConfirmedTotal(ctx, claimID)
}

func attemptEvent(a *Attempt, prior, next AttemptStatus, actor, note string) *audit.Event {
	return &audit.Event{
		EntityType: audit.EntityAttempt,
		EntityID:   a.ID.String(),
		PriorState: string(prior),
		NewState:   string(next),
		Actor:      actor,
		Note:       note,
		At:         time.Now().UTC(),
	}
}
