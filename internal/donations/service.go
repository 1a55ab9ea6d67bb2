package donations

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reliefchain/engine/internal/audit"
	"github.com/reliefchain/engine/internal/cache"
	"github.com/reliefchain/engine/internal/chain"
	"github.com/reliefchain/engine/internal/claims"
	"github.com/reliefchain/engine/internal/metrics"
	"github.com/reliefchain/engine/pkg/messaging"
)

var ErrInvalidDonation = errors.New("invalid donation")

// Service handles donation intake and receipt issuance. A donation is
// recorded as submitted before the chain transfer goes out and only becomes
// confirmed, earning its receipt token, when the ledger settles it. A
// submission the chain rejects synchronously resolves the donation as failed.
type Service struct {
	store   Store
	chain   chain.Adapter
	cache   cache.Cache
	bus     *messaging.Client
	metrics *metrics.Recorder
}

// NewService wires the donation service. bus and rec may be nil.
func NewService(store Store, adapter chain.Adapter, c cache.Cache, bus *messaging.Client, rec *metrics.Recorder) *Service {
	return &Service{store: store, chain: adapter, cache: c, bus: bus, metrics: rec}
}

// DonateRequest carries a new contribution.
type DonateRequest struct {
	Donor    string
	Category claims.Category
	Amount   decimal.Decimal
	Message  string
}

// Donate records the donation and submits the transfer to the category's
// pool. The receipt token is issued later, on settlement confirmation;
// callers poll or subscribe for it.
func (s *Service) Donate(ctx context.Context, req *DonateRequest) (*Donation, error) {
	switch {
	case strings.TrimSpace(req.Donor) == "":
		return nil, fmt.Errorf("%w: donor required", ErrInvalidDonation)
	case !req.Category.Valid():
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidDonation, req.Category)
	case !req.Amount.IsPositive():
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidDonation)
	}

	d := &Donation{
		ID:        uuid.New(),
		Donor:     req.Donor,
		Category:  req.Category,
		Amount:    req.Amount,
		Message:   req.Message,
		Status:    StatusSubmitted,
		CreatedAt: time.Now().UTC(),
		Version:   1,
	}

	// The row is recorded before the chain call so a submission that fails
	// midway still leaves its trace, and the reconciler can route the
	// settlement outcome back by reference.
	ev := donationEvent(d, "", StatusSubmitted, d.Donor, "donation submitted")
	if err := s.store.Insert(ctx, d, ev); err != nil {
		return nil, err
	}

	txRef, err := s.chain.SubmitTransfer(ctx, poolTarget(req.Category), req.Amount, d.Reference())
	if err != nil {
		s.metrics.LedgerUnavailable()
		s.failSubmission(ctx, d, err.Error())
		return nil, err
	}

	d.TxRef = txRef
	ev = donationEvent(d, StatusSubmitted, StatusSubmitted, d.Donor, "ledger reference "+txRef)
	if err := s.store.Update(ctx, d, d.Version, ev); err != nil {
		// The transfer is in flight; confirmation still finds the donation
		// by id even without the reference recorded.
		log.Printf("donations: failed to record tx ref for donation %s: %v", d.ID, err)
	}

	s.publish(ctx, messaging.SubjectDonationReceived, d)
	return d, nil
}

// failSubmission resolves a donation as failed after a synchronous
// submission error.
func (s *Service) failSubmission(ctx context.Context, d *Donation, reason string) {
	d.Status = StatusFailed
	ev := donationEvent(d, StatusSubmitted, StatusFailed, "ledger", reason)
	if err := s.store.Update(ctx, d, d.Version, ev); err != nil {
		log.Printf("donations: failed to mark donation %s failed: %v", d.ID, err)
	}
	s.publish(ctx, messaging.SubjectDonationFailed, d)
}

// HandleConfirmation reconciles a settlement outcome for a donation.
// Idempotent: resolved donations ignore further notifications.
func (s *Service) HandleConfirmation(ctx context.Context, donationID uuid.UUID, confirmed bool, reason string) error {
	d, err := s.store.Get(ctx, donationID)
	if err != nil {
		return err
	}
	if d.Status != StatusSubmitted {
		return nil
	}

	now := time.Now().UTC()
	updated := *d

	if !confirmed {
		updated.Status = StatusFailed
		ev := donationEvent(&updated, StatusSubmitted, StatusFailed, "ledger", reason)
		if err := s.store.Update(ctx, &updated, d.Version, ev); err != nil {
			if errors.Is(err, ErrConcurrentUpdate) {
				return nil
			}
			return err
		}
		s.publish(ctx, messaging.SubjectDonationFailed, &updated)
		return nil
	}

	updated.Status = StatusConfirmed
	updated.ConfirmedAt = &now
	updated.ReceiptTokenID = s.issueReceipt(ctx, d.ID)

	ev := donationEvent(&updated, StatusSubmitted, StatusConfirmed, "ledger", "settlement confirmed")
	if err := s.store.Update(ctx, &updated, d.Version, ev); err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			return nil
		}
		return err
	}

	s.metrics.DonationConfirmed(string(d.Category))
	s.publish(ctx, messaging.SubjectDonationConfirmed, &updated)
	if updated.ReceiptTokenID != "" {
		s.publish(ctx, messaging.SubjectDonationReceiptIssued, &updated)
	}
	return nil
}

// issueReceipt picks the donation's unique receipt token. Racing duplicate
// confirmations converge on one token through the cache SetNX; whichever
// racer wins the CAS update makes it durable, and the unique index on
// receipt_token_id is the backstop.
func (s *Service) issueReceipt(ctx context.Context, donationID uuid.UUID) string {
	token := "rcpt-" + uuid.New().String()
	if s.cache == nil {
		return token
	}

	key := "receipt:" + donationID.String()
	ok, err := s.cache.SetNX(ctx, key, token, 24*time.Hour)
	if err != nil {
		// Cache down: the CAS update and unique index still prevent
		// double issuance.
		log.Printf("donations: receipt guard unavailable for %s: %v", donationID, err)
		return token
	}
	if !ok {
		if existing, err := s.cache.Get(ctx, key); err == nil && existing != "" {
			return existing
		}
	}
	return token
}

// Get returns a donation by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Donation, error) {
	return s.store.Get(ctx, id)
}

// ListByDonor returns a donor's donations, newest first.
func (s *Service) ListByDonor(ctx context.Context, donor string) ([]*Donation, error) {
	return s.store.ListByDonor(ctx, donor)
}

// DonorStats summarizes a donor's confirmed giving.
func (s *Service) DonorStats(ctx context.Context, donor string) (*DonorStats, error) {
	return s.store.DonorStats(ctx, donor)
}

// poolTarget names the settlement account for a category's pool.
func poolTarget(c claims.Category) string {
	return "pool:" + string(c)
}

func donationEvent(d *Donation, prior, next Status, actor, note string) *audit.Event {
	return &audit.Event{
		EntityType: audit.EntityDonation,
		EntityID:   d.ID.String(),
		PriorState: string(prior),
		NewState:   string(next),
		Actor:      actor,
		Note:       note,
		At:         time.Now().UTC(),
	}
}

func (s *Service) publish(ctx context.Context, subject string, d *Donation) {
	if s.bus == nil {
		return
	}
	payload := messaging.DonationEvent{
		DonationID:     d.ID,
		Donor:          d.Donor,
		Category:       string(d.Category),
		Amount:         d.Amount.String(),
		TxRef:          d.TxRef,
		ReceiptTokenID: d.ReceiptTokenID,
	}
	if event, err := messaging.NewEvent(subject, d.ID.String(), payload); err == nil {
		s.bus.Publish(ctx, subject, event)
	}
}
