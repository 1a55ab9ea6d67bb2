package claims

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/reliefchain/engine/internal/audit"
)

var (
	ErrNotFound         = errors.New("claim not found")
	ErrConcurrentUpdate = errors.New("concurrent claim update")
)

// Store persists claims. Insert and Update take the audit event describing
// the transition and must commit it atomically with the claim row: a reader
// never sees one without the other. Update applies compare-and-swap on the
// version column and returns ErrConcurrentUpdate when the expected version no
// longer matches.
type Store interface {
	Insert(ctx context.Context, c *Claim, ev *audit.Event) error
	Update(ctx context.Context, c *Claim, expectedVersion int, ev *audit.Event) error
	Get(ctx context.Context, id uuid.UUID) (*Claim, error)
	ListBySubmitter(ctx context.Context, submitter string) ([]*Claim, error)
	ListPending(ctx context.Context, f PendingFilter) ([]*Claim, error)
	ReviewerStats(ctx context.Context, reviewerID string) (*ReviewerStats, error)
}
