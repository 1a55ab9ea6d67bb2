package disbursement

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reliefchain/engine/internal/audit"
)

var (
	ErrAttemptNotFound  = errors.New("disbursement attempt not found")
	ErrConcurrentUpdate = errors.New("concurrent attempt update")
)

// Store persists disbursement attempts. Writes carry their audit event and
// commit both atomically; Update is version-CAS like the claim store.
type Store interface {
	Insert(ctx context.Context, a *Attempt, ev *audit.Event) error
	Update(ctx context.Context, a *Attempt, expectedVersion int, ev *audit.Event) error
	Get(ctx context.Context, id uuid.UUID) (*Attempt, error)
	ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*Attempt, error)
	ConfirmedTotal(ctx context.Context, claimID uuid.UUID) (decimal.Decimal, error)
}
