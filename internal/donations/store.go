package donations

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/reliefchain/engine/internal/audit"
)

var (
	ErrNotFound         = errors.New("donation not found")
	ErrConcurrentUpdate = errors.New("concurrent donation update")
)

// Store persists donations with the same write discipline as the claim
// store: every write carries its audit event, Update is version-CAS.
type Store interface {
	Insert(ctx context.Context, d *Donation, ev *audit.Event) error
	Update(ctx context.Context, d *Donation, expectedVersion int, ev *audit.Event) error
	Get(ctx context.Context, id uuid.UUID) (*Donation, error)
	ListByDonor(ctx context.Context, donor string) ([]*Donation, error)
	DonorStats(ctx context.Context, donor string) (*DonorStats, error)
}
