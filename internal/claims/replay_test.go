package claims_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefchain/engine/internal/audit"
	"github.com/reliefchain/engine/internal/claims"
	"github.com/reliefchain/engine/internal/policy"
)

func claimHistory(id string, states ...[2]string) []audit.Event {
	events := make([]audit.Event, 0, len(states))
	for i, s := range states {
		events = append(events, audit.Event{
			Seq:        int64(i + 1),
			EntityType: audit.EntityClaim,
			EntityID:   id,
			PriorState: s[0],
			NewState:   s[1],
		})
	}
	return events
}

func TestReplay(t *testing.T) {
	id := uuid.New().String()

	t.Run("should fold a full lifecycle to disbursed", func(t *testing.T) {
		events := claimHistory(id,
			[2]string{"", "pending"},
			[2]string{"pending", "under_review"},
			[2]string{"under_review", "approved"},
			[2]string{"approved", "disbursing"},
			[2]string{"disbursing", "disbursed"},
		)

		snap, err := claims.Replay(id, events)
		require.NoError(t, err)
		assert.Equal(t, claims.StatusDisbursed, snap.Status)
		assert.Equal(t, 5, snap.Transitions)
		assert.EqualValues(t, 5, snap.LastSeq)
	})

	t.Run("should reject a history that does not start pending", func(t *testing.T) {
		events := claimHistory(id, [2]string{"", "approved"})
		_, err := claims.Replay(id, events)
		assert.Error(t, err)
	})

	t.Run("should reject out-of-order sequence numbers", func(t *testing.T) {
		events := claimHistory(id,
			[2]string{"", "pending"},
			[2]string{"pending", "under_review"},
		)
		events[1].Seq = 1
		_, err := claims.Replay(id, events)
		assert.Error(t, err)
	})

	t.Run("should reject a broken prior-state chain", func(t *testing.T) {
		events := claimHistory(id,
			[2]string{"", "pending"},
			[2]string{"approved", "disbursing"},
		)
		_, err := claims.Replay(id, events)
		assert.Error(t, err)
	})

	t.Run("should reject illegal transitions", func(t *testing.T) {
		events := claimHistory(id,
			[2]string{"", "pending"},
			[2]string{"pending", "disbursed"},
		)
		_, err := claims.Replay(id, events)
		assert.Error(t, err)
	})

	t.Run("should skip events belonging to other entities", func(t *testing.T) {
		events := claimHistory(id,
			[2]string{"", "pending"},
			[2]string{"pending", "under_review"},
		)
		other := audit.Event{
			Seq:        99,
			EntityType: audit.EntityDonation,
			EntityID:   uuid.New().String(),
			NewState:   "confirmed",
		}
		snap, err := claims.Replay(id, append(events, other))
		require.NoError(t, err)
		assert.Equal(t, claims.StatusUnderReview, snap.Status)
		assert.Equal(t, 2, snap.Transitions)
	})

	t.Run("should fail on an empty history", func(t *testing.T) {
		_, err := claims.Replay(id, nil)
		assert.Error(t, err)
	})
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	pol := policy.Default()
	pol.AutoApprovalEnabled = false

	t.Run("should match live service history against the materialized row", func(t *testing.T) {
		store := newMemStore()
		svc := newService(store, pol)

		c := submitAndReview(t, svc, "reviewer-1")
		decided, err := svc.Decide(ctx, c.ID, "reviewer-1", claims.DecisionApproved, "ok", nil)
		require.NoError(t, err)

		assert.NoError(t, claims.Verify(decided, store.eventsFor(c.ID)))
	})

	t.Run("should flag a row that diverges from its history", func(t *testing.T) {
		store := newMemStore()
		svc := newService(store, pol)

		c := submitAndReview(t, svc, "reviewer-1")

		tampered := *c
		tampered.Status = claims.StatusDisbursed
		assert.Error(t, claims.Verify(&tampered, store.eventsFor(c.ID)))
	})
}
