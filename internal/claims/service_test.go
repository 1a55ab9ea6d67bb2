package claims_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefchain/engine/internal/audit"
	"github.com/reliefchain/engine/internal/claims"
	"github.com/reliefchain/engine/internal/policy"
	"github.com/reliefchain/engine/internal/risk"
)

// memStore is an in-memory Store with the same versioning contract as the
// SQL implementation: Update succeeds only when the expected version matches
// and bumps it, and every successful write records its audit event.
type memStore struct {
	mu     sync.Mutex
	claims map[uuid.UUID]claims.Claim
	events []audit.Event
	seq    int64
}

func newMemStore() *memStore {
	return &memStore{claims: make(map[uuid.UUID]claims.Claim)}
}

func (m *memStore) Insert(ctx context.Context, c *claims.Claim, ev *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[c.ID] = *c
	m.append(ev)
	return nil
}

func (m *memStore) Update(ctx context.Context, c *claims.Claim, expectedVersion int, ev *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.claims[c.ID]
	if !ok {
		return claims.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return claims.ErrConcurrentUpdate
	}
	c.Version = expectedVersion + 1
	m.claims[c.ID] = *c
	m.append(ev)
	return nil
}

func (m *memStore) Get(ctx context.Context, id uuid.UUID) (*claims.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, claims.ErrNotFound
	}
	return &c, nil
}

func (m *memStore) ListBySubmitter(ctx context.Context, submitter string) ([]*claims.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*claims.Claim
	for _, c := range m.claims {
		if c.Submitter == submitter {
			cc := c
			out = append(out, &cc)
		}
	}
	return out, nil
}

func (m *memStore) ListPending(ctx context.Context, f claims.PendingFilter) ([]*claims.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*claims.Claim
	for _, c := range m.claims {
		if c.Status != claims.StatusPending {
			continue
		}
		if f.Tier != "" && c.RiskTier != f.Tier {
			continue
		}
		cc := c
		out = append(out, &cc)
	}
	return out, nil
}

func (m *memStore) ReviewerStats(ctx context.Context, reviewerID string) (*claims.ReviewerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &claims.ReviewerStats{ReviewerID: reviewerID}
	for _, c := range m.claims {
		if c.ReviewerID != reviewerID {
			continue
		}
		switch c.Status {
		case claims.StatusUnderReview:
			stats.Pending++
		case claims.StatusApproved, claims.StatusDisbursing, claims.StatusDisbursed, claims.StatusDisbursementFailed:
			stats.Approved++
			stats.Reviewed++
		case claims.StatusRejected:
			stats.Rejected++
			stats.Reviewed++
		}
	}
	return stats, nil
}

func (m *memStore) append(ev *audit.Event) {
	m.seq++
	ev.Seq = m.seq
	m.events = append(m.events, *ev)
}

func (m *memStore) eventsFor(id uuid.UUID) []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for _, ev := range m.events {
		if ev.EntityID == id.String() {
			out = append(out, ev)
		}
	}
	return out
}

func newService(store *memStore, pol policy.Policy) *claims.Service {
	return claims.NewService(store, policy.NewProvider(pol), nil, nil)
}

func validSubmit() *claims.SubmitRequest {
	return &claims.SubmitRequest{
		Submitter:       "aid-seeker-1",
		Category:        claims.CategoryFlood,
		Description:     "house flooded, need repair funds",
		RequestedAmount: decimal.NewFromInt(15000),
		Location:        "Majuli, Assam",
		Coordinates:     &claims.Coordinates{Lat: 26.95, Lng: 94.17},
		Documents: []string{
			"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		},
		PayoutTarget: "upi:seeker1@bank",
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("should auto-approve low-risk claims under the limit", func(t *testing.T) {
		store := newMemStore()
		svc := newService(store, policy.Default())

		c, err := svc.Submit(ctx, validSubmit())
		require.NoError(t, err)

		assert.Equal(t, claims.StatusApproved, c.Status)
		assert.Equal(t, risk.TierLow, c.RiskTier)
		assert.True(t, c.ApprovedAmount.Equal(decimal.NewFromInt(15000)))

		events := store.eventsFor(c.ID)
		require.Len(t, events, 2)
		assert.Equal(t, string(claims.StatusPending), events[0].NewState)
		assert.Equal(t, string(claims.StatusApproved), events[1].NewState)
		assert.Equal(t, "system", events[1].Actor)
	})

	t.Run("should leave claims pending when auto-approval is disabled", func(t *testing.T) {
		store := newMemStore()
		pol := policy.Default()
		pol.AutoApprovalEnabled = false
		svc := newService(store, pol)

		c, err := svc.Submit(ctx, validSubmit())
		require.NoError(t, err)
		assert.Equal(t, claims.StatusPending, c.Status)
	})

	t.Run("should not auto-approve exactly at the limit", func(t *testing.T) {
		store := newMemStore()
		svc := newService(store, policy.Default())

		req := validSubmit()
		req.RequestedAmount = decimal.NewFromInt(20000)

		c, err := svc.Submit(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, claims.StatusPending, c.Status)
		assert.Equal(t, risk.TierLow, c.RiskTier)
	})

	t.Run("should not auto-approve medium or high tiers", func(t *testing.T) {
		store := newMemStore()
		svc := newService(store, policy.Default())

		req := validSubmit()
		req.Documents = nil

		c, err := svc.Submit(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, claims.StatusPending, c.Status)
		assert.Equal(t, risk.TierHigh, c.RiskTier, "no documents forces high tier")
	})

	t.Run("should deduplicate repeated document addresses", func(t *testing.T) {
		store := newMemStore()
		svc := newService(store, policy.Default())

		req := validSubmit()
		req.Documents = append(req.Documents, req.Documents[0])

		c, err := svc.Submit(ctx, req)
		require.NoError(t, err)
		assert.Len(t, c.Documents, 2)
	})

	t.Run("should reject invalid submissions", func(t *testing.T) {
		store := newMemStore()
		svc := newService(store, policy.Default())

		cases := map[string]func(*claims.SubmitRequest){
			"empty submitter":   func(r *claims.SubmitRequest) { r.Submitter = " " },
			"unknown category":  func(r *claims.SubmitRequest) { r.Category = "tsunami" },
			"empty description": func(r *claims.SubmitRequest) { r.Description = "" },
			"zero amount":       func(r *claims.SubmitRequest) { r.RequestedAmount = decimal.Zero },
			"negative amount":   func(r *claims.SubmitRequest) { r.RequestedAmount = decimal.NewFromInt(-5) },
			"empty location":    func(r *claims.SubmitRequest) { r.Location = "" },
			"no payout target":  func(r *claims.SubmitRequest) { r.PayoutTarget = "" },
		}
		for name, mutate := range cases {
			req := validSubmit()
			mutate(req)
			_, err := svc.Submit(ctx, req)
			assert.Error(t, err, name)
		}
		assert.Empty(t, store.events, "no writes on validation failure")
	})
}

func TestBeginReview(t *testing.T) {
	ctx := context.Background()
	pol := policy.Default()
	pol.AutoApprovalEnabled = false

	t.Run("should assign the reviewer and move to under_review", func(t *testing.T) {
		store := newMemStore()
		svc := newService(store, pol)

		c, err := svc.Submit(ctx, validSubmit())
		require.NoError(t, err)

		reviewed, err := svc.BeginReview(ctx, c.ID, "reviewer-1")
		require.NoError(t, err)
		assert.Equal(t, claims.StatusUnderReview, reviewed.Status)
		assert.Equal(t, "reviewer-1", reviewed.ReviewerID)
	})

	t.Run("should reject a second reviewer", func(t *testing.T) {
		store := newMemStore()
		svc := newService(store, pol)

		c, err := svc.Submit(ctx, validSubmit())
		require.NoError(t, err)

		_, err = svc.BeginReview(ctx, c.ID, "reviewer-1")
		require.NoError(t, err)

		_, err = svc.BeginReview(ctx, c.ID, "reviewer-2")
		assert.ErrorIs(t, err, claims.ErrAlreadyUnderReview)

		cur, err := svc.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "reviewer-1", cur.ReviewerID, "first reviewer keeps the claim")
	})

	t.Run("should let exactly one of many concurrent reviewers win", func(t *testing.T) {
		store := newMemStore()
		svc := newService(store, pol)

		c, err := svc.Submit(ctx, validSubmit())
		require.NoError(t, err)

		const racers = 16
		var wg sync.WaitGroup
		var wins, alreadyTaken int64
		var mu sync.Mutex

		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, err := svc.BeginReview(ctx, c.ID, uuid.New().String())
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if assert.ErrorIs(t, err, claims.ErrAlreadyUnderReview) {
					alreadyTaken++
				}
			}(i)
		}
		wg.Wait()

		assert.EqualValues(t, 1, wins)
		assert.EqualValues(t, racers-1, alreadyTaken)

		// One submission event plus exactly one review_started event.
		assert.Len(t, store.eventsFor(c.ID), 2)
	})

	t.Run("should require a reviewer id", func(t *testing.T) {
		store := newMemStore()
		svc := newService(store, pol)

		c, err := svc.Submit(ctx, validSubmit())
		require.NoError(t, err)

		_, err = svc.BeginReview(ctx, c.ID, "  ")
		assert.Error(t, err)
	})

	t.Run("should refuse to review a decided claim", func(t *testing.T) {
		store := newMemStore()
		svc := newService(store, pol)

		c := submitAndReview(t, svc, "reviewer-1")
		_, err := svc.Decide(ctx, c.ID, "reviewer-1", claims.DecisionRejected, "insufficient evidence", nil)
		require.NoError(t, err)

		_, err = svc.BeginReview(ctx, c.ID, "reviewer-2")
		assert.ErrorIs(t, err, claims.ErrInvalidTransition)
	})
}

func submitAndReview(t *testing.T, svc *claims.Service, reviewer string) *claims.Claim {
	t.Helper()
	ctx := context.Background()

	c, err := svc.Submit(ctx, validSubmit())
	require.NoError(t, err)
	require.Equal(t, claims.StatusPending, c.Status)

	reviewed, err := svc.BeginReview(ctx, c.ID, reviewer)
	require.NoError(t, err)
	return reviewed
}

func TestDecide(t *testing.T) {
	ctx := context.Background()
	pol := policy.Default()
	pol.AutoApprovalEnabled = false

	t.Run("should approve for the requested amount by default", func(t *testing.T) {
		svc := newService(newMemStore(), pol)
		c := submitAndReview(t, svc, "reviewer-1")

		decided, err := svc.Decide(ctx, c.ID, "reviewer-1", claims.DecisionApproved, "verified on site", nil)
		require.NoError(t, err)
		assert.Equal(t, claims.StatusApproved, decided.Status)
		assert.True(t, decided.ApprovedAmount.Equal(c.RequestedAmount))
	})

	t.Run("should approve a reduced amount", func(t *testing.T) {
		svc := newService(newMemStore(), pol)
		c := submitAndReview(t, svc, "reviewer-1")

		reduced := decimal.NewFromInt(10000)
		decided, err := svc.Decide(ctx, c.ID, "reviewer-1", claims.DecisionApproved, "partial damage", &reduced)
		require.NoError(t, err)
		assert.True(t, decided.ApprovedAmount.Equal(reduced))
	})

	t.Run("should reject an approved amount above the request", func(t *testing.T) {
		svc := newService(newMemStore(), pol)
		c := submitAndReview(t, svc, "reviewer-1")

		over := decimal.NewFromInt(70000)
		_, err := svc.Decide(ctx, c.ID, "reviewer-1", claims.DecisionApproved, "", &over)
		assert.ErrorIs(t, err, claims.ErrInvalidAmount)
	})

	t.Run("should reject a non-positive approved amount", func(t *testing.T) {
		svc := newService(newMemStore(), pol)
		c := submitAndReview(t, svc, "reviewer-1")

		zero := decimal.Zero
		_, err := svc.Decide(ctx, c.ID, "reviewer-1", claims.DecisionApproved, "", &zero)
		assert.ErrorIs(t, err, claims.ErrInvalidAmount)
	})

	t.Run("should only accept the assigned reviewer", func(t *testing.T) {
		svc := newService(newMemStore(), pol)
		c := submitAndReview(t, svc, "reviewer-1")

		_, err := svc.Decide(ctx, c.ID, "reviewer-2", claims.DecisionApproved, "", nil)
		assert.ErrorIs(t, err, claims.ErrNotAssignedReviewer)
	})

	t.Run("should not decide a claim that is not under review", func(t *testing.T) {
		svc := newService(newMemStore(), pol)

		c, err := svc.Submit(ctx, validSubmit())
		require.NoError(t, err)

		_, err = svc.Decide(ctx, c.ID, "reviewer-1", claims.DecisionApproved, "", nil)
		assert.ErrorIs(t, err, claims.ErrInvalidTransition)
	})

	t.Run("should record rejection with notes", func(t *testing.T) {
		store := newMemStore()
		svc := newService(store, pol)
		c := submitAndReview(t, svc, "reviewer-1")

		decided, err := svc.Decide(ctx, c.ID, "reviewer-1", claims.DecisionRejected, "documents do not match location", nil)
		require.NoError(t, err)
		assert.Equal(t, claims.StatusRejected, decided.Status)
		assert.Equal(t, "documents do not match location", decided.ReviewNotes)

		events := store.eventsFor(c.ID)
		last := events[len(events)-1]
		assert.Equal(t, string(claims.StatusRejected), last.NewState)
		assert.Equal(t, "reviewer-1", last.Actor)
	})
}

func TestDisbursementTransitions(t *testing.T) {
	ctx := context.Background()
	pol := policy.Default()
	pol.AutoApprovalEnabled = false

	approve := func(t *testing.T, svc *claims.Service) *claims.Claim {
		c := submitAndReview(t, svc, "reviewer-1")
		decided, err := svc.Decide(ctx, c.ID, "reviewer-1", claims.DecisionApproved, "ok", nil)
		require.NoError(t, err)
		return decided
	}

	t.Run("should walk approved through disbursing to disbursed", func(t *testing.T) {
		svc := newService(newMemStore(), pol)
		c := approve(t, svc)

		_, err := svc.MarkDisbursing(ctx, c.ID, "system", "settlement submitted")
		require.NoError(t, err)

		done, err := svc.MarkDisbursed(ctx, c.ID, "system", "tx-12345", "ledger confirmed")
		require.NoError(t, err)
		assert.Equal(t, claims.StatusDisbursed, done.Status)
		assert.Equal(t, "tx-12345", done.DisbursementRef)
	})

	t.Run("should allow retry after a failed disbursement", func(t *testing.T) {
		svc := newService(newMemStore(), pol)
		c := approve(t, svc)

		_, err := svc.MarkDisbursing(ctx, c.ID, "system", "")
		require.NoError(t, err)
		_, err = svc.MarkDisbursementFailed(ctx, c.ID, "system", "ledger rejected")
		require.NoError(t, err)

		retried, err := svc.MarkDisbursing(ctx, c.ID, "system", "retry")
		require.NoError(t, err)
		assert.Equal(t, claims.StatusDisbursing, retried.Status)
	})

	t.Run("should abandon only from disbursement_failed", func(t *testing.T) {
		svc := newService(newMemStore(), pol)
		c := approve(t, svc)

		_, err := svc.Abandon(ctx, c.ID, "admin-1", "giving up")
		assert.ErrorIs(t, err, claims.ErrInvalidTransition)

		_, err = svc.MarkDisbursing(ctx, c.ID, "system", "")
		require.NoError(t, err)
		_, err = svc.MarkDisbursementFailed(ctx, c.ID, "system", "target account closed")
		require.NoError(t, err)

		abandoned, err := svc.Abandon(ctx, c.ID, "admin-1", "target unreachable")
		require.NoError(t, err)
		assert.Equal(t, claims.StatusRejected, abandoned.Status)
	})

	t.Run("should never leave a terminal state", func(t *testing.T) {
		svc := newService(newMemStore(), pol)
		c := approve(t, svc)

		_, err := svc.MarkDisbursing(ctx, c.ID, "system", "")
		require.NoError(t, err)
		_, err = svc.MarkDisbursed(ctx, c.ID, "system", "tx-1", "")
		require.NoError(t, err)

		_, err = svc.MarkDisbursing(ctx, c.ID, "system", "")
		assert.ErrorIs(t, err, claims.ErrInvalidTransition)
		_, err = svc.MarkDisbursementFailed(ctx, c.ID, "system", "")
		assert.ErrorIs(t, err, claims.ErrInvalidTransition)
	})

	t.Run("should not disburse an undecided claim", func(t *testing.T) {
		svc := newService(newMemStore(), pol)
		c, err := svc.Submit(ctx, validSubmit())
		require.NoError(t, err)

		_, err = svc.MarkDisbursing(ctx, c.ID, "system", "")
		assert.ErrorIs(t, err, claims.ErrInvalidTransition)
	})
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()
	pol := policy.Default()
	pol.AutoApprovalEnabled = false

	t.Run("should record one event per transition with contiguous states", func(t *testing.T) {
		store := newMemStore()
		svc := newService(store, pol)

		c := submitAndReview(t, svc, "reviewer-1")
		_, err := svc.Decide(ctx, c.ID, "reviewer-1", claims.DecisionApproved, "ok", nil)
		require.NoError(t, err)
		_, err = svc.MarkDisbursing(ctx, c.ID, "system", "")
		require.NoError(t, err)
		_, err = svc.MarkDisbursed(ctx, c.ID, "system", "tx-9", "")
		require.NoError(t, err)

		events := store.eventsFor(c.ID)
		require.Len(t, events, 5)
		for i := 1; i < len(events); i++ {
			assert.Equal(t, events[i-1].NewState, events[i].PriorState,
				"event %d must chain from its predecessor", i)
			assert.Greater(t, events[i].Seq, events[i-1].Seq)
		}
	})
}
