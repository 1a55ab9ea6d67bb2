package transparency_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefchain/engine/internal/audit"
	"github.com/reliefchain/engine/internal/cache"
	"github.com/reliefchain/engine/internal/transparency"
)

type stubStats struct {
	stats *transparency.PublicStats
	calls int
}

func (s *stubStats) PublicStats(ctx context.Context) (*transparency.PublicStats, error) {
	s.calls++
	return s.stats, nil
}

func (s *stubStats) CategoryTotals(ctx context.Context) ([]transparency.CategoryTotal, error) {
	return []transparency.CategoryTotal{
		{Category: "flood", Donated: decimal.NewFromInt(9000), Disbursed: decimal.NewFromInt(4000), Balance: decimal.NewFromInt(5000)},
	}, nil
}

func (s *stubStats) RecentTransactions(ctx context.Context, limit int) ([]transparency.Transaction, error) {
	out := make([]transparency.Transaction, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, transparency.Transaction{Kind: "donation", Amount: decimal.NewFromInt(100)})
	}
	return out, nil
}

// stubFeed serves audit events by seq cursor, like audit.Log does.
type stubFeed struct {
	events []audit.Event
}

func (s *stubFeed) Feed(ctx context.Context, afterSeq int64, limit int) ([]audit.Event, error) {
	var out []audit.Event
	for _, ev := range s.events {
		if ev.Seq > afterSeq && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *stubFeed) Query(ctx context.Context, entityID string, afterSeq int64, limit int) ([]audit.Event, error) {
	var out []audit.Event
	for _, ev := range s.events {
		if ev.EntityID == entityID && ev.Seq > afterSeq && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemCache() *memCache { return &memCache{data: make(map[string]string)} }

func (c *memCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return "", cache.ErrMiss
	}
	return v, nil
}

func (c *memCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[key]; ok {
		return false, nil
	}
	c.data[key] = value
	return true, nil
}

func reviewHistory() []audit.Event {
	return []audit.Event{
		{Seq: 1, EntityType: audit.EntityClaim, EntityID: "claim-1", NewState: "pending", Actor: "aid-seeker-1"},
		{Seq: 2, EntityType: audit.EntityClaim, EntityID: "claim-1", PriorState: "pending", NewState: "under_review", Actor: "reviewer-7"},
		{Seq: 3, EntityType: audit.EntityClaim, EntityID: "claim-1", PriorState: "under_review", NewState: "approved", Actor: "reviewer-7"},
		{Seq: 4, EntityType: audit.EntityDonation, EntityID: "donation-1", NewState: "submitted", Actor: "donor-3"},
		{Seq: 5, EntityType: audit.EntityClaim, EntityID: "claim-2", PriorState: "pending", NewState: "under_review", Actor: "reviewer-9"},
	}
}

func TestFeed(t *testing.T) {
	ctx := context.Background()
	svc := transparency.NewService(&stubStats{}, &stubFeed{events: reviewHistory()}, nil)

	t.Run("should hide the reviewer while a claim is under review", func(t *testing.T) {
		events, err := svc.Feed(ctx, 0, 10)
		require.NoError(t, err)
		require.Len(t, events, 5)

		assert.Empty(t, events[1].Actor, "under_review actor is masked")
		assert.Empty(t, events[4].Actor, "masking applies to every under_review event")
		assert.Equal(t, "reviewer-7", events[2].Actor, "the decision reveals the reviewer")
		assert.Equal(t, "donor-3", events[3].Actor, "donation actors pass through")
	})

	t.Run("should paginate by sequence cursor", func(t *testing.T) {
		first, err := svc.Feed(ctx, 0, 2)
		require.NoError(t, err)
		require.Len(t, first, 2)

		second, err := svc.Feed(ctx, first[len(first)-1].Seq, 2)
		require.NoError(t, err)
		require.Len(t, second, 2)
		assert.Greater(t, second[0].Seq, first[1].Seq)

		rest, err := svc.Feed(ctx, second[len(second)-1].Seq, 10)
		require.NoError(t, err)
		assert.Len(t, rest, 1)
	})

	t.Run("should clamp absurd page sizes", func(t *testing.T) {
		events, err := svc.Feed(ctx, 0, 1<<30)
		require.NoError(t, err)
		assert.Len(t, events, 5)
	})

	t.Run("should mask per-entity history the same way", func(t *testing.T) {
		events, err := svc.History(ctx, "claim-1", 0, 10)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Empty(t, events[1].Actor)
		assert.Equal(t, "reviewer-7", events[2].Actor)
	})
}

func TestStatsCaching(t *testing.T) {
	ctx := context.Background()

	t.Run("should serve repeated reads from cache", func(t *testing.T) {
		store := &stubStats{stats: &transparency.PublicStats{
			TotalDonated:   decimal.NewFromInt(120000),
			TotalDisbursed: decimal.NewFromInt(45000),
			VictimsHelped:  7,
			ActiveClaims:   3,
			TotalDonors:    40,
		}}
		svc := transparency.NewService(store, &stubFeed{}, newMemCache())

		first, err := svc.Stats(ctx)
		require.NoError(t, err)
		second, err := svc.Stats(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, store.calls, "second read comes from cache")
		assert.True(t, second.TotalDonated.Equal(first.TotalDonated))
		assert.Equal(t, first.VictimsHelped, second.VictimsHelped)
	})

	t.Run("should query the store on every read without a cache", func(t *testing.T) {
		store := &stubStats{stats: &transparency.PublicStats{}}
		svc := transparency.NewService(store, &stubFeed{}, nil)

		_, err := svc.Stats(ctx)
		require.NoError(t, err)
		_, err = svc.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, store.calls)
	})
}

func TestRecentTransactions(t *testing.T) {
	svc := transparency.NewService(&stubStats{}, &stubFeed{}, nil)

	txns, err := svc.RecentTransactions(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, txns, 20, "zero limit falls back to the default page")

	txns, err = svc.RecentTransactions(context.Background(), 500)
	require.NoError(t, err)
	assert.Len(t, txns, 20, "oversized limits are clamped")
}
