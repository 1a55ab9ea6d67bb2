package transparency

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/reliefchain/engine/internal/audit"
	"github.com/reliefchain/engine/internal/cache"
	"github.com/reliefchain/engine/internal/claims"
)

// StatsStore is the read-only view over the materialized tables.
type StatsStore interface {
	PublicStats(ctx context.Context) (*PublicStats, error)
	CategoryTotals(ctx context.Context) ([]CategoryTotal, error)
	RecentTransactions(ctx context.Context, limit int) ([]Transaction, error)
}

// EventSource is the slice of the audit ledger the feed reads.
type EventSource interface {
	Feed(ctx context.Context, afterSeq int64, limit int) ([]audit.Event, error)
	Query(ctx context.Context, entityID string, afterSeq int64, limit int) ([]audit.Event, error)
}

const (
	statsCacheKey = "transparency:stats"
	statsCacheTTL = 30 * time.Second

	maxFeedPage = 500
)

// Service serves the public transparency surfaces: cached headline stats,
// per-category pool totals, recent confirmed transactions, and the paginated
// audit feed. Everything here is derived; it mutates nothing.
type Service struct {
	store  StatsStore
	events EventSource
	cache  cache.Cache
}

// NewService wires the service. c may be nil to disable stats caching.
func NewService(store StatsStore, events EventSource, c cache.Cache) *Service {
	return &Service{store: store, events: events, cache: c}
}

// Stats returns the headline figures, cached briefly since the public
// dashboard polls them hard.
func (s *Service) Stats(ctx context.Context) (*PublicStats, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, statsCacheKey); err == nil {
			var stats PublicStats
			if json.Unmarshal([]byte(raw), &stats) == nil {
				return &stats, nil
			}
		} else if !errors.Is(err, cache.ErrMiss) {
			log.Printf("transparency: stats cache read failed: %v", err)
		}
	}

	stats, err := s.store.PublicStats(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(stats); err == nil {
			if err := s.cache.Set(ctx, statsCacheKey, string(raw), statsCacheTTL); err != nil {
				log.Printf("transparency: stats cache write failed: %v", err)
			}
		}
	}
	return stats, nil
}

// CategoryTotals returns per-pool confirmed flows.
func (s *Service) CategoryTotals(ctx context.Context) ([]CategoryTotal, error) {
	return s.store.CategoryTotals(ctx)
}

// RecentTransactions returns the latest confirmed money movements.
func (s *Service) RecentTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.RecentTransactions(ctx, limit)
}

// Feed returns a page of the audit feed starting after afterSeq, masked for
// public consumption. The caller passes the last seq it saw to get the next
// page, which makes the scan restartable.
func (s *Service) Feed(ctx context.Context, afterSeq int64, limit int) ([]audit.Event, error) {
	if limit <= 0 || limit > maxFeedPage {
		limit = 50
	}
	events, err := s.events.Feed(ctx, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i] = MaskEvent(events[i])
	}
	return events, nil
}

// History returns one entity's masked audit history.
func (s *Service) History(ctx context.Context, entityID string, afterSeq int64, limit int) ([]audit.Event, error) {
	if limit <= 0 || limit > maxFeedPage {
		limit = 100
	}
	events, err := s.events.Query(ctx, entityID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i] = MaskEvent(events[i])
	}
	return events, nil
}

// MaskEvent strips what the public surface must not see: the identity of a
// reviewer holding a claim under review. The assignment becomes visible
// retroactively through the decision event once the review resolves.
func MaskEvent(ev audit.Event) audit.Event {
	if ev.EntityType == audit.EntityClaim && ev.NewState == string(claims.StatusUnderReview) {
		ev.Actor = ""
	}
	return ev
}
