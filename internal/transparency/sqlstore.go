package transparency

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// SQLStore derives public figures from the materialized tables with plain
// read-only snapshot queries; no locking is needed beyond what postgres
// gives a single statement.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a read-only store over db.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) PublicStats(ctx context.Context) (*PublicStats, error) {
	stats := &PublicStats{
		TotalDonated:   decimal.Zero,
		TotalDisbursed: decimal.Zero,
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
		  (SELECT COALESCE(SUM(amount), 0) FROM donations WHERE status = 'confirmed'),
		  (SELECT COALESCE(SUM(amount), 0) FROM disbursement_attempts WHERE status = 'confirmed'),
		  (SELECT COUNT(DISTINCT submitter) FROM claims WHERE status = 'disbursed'),
		  (SELECT COUNT(*) FROM claims WHERE status NOT IN ('rejected', 'disbursed')),
		  (SELECT COUNT(DISTINCT donor) FROM donations WHERE status = 'confirmed')`,
	).Scan(&stats.TotalDonated, &stats.TotalDisbursed,
		&stats.VictimsHelped, &stats.ActiveClaims, &stats.TotalDonors)
	if err != nil {
		return nil, fmt.Errorf("failed to query public stats: %w", err)
	}
	return stats, nil
}

func (s *SQLStore) CategoryTotals(ctx context.Context) ([]CategoryTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cat, COALESCE(SUM(donated), 0), COALESCE(SUM(disbursed), 0) FROM (
		  SELECT category AS cat, amount AS donated, NULL::numeric AS disbursed
		    FROM donations WHERE status = 'confirmed'
		  UNION ALL
		  SELECT c.category, NULL, a.amount
		    FROM disbursement_attempts a JOIN claims c ON c.id = a.claim_id
		   WHERE a.status = 'confirmed'
		) flows GROUP BY cat ORDER BY cat`)
	if err != nil {
		return nil, fmt.Errorf("failed to query category totals: %w", err)
	}
	defer rows.Close()

	var out []CategoryTotal
	for rows.Next() {
		var t CategoryTotal
		if err := rows.Scan(&t.Category, &t.Donated, &t.Disbursed); err != nil {
			return nil, fmt.Errorf("failed to scan category total: %w", err)
		}
		t.Balance = t.Donated.Sub(t.Disbursed)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) RecentTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, category, amount, tx_ref, at FROM (
		  SELECT 'donation' AS kind, category, amount, tx_ref, confirmed_at AS at
		    FROM donations WHERE status = 'confirmed'
		  UNION ALL
		  SELECT 'disbursement', c.category, a.amount, a.tx_ref, a.resolved_at
		    FROM disbursement_attempts a JOIN claims c ON c.id = a.claim_id
		   WHERE a.status = 'confirmed'
		) moves ORDER BY at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.Kind, &t.Category, &t.Amount, &t.TxRef, &t.At); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
