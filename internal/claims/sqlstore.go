package claims

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/reliefchain/engine/internal/audit"
	"github.com/reliefchain/engine/internal/risk"
)

// SQLStore is the postgres-backed claim store. Every write opens one
// transaction covering the claim row and its audit event.
type SQLStore struct {
	db    *sql.DB
	audit *audit.Log
}

// NewSQLStore creates a store over db, appending audit events through log.
func NewSQLStore(db *sql.DB, log *audit.Log) *SQLStore {
	return &SQLStore{db: db, audit: log}
}

const claimColumns = `id, submitter, category, description, requested_amount, location,
	lat, lng, documents, payout_target, risk_tier, status, reviewer_id, review_notes,
	approved_amount, disbursement_ref, submitted_at, updated_at, version`

func (s *SQLStore) Insert(ctx context.Context, c *Claim, ev *audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var lat, lng *float64
	if c.Coordinates != nil {
		lat, lng = &c.Coordinates.Lat, &c.Coordinates.Lng
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO claims (`+claimColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		c.ID, c.Submitter, c.Category, c.Description, c.RequestedAmount, c.Location,
		lat, lng, pq.Array(c.Documents), c.PayoutTarget, c.RiskTier, c.Status,
		c.ReviewerID, c.ReviewNotes, nullAmount(c.ApprovedAmount), c.DisbursementRef,
		c.SubmittedAt, c.UpdatedAt, c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert claim: %w", err)
	}

	if err := s.audit.AppendTx(ctx, tx, ev); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) Update(ctx context.Context, c *Claim, expectedVersion int, ev *audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	c.Version = expectedVersion + 1
	c.UpdatedAt = time.Now().UTC()

	result, err := tx.ExecContext(ctx,
		`UPDATE claims SET status = $1, reviewer_id = $2, review_notes = $3,
		   approved_amount = $4, disbursement_ref = $5, updated_at = $6, version = $7
		 WHERE id = $8 AND version = $9`,
		c.Status, c.ReviewerID, c.ReviewNotes, nullAmount(c.ApprovedAmount),
		c.DisbursementRef, c.UpdatedAt, c.Version, c.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update claim: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentUpdate
	}

	if err := s.audit.AppendTx(ctx, tx, ev); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) Get(ctx context.Context, id uuid.UUID) (*Claim, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE id = $1`, id)
	c, err := scanClaim(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}
	return c, nil
}

func (s *SQLStore) ListBySubmitter(ctx context.Context, submitter string) ([]*Claim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE submitter = $1 ORDER BY submitted_at DESC`,
		submitter)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	return scanClaims(rows)
}

func (s *SQLStore) ListPending(ctx context.Context, f PendingFilter) ([]*Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE status = $1`
	args := []interface{}{StatusPending}

	if f.Tier != "" {
		args = append(args, f.Tier)
		query += fmt.Sprintf(" AND risk_tier = $%d", len(args))
	}
	if !f.SubmittedFrom.IsZero() {
		args = append(args, f.SubmittedFrom)
		query += fmt.Sprintf(" AND submitted_at >= $%d", len(args))
	}
	if !f.SubmittedTo.IsZero() {
		args = append(args, f.SubmittedTo)
		query += fmt.Sprintf(" AND submitted_at < $%d", len(args))
	}

	query += " ORDER BY submitted_at ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending claims: %w", err)
	}
	return scanClaims(rows)
}

func (s *SQLStore) ReviewerStats(ctx context.Context, reviewerID string) (*ReviewerStats, error) {
	stats := &ReviewerStats{ReviewerID: reviewerID}
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status <> $2),
		   COUNT(*) FILTER (WHERE status IN ($3, $4, $5, $6)),
		   COUNT(*) FILTER (WHERE status = $7),
		   COUNT(*) FILTER (WHERE status = $2)
		 FROM claims WHERE reviewer_id = $1`,
		reviewerID, StatusUnderReview,
		StatusApproved, StatusDisbursing, StatusDisbursed, StatusDisbursementFailed,
		StatusRejected,
	).Scan(&stats.Reviewed, &stats.Approved, &stats.Rejected, &stats.Pending)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviewer stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanClaim(row rowScanner) (*Claim, error) {
	var (
		c        Claim
		lat, lng sql.NullFloat64
		approved decimal.NullDecimal
		docs     pq.StringArray
		tier     string
	)
	err := row.Scan(&c.ID, &c.Submitter, &c.Category, &c.Description,
		&c.RequestedAmount, &c.Location, &lat, &lng, &docs, &c.PayoutTarget,
		&tier, &c.Status, &c.ReviewerID, &c.ReviewNotes, &approved,
		&c.DisbursementRef, &c.SubmittedAt, &c.UpdatedAt, &c.Version)
	if err != nil {
		return nil, err
	}

	c.Documents = []string(docs)
	c.RiskTier = risk.Tier(tier)
	if lat.Valid && lng.Valid {
		c.Coordinates = &Coordinates{Lat: lat.Float64, Lng: lng.Float64}
	}
	if approved.Valid {
		c.ApprovedAmount = approved.Decimal
	}
	return &c, nil
}

func scanClaims(rows *sql.Rows) ([]*Claim, error) {
	defer rows.Close()

	var out []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullAmount(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: !d.IsZero()}
}
