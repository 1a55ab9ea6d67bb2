package donations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reliefchain/engine/internal/audit"
)

// SQLStore is the postgres-backed donation store. A unique index on
// receipt_token_id (where non-empty) enforces one receipt per donation at
// the storage layer.
type SQLStore struct {
	db    *sql.DB
	audit *audit.Log
}

// NewSQLStore creates a store over db, appending audit events through log.
func NewSQLStore(db *sql.DB, log *audit.Log) *SQLStore {
	return &SQLStore{db: db, audit: log}
}

const donationColumns = `id, donor, category, amount, message, tx_ref, status,
	receipt_token_id, created_at, confirmed_at, version`

func (s *SQLStore) Insert(ctx context.Context, d *Donation, ev *audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO donations (`+donationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.Donor, d.Category, d.Amount, d.Message, d.TxRef, d.Status,
		d.ReceiptTokenID, d.CreatedAt, d.ConfirmedAt, d.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert donation: %w", err)
	}

	if err := s.audit.AppendTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Update(ctx context.Context, d *Donation, expectedVersion int, ev *audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	d.Version = expectedVersion + 1

	result, err := tx.ExecContext(ctx,
		`UPDATE donations
		 SET tx_ref = $1, status = $2, receipt_token_id = $3, confirmed_at = $4, version = $5
		 WHERE id = $6 AND version = $7`,
		d.TxRef, d.Status, d.ReceiptTokenID, d.ConfirmedAt, d.Version, d.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update donation: %w", err)
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

func (s *SQLStore) Get(ctx context.Context, id uuid.UUID) (*Donation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+donationColumns+` FROM donations WHERE id = $1`, id)
	d, err := scanDonation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get donation: %w", err)
	}
	return d, nil
}

func (s *SQLStore) ListByDonor(ctx context.Context, donor string) ([]*Donation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+donationColumns+` FROM donations WHERE donor = $1 ORDER BY created_at DESC`,
		donor)
	if err != nil {
		return nil, fmt.Errorf("failed to list donations: %w", err)
	}
	defer rows.Close()

	var out []*Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan donation: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) DonorStats(ctx context.Context, donor string) (*DonorStats, error) {
	stats := &DonorStats{Donor: donor, TotalDonated: decimal.Zero}
	var total decimal.NullDecimal
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0), COUNT(*), COUNT(*) FILTER (WHERE receipt_token_id <> '')
		 FROM donations WHERE donor = $1 AND status = $2`,
		donor, StatusConfirmed,
	).Scan(&total, &stats.TotalDonations, &stats.ReceiptCount)
	if err != nil {
		return nil, fmt.Errorf("failed to query donor stats: %w", err)
	}
	if total.Valid {
		stats.TotalDonated = total.Decimal
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDonation(row rowScanner) (*Donation, error) {
	var (
		d         Donation
		confirmed sql.NullTime
	)
	err := row.Scan(&d.ID, &d.Donor, &d.Category, &d.Amount, &d.Message,
		&d.TxRef, &d.Status, &d.ReceiptTokenID, &d.CreatedAt, &confirmed, &d.Version)
	if err != nil {
		return nil, err
	}
	if confirmed.Valid {
		t := confirmed.Time
		d.ConfirmedAt = &t
	}
	return &d, nil
}
