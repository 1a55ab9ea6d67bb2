package disbursement

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reliefchain/engine/internal/audit"
)

// SQLStore is the postgres-backed attempt store. A partial unique index on
// (claim_id) WHERE status = 'submitted' backs the single-in-flight invariant
// at the storage layer, behind the coordinator's own CAS guard.
type SQLStore struct {
	db    *sql.DB
	audit *audit.Log
}

// NewSQLStore creates a store over db, appending audit events through log.
func NewSQLStore(db *sql.DB, log *audit.Log) *SQLStore {
	return &SQLStore{db: db, audit: log}
}

const attemptColumns = `id, claim_id, amount, target, tx_ref, status, failure_reason,
	submitted_at, resolved_at, version`

func (s *SQLStore) Insert(ctx context.Context, a *Attempt, ev *audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO disbursement_attempts (`+attemptColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.ClaimID, a.Amount, a.Target, a.TxRef, a.Status,
		a.FailureReason, a.SubmittedAt, a.ResolvedAt, a.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}

	if err := s.audit.AppendTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Update(ctx context.Context, a *Attempt, expectedVersion int, ev *audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	a.Version = expectedVersion + 1

	result, err := tx.ExecContext(ctx,
		`UPDATE disbursement_attempts
		 SET tx_ref = $1, status = $2, failure_reason = $3, resolved_at = $4, version = $5
		 WHERE id = $6 AND version = $7`,
		a.TxRef, a.Status, a.FailureReason, a.ResolvedAt, a.Version, a.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update attempt: %w", err)
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

func (s *SQLStore) Get(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM disbursement_attempts WHERE id = $1`, id)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return a, nil
}

func (s *SQLStore) ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM disbursement_attempts
		 WHERE claim_id = $1 ORDER BY submitted_at ASC`, claimID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) ConfirmedTotal(ctx context.Context, claimID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM disbursement_attempts
		 WHERE claim_id = $1 AND status = $2`, claimID, AttemptConfirmed,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum confirmed attempts: %w", err)
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(row rowScanner) (*Attempt, error) {
	var (
		a        Attempt
		resolved sql.NullTime
	)
	err := row.Scan(&a.ID, &a.ClaimID, &a.Amount, &a.Target, &a.TxRef,
		&a.Status, &a.FailureReason, &a.SubmittedAt, &resolved, &a.Version)
	if err != nil {
		return nil, err
	}
	if resolved.Valid {
		t := resolved.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}
