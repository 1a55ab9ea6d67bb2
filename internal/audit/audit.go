package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Entity types recorded in the audit log.
const (
	EntityClaim    = "claim"
	EntityAttempt  = "disbursement_attempt"
	EntityDonation = "donation"
)

var ErrNotFound = errors.New("audit event not found")

// Event is one immutable state transition record. Seq is assigned at append
// time from a single database sequence and defines the total order of
// everything that happened, independent of wall-clock skew between services.
type Event struct {
	Seq        int64     `json:"seq"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	PriorState string    `json:"prior_state"`
	NewState   string    `json:"new_state"`
	Actor      string    `json:"actor,omitempty"`
	Note       string    `json:"note,omitempty"`
	At         time.Time `json:"at"`
}

// Log is the append-only audit ledger backed by postgres. Appends happen
// inside the caller's transaction so a state change and its audit row commit
// or roll back together.
type Log struct {
	db *sql.DB
}

// NewLog creates a Log over db.
func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

// AppendTx appends ev inside tx and fills in its assigned sequence number.
// The triggering operation must not commit without this row.
func (l *Log) AppendTx(ctx context.Context, tx *sql.Tx, ev *Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	err := tx.QueryRowContext(ctx,
		`INSERT INTO audit_events (entity_type, entity_id, prior_state, new_state, actor, note, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING seq`,
		ev.EntityType, ev.EntityID, ev.PriorState, ev.NewState, ev.Actor, ev.Note, ev.At,
	).Scan(&ev.Seq)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// Query returns up to limit events for one entity with seq > afterSeq, in
// sequence order. Passing the last seq seen back as afterSeq makes the scan
// restartable from any point.
func (l *Log) Query(ctx context.Context, entityID string, afterSeq int64, limit int) ([]Event, error) {
	return l.scan(ctx,
		`SELECT seq, entity_type, entity_id, prior_state, new_state, actor, note, at
		 FROM audit_events WHERE entity_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		entityID, afterSeq, limit)
}

// Feed returns up to limit events across all entities with seq > afterSeq,
// in sequence order. It is the raw source for the public transparency feed.
func (l *Log) Feed(ctx context.Context, afterSeq int64, limit int) ([]Event, error) {
	return l.scan(ctx,
		`SELECT seq, entity_type, entity_id, prior_state, new_state, actor, note, at
		 FROM audit_events WHERE seq > $1 ORDER BY seq ASC LIMIT $2`,
		afterSeq, limit)
}

func (l *Log) scan(ctx context.Context, query string, args ...interface{}) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Seq, &ev.EntityType, &ev.EntityID,
			&ev.PriorState, &ev.NewState, &ev.Actor, &ev.Note, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
