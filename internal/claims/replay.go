package claims

import (
	"fmt"

	"github.com/reliefchain/engine/internal/audit"
)

// Snapshot is a claim's state as reconstructed from its audit history.
type Snapshot struct {
	ClaimID     string
	Status      Status
	LastActor   string
	Transitions int
	LastSeq     int64
}

// Replay folds a claim's audit events back into a state snapshot. The audit
// log is the canonical source; the materialized claim row is a view over it,
// and Replay is how the two are cross-checked. Events must be in sequence
// order, as returned by audit.Log.Query.
func Replay(claimID string, events []audit.Event) (*Snapshot, error) {
	snap := &Snapshot{ClaimID: claimID}

	for _, ev := range events {
		if ev.EntityType != audit.EntityClaim || ev.EntityID != claimID {
			continue
		}
		if ev.Seq <= snap.LastSeq {
			return nil, fmt.Errorf("audit events out of order at seq %d", ev.Seq)
		}

		next := Status(ev.NewState)
		switch {
		case snap.Transitions == 0:
			if next != StatusPending {
				return nil, fmt.Errorf("history starts in %q, want %q", next, StatusPending)
			}
		case ev.PriorState != string(snap.Status):
			return nil, fmt.Errorf("seq %d claims prior state %q, fold has %q",
				ev.Seq, ev.PriorState, snap.Status)
		case next != snap.Status && !CanTransition(snap.Status, next):
			return nil, fmt.Errorf("seq %d records illegal transition %s -> %s",
				ev.Seq, snap.Status, next)
		}

		snap.Status = next
		snap.LastActor = ev.Actor
		snap.Transitions++
		snap.LastSeq = ev.Seq
	}

	if snap.Transitions == 0 {
		return nil, fmt.Errorf("no audit history for claim %s", claimID)
	}
	return snap, nil
}

// Verify compares a materialized claim row against its replayed history.
func Verify(c *Claim, events []audit.Event) error {
	snap, err := Replay(c.ID.String(), events)
	if err != nil {
		return err
	}
	if snap.Status != c.Status {
		return fmt.Errorf("claim %s materialized as %s but history folds to %s",
			c.ID, c.Status, snap.Status)
	}
	return nil
}
