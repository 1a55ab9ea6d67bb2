package main

import (
	"encoding/json"

	"github.com/reliefchain/engine/internal/audit"
	"github.com/reliefchain/engine/internal/transparency"
	"github.com/reliefchain/engine/pkg/messaging"
)

// maskPayload applies the public-feed masking rules to a raw audit message
// before it reaches websocket subscribers. Unparseable payloads are dropped.
func maskPayload(data []byte) ([]byte, bool) {
	var ev messaging.AuditEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false
	}

	masked := transparency.MaskEvent(audit.Event{
		Seq:        ev.Seq,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		PriorState: ev.PriorState,
		NewState:   ev.NewState,
		Actor:      ev.Actor,
		Note:       ev.Note,
		At:         ev.At,
	})
	ev.Actor = masked.Actor

	out, err := json.Marshal(ev)
	if err != nil {
		return nil, false
	}
	return out, true
}
