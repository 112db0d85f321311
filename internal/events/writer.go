package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"workdesk/internal/db"
)

const (
	RequestCreated       = "request.created"
	RequestStatusChanged = "request.status_changed"
	RequestMessageAdded  = "request.message_added"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, requestID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,request_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		db.FormatTime(now()), evtType, requestID, actorID, string(data))
	return err
}
