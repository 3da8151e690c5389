package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"wastesync/internal/domain"
)

// Sync log entry types.
const (
	TypeItemCreated           = "item.created"
	TypeMoveArchived          = "move.archived"
	TypeMoveRestored          = "move.restored"
	TypeMovePartial           = "move.partial"
	TypeMoveCompleted         = "move.completed"
	TypeItemPurged            = "item.purged"
	TypeStatusTransitioned    = "status.transitioned"
	TypeStatusRepaired        = "status.repaired"
	TypeNotificationPublished = "notification.published"
	TypeNotificationDegraded  = "notification.degraded"
	TypeSweepStale            = "sweep.stale"
)

// Writer appends rows to sync_log. There is no enclosing transaction; an
// append is one more independent write.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, kind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO sync_log(ts,type,kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(kind), nullable(entityID), nullable(actorID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
