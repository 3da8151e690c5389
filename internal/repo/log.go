package repo

import (
	"context"
	"database/sql"

	"wastesync/internal/domain"
)

type LogFilters struct {
	Type     string
	Kind     string
	EntityID string
	Limit    int
}

// ListLog returns sync log entries newest first.
func (r Repo) ListLog(ctx context.Context, f LogFilters) ([]domain.LogEntry, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,kind,entity_id,actor_id,payload_json FROM sync_log `+where(clauses)+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var kind, entity, actor sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &kind, &entity, &actor, &e.Payload); err != nil {
			return nil, err
		}
		e.Kind, e.EntityID, e.ActorID = kind.String, entity.String, actor.String
		res = append(res, e)
	}
	return res, rows.Err()
}
