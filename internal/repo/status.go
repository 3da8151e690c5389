package repo

import (
	"context"
	"database/sql"
	"fmt"

	"wastesync/internal/domain"
)

const statusColumns = `work_item_id,kind,user_id,status,response,actor_id,updated_at`

func scanStatusEvent(row rowScanner) (domain.StatusEvent, error) {
	var se domain.StatusEvent
	var owner sql.NullString
	err := row.Scan(&se.WorkItemID, &se.Kind, &owner, &se.Status, &se.Response, &se.ActorID, &se.UpdatedAt)
	if err == sql.ErrNoRows {
		return se, ErrNotFound
	}
	se.OwnerRef = owner.String
	return se, err
}

// GetStatusEvent reads the status row of one work item. Status tables can
// be shared between kinds, so rows are keyed by kind and id.
func (r Repo) GetStatusEvent(ctx context.Context, kind, workItemID string) (domain.StatusEvent, error) {
	k, err := r.kind(kind)
	if err != nil {
		return domain.StatusEvent{}, err
	}
	return scanStatusEvent(r.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE kind=? AND work_item_id=?`, statusColumns, k.StatusTable), kind, workItemID))
}

// UpsertStatusEvent writes the status row for a work item only when the
// incoming updated_at is strictly newer than the stored one. It reports
// whether the row was written; false means a newer status already won.
func (r Repo) UpsertStatusEvent(ctx context.Context, se domain.StatusEvent) (bool, error) {
	k, err := r.kind(se.Kind)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %[1]s(%[2]s) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(kind, work_item_id) DO UPDATE SET user_id=excluded.user_id, status=excluded.status, response=excluded.response,
  actor_id=excluded.actor_id, updated_at=excluded.updated_at
WHERE excluded.updated_at > %[1]s.updated_at`, k.StatusTable, statusColumns),
		se.WorkItemID, se.Kind, nullable(se.OwnerRef), se.Status, se.Response, se.ActorID, se.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) DeleteStatusEvent(ctx context.Context, kind, workItemID string) error {
	k, err := r.kind(kind)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE kind=? AND work_item_id=?`, k.StatusTable), kind, workItemID)
	return err
}

// StatusDrift lists status rows whose active work item carries a different
// status with an older updated_at.
func (r Repo) StatusDrift(ctx context.Context, kind string) ([]domain.StatusEvent, error) {
	k, err := r.kind(kind)
	if err != nil {
		return nil, err
	}
	return r.listStatusEvents(ctx, fmt.Sprintf(`SELECT s.work_item_id,s.kind,s.user_id,s.status,s.response,s.actor_id,s.updated_at
FROM %s s JOIN %s t ON t.id=s.work_item_id
WHERE s.kind=? AND t.status != s.status AND t.updated_at < s.updated_at
ORDER BY s.updated_at`, k.StatusTable, k.Table), kind)
}

// ListStatusEvents returns the status rows of one kind.
func (r Repo) ListStatusEvents(ctx context.Context, kind string) ([]domain.StatusEvent, error) {
	k, err := r.kind(kind)
	if err != nil {
		return nil, err
	}
	return r.listStatusEvents(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE kind=? ORDER BY updated_at DESC`, statusColumns, k.StatusTable), kind)
}

func (r Repo) listStatusEvents(ctx context.Context, query string, args ...any) ([]domain.StatusEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusEvent
	for rows.Next() {
		se, err := scanStatusEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, se)
	}
	return res, rows.Err()
}
