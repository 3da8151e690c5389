package repo

import (
	"context"
	"database/sql"

	"wastesync/internal/domain"
)

const notificationColumns = `id,work_item_id,user_id,kind,message,status,response,read,created_at,updated_at`

func scanNotification(row rowScanner) (domain.Notification, error) {
	var n domain.Notification
	var read int
	err := row.Scan(&n.ID, &n.WorkItemID, &n.OwnerRef, &n.Kind, &n.Message, &n.Status, &n.Response, &read, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	n.Read = read != 0
	return n, err
}

// UpsertNotification inserts or overwrites the single notification of a work
// item, keyed by kind and work item id. An existing row is only replaced
// when the incoming updated_at is not older than the stored one; every
// accepted write resets read.
func (r Repo) UpsertNotification(ctx context.Context, n domain.Notification) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(`+notificationColumns+`) VALUES (?,?,?,?,?,?,?,0,?,?)
ON CONFLICT(kind, work_item_id) DO UPDATE SET user_id=excluded.user_id, message=excluded.message,
  status=excluded.status, response=excluded.response, read=0, updated_at=excluded.updated_at
WHERE excluded.updated_at >= notifications.updated_at`,
		n.ID, n.WorkItemID, n.OwnerRef, n.Kind, n.Message, n.Status, n.Response, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return false, err
	}
	c, _ := res.RowsAffected()
	return c > 0, nil
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id))
}

func (r Repo) GetNotificationByItem(ctx context.Context, kind, workItemID string) (domain.Notification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE kind=? AND work_item_id=?`, kind, workItemID))
}

type NotificationFilters struct {
	OwnerRef   string
	UnreadOnly bool
	Limit      int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	var clauses []string
	var args []any
	if f.OwnerRef != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.OwnerRef)
	}
	if f.UnreadOnly {
		clauses = append(clauses, "read=0")
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications ` + where(clauses) + ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkNotificationRead flips read without touching updated_at, so a later
// publish still wins.
func (r Repo) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteNotificationByItem(ctx context.Context, kind, workItemID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM notifications WHERE kind=? AND work_item_id=?`, kind, workItemID)
	return err
}
