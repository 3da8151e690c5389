package repo

import (
	"context"
	"database/sql"

	"wastesync/internal/domain"
)

const pendingMoveColumns = `key,kind,direction,source_id,attempts,next_attempt_at,last_error,state,created_at,updated_at`

func scanPendingMove(row rowScanner) (domain.PendingMove, error) {
	var m domain.PendingMove
	var dir string
	err := row.Scan(&m.Key, &m.Kind, &dir, &m.SourceID, &m.Attempts, &m.NextAttemptAt, &m.LastError, &m.State, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	m.Direction = domain.Direction(dir)
	return m, err
}

// EnqueueMove records a move whose source delete is outstanding. A second
// enqueue of a key that is still pending keeps its attempt count and
// schedule; a key that went stale starts over.
func (r Repo) EnqueueMove(ctx context.Context, m domain.PendingMove) error {
	if m.State == "" {
		m.State = domain.OutboxPending
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO pending_moves(`+pendingMoveColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(key) DO UPDATE SET
  attempts=CASE WHEN pending_moves.state='stale' AND excluded.state='pending' THEN excluded.attempts ELSE pending_moves.attempts END,
  next_attempt_at=CASE WHEN pending_moves.state='stale' AND excluded.state='pending' THEN excluded.next_attempt_at ELSE pending_moves.next_attempt_at END,
  last_error=excluded.last_error, state=excluded.state, updated_at=excluded.updated_at`,
		m.Key, m.Kind, string(m.Direction), m.SourceID, m.Attempts, m.NextAttemptAt, m.LastError, m.State, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetPendingMove(ctx context.Context, key string) (domain.PendingMove, error) {
	return scanPendingMove(r.DB.QueryRowContext(ctx, `SELECT `+pendingMoveColumns+` FROM pending_moves WHERE key=?`, key))
}

// DuePendingMoves returns pending entries whose next attempt is at or before now.
func (r Repo) DuePendingMoves(ctx context.Context, now string, limit int) ([]domain.PendingMove, error) {
	return r.listPendingMoves(ctx, `WHERE state=? AND next_attempt_at<=? ORDER BY next_attempt_at LIMIT ?`, domain.OutboxPending, now, limit)
}

// ListPendingMoves lists outbox entries in a given state, or all when state is empty.
func (r Repo) ListPendingMoves(ctx context.Context, state string) ([]domain.PendingMove, error) {
	if state == "" {
		return r.listPendingMoves(ctx, `ORDER BY created_at`)
	}
	return r.listPendingMoves(ctx, `WHERE state=? ORDER BY created_at`, state)
}

func (r Repo) listPendingMoves(ctx context.Context, tail string, args ...any) ([]domain.PendingMove, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+pendingMoveColumns+` FROM pending_moves `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingMove
	for rows.Next() {
		m, err := scanPendingMove(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// RecordMoveAttempt stores the outcome of a failed retry.
func (r Repo) RecordMoveAttempt(ctx context.Context, key string, attempts int, nextAttemptAt, lastError, state, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE pending_moves SET attempts=?, next_attempt_at=?, last_error=?, state=?, updated_at=? WHERE key=?`,
		attempts, nextAttemptAt, lastError, state, now, key)
	return err
}

func (r Repo) DeletePendingMove(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM pending_moves WHERE key=?`, key)
	return err
}

// HasPendingMove reports whether any outbox entry references sourceID.
func (r Repo) HasPendingMove(ctx context.Context, kind, sourceID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM pending_moves WHERE kind=? AND source_id=?`, kind, sourceID).Scan(&n)
	return n > 0, err
}

const queuedNotificationColumns = `work_item_id,user_id,kind,message,status,response,at,attempts,next_attempt_at,last_error,state`

func scanQueuedNotification(row rowScanner) (domain.QueuedNotification, error) {
	var q domain.QueuedNotification
	err := row.Scan(&q.WorkItemID, &q.OwnerRef, &q.Kind, &q.Message, &q.Status, &q.Response, &q.At, &q.Attempts, &q.NextAttemptAt, &q.LastError, &q.State)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	return q, err
}

// EnqueueNotification queues a failed publish. A newer publish for the same
// work item replaces the queued one and restarts its attempts.
func (r Repo) EnqueueNotification(ctx context.Context, q domain.QueuedNotification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notification_outbox(`+queuedNotificationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(kind, work_item_id) DO UPDATE SET user_id=excluded.user_id, message=excluded.message,
  status=excluded.status, response=excluded.response, at=excluded.at, attempts=0,
  next_attempt_at=excluded.next_attempt_at, last_error=excluded.last_error, state=excluded.state
WHERE excluded.at >= notification_outbox.at`,
		q.WorkItemID, q.OwnerRef, q.Kind, q.Message, q.Status, q.Response, q.At, q.Attempts, q.NextAttemptAt, q.LastError, domain.OutboxPending)
	return err
}

func (r Repo) GetQueuedNotification(ctx context.Context, kind, workItemID string) (domain.QueuedNotification, error) {
	return scanQueuedNotification(r.DB.QueryRowContext(ctx, `SELECT `+queuedNotificationColumns+` FROM notification_outbox WHERE kind=? AND work_item_id=?`, kind, workItemID))
}

func (r Repo) DueNotifications(ctx context.Context, now string, limit int) ([]domain.QueuedNotification, error) {
	return r.listQueuedNotifications(ctx, `WHERE state=? AND next_attempt_at<=? ORDER BY next_attempt_at LIMIT ?`, domain.OutboxPending, now, limit)
}

func (r Repo) ListQueuedNotifications(ctx context.Context, state string) ([]domain.QueuedNotification, error) {
	if state == "" {
		return r.listQueuedNotifications(ctx, `ORDER BY at`)
	}
	return r.listQueuedNotifications(ctx, `WHERE state=? ORDER BY at`, state)
}

func (r Repo) listQueuedNotifications(ctx context.Context, tail string, args ...any) ([]domain.QueuedNotification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+queuedNotificationColumns+` FROM notification_outbox `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QueuedNotification
	for rows.Next() {
		q, err := scanQueuedNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

func (r Repo) RecordNotificationAttempt(ctx context.Context, kind, workItemID string, attempts int, nextAttemptAt, lastError, state string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notification_outbox SET attempts=?, next_attempt_at=?, last_error=?, state=? WHERE kind=? AND work_item_id=?`,
		attempts, nextAttemptAt, lastError, state, kind, workItemID)
	return err
}

// DeleteQueuedNotification removes the queued entry only if it is still the
// one identified by at, so a newer enqueue is not lost.
func (r Repo) DeleteQueuedNotification(ctx context.Context, kind, workItemID, at string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM notification_outbox WHERE kind=? AND work_item_id=? AND at=?`, kind, workItemID, at)
	return err
}

// OutboxDepth counts pending entries of both outboxes.
func (r Repo) OutboxDepth(ctx context.Context) (moves, notifications int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT
  (SELECT COUNT(1) FROM pending_moves WHERE state='pending'),
  (SELECT COUNT(1) FROM notification_outbox WHERE state='pending')`).Scan(&moves, &notifications)
	return moves, notifications, err
}
