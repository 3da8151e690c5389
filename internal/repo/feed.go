package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"wastesync/internal/domain"
)

// FeedAfter returns change feed entries with id greater than cursor.
func (r Repo) FeedAfter(ctx context.Context, cursor int64, limit int) ([]domain.FeedEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,table_name,op,row_id,user_id,updated_at,row_json,ts FROM change_feed WHERE id>? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FeedEntry
	for rows.Next() {
		var e domain.FeedEntry
		var userID sql.NullString
		var row string
		if err := rows.Scan(&e.ID, &e.Table, &e.Op, &e.RowID, &userID, &e.UpdatedAt, &row, &e.TS); err != nil {
			return nil, err
		}
		e.UserID = userID.String
		e.Row = json.RawMessage(row)
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestFeedID returns the newest change feed id, or 0 when empty.
func (r Repo) LatestFeedID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM change_feed`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// PruneFeed drops entries at or below cursor.
func (r Repo) PruneFeed(ctx context.Context, cursor int64) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM change_feed WHERE id<=?`, cursor)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
