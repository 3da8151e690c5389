package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"wastesync/internal/config"
	"wastesync/internal/domain"
)

// Repo is the entity store. Every method is a single statement; callers
// never get a transaction spanning tables.
type Repo struct {
	DB     *sql.DB
	Config *config.Config
}

var (
	ErrNotFound    = errors.New("not found")
	ErrUnknownKind = errors.New("unknown kind")
)

type rowScanner interface {
	Scan(dest ...any) error
}

func (r Repo) kind(name string) (config.KindConfig, error) {
	if r.Config == nil {
		return config.KindConfig{}, errors.New("config not loaded")
	}
	k, ok := r.Config.Kind(name)
	if !ok {
		return k, fmt.Errorf("%w: %s", ErrUnknownKind, name)
	}
	return k, nil
}

const itemColumns = `id,user_id,status,payload_json,move_key,created_at,updated_at`

func scanItem(kind string, row rowScanner) (domain.WorkItem, error) {
	var it domain.WorkItem
	var userID, moveKey sql.NullString
	var payload string
	err := row.Scan(&it.ID, &userID, &it.Status, &payload, &moveKey, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.Kind = kind
	it.Payload = json.RawMessage(payload)
	if userID.Valid {
		it.OwnerRef = &userID.String
	}
	if moveKey.Valid {
		it.MoveKey = &moveKey.String
	}
	return it, nil
}

// CreateItem inserts a new active work item.
func (r Repo) CreateItem(ctx context.Context, it domain.WorkItem) error {
	k, err := r.kind(it.Kind)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(%s) VALUES (?,?,?,?,?,?,?)`, k.Table, itemColumns),
		it.ID, nullableStringPtr(it.OwnerRef), it.Status, payloadOrEmpty(it.Payload), nullableStringPtr(it.MoveKey), it.CreatedAt, it.UpdatedAt)
	return err
}

// InsertItemIdempotent inserts an active row unless one with the same id or
// move key already exists. It reports whether a row was written.
func (r Repo) InsertItemIdempotent(ctx context.Context, it domain.WorkItem) (bool, error) {
	k, err := r.kind(it.Kind)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(%s) VALUES (?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`, k.Table, itemColumns),
		it.ID, nullableStringPtr(it.OwnerRef), it.Status, payloadOrEmpty(it.Payload), nullableStringPtr(it.MoveKey), it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetItem(ctx context.Context, kind, id string) (domain.WorkItem, error) {
	k, err := r.kind(kind)
	if err != nil {
		return domain.WorkItem{}, err
	}
	return scanItem(kind, r.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id=?`, itemColumns, k.Table), id))
}

type ItemFilters struct {
	OwnerRef string
	Status   string
	Limit    int
}

func (r Repo) ListItems(ctx context.Context, kind string, f ItemFilters) ([]domain.WorkItem, error) {
	k, err := r.kind(kind)
	if err != nil {
		return nil, err
	}
	var clauses []string
	var args []any
	if f.OwnerRef != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.OwnerRef)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY created_at DESC, id DESC`, itemColumns, k.Table, where(clauses))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanItem(kind, rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// DeleteItem removes an active row. Deleting a missing row is not an error;
// the result reports whether anything was removed.
func (r Repo) DeleteItem(ctx context.Context, kind, id string) (bool, error) {
	k, err := r.kind(kind)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=?`, k.Table), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteItemAsOf removes an active row only if it has not been updated after
// updatedAt. Zero rows means the row is gone or has changed since.
func (r Repo) DeleteItemAsOf(ctx context.Context, kind, id, updatedAt string) (bool, error) {
	k, err := r.kind(kind)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=? AND updated_at<=?`, k.Table), id, updatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetItemStatus mirrors a status onto the active row when at is newer than
// the row's updated_at.
func (r Repo) SetItemStatus(ctx context.Context, kind, id, status, at string) (bool, error) {
	k, err := r.kind(kind)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status=?, updated_at=? WHERE id=? AND updated_at < ?`, k.Table), status, at, id, at)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ItemsInBothStores returns ids present in the active table and, via
// source_id, in the archive table of kind.
func (r Repo) ItemsInBothStores(ctx context.Context, kind string) ([]string, error) {
	k, err := r.kind(kind)
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT t.id FROM %s t JOIN %s a ON a.source_id=t.id ORDER BY t.id`, k.Table, k.ArchiveTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func where(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(clauses, " AND ")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func payloadOrEmpty(p json.RawMessage) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}
