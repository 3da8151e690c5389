package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"wastesync/internal/domain"
)

const archiveColumns = `id,source_id,user_id,status,payload_json,created_at,updated_at,archived_at`

func scanArchive(kind string, row rowScanner) (domain.ArchiveRecord, error) {
	var a domain.ArchiveRecord
	var userID sql.NullString
	var payload string
	err := row.Scan(&a.ID, &a.SourceID, &userID, &a.Status, &payload, &a.CreatedAt, &a.UpdatedAt, &a.ArchivedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Kind = kind
	a.Payload = json.RawMessage(payload)
	if userID.Valid {
		a.OwnerRef = &userID.String
	}
	return a, nil
}

// InsertArchiveIdempotent writes an archive row keyed by its move key.
// A retry with the same key, or any row already archived for the same
// source, is a no-op.
func (r Repo) InsertArchiveIdempotent(ctx context.Context, a domain.ArchiveRecord) (bool, error) {
	k, err := r.kind(a.Kind)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(%s) VALUES (?,?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`, k.ArchiveTable, archiveColumns),
		a.ID, a.SourceID, nullableStringPtr(a.OwnerRef), a.Status, payloadOrEmpty(a.Payload), a.CreatedAt, a.UpdatedAt, a.ArchivedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetArchived(ctx context.Context, kind, id string) (domain.ArchiveRecord, error) {
	k, err := r.kind(kind)
	if err != nil {
		return domain.ArchiveRecord{}, err
	}
	return scanArchive(kind, r.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id=?`, archiveColumns, k.ArchiveTable), id))
}

func (r Repo) GetArchivedBySource(ctx context.Context, kind, sourceID string) (domain.ArchiveRecord, error) {
	k, err := r.kind(kind)
	if err != nil {
		return domain.ArchiveRecord{}, err
	}
	return scanArchive(kind, r.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE source_id=?`, archiveColumns, k.ArchiveTable), sourceID))
}

func (r Repo) ListArchived(ctx context.Context, kind string, f ItemFilters) ([]domain.ArchiveRecord, error) {
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
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY archived_at DESC, id DESC`, archiveColumns, k.ArchiveTable, where(clauses))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArchiveRecord
	for rows.Next() {
		a, err := scanArchive(kind, rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DeleteArchived removes an archive row by its id.
func (r Repo) DeleteArchived(ctx context.Context, kind, id string) (bool, error) {
	k, err := r.kind(kind)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=?`, k.ArchiveTable), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
