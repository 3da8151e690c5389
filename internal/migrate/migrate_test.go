package migrate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"wastesync/internal/config"
	"wastesync/internal/db"
	"wastesync/internal/migrate"
)

func TestSetupIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	cfg := config.Default()

	require.NoError(t, migrate.Setup(conn, cfg))
	require.NoError(t, migrate.Setup(conn, cfg))

	var version int
	require.NoError(t, conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	require.Equal(t, 2, version)

	for _, table := range cfg.Tables() {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
}

func TestTriggersCaptureChanges(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Setup(conn, config.Default()))

	_, err = conn.Exec(`INSERT INTO schedules(id,user_id,status,payload_json,created_at,updated_at) VALUES ('s1','u1','NotStarted','{"route":"A"}','2024-01-01T00:00:00.000000Z','2024-01-01T00:00:00.000000Z')`)
	require.NoError(t, err)
	_, err = conn.Exec(`DELETE FROM schedules WHERE id='s1'`)
	require.NoError(t, err)

	rows, err := conn.Query(`SELECT table_name, op, row_id, COALESCE(user_id,''), json_extract(row_json,'$.payload.route') FROM change_feed ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	type rec struct{ table, op, id, user, route string }
	var got []rec
	for rows.Next() {
		var r rec
		require.NoError(t, rows.Scan(&r.table, &r.op, &r.id, &r.user, &r.route))
		got = append(got, r)
	}
	require.Equal(t, []rec{
		{"schedules", "INSERT", "s1", "u1", "A"},
		{"schedules", "DELETE", "s1", "u1", "A"},
	}, got)
}

func TestStatusTriggerKeysRowsByKind(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Setup(conn, config.Default()))

	_, err = conn.Exec(`INSERT INTO status_events(kind,work_item_id,user_id,status,updated_at) VALUES
		('schedule','7','u1','Ongoing','2024-01-01T00:00:00.000000Z'),
		('feedback','7','u2','Reviewed','2024-01-01T00:00:01.000000Z')`)
	require.NoError(t, err)

	rows, err := conn.Query(`SELECT row_id, COALESCE(user_id,''), json_extract(row_json,'$.kind'), json_extract(row_json,'$.owner_ref') FROM change_feed WHERE table_name='status_events' ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	type rec struct{ id, user, kind, owner string }
	var got []rec
	for rows.Next() {
		var r rec
		require.NoError(t, rows.Scan(&r.id, &r.user, &r.kind, &r.owner))
		got = append(got, r)
	}
	require.Equal(t, []rec{
		{"schedule/7", "u1", "schedule", "u1"},
		{"feedback/7", "u2", "feedback", "u2"},
	}, got)
}
