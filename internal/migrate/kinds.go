package migrate

import (
	"bytes"
	"database/sql"
	"fmt"
	"strings"
	"text/template"

	"wastesync/internal/config"
)

// EnsureKinds creates the entity and status tables of every configured kind
// together with the triggers that capture their changes into change_feed.
// It is idempotent and runs after Migrate.
func EnsureKinds(db *sql.DB, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	var buf bytes.Buffer
	statusDone := map[string]bool{}
	for _, name := range cfg.KindNames() {
		k := cfg.Kinds[name]
		data := kindDDL{Kind: name, Table: k.Table, Archive: k.ArchiveTable, Status: k.StatusTable}
		if err := activeTmpl.Execute(&buf, data); err != nil {
			return err
		}
		if err := archiveTmpl.Execute(&buf, data); err != nil {
			return err
		}
		if !statusDone[k.StatusTable] {
			statusDone[k.StatusTable] = true
			if err := statusTmpl.Execute(&buf, data); err != nil {
				return err
			}
		}
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(buf.String()); err != nil {
		return fmt.Errorf("ensure kind tables: %w", err)
	}
	return tx.Commit()
}

type kindDDL struct {
	Kind    string
	Table   string
	Archive string
	Status  string
}

var activeTmpl = template.Must(template.New("active").Funcs(ddlFuncs).Parse(`
CREATE TABLE IF NOT EXISTS {{.Table}}(
  id TEXT PRIMARY KEY,
  user_id TEXT,
  status TEXT NOT NULL,
  payload_json TEXT NOT NULL DEFAULT '{}',
  move_key TEXT UNIQUE,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
{{- range $op, $ref := ops}}
CREATE TRIGGER IF NOT EXISTS {{$.Table}}_feed_{{lower $op}} AFTER {{$op}} ON {{$.Table}}
BEGIN
  INSERT INTO change_feed(table_name, op, row_id, user_id, updated_at, row_json)
  VALUES ('{{$.Table}}', '{{$op}}', {{$ref}}.id, {{$ref}}.user_id, {{$ref}}.updated_at,
    json_object('id', {{$ref}}.id, 'kind', '{{$.Kind}}', 'owner_ref', {{$ref}}.user_id, 'status', {{$ref}}.status,
      'payload', json({{$ref}}.payload_json), 'move_key', {{$ref}}.move_key,
      'created_at', {{$ref}}.created_at, 'updated_at', {{$ref}}.updated_at));
END;
{{- end}}
`))

var archiveTmpl = template.Must(template.New("archive").Funcs(ddlFuncs).Parse(`
CREATE TABLE IF NOT EXISTS {{.Archive}}(
  id TEXT PRIMARY KEY,
  source_id TEXT NOT NULL UNIQUE,
  user_id TEXT,
  status TEXT NOT NULL,
  payload_json TEXT NOT NULL DEFAULT '{}',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  archived_at TEXT NOT NULL
);
{{- range $op, $ref := ops}}
CREATE TRIGGER IF NOT EXISTS {{$.Archive}}_feed_{{lower $op}} AFTER {{$op}} ON {{$.Archive}}
BEGIN
  INSERT INTO change_feed(table_name, op, row_id, user_id, updated_at, row_json)
  VALUES ('{{$.Archive}}', '{{$op}}', {{$ref}}.id, {{$ref}}.user_id, {{$ref}}.updated_at,
    json_object('id', {{$ref}}.id, 'source_id', {{$ref}}.source_id, 'kind', '{{$.Kind}}', 'owner_ref', {{$ref}}.user_id,
      'status', {{$ref}}.status, 'payload', json({{$ref}}.payload_json),
      'created_at', {{$ref}}.created_at, 'updated_at', {{$ref}}.updated_at, 'archived_at', {{$ref}}.archived_at));
END;
{{- end}}
`))

var statusTmpl = template.Must(template.New("status").Funcs(ddlFuncs).Parse(`
CREATE TABLE IF NOT EXISTS {{.Status}}(
  kind TEXT NOT NULL,
  work_item_id TEXT NOT NULL,
  user_id TEXT,
  status TEXT NOT NULL,
  response TEXT NOT NULL DEFAULT '',
  actor_id TEXT NOT NULL DEFAULT '',
  updated_at TEXT NOT NULL,
  PRIMARY KEY (kind, work_item_id)
);
{{- range $op, $ref := ops}}
CREATE TRIGGER IF NOT EXISTS {{$.Status}}_feed_{{lower $op}} AFTER {{$op}} ON {{$.Status}}
BEGIN
  INSERT INTO change_feed(table_name, op, row_id, user_id, updated_at, row_json)
  VALUES ('{{$.Status}}', '{{$op}}', {{$ref}}.kind || '/' || {{$ref}}.work_item_id, {{$ref}}.user_id, {{$ref}}.updated_at,
    json_object('work_item_id', {{$ref}}.work_item_id, 'kind', {{$ref}}.kind, 'owner_ref', {{$ref}}.user_id,
      'status', {{$ref}}.status, 'response', {{$ref}}.response, 'actor_id', {{$ref}}.actor_id, 'updated_at', {{$ref}}.updated_at));
END;
{{- end}}
`))

var ddlFuncs = template.FuncMap{
	"ops": func() map[string]string {
		return map[string]string{"INSERT": "NEW", "UPDATE": "NEW", "DELETE": "OLD"}
	},
	"lower": strings.ToLower,
}
