package migrate

import (
	"cmp"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"

	"wastesync/internal/config"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// loadMigrations reads sql/NNNN_name.sql files ordered by their number.
func loadMigrations() ([]Migration, error) {
	names, err := fs.Glob(migrationsFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(names))
	for _, name := range names {
		base := path.Base(name)
		var v int
		if _, err := fmt.Sscanf(base, "%d_", &v); err != nil {
			return nil, fmt.Errorf("migration %s: bad file name: %w", base, err)
		}
		body, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: v, Name: base, UpSQL: string(body)})
	}
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// Setup applies the embedded migrations and then the per-kind tables.
func Setup(db *sql.DB, cfg *config.Config) error {
	if err := Migrate(db); err != nil {
		return err
	}
	return EnsureKinds(db, cfg)
}

// Migrate brings the schema up to the newest embedded migration. Each
// migration commits together with its schema_version bump, so a failure
// leaves the database at the last version that applied cleanly.
func Migrate(db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version(id INTEGER PRIMARY KEY CHECK (id = 1), version INTEGER NOT NULL);
INSERT OR IGNORE INTO schema_version(id, version) VALUES (1, 0);`); err != nil {
		return fmt.Errorf("schema_version: %w", err)
	}
	var current int
	if err := db.QueryRow(`SELECT version FROM schema_version WHERE id = 1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
		current = m.Version
	}
	return nil
}

func apply(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(m.UpSQL); err != nil {
		return fmt.Errorf("migration %s: %w", m.Name, err)
	}
	if _, err := tx.Exec(`UPDATE schema_version SET version = ? WHERE id = 1`, m.Version); err != nil {
		return fmt.Errorf("migration %s: %w", m.Name, err)
	}
	return tx.Commit()
}
