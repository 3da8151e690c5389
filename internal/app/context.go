package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"wastesync/internal/config"
	"wastesync/internal/db"
	"wastesync/internal/engine"
	"wastesync/internal/metrics"
	"wastesync/internal/migrate"
	"wastesync/internal/repo"
)

// Workspace bundles what every command needs: an open store with its
// schema applied and an engine bound to the workspace config.
type Workspace struct {
	Path   string
	DB     *sql.DB
	Config *config.Config
	Repo   repo.Repo
	Engine engine.Engine
}

// Open loads wastesync.yml (falling back to the default config), opens the
// database and ensures the schema of every configured kind exists.
func Open(workspace string, logger *slog.Logger, m *metrics.Metrics) (*Workspace, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Setup(conn, cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	eng := engine.New(conn, cfg)
	eng.Logger = logger
	eng.Metrics = m
	return &Workspace{
		Path:   workspace,
		DB:     conn,
		Config: cfg,
		Repo:   repo.Repo{DB: conn, Config: cfg},
		Engine: eng,
	}, nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}
