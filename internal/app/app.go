// Package app wires a workspace into a ready orchestrator.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"workdesk/internal/config"
	"workdesk/internal/db"
	"workdesk/internal/engine"
	"workdesk/internal/migrate"
	"workdesk/internal/orchestrator"
	"workdesk/internal/repo"
	"workdesk/internal/repo/pgstore"
)

// App holds the opened workspace. The SQLite database always backs the worker
// directory and API keys; requests go to the configured store driver.
type App struct {
	Config       *config.Config
	DB           *sql.DB
	Repo         repo.Repo
	Orchestrator *orchestrator.Orchestrator
	Logger       *slog.Logger

	closers []func()
}

// Open opens the workspace database, applies migrations and builds the
// orchestrator described by cfg.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace, BusyTimeout: cfg.Store.Timeout})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &App{Config: cfg, DB: conn, Logger: logger}
	a.closers = append(a.closers, func() { conn.Close() })
	if err := migrate.Migrate(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Repo = repo.Repo{DB: conn}

	var store orchestrator.Store = a.Repo
	if cfg.Store.Driver == config.DriverPostgres {
		pool, err := pgstore.Connect(ctx, cfg.Store.PostgresURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		pg := pgstore.New(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		store = pg
	}

	e := engine.New(engine.Policy{
		LockTerminalStatus: cfg.Policy.LockTerminalStatus,
		AllowSelfRequests:  cfg.Policy.AllowSelfRequests,
	})
	o := orchestrator.New(e, store, a.Repo)
	o.Timeout = cfg.Store.Timeout
	o.MaxRetries = cfg.Store.MaxRetries
	o.Logger = logger
	a.Orchestrator = o
	logger.Debug("workspace opened", "path", db.Path(workspace), "driver", cfg.Store.Driver)
	return a, nil
}

// Close releases the stores in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
