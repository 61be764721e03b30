// Package app wires a workspace directory into a ready engine: config, SQLite
// log, migrations, logger and metrics.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/engine"
	"gateline/internal/eventlog"
	"gateline/internal/logging"
	"gateline/internal/metrics"
	"gateline/internal/migrate"
)

type Options struct {
	Workspace string
	LogLevel  string
	LogFormat string
	// Logger overrides LogLevel/LogFormat when set.
	Logger *zap.Logger
	// Metrics registers the Prometheus collectors; only long-running processes need them.
	Metrics bool
}

// Workspace is an opened workspace. Close releases the database.
type Workspace struct {
	Dir    string
	Config *config.Config
	DB     *sql.DB
	Store  *eventlog.SQLStore
	Engine *engine.Engine
	Logger *zap.Logger
}

// Open loads gateline.yml, opens and migrates the workspace database and builds the engine.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(opts.LogLevel, opts.LogFormat)
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, &engine.ConfigurationError{Op: "load config", Err: err}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store := eventlog.NewSQLStore(conn)
	e, err := engine.New(store, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e.Logger = logger.With(zap.String("project", cfg.Project.ID))
	if opts.Metrics {
		e.Metrics = metrics.New()
	}
	return &Workspace{
		Dir:    opts.Workspace,
		Config: cfg,
		DB:     conn,
		Store:  store,
		Engine: e,
		Logger: logger,
	}, nil
}

func (w *Workspace) Close() error {
	_ = w.Logger.Sync()
	return w.DB.Close()
}

// Init writes the default gateline.yml and creates the database. An existing
// config is kept unless force is set.
func Init(ctx context.Context, workspace, projectID string, force bool) (string, error) {
	if projectID == "" {
		return "", errors.New("project id required")
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists; use --force to overwrite", path)
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
		return "", err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return "", err
	}
	return path, nil
}
