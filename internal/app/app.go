// Package app wires configuration, storage, the CRM feed and the controller
// into one runnable unit shared by the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"opsqueue/internal/config"
	"opsqueue/internal/db"
	"opsqueue/internal/engine"
	"opsqueue/internal/feed"
	"opsqueue/internal/ops"
	"opsqueue/internal/store"
)

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	Clock     clock.Clock
	// Watch starts the feed watcher and the automation sweep. One-shot CLI
	// commands leave it off.
	Watch bool
}

type App struct {
	Workspace  string
	Config     *config.Config
	Logger     *zap.Logger
	DB         *sql.DB
	Adapter    *store.Adapter
	Feed       *feed.FileSource
	Metrics    *ops.Collector
	Controller *ops.Controller

	watch bool
}

// New builds the object graph without starting anything.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	dir, err := db.EnsureWorkspace(opts.Workspace)
	if err != nil {
		return nil, err
	}

	a := &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		Logger:    logger,
		Metrics:   ops.NewMetricsCollector(),
	}
	a.Adapter = &store.Adapter{
		Local:   store.LocalStore{Dir: dir},
		Timeout: cfg.Remote.Timeout,
		Retry:   cfg.RetryPolicy(),
		// The controller applies the best-effort policy itself.
		Strict: true,
		Clock:  clk,
		Logger: logger.Named("store"),
	}
	if cfg.Remote.Enabled {
		conn, err := db.Open(db.Config{Workspace: opts.Workspace, DSN: cfg.Remote.DSN})
		if err != nil {
			return nil, err
		}
		a.DB = conn
		a.Adapter.Remote = &store.RemoteStore{DB: conn}
	}

	var source feed.Source
	if feedDir := cfg.FeedDir(opts.Workspace); feedDir != "" {
		a.Feed = feed.NewFileSource(feedDir, logger.Named("feed"))
		if cfg.Feed.Debounce > 0 {
			a.Feed.Debounce = cfg.Feed.Debounce
		}
		a.Feed.Clock = clk
		source = a.Feed
	}

	interval := cfg.Automation.Interval
	if !cfg.Automation.Enabled || !opts.Watch {
		interval = -1
	}
	a.Controller = ops.New(ops.Options{
		Engine:             engine.New(cfg.EngineRules()),
		Backend:            a.Adapter,
		Feed:               source,
		Clock:              clk,
		Logger:             logger.Named("ops"),
		Metrics:            a.Metrics,
		AutomationInterval: interval,
		StrictRemote:       cfg.Remote.Strict,
		PersistTimeout:     4 * cfg.Remote.Timeout,
	})
	if a.Feed != nil && opts.Watch && cfg.Feed.Watch {
		a.watch = true
	}
	return a, nil
}

// Start loads state and, when watching, begins observing the feed.
func (a *App) Start(ctx context.Context) error {
	if a.watch {
		if err := a.Feed.Start(ctx); err != nil {
			return err
		}
	}
	if err := a.Controller.Start(ctx); err != nil {
		return errors.Join(err, a.closeResources())
	}
	return nil
}

// Close stops the controller, persisting the latest state, then releases
// the feed watcher and the database.
func (a *App) Close() error {
	return errors.Join(a.Controller.Close(), a.closeResources())
}

func (a *App) closeResources() error {
	var errs []error
	if a.Feed != nil {
		errs = append(errs, a.Feed.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}
