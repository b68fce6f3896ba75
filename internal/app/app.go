// Package app wires the store, the lab service, the HTTP server and the
// maintenance scheduler into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"opd-emr/internal/adapter/httpapi"
	"opd-emr/internal/adapter/scheduler"
	"opd-emr/internal/config"
	"opd-emr/internal/laborder"
	"opd-emr/internal/platform/logger"
	"opd-emr/internal/platform/sqlite"
	"opd-emr/migrations"
)

// App wires application components.
type App struct {
	cfg config.Config
	log *slog.Logger

	// onListen is called with the bound address once the server accepts connections.
	onListen func(net.Addr)
}

// Load reads configuration and builds the App.
func Load(configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	return New(cfg), nil
}

// New creates an App with a logger configured from cfg.
func New(cfg config.Config) *App {
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "clinicd",
	})
	return &App{cfg: cfg, log: log}
}

func (a *App) Config() config.Config { return a.cfg }
func (a *App) Logger() *slog.Logger  { return a.log }

// Close flushes and closes the log file.
func (a *App) Close() error {
	return logger.Close(a.log)
}

func (a *App) openStore(ctx context.Context, opts sqlite.DBOptions) (*sqlite.Manager, error) {
	mgr := sqlite.NewManager(a.cfg.DB.Path, opts, a.log.With("component", "sqlite"))
	if _, err := mgr.Open(ctx); err != nil {
		return nil, err
	}
	return mgr, nil
}

// Migrate applies the embedded schema and returns the resulting version.
func (a *App) Migrate(ctx context.Context) (uint, error) {
	mgr, err := a.openStore(ctx, a.cfg.DBOptions())
	if err != nil {
		return 0, err
	}
	defer func() { _ = mgr.Close() }()

	db, err := mgr.DB()
	if err != nil {
		return 0, err
	}
	v, err := sqlite.MigrateUp(db, migrations.FS, migrations.Dir)
	if err != nil {
		return 0, err
	}
	a.log.Info("schema up to date", "version", v, "path", a.cfg.DB.Path)
	return v, nil
}

// MigrateDir applies migrations from a directory on disk. target > 0 migrates
// down to that version instead.
func (a *App) MigrateDir(dir string, target uint) (uint, error) {
	if target > 0 {
		if err := sqlite.DowngradeToVersion(a.cfg.DB.Path, dir, target); err != nil {
			return 0, err
		}
	} else if err := sqlite.ApplyMigrations(a.cfg.DB.Path, dir); err != nil {
		return 0, err
	}

	v, dirty, err := sqlite.GetMigrationVersion(a.cfg.DB.Path, dir)
	if err != nil {
		return 0, err
	}
	if dirty {
		return v, fmt.Errorf("schema version %d is dirty", v)
	}
	a.log.Info("schema migrated", "version", v, "source", dir)
	return v, nil
}

// Check opens the store read-only and reports its health. A missing database
// file is an error, not created.
func (a *App) Check(ctx context.Context) (sqlite.Status, error) {
	mgr, err := a.openStore(ctx, sqlite.ReadOnlyOptions(a.cfg.DBOptions()))
	if err != nil {
		return sqlite.Status{}, err
	}
	defer func() { _ = mgr.Close() }()

	return mgr.Health(ctx)
}

// Serve runs the HTTP server and the maintenance scheduler until ctx is
// cancelled or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	a.log.Info("starting", "addr", a.cfg.HTTP.Addr, "db", a.cfg.DB.Path)

	mgr, err := a.openStore(ctx, a.cfg.DBOptions())
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	db, err := mgr.DB()
	if err != nil {
		return err
	}
	if _, err := sqlite.MigrateUp(db, migrations.FS, migrations.Dir); err != nil {
		return err
	}

	exec, err := mgr.NewExecutor()
	if err != nil {
		return err
	}
	tx, err := mgr.NewTxRunner()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Close() }()

	svc := laborder.NewService(exec, tx, a.log.With("component", "laborder"))
	h := httpapi.NewHandler(svc, mgr, a.log).WithOrderRateLimit(a.cfg.HTTP.OrderRate)
	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(h, a.log, a.cfg.HTTP.RequestTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTP.Addr, err)
	}

	g, ctx := errgroup.WithContext(ctx)

	sched := scheduler.New(ctx, scheduler.Config{Logger: a.log})
	if a.cfg.Maintenance.Schedule != "" {
		m := scheduler.NewMaintenance(exec, a.log)
		if _, err := m.Register(sched, a.cfg.Maintenance.Schedule, a.cfg.Maintenance.Timeout); err != nil {
			_ = ln.Close()
			return err
		}
	}
	sched.Start()

	g.Go(func() error {
		a.log.Info("http server listening", "addr", ln.Addr().String())
		if a.onListen != nil {
			a.onListen(ln.Addr())
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down")

		timeout := a.cfg.HTTP.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if serr := sched.Stop(shutdownCtx); err == nil {
			err = serr
		}
		return err
	})

	if err := g.Wait(); err != nil {
		a.log.Error("stopped with error", "err", err)
		return err
	}
	a.log.Info("stopped")
	return nil
}
