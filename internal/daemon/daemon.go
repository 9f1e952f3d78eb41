// Package daemon loads configuration and assembles the timebank server:
// the store, the application services, the maintenance scheduler and the
// HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/timebank-app/timebank/internal/api"
	"github.com/timebank-app/timebank/internal/app/ledger"
	"github.com/timebank-app/timebank/internal/app/maintenance"
	"github.com/timebank-app/timebank/internal/app/reconciler"
	"github.com/timebank-app/timebank/internal/app/reward"
	"github.com/timebank-app/timebank/internal/app/session"
	"github.com/timebank-app/timebank/internal/auth"
	"github.com/timebank-app/timebank/internal/domain"
	"github.com/timebank-app/timebank/internal/infra/postgres"
	"github.com/timebank-app/timebank/internal/infra/sqlite"
)

// OpenStore opens the store selected by cfg.Storage.Driver.
func OpenStore(ctx context.Context, cfg *Config) (domain.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.Storage.PostgresDSN, postgres.Options{MaxConns: cfg.Storage.MaxConns})
	case "sqlite", "":
		return sqlite.Open(cfg.Storage.DataDir)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// Services is the wired application layer over one store.
type Services struct {
	Store      domain.Store
	Ledger     *ledger.Service
	Sessions   *session.Manager
	Rewards    *reward.Trigger
	Reconciler *reconciler.Reconciler
	Jobs       *maintenance.Jobs
}

// NewServices wires every service over store. now may be nil.
func NewServices(store domain.Store, mcfg maintenance.Config, now func() time.Time) *Services {
	l := ledger.New(store, now)
	sessions := session.NewManager(l, store)
	rewards := reward.NewTrigger(l, store)
	return &Services{
		Store:      store,
		Ledger:     l,
		Sessions:   sessions,
		Rewards:    rewards,
		Reconciler: reconciler.New(l, sessions),
		Jobs:       maintenance.NewJobs(mcfg, l, sessions, rewards, store),
	}
}

// Open opens the configured store and wires the services.
func Open(ctx context.Context, cfg *Config) (*Services, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewServices(store, cfg.MaintenanceJobs(), nil), nil
}

// Close closes the store.
func (s *Services) Close() error { return s.Store.Close() }

// Daemon runs the HTTP API and the maintenance scheduler.
type Daemon struct {
	cfg       *Config
	svc       *Services
	scheduler *maintenance.Scheduler
	server    *api.Server
}

// New builds a daemon. Admin token hashes are validated here.
func New(cfg *Config, svc *Services) (*Daemon, error) {
	admins, err := auth.NewTokenSet(auth.NewArgon2(), cfg.Admin.Tokens)
	if err != nil {
		return nil, err
	}
	if admins.Len() == 0 {
		slog.Warn("No admin tokens configured; admin endpoints will reject every request")
	}

	scheduler := maintenance.NewScheduler(svc.Jobs, cfg.MaintenanceJobs())

	srv := api.NewServer(api.Deps{
		Ledger:     svc.Ledger,
		Sessions:   svc.Sessions,
		Rewards:    svc.Rewards,
		Reconciler: svc.Reconciler,
		Jobs:       svc.Jobs,
		Admins:     admins,
	})
	srv.SetHealthCheck(scheduler.Health)
	srv.SetRequestTimeout(mustDuration(cfg.API.RequestTimeout, 30*time.Second))
	if cfg.Metrics.Enabled {
		srv.EnableMetrics()
	}

	return &Daemon{cfg: cfg, svc: svc, scheduler: scheduler, server: srv}, nil
}

// Handler returns the HTTP handler.
func (d *Daemon) Handler() http.Handler { return d.server.Handler() }

// Run serves until ctx is cancelled, then shuts the server and the
// scheduler down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.scheduler.Init(ctx); err != nil {
		return fmt.Errorf("scheduler init: %w", err)
	}
	if err := d.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}

	httpServer := &http.Server{
		Addr:         d.cfg.Addr(),
		Handler:      d.Handler(),
		ReadTimeout:  mustDuration(d.cfg.API.ReadTimeout, 15*time.Second),
		WriteTimeout: mustDuration(d.cfg.API.WriteTimeout, 30*time.Second),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Timebank API listening", "addr", httpServer.Addr, "driver", d.cfg.Storage.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down", "reason", ctx.Err())
	case serveErr = <-errCh:
		slog.Error("API server failed", "error", serveErr)
	}

	timeout := mustDuration(d.cfg.API.ShutdownTimeout, 15*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API shutdown incomplete", "error", err)
	}
	if err := d.scheduler.Stop(shutdownCtx); err != nil {
		slog.Warn("Scheduler shutdown incomplete", "error", err)
	}
	return serveErr
}
