package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/vidgen/backend/internal/config"
	"github.com/vidgen/backend/internal/db"
	"github.com/vidgen/backend/internal/handlers"
	"github.com/vidgen/backend/internal/httpserver"
	"github.com/vidgen/backend/internal/logging"
	"github.com/vidgen/backend/internal/middleware"
	"github.com/vidgen/backend/internal/scheduler"
)

// Run bootstraps the vidgen backend application.
func Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("expected command: serve, migrate, seed, cron, grant-monthly, or sweep-urls")
	}

	switch args[0] {
	case "serve":
		return serve(ctx)
	case "migrate":
		return runMigrations(ctx, args[1:])
	case "seed":
		return runSeed(ctx, args[1:])
	case "cron":
		return runCron(ctx)
	case "grant-monthly":
		return runGrant(ctx)
	case "sweep-urls":
		return runSweep(ctx)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// bootstrap loads configuration, installs the logger and opens the stores.
func bootstrap(ctx context.Context) (config.Config, *slog.Logger, stores, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, stores{}, nil, err
	}

	logger := logging.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.Store == "memory" {
		logger.Warn("using in-memory store, data is lost on exit")
		return cfg, logger, memoryStores(), func() {}, nil
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return config.Config{}, nil, stores{}, nil, err
	}
	return cfg, logger, postgresStores(pool), pool.Close, nil
}

func serve(ctx context.Context) error {
	cfg, logger, st, closeStore, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, cleanup, err := buildServices(ctx, st, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), dispatcherDrainTimeout)
		defer cancel()
		if err := cleanup(drainCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	deps, err := buildDependencies(svc, cfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, deps)

	handler := middleware.RequestLogger(logger)(mux)

	srv := httpserver.New(cfg.AppPort, handler, logger)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = newScheduler(svc, cfg, logger)
		if err != nil {
			return err
		}
		sched.Start()
	}

	logger.Info("starting http server", "port", cfg.AppPort, "store", cfg.Store)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server", "cause", context.Cause(ctx))
	case err := <-srvErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
	defer cancel()

	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("scheduler stop", "error", err)
		}
	}
	// Generations already queued keep running; the deferred cleanup drains them.
	return srv.Shutdown(shutdownCtx)
}

// dispatcherDrainTimeout bounds how long shutdown waits for in-flight
// generations before cancelling them.
const dispatcherDrainTimeout = 2 * time.Minute

func newScheduler(svc *services, cfg config.Config, logger *slog.Logger) (*scheduler.Scheduler, error) {
	return scheduler.New(svc.jobs, scheduler.Config{
		GrantSchedule: cfg.Scheduler.GrantSchedule,
		SweepSchedule: cfg.Scheduler.SweepSchedule,
	}, logger)
}

// runCron runs only the maintenance jobs, for deployments that keep the
// scheduler out of the API processes.
func runCron(ctx context.Context) error {
	cfg, logger, st, closeStore, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, cleanup, err := buildServices(ctx, st, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup(context.Background()) }()

	sched, err := newScheduler(svc, cfg, logger)
	if err != nil {
		return err
	}
	sched.Start()

	<-ctx.Done()
	logger.Info("stopping scheduler", "cause", context.Cause(ctx))

	stopCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
	defer cancel()
	return sched.Stop(stopCtx)
}

func runGrant(ctx context.Context) error {
	cfg, logger, st, closeStore, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, cleanup, err := buildServices(ctx, st, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup(context.Background()) }()

	summary, err := svc.jobs.RunGrant(logging.WithLogger(ctx, logger))
	if err != nil {
		return err
	}
	if !summary.Ran {
		fmt.Println("monthly grant not due or already claimed")
		return nil
	}
	fmt.Printf("granted %d credits to %d subscribers (%d skipped, %d failed)\n", summary.CreditsAdded, summary.Granted, summary.Skipped, summary.Failed)
	return nil
}

func runSweep(ctx context.Context) error {
	cfg, logger, st, closeStore, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, cleanup, err := buildServices(ctx, st, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup(context.Background()) }()

	n, err := svc.jobs.RunSweep(logging.WithLogger(ctx, logger))
	if err != nil {
		return err
	}
	fmt.Printf("invalidated %d expired video urls\n", n)
	return nil
}
