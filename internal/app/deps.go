package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vidgen/backend/internal/auth"
	"github.com/vidgen/backend/internal/config"
	"github.com/vidgen/backend/internal/credits"
	"github.com/vidgen/backend/internal/db"
	"github.com/vidgen/backend/internal/handlers"
	"github.com/vidgen/backend/internal/memstore"
	"github.com/vidgen/backend/internal/metrics"
	"github.com/vidgen/backend/internal/middleware"
	"github.com/vidgen/backend/internal/repositories"
	"github.com/vidgen/backend/internal/scheduler"
	"github.com/vidgen/backend/internal/storage"
	"github.com/vidgen/backend/internal/videos"
)

// urlCacheTTL bounds how long a signed URL row is served from memory.
const urlCacheTTL = time.Minute

// stores groups the persistence contracts of one backend.
type stores struct {
	credits  credits.Store
	videos   videos.Store
	urls     videos.URLStore
	sessions videos.SessionStore
	health   handlers.HealthChecker
}

func postgresStores(pool db.Pool) stores {
	videoStore := repositories.NewPostgresVideoStore(pool)
	return stores{
		credits:  repositories.NewPostgresCreditStore(pool),
		videos:   videoStore,
		urls:     videoStore,
		sessions: repositories.NewPostgresSessionStore(pool),
		health:   pool,
	}
}

func memoryStores() stores {
	store := memstore.New()
	return stores{credits: store, videos: store, urls: store, sessions: store}
}

// services are the wired domain components shared by every subcommand.
type services struct {
	metrics    *metrics.Metrics
	ledger     *credits.Ledger
	urls       *videos.URLCache
	lifecycle  *videos.Lifecycle
	dispatcher *videos.Dispatcher
	library    *videos.Library
	sessions   *videos.Sessions
	limiter    *videos.RateLimiter
	jobs       *scheduler.Jobs
	health     handlers.HealthChecker
}

// cleanupFunc releases resources acquired by buildServices.
type cleanupFunc func(ctx context.Context) error

// buildServices wires together concrete implementations. The dispatcher is
// started; the returned cleanup drains it and closes Redis.
func buildServices(ctx context.Context, st stores, cfg config.Config, logger *slog.Logger) (*services, cleanupFunc, error) {
	m := metrics.New()

	var blobs videos.BlobStore
	if cfg.ObjectStore.Bucket != "" {
		s3, err := storage.NewS3Storage(ctx, cfg.ObjectStore)
		if err != nil {
			return nil, nil, fmt.Errorf("configure object storage: %w", err)
		}
		blobs = s3
	} else {
		logger.Warn("no object storage bucket configured, generated videos cannot be stored")
	}

	var generator videos.Generator
	if cfg.Fal.APIKey != "" {
		generator = videos.NewFalGenerator(cfg.Fal.BaseURL, cfg.Fal.APIKey, cfg.Fal.Model, cfg.Fal.PollInterval, cfg.Fal.RequestTimeout)
	} else {
		logger.Warn("no generation api key configured, generations will fail")
	}

	limits := videos.Limits{MaxGenerating: cfg.Limits.MaxGenerating, MaxDaily: cfg.Limits.MaxDaily}
	ledger := credits.NewLedger(st.credits, m)
	urls := videos.NewURLCache(videos.NewCachingURLStore(st.urls, urlCacheTTL), blobs, m, cfg.ObjectStore.URLTTL)
	lifecycle := videos.NewLifecycle(videos.LifecycleDeps{
		Store:     st.videos,
		URLs:      urls,
		Ledger:    ledger,
		Generator: generator,
		Blobs:     blobs,
		Metrics:   m,
		Limits:    limits,
	}, videos.LifecycleConfig{Model: cfg.Fal.Model, Timeout: cfg.Generation.Timeout})

	jobs := &scheduler.Jobs{Granter: ledger, Sweeper: urls}
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		jobs.Guard = scheduler.NewRedisGuard(rdb)
	}

	dispatcher := videos.NewDispatcher(lifecycle, videos.DispatcherConfig{
		QueueSize: cfg.Generation.QueueSize,
		Workers:   cfg.Generation.Workers,
	}, logger)

	svc := &services{
		metrics:    m,
		ledger:     ledger,
		urls:       urls,
		lifecycle:  lifecycle,
		dispatcher: dispatcher,
		library:    videos.NewLibrary(st.videos, urls),
		sessions:   videos.NewSessions(st.sessions),
		limiter:    videos.NewRateLimiter(st.videos, limits),
		jobs:       jobs,
		health:     st.health,
	}

	cleanup := func(ctx context.Context) error {
		var errs []error
		if err := dispatcher.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain generation dispatcher: %w", err))
		}
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close redis: %w", err))
			}
		}
		return errors.Join(errs...)
	}
	return svc, cleanup, nil
}

// buildDependencies wires together concrete implementations used by the HTTP handlers.
func buildDependencies(svc *services, cfg config.Config) (handlers.Dependencies, error) {
	verifier, err := auth.NewVerifier(auth.Options{
		Secret:       cfg.Auth.JWTSecret,
		PublicKeyPEM: cfg.Auth.PublicKeyPEM,
		Issuer:       cfg.Auth.Issuer,
	})
	if err != nil {
		return handlers.Dependencies{}, fmt.Errorf("configure token verification: %w", err)
	}

	return handlers.Dependencies{
		Generations: svc.lifecycle,
		Queue:       svc.dispatcher,
		Library:     svc.library,
		Limits:      svc.limiter,
		Sessions:    svc.sessions,
		Credits:     svc.ledger,
		Verifier:    verifier,
		Throttle:    middleware.NewKeyedRateLimiter(cfg.HTTPRate.Requests, cfg.HTTPRate.Window, cfg.HTTPRate.Burst, 10*time.Minute),
		Health:      svc.health,
		Metrics:     svc.metrics.Handler(),
	}, nil
}
