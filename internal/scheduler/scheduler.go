package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vidgen/backend/internal/credits"
	"github.com/vidgen/backend/internal/logging"
)

const (
	grantKeyPrefix = "vidgen:monthly-grant:"
	grantKeyTTL    = 48 * time.Hour
	grantTimeout   = 10 * time.Minute
	sweepTimeout   = 5 * time.Minute
)

// ErrGuardUnavailable is returned when the run guard cannot be consulted.
// The grant is skipped rather than risk paying out twice.
var ErrGuardUnavailable = errors.New("run guard unavailable")

// Granter runs the monthly credit grant.
type Granter interface {
	GrantMonthly(ctx context.Context, now time.Time) (credits.GrantSummary, error)
}

// Sweeper invalidates expired signed URLs.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Jobs are the maintenance tasks, runnable on demand or from the cron loop.
type Jobs struct {
	Granter Granter
	Sweeper Sweeper
	// Guard makes the grant at-most-once per day across replicas. A nil
	// Guard trusts the caller to invoke the grant once.
	Guard Guard

	now func() time.Time
}

// WithNowFunc allows tests to override the time source.
func (j *Jobs) WithNowFunc(now func() time.Time) {
	j.now = now
}

func (j *Jobs) clock() time.Time {
	if j.now != nil {
		return j.now()
	}
	return time.Now().UTC()
}

// RunGrant performs the monthly grant if today is the first of the month and
// no other run has claimed today.
func (j *Jobs) RunGrant(ctx context.Context) (credits.GrantSummary, error) {
	now := j.clock().UTC()
	logger := logging.FromContext(ctx)
	if now.Day() != 1 {
		logger.Debug("monthly grant not due", "date", now.Format(time.DateOnly))
		return credits.GrantSummary{}, nil
	}

	if j.Guard != nil {
		key := grantKeyPrefix + now.Format(time.DateOnly)
		acquired, err := j.Guard.Acquire(ctx, key, grantKeyTTL)
		if err != nil {
			return credits.GrantSummary{}, fmt.Errorf("%w: %w", ErrGuardUnavailable, err)
		}
		if !acquired {
			logger.Info("monthly grant already claimed", "key", key)
			return credits.GrantSummary{}, nil
		}
	}

	return j.Granter.GrantMonthly(ctx, now)
}

// RunSweep invalidates expired cached URLs.
func (j *Jobs) RunSweep(ctx context.Context) (int, error) {
	return j.Sweeper.Sweep(ctx)
}

// Config holds cron expressions in the standard five-field form or a
// descriptor such as "@every 1h". Schedules run in UTC.
type Config struct {
	GrantSchedule string
	SweepSchedule string
}

// Scheduler runs Jobs on a cron loop.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
}

// New registers the jobs. An empty schedule leaves that job unscheduled.
func New(jobs *Jobs, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := slogCronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		jobs:   jobs,
		logger: logger,
	}

	if cfg.GrantSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.GrantSchedule, s.grant); err != nil {
			return nil, fmt.Errorf("schedule monthly grant %q: %w", cfg.GrantSchedule, err)
		}
	}
	if cfg.SweepSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.SweepSchedule, s.sweep); err != nil {
			return nil, fmt.Errorf("schedule url sweep %q: %w", cfg.SweepSchedule, err)
		}
	}
	return s, nil
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop prevents new runs and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduled jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) grant() {
	ctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), s.logger), grantTimeout)
	defer cancel()

	summary, err := s.jobs.RunGrant(ctx)
	if err != nil {
		s.logger.Error("scheduled monthly grant failed", "error", err)
		return
	}
	if summary.Ran {
		s.logger.Info("scheduled monthly grant finished", "granted", summary.Granted, "credits", summary.CreditsAdded)
	}
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), s.logger), sweepTimeout)
	defer cancel()

	if _, err := s.jobs.RunSweep(ctx); err != nil {
		s.logger.Error("scheduled url sweep failed", "error", err)
	}
}

type slogCronLogger struct {
	logger *slog.Logger
}

func (l slogCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l slogCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
