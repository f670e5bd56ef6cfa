package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vidgen/backend/internal/credits"
)

type granterStub struct {
	calls int
	at    time.Time
}

func (g *granterStub) GrantMonthly(_ context.Context, now time.Time) (credits.GrantSummary, error) {
	g.calls++
	g.at = now
	return credits.GrantSummary{Ran: true, Granted: 2, CreditsAdded: 50}, nil
}

type sweeperStub struct {
	calls int
	err   error
}

func (s *sweeperStub) Sweep(context.Context) (int, error) {
	s.calls++
	return 4, s.err
}

type guardStub struct {
	held map[string]bool
	err  error
	keys []string
}

func (g *guardStub) Acquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	g.keys = append(g.keys, key)
	if g.err != nil {
		return false, g.err
	}
	if g.held == nil {
		g.held = make(map[string]bool)
	}
	if g.held[key] {
		return false, nil
	}
	g.held[key] = true
	return true, nil
}

func TestRunGrantOncePerDay(t *testing.T) {
	granter := &granterStub{}
	guard := &guardStub{}
	jobs := &Jobs{Granter: granter, Guard: guard}
	jobs.WithNowFunc(func() time.Time { return time.Date(2024, 3, 1, 0, 5, 0, 0, time.UTC) })

	summary, err := jobs.RunGrant(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if !summary.Ran || granter.calls != 1 {
		t.Fatalf("expected grant to run got %+v calls=%d", summary, granter.calls)
	}
	if guard.keys[0] != "vidgen:monthly-grant:2024-03-01" {
		t.Fatalf("unexpected guard key %q", guard.keys[0])
	}

	summary, err = jobs.RunGrant(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Ran || granter.calls != 1 {
		t.Fatalf("expected second run to be skipped got %+v calls=%d", summary, granter.calls)
	}
}

func TestRunGrantNotDue(t *testing.T) {
	granter := &granterStub{}
	guard := &guardStub{}
	jobs := &Jobs{Granter: granter, Guard: guard}
	jobs.WithNowFunc(func() time.Time { return time.Date(2024, 3, 2, 0, 5, 0, 0, time.UTC) })

	if _, err := jobs.RunGrant(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if granter.calls != 0 || len(guard.keys) != 0 {
		t.Fatalf("expected no grant and no guard use off the first, calls=%d keys=%v", granter.calls, guard.keys)
	}
}

func TestRunGrantGuardFailureSkipsGrant(t *testing.T) {
	granter := &granterStub{}
	jobs := &Jobs{Granter: granter, Guard: &guardStub{err: errors.New("connection refused")}}
	jobs.WithNowFunc(func() time.Time { return time.Date(2024, 3, 1, 0, 5, 0, 0, time.UTC) })

	if _, err := jobs.RunGrant(context.Background()); !errors.Is(err, ErrGuardUnavailable) {
		t.Fatalf("expected ErrGuardUnavailable got %v", err)
	}
	if granter.calls != 0 {
		t.Fatalf("grant must not run without the guard")
	}
}

func TestRunGrantWithoutGuard(t *testing.T) {
	granter := &granterStub{}
	jobs := &Jobs{Granter: granter}
	jobs.WithNowFunc(func() time.Time { return time.Date(2024, 3, 1, 0, 5, 0, 0, time.UTC) })

	if _, err := jobs.RunGrant(context.Background()); err != nil || granter.calls != 1 {
		t.Fatalf("expected unguarded grant to run, calls=%d err=%v", granter.calls, err)
	}
}

func TestRunSweep(t *testing.T) {
	sweeper := &sweeperStub{}
	jobs := &Jobs{Sweeper: sweeper}
	n, err := jobs.RunSweep(context.Background())
	if err != nil || n != 4 || sweeper.calls != 1 {
		t.Fatalf("unexpected sweep result n=%d err=%v calls=%d", n, err, sweeper.calls)
	}
}

func TestNewValidatesSchedules(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := &Jobs{Granter: &granterStub{}, Sweeper: &sweeperStub{}}

	if _, err := New(jobs, Config{GrantSchedule: "not a schedule"}, logger); err == nil {
		t.Fatal("expected invalid grant schedule to fail")
	}

	s, err := New(jobs, Config{GrantSchedule: "5 0 * * *", SweepSchedule: "@every 1h"}, logger)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := len(s.cron.Entries()); got != 2 {
		t.Fatalf("expected 2 entries got %d", got)
	}

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestScheduledSweepRuns(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sweeper := &sweeperStub{err: errors.New("db down")}
	s, err := New(&Jobs{Sweeper: sweeper}, Config{}, logger)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// Errors are logged, never propagated out of the cron loop.
	s.sweep()
	if sweeper.calls != 1 {
		t.Fatalf("expected one sweep got %d", sweeper.calls)
	}
}

func TestRedisGuardReportsUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	guard := NewRedisGuard(client)
	if ok, err := guard.Acquire(context.Background(), "vidgen:test", time.Minute); err == nil || ok {
		t.Fatalf("expected error from unreachable redis got ok=%v err=%v", ok, err)
	}
}
