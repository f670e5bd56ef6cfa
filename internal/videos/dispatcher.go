package videos

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/vidgen/backend/internal/logging"
	"github.com/vidgen/backend/internal/models"
)

// Runner runs one admitted video to a terminal state.
type Runner interface {
	Generate(ctx context.Context, video models.Video) GenerationResult
}

// DispatcherConfig controls the concurrency characteristics of the dispatcher.
type DispatcherConfig struct {
	QueueSize int
	Workers   int
}

// Dispatcher runs admitted generations on a bounded worker pool.
type Dispatcher struct {
	runner Runner
	logger *slog.Logger

	jobs   chan models.Video
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var (
	// ErrDispatcherClosed is returned by Enqueue after Shutdown.
	ErrDispatcherClosed = errors.New("generation dispatcher closed")
	// ErrQueueFull is returned by Enqueue when no queue slot is free.
	ErrQueueFull = errors.New("generation queue full")
)

// NewDispatcher starts the worker pool.
func NewDispatcher(runner Runner, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))

	d := &Dispatcher{
		runner: runner,
		logger: logger,
		jobs:   make(chan models.Video, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}

	return d
}

// Enqueue schedules generation for an admitted video without blocking.
func (d *Dispatcher) Enqueue(ctx context.Context, video models.Video) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.jobs <- video:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and waits for queued generations to finish.
// If ctx ends first, in-flight generations are cancelled and marked failed.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for video := range d.jobs {
		d.handle(video)
	}
}

func (d *Dispatcher) handle(video models.Video) {
	if d.runner == nil {
		d.logger.Error("generation dispatcher missing runner", "videoId", video.ID)
		return
	}
	result := d.runner.Generate(d.ctx, video)
	if !result.Success {
		d.logger.Warn("queued generation failed", "videoId", video.ID, "error", result.Error)
	}
}
