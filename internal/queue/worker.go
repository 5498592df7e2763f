package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/openalbion/warboard/internal/telemetry"
)

// Handler processes one job. Returning an error schedules a retry (or a
// terminal failure on the last attempt).
type Handler func(ctx context.Context, job *Job) error

const (
	defaultPollInterval        = 250 * time.Millisecond
	defaultStallTimeout        = 5 * time.Minute
	defaultMaintenanceInterval = 30 * time.Second
	promoteBatch               = 100
)

// Worker runs a handler over one queue with bounded concurrency.
type Worker struct {
	queue               *Queue
	handler             Handler
	concurrency         int
	pollInterval        time.Duration
	stallTimeout        time.Duration
	maintenanceInterval time.Duration
	logger              *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	jobsProcessed metric.Int64Counter
	jobDuration   metric.Float64Histogram
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPollInterval sets how often idle workers poll for new jobs.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

// WithStallTimeout sets how long a lease may be held before the job is
// considered stalled and requeued.
func WithStallTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.stallTimeout = d }
}

// WithMaintenanceInterval sets how often the worker's maintenance loop
// reclaims stalled leases.
func WithMaintenanceInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.maintenanceInterval = d
		}
	}
}

// NewWorker creates a worker pool for the queue.
func NewWorker(q *Queue, handler Handler, concurrency int, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	w := &Worker{
		queue:               q,
		handler:             handler,
		concurrency:         concurrency,
		pollInterval:        defaultPollInterval,
		stallTimeout:        defaultStallTimeout,
		maintenanceInterval: defaultMaintenanceInterval,
		logger:              logger,
	}
	for _, opt := range opts {
		opt(w)
	}

	meter := telemetry.Meter("warboard.queue")
	w.jobsProcessed, _ = meter.Int64Counter("warboard.queue.jobs_processed",
		metric.WithDescription("Jobs processed, by queue and outcome"))
	w.jobDuration, _ = meter.Float64Histogram("warboard.queue.job_duration_seconds",
		metric.WithDescription("Handler duration in seconds"))
	return w
}

// Start launches the worker goroutines plus a maintenance loop that promotes
// delayed jobs and reclaims stalled leases. Safe to call once.
func (w *Worker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("queue %s: worker already started", w.queue.Name())
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.group, runCtx = errgroup.WithContext(runCtx)

	for i := 0; i < w.concurrency; i++ {
		w.group.Go(func() error {
			w.runLoop(runCtx)
			return nil
		})
	}
	w.group.Go(func() error {
		w.maintainLoop(runCtx)
		return nil
	})

	w.logger.Info("queue: worker started",
		"queue", w.queue.Name(), "concurrency", w.concurrency)
	return nil
}

// Drain stops accepting new jobs and waits for in-flight handlers to finish,
// bounded by ctx.
func (w *Worker) Drain(ctx context.Context) error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		_ = w.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("queue: worker drained", "queue", w.queue.Name())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue %s: drain: %w", w.queue.Name(), ctx.Err())
	}
}

func (w *Worker) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.fetch(ctx)
		if errors.Is(err, errEmpty) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue: fetch failed", "queue", w.queue.Name(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	start := time.Now()
	err := w.runHandler(ctx, job)
	elapsed := time.Since(start)

	attrs := []attribute.KeyValue{attribute.String("queue", w.queue.Name())}
	w.jobDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))

	// Outcome writes use a detached context so shutdown never strands a
	// finished job in the active list.
	finCtx, finCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finCancel()

	if err == nil {
		if cErr := w.queue.complete(finCtx, job); cErr != nil {
			w.logger.Error("queue: complete failed",
				"queue", w.queue.Name(), "job_id", job.ID, "error", cErr)
			return
		}
		w.jobsProcessed.Add(ctx, 1, metric.WithAttributes(
			append(attrs, attribute.String("outcome", "completed"))...))
		w.logger.Debug("queue: job completed",
			"queue", w.queue.Name(), "job_id", job.ID, "duration_ms", elapsed.Milliseconds())
		return
	}

	terminal, fErr := w.queue.fail(finCtx, job, err)
	if fErr != nil {
		w.logger.Error("queue: fail bookkeeping failed",
			"queue", w.queue.Name(), "job_id", job.ID, "error", fErr)
		return
	}
	outcome := "retried"
	if terminal {
		outcome = "failed"
	}
	w.jobsProcessed.Add(ctx, 1, metric.WithAttributes(
		append(attrs, attribute.String("outcome", outcome))...))
	w.logger.Warn("queue: job attempt failed",
		"queue", w.queue.Name(), "job_id", job.ID,
		"attempt", job.AttemptsMade, "max_attempts", job.MaxAttempts,
		"terminal", terminal, "error", err)
}

// runHandler isolates handler panics so one bad job cannot take down the pool.
func (w *Worker) runHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue %s: handler panic: %v", w.queue.Name(), r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) maintainLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	reclaimTicker := time.NewTicker(w.maintenanceInterval)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDelayed(ctx, promoteBatch); err != nil && ctx.Err() == nil {
				w.logger.Error("queue: promote delayed failed",
					"queue", w.queue.Name(), "error", err)
			}
		case <-reclaimTicker.C:
			if _, err := w.queue.ReclaimStalled(ctx, w.stallTimeout); err != nil && ctx.Err() == nil {
				w.logger.Error("queue: reclaim stalled failed",
					"queue", w.queue.Name(), "error", err)
			}
		}
	}
}
