// Package dispatch runs best-effort role checks fired from request handling.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"role-sync/internal/domain"
	"role-sync/metrics"
	"role-sync/utils/logger"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 256
)

// Checker reconciles one user.
type Checker interface {
	Execute(ctx context.Context, userID int64, force bool) (domain.ReconciliationResult, error)
}

// Job is one queued role check.
type Job struct {
	UserID int64
	Force  bool
	Reason string
}

// Dispatcher manages a bounded pool of workers draining a job queue.
type Dispatcher struct {
	workers int
	queue   chan Job
	checker Checker
	logger  *slog.Logger
}

// NewDispatcher creates a new dispatcher. Non-positive sizes use the defaults.
func NewDispatcher(checker Checker, workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		workers: workers,
		queue:   make(chan Job, queueSize),
		checker: checker,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Workers returns the number of workers in the pool.
func (d *Dispatcher) Workers() int {
	return d.workers
}

// Pending returns the number of queued jobs.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Enqueue submits a check without blocking. It reports false when the queue is full.
func (d *Dispatcher) Enqueue(userID int64, force bool, reason string) bool {
	select {
	case d.queue <- Job{UserID: userID, Force: force, Reason: reason}:
		metrics.RecordDispatch("queued")
		return true
	default:
		metrics.RecordDispatch("dropped")
		d.logger.Warn("role check queue full, dropping", "user_id", userID, "reason", reason)
		return false
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has finished its current job.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range d.workers {
		wg.Add(1)
		go d.worker(ctx, &wg)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.process(context.WithoutCancel(ctx), job)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, job Job) {
	ctx = logger.WithTrigger(ctx, job.Reason)
	result, err := d.checker.Execute(ctx, job.UserID, job.Force)
	if err != nil {
		d.logger.WarnContext(ctx, "passive role check failed", "user_id", job.UserID, "reason", job.Reason, "error", err)
		return
	}
	if result.Changed {
		d.logger.InfoContext(ctx, "passive role check changed role",
			"user_id", job.UserID,
			"old_role", result.OldRole.String(),
			"new_role", result.NewRole.String(),
			"reason", job.Reason)
	}
}
