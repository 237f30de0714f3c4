package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/jobs"
)

// Local runs jobs on an in-process bounded worker pool.
type Local struct {
	Log   *slog.Logger
	Store jobs.Store
	Queue *jobs.Queue
	Proc  jobs.Processor
	Opts  Options
	Now   func() time.Time
}

var _ Executor = (*Local)(nil)

func NewLocal(log *slog.Logger, store jobs.Store, proc jobs.Processor, capacity, workers int, opts Options) *Local {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	return &Local{
		Log:   log,
		Store: store,
		Queue: jobs.NewQueue(log, capacity, workers),
		Proc:  proc,
		Opts:  opts,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the workers and recovers jobs left over by a previous process.
func (l *Local) Start(ctx context.Context) error {
	if err := l.Queue.Start(ctx, l.Proc); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	l.Log.Info("worker pool started", "workers", l.Queue.Workers())
	return l.Recover(ctx)
}

func (l *Local) Shutdown(grace time.Duration) {
	l.Queue.Shutdown(grace)
}

func (l *Local) Submit(ctx context.Context, req book.GenerationRequest) (string, error) {
	job, err := prepare(req, l.Opts, l.Now())
	if err != nil {
		return "", err
	}
	if err := l.Store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}
	log := l.Log.With("job_id", job.ID)
	if err := l.Queue.Enqueue(jobs.WorkItem{JobID: job.ID, EnqueuedAt: l.Now()}); err != nil {
		if saveErr := l.Store.SaveError(ctx, job.ID, book.CodeQueueFull, err.Error(), l.Now()); saveErr != nil {
			log.Error("record enqueue failure", "err", saveErr)
		}
		log.Warn("job rejected", "err", err)
		return job.ID, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	log.Info("job enqueued", "format", job.Request.Format, "output", job.Request.OutputPath)
	return job.ID, nil
}

func (l *Local) Status(ctx context.Context, id string) (*jobs.Job, error) {
	return status(ctx, l.Store, id)
}

func (l *Local) Cancel(ctx context.Context, id string) (bool, error) {
	return cancel(ctx, l.Store, id, l.Now())
}

// Recover re-enqueues QUEUED jobs and fails RUNNING ones, whose worker died
// with the previous process.
func (l *Local) Recover(ctx context.Context) error {
	pending, err := l.Store.ListRecoverable(ctx)
	if err != nil {
		return fmt.Errorf("list recoverable jobs: %w", err)
	}
	requeued, interrupted := 0, 0
	for _, job := range pending {
		log := l.Log.With("job_id", job.ID)
		switch job.State {
		case jobs.StateRunning:
			if err := l.Store.SaveError(ctx, job.ID, book.CodeInterrupted, book.ErrInterrupted.Error(), l.Now()); err != nil && !errors.Is(err, jobs.ErrInvalidTransition) {
				return fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
			}
			interrupted++
		case jobs.StateQueued:
			if err := l.Queue.Enqueue(jobs.WorkItem{JobID: job.ID, EnqueuedAt: l.Now()}); err != nil {
				log.Warn("could not requeue job", "err", err)
				_ = l.Store.SaveError(ctx, job.ID, book.CodeQueueFull, err.Error(), l.Now())
				continue
			}
			requeued++
		}
	}
	if requeued+interrupted > 0 {
		l.Log.Info("recovered jobs", "requeued", requeued, "interrupted", interrupted)
	}
	return nil
}
