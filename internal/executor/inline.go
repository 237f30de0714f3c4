package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/jobs"
)

// Inline runs each job to completion inside Submit. It backs one-shot CLI runs
// where there is nothing to poll.
type Inline struct {
	Log   *slog.Logger
	Store jobs.Store
	Proc  jobs.Processor
	Opts  Options
	Now   func() time.Time
}

var _ Executor = (*Inline)(nil)

func NewInline(log *slog.Logger, store jobs.Store, proc jobs.Processor, opts Options) *Inline {
	return &Inline{
		Log:   log,
		Store: store,
		Proc:  proc,
		Opts:  opts,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Submit persists the job and processes it before returning. A failed job is
// not an error here: its outcome is read back through Status.
func (i *Inline) Submit(ctx context.Context, req book.GenerationRequest) (string, error) {
	job, err := prepare(req, i.Opts, i.Now())
	if err != nil {
		return "", err
	}
	if err := i.Store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}
	if err := i.Proc.Process(ctx, jobs.WorkItem{JobID: job.ID, EnqueuedAt: i.Now()}); err != nil {
		i.Log.Debug("inline job failed", "job_id", job.ID, "err", err)
	}
	return job.ID, nil
}

func (i *Inline) Status(ctx context.Context, id string) (*jobs.Job, error) {
	return status(ctx, i.Store, id)
}

func (i *Inline) Cancel(ctx context.Context, id string) (bool, error) {
	return cancel(ctx, i.Store, id, i.Now())
}
