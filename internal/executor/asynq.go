package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/common"
	"github.com/jo-hoe/bookforge/internal/jobs"
)

// TaskPayload is the only data carried by a broker task; everything else is read
// from the job store.
type TaskPayload struct {
	JobID string `json:"job_id"`
}

// Asynq submits jobs as asynq tasks. Job records live in the shared store, so any
// process with access to the store can answer Status and Cancel.
type Asynq struct {
	Log     *slog.Logger
	Store   jobs.Store
	Client  *asynq.Client
	Queue   string
	Timeout time.Duration
	Opts    Options
	Now     func() time.Time
}

var _ Executor = (*Asynq)(nil)

func NewAsynq(log *slog.Logger, store jobs.Store, redisURL, queue string, timeout time.Duration, opts Options) (*Asynq, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if queue == "" {
		queue = common.DefaultAsynqQueue
	}
	return &Asynq{
		Log:     log,
		Store:   store,
		Client:  asynq.NewClient(opt),
		Queue:   queue,
		Timeout: timeout,
		Opts:    opts,
		Now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (a *Asynq) Submit(ctx context.Context, req book.GenerationRequest) (string, error) {
	job, err := prepare(req, a.Opts, a.Now())
	if err != nil {
		return "", err
	}
	if err := a.Store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}
	body, err := json.Marshal(TaskPayload{JobID: job.ID})
	if err != nil {
		return "", err
	}
	opts := []asynq.Option{asynq.Queue(a.Queue), asynq.MaxRetry(0)}
	if a.Timeout > 0 {
		opts = append(opts, asynq.Timeout(a.Timeout))
	}
	if _, err := a.Client.EnqueueContext(ctx, asynq.NewTask(common.TaskTypeRender, body), opts...); err != nil {
		if saveErr := a.Store.SaveError(ctx, job.ID, book.CodeQueueFull, err.Error(), a.Now()); saveErr != nil {
			a.Log.Error("record enqueue failure", "job_id", job.ID, "err", saveErr)
		}
		return job.ID, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	a.Log.Info("job enqueued", "job_id", job.ID, "queue", a.Queue, "format", job.Request.Format)
	return job.ID, nil
}

func (a *Asynq) Status(ctx context.Context, id string) (*jobs.Job, error) {
	return status(ctx, a.Store, id)
}

func (a *Asynq) Cancel(ctx context.Context, id string) (bool, error) {
	return cancel(ctx, a.Store, id, a.Now())
}

func (a *Asynq) Close() error {
	return a.Client.Close()
}

// Tasks are never redelivered (MaxRetry 0), so a job whose worker died stays
// RUNNING until a worker reaps it. A job counts as orphaned once it has run
// longer than the task deadline plus reapMargin.
const (
	asynqDefaultTimeout = 30 * time.Minute
	reapMargin          = time.Minute
)

// AsynqWorker consumes render tasks and hands them to the controller.
type AsynqWorker struct {
	Log   *slog.Logger
	Proc  jobs.Processor
	Store jobs.Store
	// StaleAfter is how long a job may stay RUNNING before ReapStale fails it.
	StaleAfter time.Duration
	Now        func() time.Time

	server   *asynq.Server
	mux      *asynq.ServeMux
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewAsynqWorker(log *slog.Logger, store jobs.Store, redisURL, queue string, concurrency int, taskTimeout time.Duration, proc jobs.Processor) (*AsynqWorker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if queue == "" {
		queue = common.DefaultAsynqQueue
	}
	if concurrency <= 0 {
		concurrency = DefaultWorkers()
	}
	if taskTimeout <= 0 {
		taskTimeout = asynqDefaultTimeout
	}
	w := &AsynqWorker{
		Log:        log,
		Proc:       proc,
		Store:      store,
		StaleAfter: taskTimeout + reapMargin,
		Now:        func() time.Time { return time.Now().UTC() },
		mux:        asynq.NewServeMux(),
		stop:       make(chan struct{}),
	}
	w.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		Logger:      asynqLogger{log: log.With("component", "asynq")},
	})
	w.mux.HandleFunc(common.TaskTypeRender, w.HandleTask)
	return w, nil
}

// HandleTask runs one job. Job failures are final in the store, so the task is
// never retried by the broker.
func (w *AsynqWorker) HandleTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: decode payload: %v", asynq.SkipRetry, err)
	}
	if payload.JobID == "" {
		return fmt.Errorf("%w: missing job_id in payload", asynq.SkipRetry)
	}
	if err := w.Proc.Process(ctx, jobs.WorkItem{JobID: payload.JobID, EnqueuedAt: time.Now()}); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return nil
}

// Start reaps jobs orphaned by earlier workers, starts consuming and keeps
// reaping periodically until Shutdown.
func (w *AsynqWorker) Start() error {
	w.reap()
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.StaleAfter / 2)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.reap()
			}
		}
	}()
	return nil
}

func (w *AsynqWorker) Shutdown() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
	w.server.Shutdown()
}

func (w *AsynqWorker) reap() {
	n, err := w.ReapStale(context.Background())
	if err != nil {
		w.Log.Warn("reap stale jobs", "err", err)
	}
	if n > 0 {
		w.Log.Info("failed orphaned jobs", "count", n)
	}
}

// ReapStale fails RUNNING jobs started more than StaleAfter ago with INTERRUPTED.
// The write is guarded by the job state, so a job finishing concurrently keeps
// its own outcome.
func (w *AsynqWorker) ReapStale(ctx context.Context) (int, error) {
	if w.Store == nil || w.StaleAfter <= 0 {
		return 0, nil
	}
	pending, err := w.Store.ListRecoverable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list recoverable jobs: %w", err)
	}
	now := w.Now()
	cutoff := now.Add(-w.StaleAfter)
	reaped := 0
	for _, job := range pending {
		if job.State != jobs.StateRunning || job.StartedAt == nil || job.StartedAt.After(cutoff) {
			continue
		}
		err := w.Store.SaveError(ctx, job.ID, book.CodeInterrupted, book.ErrInterrupted.Error(), now)
		switch {
		case errors.Is(err, jobs.ErrInvalidTransition):
			continue
		case err != nil:
			return reaped, fmt.Errorf("fail orphaned job %s: %w", job.ID, err)
		}
		w.Log.Warn("job orphaned by a dead worker", "job_id", job.ID, "started_at", job.StartedAt)
		reaped++
	}
	return reaped, nil
}

// asynqLogger routes asynq's logging through slog.
type asynqLogger struct {
	log *slog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) {
	l.log.Error(fmt.Sprint(args...))
	os.Exit(1)
}
