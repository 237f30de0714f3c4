package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/bookforge/internal/common"
)

var (
	ErrQueueFull       = errors.New("queue is full")
	ErrQueueNotStarted = errors.New("queue not started")
	ErrQueueClosed     = errors.New("queue is shut down")
)

// WorkItem references a persisted job; processors load the job from the store.
type WorkItem struct {
	JobID      string
	EnqueuedAt time.Time
}

// Processor runs one job to a terminal state.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, item WorkItem) error

func (f ProcessorFunc) Process(ctx context.Context, item WorkItem) error { return f(ctx, item) }

// Queue is a bounded in-memory buffer of job ids drained by a fixed pool of workers.
type Queue struct {
	log      *slog.Logger
	items    chan WorkItem
	workers  int
	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewQueue creates a Queue holding at most capacity waiting items.
func NewQueue(logger *slog.Logger, capacity int, workers int) *Queue {
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	return &Queue{
		log:     logger,
		items:   make(chan WorkItem, capacity),
		workers: workers,
	}
}

// Workers returns the size of the pool.
func (q *Queue) Workers() int { return q.workers }

// Pending returns the number of items waiting for a worker.
func (q *Queue) Pending() int { return len(q.items) }

// Start launches the worker pool. It can be called once.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case q.closed:
		return ErrQueueClosed
	case q.started:
		return errors.New("queue already started")
	}
	ctx, q.stop = context.WithCancel(ctx)
	q.wg.Add(q.workers)
	for i := range q.workers {
		go q.run(ctx, p, q.log.With("worker", i))
	}
	q.started = true
	return nil
}

func (q *Queue) run(ctx context.Context, p Processor, log *slog.Logger) {
	defer q.wg.Done()
	for {
		var item WorkItem
		select {
		case <-ctx.Done():
			log.Debug("worker stopped")
			return
		case next, ok := <-q.items:
			if !ok {
				log.Debug("queue drained, worker exiting")
				return
			}
			item = next
		}
		jobLog := log.With("job_id", item.JobID)
		if ctx.Err() != nil {
			// shutdown raced the receive; recovery picks the job up on next start
			jobLog.Info("shutting down, job left queued")
			return
		}
		jobLog.Info("job picked up", "waited", time.Since(item.EnqueuedAt))
		start := time.Now()
		if err := q.process(ctx, p, item); err != nil {
			jobLog.Error("job processing failed", "err", err, "duration", time.Since(start))
			continue
		}
		jobLog.Info("job processed", "duration", time.Since(start))
	}
}

// process keeps a panicking processor from taking its worker down.
func (q *Queue) process(ctx context.Context, p Processor, item WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("processor panicked")
			q.log.Error("processor panic", "job_id", item.JobID, "panic", r)
		}
	}()
	return p.Process(ctx, item)
}

// Enqueue hands an item to the pool without blocking.
func (q *Queue) Enqueue(item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if !q.started {
		return ErrQueueNotStarted
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	select {
	case q.items <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown rejects new items, cancels the workers' context and waits up to
// deadline for in-flight jobs to record their outcome. A deadline <= 0 waits
// indefinitely. Items still buffered stay QUEUED in the store.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		if q.stop != nil {
			q.stop()
		}
		close(q.items)
		q.mu.Unlock()

		if !q.wait(deadline) {
			q.log.Warn("queue shutdown deadline reached; workers may still be running")
		}
	})
}

// wait reports whether every worker exited within deadline.
func (q *Queue) wait(deadline time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
	}()
	if deadline <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
