package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/extract"
	"github.com/jo-hoe/bookforge/internal/jobs"
	"github.com/jo-hoe/bookforge/internal/render"
	"github.com/jo-hoe/bookforge/internal/segment"
)

// Controller implements jobs.Processor. It drives one job through extraction,
// segmentation and rendering and records exactly one terminal outcome.
type Controller struct {
	Log       *slog.Logger
	Store     jobs.Store
	Segmenter *segment.Segmenter
	Renderers *render.Registry
	// Extractor is optional; without it resources lacking content stay opaque.
	Extractor *extract.Extractor
	// Notifier is optional and posts the final status to the request's callback URL.
	Notifier *Notifier
	Now      func() time.Time
}

// Ensure Controller implements jobs.Processor
var _ jobs.Processor = (*Controller)(nil)

func New(log *slog.Logger, store jobs.Store, seg *segment.Segmenter, renderers *render.Registry, ex *extract.Extractor, n *Notifier) *Controller {
	return &Controller{
		Log:       log,
		Store:     store,
		Segmenter: seg,
		Renderers: renderers,
		Extractor: ex,
		Notifier:  n,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (c *Controller) Process(ctx context.Context, item jobs.WorkItem) error {
	job, err := c.Store.GetJob(ctx, item.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", item.JobID, err)
	}
	log := c.Log.With("job_id", job.ID, "format", job.Request.Format)
	if job.State != jobs.StateQueued {
		log.Info("job no longer queued, skipping", "state", job.State)
		return nil
	}
	if err := c.Store.MarkRunning(ctx, job.ID, jobs.ProgressStarted, c.Now()); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			// cancelled between load and start
			log.Info("job left queued state before start, skipping")
			return nil
		}
		return fmt.Errorf("mark running: %w", err)
	}

	path, runErr := c.run(ctx, job, log)

	// Terminal writes must land even when the worker context is being torn down.
	final := context.WithoutCancel(ctx)
	if runErr != nil {
		code := book.ErrorCode(runErr)
		if ctx.Err() != nil {
			// worker shut down mid-render
			code = book.CodeInterrupted
		}
		if err := c.Store.SaveError(final, job.ID, code, runErr.Error(), c.Now()); err != nil {
			log.Error("failed to record job failure", "err", err)
			return errors.Join(runErr, err)
		}
		log.Warn("job failed", "code", code, "err", runErr)
		c.afterTerminal(final, job.ID, log)
		return runErr
	}

	if err := c.Store.SaveResult(final, job.ID, path, c.Now()); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	log.Info("job succeeded", "path", path)
	c.afterTerminal(final, job.ID, log)
	return nil
}

// run resolves chapters and renders them. Renderer panics become render errors.
func (c *Controller) run(ctx context.Context, job *jobs.Job, log *slog.Logger) (path string, err error) {
	req := job.Request
	defer func() {
		if r := recover(); r != nil {
			log.Error("renderer panic", "panic", r)
			path, err = "", book.NewRenderError(req.Format, req.Title, fmt.Errorf("renderer panic: %v", r))
		}
	}()

	if c.Extractor != nil {
		req.Resources = c.Extractor.Apply(ctx, req.Resources)
	}
	chapters := c.Segmenter.Resolve(req)
	c.progress(ctx, job.ID, jobs.ProgressResolved, log)
	if len(chapters) == 0 {
		return "", book.ErrEmptyContent
	}
	log.Debug("chapters resolved", "count", len(chapters))

	renderer, err := c.Renderers.Get(req.Format)
	if err != nil {
		return "", err
	}
	c.progress(ctx, job.ID, jobs.ProgressRender, log)
	return renderer.Render(ctx, render.DocumentFromRequest(req, chapters), req.OutputPath)
}

func (c *Controller) progress(ctx context.Context, id string, p int, log *slog.Logger) {
	if err := c.Store.UpdateProgress(ctx, id, p, c.Now()); err != nil {
		log.Warn("progress update failed", "progress", p, "err", err)
	}
}

// afterTerminal reports a cancellation that arrived too late and fires the callback.
func (c *Controller) afterTerminal(ctx context.Context, id string, log *slog.Logger) {
	job, err := c.Store.GetJob(ctx, id)
	if err != nil {
		log.Warn("reload finished job", "err", err)
		return
	}
	if job.CancelRequested {
		log.Info("cancellation was requested while running; outcome reflects the completed render", "state", job.State)
	}
	if c.Notifier != nil && job.Request.CallbackURL != nil && *job.Request.CallbackURL != "" {
		if err := c.Notifier.Notify(ctx, *job.Request.CallbackURL, job); err != nil {
			log.Warn("callback failed after retries", "err", err)
		}
	}
}
