// Package executor accepts generation requests and runs them through the job
// controller, either on an in-process worker pool or on an asynq/Redis backend.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/common"
	"github.com/jo-hoe/bookforge/internal/jobs"
	"github.com/jo-hoe/bookforge/internal/storage"
	"github.com/jo-hoe/bookforge/internal/util"
)

// Executor is the surface the API layer talks to. Status values use the job
// state vocabulary and never expose broker details.
//
// Submit returns the new job id. When the job was persisted but could not be
// queued it is recorded FAILED with QUEUE_FULL and its id is returned with the error.
type Executor interface {
	Submit(ctx context.Context, req book.GenerationRequest) (string, error)
	Status(ctx context.Context, id string) (*jobs.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

var ErrInvalidRequest = errors.New("invalid generation request")

// Options shared by every executor.
type Options struct {
	OutputDir         string
	DefaultSplitLevel book.SplitLevel
}

func (o Options) outputDir() string {
	if strings.TrimSpace(o.OutputDir) == "" {
		return common.DefaultOutputDir
	}
	return o.OutputDir
}

// DefaultWorkers sizes the pool from GOMAXPROCS, clamped to 1..MaxWorkerCount.
func DefaultWorkers() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		return 1
	}
	if n > common.MaxWorkerCount {
		return common.MaxWorkerCount
	}
	return n
}

// prepare validates req and returns the QUEUED job to persist. The request is
// copied so later changes by the caller cannot reach the job.
func prepare(req book.GenerationRequest, opts Options, now time.Time) (*jobs.Job, error) {
	format, err := book.ParseFormat(string(req.Format))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	req = req.Clone()
	req.Format = format
	if req.SplitLevel == "" {
		req.SplitLevel = opts.DefaultSplitLevel
	}
	req.SplitLevel = book.ParseSplitLevel(string(req.SplitLevel))

	id := util.NewID()
	if strings.TrimSpace(req.OutputPath) == "" {
		req.OutputPath = storage.OutputPath(opts.outputDir(), req.ProjectID, id, req.Title, format)
	}
	return jobs.NewJob(id, req, now), nil
}

// status and cancel are the same for every backend: the store is the source of truth.

func status(ctx context.Context, store jobs.Store, id string) (*jobs.Job, error) {
	return store.GetJob(ctx, id)
}

func cancel(ctx context.Context, store jobs.Store, id string, now time.Time) (bool, error) {
	outcome, err := store.RequestCancel(ctx, id, now)
	if err != nil {
		return false, err
	}
	return outcome.Accepted(), nil
}
