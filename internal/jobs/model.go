package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/jo-hoe/bookforge/internal/book"
)

// State is the externally visible lifecycle state of a generation job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Progress checkpoints written by the controller.
const (
	ProgressStarted  = 10
	ProgressResolved = 30
	ProgressRender   = 60
	ProgressDone     = 100
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrExists            = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Job is one request to turn a resource or chapter set into a single artifact.
type Job struct {
	ID              string                 `json:"id"`
	ProjectID       string                 `json:"project_id"`
	Request         book.GenerationRequest `json:"request"`
	State           State                  `json:"state"`
	Progress        int                    `json:"progress"`
	ResultPath      *string                `json:"result_path,omitempty"`
	ErrorCode       *string                `json:"error_code,omitempty"`
	ErrorMessage    *string                `json:"error_message,omitempty"`
	CancelRequested bool                   `json:"cancel_requested"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers never share a record with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Request = j.Request.Clone()
	c.ResultPath = clonePtr(j.ResultPath)
	c.ErrorCode = clonePtr(j.ErrorCode)
	c.ErrorMessage = clonePtr(j.ErrorMessage)
	c.StartedAt = clonePtr(j.StartedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// CancelOutcome is the effect of a cancellation request.
type CancelOutcome int

const (
	// CancelRejected: the job had already reached a terminal state.
	CancelRejected CancelOutcome = iota
	// CancelQueued: the job had not started and is now failed with CANCELLED.
	CancelQueued
	// CancelFlagged: the job is running; the flag is recorded and the render completes.
	CancelFlagged
)

func (o CancelOutcome) String() string {
	switch o {
	case CancelQueued:
		return "cancelled"
	case CancelFlagged:
		return "cancel_requested"
	default:
		return "rejected"
	}
}

// Accepted reports whether the request had any effect.
func (o CancelOutcome) Accepted() bool { return o != CancelRejected }

// Store persists jobs. Every mutation is a single atomic write guarded by the
// job's current state, so concurrent readers always see a consistent snapshot
// and a job reaches a terminal state at most once.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	// MarkRunning moves a QUEUED job to RUNNING.
	MarkRunning(ctx context.Context, id string, progress int, at time.Time) error
	// UpdateProgress raises the progress of a RUNNING job; lower values are ignored.
	UpdateProgress(ctx context.Context, id string, progress int, at time.Time) error
	SaveResult(ctx context.Context, id string, path string, at time.Time) error
	SaveError(ctx context.Context, id string, code, message string, at time.Time) error
	RequestCancel(ctx context.Context, id string, at time.Time) (CancelOutcome, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	// ListRecoverable returns non-terminal jobs, oldest first.
	ListRecoverable(ctx context.Context) ([]*Job, error)
	Close() error
}

// NewJob builds a QUEUED job for req.
func NewJob(id string, req book.GenerationRequest, at time.Time) *Job {
	return &Job{
		ID:        id,
		ProjectID: req.ProjectID,
		Request:   req.Clone(),
		State:     StateQueued,
		CreatedAt: at.UTC(),
		UpdatedAt: at.UTC(),
	}
}
