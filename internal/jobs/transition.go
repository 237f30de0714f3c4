package jobs

import (
	"fmt"
	"time"

	"github.com/jo-hoe/bookforge/internal/book"
)

// CancelledMessage is recorded on jobs cancelled before they started.
const CancelledMessage = "cancelled before start"

// The functions below apply one transition to an in-memory record. Stores that
// load, mutate and write back a whole record share them.

func invalid(j *Job, op string) error {
	return fmt.Errorf("%w: %s on %s job %s", ErrInvalidTransition, op, j.State, j.ID)
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

func applyMarkRunning(j *Job, progress int, at time.Time) error {
	if j.State != StateQueued {
		return invalid(j, "start")
	}
	at = at.UTC()
	j.State = StateRunning
	j.Progress = max(j.Progress, clampProgress(progress))
	j.StartedAt = &at
	j.UpdatedAt = at
	return nil
}

func applyProgress(j *Job, progress int, at time.Time) error {
	if j.State != StateRunning {
		return invalid(j, "progress")
	}
	if p := clampProgress(progress); p > j.Progress {
		j.Progress = p
		j.UpdatedAt = at.UTC()
	}
	return nil
}

func applyResult(j *Job, path string, at time.Time) error {
	if j.State != StateRunning {
		return invalid(j, "succeed")
	}
	at = at.UTC()
	j.State = StateSucceeded
	j.Progress = ProgressDone
	j.ResultPath = &path
	j.UpdatedAt = at
	j.CompletedAt = &at
	return nil
}

func applyError(j *Job, code, message string, at time.Time) error {
	if j.State.Terminal() {
		return invalid(j, "fail")
	}
	at = at.UTC()
	j.State = StateFailed
	j.ErrorCode = &code
	j.ErrorMessage = &message
	j.UpdatedAt = at
	j.CompletedAt = &at
	return nil
}

func applyCancel(j *Job, at time.Time) CancelOutcome {
	switch j.State {
	case StateQueued:
		_ = applyError(j, book.CodeCancelled, CancelledMessage, at)
		return CancelQueued
	case StateRunning:
		j.CancelRequested = true
		j.UpdatedAt = at.UTC()
		return CancelFlagged
	default:
		return CancelRejected
	}
}
