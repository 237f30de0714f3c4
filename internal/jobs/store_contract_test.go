package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jo-hoe/bookforge/internal/book"
)

// runStoreContract exercises the transition rules every Store must enforce.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cover := "cover.png"
	req := book.GenerationRequest{
		ProjectID:  "proj",
		Title:      "Book",
		Author:     "Ada",
		Format:     book.FormatHTML,
		Chapters:   []book.Chapter{{Title: "One", Content: "<p>1</p>"}},
		CoverImage: &cover,
		Metadata:   map[string]string{"publisher": "Acme"},
	}

	create := func(t *testing.T, s Store, id string, at time.Time) {
		t.Helper()
		if err := s.CreateJob(ctx, NewJob(id, req, at)); err != nil {
			t.Fatalf("CreateJob(%s): %v", id, err)
		}
	}

	t.Run("lifecycle success", func(t *testing.T) {
		s := newStore(t)
		create(t, s, "job-1", now)

		got, err := s.GetJob(ctx, "job-1")
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.State != StateQueued || got.Progress != 0 || got.ProjectID != "proj" {
			t.Fatalf("unexpected new job: %+v", got)
		}
		if got.Request.Title != "Book" || got.Request.CoverImage == nil || *got.Request.CoverImage != cover ||
			got.Request.Metadata["publisher"] != "Acme" || len(got.Request.Chapters) != 1 {
			t.Fatalf("request not persisted: %+v", got.Request)
		}

		if err := s.MarkRunning(ctx, "job-1", ProgressStarted, now.Add(time.Second)); err != nil {
			t.Fatalf("MarkRunning: %v", err)
		}
		if err := s.UpdateProgress(ctx, "job-1", ProgressRender, now.Add(2*time.Second)); err != nil {
			t.Fatalf("UpdateProgress: %v", err)
		}
		if err := s.UpdateProgress(ctx, "job-1", ProgressResolved, now.Add(3*time.Second)); err != nil {
			t.Fatalf("lower progress should be ignored, got %v", err)
		}
		got, _ = s.GetJob(ctx, "job-1")
		if got.State != StateRunning || got.Progress != ProgressRender || got.StartedAt == nil {
			t.Fatalf("running job: %+v", got)
		}

		if err := s.SaveResult(ctx, "job-1", "/out/book.html", now.Add(4*time.Second)); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
		got, _ = s.GetJob(ctx, "job-1")
		if got.State != StateSucceeded || got.Progress != ProgressDone {
			t.Fatalf("succeeded job: %+v", got)
		}
		if got.ResultPath == nil || *got.ResultPath != "/out/book.html" || got.CompletedAt == nil {
			t.Fatalf("result not recorded: %+v", got)
		}
		if !got.CompletedAt.Equal(now.Add(4 * time.Second)) {
			t.Fatalf("completed_at = %v", got.CompletedAt)
		}
	})

	t.Run("no second terminal transition", func(t *testing.T) {
		s := newStore(t)
		create(t, s, "job-2", now)
		_ = s.MarkRunning(ctx, "job-2", ProgressStarted, now)
		if err := s.SaveError(ctx, "job-2", book.CodeRenderError, "boom", now); err != nil {
			t.Fatalf("SaveError: %v", err)
		}
		if err := s.SaveResult(ctx, "job-2", "/x", now); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("SaveResult after failure: %v", err)
		}
		if err := s.SaveError(ctx, "job-2", book.CodeInternal, "again", now); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("second SaveError: %v", err)
		}
		if err := s.UpdateProgress(ctx, "job-2", 90, now); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("progress on terminal job: %v", err)
		}
		got, _ := s.GetJob(ctx, "job-2")
		if got.State != StateFailed || *got.ErrorCode != book.CodeRenderError || *got.ErrorMessage != "boom" {
			t.Fatalf("terminal record changed: %+v", got)
		}
		if got.ResultPath != nil {
			t.Fatalf("failed job has a result path")
		}
	})

	t.Run("start requires queued", func(t *testing.T) {
		s := newStore(t)
		create(t, s, "job-3", now)
		if err := s.SaveResult(ctx, "job-3", "/x", now); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("SaveResult on queued job: %v", err)
		}
		if err := s.MarkRunning(ctx, "job-3", 10, now); err != nil {
			t.Fatalf("MarkRunning: %v", err)
		}
		if err := s.MarkRunning(ctx, "job-3", 10, now); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("second MarkRunning: %v", err)
		}
	})

	t.Run("cancel outcomes", func(t *testing.T) {
		s := newStore(t)
		create(t, s, "queued", now)
		create(t, s, "running", now)
		create(t, s, "done", now)
		_ = s.MarkRunning(ctx, "running", 10, now)
		_ = s.MarkRunning(ctx, "done", 10, now)
		_ = s.SaveResult(ctx, "done", "/x", now)

		cases := map[string]CancelOutcome{"queued": CancelQueued, "running": CancelFlagged, "done": CancelRejected}
		for id, want := range cases {
			got, err := s.RequestCancel(ctx, id, now)
			if err != nil || got != want {
				t.Fatalf("RequestCancel(%s) = %v, %v; want %v", id, got, err, want)
			}
		}

		q, _ := s.GetJob(ctx, "queued")
		if q.State != StateFailed || q.ErrorCode == nil || *q.ErrorCode != book.CodeCancelled {
			t.Fatalf("cancelled queued job: %+v", q)
		}
		if err := s.MarkRunning(ctx, "queued", 10, now); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("cancelled job started: %v", err)
		}

		r, _ := s.GetJob(ctx, "running")
		if r.State != StateRunning || !r.CancelRequested {
			t.Fatalf("flagged running job: %+v", r)
		}
		if err := s.SaveResult(ctx, "running", "/y", now); err != nil {
			t.Fatalf("flagged job must still complete: %v", err)
		}

		if _, err := s.RequestCancel(ctx, "missing", now); !errors.Is(err, ErrNotFound) {
			t.Fatalf("cancel missing job: %v", err)
		}
	})

	t.Run("not found and duplicates", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetJob(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetJob missing: %v", err)
		}
		if err := s.MarkRunning(ctx, "nope", 10, now); !errors.Is(err, ErrNotFound) {
			t.Fatalf("MarkRunning missing: %v", err)
		}
		create(t, s, "dup", now)
		if err := s.CreateJob(ctx, NewJob("dup", req, now)); !errors.Is(err, ErrExists) {
			t.Fatalf("duplicate create: %v", err)
		}
	})

	t.Run("list recoverable", func(t *testing.T) {
		s := newStore(t)
		create(t, s, "b", now.Add(2*time.Second))
		create(t, s, "a", now.Add(time.Second))
		create(t, s, "c", now.Add(3*time.Second))
		_ = s.MarkRunning(ctx, "b", 10, now)
		_ = s.MarkRunning(ctx, "c", 10, now)
		_ = s.SaveError(ctx, "c", book.CodeInternal, "x", now)

		got, err := s.ListRecoverable(ctx)
		if err != nil {
			t.Fatalf("ListRecoverable: %v", err)
		}
		if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
			ids := []string{}
			for _, j := range got {
				ids = append(ids, j.ID)
			}
			t.Fatalf("recoverable = %v, want [a b]", ids)
		}
		if got[0].State != StateQueued || got[1].State != StateRunning {
			t.Fatalf("states = %s, %s", got[0].State, got[1].State)
		}
	})

	t.Run("concurrent terminal writers", func(t *testing.T) {
		s := newStore(t)
		create(t, s, "race", now)
		_ = s.MarkRunning(ctx, "race", 10, now)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var err error
				if i%2 == 0 {
					err = s.SaveResult(ctx, "race", "/x", now)
				} else {
					err = s.SaveError(ctx, "race", book.CodeInternal, "x", now)
				}
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("%d terminal transitions succeeded, want 1", wins)
		}
	})
}
