package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps jobs in process memory. Jobs do not survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrExists
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) update(id string, mutate func(*Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	s.jobs[id] = next
	return nil
}

func (s *MemoryStore) MarkRunning(ctx context.Context, id string, progress int, at time.Time) error {
	return s.update(id, func(j *Job) error { return applyMarkRunning(j, progress, at) })
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, id string, progress int, at time.Time) error {
	return s.update(id, func(j *Job) error { return applyProgress(j, progress, at) })
}

func (s *MemoryStore) SaveResult(ctx context.Context, id string, path string, at time.Time) error {
	return s.update(id, func(j *Job) error { return applyResult(j, path, at) })
}

func (s *MemoryStore) SaveError(ctx context.Context, id string, code, message string, at time.Time) error {
	return s.update(id, func(j *Job) error { return applyError(j, code, message, at) })
}

func (s *MemoryStore) RequestCancel(ctx context.Context, id string, at time.Time) (CancelOutcome, error) {
	var outcome CancelOutcome
	err := s.update(id, func(j *Job) error {
		outcome = applyCancel(j, at)
		return nil
	})
	return outcome, err
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) ListRecoverable(ctx context.Context) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Job
	for _, j := range s.jobs {
		if !j.State.Terminal() {
			out = append(out, j.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortByCreated(js []*Job) {
	sort.SliceStable(js, func(a, b int) bool {
		if js[a].CreatedAt.Equal(js[b].CreatedAt) {
			return js[a].ID < js[b].ID
		}
		return js[a].CreatedAt.Before(js[b].CreatedAt)
	})
}
