package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisJobPrefix  = "bookforge:job:"
	redisActiveSet  = "bookforge:jobs:active"
	redisMaxRetries = 16
)

// RedisStore keeps each job as a JSON document. Transitions run inside a
// WATCH/MULTI transaction so concurrent writers cannot interleave. Terminal jobs
// expire after ttl when it is positive.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// OpenRedisStore connects to the redis URL and verifies the connection.
func OpenRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(rdb, ttl), nil
}

func redisJobKey(id string) string {
	return redisJobPrefix + id
}

func (s *RedisStore) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, redisJobKey(job.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if !ok {
		return ErrExists
	}
	if !job.State.Terminal() {
		if err := s.rdb.ZAdd(ctx, redisActiveSet, redis.Z{
			Score:  float64(job.CreatedAt.UnixNano()),
			Member: job.ID,
		}).Err(); err != nil {
			return fmt.Errorf("index job: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) update(ctx context.Context, id string, mutate func(*Job) error) error {
	key := redisJobKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}
		if err := mutate(&job); err != nil {
			return err
		}
		payload, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if job.State.Terminal() {
				pipe.Set(ctx, key, payload, s.ttl)
				pipe.ZRem(ctx, redisActiveSet, id)
			} else {
				pipe.Set(ctx, key, payload, redis.KeepTTL)
			}
			return nil
		})
		return err
	}
	for i := 0; i < redisMaxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update job %s: too much contention", id)
}

func (s *RedisStore) MarkRunning(ctx context.Context, id string, progress int, at time.Time) error {
	return s.update(ctx, id, func(j *Job) error { return applyMarkRunning(j, progress, at) })
}

// errUnchanged aborts a transaction without writing.
var errUnchanged = errors.New("unchanged")

func (s *RedisStore) UpdateProgress(ctx context.Context, id string, progress int, at time.Time) error {
	err := s.update(ctx, id, func(j *Job) error {
		before := j.Progress
		if err := applyProgress(j, progress, at); err != nil {
			return err
		}
		if j.Progress == before {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

func (s *RedisStore) SaveResult(ctx context.Context, id string, path string, at time.Time) error {
	return s.update(ctx, id, func(j *Job) error { return applyResult(j, path, at) })
}

func (s *RedisStore) SaveError(ctx context.Context, id string, code, message string, at time.Time) error {
	return s.update(ctx, id, func(j *Job) error { return applyError(j, code, message, at) })
}

func (s *RedisStore) RequestCancel(ctx context.Context, id string, at time.Time) (CancelOutcome, error) {
	var outcome CancelOutcome
	err := s.update(ctx, id, func(j *Job) error {
		outcome = applyCancel(j, at)
		if outcome == CancelRejected {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return CancelRejected, nil
	}
	return outcome, err
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (*Job, error) {
	data, err := s.rdb.Get(ctx, redisJobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) ListRecoverable(ctx context.Context) ([]*Job, error) {
	ids, err := s.rdb.ZRange(ctx, redisActiveSet, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	var out []*Job
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			_ = s.rdb.ZRem(ctx, redisActiveSet, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if !j.State.Terminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
