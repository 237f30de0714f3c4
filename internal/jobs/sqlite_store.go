package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/common"
)

// Fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists jobs in a single SQLite table. Transitions are conditional
// UPDATE statements keyed on the current state.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		request_json TEXT NOT NULL,
		state TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		result_path TEXT,
		error_code TEXT,
		error_message TEXT,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS jobs_state_idx ON jobs (state);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
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
	req, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if _, err := s.GetJob(ctx, job.ID); err == nil {
		return ErrExists
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, project_id, request_json, state, progress, result_path, error_code, error_message,
			cancel_requested, created_at, updated_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProjectID, string(req), string(job.State), job.Progress,
		job.ResultPath, job.ErrorCode, job.ErrorMessage, job.CancelRequested,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt), nullTime(job.StartedAt), nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

// exec runs a conditional update. When no row matched it reports whether the job
// is missing or in the wrong state.
func (s *SQLiteStore) exec(ctx context.Context, id, op string, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n > 0 {
		return nil
	}
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return invalid(j, op)
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, progress int, at time.Time) error {
	ts := formatTime(at)
	return s.exec(ctx, id, "start",
		`UPDATE jobs SET state = ?, progress = MAX(progress, ?), started_at = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(StateRunning), clampProgress(progress), ts, ts, id, string(StateQueued))
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, progress int, at time.Time) error {
	p := clampProgress(progress)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND state = ? AND progress < ?`,
		p, formatTime(at), id, string(StateRunning), p)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Nothing changed: either a lower value (fine) or the job is not running.
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.State != StateRunning {
		return invalid(j, "progress")
	}
	return nil
}

func (s *SQLiteStore) SaveResult(ctx context.Context, id string, path string, at time.Time) error {
	ts := formatTime(at)
	return s.exec(ctx, id, "succeed",
		`UPDATE jobs SET state = ?, progress = ?, result_path = ?, updated_at = ?, completed_at = ?
		 WHERE id = ? AND state = ?`,
		string(StateSucceeded), ProgressDone, path, ts, ts, id, string(StateRunning))
}

func (s *SQLiteStore) SaveError(ctx context.Context, id string, code, message string, at time.Time) error {
	ts := formatTime(at)
	return s.exec(ctx, id, "fail",
		`UPDATE jobs SET state = ?, error_code = ?, error_message = ?, updated_at = ?, completed_at = ?
		 WHERE id = ? AND state IN (?, ?)`,
		string(StateFailed), code, message, ts, ts, id, string(StateQueued), string(StateRunning))
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, id string, at time.Time) (CancelOutcome, error) {
	ts := formatTime(at)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error_code = ?, error_message = ?, updated_at = ?, completed_at = ?
		 WHERE id = ? AND state = ?`,
		string(StateFailed), book.CodeCancelled, CancelledMessage, ts, ts, id, string(StateQueued))
	if err != nil {
		return CancelRejected, fmt.Errorf("cancel job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return CancelQueued, nil
	}
	res, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND state = ?`,
		ts, id, string(StateRunning))
	if err != nil {
		return CancelRejected, fmt.Errorf("flag cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return CancelFlagged, nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return CancelRejected, err
	}
	return CancelRejected, nil
}

const selectColumns = `SELECT id, project_id, request_json, state, progress, result_path, error_code, error_message,
	cancel_requested, created_at, updated_at, started_at, completed_at FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var req, state, created, updated string
	var result, code, msg, started, completed sql.NullString
	if err := row.Scan(
		&job.ID,
		&job.ProjectID,
		&req,
		&state,
		&job.Progress,
		&result,
		&code,
		&msg,
		&job.CancelRequested,
		&created,
		&updated,
		&started,
		&completed,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(req), &job.Request); err != nil {
		return nil, fmt.Errorf("decode request of job %s: %w", job.ID, err)
	}
	job.State = State(state)
	job.ResultPath = nullString(result)
	job.ErrorCode = nullString(code)
	job.ErrorMessage = nullString(msg)
	job.CreatedAt = parseTime(created)
	job.UpdatedAt = parseTime(updated)
	if started.Valid {
		t := parseTime(started.String)
		job.StartedAt = &t
	}
	if completed.Valid {
		t := parseTime(completed.String)
		job.CompletedAt = &t
	}
	return &job, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListRecoverable(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE state IN (?, ?) ORDER BY created_at, id`,
		string(StateQueued), string(StateRunning))
	if err != nil {
		return nil, fmt.Errorf("list recoverable jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
