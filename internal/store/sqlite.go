package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iotbench/floodctl/internal/model"
)

// SQLite persists jobs and captures in a single sqlite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			target TEXT NOT NULL,
			duration_ns INTEGER NOT NULL,
			status TEXT NOT NULL,
			scheduled_at TEXT NOT NULL,
			started_at TEXT DEFAULT NULL,
			finished_at TEXT DEFAULT NULL,
			capture_id TEXT NOT NULL DEFAULT '',
			err TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS captures (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL UNIQUE,
			file_path TEXT NOT NULL,
			byte_size INTEGER NOT NULL DEFAULT 0,
			finalized BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TEXT NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) CreateJob(ctx context.Context, job model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, target, duration_ns, status, scheduled_at, started_at, finished_at, capture_id, err)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Kind), job.Target, int64(job.Duration), string(job.Status),
		encodeTime(job.ScheduledAt), encodeTimep(job.StartedAt), encodeTimep(job.FinishedAt),
		job.CaptureID, job.Err,
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJob rewrites the row inside a transaction, rejecting transitions
// the state machine forbids.
func (s *SQLite) UpdateJob(ctx context.Context, job model.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, job.ID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, job.ID)
	}
	if err != nil {
		return err
	}
	curStatus := model.JobStatus(cur)
	if curStatus != job.Status && !model.CanTransition(curStatus, job.Status) {
		return fmt.Errorf("%w: job %s cannot move %s -> %s",
			model.ErrInvalidState, job.ID, curStatus, job.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ?, finished_at = ?, capture_id = ?, err = ? WHERE id = ?`,
		string(job.Status), encodeTimep(job.StartedAt), encodeTimep(job.FinishedAt),
		job.CaptureID, job.Err, job.ID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, target, duration_ns, status, scheduled_at, started_at, finished_at, capture_id, err
		 FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	return job, err
}

func (s *SQLite) ListJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, target, duration_ns, status, scheduled_at, started_at, finished_at, capture_id, err
		 FROM jobs ORDER BY scheduled_at`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLite) CreateCapture(ctx context.Context, c model.Capture) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO captures (id, job_id, file_path, byte_size, finalized, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.JobID, c.FilePath, c.ByteSize, c.Finalized, encodeTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting capture %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLite) UpdateCapture(ctx context.Context, c model.Capture) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE captures SET file_path = ?, byte_size = ?, finalized = ? WHERE job_id = ?`,
		c.FilePath, c.ByteSize, c.Finalized, c.JobID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: capture for job %s", model.ErrNotFound, c.JobID)
	}
	return nil
}

func (s *SQLite) CaptureByJob(ctx context.Context, jobID string) (model.Capture, error) {
	var (
		c       model.Capture
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, file_path, byte_size, finalized, created_at FROM captures WHERE job_id = ?`,
		jobID,
	).Scan(&c.ID, &c.JobID, &c.FilePath, &c.ByteSize, &c.Finalized, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Capture{}, fmt.Errorf("%w: capture for job %s", model.ErrNotFound, jobID)
	}
	if err != nil {
		return model.Capture{}, err
	}
	c.CreatedAt, err = decodeTime(created)
	return c, err
}

func (s *SQLite) ReconcileOrphans(ctx context.Context, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, err = ?, finished_at = ? WHERE status IN (?, ?)`,
		string(model.StatusFailed), reason, encodeTime(time.Now().UTC()),
		string(model.StatusPending), string(model.StatusRunning),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.Job, error) {
	var (
		job        model.Job
		kind       string
		status     string
		durationNs int64
		scheduled  string
		started    sql.NullString
		finished   sql.NullString
	)
	err := row.Scan(&job.ID, &kind, &job.Target, &durationNs, &status,
		&scheduled, &started, &finished, &job.CaptureID, &job.Err)
	if err != nil {
		return model.Job{}, err
	}
	job.Kind = model.JobKind(kind)
	job.Status = model.JobStatus(status)
	job.Duration = time.Duration(durationNs)
	if job.ScheduledAt, err = decodeTime(scheduled); err != nil {
		return model.Job{}, err
	}
	if job.StartedAt, err = decodeTimep(started); err != nil {
		return model.Job{}, err
	}
	if job.FinishedAt, err = decodeTimep(finished); err != nil {
		return model.Job{}, err
	}
	return job, nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeTimep(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func decodeTimep(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
