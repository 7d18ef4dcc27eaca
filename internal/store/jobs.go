package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `id, kind, payload, status, attempts, max_attempts, run_after,
  last_error, worker_id, created_at, updated_at, completed_at`

// JobStore is the Postgres-backed job queue.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new JobStore instance.
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job         models.Job
		payload     []byte
		status      string
		lastError   sql.NullString
		workerID    sql.NullString
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&job.Kind,
		&payload,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.RunAfter,
		&lastError,
		&workerID,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	job.Payload = payload
	job.Status = models.JobStatus(status)
	job.LastError = nullStringPtr(lastError)
	job.WorkerID = nullStringPtr(workerID)
	job.CompletedAt = nullTimePtr(completedAt)
	return &job, nil
}

// Enqueue inserts job and sets its id.
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	runAfter := job.RunAfter
	if runAfter.IsZero() {
		runAfter = time.Now()
	}
	if err := s.db.QueryRowContext(ctx, `
INSERT INTO jobs (kind, payload, max_attempts, run_after)
VALUES ($1, $2, $3, $4)
RETURNING id, status, created_at, updated_at`,
		job.Kind, []byte(job.Payload), job.MaxAttempts, runAfter,
	).Scan(&job.ID, &job.Status, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	job.RunAfter = runAfter
	return nil
}

// GetByID loads one job.
func (s *JobStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return job, nil
}

// ClaimNext atomically claims the oldest runnable job. It returns nil, nil
// when the queue is empty.
func (s *JobStore) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
UPDATE jobs
SET status = 'processing',
    worker_id = $1,
    attempts = attempts + 1,
    updated_at = NOW()
WHERE id = (
    SELECT id FROM jobs
    WHERE status = 'pending' AND run_after <= NOW()
    ORDER BY run_after ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns, workerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// MarkCompleted marks a job as done.
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'completed', completed_at = NOW(), updated_at = NOW()
WHERE id = $1`, id); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkFailed marks a job as permanently failed.
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'failed', last_error = $2, updated_at = NOW()
WHERE id = $1`, id, errorMsg); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// ScheduleRetry puts a job back in the queue to run after retryAfter.
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'pending', last_error = $2, run_after = $3, worker_id = NULL, updated_at = NOW()
WHERE id = $1`, id, errorMsg, retryAfter); err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	return nil
}

// Release returns a claimed job to the queue without counting the attempt.
func (s *JobStore) Release(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'pending', worker_id = NULL, attempts = GREATEST(attempts - 1, 0), updated_at = NOW()
WHERE id = $1 AND status = 'processing'`, id); err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// Stats counts jobs by status.
func (s *JobStore) Stats(ctx context.Context) (*models.JobStats, error) {
	stats := &models.JobStats{}
	if err := s.db.QueryRowContext(ctx, `
SELECT
    COUNT(*) FILTER (WHERE status = 'pending'),
    COUNT(*) FILTER (WHERE status = 'processing'),
    COUNT(*) FILTER (WHERE status = 'completed'),
    COUNT(*) FILTER (WHERE status = 'failed'),
    COUNT(*)
FROM jobs`).Scan(&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed, &stats.Total); err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// CleanupFinished removes completed and failed jobs older than olderThan.
func (s *JobStore) CleanupFinished(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM jobs
WHERE status IN ('completed', 'failed') AND updated_at < $1`, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}
