package models

import (
	"encoding/json"
	"errors"
	"time"
)

// JobStatus is the state of a queued job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// DefaultJobAttempts bounds retries of a job.
const DefaultJobAttempts = 5

// Job is a unit of deferred work, such as delivering a notification after
// a billing transition has been committed.
type Job struct {
	ID          int64           `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAfter    time.Time       `json:"run_after"`
	LastError   *string         `json:"last_error,omitempty"`
	WorkerID    *string         `json:"worker_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewJob builds a pending job with v marshalled as its payload.
func NewJob(kind string, v any) (*Job, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	j := &Job{Kind: kind, Payload: payload, Status: JobPending, MaxAttempts: DefaultJobAttempts}
	return j, j.Validate()
}

// Validate checks that the job can be enqueued.
func (j *Job) Validate() error {
	if j.Kind == "" {
		return errors.New("job kind is required")
	}
	if j.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if len(j.Payload) == 0 {
		j.Payload = json.RawMessage(`{}`)
	}
	return nil
}

// CanRetry reports whether another attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// JobStats counts jobs by status.
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}
