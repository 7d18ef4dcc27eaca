package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
)

type memQueue struct {
	mu        sync.Mutex
	jobs      []*models.Job
	completed []int64
	failed    map[int64]string
	retries   map[int64]time.Time
	released  []int64
}

func newMemQueue(jobs ...*models.Job) *memQueue {
	return &memQueue{jobs: jobs, failed: map[int64]string{}, retries: map[int64]time.Time{}}
}

func (q *memQueue) ClaimNext(_ context.Context, _ string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	job.Attempts++
	job.Status = models.JobProcessing
	return job, nil
}

func (q *memQueue) MarkCompleted(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *memQueue) MarkFailed(_ context.Context, id int64, msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = msg
	return nil
}

func (q *memQueue) ScheduleRetry(_ context.Context, id int64, _ string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries[id] = at
	return nil
}

func (q *memQueue) Release(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, id)
	return nil
}

func job(id int64, kind string, attempts int) *models.Job {
	return &models.Job{ID: id, Kind: kind, Payload: []byte(`{}`), Status: models.JobPending, Attempts: attempts, MaxAttempts: 3}
}

func TestRunOnceCompletesJob(t *testing.T) {
	q := newMemQueue(job(1, "notify", 0))
	w := New(Config{}, q)
	var got *models.Job
	w.RegisterHandler("notify", func(_ context.Context, j *models.Job) error {
		got = j
		return nil
	})

	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	require.NotNil(t, got)
	assert.Equal(t, []int64{1}, q.completed)
	assert.Equal(t, int64(1), w.Stats().Succeeded)

	ran, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran, "empty queue")
}

func TestFailedJobIsRetriedWithBackoff(t *testing.T) {
	q := newMemQueue(job(2, "notify", 0))
	w := New(Config{RetryBaseDelay: time.Second, RetryMaxDelay: time.Minute}, q)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	w.RegisterHandler("notify", func(context.Context, *models.Job) error {
		return errors.New("line api: 500")
	})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	retryAt, ok := q.retries[2]
	require.True(t, ok)
	delay := retryAt.Sub(now)
	assert.GreaterOrEqual(t, delay, 800*time.Millisecond)
	assert.LessOrEqual(t, delay, 1200*time.Millisecond)
	assert.Empty(t, q.failed)
}

func TestExhaustedJobFails(t *testing.T) {
	q := newMemQueue(job(3, "notify", 2))
	w := New(Config{}, q)
	w.RegisterHandler("notify", func(context.Context, *models.Job) error {
		return errors.New("still failing")
	})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "still failing", q.failed[3])
	assert.Empty(t, q.retries)
}

func TestPermanentAndUnknownKindsFailWithoutRetry(t *testing.T) {
	q := newMemQueue(job(4, "notify", 0), job(5, "mystery", 0))
	w := New(Config{}, q)
	w.RegisterHandler("notify", func(context.Context, *models.Job) error {
		return Permanent(errors.New("bad payload"))
	})

	for i := 0; i < 2; i++ {
		_, err := w.RunOnce(context.Background())
		require.NoError(t, err)
	}
	assert.Contains(t, q.failed, int64(4))
	assert.Contains(t, q.failed, int64(5))
	assert.Empty(t, q.retries)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	q := newMemQueue(job(6, "notify", 0))
	w := New(Config{}, q)
	w.RegisterHandler("notify", func(context.Context, *models.Job) error {
		panic("boom")
	})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Contains(t, q.retries, int64(6))
}

func TestBackoffIsCapped(t *testing.T) {
	w := New(Config{RetryBaseDelay: time.Second, RetryMaxDelay: 4 * time.Second}, newMemQueue())
	for attempt := 1; attempt <= 10; attempt++ {
		assert.LessOrEqual(t, w.backoff(attempt), time.Duration(float64(4*time.Second)*1.2))
	}
}

func TestStartAndStop(t *testing.T) {
	q := newMemQueue(job(7, "notify", 0))
	w := New(Config{MaxConcurrent: 2, PollInterval: 10 * time.Millisecond}, q)
	done := make(chan struct{})
	w.RegisterHandler("notify", func(context.Context, *models.Job) error {
		close(done)
		return nil
	})

	w.Start(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, w.Stop(context.Background()), "second stop is a no-op")
}
