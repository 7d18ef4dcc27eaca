// Package worker runs queued jobs with a fixed pool of processors, retrying
// failures with exponential backoff.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/backend/internal/metrics"
	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
)

// Handler processes one job.
type Handler func(ctx context.Context, job *models.Job) error

// Queue is the job storage the worker drains.
type Queue interface {
	ClaimNext(ctx context.Context, workerID string) (*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
	Release(ctx context.Context, id int64) error
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Config holds worker configuration.
type Config struct {
	// MaxConcurrent is the number of processors.
	MaxConcurrent int
	// PollInterval is the wait between polls of an empty queue.
	PollInterval time.Duration
	// RetryBaseDelay is the delay before the first retry; it doubles per attempt.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the retry delay.
	RetryMaxDelay time.Duration
	// JobTimeout bounds a single handler run.
	JobTimeout time.Duration
	// ShutdownTimeout bounds Stop.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the defaults used for notification delivery.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   2,
		PollInterval:    time.Second,
		RetryBaseDelay:  5 * time.Second,
		RetryMaxDelay:   10 * time.Minute,
		JobTimeout:      30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Stats holds counters of a running worker.
type Stats struct {
	Processed int64
	Succeeded int64
	Failed    int64
	Retried   int64
	Active    int
}

// Worker drains a Queue.
type Worker struct {
	config   Config
	queue    Queue
	handlers map[string]Handler
	workerID string
	now      func() time.Time

	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
	active  map[int64]context.CancelFunc

	statsMu sync.Mutex
	stats   Stats
}

// New creates a Worker. Zero config fields take their defaults.
func New(config Config, queue Queue) *Worker {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = def.RetryMaxDelay
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	return &Worker{
		config:   config,
		queue:    queue,
		handlers: make(map[string]Handler),
		workerID: "worker-" + uuid.NewString(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		active:   make(map[int64]context.CancelFunc),
	}
}

// RegisterHandler binds kind to h. Call before Start.
func (w *Worker) RegisterHandler(kind string, h Handler) {
	w.handlers[kind] = h
}

// Start launches the processors. They run until ctx ends or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx)
	}
	log.Info().Str("worker_id", w.workerID).Int("processors", w.config.MaxConcurrent).Msg("worker: started")
}

// Stop signals the processors, releases jobs still running and waits for
// the processors to exit.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("worker_id", w.workerID).Msg("worker: stopped")
		return nil
	case <-shutdownCtx.Done():
		w.releaseActive(context.WithoutCancel(ctx))
		return fmt.Errorf("worker: shutdown timeout exceeded")
	}
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	w.statsMu.Lock()
	s := w.stats
	w.statsMu.Unlock()

	w.mu.Lock()
	s.Active = len(w.active)
	w.mu.Unlock()
	return s
}

func (w *Worker) processor(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		ran, err := w.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("worker_id", w.workerID).Msg("worker: poll failed")
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-time.After(w.config.PollInterval):
		}
	}
}

// RunOnce claims and runs at most one job. It reports whether a job ran.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNext(ctx, w.workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.run(ctx, job)
	return true, nil
}

func (w *Worker) run(ctx context.Context, job *models.Job) {
	start := w.now()
	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	w.mu.Lock()
	w.active[job.ID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.active, job.ID)
		w.mu.Unlock()
	}()

	var err error
	handler, ok := w.handlers[job.Kind]
	if !ok {
		err = Permanent(fmt.Errorf("no handler registered for job kind %q", job.Kind))
	} else {
		err = safeCall(jobCtx, handler, job)
	}
	metrics.JobDuration.WithLabelValues(job.Kind).Observe(w.now().Sub(start).Seconds())

	// Bookkeeping must survive a handler that exhausted its own deadline.
	bookCtx := context.WithoutCancel(ctx)
	if err == nil {
		w.succeeded(bookCtx, job)
		return
	}
	w.failed(bookCtx, job, err)
}

// safeCall turns a handler panic into an error.
func safeCall(ctx context.Context, h Handler, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

func (w *Worker) succeeded(ctx context.Context, job *models.Job) {
	w.statsMu.Lock()
	w.stats.Processed++
	w.stats.Succeeded++
	w.statsMu.Unlock()
	metrics.JobsTotal.WithLabelValues(job.Kind, "succeeded").Inc()

	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		log.Error().Err(err).Int64("job_id", job.ID).Msg("worker: mark completed")
	}
}

func (w *Worker) failed(ctx context.Context, job *models.Job, jobErr error) {
	w.statsMu.Lock()
	w.stats.Processed++
	w.stats.Failed++
	w.statsMu.Unlock()

	logger := log.With().Int64("job_id", job.ID).Str("kind", job.Kind).
		Int("attempt", job.Attempts).Int("max_attempts", job.MaxAttempts).Logger()

	if job.CanRetry() && !IsPermanent(jobErr) {
		delay := w.backoff(job.Attempts)
		w.statsMu.Lock()
		w.stats.Retried++
		w.statsMu.Unlock()
		metrics.JobsTotal.WithLabelValues(job.Kind, "retried").Inc()
		logger.Warn().Err(jobErr).Dur("retry_in", delay).Msg("worker: job failed; retrying")

		if err := w.queue.ScheduleRetry(ctx, job.ID, jobErr.Error(), w.now().Add(delay)); err != nil {
			logger.Error().Err(err).Msg("worker: schedule retry")
		}
		return
	}

	metrics.JobsTotal.WithLabelValues(job.Kind, "failed").Inc()
	logger.Error().Err(jobErr).Msg("worker: job failed permanently")
	if err := w.queue.MarkFailed(ctx, job.ID, jobErr.Error()); err != nil {
		logger.Error().Err(err).Msg("worker: mark failed")
	}
}

// backoff doubles the base delay per attempt, caps it, and adds ±20% jitter.
func (w *Worker) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(w.config.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	d = math.Min(d, float64(w.config.RetryMaxDelay))
	return time.Duration(d * (0.8 + 0.4*rand.Float64()))
}

func (w *Worker) releaseActive(ctx context.Context) {
	w.mu.Lock()
	ids := make([]int64, 0, len(w.active))
	for id, cancel := range w.active {
		cancel()
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		if err := w.queue.Release(ctx, id); err != nil {
			log.Error().Err(err).Int64("job_id", id).Msg("worker: release job")
		}
	}
}
