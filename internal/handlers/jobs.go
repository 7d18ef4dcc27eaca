package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
	"github.com/PortNumber53/entitlement-engine/backend/internal/store"
	"github.com/PortNumber53/entitlement-engine/backend/internal/worker"
)

// JobStore defines the read side of the notification outbox.
type JobStore interface {
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	Stats(ctx context.Context) (*models.JobStats, error)
}

// WorkerStats exposes the in-process counters of the outbox worker.
type WorkerStats interface {
	Stats() worker.Stats
}

// GetJob returns one outbox job.
func GetJob(jobStore JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid job ID")
			return
		}

		job, err := jobStore.GetByID(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				respondError(w, http.StatusNotFound, "job not found")
				return
			}
			log.Error().Err(err).Int64("job_id", jobID).Msg("handlers: get job")
			respondError(w, http.StatusInternalServerError, "failed to retrieve job")
			return
		}
		respondJSON(w, http.StatusOK, job)
	}
}

// GetJobStats returns queue counts and, when wk is set, worker counters.
func GetJobStats(jobStore JobStore, wk WorkerStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := jobStore.Stats(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("handlers: job stats")
			respondError(w, http.StatusInternalServerError, "failed to retrieve job statistics")
			return
		}

		payload := map[string]any{"queue": stats}
		if wk != nil {
			payload["worker"] = wk.Stats()
		}
		respondJSON(w, http.StatusOK, payload)
	}
}

// JobHandler holds dependencies for the outbox admin routes.
type JobHandler struct {
	Store  JobStore
	Worker WorkerStats
}

// RegisterRoutes registers job handlers with the router.
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/admin/jobs/stats", GetJobStats(h.Store, h.Worker))
	router.Get("/api/admin/jobs/{id}", GetJob(h.Store))
}
