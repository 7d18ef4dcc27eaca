package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
	"github.com/PortNumber53/entitlement-engine/backend/internal/quota"
)

// QuotaTracker gates free-tier actions.
type QuotaTracker interface {
	CheckAndMaybeReject(ctx context.Context, accountID string, q models.QuotaType) (quota.Decision, error)
	Consume(ctx context.Context, accountID string, q models.QuotaType) (quota.Decision, error)
}

// RegisterUsageRoutes registers the quota routes on router.
func RegisterUsageRoutes(router chi.Router, tracker QuotaTracker) {
	router.Get("/api/accounts/{accountID}/usage/{quotaType}", CheckUsage(tracker))
	router.Post("/api/accounts/{accountID}/usage/{quotaType}", RecordUsage(tracker))
}

// CheckUsage reports whether one more action is allowed today.
func CheckUsage(tracker QuotaTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "accountID")
		q := models.QuotaType(chi.URLParam(r, "quotaType"))
		d, err := tracker.CheckAndMaybeReject(r.Context(), accountID, q)
		if err != nil {
			respondQuotaError(w, accountID, q, err)
			return
		}
		respondJSON(w, http.StatusOK, d)
	}
}

// RecordUsage counts one action, answering 429 once the daily cap is used up.
func RecordUsage(tracker QuotaTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "accountID")
		q := models.QuotaType(chi.URLParam(r, "quotaType"))
		d, err := tracker.Consume(r.Context(), accountID, q)
		if err != nil {
			respondQuotaError(w, accountID, q, err)
			return
		}
		if !d.Allowed {
			respondJSON(w, http.StatusTooManyRequests, d)
			return
		}
		respondJSON(w, http.StatusOK, d)
	}
}

func respondQuotaError(w http.ResponseWriter, accountID string, q models.QuotaType, err error) {
	if errors.Is(err, quota.ErrUnknownQuota) {
		respondError(w, http.StatusNotFound, "unknown quota type")
		return
	}
	log.Error().Err(err).Str("account_id", accountID).Str("quota_type", string(q)).Msg("handlers: quota")
	respondServiceError(w, err)
}
