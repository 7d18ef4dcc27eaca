package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/backend/internal/billing"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("handlers: encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps the billing error taxonomy to a status code.
func respondServiceError(w http.ResponseWriter, err error) {
	var cancelErr *billing.CancellationError
	switch {
	case errors.As(err, &cancelErr):
		respondJSON(w, http.StatusConflict, map[string]string{
			"error":  "cannot cancel",
			"reason": cancelErr.Reason,
		})
	case errors.Is(err, billing.ErrSignature):
		respondError(w, http.StatusBadRequest, "invalid signature")
	case errors.Is(err, billing.ErrMalformedEvent):
		respondError(w, http.StatusBadRequest, "malformed event")
	case errors.Is(err, billing.ErrInvalidCoupon):
		respondError(w, http.StatusBadRequest, "invalid coupon code")
	case errors.Is(err, billing.ErrCouponAlreadyUsed):
		respondError(w, http.StatusConflict, "coupon already used")
	case errors.Is(err, billing.ErrAccountNotFound):
		respondError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, billing.ErrTransientProvider):
		respondError(w, http.StatusBadGateway, "payment provider unavailable")
	case errors.Is(err, billing.ErrProviderDisabled):
		respondError(w, http.StatusServiceUnavailable, "payment provider not configured")
	default:
		respondError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	}
}
