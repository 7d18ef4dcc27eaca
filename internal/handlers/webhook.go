package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/backend/internal/ingest"
	stripeclient "github.com/PortNumber53/entitlement-engine/backend/internal/stripe"
)

// WebhookIngester handles one provider delivery.
type WebhookIngester interface {
	Handle(ctx context.Context, payload []byte, sigHeader string) (ingest.Result, error)
}

// Webhook receives provider events. Any 2xx tells the provider the event is
// committed or deliberately dropped; everything else is redelivered.
func Webhook(ingester WebhookIngester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, ingest.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			respondError(w, http.StatusBadRequest, "failed to read body")
			return
		}

		res, err := ingester.Handle(r.Context(), body, r.Header.Get(stripeclient.SignatureHeader))
		if err != nil {
			log.Warn().Err(err).Str("event_id", res.EventID).Msg("handlers: webhook not acknowledged")
			respondServiceError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"received": true,
			"outcome":  res.Outcome,
		})
	}
}
