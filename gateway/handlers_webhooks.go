package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"edbase/webhook"
)

// handleWebhook receives provider deliveries. The response must acknowledge
// duplicates with 200 so the provider stops retrying; only verification and
// processing failures return errors.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeAPIError(w, r, badRequest("payload too large or unreadable"))
		return
	}

	disposition, err := s.webhooks.Handle(r.Context(), provider, payload, r.Header.Get("Webhook-Signature"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "status": string(disposition)})
	case errors.Is(err, webhook.ErrUnknownProvider):
		writeAPIError(w, r, &apiError{
			Status: http.StatusNotFound, Code: CodeNotFound,
			Message: "unknown webhook provider",
		})
	case errors.Is(err, webhook.ErrSigFormat), errors.Is(err, webhook.ErrSigExpired), errors.Is(err, webhook.ErrSigMismatch):
		s.log.WarnContext(r.Context(), "webhook rejected",
			"provider", provider, "error", err)
		writeAPIError(w, r, &apiError{
			Status: http.StatusUnauthorized, Code: CodeAuthRequired,
			Message: "invalid webhook signature",
		})
	case errors.Is(err, webhook.ErrPayload):
		writeAPIError(w, r, badRequest("invalid webhook payload"))
	default:
		// Processing failed after verification; the provider should retry.
		s.respondError(w, r, err)
	}
}
