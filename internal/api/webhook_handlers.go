package api

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/waggletail/dispatch/internal/notify"
	"github.com/waggletail/dispatch/internal/webhook"
)

// HandleWebhook receives one provider callback, normalizes it and feeds the
// events through the dedup ingestor. Providers retry on non-2xx, so a
// processing failure returns 500 to trigger the provider's redelivery; the
// dedup ledger makes the redelivery safe.
//
//	POST /webhooks/{channel}
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	channel := notify.Channel(chi.URLParam(r, "channel"))
	if !channel.Valid() {
		writeError(w, http.StatusNotFound, "unknown webhook channel")
		return
	}

	events, err := webhook.Normalize(channel, r)
	if err != nil {
		// Malformed payloads are the provider's bug; retrying won't fix
		// them, so acknowledge-and-log instead of bouncing forever.
		log.Printf("[API] dropping malformed %s webhook: %v", channel, err)
		writeJSON(w, http.StatusOK, map[string]int{"accepted": 0})
		return
	}

	applied, err := h.ingestor.IngestBatch(r.Context(), events)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "event processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": applied})
}
