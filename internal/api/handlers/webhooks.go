package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dvloznov/finance-intake/internal/api/middleware"
	"github.com/dvloznov/finance-intake/internal/callback"
)

// WebhooksHandler receives callbacks from the classification and extraction
// services. Authentication happens in middleware; once an envelope decodes,
// the delivery is acknowledged with 202 whatever its outcome, so services do
// not retry payloads that will never be accepted.
type WebhooksHandler struct {
	processor *callback.Processor
}

// NewWebhooksHandler creates a new webhooks handler.
func NewWebhooksHandler(p *callback.Processor) *WebhooksHandler {
	return &WebhooksHandler{processor: p}
}

func decodeEnvelope(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, "callback body too large")
			return false
		}
		middleware.WriteError(w, http.StatusBadRequest, "invalid callback envelope")
		return false
	}
	return true
}

// Extraction handles POST /webhooks/extraction
func (h *WebhooksHandler) Extraction(w http.ResponseWriter, r *http.Request) {
	var env callback.Envelope
	if !decodeEnvelope(w, r, &env) {
		return
	}

	res := h.processor.HandleExtraction(r.Context(), &env)
	middleware.WriteJSON(w, http.StatusAccepted, res)
}

// Classification handles POST /webhooks/classification
func (h *WebhooksHandler) Classification(w http.ResponseWriter, r *http.Request) {
	var env callback.ClassificationEnvelope
	if !decodeEnvelope(w, r, &env) {
		return
	}

	res := h.processor.HandleClassification(r.Context(), &env)
	middleware.WriteJSON(w, http.StatusAccepted, res)
}
