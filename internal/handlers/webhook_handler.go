package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/creatorpay/backend/internal/config"
	"github.com/creatorpay/backend/internal/models"
	"github.com/creatorpay/backend/internal/services"
)

// WebhookHandler receives payment-processor notifications. Signature
// verification happens before anything touches the database; the ingestion
// gate then guarantees at-most-once ledger effect per event id.
type WebhookHandler struct {
	ingestion *services.IngestionService
	secret    []byte
}

func NewWebhookHandler(ingestion *services.IngestionService, cfg *config.WebhookConfig) *WebhookHandler {
	return &WebhookHandler{ingestion: ingestion, secret: []byte(cfg.Secret)}
}

// HandlePaymentEvent processes one processor delivery.
// @Summary Ingest a payment event
// @Description Deduplicated ingestion of processor payment notifications
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} services.IngestResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /webhooks/payments [post]
func (h *WebhookHandler) HandlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if !h.verifySignature(body, r.Header.Get("X-Signature")) {
		services.SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}

	var env models.PaymentEventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		services.SendErrorResponse(w, "Invalid event payload", http.StatusBadRequest, nil)
		return
	}

	result, err := h.ingestion.Ingest(r.Context(), &env)
	if err != nil {
		var vErr *services.ValidationError
		if errors.As(err, &vErr) {
			services.SendErrorResponse(w, vErr.Error(), http.StatusBadRequest, nil)
			return
		}
		// The event id is recorded; the reprocessing sweep owns the retry.
		services.SendErrorResponse(w, "Event accepted but processing failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if len(h.secret) == 0 || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
