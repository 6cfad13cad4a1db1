package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/creatorpay/backend/internal/services"
)

// PayoutHandler is the operator surface for batch generation, export, status
// transitions and reconciliation.
type PayoutHandler struct {
	payouts        *services.PayoutService
	reconciliation *services.ReconciliationService
	sepa           *services.SEPAService
	ingestion      *services.IngestionService
	validator      *services.ValidationHelper
}

func NewPayoutHandler(payouts *services.PayoutService, reconciliation *services.ReconciliationService, sepa *services.SEPAService, ingestion *services.IngestionService) *PayoutHandler {
	return &PayoutHandler{
		payouts:        payouts,
		reconciliation: reconciliation,
		sepa:           sepa,
		ingestion:      ingestion,
		validator:      services.NewValidationHelper(),
	}
}

// GenerateBatch triggers a payout generation sweep.
// @Summary Generate a payout batch
// @Tags payouts
// @Produce json
// @Success 200 {object} services.BatchSummary
// @Router /admin/payouts/generate [post]
func (h *PayoutHandler) GenerateBatch(w http.ResponseWriter, r *http.Request) {
	summary, err := h.payouts.GenerateBatch(r.Context())
	if err != nil {
		services.SendErrorResponse(w, "Payout generation failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

type statusUpdateRequest struct {
	Status        string `json:"status" validate:"required,oneof=EXPORTED SENT SETTLED FAILED"`
	BankReference string `json:"bank_reference,omitempty"`
	ErrorReason   string `json:"error_reason,omitempty"`
}

// UpdateStatus applies one forward transition to a payout.
// @Summary Update payout status
// @Tags payouts
// @Accept json
// @Produce json
// @Success 200 {object} models.Payout
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/payouts/{payoutId}/status [put]
func (h *PayoutHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	payoutID := chi.URLParam(r, "payoutId")

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	payout, err := h.payouts.UpdateStatus(r.Context(), payoutID, req.Status, req.BankReference, req.ErrorReason)
	if err != nil {
		if errors.Is(err, services.ErrPayoutNotFound) {
			services.SendErrorResponse(w, "Payout not found", http.StatusNotFound, nil)
			return
		}
		var stateErr *services.PayoutStateError
		if errors.As(err, &stateErr) {
			services.SendErrorResponse(w, stateErr.Error(), http.StatusConflict, nil)
			return
		}
		services.SendErrorResponse(w, "Failed to update payout", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payout)
}

// ExportBatch streams the CSV settlement export for a batch.
// @Summary Export a payout batch
// @Tags payouts
// @Produce text/csv
// @Success 200 {string} string "CSV export"
// @Router /admin/payouts/batches/{batchId}/export [get]
func (h *PayoutHandler) ExportBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchId")

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=payouts_%s.csv", batchID))

	if _, err := h.payouts.ExportBatch(r.Context(), batchID, w); err != nil {
		services.SendErrorResponse(w, "Export failed", http.StatusInternalServerError, nil)
		return
	}
}

// BankInstruction returns the pacs.008 credit-transfer XML for one payout.
// @Summary Generate bank transfer instruction
// @Tags payouts
// @Produce application/xml
// @Success 200 {string} string "pacs.008 XML"
// @Failure 404 {object} services.ErrorResponse
// @Router /admin/payouts/{payoutId}/instruction [get]
func (h *PayoutHandler) BankInstruction(w http.ResponseWriter, r *http.Request) {
	payoutID := chi.URLParam(r, "payoutId")

	payout, err := h.payouts.GetPayout(r.Context(), payoutID)
	if err != nil {
		if errors.Is(err, services.ErrPayoutNotFound) {
			services.SendErrorResponse(w, "Payout not found", http.StatusNotFound, nil)
			return
		}
		services.SendErrorResponse(w, "Failed to load payout", http.StatusInternalServerError, nil)
		return
	}

	doc, err := h.sepa.BankInstruction(r.Context(), payout)
	if err != nil {
		services.SendErrorResponse(w, "Failed to build instruction", http.StatusInternalServerError, nil)
		return
	}

	xmlData, err := h.sepa.InstructionXML(doc)
	if err != nil {
		services.SendErrorResponse(w, "Failed to render instruction", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(xmlData))
}

// Reconcile applies a batch of externally reported settlement outcomes.
// @Summary Reconcile settlement outcomes
// @Tags payouts
// @Accept json
// @Produce json
// @Success 200 {object} services.ReconciliationSummary
// @Router /admin/payouts/reconcile [post]
func (h *PayoutHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var outcomes []services.SettlementOutcome
	if err := json.NewDecoder(r.Body).Decode(&outcomes); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	summary, err := h.reconciliation.Reconcile(r.Context(), outcomes)
	if err != nil {
		services.SendErrorResponse(w, "Reconciliation failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// ReprocessEvents retries payment events whose granting has not yet succeeded.
// @Summary Reprocess pending payment events
// @Tags webhooks
// @Produce json
// @Success 200 {object} services.ReprocessSummary
// @Router /admin/events/reprocess [post]
func (h *PayoutHandler) ReprocessEvents(w http.ResponseWriter, r *http.Request) {
	summary, err := h.ingestion.ReprocessPending(r.Context(), 100)
	if err != nil {
		services.SendErrorResponse(w, "Reprocessing failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}
