package services

import (
	"context"
	"errors"
	"log"

	"github.com/creatorpay/backend/internal/audit"
	"github.com/creatorpay/backend/internal/models"
)

// ReconciliationService matches externally reported settlement outcomes back
// onto Payout rows and closes the loop: SETTLED confirms delivery, FAILED
// books the reversing credit. Balances are never re-derived from the Payout
// table; correction flows through the ledger only.
type ReconciliationService struct {
	payouts   *PayoutService
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewReconciliationService(payouts *PayoutService, auditLog *audit.Logger) *ReconciliationService {
	return &ReconciliationService{
		payouts:   payouts,
		audit:     auditLog,
		validator: NewValidationHelper(),
	}
}

// SettlementOutcome is one externally confirmed result, addressed by payout id
// or by the bank's own reference.
type SettlementOutcome struct {
	PayoutID      string `json:"payout_id,omitempty"`
	BankReference string `json:"bank_reference,omitempty"`
	Outcome       string `json:"outcome" validate:"required,oneof=settled failed"`
	ErrorReason   string `json:"error_reason,omitempty" validate:"max=500"`
}

// ReconciliationSummary aggregates one reconciliation run for operator
// reporting.
type ReconciliationSummary struct {
	CreatorsUpdated int   `json:"creators_updated"`
	TotalCentsMoved int64 `json:"total_cents_moved"`
	AlreadyApplied  int   `json:"already_applied"`
	NotFound        int   `json:"not_found"`
	Rejected        int   `json:"rejected"`
}

// Reconcile applies a batch of outcomes. Repeated reports of an
// already-applied outcome are counted as no-ops; per-outcome failures are
// aggregated, not fatal to the run.
func (s *ReconciliationService) Reconcile(ctx context.Context, outcomes []SettlementOutcome) (*ReconciliationSummary, error) {
	summary := &ReconciliationSummary{}
	creators := make(map[string]bool)

	for _, outcome := range outcomes {
		if err := s.validator.ValidateStruct(&outcome); err != nil {
			summary.Rejected++
			continue
		}

		payoutID := outcome.PayoutID
		if payoutID == "" {
			if outcome.BankReference == "" {
				summary.Rejected++
				continue
			}
			id, err := s.payouts.FindByBankReference(ctx, outcome.BankReference)
			if err == ErrPayoutNotFound {
				summary.NotFound++
				continue
			}
			if err != nil {
				return nil, err
			}
			payoutID = id
		}

		payout, err := s.payouts.GetPayout(ctx, payoutID)
		if err == ErrPayoutNotFound {
			summary.NotFound++
			continue
		}
		if err != nil {
			return nil, err
		}

		target := models.PayoutSettled
		if outcome.Outcome == "failed" {
			target = models.PayoutFailed
		}

		// Repeated delivery of the same outcome: already applied, and in the
		// FAILED case no second reversal gets booked.
		if payout.Status == target {
			summary.AlreadyApplied++
			continue
		}

		updated, err := s.payouts.UpdateStatus(ctx, payoutID, target, outcome.BankReference, outcome.ErrorReason)
		if err != nil {
			var stateErr *PayoutStateError
			if errors.As(err, &stateErr) {
				// The read above races the locked read inside UpdateStatus. A
				// duplicate that slipped past it surfaces as a no-op
				// transition, which is still "already applied".
				if stateErr.From == stateErr.To {
					summary.AlreadyApplied++
					continue
				}
				summary.Rejected++
				log.Printf("Reconciliation rejected for payout %s: %v", payoutID, err)
				continue
			}
			return nil, err
		}

		creators[updated.CreatorID] = true
		summary.TotalCentsMoved += updated.AmountCents
	}

	summary.CreatorsUpdated = len(creators)
	s.audit.Record(ctx, "reconciler", "reconciliation.completed", "", map[string]any{
		"creators_updated":  summary.CreatorsUpdated,
		"total_cents_moved": summary.TotalCentsMoved,
		"already_applied":   summary.AlreadyApplied,
		"not_found":         summary.NotFound,
		"rejected":          summary.Rejected,
	})
	return summary, nil
}
