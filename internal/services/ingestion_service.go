package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/creatorpay/backend/internal/audit"
	"github.com/creatorpay/backend/internal/models"
)

// IngestionService is the idempotency gate in front of the ledger. The
// upstream processor delivers events at least once; the unique constraint on
// event_id guarantees at most one ledger effect per event.
type IngestionService struct {
	db           *sql.DB
	entitlements *EntitlementService
	audit        *audit.Logger
	validator    *ValidationHelper
}

func NewIngestionService(db *sql.DB, entitlements *EntitlementService, auditLog *audit.Logger) *IngestionService {
	return &IngestionService{
		db:           db,
		entitlements: entitlements,
		audit:        auditLog,
		validator:    NewValidationHelper(),
	}
}

// IngestResult reports the gate's decision. Duplicate means the event id was
// already recorded; the delivery is acknowledged without re-processing.
type IngestResult struct {
	EventID   string
	Duplicate bool
}

// ReprocessSummary aggregates one reprocessing sweep.
type ReprocessSummary struct {
	Retried   int `json:"retried"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Ingest validates the envelope, durably records the event id and hands the
// event to entitlement granting. If granting fails after the id is recorded,
// the event keeps processed_at NULL with the error; ReprocessPending retries
// it, and ledger reference idempotency makes the retry safe.
func (s *IngestionService) Ingest(ctx context.Context, env *models.PaymentEventEnvelope) (*IngestResult, error) {
	if err := s.validateEnvelope(env); err != nil {
		return nil, err
	}

	var recorded string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO payment_events (event_id, event_type, reference, creator_id, payer_id, amount, currency, content_id, period_end, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING event_id`,
		env.EventID, env.Type, env.Reference, env.CreatorID, env.PayerID,
		env.Amount.StringFixed(2), env.Currency, nullString(env.ContentID), env.PeriodEnd, time.Now().UTC()).
		Scan(&recorded)

	if err == sql.ErrNoRows {
		return &IngestResult{EventID: env.EventID, Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record payment event %s: %w", env.EventID, err)
	}

	if err := s.entitlements.Grant(ctx, env); err != nil {
		s.markFailed(ctx, env.EventID, err)
		return nil, fmt.Errorf("entitlement granting failed for event %s: %w", env.EventID, err)
	}

	s.markProcessed(ctx, env.EventID)
	s.audit.Record(ctx, "processor", "payment.succeeded", env.Reference, map[string]any{
		"event_id":   env.EventID,
		"event_type": env.Type,
		"creator_id": env.CreatorID,
		"amount":     env.Amount.StringFixed(2),
		"currency":   env.Currency,
	})
	return &IngestResult{EventID: env.EventID}, nil
}

// ReprocessPending retries events whose granting has not yet succeeded.
func (s *IngestionService) ReprocessPending(ctx context.Context, limit int) (*ReprocessSummary, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, reference, creator_id, payer_id, amount, currency, content_id, period_end
		FROM payment_events
		WHERE processed_at IS NULL
		ORDER BY received_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	defer rows.Close()

	var pending []models.PaymentEventEnvelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, *env)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summary := &ReprocessSummary{}
	for i := range pending {
		env := &pending[i]
		summary.Retried++
		if err := s.entitlements.Grant(ctx, env); err != nil {
			summary.Failed++
			s.markFailed(ctx, env.EventID, err)
			log.Printf("Reprocess of event %s failed: %v", env.EventID, err)
			continue
		}
		summary.Succeeded++
		s.markProcessed(ctx, env.EventID)
	}
	return summary, nil
}

func (s *IngestionService) validateEnvelope(env *models.PaymentEventEnvelope) error {
	if err := s.validator.ValidateStruct(env); err != nil {
		return &ValidationError{Field: "envelope", Reason: err.Error()}
	}
	if !env.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if env.Type == models.EventPPV && env.ContentID == "" {
		return &ValidationError{Field: "content_id", Reason: "required for ppv events"}
	}
	return nil
}

func (s *IngestionService) markProcessed(ctx context.Context, eventID string) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE payment_events SET processed_at = $1, last_error = NULL WHERE event_id = $2`,
		time.Now().UTC(), eventID); err != nil {
		// The grant is committed; the sweep will re-run this event and the
		// ledger's reference idempotency makes that a no-op.
		log.Printf("Failed to mark event %s processed: %v", eventID, err)
	}
}

func (s *IngestionService) markFailed(ctx context.Context, eventID string, cause error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE payment_events SET last_error = $1 WHERE event_id = $2`,
		cause.Error(), eventID); err != nil {
		log.Printf("Failed to record error for event %s: %v", eventID, err)
	}
}

func scanEnvelope(rows *sql.Rows) (*models.PaymentEventEnvelope, error) {
	var env models.PaymentEventEnvelope
	var rawAmount string
	var contentID sql.NullString
	if err := rows.Scan(&env.EventID, &env.Type, &env.Reference, &env.CreatorID, &env.PayerID,
		&rawAmount, &env.Currency, &contentID, &env.PeriodEnd); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return nil, fmt.Errorf("event %s has malformed amount %q: %w", env.EventID, rawAmount, err)
	}
	env.Amount = amount
	env.ContentID = contentID.String
	return &env, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
