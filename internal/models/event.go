package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment event types accepted from the upstream processor.
const (
	EventSubscription = "subscription"
	EventTip          = "tip"
	EventPPV          = "ppv"
)

// PaymentEventEnvelope is the inbound processor notification. EventID is the
// processor-assigned delivery id used for deduplication; Reference is the
// charge id used as the ledger idempotency key.
type PaymentEventEnvelope struct {
	EventID   string          `json:"event_id" validate:"required,max=64"`
	Type      string          `json:"type" validate:"required,oneof=subscription tip ppv"`
	Reference string          `json:"reference" validate:"required,max=64"`
	CreatorID string          `json:"creator_id" validate:"required,max=64"`
	PayerID   string          `json:"payer_id" validate:"required,max=64"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency" validate:"required,len=3"`
	ContentID string          `json:"content_id,omitempty" validate:"max=64"`
	PeriodEnd *time.Time      `json:"period_end,omitempty"`
}

// PaymentEvent is the durably recorded delivery. ProcessedAt is NULL while
// entitlement granting has not yet succeeded; the reprocessing sweep retries
// those rows.
type PaymentEvent struct {
	EventID     string          `json:"event_id" db:"event_id"`
	Type        string          `json:"type" db:"event_type"`
	Reference   string          `json:"reference" db:"reference"`
	CreatorID   string          `json:"creator_id" db:"creator_id"`
	PayerID     string          `json:"payer_id" db:"payer_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Currency    string          `json:"currency" db:"currency"`
	ContentID   string          `json:"content_id,omitempty" db:"content_id"`
	PeriodEnd   *time.Time      `json:"period_end,omitempty" db:"period_end"`
	ReceivedAt  time.Time       `json:"received_at" db:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
	LastError   string          `json:"last_error,omitempty" db:"last_error"`
}
