package models

import (
	"time"
)

// Payout statuses. Transitions are forward-only; FAILED is terminal and
// triggers a reversing ledger credit.
const (
	PayoutCreated  = "CREATED"
	PayoutExported = "EXPORTED"
	PayoutSent     = "SENT"
	PayoutSettled  = "SETTLED"
	PayoutFailed   = "FAILED"
)

// PayoutSettings statuses.
const (
	SettingsPendingVerification = "PENDING_VERIFICATION"
	SettingsVerified            = "VERIFIED"
)

// Payout is one settlement attempt for a creator's accumulated balance.
type Payout struct {
	ID            string     `json:"id" db:"id"`
	CreatorID     string     `json:"creator_id" db:"creator_id"`
	AmountCents   int64      `json:"amount_cents" db:"amount_cents"`
	Currency      string     `json:"currency" db:"currency"`
	Method        string     `json:"method" db:"method"`
	Status        string     `json:"status" db:"status"`
	PeriodStart   time.Time  `json:"period_start" db:"period_start"`
	PeriodEnd     time.Time  `json:"period_end" db:"period_end"`
	ExportBatchID string     `json:"export_batch_id" db:"export_batch_id"`
	BankReference string     `json:"bank_reference,omitempty" db:"bank_reference"`
	ErrorReason   string     `json:"error_reason,omitempty" db:"error_reason"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	ExportedAt    *time.Time `json:"exported_at,omitempty" db:"exported_at"`
	SentAt        *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	SettledAt     *time.Time `json:"settled_at,omitempty" db:"settled_at"`
}

// PayoutSettings holds a creator's settlement destination. The IBAN is only
// ever stored encrypted; IBANLast4 is the displayable remainder.
type PayoutSettings struct {
	CreatorID         string    `json:"creator_id" db:"creator_id"`
	AccountHolderName string    `json:"account_holder_name" db:"account_holder_name"`
	IBANEncrypted     string    `json:"-" db:"iban_encrypted"`
	IBANLast4         string    `json:"iban_last4" db:"iban_last4"`
	BIC               string    `json:"bic,omitempty" db:"bic"`
	CountryCode       string    `json:"country_code" db:"country_code"`
	AddressLine       string    `json:"address_line,omitempty" db:"address_line"`
	City              string    `json:"city,omitempty" db:"city"`
	PostalCode        string    `json:"postal_code,omitempty" db:"postal_code"`
	Status            string    `json:"status" db:"status"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}
