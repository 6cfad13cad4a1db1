package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DirectionCredit = "CREDIT"
	DirectionDebit  = "DEBIT"
)

// PlatformFeeAccount collects the platform's cut of every settled payment.
const PlatformFeeAccount = "platform:fees"

// LedgerEntry is an immutable credit or debit against a logical account.
// The pair (account_id, reference) is unique; corrections are posted as new
// offsetting entries, never as updates.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Currency  string          `json:"currency" db:"currency"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // always positive
	Direction string          `json:"direction" db:"direction"`
	Reference string          `json:"reference" db:"reference"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// LedgerBalance is the derived running total per (account_id, currency),
// maintained in the same transaction as entry insertion.
type LedgerBalance struct {
	AccountID string          `json:"account_id" db:"account_id"`
	Currency  string          `json:"currency" db:"currency"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// EarningsAccount is the creator's payable balance.
func EarningsAccount(creatorID string) string {
	return "creator:" + creatorID
}

// PendingAccount holds a creator's funds until their payout settings are verified.
func PendingAccount(creatorID string) string {
	return "pending:" + creatorID
}
