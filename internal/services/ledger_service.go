package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/creatorpay/backend/internal/models"
)

// LedgerService exclusively owns writes to ledger_entries and ledger_balances.
// Entries are append-only; the balance row is maintained in the same
// transaction as the entry insert, never read-modified-written elsewhere.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// PostResult is the outcome of posting an entry. A duplicate
// (account_id, reference) pair is not an error: AlreadyExists is set and Entry
// carries the previously recorded row, with no balance mutation.
type PostResult struct {
	Entry         *models.LedgerEntry
	AlreadyExists bool
}

// PostEntry posts a single entry in its own transaction.
func (s *LedgerService) PostEntry(ctx context.Context, accountID, currency string, amount decimal.Decimal, direction, reference string) (*PostResult, error) {
	if err := validateEntry(accountID, currency, amount, direction, reference); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := s.PostEntryTx(tx, accountID, currency, amount, direction, reference)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// PostEntryTx posts an entry inside the caller's transaction, so multi-entry
// postings (dual credits, payout debit plus payout row) commit or abort as a
// unit. Idempotency is resolved by the database uniqueness constraint, not a
// pre-check, so concurrent duplicate deliveries race safely.
func (s *LedgerService) PostEntryTx(tx *sql.Tx, accountID, currency string, amount decimal.Decimal, direction, reference string) (*PostResult, error) {
	if err := validateEntry(accountID, currency, amount, direction, reference); err != nil {
		return nil, err
	}

	amount = amount.Round(2)
	entryID := uuid.New().String()
	createdAt := time.Now().UTC()

	var insertedID string
	var insertedAt time.Time
	err := tx.QueryRow(`
		INSERT INTO ledger_entries (id, account_id, currency, amount, direction, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, reference) DO NOTHING
		RETURNING id, created_at`,
		entryID, accountID, currency, amount.StringFixed(2), direction, reference, createdAt).
		Scan(&insertedID, &insertedAt)

	if err == sql.ErrNoRows {
		existing, lookupErr := s.getEntryTx(tx, accountID, reference)
		if lookupErr != nil {
			return nil, fmt.Errorf("failed to load existing entry for %s/%s: %w", accountID, reference, lookupErr)
		}
		return &PostResult{Entry: existing, AlreadyExists: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	signed := amount
	if direction == models.DirectionDebit {
		signed = amount.Neg()
	}

	if _, err := tx.Exec(`
		INSERT INTO ledger_balances (account_id, currency, balance, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, currency)
		DO UPDATE SET balance = ledger_balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		accountID, currency, signed.StringFixed(2), createdAt); err != nil {
		return nil, fmt.Errorf("failed to update balance for %s: %w", accountID, err)
	}

	return &PostResult{
		Entry: &models.LedgerEntry{
			ID:        insertedID,
			AccountID: accountID,
			Currency:  currency,
			Amount:    amount,
			Direction: direction,
			Reference: reference,
			CreatedAt: insertedAt,
		},
	}, nil
}

// GetBalance reads the derived balance, zero when no entries exist.
func (s *LedgerService) GetBalance(ctx context.Context, accountID, currency string) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM ledger_balances
		WHERE account_id = $1 AND currency = $2`,
		accountID, currency).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance for %s: %w", accountID, err)
	}
	return decimal.NewFromString(raw)
}

// History lists an account's entries, newest first.
func (s *LedgerService) History(ctx context.Context, accountID, currency string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, currency, amount, direction, reference, created_at
		FROM ledger_entries
		WHERE account_id = $1 AND currency = $2
		ORDER BY created_at DESC
		LIMIT $3`,
		accountID, currency, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries for %s: %w", accountID, err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// EarliestEntryTime returns the creation time of the account's first entry,
// used as the opening bound of a creator's first payout window.
func (s *LedgerService) EarliestEntryTime(tx *sql.Tx, accountID, currency string) (time.Time, error) {
	var ts time.Time
	err := tx.QueryRow(`
		SELECT COALESCE(MIN(created_at), NOW())
		FROM ledger_entries
		WHERE account_id = $1 AND currency = $2`,
		accountID, currency).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read earliest entry for %s: %w", accountID, err)
	}
	return ts, nil
}

func (s *LedgerService) getEntryTx(tx *sql.Tx, accountID, reference string) (*models.LedgerEntry, error) {
	row := tx.QueryRow(`
		SELECT id, account_id, currency, amount, direction, reference, created_at
		FROM ledger_entries
		WHERE account_id = $1 AND reference = $2`,
		accountID, reference)
	return scanEntry(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	var raw string
	if err := row.Scan(&entry.ID, &entry.AccountID, &entry.Currency, &raw, &entry.Direction, &entry.Reference, &entry.CreatedAt); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger entry %s has malformed amount %q: %w", entry.ID, raw, err)
	}
	entry.Amount = amount
	return &entry, nil
}

func validateEntry(accountID, currency string, amount decimal.Decimal, direction, reference string) error {
	if accountID == "" {
		return &ValidationError{Field: "account_id", Reason: "must not be empty"}
	}
	if len(currency) != 3 {
		return &ValidationError{Field: "currency", Reason: "must be an ISO 4217 code"}
	}
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if direction != models.DirectionCredit && direction != models.DirectionDebit {
		return &ValidationError{Field: "direction", Reason: "must be CREDIT or DEBIT"}
	}
	if reference == "" {
		return &ValidationError{Field: "reference", Reason: "must not be empty"}
	}
	return nil
}
