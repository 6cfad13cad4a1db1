package services

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/creatorpay/backend/internal/audit"
	"github.com/creatorpay/backend/internal/config"
	"github.com/creatorpay/backend/internal/models"
)

// payoutTransitions is the forward-only status machine. FAILED is terminal
// and requires the compensating ledger credit.
var payoutTransitions = map[string][]string{
	models.PayoutCreated:  {models.PayoutExported},
	models.PayoutExported: {models.PayoutSent, models.PayoutFailed},
	models.PayoutSent:     {models.PayoutSettled, models.PayoutFailed},
	models.PayoutSettled:  {},
	models.PayoutFailed:   {},
}

func validTransition(from, to string) bool {
	for _, next := range payoutTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PayoutService exclusively owns Payout rows. The debit of the source balance
// and the creation of the Payout row share one transaction, so a balance can
// never be paid out twice.
type PayoutService struct {
	db     *sql.DB
	ledger *LedgerService
	audit  *audit.Logger
	cfg    *config.PayoutConfig
}

func NewPayoutService(db *sql.DB, ledger *LedgerService, auditLog *audit.Logger, cfg *config.PayoutConfig) *PayoutService {
	return &PayoutService{db: db, ledger: ledger, audit: auditLog, cfg: cfg}
}

// BatchSummary reports one generation run.
type BatchSummary struct {
	ExportBatchID         string `json:"export_batch_id"`
	PayoutsCreated        int    `json:"payouts_created"`
	TotalCents            int64  `json:"total_cents"`
	SkippedBelowThreshold int    `json:"skipped_below_threshold"`
	Failed                int    `json:"failed"`
}

type payoutCandidate struct {
	creatorID string
	balance   decimal.Decimal
}

// errBelowThreshold signals that the locked balance no longer clears the
// payout threshold; the creator is skipped, not failed.
var errBelowThreshold = errors.New("balance below payout threshold")

// GenerateBatch sweeps all verified creators with a positive earnings balance.
// Each creator settles in its own transaction: the DEBIT entry (reference =
// the new payout id) and the Payout row commit together, and one creator's
// failure never rolls back another's.
func (s *PayoutService) GenerateBatch(ctx context.Context) (*BatchSummary, error) {
	summary := &BatchSummary{ExportBatchID: uuid.New().String()}

	candidates, err := s.eligibleCreators(ctx)
	if err != nil {
		return nil, err
	}

	threshold := decimal.New(s.cfg.MinThresholdCents, -2)
	for _, c := range candidates {
		if c.balance.LessThan(threshold) {
			summary.SkippedBelowThreshold++
			continue
		}

		payout, err := s.createPayout(ctx, c.creatorID, summary.ExportBatchID)
		if errors.Is(err, errBelowThreshold) {
			// A concurrent run swept this balance between the candidate scan
			// and our lock.
			summary.SkippedBelowThreshold++
			continue
		}
		if err != nil {
			summary.Failed++
			log.Printf("Payout generation failed for creator %s: %v", c.creatorID, err)
			continue
		}

		summary.PayoutsCreated++
		summary.TotalCents += payout.AmountCents
		s.audit.Record(ctx, "scheduler", "payout.created", payout.ID, map[string]any{
			"creator_id":   payout.CreatorID,
			"amount_cents": payout.AmountCents,
			"batch_id":     payout.ExportBatchID,
		})
	}

	return summary, nil
}

func (s *PayoutService) eligibleCreators(ctx context.Context) ([]payoutCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ps.creator_id, lb.balance
		FROM payout_settings ps
		JOIN ledger_balances lb ON lb.account_id = 'creator:' || ps.creator_id AND lb.currency = $1
		WHERE ps.status = $2 AND lb.balance > 0
		ORDER BY ps.creator_id`,
		s.cfg.Currency, models.SettingsVerified)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible creators: %w", err)
	}
	defer rows.Close()

	var candidates []payoutCandidate
	for rows.Next() {
		var c payoutCandidate
		var raw string
		if err := rows.Scan(&c.creatorID, &raw); err != nil {
			return nil, err
		}
		if c.balance, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("malformed balance for creator %s: %w", c.creatorID, err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func (s *PayoutService) createPayout(ctx context.Context, creatorID, batchID string) (*models.Payout, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	payoutID := uuid.New().String()
	account := models.EarningsAccount(creatorID)
	now := time.Now().UTC()

	// The candidate scan's balance is stale by now. Re-read it under a row
	// lock so two concurrent runs serialize on the same creator instead of
	// both debiting the full balance.
	balance, err := s.lockedBalanceTx(tx, account)
	if err != nil {
		return nil, err
	}
	if !balance.IsPositive() || balance.LessThan(decimal.New(s.cfg.MinThresholdCents, -2)) {
		return nil, errBelowThreshold
	}

	periodStart, err := s.periodStartTx(tx, creatorID, account)
	if err != nil {
		return nil, err
	}

	// The payout id doubles as the debit reference, so the same payout can
	// never debit twice.
	result, err := s.ledger.PostEntryTx(tx, account, s.cfg.Currency, balance, models.DirectionDebit, payoutID)
	if err != nil {
		return nil, err
	}
	if result.AlreadyExists {
		return nil, fmt.Errorf("payout reference %s already used", payoutID)
	}

	payout := &models.Payout{
		ID:            payoutID,
		CreatorID:     creatorID,
		AmountCents:   balance.Mul(decimal.NewFromInt(100)).IntPart(),
		Currency:      s.cfg.Currency,
		Method:        s.cfg.Method,
		Status:        models.PayoutCreated,
		PeriodStart:   periodStart,
		PeriodEnd:     now,
		ExportBatchID: batchID,
		CreatedAt:     now,
	}

	if _, err := tx.Exec(`
		INSERT INTO payouts (id, creator_id, amount_cents, currency, method, status, period_start, period_end, export_batch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		payout.ID, payout.CreatorID, payout.AmountCents, payout.Currency, payout.Method,
		payout.Status, payout.PeriodStart, payout.PeriodEnd, payout.ExportBatchID, payout.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert payout row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return payout, nil
}

// lockedBalanceTx reads the earnings balance under FOR UPDATE, holding the
// row lock for the rest of the transaction.
func (s *PayoutService) lockedBalanceTx(tx *sql.Tx, account string) (decimal.Decimal, error) {
	var raw string
	err := tx.QueryRow(`
		SELECT balance FROM ledger_balances
		WHERE account_id = $1 AND currency = $2
		FOR UPDATE`,
		account, s.cfg.Currency).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to lock balance for %s: %w", account, err)
	}
	return decimal.NewFromString(raw)
}

// periodStartTx finds the opening bound of the ledger window this payout
// covers: the previous non-failed payout's period_end, else the creator's
// first ledger entry.
func (s *PayoutService) periodStartTx(tx *sql.Tx, creatorID, account string) (time.Time, error) {
	var periodStart time.Time
	err := tx.QueryRow(`
		SELECT period_end FROM payouts
		WHERE creator_id = $1 AND status != $2
		ORDER BY period_end DESC
		LIMIT 1`,
		creatorID, models.PayoutFailed).Scan(&periodStart)
	if err == sql.ErrNoRows {
		return s.ledger.EarliestEntryTime(tx, account, s.cfg.Currency)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to find previous payout for %s: %w", creatorID, err)
	}
	return periodStart, nil
}

// UpdateStatus applies one forward transition. A FAILED transition books the
// reversing CREDIT restoring the creator's balance in the same transaction;
// the reversal reference {payout_id}:reversal keeps repeats from crediting
// twice.
func (s *PayoutService) UpdateStatus(ctx context.Context, payoutID, newStatus, bankReference, errorReason string) (*models.Payout, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	payout, err := s.getPayoutTx(tx, payoutID)
	if err != nil {
		return nil, err
	}

	if !validTransition(payout.Status, newStatus) {
		return nil, &PayoutStateError{PayoutID: payoutID, From: payout.Status, To: newStatus}
	}

	now := time.Now().UTC()
	previous := payout.Status
	payout.Status = newStatus
	if bankReference != "" {
		payout.BankReference = bankReference
	}

	switch newStatus {
	case models.PayoutExported:
		payout.ExportedAt = &now
	case models.PayoutSent:
		payout.SentAt = &now
	case models.PayoutSettled:
		payout.SettledAt = &now
	case models.PayoutFailed:
		payout.ErrorReason = errorReason
		amount := decimal.New(payout.AmountCents, -2)
		if _, err := s.ledger.PostEntryTx(tx, models.EarningsAccount(payout.CreatorID), payout.Currency,
			amount, models.DirectionCredit, payout.ID+":reversal"); err != nil {
			return nil, fmt.Errorf("failed to book payout reversal: %w", err)
		}
	}

	// Empty reference and reason persist as NULL; the partial unique index on
	// bank_reference must never see ''.
	if _, err := tx.Exec(`
		UPDATE payouts
		SET status = $1, bank_reference = $2, error_reason = $3,
			exported_at = $4, sent_at = $5, settled_at = $6
		WHERE id = $7`,
		payout.Status, nullString(payout.BankReference), nullString(payout.ErrorReason),
		payout.ExportedAt, payout.SentAt, payout.SettledAt, payout.ID); err != nil {
		if isUniqueViolation(err) {
			return nil, &ValidationError{Field: "bank_reference", Reason: "already assigned to another payout"}
		}
		return nil, fmt.Errorf("failed to update payout %s: %w", payoutID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, "admin", "payout.status_changed", payout.ID, map[string]any{
		"from":           previous,
		"to":             payout.Status,
		"bank_reference": payout.BankReference,
		"error_reason":   payout.ErrorReason,
	})
	return payout, nil
}

// GetPayout loads one payout row.
func (s *PayoutService) GetPayout(ctx context.Context, payoutID string) (*models.Payout, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	payout, err := s.getPayoutTx(tx, payoutID)
	if err != nil {
		return nil, err
	}
	return payout, tx.Commit()
}

// FindByBankReference resolves an externally reported reference to a payout id.
func (s *PayoutService) FindByBankReference(ctx context.Context, bankReference string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM payouts WHERE bank_reference = $1`, bankReference).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrPayoutNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve bank reference %s: %w", bankReference, err)
	}
	return id, nil
}

// ExportBatch writes the settlement export for one batch as CSV and moves its
// CREATED payouts to EXPORTED. The artifact carries the masked IBAN only; the
// full IBAN is decrypted solely when the bank instruction is generated.
func (s *PayoutService) ExportBatch(ctx context.Context, batchID string, w io.Writer) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT p.id, p.creator_id, ps.account_holder_name, ps.iban_last4, p.amount_cents, p.currency, p.bank_reference
		FROM payouts p
		JOIN payout_settings ps ON ps.creator_id = p.creator_id
		WHERE p.export_batch_id = $1 AND p.status IN ($2, $3)
		ORDER BY p.creator_id`,
		batchID, models.PayoutCreated, models.PayoutExported)
	if err != nil {
		return 0, fmt.Errorf("failed to read batch %s: %w", batchID, err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"payout_id", "creator_id", "account_holder", "iban_masked", "amount_cents", "currency", "bank_reference"}); err != nil {
		rows.Close()
		return 0, err
	}

	count := 0
	for rows.Next() {
		var id, creatorID, holder, last4, currency string
		var bankRef sql.NullString
		var cents int64
		if err := rows.Scan(&id, &creatorID, &holder, &last4, &cents, &currency, &bankRef); err != nil {
			rows.Close()
			return 0, err
		}
		record := []string{id, creatorID, holder, "****" + last4, strconv.FormatInt(cents, 10), currency, bankRef.String}
		if err := writer.Write(record); err != nil {
			rows.Close()
			return 0, err
		}
		count++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`
		UPDATE payouts SET status = $1, exported_at = $2
		WHERE export_batch_id = $3 AND status = $4`,
		models.PayoutExported, now, batchID, models.PayoutCreated); err != nil {
		return 0, fmt.Errorf("failed to mark batch %s exported: %w", batchID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	s.audit.Record(ctx, "admin", "payout.batch_exported", batchID, map[string]any{"rows": count})
	return count, nil
}

func (s *PayoutService) getPayoutTx(tx *sql.Tx, payoutID string) (*models.Payout, error) {
	var p models.Payout
	var bankRef, errorReason sql.NullString
	err := tx.QueryRow(`
		SELECT id, creator_id, amount_cents, currency, method, status, period_start, period_end,
			export_batch_id, bank_reference, error_reason, created_at, exported_at, sent_at, settled_at
		FROM payouts WHERE id = $1
		FOR UPDATE`, payoutID).
		Scan(&p.ID, &p.CreatorID, &p.AmountCents, &p.Currency, &p.Method, &p.Status,
			&p.PeriodStart, &p.PeriodEnd, &p.ExportBatchID, &bankRef, &errorReason,
			&p.CreatedAt, &p.ExportedAt, &p.SentAt, &p.SettledAt)
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payout %s: %w", payoutID, err)
	}
	p.BankReference = bankRef.String
	p.ErrorReason = errorReason.String
	return &p, nil
}
