package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/creatorpay/backend/internal/audit"
	"github.com/creatorpay/backend/internal/config"
	"github.com/creatorpay/backend/internal/models"
)

const defaultSubscriptionPeriod = 30 * 24 * time.Hour

// EntitlementService translates a settled payment event into ledger postings
// and an access grant, atomically: the creator credit, the platform fee credit
// and the grant share one transaction; partial settlement is never observable.
type EntitlementService struct {
	db     *sql.DB
	ledger *LedgerService
	audit  *audit.Logger
	fees   *config.FeeConfig
}

func NewEntitlementService(db *sql.DB, ledger *LedgerService, auditLog *audit.Logger, fees *config.FeeConfig) *EntitlementService {
	return &EntitlementService{db: db, ledger: ledger, audit: auditLog, fees: fees}
}

// Grant applies one payment event. The processor charge id is the ledger
// reference, so a replayed event re-posts nothing. Funds land on the creator's
// pending account until their payout settings are verified.
func (s *EntitlementService) Grant(ctx context.Context, env *models.PaymentEventEnvelope) error {
	fee := s.feeFor(env.Amount)
	net := env.Amount.Sub(fee)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	target, err := s.creatorAccountTx(tx, env.CreatorID)
	if err != nil {
		return err
	}

	if net.IsPositive() {
		if _, err := s.ledger.PostEntryTx(tx, target, env.Currency, net, models.DirectionCredit, env.Reference); err != nil {
			return fmt.Errorf("creator credit failed: %w", err)
		}
	}
	if fee.IsPositive() {
		if _, err := s.ledger.PostEntryTx(tx, models.PlatformFeeAccount, env.Currency, fee, models.DirectionCredit, env.Reference); err != nil {
			return fmt.Errorf("platform fee credit failed: %w", err)
		}
	}

	if err := s.applyGrantTx(tx, env); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.Record(ctx, env.PayerID, "entitlement.granted", env.Reference, map[string]any{
		"event_type": env.Type,
		"creator_id": env.CreatorID,
		"net":        net.StringFixed(2),
		"fee":        fee.StringFixed(2),
	})
	return nil
}

// feeFor computes the platform's cut: basis points of the gross, rounded to
// two places, plus the fixed component, clamped to the gross amount.
func (s *EntitlementService) feeFor(amount decimal.Decimal) decimal.Decimal {
	pct := amount.Mul(decimal.NewFromInt(s.fees.BasisPoints)).Div(decimal.NewFromInt(10000)).Round(2)
	fee := pct.Add(decimal.New(s.fees.FixedCents, -2))
	if fee.GreaterThan(amount) {
		return amount
	}
	return fee
}

func (s *EntitlementService) creatorAccountTx(tx *sql.Tx, creatorID string) (string, error) {
	var status string
	err := tx.QueryRow(`SELECT status FROM payout_settings WHERE creator_id = $1`, creatorID).Scan(&status)
	if err == sql.ErrNoRows {
		return models.PendingAccount(creatorID), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read payout settings for %s: %w", creatorID, err)
	}
	if status == models.SettingsVerified {
		return models.EarningsAccount(creatorID), nil
	}
	return models.PendingAccount(creatorID), nil
}

func (s *EntitlementService) applyGrantTx(tx *sql.Tx, env *models.PaymentEventEnvelope) error {
	now := time.Now().UTC()

	switch env.Type {
	case models.EventSubscription:
		periodEnd := now.Add(defaultSubscriptionPeriod)
		if env.PeriodEnd != nil {
			periodEnd = *env.PeriodEnd
		}
		if _, err := tx.Exec(`
			INSERT INTO subscriptions (creator_id, subscriber_id, status, current_period_end, updated_at)
			VALUES ($1, $2, 'ACTIVE', $3, $4)
			ON CONFLICT (creator_id, subscriber_id)
			DO UPDATE SET status = 'ACTIVE',
				current_period_end = GREATEST(subscriptions.current_period_end, EXCLUDED.current_period_end),
				updated_at = EXCLUDED.updated_at`,
			env.CreatorID, env.PayerID, periodEnd, now); err != nil {
			return fmt.Errorf("failed to activate subscription: %w", err)
		}
	case models.EventPPV:
		// Unique on (purchaser, content item): a replay never re-grants.
		if _, err := tx.Exec(`
			INSERT INTO purchases (purchaser_id, content_id, reference, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (purchaser_id, content_id) DO NOTHING`,
			env.PayerID, env.ContentID, env.Reference, now); err != nil {
			return fmt.Errorf("failed to record purchase: %w", err)
		}
	case models.EventTip:
		// Ledger postings only.
	default:
		return &ValidationError{Field: "type", Reason: "unknown event type " + env.Type}
	}
	return nil
}
