package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/creatorpay/backend/internal/config"
	"github.com/creatorpay/backend/internal/middleware"
	"github.com/creatorpay/backend/internal/models"
)

const earningsCacheTTL = 60 * time.Second

// EarningsService is the read path for creator dashboards: derived balances
// and payout history rollups, cached briefly in Redis.
type EarningsService struct {
	db     *sql.DB
	ledger *LedgerService
	redis  *redis.Client
	cfg    *config.PayoutConfig
}

func NewEarningsService(db *sql.DB, ledger *LedgerService, redisClient *redis.Client, cfg *config.PayoutConfig) *EarningsService {
	return &EarningsService{db: db, ledger: ledger, redis: redisClient, cfg: cfg}
}

// EarningsSummary is what the display layer reads. Amounts are fixed-point
// decimal strings; cents fields match the Payout table's unit.
type EarningsSummary struct {
	CreatorID         string     `json:"creator_id"`
	Currency          string     `json:"currency"`
	AvailableBalance  string     `json:"available_balance"`
	PendingBalance    string     `json:"pending_balance"`
	TotalPaidOutCents int64      `json:"total_paid_out_cents"`
	LastPayoutAt      *time.Time `json:"last_payout_at,omitempty"`
	LastPayoutStatus  string     `json:"last_payout_status,omitempty"`
}

// GetSummary serves from cache when possible; the TTL is short enough that a
// dashboard is never more than a minute behind the ledger.
func (s *EarningsService) GetSummary(ctx context.Context, creatorID string) (*EarningsSummary, error) {
	cacheKey := "earnings:" + creatorID

	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
			var summary EarningsSummary
			if err := json.Unmarshal([]byte(cached), &summary); err == nil {
				return &summary, nil
			}
		}
	}

	available, err := s.ledger.GetBalance(ctx, models.EarningsAccount(creatorID), s.cfg.Currency)
	if err != nil {
		return nil, err
	}
	pending, err := s.ledger.GetBalance(ctx, models.PendingAccount(creatorID), s.cfg.Currency)
	if err != nil {
		return nil, err
	}

	summary := &EarningsSummary{
		CreatorID:        creatorID,
		Currency:         s.cfg.Currency,
		AvailableBalance: available.StringFixed(2),
		PendingBalance:   pending.StringFixed(2),
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM payouts
		WHERE creator_id = $1 AND status = $2`,
		creatorID, models.PayoutSettled).Scan(&summary.TotalPaidOutCents); err != nil {
		return nil, fmt.Errorf("failed to sum settled payouts for %s: %w", creatorID, err)
	}

	var lastAt time.Time
	var lastStatus string
	err = s.db.QueryRowContext(ctx, `
		SELECT created_at, status FROM payouts
		WHERE creator_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, creatorID).Scan(&lastAt, &lastStatus)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read last payout for %s: %w", creatorID, err)
	}
	if err == nil {
		summary.LastPayoutAt = &lastAt
		summary.LastPayoutStatus = lastStatus
	}

	if s.redis != nil {
		if data, err := json.Marshal(summary); err == nil {
			s.redis.Set(ctx, cacheKey, data, earningsCacheTTL)
		}
	}

	return summary, nil
}

// GetEarnings serves the authenticated creator's earnings summary.
// @Summary Get earnings summary
// @Tags earnings
// @Produce json
// @Success 200 {object} EarningsSummary
// @Failure 401 {object} ErrorResponse
// @Router /earnings [get]
func (s *EarningsService) GetEarnings(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	summary, err := s.GetSummary(r.Context(), creatorID)
	if err != nil {
		SendErrorResponse(w, "Failed to load earnings", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// GetTransactionHistory lists the creator's recent ledger entries.
// @Summary Get ledger history
// @Tags earnings
// @Produce json
// @Success 200 {array} models.LedgerEntry
// @Router /earnings/history [get]
func (s *EarningsService) GetTransactionHistory(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	entries, err := s.ledger.History(r.Context(), models.EarningsAccount(creatorID), s.cfg.Currency, 100)
	if err != nil {
		SendErrorResponse(w, "Failed to load history", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
