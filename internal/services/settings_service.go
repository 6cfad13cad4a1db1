package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/creatorpay/backend/internal/audit"
	"github.com/creatorpay/backend/internal/config"
	"github.com/creatorpay/backend/internal/middleware"
	"github.com/creatorpay/backend/internal/models"
	"github.com/creatorpay/backend/internal/vault"
)

// ErrSettingsNotFound is returned when a creator has no payout settings row.
var ErrSettingsNotFound = errors.New("payout settings not found")

// SettingsService owns PayoutSettings. The plaintext IBAN exists only in
// flight: it is validated, encrypted and discarded; every read path returns
// the masked view.
type SettingsService struct {
	db        *sql.DB
	ledger    *LedgerService
	vault     *vault.Vault
	audit     *audit.Logger
	validator *ValidationHelper
	payoutCfg *config.PayoutConfig
}

func NewSettingsService(db *sql.DB, ledger *LedgerService, v *vault.Vault, auditLog *audit.Logger, payoutCfg *config.PayoutConfig) *SettingsService {
	return &SettingsService{
		db:        db,
		ledger:    ledger,
		vault:     v,
		audit:     auditLog,
		validator: NewValidationHelper(),
		payoutCfg: payoutCfg,
	}
}

// PayoutSettingsRequest is the creator-facing update payload.
type PayoutSettingsRequest struct {
	AccountHolderName string `json:"account_holder_name" validate:"required,min=2,max=140"`
	IBAN              string `json:"iban" validate:"required"`
	BIC               string `json:"bic,omitempty"`
	CountryCode       string `json:"country_code" validate:"required,len=2"`
	AddressLine       string `json:"address_line,omitempty" validate:"max=200"`
	City              string `json:"city,omitempty" validate:"max=100"`
	PostalCode        string `json:"postal_code,omitempty" validate:"max=20"`
}

// UpdateSettings validates and normalizes the bank details, encrypts the IBAN
// and upserts the row back to PENDING_VERIFICATION. Returns the masked view.
func (s *SettingsService) UpdateSettings(ctx context.Context, creatorID string, req *PayoutSettingsRequest) (*models.PayoutSettings, error) {
	if err := s.validator.ValidateStruct(req); err != nil {
		return nil, &ValidationError{Field: "settings", Reason: err.Error()}
	}

	iban, err := ValidateIBAN(req.IBAN)
	if err != nil {
		return nil, err
	}

	bic := ""
	if req.BIC != "" {
		if bic, err = ValidateBIC(req.BIC); err != nil {
			return nil, err
		}
	}

	encrypted, err := s.vault.Encrypt(iban)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt IBAN: %w", err)
	}

	settings := &models.PayoutSettings{
		CreatorID:         creatorID,
		AccountHolderName: req.AccountHolderName,
		IBANLast4:         IBANLast4(iban),
		BIC:               bic,
		CountryCode:       req.CountryCode,
		AddressLine:       req.AddressLine,
		City:              req.City,
		PostalCode:        req.PostalCode,
		Status:            models.SettingsPendingVerification,
		UpdatedAt:         time.Now().UTC(),
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO payout_settings (creator_id, account_holder_name, iban_encrypted, iban_last4, bic, country_code, address_line, city, postal_code, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (creator_id)
		DO UPDATE SET account_holder_name = EXCLUDED.account_holder_name,
			iban_encrypted = EXCLUDED.iban_encrypted,
			iban_last4 = EXCLUDED.iban_last4,
			bic = EXCLUDED.bic,
			country_code = EXCLUDED.country_code,
			address_line = EXCLUDED.address_line,
			city = EXCLUDED.city,
			postal_code = EXCLUDED.postal_code,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		creatorID, settings.AccountHolderName, encrypted, settings.IBANLast4, settings.BIC,
		settings.CountryCode, settings.AddressLine, settings.City, settings.PostalCode,
		settings.Status, settings.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to store payout settings: %w", err)
	}

	s.audit.Record(ctx, creatorID, "payout_settings.updated", creatorID, map[string]any{
		"iban_last4": settings.IBANLast4,
		"country":    settings.CountryCode,
	})
	return settings, nil
}

// GetSettings returns the masked settings row.
func (s *SettingsService) GetSettings(ctx context.Context, creatorID string) (*models.PayoutSettings, error) {
	var settings models.PayoutSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT creator_id, account_holder_name, iban_last4, bic, country_code, address_line, city, postal_code, status, updated_at
		FROM payout_settings WHERE creator_id = $1`, creatorID).
		Scan(&settings.CreatorID, &settings.AccountHolderName, &settings.IBANLast4, &settings.BIC,
			&settings.CountryCode, &settings.AddressLine, &settings.City, &settings.PostalCode,
			&settings.Status, &settings.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payout settings for %s: %w", creatorID, err)
	}
	return &settings, nil
}

// VerifySettings flips PENDING_VERIFICATION to VERIFIED and, in the same
// transaction, releases any balance accumulated on the creator's pending
// account into the earnings account. The status-row guard makes the release
// fire exactly once per verification; re-verifying a VERIFIED row is a no-op.
func (s *SettingsService) VerifySettings(ctx context.Context, creatorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE payout_settings SET status = $1, updated_at = $2
		WHERE creator_id = $3 AND status = $4`,
		models.SettingsVerified, time.Now().UTC(), creatorID, models.SettingsPendingVerification)
	if err != nil {
		return fmt.Errorf("failed to verify settings for %s: %w", creatorID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var status string
		err := tx.QueryRow(`SELECT status FROM payout_settings WHERE creator_id = $1`, creatorID).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrSettingsNotFound
		}
		if err != nil {
			return err
		}
		// Already verified: nothing to do, and no second release.
		return nil
	}

	released, err := s.releasePendingTx(tx, creatorID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.Record(ctx, "admin", "payout_settings.verified", creatorID, map[string]any{
		"released": released.StringFixed(2),
	})
	return nil
}

// releasePendingTx moves the pending-account balance into the earnings
// account as an offsetting DEBIT/CREDIT pair sharing one release reference.
func (s *SettingsService) releasePendingTx(tx *sql.Tx, creatorID string) (decimal.Decimal, error) {
	pending := models.PendingAccount(creatorID)
	currency := s.payoutCfg.Currency

	var raw string
	err := tx.QueryRow(`
		SELECT balance FROM ledger_balances WHERE account_id = $1 AND currency = $2`,
		pending, currency).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read pending balance for %s: %w", creatorID, err)
	}

	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if !balance.IsPositive() {
		return decimal.Zero, nil
	}

	reference := "release:" + uuid.New().String()
	if _, err := s.ledger.PostEntryTx(tx, pending, currency, balance, models.DirectionDebit, reference); err != nil {
		return decimal.Zero, fmt.Errorf("pending debit failed: %w", err)
	}
	if _, err := s.ledger.PostEntryTx(tx, models.EarningsAccount(creatorID), currency, balance, models.DirectionCredit, reference); err != nil {
		return decimal.Zero, fmt.Errorf("earnings credit failed: %w", err)
	}
	return balance, nil
}

// UpdatePayoutSettings handles the creator-facing settings update.
// @Summary Update payout settings
// @Description Validate, encrypt and store the creator's bank details
// @Tags payout-settings
// @Accept json
// @Produce json
// @Success 200 {object} models.PayoutSettings
// @Failure 400 {object} ErrorResponse
// @Router /payout-settings [put]
func (s *SettingsService) UpdatePayoutSettings(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req PayoutSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	settings, err := s.UpdateSettings(r.Context(), creatorID, &req)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			SendErrorResponse(w, vErr.Error(), http.StatusBadRequest, nil)
			return
		}
		SendErrorResponse(w, "Failed to update payout settings", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(settings)
}

// GetPayoutSettings returns the masked settings for the authenticated creator.
// @Summary Get payout settings
// @Tags payout-settings
// @Produce json
// @Success 200 {object} models.PayoutSettings
// @Failure 404 {object} ErrorResponse
// @Router /payout-settings [get]
func (s *SettingsService) GetPayoutSettings(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	settings, err := s.GetSettings(r.Context(), creatorID)
	if err == ErrSettingsNotFound {
		SendErrorResponse(w, "Payout settings not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to read payout settings", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(settings)
}

// VerifyPayoutSettings is the admin verification endpoint.
// @Summary Verify a creator's payout settings
// @Tags payout-settings
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /admin/payout-settings/{creatorId}/verify [post]
func (s *SettingsService) VerifyPayoutSettings(w http.ResponseWriter, r *http.Request) {
	creatorID := chi.URLParam(r, "creatorId")

	err := s.VerifySettings(r.Context(), creatorID)
	if err == ErrSettingsNotFound {
		SendErrorResponse(w, "Payout settings not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to verify payout settings", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": models.SettingsVerified})
}
