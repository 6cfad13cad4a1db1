package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/creatorpay/backend/internal/audit"
	"github.com/creatorpay/backend/internal/config"
	"github.com/creatorpay/backend/internal/models"
	"github.com/creatorpay/backend/internal/vault"
)

// 32 zero bytes, base64. Test key only.
const testEncryptionKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func newSettingsFixture(t *testing.T) (*SettingsService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	v, err := vault.New(&config.EncryptionConfig{Key: testEncryptionKey})
	assert.NoError(t, err)

	ledger := NewLedgerService(db)
	payoutCfg := &config.PayoutConfig{Currency: "EUR"}
	return NewSettingsService(db, ledger, v, audit.NewLogger(nil), payoutCfg), mock
}

func TestSettingsService_UpdateSettings(t *testing.T) {
	ctx := context.Background()

	t.Run("stores encrypted IBAN and returns the masked view", func(t *testing.T) {
		service, mock := newSettingsFixture(t)

		mock.ExpectExec("INSERT INTO payout_settings").
			WithArgs("c1", "Jane Creator", sqlmock.AnyArg(), "3000", "COBADEFFXXX", "DE",
				"", "", "", models.SettingsPendingVerification, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		settings, err := service.UpdateSettings(ctx, "c1", &PayoutSettingsRequest{
			AccountHolderName: "Jane Creator",
			IBAN:              "de89 3704 0044 0532 0130 00",
			BIC:               "cobadeffxxx",
			CountryCode:       "DE",
		})
		assert.NoError(t, err)
		assert.Equal(t, "3000", settings.IBANLast4)
		assert.Equal(t, "COBADEFFXXX", settings.BIC)
		assert.Equal(t, models.SettingsPendingVerification, settings.Status)
		assert.Empty(t, settings.IBANEncrypted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("bad checksum rejected before encryption", func(t *testing.T) {
		service, mock := newSettingsFixture(t)

		_, err := service.UpdateSettings(ctx, "c1", &PayoutSettingsRequest{
			AccountHolderName: "Jane Creator",
			IBAN:              "DE00370400440532013000",
			CountryCode:       "DE",
		})
		var vErr *ValidationError
		assert.ErrorAs(t, err, &vErr)
		assert.Equal(t, "iban", vErr.Field)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("malformed BIC rejected", func(t *testing.T) {
		service, mock := newSettingsFixture(t)

		_, err := service.UpdateSettings(ctx, "c1", &PayoutSettingsRequest{
			AccountHolderName: "Jane Creator",
			IBAN:              "DE89370400440532013000",
			BIC:               "NOPE",
			CountryCode:       "DE",
		})
		var vErr *ValidationError
		assert.ErrorAs(t, err, &vErr)
		assert.Equal(t, "bic", vErr.Field)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSettingsService_GetSettings(t *testing.T) {
	ctx := context.Background()

	t.Run("returns masked row", func(t *testing.T) {
		service, mock := newSettingsFixture(t)

		mock.ExpectQuery("SELECT creator_id, account_holder_name, iban_last4, bic, country_code").
			WithArgs("c1").
			WillReturnRows(sqlmock.NewRows([]string{"creator_id", "account_holder_name", "iban_last4", "bic",
				"country_code", "address_line", "city", "postal_code", "status", "updated_at"}).
				AddRow("c1", "Jane Creator", "3000", "COBADEFFXXX", "DE", "", "", "", models.SettingsVerified, time.Now()))

		settings, err := service.GetSettings(ctx, "c1")
		assert.NoError(t, err)
		assert.Equal(t, "3000", settings.IBANLast4)
		assert.Equal(t, models.SettingsVerified, settings.Status)
	})

	t.Run("missing row", func(t *testing.T) {
		service, mock := newSettingsFixture(t)

		mock.ExpectQuery("SELECT creator_id, account_holder_name, iban_last4, bic, country_code").
			WithArgs("nobody").
			WillReturnRows(sqlmock.NewRows([]string{"creator_id"}))

		_, err := service.GetSettings(ctx, "nobody")
		assert.ErrorIs(t, err, ErrSettingsNotFound)
	})
}

func TestSettingsService_VerifySettings(t *testing.T) {
	ctx := context.Background()

	t.Run("verification releases the pending balance", func(t *testing.T) {
		service, mock := newSettingsFixture(t)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE payout_settings SET status").
			WithArgs(models.SettingsVerified, sqlmock.AnyArg(), "c1", models.SettingsPendingVerification).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT balance FROM ledger_balances").
			WithArgs("pending:c1", "EUR").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("12.00"))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "pending:c1", "EUR", "12.00", "DEBIT", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("e1", time.Now()))
		mock.ExpectExec("INSERT INTO ledger_balances").
			WithArgs("pending:c1", "EUR", "-12.00", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "creator:c1", "EUR", "12.00", "CREDIT", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("e2", time.Now()))
		mock.ExpectExec("INSERT INTO ledger_balances").
			WithArgs("creator:c1", "EUR", "12.00", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := service.VerifySettings(ctx, "c1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("verification with no pending balance still commits", func(t *testing.T) {
		service, mock := newSettingsFixture(t)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE payout_settings SET status").
			WithArgs(models.SettingsVerified, sqlmock.AnyArg(), "c2", models.SettingsPendingVerification).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT balance FROM ledger_balances").
			WithArgs("pending:c2", "EUR").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))
		mock.ExpectCommit()

		err := service.VerifySettings(ctx, "c2")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("re-verifying a verified creator is a no-op", func(t *testing.T) {
		service, mock := newSettingsFixture(t)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE payout_settings SET status").
			WithArgs(models.SettingsVerified, sqlmock.AnyArg(), "c1", models.SettingsPendingVerification).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM payout_settings").
			WithArgs("c1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.SettingsVerified))
		mock.ExpectRollback()

		err := service.VerifySettings(ctx, "c1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown creator", func(t *testing.T) {
		service, mock := newSettingsFixture(t)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE payout_settings SET status").
			WithArgs(models.SettingsVerified, sqlmock.AnyArg(), "nobody", models.SettingsPendingVerification).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM payout_settings").
			WithArgs("nobody").
			WillReturnRows(sqlmock.NewRows([]string{"status"}))
		mock.ExpectRollback()

		err := service.VerifySettings(ctx, "nobody")
		assert.ErrorIs(t, err, ErrSettingsNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
