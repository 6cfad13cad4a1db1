package services

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/creatorpay/backend/internal/audit"
	"github.com/creatorpay/backend/internal/config"
	"github.com/creatorpay/backend/internal/models"
)

func newPayoutFixture(t *testing.T) (*PayoutService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.PayoutConfig{
		MinThresholdCents: 1000,
		Currency:          "EUR",
		Method:            "SEPA",
	}
	ledger := NewLedgerService(db)
	return NewPayoutService(db, ledger, audit.NewLogger(nil), cfg), mock
}

func payoutRow(id, creatorID string, cents int64, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "creator_id", "amount_cents", "currency", "method", "status",
		"period_start", "period_end", "export_batch_id", "bank_reference", "error_reason",
		"created_at", "exported_at", "sent_at", "settled_at"}).
		AddRow(id, creatorID, cents, "EUR", "SEPA", status, now.Add(-24*time.Hour), now, "batch-1",
			nil, nil, now, nil, nil, nil)
}

func TestValidTransition(t *testing.T) {
	allowed := []struct{ from, to string }{
		{models.PayoutCreated, models.PayoutExported},
		{models.PayoutExported, models.PayoutSent},
		{models.PayoutExported, models.PayoutFailed},
		{models.PayoutSent, models.PayoutSettled},
		{models.PayoutSent, models.PayoutFailed},
	}
	for _, tc := range allowed {
		assert.True(t, validTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	forbidden := []struct{ from, to string }{
		{models.PayoutCreated, models.PayoutSent},
		{models.PayoutCreated, models.PayoutSettled},
		{models.PayoutCreated, models.PayoutFailed},
		{models.PayoutExported, models.PayoutCreated},
		{models.PayoutSettled, models.PayoutFailed},
		{models.PayoutFailed, models.PayoutCreated},
		{models.PayoutFailed, models.PayoutSettled},
		{models.PayoutSettled, models.PayoutSent},
	}
	for _, tc := range forbidden {
		assert.False(t, validTransition(tc.from, tc.to), "%s -> %s should be rejected", tc.from, tc.to)
	}
}

func TestPayoutService_GenerateBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("sweeps eligible creators and skips below threshold", func(t *testing.T) {
		service, mock := newPayoutFixture(t)

		mock.ExpectQuery("SELECT ps.creator_id, lb.balance FROM payout_settings ps").
			WithArgs("EUR", models.SettingsVerified).
			WillReturnRows(sqlmock.NewRows([]string{"creator_id", "balance"}).
				AddRow("c1", "25.00").
				AddRow("c2", "5.00"))

		// c1 settles in its own transaction; c2 is below the 10.00 threshold.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT balance FROM ledger_balances").
			WithArgs("creator:c1", "EUR").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("25.00"))
		mock.ExpectQuery("SELECT period_end FROM payouts").
			WithArgs("c1", models.PayoutFailed).
			WillReturnRows(sqlmock.NewRows([]string{"period_end"})) // first payout ever
		mock.ExpectQuery(`SELECT COALESCE\(MIN\(created_at\), NOW\(\)\) FROM ledger_entries`).
			WithArgs("creator:c1", "EUR").
			WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(time.Now().Add(-72 * time.Hour)))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "creator:c1", "EUR", "25.00", "DEBIT", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("e1", time.Now()))
		mock.ExpectExec("INSERT INTO ledger_balances").
			WithArgs("creator:c1", "EUR", "-25.00", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO payouts").
			WithArgs(sqlmock.AnyArg(), "c1", int64(2500), "EUR", "SEPA", models.PayoutCreated,
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		summary, err := service.GenerateBatch(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 1, summary.PayoutsCreated)
		assert.Equal(t, int64(2500), summary.TotalCents)
		assert.Equal(t, 1, summary.SkippedBelowThreshold)
		assert.Equal(t, 0, summary.Failed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("one creator's failure never rolls back another's payout", func(t *testing.T) {
		service, mock := newPayoutFixture(t)

		mock.ExpectQuery("SELECT ps.creator_id, lb.balance FROM payout_settings ps").
			WithArgs("EUR", models.SettingsVerified).
			WillReturnRows(sqlmock.NewRows([]string{"creator_id", "balance"}).
				AddRow("c1", "25.00").
				AddRow("c2", "40.00"))

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT balance FROM ledger_balances").
			WithArgs("creator:c1", "EUR").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("25.00"))
		mock.ExpectQuery("SELECT period_end FROM payouts").
			WithArgs("c1", models.PayoutFailed).
			WillReturnError(assert.AnError)
		mock.ExpectRollback()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT balance FROM ledger_balances").
			WithArgs("creator:c2", "EUR").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("40.00"))
		mock.ExpectQuery("SELECT period_end FROM payouts").
			WithArgs("c2", models.PayoutFailed).
			WillReturnRows(sqlmock.NewRows([]string{"period_end"}).AddRow(time.Now().Add(-24 * time.Hour)))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "creator:c2", "EUR", "40.00", "DEBIT", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("e1", time.Now()))
		mock.ExpectExec("INSERT INTO ledger_balances").
			WithArgs("creator:c2", "EUR", "-40.00", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO payouts").
			WithArgs(sqlmock.AnyArg(), "c2", int64(4000), "EUR", "SEPA", models.PayoutCreated,
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		summary, err := service.GenerateBatch(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 1, summary.PayoutsCreated)
		assert.Equal(t, 1, summary.Failed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("balance swept by a concurrent run is skipped, not debited", func(t *testing.T) {
		service, mock := newPayoutFixture(t)

		mock.ExpectQuery("SELECT ps.creator_id, lb.balance FROM payout_settings ps").
			WithArgs("EUR", models.SettingsVerified).
			WillReturnRows(sqlmock.NewRows([]string{"creator_id", "balance"}).
				AddRow("c1", "25.00"))

		// Another generation run drained the account between the candidate
		// scan and our row lock. The locked re-read decides, not the scan.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT balance FROM ledger_balances").
			WithArgs("creator:c1", "EUR").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("0.00"))
		mock.ExpectRollback()

		summary, err := service.GenerateBatch(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 0, summary.PayoutsCreated)
		assert.Equal(t, int64(0), summary.TotalCents)
		assert.Equal(t, 1, summary.SkippedBelowThreshold)
		assert.Equal(t, 0, summary.Failed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPayoutService_UpdateStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("created to exported", func(t *testing.T) {
		service, mock := newPayoutFixture(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, creator_id, amount_cents, currency, method, status").
			WithArgs("po_1").
			WillReturnRows(payoutRow("po_1", "c1", 2500, models.PayoutCreated))
		mock.ExpectExec("UPDATE payouts").
			WithArgs(models.PayoutExported, nil, nil, sqlmock.AnyArg(), nil, nil, "po_1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		payout, err := service.UpdateStatus(ctx, "po_1", models.PayoutExported, "", "")
		assert.NoError(t, err)
		assert.Equal(t, models.PayoutExported, payout.Status)
		assert.NotNil(t, payout.ExportedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("blank reference and reason persist as NULL", func(t *testing.T) {
		service, mock := newPayoutFixture(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, creator_id, amount_cents, currency, method, status").
			WithArgs("po_1").
			WillReturnRows(payoutRow("po_1", "c1", 2500, models.PayoutExported))
		// The partial unique index on bank_reference ignores NULL but not ''.
		// Two referenceless payouts must never collide on an empty string.
		mock.ExpectExec("UPDATE payouts").
			WithArgs(models.PayoutSent, nil, nil, nil, sqlmock.AnyArg(), nil, "po_1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		payout, err := service.UpdateStatus(ctx, "po_1", models.PayoutSent, "", "")
		assert.NoError(t, err)
		assert.Empty(t, payout.BankReference)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed transition books the reversal credit", func(t *testing.T) {
		service, mock := newPayoutFixture(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, creator_id, amount_cents, currency, method, status").
			WithArgs("po_1").
			WillReturnRows(payoutRow("po_1", "c1", 2500, models.PayoutSent))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "creator:c1", "EUR", "25.00", "CREDIT", "po_1:reversal", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("e9", time.Now()))
		mock.ExpectExec("INSERT INTO ledger_balances").
			WithArgs("creator:c1", "EUR", "25.00", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE payouts").
			WithArgs(models.PayoutFailed, "ref-9", "insufficient funds", nil, nil, nil, "po_1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		payout, err := service.UpdateStatus(ctx, "po_1", models.PayoutFailed, "ref-9", "insufficient funds")
		assert.NoError(t, err)
		assert.Equal(t, models.PayoutFailed, payout.Status)
		assert.Equal(t, "insufficient funds", payout.ErrorReason)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("repeated failure report does not credit twice", func(t *testing.T) {
		service, mock := newPayoutFixture(t)

		// FAILED is terminal, so a repeated report never reaches the ledger.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, creator_id, amount_cents, currency, method, status").
			WithArgs("po_1").
			WillReturnRows(payoutRow("po_1", "c1", 2500, models.PayoutFailed))
		mock.ExpectRollback()

		_, err := service.UpdateStatus(ctx, "po_1", models.PayoutFailed, "", "")
		var stateErr *PayoutStateError
		assert.ErrorAs(t, err, &stateErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("skipping a state is rejected", func(t *testing.T) {
		service, mock := newPayoutFixture(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, creator_id, amount_cents, currency, method, status").
			WithArgs("po_1").
			WillReturnRows(payoutRow("po_1", "c1", 2500, models.PayoutCreated))
		mock.ExpectRollback()

		_, err := service.UpdateStatus(ctx, "po_1", models.PayoutSettled, "", "")
		var stateErr *PayoutStateError
		assert.ErrorAs(t, err, &stateErr)
		assert.Equal(t, models.PayoutCreated, stateErr.From)
		assert.Equal(t, models.PayoutSettled, stateErr.To)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("bank reference already taken", func(t *testing.T) {
		service, mock := newPayoutFixture(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, creator_id, amount_cents, currency, method, status").
			WithArgs("po_1").
			WillReturnRows(payoutRow("po_1", "c1", 2500, models.PayoutCreated))
		mock.ExpectExec("UPDATE payouts").
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		_, err := service.UpdateStatus(ctx, "po_1", models.PayoutExported, "ref-dup", "")
		var vErr *ValidationError
		assert.ErrorAs(t, err, &vErr)
		assert.Equal(t, "bank_reference", vErr.Field)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown payout", func(t *testing.T) {
		service, mock := newPayoutFixture(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, creator_id, amount_cents, currency, method, status").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		_, err := service.UpdateStatus(ctx, "missing", models.PayoutExported, "", "")
		assert.ErrorIs(t, err, ErrPayoutNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPayoutService_FindByBankReference(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves the payout id", func(t *testing.T) {
		service, mock := newPayoutFixture(t)

		mock.ExpectQuery("SELECT id FROM payouts WHERE bank_reference").
			WithArgs("ref-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("po_1"))

		id, err := service.FindByBankReference(ctx, "ref-1")
		assert.NoError(t, err)
		assert.Equal(t, "po_1", id)
	})

	t.Run("unknown reference", func(t *testing.T) {
		service, mock := newPayoutFixture(t)

		mock.ExpectQuery("SELECT id FROM payouts WHERE bank_reference").
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := service.FindByBankReference(ctx, "nope")
		assert.ErrorIs(t, err, ErrPayoutNotFound)
	})
}

func TestPayoutService_ExportBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("writes masked CSV and marks the batch exported", func(t *testing.T) {
		service, mock := newPayoutFixture(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT p.id, p.creator_id, ps.account_holder_name, ps.iban_last4").
			WithArgs("batch-1", models.PayoutCreated, models.PayoutExported).
			WillReturnRows(sqlmock.NewRows([]string{"id", "creator_id", "account_holder_name", "iban_last4",
				"amount_cents", "currency", "bank_reference"}).
				AddRow("po_1", "c1", "Jane Creator", "3000", int64(2500), "EUR", nil).
				AddRow("po_2", "c2", "Sam Maker", "9914", int64(4000), "EUR", "ref-2"))
		mock.ExpectExec("UPDATE payouts SET status").
			WithArgs(models.PayoutExported, sqlmock.AnyArg(), "batch-1", models.PayoutCreated).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		var buf bytes.Buffer
		count, err := service.ExportBatch(ctx, "batch-1", &buf)
		assert.NoError(t, err)
		assert.Equal(t, 2, count)

		out := buf.String()
		lines := strings.Split(strings.TrimSpace(out), "\n")
		assert.Len(t, lines, 3)
		assert.Contains(t, out, "****3000")
		assert.Contains(t, out, "****9914")
		assert.NotContains(t, out, "DE89")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty batch still writes the header", func(t *testing.T) {
		service, mock := newPayoutFixture(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT p.id, p.creator_id, ps.account_holder_name, ps.iban_last4").
			WithArgs("batch-x", models.PayoutCreated, models.PayoutExported).
			WillReturnRows(sqlmock.NewRows([]string{"id", "creator_id", "account_holder_name", "iban_last4",
				"amount_cents", "currency", "bank_reference"}))
		mock.ExpectExec("UPDATE payouts SET status").
			WithArgs(models.PayoutExported, sqlmock.AnyArg(), "batch-x", models.PayoutCreated).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		var buf bytes.Buffer
		count, err := service.ExportBatch(ctx, "batch-x", &buf)
		assert.NoError(t, err)
		assert.Equal(t, 0, count)
		assert.Contains(t, buf.String(), "payout_id,creator_id,account_holder,iban_masked")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
