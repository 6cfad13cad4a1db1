package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"

	"github.com/creatorpay/backend/internal/config"
	"github.com/creatorpay/backend/internal/models"
)

func newEarningsFixture(t *testing.T) (*EarningsService, sqlmock.Sqlmock, redismock.ClientMock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	redisClient, redisMock := redismock.NewClientMock()
	ledger := NewLedgerService(db)
	cfg := &config.PayoutConfig{Currency: "EUR"}
	return NewEarningsService(db, ledger, redisClient, cfg), mock, redisMock
}

func TestEarningsService_GetSummary(t *testing.T) {
	ctx := context.Background()

	t.Run("cache miss builds the summary and fills the cache", func(t *testing.T) {
		service, mock, redisMock := newEarningsFixture(t)

		redisMock.ExpectGet("earnings:c1").RedisNil()
		mock.ExpectQuery("SELECT balance FROM ledger_balances").
			WithArgs("creator:c1", "EUR").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("120.75"))
		mock.ExpectQuery("SELECT balance FROM ledger_balances").
			WithArgs("pending:c1", "EUR").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("10.00"))
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount_cents\), 0\) FROM payouts`).
			WithArgs("c1", models.PayoutSettled).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(5000)))
		mock.ExpectQuery("SELECT created_at, status FROM payouts").
			WithArgs("c1").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "status"})) // no payouts yet

		expected := &EarningsSummary{
			CreatorID:         "c1",
			Currency:          "EUR",
			AvailableBalance:  "120.75",
			PendingBalance:    "10.00",
			TotalPaidOutCents: 5000,
		}
		cached, err := json.Marshal(expected)
		assert.NoError(t, err)
		redisMock.ExpectSet("earnings:c1", cached, earningsCacheTTL).SetVal("OK")

		summary, err := service.GetSummary(ctx, "c1")
		assert.NoError(t, err)
		assert.Equal(t, expected, summary)
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("cache hit skips the database entirely", func(t *testing.T) {
		service, mock, redisMock := newEarningsFixture(t)

		cached, err := json.Marshal(&EarningsSummary{
			CreatorID:        "c1",
			Currency:         "EUR",
			AvailableBalance: "99.00",
			PendingBalance:   "0.00",
		})
		assert.NoError(t, err)
		redisMock.ExpectGet("earnings:c1").SetVal(string(cached))

		summary, err := service.GetSummary(ctx, "c1")
		assert.NoError(t, err)
		assert.Equal(t, "99.00", summary.AvailableBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("includes the most recent payout when one exists", func(t *testing.T) {
		service, mock, redisMock := newEarningsFixture(t)
		lastAt := time.Now().Add(-48 * time.Hour).UTC()

		redisMock.ExpectGet("earnings:c2").RedisNil()
		mock.ExpectQuery("SELECT balance FROM ledger_balances").
			WithArgs("creator:c2", "EUR").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))
		mock.ExpectQuery("SELECT balance FROM ledger_balances").
			WithArgs("pending:c2", "EUR").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount_cents\), 0\) FROM payouts`).
			WithArgs("c2", models.PayoutSettled).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(2500)))
		mock.ExpectQuery("SELECT created_at, status FROM payouts").
			WithArgs("c2").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "status"}).
				AddRow(lastAt, models.PayoutSettled))
		redisMock.Regexp().ExpectSet("earnings:c2", `.*`, earningsCacheTTL).SetVal("OK")

		summary, err := service.GetSummary(ctx, "c2")
		assert.NoError(t, err)
		assert.Equal(t, "0.00", summary.AvailableBalance)
		assert.Equal(t, int64(2500), summary.TotalPaidOutCents)
		assert.NotNil(t, summary.LastPayoutAt)
		assert.Equal(t, models.PayoutSettled, summary.LastPayoutStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
