package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	paymentdomain "github.com/smallbiznis/recovery/internal/payment/domain"
	"github.com/smallbiznis/recovery/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := conn.AutoMigrate(&paymentdomain.Payment{}, &paymentdomain.PaymentRetry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func retryRow(id int64, invoiceID int64, attempt int, status paymentdomain.PaymentStatus, key *string) *paymentdomain.PaymentRetry {
	return &paymentdomain.PaymentRetry{
		ID:             snowflake.ID(id),
		InvoiceID:      snowflake.ID(invoiceID),
		AttemptNumber:  attempt,
		Status:         status,
		Method:         "card",
		IdempotencyKey: key,
		CreatedAt:      time.Date(2026, 2, 1, 0, attempt, 0, 0, time.UTC),
	}
}

func TestLedgerAppendCountAndOrder(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()
	ledger := ProvideLedger()

	require.NoError(t, ledger.AppendRetry(ctx, conn, retryRow(2, 1, 2, paymentdomain.PaymentStatusSuccess, nil)))
	require.NoError(t, ledger.AppendRetry(ctx, conn, retryRow(1, 1, 1, paymentdomain.PaymentStatusFailed, nil)))
	require.NoError(t, ledger.AppendRetry(ctx, conn, retryRow(3, 2, 1, paymentdomain.PaymentStatusFailed, nil)))

	count, err := ledger.CountRetries(ctx, conn, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	retries, err := ledger.ListRetries(ctx, conn, 1)
	require.NoError(t, err)
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].AttemptNumber)
	assert.Equal(t, 2, retries[1].AttemptNumber)
	assert.True(t, retries[1].Succeeded())

	all, err := ledger.ListRetriesByInvoiceIDs(ctx, conn, []snowflake.ID{1, 2})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLedgerRejectsDuplicateAttemptNumber(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()
	ledger := ProvideLedger()

	require.NoError(t, ledger.AppendRetry(ctx, conn, retryRow(1, 1, 1, paymentdomain.PaymentStatusFailed, nil)))
	err := ledger.AppendRetry(ctx, conn, retryRow(2, 1, 1, paymentdomain.PaymentStatusFailed, nil))
	require.Error(t, err)
	assert.True(t, db.IsDuplicateKeyErr(err))
}

func TestFindRetryByIdempotencyKey(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()
	ledger := ProvideLedger()

	key := "dunning:1:1"
	require.NoError(t, ledger.AppendRetry(ctx, conn, retryRow(1, 1, 1, paymentdomain.PaymentStatusFailed, &key)))

	found, err := ledger.FindRetryByIdempotencyKey(ctx, conn, 1, key)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, 1, found.AttemptNumber)

	other, err := ledger.FindRetryByIdempotencyKey(ctx, conn, 2, key)
	require.NoError(t, err)
	assert.Nil(t, other)

	empty, err := ledger.FindRetryByIdempotencyKey(ctx, conn, 1, "")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestPaymentsByInvoiceIDs(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()
	payments := Provide()

	require.NoError(t, payments.InsertPayment(ctx, conn, &paymentdomain.Payment{
		ID: 1, InvoiceID: 7, Amount: 4900, Currency: "USD", Method: "card",
		Status: paymentdomain.PaymentStatusSuccess, TransactionRef: "txn_1",
		CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}))

	list, err := payments.ListPaymentsByInvoiceIDs(ctx, conn, []snowflake.ID{7, 8})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "txn_1", list[0].TransactionRef)

	none, err := payments.ListPaymentsByInvoiceIDs(ctx, conn, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}
