package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/recovery/internal/clock"
	"github.com/smallbiznis/recovery/internal/config"
	"github.com/smallbiznis/recovery/internal/gateway"
	invoicedomain "github.com/smallbiznis/recovery/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/recovery/internal/invoice/repository"
	paymentdomain "github.com/smallbiznis/recovery/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/recovery/internal/payment/repository"
	recoverydomain "github.com/smallbiznis/recovery/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/recovery/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/recovery/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type countingGateway struct {
	inner gateway.Gateway
	calls atomic.Int32
}

func (g *countingGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	g.calls.Add(1)
	return g.inner.Charge(ctx, req)
}

type erroringGateway struct{}

func (erroringGateway) Charge(context.Context, gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	return nil, errors.New("connection reset by peer")
}

type harness struct {
	db      *gorm.DB
	svc     recoverydomain.Service
	gateway *countingGateway
	clock   *clock.FakeClock
	node    *snowflake.Node
}

func newHarness(t *testing.T, gw gateway.Gateway, cfg config.RecoveryConfig) *harness {
	t.Helper()

	// file backed so a connection discarded on timeout does not drop the schema
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "recovery.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&invoicedomain.Invoice{},
		&subscriptiondomain.Subscription{},
		&paymentdomain.Payment{},
		&paymentdomain.PaymentRetry{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	counting := &countingGateway{inner: gw}
	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	svc := New(Params{
		DB:               db,
		Log:              zaptest.NewLogger(t),
		Clock:            fakeClock,
		GenID:            node,
		Config:           config.NewStaticRecoveryConfig(cfg),
		Gateway:          counting,
		InvoiceRepo:      invoicerepo.Provide(),
		SubscriptionRepo: subscriptionrepo.Provide(),
		PaymentRepo:      paymentrepo.Provide(),
		LedgerRepo:       paymentrepo.ProvideLedger(),
	})

	return &harness{db: db, svc: svc, gateway: counting, clock: fakeClock, node: node}
}

func defaultConfig() config.RecoveryConfig {
	return config.DefaultRecoveryConfig()
}

func (h *harness) seed(t *testing.T, invoiceStatus invoicedomain.InvoiceStatus, subStatus subscriptiondomain.SubscriptionStatus) (snowflake.ID, snowflake.ID) {
	t.Helper()
	now := h.clock.Now()

	subID := h.node.Generate()
	require.NoError(t, h.db.Create(&subscriptiondomain.Subscription{
		ID:         subID,
		CustomerID: 500,
		ProductID:  600,
		Status:     subStatus,
		StartAt:    now.AddDate(0, -6, 0),
		CreatedAt:  now,
		UpdatedAt:  now,
	}).Error)

	invoiceID := h.node.Generate()
	require.NoError(t, h.db.Create(&invoicedomain.Invoice{
		ID:             invoiceID,
		CustomerID:     500,
		SubscriptionID: &subID,
		InvoiceNumber:  "INV-" + invoiceID.String(),
		Status:         invoiceStatus,
		AmountDue:      9900,
		Currency:       "USD",
		CreatedAt:      now,
		UpdatedAt:      now,
	}).Error)

	return invoiceID, subID
}

func (h *harness) invoice(t *testing.T, id snowflake.ID) invoicedomain.Invoice {
	t.Helper()
	var inv invoicedomain.Invoice
	require.NoError(t, h.db.First(&inv, "id = ?", id).Error)
	return inv
}

func (h *harness) subscription(t *testing.T, id snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	var sub subscriptiondomain.Subscription
	require.NoError(t, h.db.First(&sub, "id = ?", id).Error)
	return sub
}

func (h *harness) ledger(t *testing.T, invoiceID snowflake.ID) []paymentdomain.PaymentRetry {
	t.Helper()
	var rows []paymentdomain.PaymentRetry
	require.NoError(t, h.db.Where("invoice_id = ?", invoiceID).Order("attempt_number ASC").Find(&rows).Error)
	return rows
}

func (h *harness) payments(t *testing.T, invoiceID snowflake.ID) []paymentdomain.Payment {
	t.Helper()
	var rows []paymentdomain.Payment
	require.NoError(t, h.db.Where("invoice_id = ?", invoiceID).Find(&rows).Error)
	return rows
}

func retry(h *harness, invoiceID snowflake.ID) (*recoverydomain.PaymentResult, error) {
	return h.svc.RetryPayment(context.Background(), recoverydomain.RetryPaymentRequest{InvoiceID: invoiceID.String()})
}

func TestRetryPaymentRecoversOnThirdAttempt(t *testing.T) {
	h := newHarness(t, gateway.NewStub(gateway.SequencePredicate(false, false, true)), defaultConfig())
	invoiceID, subID := h.seed(t, invoicedomain.InvoiceStatusFailed, subscriptiondomain.SubscriptionStatusAtRisk)

	first, err := retry(h, invoiceID)
	require.NoError(t, err)
	assert.False(t, first.Success)
	assert.Equal(t, 1, first.AttemptNumber)
	assert.Equal(t, 2, first.RetriesRemaining)
	require.NotNil(t, first.Error)
	assert.Equal(t, recoverydomain.OutcomeGatewayFailure, first.Error.Kind)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusAtRisk, first.SubscriptionStatus)

	second, err := retry(h, invoiceID)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, 2, second.AttemptNumber)

	third, err := retry(h, invoiceID)
	require.NoError(t, err)
	assert.True(t, third.Success)
	assert.Equal(t, 3, third.AttemptNumber)
	assert.Equal(t, 0, third.RetriesRemaining)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, third.InvoiceStatus)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, third.SubscriptionStatus)
	assert.NotEmpty(t, third.PaymentID)
	assert.Nil(t, third.Error)

	rows := h.ledger(t, invoiceID)
	require.Len(t, rows, 3)
	assert.Equal(t, paymentdomain.PaymentStatusFailed, rows[0].Status)
	assert.Equal(t, paymentdomain.PaymentStatusFailed, rows[1].Status)
	assert.Equal(t, paymentdomain.PaymentStatusSuccess, rows[2].Status)

	inv := h.invoice(t, invoiceID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, inv.Status)
	assert.NotNil(t, inv.PaidAt)

	sub := h.subscription(t, subID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Nil(t, sub.ClosedReason)

	payments := h.payments(t, invoiceID)
	require.Len(t, payments, 1)
	assert.Equal(t, paymentdomain.PaymentStatusSuccess, payments[0].Status)
	assert.Equal(t, int64(9900), payments[0].Amount)
	assert.Equal(t, third.TransactionRef, payments[0].TransactionRef)

	_, err = retry(h, invoiceID)
	assert.ErrorIs(t, err, recoverydomain.ErrInvalidState)
}

func TestRetryPaymentClosesSubscriptionWhenBudgetExhausted(t *testing.T) {
	h := newHarness(t, gateway.NewStub(gateway.AlwaysFail), defaultConfig())
	invoiceID, subID := h.seed(t, invoicedomain.InvoiceStatusFailed, subscriptiondomain.SubscriptionStatusAtRisk)

	for attempt := 1; attempt <= 3; attempt++ {
		result, err := retry(h, invoiceID)
		require.NoError(t, err)
		assert.Equal(t, attempt, result.AttemptNumber)
		assert.False(t, result.Success)
	}

	sub := h.subscription(t, subID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusClosed, sub.Status)
	require.NotNil(t, sub.ClosedReason)
	assert.Equal(t, subscriptiondomain.ClosedReasonPaymentFailure, *sub.ClosedReason)
	assert.NotNil(t, sub.ClosedAt)
	assert.Equal(t, invoicedomain.InvoiceStatusFailed, h.invoice(t, invoiceID).Status)

	_, err := retry(h, invoiceID)
	require.Error(t, err)
	assert.ErrorIs(t, err, recoverydomain.ErrRetryBudgetExhausted)
	assert.Equal(t, recoverydomain.KindRetryBudgetExhausted, recoverydomain.KindOf(err))
	assert.Len(t, h.ledger(t, invoiceID), 3)
	assert.Equal(t, int32(3), h.gateway.calls.Load())
	assert.Empty(t, h.payments(t, invoiceID))
}

func TestRetryPaymentExhaustionMovesActiveSubscriptionThroughAtRisk(t *testing.T) {
	h := newHarness(t, gateway.NewStub(gateway.AlwaysFail), config.RecoveryConfig{MaxRetries: 1})
	invoiceID, subID := h.seed(t, invoicedomain.InvoiceStatusFailed, subscriptiondomain.SubscriptionStatusActive)

	result, err := retry(h, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusClosed, result.SubscriptionStatus)

	sub := h.subscription(t, subID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusClosed, sub.Status)
	assert.NotNil(t, sub.AtRiskAt)
}

func TestRetryPaymentLeavesDraftSubscriptionUntouched(t *testing.T) {
	h := newHarness(t, gateway.NewStub(gateway.AlwaysFail), config.RecoveryConfig{MaxRetries: 1})
	invoiceID, subID := h.seed(t, invoicedomain.InvoiceStatusFailed, subscriptiondomain.SubscriptionStatusDraft)

	_, err := retry(h, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusDraft, h.subscription(t, subID).Status)
}

func TestRetryPaymentRejectsNonFailedInvoices(t *testing.T) {
	for _, status := range []invoicedomain.InvoiceStatus{
		invoicedomain.InvoiceStatusPaid,
		invoicedomain.InvoiceStatusConfirmed,
		invoicedomain.InvoiceStatusDraft,
	} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t, gateway.NewStub(gateway.AlwaysSucceed), defaultConfig())
			invoiceID, subID := h.seed(t, status, subscriptiondomain.SubscriptionStatusActive)

			_, err := retry(h, invoiceID)
			require.Error(t, err)
			assert.ErrorIs(t, err, recoverydomain.ErrInvalidState)

			assert.Empty(t, h.ledger(t, invoiceID))
			assert.Empty(t, h.payments(t, invoiceID))
			assert.Equal(t, int32(0), h.gateway.calls.Load())
			assert.Equal(t, status, h.invoice(t, invoiceID).Status)
			assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, h.subscription(t, subID).Status)
		})
	}
}

func TestRetryPaymentInputErrors(t *testing.T) {
	h := newHarness(t, gateway.NewStub(gateway.AlwaysSucceed), defaultConfig())

	_, err := h.svc.RetryPayment(context.Background(), recoverydomain.RetryPaymentRequest{InvoiceID: "12345"})
	assert.ErrorIs(t, err, recoverydomain.ErrNotFound)

	_, err = h.svc.RetryPayment(context.Background(), recoverydomain.RetryPaymentRequest{InvoiceID: "not-a-number"})
	assert.ErrorIs(t, err, recoverydomain.ErrInvalidRequest)

	_, err = h.svc.RetryPayment(context.Background(), recoverydomain.RetryPaymentRequest{InvoiceID: ""})
	assert.ErrorIs(t, err, recoverydomain.ErrInvalidRequest)
}

func TestRetryPaymentSoftDeletedInvoiceIsNotFound(t *testing.T) {
	h := newHarness(t, gateway.NewStub(gateway.AlwaysSucceed), defaultConfig())
	invoiceID, _ := h.seed(t, invoicedomain.InvoiceStatusFailed, subscriptiondomain.SubscriptionStatusAtRisk)
	require.NoError(t, h.db.Delete(&invoicedomain.Invoice{}, invoiceID).Error)

	_, err := retry(h, invoiceID)
	assert.ErrorIs(t, err, recoverydomain.ErrNotFound)
}

func TestConcurrentRetriesNeverShareAnAttemptNumber(t *testing.T) {
	h := newHarness(t, gateway.NewStub(gateway.AlwaysFail), defaultConfig())
	invoiceID, _ := h.seed(t, invoicedomain.InvoiceStatusFailed, subscriptiondomain.SubscriptionStatusAtRisk)

	const workers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		attempts  []int
		exhausted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := retry(h, invoiceID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, recoverydomain.ErrRetryBudgetExhausted) {
					exhausted++
				}
				return
			}
			attempts = append(attempts, result.AttemptNumber)
		}()
	}
	wg.Wait()

	sort.Ints(attempts)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, workers-3, exhausted)

	rows := h.ledger(t, invoiceID)
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, i+1, row.AttemptNumber)
	}
}

func TestRetryPaymentLockWaitTimeoutRollsBack(t *testing.T) {
	cfg := defaultConfig()
	cfg.RetryTimeout = 50 * time.Millisecond
	h := newHarness(t, gateway.NewStub(gateway.AlwaysSucceed), cfg)
	invoiceID, subID := h.seed(t, invoicedomain.InvoiceStatusFailed, subscriptiondomain.SubscriptionStatusAtRisk)

	// the only pooled connection is held, so the retry waits until its deadline
	blocker := h.db.Begin()
	require.NoError(t, blocker.Error)
	_, err := retry(h, invoiceID)
	require.NoError(t, blocker.Rollback().Error)

	require.Error(t, err)
	assert.ErrorIs(t, err, recoverydomain.ErrTransactionAborted)
	assert.True(t, recoverydomain.IsRetryable(err))
	assert.Equal(t, int32(0), h.gateway.calls.Load())

	assert.Empty(t, h.ledger(t, invoiceID))
	assert.Empty(t, h.payments(t, invoiceID))
	assert.Equal(t, invoicedomain.InvoiceStatusFailed, h.invoice(t, invoiceID).Status)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusAtRisk, h.subscription(t, subID).Status)
}

func TestRetryPaymentSlowChargeIsStillRecorded(t *testing.T) {
	cfg := defaultConfig()
	cfg.RetryTimeout = 50 * time.Millisecond
	h := newHarness(t, gateway.NewStub(gateway.AlwaysSucceed, gateway.WithLatency(200*time.Millisecond)), cfg)
	invoiceID, subID := h.seed(t, invoicedomain.InvoiceStatusFailed, subscriptiondomain.SubscriptionStatusAtRisk)

	result, err := retry(h, invoiceID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int32(1), h.gateway.calls.Load())

	rows := h.ledger(t, invoiceID)
	require.Len(t, rows, 1)
	assert.Equal(t, paymentdomain.PaymentStatusSuccess, rows[0].Status)
	assert.Equal(t, result.TransactionRef, rows[0].TransactionRef)
	require.Len(t, h.payments(t, invoiceID), 1)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, h.invoice(t, invoiceID).Status)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, h.subscription(t, subID).Status)
}

type cancellingGateway struct {
	inner  gateway.Gateway
	cancel context.CancelFunc
}

func (g cancellingGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	g.cancel()
	return g.inner.Charge(ctx, req)
}

func TestRetryPaymentCallerCancelAfterDispatchKeepsOutcome(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, cancellingGateway{inner: gateway.NewStub(gateway.AlwaysSucceed), cancel: cancel}, defaultConfig())
	invoiceID, _ := h.seed(t, invoicedomain.InvoiceStatusFailed, subscriptiondomain.SubscriptionStatusAtRisk)

	result, err := h.svc.RetryPayment(ctx, recoverydomain.RetryPaymentRequest{InvoiceID: invoiceID.String(), IdempotencyKey: "dunning:1:1"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Error(t, ctx.Err())

	require.Len(t, h.ledger(t, invoiceID), 1)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, h.invoice(t, invoiceID).Status)
}

func TestProcessPaymentSlowChargeIsStillRecorded(t *testing.T) {
	cfg := defaultConfig()
	cfg.RetryTimeout = 50 * time.Millisecond
	h := newHarness(t, gateway.NewStub(gateway.AlwaysFail, gateway.WithLatency(200*time.Millisecond)), cfg)
	invoiceID, _ := h.seed(t, invoicedomain.InvoiceStatusConfirmed, subscriptiondomain.SubscriptionStatusActive)

	result, err := h.svc.ProcessPayment(context.Background(), recoverydomain.ProcessPaymentRequest{InvoiceID: invoiceID.String()})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, invoicedomain.InvoiceStatusFailed, h.invoice(t, invoiceID).Status)
	require.Len(t, h.payments(t, invoiceID), 1)
}

func TestEncodeResponseKeepsUnencodablePayloadError(t *testing.T) {
	s := &Service{log: zaptest.NewLogger(t)}

	assert.JSONEq(t, `{}`, string(s.encodeResponse(context.Background(), nil)))
	assert.JSONEq(t, `{"code":"ok"}`, string(s.encodeResponse(context.Background(), map[string]any{"code": "ok"})))

	raw := s.encodeResponse(context.Background(), map[string]any{"callback": func() {}})
	assert.Contains(t, string(raw), "encode_error")
	assert.True(t, json.Valid(raw))
}

func TestRetryPaymentIdempotencyKeyReplays(t *testing.T) {
	h := newHarness(t, gateway.NewStub(gateway.SequencePredicate(false, true)), defaultConfig())
	invoiceID, _ := h.seed(t, invoicedomain.InvoiceStatusFailed, subscriptiondomain.SubscriptionStatusAtRisk)
	ctx := context.Background()

	req := recoverydomain.RetryPaymentRequest{InvoiceID: invoiceID.String(), IdempotencyKey: "dunning:1:1"}
	first, err := h.svc.RetryPayment(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Success)
	assert.False(t, first.Replayed)

	again, err := h.svc.RetryPayment(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.False(t, again.Success)
	assert.Equal(t, 1, again.AttemptNumber)
	assert.Equal(t, first.TransactionRef, again.TransactionRef)
	require.NotNil(t, again.Error)
	assert.Equal(t, "card_declined", again.Error.Message)

	assert.Equal(t, int32(1), h.gateway.calls.Load())
	assert.Len(t, h.ledger(t, invoiceID), 1)

	second, err := h.svc.RetryPayment(ctx, recoverydomain.RetryPaymentRequest{InvoiceID: invoiceID.String(), IdempotencyKey: "dunning:1:2"})
	require.NoError(t, err)
	assert.True(t, second.Success)

	// replay after the invoice is paid still answers with the stored outcome
	replayPaid, err := h.svc.RetryPayment(ctx, recoverydomain.RetryPaymentRequest{InvoiceID: invoiceID.String(), IdempotencyKey: "dunning:1:2"})
	require.NoError(t, err)
	assert.True(t, replayPaid.Replayed)
	assert.True(t, replayPaid.Success)
	assert.Equal(t, second.PaymentID, replayPaid.PaymentID)
}

func TestRetryPaymentRecordsGatewayErrorsAsFailedAttempts(t *testing.T) {
	h := newHarness(t, erroringGateway{}, defaultConfig())
	invoiceID, _ := h.seed(t, invoicedomain.InvoiceStatusFailed, subscriptiondomain.SubscriptionStatusAtRisk)

	result, err := retry(h, invoiceID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, "connection reset by peer", result.Error.Message)

	rows := h.ledger(t, invoiceID)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Equal(t, "connection reset by peer", *rows[0].ErrorMessage)
}

func TestProcessPaymentSuccess(t *testing.T) {
	h := newHarness(t, gateway.NewStub(gateway.AlwaysSucceed), defaultConfig())
	invoiceID, subID := h.seed(t, invoicedomain.InvoiceStatusConfirmed, subscriptiondomain.SubscriptionStatusActive)

	result, err := h.svc.ProcessPayment(context.Background(), recoverydomain.ProcessPaymentRequest{InvoiceID: invoiceID.String(), Method: "bank_transfer"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, result.InvoiceStatus)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, result.SubscriptionStatus)

	payments := h.payments(t, invoiceID)
	require.Len(t, payments, 1)
	assert.Equal(t, paymentdomain.PaymentStatusSuccess, payments[0].Status)
	assert.Equal(t, "bank_transfer", payments[0].Method)
	assert.Empty(t, h.ledger(t, invoiceID))
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, h.subscription(t, subID).Status)
}

func TestProcessPaymentFailureMarksInvoiceAndSubscription(t *testing.T) {
	h := newHarness(t, gateway.NewStub(gateway.AlwaysFail), defaultConfig())
	invoiceID, subID := h.seed(t, invoicedomain.InvoiceStatusConfirmed, subscriptiondomain.SubscriptionStatusActive)

	result, err := h.svc.ProcessPayment(context.Background(), recoverydomain.ProcessPaymentRequest{InvoiceID: invoiceID.String()})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, invoicedomain.InvoiceStatusFailed, result.InvoiceStatus)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusAtRisk, result.SubscriptionStatus)
	assert.Equal(t, 3, result.RetriesRemaining)

	payments := h.payments(t, invoiceID)
	require.Len(t, payments, 1)
	assert.Equal(t, paymentdomain.PaymentStatusFailed, payments[0].Status)
	assert.Equal(t, "card", payments[0].Method)

	inv := h.invoice(t, invoiceID)
	assert.NotNil(t, inv.FailedAt)
	sub := h.subscription(t, subID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusAtRisk, sub.Status)
	assert.NotNil(t, sub.AtRiskAt)
	assert.Empty(t, h.ledger(t, invoiceID))
}

func TestProcessPaymentRejectsNonConfirmedInvoices(t *testing.T) {
	for _, status := range []invoicedomain.InvoiceStatus{
		invoicedomain.InvoiceStatusPaid,
		invoicedomain.InvoiceStatusFailed,
		invoicedomain.InvoiceStatusDraft,
	} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t, gateway.NewStub(gateway.AlwaysSucceed), defaultConfig())
			invoiceID, _ := h.seed(t, status, subscriptiondomain.SubscriptionStatusActive)

			_, err := h.svc.ProcessPayment(context.Background(), recoverydomain.ProcessPaymentRequest{InvoiceID: invoiceID.String()})
			assert.ErrorIs(t, err, recoverydomain.ErrInvalidState)
			assert.Empty(t, h.payments(t, invoiceID))
			assert.Equal(t, int32(0), h.gateway.calls.Load())
		})
	}
}

func TestGetRetryHistory(t *testing.T) {
	h := newHarness(t, gateway.NewStub(gateway.SequencePredicate(false, true)), defaultConfig())
	invoiceID, _ := h.seed(t, invoicedomain.InvoiceStatusFailed, subscriptiondomain.SubscriptionStatusAtRisk)

	_, err := retry(h, invoiceID)
	require.NoError(t, err)
	_, err = retry(h, invoiceID)
	require.NoError(t, err)

	history, err := h.svc.GetRetryHistory(context.Background(), invoiceID.String())
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, history.InvoiceStatus)
	assert.Equal(t, 3, history.MaxRetries)
	assert.Equal(t, 2, history.RetriesUsed)
	assert.Equal(t, 1, history.RetriesRemaining)
	require.Len(t, history.Attempts, 2)
	assert.Equal(t, 1, history.Attempts[0].AttemptNumber)
	assert.Equal(t, paymentdomain.PaymentStatusSuccess, history.Attempts[1].Status)

	_, err = h.svc.GetRetryHistory(context.Background(), "999")
	assert.ErrorIs(t, err, recoverydomain.ErrNotFound)
}
