package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recovery/internal/clock"
	"github.com/smallbiznis/recovery/internal/config"
	"github.com/smallbiznis/recovery/internal/gateway"
	invoicedomain "github.com/smallbiznis/recovery/internal/invoice/domain"
	obscontext "github.com/smallbiznis/recovery/internal/observability/context"
	obslogger "github.com/smallbiznis/recovery/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/recovery/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/recovery/internal/payment/domain"
	recoverydomain "github.com/smallbiznis/recovery/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/recovery/internal/subscription/domain"
	"github.com/smallbiznis/recovery/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxIdempotencyKeyLength = 255

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Clock            clock.Clock
	GenID            *snowflake.Node
	Config           *config.RecoveryConfigHolder
	Gateway          gateway.Gateway
	InvoiceRepo      invoicedomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	PaymentRepo      paymentdomain.Repository
	LedgerRepo       paymentdomain.LedgerRepository
	Metrics          *obsmetrics.Metrics          `optional:"true"`
	LockMetrics      *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	genID  *snowflake.Node
	cfg    *config.RecoveryConfigHolder
	tracer trace.Tracer

	gateway          gateway.Gateway
	invoiceRepo      invoicedomain.Repository
	subscriptionRepo subscriptiondomain.Repository
	paymentRepo      paymentdomain.Repository
	ledgerRepo       paymentdomain.LedgerRepository

	metrics     *obsmetrics.Metrics
	lockMetrics *obsmetrics.SchedulerMetrics
}

func New(p Params) recoverydomain.Service {
	svcClock := p.Clock
	if svcClock == nil {
		svcClock = &clock.SystemClock{}
	}
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("recovery.service"),
		clock:  svcClock,
		genID:  p.GenID,
		cfg:    p.Config,
		tracer: otel.Tracer("recovery/engine"),

		gateway:          p.Gateway,
		invoiceRepo:      p.InvoiceRepo,
		subscriptionRepo: p.SubscriptionRepo,
		paymentRepo:      p.PaymentRepo,
		ledgerRepo:       p.LedgerRepo,

		metrics:     p.Metrics,
		lockMetrics: p.LockMetrics,
	}
}

func (s *Service) ProcessPayment(ctx context.Context, req recoverydomain.ProcessPaymentRequest) (*recoverydomain.PaymentResult, error) {
	invoiceID, err := parseID(req.InvoiceID)
	if err != nil {
		return nil, err
	}
	ctx = obscontext.WithInvoiceID(ctx, invoiceID.String())
	cfg := s.cfg.Get()
	method := resolveMethod(req.Method, cfg)

	ctx, span := s.tracer.Start(ctx, "recovery.ProcessPayment", trace.WithAttributes(
		attribute.String("invoice.id", invoiceID.String()),
	))
	defer span.End()

	opCtx, cancel := context.WithTimeout(ctx, cfg.RetryTimeout)
	defer cancel()
	guard := newDispatchGuard(opCtx)
	defer guard.release()
	txCtx := guard.ctx

	var (
		result *recoverydomain.PaymentResult
		out    outcome
	)
	err = s.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		invoice, sub, err := s.lockInvoice(txCtx, tx, invoiceID)
		if err != nil {
			return err
		}

		switch invoice.Status {
		case invoicedomain.InvoiceStatusConfirmed:
		case invoicedomain.InvoiceStatusPaid:
			return invalidState(invoice, "invoice is already paid")
		case invoicedomain.InvoiceStatusFailed:
			return invalidState(invoice, "invoice has a failed charge; use retry")
		default:
			return invalidState(invoice, "invoice is not confirmed")
		}

		if err := guard.dispatch(); err != nil {
			return err
		}
		charge := s.charge(txCtx, invoice, method, "")
		out, err = s.applyOutcome(txCtx, tx, outcomeInput{
			invoice:             invoice,
			subscription:        sub,
			charge:              charge,
			method:              method,
			recordFailedPayment: true,
			markInvoiceFailed:   true,
		})
		if err != nil {
			return err
		}

		retriesRemaining := cfg.MaxRetries
		if charge.Success {
			retriesRemaining = 0
		}
		result = buildResult(invoice, sub, charge, out, 0, cfg.MaxRetries, retriesRemaining)
		return nil
	})
	if err != nil {
		mapped := s.mapTxError(ctx, err, "payment transaction rolled back")
		s.recordFailure(span, mapped)
		return nil, mapped
	}

	s.recordOutcome(ctx, out)
	s.metrics.RecordPaymentAttempt(ctx, outcomeLabel(result.Success))
	span.SetAttributes(attribute.Bool("payment.success", result.Success))

	s.logger(ctx).Info("payment processed",
		zap.Bool("success", result.Success),
		zap.String("invoice_status", string(result.InvoiceStatus)),
		zap.String("subscription_status", string(result.SubscriptionStatus)),
	)
	return result, nil
}

func (s *Service) RetryPayment(ctx context.Context, req recoverydomain.RetryPaymentRequest) (*recoverydomain.PaymentResult, error) {
	invoiceID, err := parseID(req.InvoiceID)
	if err != nil {
		return nil, err
	}
	ctx = obscontext.WithInvoiceID(ctx, invoiceID.String())
	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if len(idempotencyKey) > maxIdempotencyKeyLength {
		return nil, recoverydomain.NewError(recoverydomain.KindInvalidRequest, "idempotency key is too long", map[string]any{
			"max_length": maxIdempotencyKeyLength,
		})
	}
	cfg := s.cfg.Get()
	method := resolveMethod(req.Method, cfg)

	ctx, span := s.tracer.Start(ctx, "recovery.RetryPayment", trace.WithAttributes(
		attribute.String("invoice.id", invoiceID.String()),
		attribute.Bool("retry.idempotent", idempotencyKey != ""),
	))
	defer span.End()

	opCtx, cancel := context.WithTimeout(ctx, cfg.RetryTimeout)
	defer cancel()
	guard := newDispatchGuard(opCtx)
	defer guard.release()
	txCtx := guard.ctx

	var (
		result *recoverydomain.PaymentResult
		out    outcome
	)
	err = s.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		invoice, sub, err := s.lockInvoice(txCtx, tx, invoiceID)
		if err != nil {
			return err
		}

		if idempotencyKey != "" {
			existing, err := s.ledgerRepo.FindRetryByIdempotencyKey(txCtx, tx, invoice.ID, idempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				result, err = s.replay(txCtx, tx, invoice, sub, existing, cfg.MaxRetries)
				return err
			}
		}

		if invoice.Status != invoicedomain.InvoiceStatusFailed {
			return invalidState(invoice, "only failed invoices can be retried")
		}

		retryCount, err := s.ledgerRepo.CountRetries(txCtx, tx, invoice.ID)
		if err != nil {
			return err
		}
		if retryCount >= cfg.MaxRetries {
			return recoverydomain.NewError(recoverydomain.KindRetryBudgetExhausted, "retry budget exhausted", map[string]any{
				"attempts":    retryCount,
				"max_retries": cfg.MaxRetries,
			})
		}

		if err := guard.dispatch(); err != nil {
			return err
		}
		charge := s.charge(txCtx, invoice, method, idempotencyKey)
		attempt := retryCount + 1

		retry := &paymentdomain.PaymentRetry{
			ID:              s.genID.Generate(),
			InvoiceID:       invoice.ID,
			AttemptNumber:   attempt,
			Status:          paymentStatus(charge.Success),
			Method:          method,
			TransactionRef:  charge.TransactionRef,
			GatewayResponse: s.encodeResponse(txCtx, charge.Response),
			ErrorMessage:    failureReason(charge),
			CreatedAt:       s.clock.Now(),
		}
		if idempotencyKey != "" {
			retry.IdempotencyKey = &idempotencyKey
		}
		if err := s.ledgerRepo.AppendRetry(txCtx, tx, retry); err != nil {
			return err
		}

		out, err = s.applyOutcome(txCtx, tx, outcomeInput{
			invoice:        invoice,
			subscription:   sub,
			charge:         charge,
			method:         method,
			closeOnFailure: attempt >= cfg.MaxRetries,
		})
		if err != nil {
			return err
		}

		result = buildResult(invoice, sub, charge, out, attempt, cfg.MaxRetries, remaining(cfg.MaxRetries, attempt))
		return nil
	})
	if err != nil {
		mapped := s.mapTxError(ctx, err, "retry transaction rolled back")
		s.metrics.RecordRetryRejected(ctx, string(recoverydomain.KindOf(mapped)))
		s.recordFailure(span, mapped)
		return nil, mapped
	}

	if result.Replayed {
		span.SetAttributes(attribute.Bool("retry.replayed", true))
		s.logger(ctx).Info("retry replayed",
			zap.Int("attempt_number", result.AttemptNumber),
		)
		return result, nil
	}

	s.recordOutcome(ctx, out)
	s.metrics.RecordRetryAttempt(ctx, outcomeLabel(result.Success))
	s.metrics.RecordRecoveredRevenue(ctx, out.currency, out.collected)
	span.SetAttributes(
		attribute.Int("retry.attempt", result.AttemptNumber),
		attribute.Bool("payment.success", result.Success),
	)

	s.logger(ctx).Info("payment retried",
		zap.Int("attempt_number", result.AttemptNumber),
		zap.Bool("success", result.Success),
		zap.String("invoice_status", string(result.InvoiceStatus)),
		zap.String("subscription_status", string(result.SubscriptionStatus)),
	)
	return result, nil
}

func (s *Service) GetRetryHistory(ctx context.Context, rawInvoiceID string) (*recoverydomain.RetryHistory, error) {
	invoiceID, err := parseID(rawInvoiceID)
	if err != nil {
		return nil, err
	}
	ctx = obscontext.WithInvoiceID(ctx, invoiceID.String())
	maxRetries := s.cfg.Get().MaxRetries

	var history *recoverydomain.RetryHistory
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.invoiceRepo.FindByID(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return notFound(invoiceID)
		}

		retries, err := s.ledgerRepo.ListRetries(ctx, tx, invoice.ID)
		if err != nil {
			return err
		}

		attempts := make([]recoverydomain.RetryAttempt, 0, len(retries))
		for _, retry := range retries {
			attempts = append(attempts, recoverydomain.RetryAttempt{
				ID:             retry.ID.String(),
				AttemptNumber:  retry.AttemptNumber,
				Status:         retry.Status,
				Method:         retry.Method,
				TransactionRef: retry.TransactionRef,
				ErrorMessage:   retry.ErrorMessage,
				IdempotencyKey: retry.IdempotencyKey,
				CreatedAt:      retry.CreatedAt,
			})
		}

		history = &recoverydomain.RetryHistory{
			InvoiceID:        invoice.ID.String(),
			InvoiceStatus:    invoice.Status,
			MaxRetries:       maxRetries,
			RetriesUsed:      len(retries),
			RetriesRemaining: remaining(maxRetries, len(retries)),
			Attempts:         attempts,
		}
		return nil
	})
	if err != nil {
		return nil, s.mapTxError(ctx, err, "retry history read failed")
	}
	return history, nil
}

// lockInvoice locks the invoice and then its subscription, always in that order.
func (s *Service) lockInvoice(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (*invoicedomain.Invoice, *subscriptiondomain.Subscription, error) {
	start := time.Now()
	invoice, err := s.invoiceRepo.FindByIDForUpdate(ctx, tx, invoiceID)
	s.lockMetrics.ObserveDBLockWait(obsmetrics.LockResourceInvoiceForRetry, time.Since(start))
	if err != nil {
		return nil, nil, err
	}
	if invoice == nil {
		return nil, nil, notFound(invoiceID)
	}
	if invoice.SubscriptionID == nil {
		return invoice, nil, nil
	}

	start = time.Now()
	sub, err := s.subscriptionRepo.FindByIDForUpdate(ctx, tx, *invoice.SubscriptionID)
	s.lockMetrics.ObserveDBLockWait(obsmetrics.LockResourceSubscription, time.Since(start))
	if err != nil {
		return nil, nil, err
	}
	return invoice, sub, nil
}

// charge calls the gateway while the row lock is held. Once dispatched the
// call is not cancelled; a transport error becomes a declined outcome.
func (s *Service) charge(ctx context.Context, invoice *invoicedomain.Invoice, method, idempotencyKey string) *gateway.ChargeResult {
	result, err := s.gateway.Charge(context.WithoutCancel(ctx), gateway.ChargeRequest{
		InvoiceID:      invoice.ID,
		Amount:         invoice.AmountDue,
		Currency:       invoice.Currency,
		Method:         method,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		s.logger(ctx).Warn("gateway error recorded as failed charge",
			zap.Error(err),
		)
		return &gateway.ChargeResult{
			Success:       false,
			FailureReason: err.Error(),
			Response:      map[string]any{"error": err.Error()},
		}
	}
	if result == nil {
		return &gateway.ChargeResult{FailureReason: "empty gateway response"}
	}
	if !result.Success && strings.TrimSpace(result.FailureReason) == "" {
		result.FailureReason = "payment declined"
	}
	return result
}

// replay rebuilds the result of a ledger row recorded under the same idempotency key.
func (s *Service) replay(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, sub *subscriptiondomain.Subscription, retry *paymentdomain.PaymentRetry, maxRetries int) (*recoverydomain.PaymentResult, error) {
	count, err := s.ledgerRepo.CountRetries(ctx, tx, invoice.ID)
	if err != nil {
		return nil, err
	}

	result := &recoverydomain.PaymentResult{
		Success:          retry.Succeeded(),
		InvoiceID:        invoice.ID.String(),
		AttemptNumber:    retry.AttemptNumber,
		MaxRetries:       maxRetries,
		RetriesRemaining: remaining(maxRetries, count),
		InvoiceStatus:    invoice.Status,
		TransactionRef:   retry.TransactionRef,
		Replayed:         true,
	}
	if sub != nil {
		result.SubscriptionID = sub.ID.String()
		result.SubscriptionStatus = sub.Status
	}
	if !retry.Succeeded() {
		msg := ""
		if retry.ErrorMessage != nil {
			msg = *retry.ErrorMessage
		}
		result.Error = &recoverydomain.OutcomeError{Kind: recoverydomain.OutcomeGatewayFailure, Message: msg}
		return result, nil
	}

	payments, err := s.paymentRepo.ListPaymentsByInvoiceIDs(ctx, tx, []snowflake.ID{invoice.ID})
	if err != nil {
		return nil, err
	}
	for _, payment := range payments {
		if payment.Status == paymentdomain.PaymentStatusSuccess && payment.TransactionRef == retry.TransactionRef {
			result.PaymentID = payment.ID.String()
			break
		}
	}
	return result, nil
}

// mapTxError keeps recovery errors and turns storage, commit and timeout
// failures into retryable transaction_aborted errors.
func (s *Service) mapTxError(ctx context.Context, err error, message string) error {
	var recErr *recoverydomain.Error
	if errors.As(err, &recErr) {
		return recErr
	}
	log := s.logger(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		log.Warn("recovery transaction timed out before dispatch", zap.Error(err))
	case db.IsDuplicateKeyErr(err):
		log.Warn("recovery transaction lost a ledger race", zap.Error(err))
	case db.IsLockConflictErr(err):
		log.Warn("recovery transaction hit a lock conflict", zap.Error(err))
	default:
		log.Error("recovery transaction failed", zap.Error(err))
	}
	return recoverydomain.Wrap(recoverydomain.KindTransactionAborted, message, err)
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Service) recordFailure(span trace.Span, err error) {
	span.SetAttributes(attribute.String("error.kind", string(recoverydomain.KindOf(err))))
	if recoverydomain.KindOf(err) == recoverydomain.KindTransactionAborted {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction aborted")
	}
}

func (s *Service) recordOutcome(ctx context.Context, out outcome) {
	for _, t := range out.transitions {
		s.metrics.RecordSubscriptionTransition(ctx, string(t.from), string(t.to))
		s.logger(ctx).Info("subscription transitioned",
			zap.String("subscription_id", t.subscriptionID.String()),
			zap.String("from_status", string(t.from)),
			zap.String("to_status", string(t.to)),
		)
	}
}

func parseID(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, recoverydomain.NewError(recoverydomain.KindInvalidRequest, "invoice id is required", nil)
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, recoverydomain.NewError(recoverydomain.KindInvalidRequest, "invoice id is invalid", map[string]any{
			"invoice_id": raw,
		})
	}
	return id, nil
}

func resolveMethod(method string, cfg config.RecoveryConfig) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return cfg.DefaultPaymentMethod
	}
	return method
}

func notFound(invoiceID snowflake.ID) error {
	return recoverydomain.NewError(recoverydomain.KindNotFound, "invoice not found", map[string]any{
		"invoice_id": invoiceID.String(),
	})
}

func invalidState(invoice *invoicedomain.Invoice, message string) error {
	return recoverydomain.NewError(recoverydomain.KindInvalidState, message, map[string]any{
		"invoice_id": invoice.ID.String(),
		"status":     string(invoice.Status),
	})
}

func remaining(maxRetries, used int) int {
	if used >= maxRetries {
		return 0
	}
	return maxRetries - used
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}
