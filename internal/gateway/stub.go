package gateway

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	stubProvider         = "stub"
	declineReasonDefault = "card_declined"
)

// Stub simulates a gateway. It never reaches a real processor.
type Stub struct {
	log       *zap.Logger
	predicate SuccessPredicate
	latency   time.Duration
	now       func() time.Time
}

type StubOption func(*Stub)

func WithLatency(latency time.Duration) StubOption {
	return func(s *Stub) {
		if latency > 0 {
			s.latency = latency
		}
	}
}

func WithLogger(log *zap.Logger) StubOption {
	return func(s *Stub) {
		if log != nil {
			s.log = log
		}
	}
}

func NewStub(predicate SuccessPredicate, opts ...StubOption) *Stub {
	if predicate == nil {
		predicate = AlwaysFail
	}
	s := &Stub{
		log:       zap.NewNop(),
		predicate: predicate,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stub) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	ref := "txn_" + ulid.Make().String()
	success := s.predicate(req)

	response := map[string]any{
		"provider":        stubProvider,
		"transaction_ref": ref,
		"amount":          req.Amount,
		"currency":        req.Currency,
		"processed_at":    s.now().Format(time.RFC3339Nano),
	}
	result := &ChargeResult{
		Success:        success,
		TransactionRef: ref,
		Response:       response,
	}
	if success {
		response["status"] = "succeeded"
	} else {
		response["status"] = "declined"
		response["decline_code"] = declineReasonDefault
		result.FailureReason = declineReasonDefault
	}

	s.log.Debug("simulated charge",
		zap.String("invoice_id", req.InvoiceID.String()),
		zap.Bool("success", success),
		zap.String("transaction_ref", ref),
	)
	return result, nil
}
