package service

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recovery/internal/gateway"
	invoicedomain "github.com/smallbiznis/recovery/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/recovery/internal/payment/domain"
	recoverydomain "github.com/smallbiznis/recovery/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/recovery/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type outcomeInput struct {
	invoice      *invoicedomain.Invoice
	subscription *subscriptiondomain.Subscription
	charge       *gateway.ChargeResult
	method       string

	// first charge only
	recordFailedPayment bool
	markInvoiceFailed   bool

	// last retry in the budget
	closeOnFailure bool
}

type transition struct {
	subscriptionID snowflake.ID
	from           subscriptiondomain.SubscriptionStatus
	to             subscriptiondomain.SubscriptionStatus
}

type outcome struct {
	paymentID   snowflake.ID
	transitions []transition

	// amount collected by a successful charge, in minor units
	collected int64
	currency  string
}

// applyOutcome writes the invoice, payment and subscription effects of a
// charge. It mutates the passed invoice and subscription to their new state.
func (s *Service) applyOutcome(ctx context.Context, tx *gorm.DB, in outcomeInput) (outcome, error) {
	var out outcome
	now := s.clock.Now()

	if in.charge.Success {
		if err := s.updateInvoice(ctx, tx, in.invoice, invoicedomain.StatusUpdate{
			Status:    invoicedomain.InvoiceStatusPaid,
			PaidAt:    &now,
			UpdatedAt: now,
		}); err != nil {
			return out, err
		}

		payment, err := s.insertPayment(ctx, tx, in, paymentdomain.PaymentStatusSuccess)
		if err != nil {
			return out, err
		}
		out.paymentID = payment.ID
		out.collected = in.invoice.AmountDue
		out.currency = in.invoice.Currency

		if in.subscription != nil && in.subscription.Status == subscriptiondomain.SubscriptionStatusAtRisk {
			if err := s.moveSubscription(ctx, tx, in.subscription, subscriptiondomain.SubscriptionStatusActive, "", &out); err != nil {
				return out, err
			}
		}
		return out, nil
	}

	if in.recordFailedPayment {
		payment, err := s.insertPayment(ctx, tx, in, paymentdomain.PaymentStatusFailed)
		if err != nil {
			return out, err
		}
		out.paymentID = payment.ID
	}

	if in.markInvoiceFailed {
		if err := s.updateInvoice(ctx, tx, in.invoice, invoicedomain.StatusUpdate{
			Status:    invoicedomain.InvoiceStatusFailed,
			FailedAt:  &now,
			UpdatedAt: now,
		}); err != nil {
			return out, err
		}
		if in.subscription != nil && in.subscription.Status == subscriptiondomain.SubscriptionStatusActive {
			if err := s.moveSubscription(ctx, tx, in.subscription, subscriptiondomain.SubscriptionStatusAtRisk, "", &out); err != nil {
				return out, err
			}
		}
	}

	if in.closeOnFailure && in.subscription != nil {
		sub := in.subscription
		if sub.Status == subscriptiondomain.SubscriptionStatusActive {
			if err := s.moveSubscription(ctx, tx, sub, subscriptiondomain.SubscriptionStatusAtRisk, "", &out); err != nil {
				return out, err
			}
		}
		if sub.Status == subscriptiondomain.SubscriptionStatusAtRisk {
			if err := s.moveSubscription(ctx, tx, sub, subscriptiondomain.SubscriptionStatusClosed, subscriptiondomain.ClosedReasonPaymentFailure, &out); err != nil {
				return out, err
			}
		}
	}

	return out, nil
}

func (s *Service) updateInvoice(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, update invoicedomain.StatusUpdate) error {
	if err := invoicedomain.ValidateTransition(invoice.Status, update.Status); err != nil {
		return err
	}
	if err := s.invoiceRepo.UpdateStatus(ctx, tx, invoice.ID, update); err != nil {
		return err
	}
	invoice.Status = update.Status
	invoice.UpdatedAt = update.UpdatedAt
	if update.PaidAt != nil {
		invoice.PaidAt = update.PaidAt
	}
	if update.FailedAt != nil {
		invoice.FailedAt = update.FailedAt
	}
	return nil
}

func (s *Service) moveSubscription(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, to subscriptiondomain.SubscriptionStatus, reason string, out *outcome) error {
	from := sub.Status
	update, err := subscriptiondomain.Transition(from, to, reason, s.clock.Now())
	if err != nil {
		return err
	}
	if err := s.subscriptionRepo.UpdateLifecycle(ctx, tx, sub.ID, update); err != nil {
		return err
	}
	sub.Status = to
	sub.UpdatedAt = update.UpdatedAt
	if update.ClosedReason != nil {
		sub.ClosedReason = update.ClosedReason
	}
	out.transitions = append(out.transitions, transition{subscriptionID: sub.ID, from: from, to: to})
	return nil
}

func (s *Service) insertPayment(ctx context.Context, tx *gorm.DB, in outcomeInput, status paymentdomain.PaymentStatus) (*paymentdomain.Payment, error) {
	payment := &paymentdomain.Payment{
		ID:              s.genID.Generate(),
		InvoiceID:       in.invoice.ID,
		Amount:          in.invoice.AmountDue,
		Currency:        in.invoice.Currency,
		Method:          in.method,
		Status:          status,
		TransactionRef:  in.charge.TransactionRef,
		GatewayResponse: s.encodeResponse(ctx, in.charge.Response),
		FailureReason:   failureReason(in.charge),
		CreatedAt:       s.clock.Now(),
	}
	if err := s.paymentRepo.InsertPayment(ctx, tx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

func buildResult(
	invoice *invoicedomain.Invoice,
	sub *subscriptiondomain.Subscription,
	charge *gateway.ChargeResult,
	out outcome,
	attempt, maxRetries, retriesRemaining int,
) *recoverydomain.PaymentResult {
	result := &recoverydomain.PaymentResult{
		Success:          charge.Success,
		InvoiceID:        invoice.ID.String(),
		AttemptNumber:    attempt,
		MaxRetries:       maxRetries,
		RetriesRemaining: retriesRemaining,
		InvoiceStatus:    invoice.Status,
		TransactionRef:   charge.TransactionRef,
	}
	if sub != nil {
		result.SubscriptionID = sub.ID.String()
		result.SubscriptionStatus = sub.Status
	}
	if out.paymentID != 0 {
		result.PaymentID = out.paymentID.String()
	}
	if !charge.Success {
		result.Error = &recoverydomain.OutcomeError{
			Kind:    recoverydomain.OutcomeGatewayFailure,
			Message: charge.FailureReason,
		}
	}
	return result
}

func paymentStatus(success bool) paymentdomain.PaymentStatus {
	if success {
		return paymentdomain.PaymentStatusSuccess
	}
	return paymentdomain.PaymentStatusFailed
}

func failureReason(charge *gateway.ChargeResult) *string {
	if charge.Success || charge.FailureReason == "" {
		return nil
	}
	reason := charge.FailureReason
	return &reason
}

// encodeResponse stores the raw gateway payload. The charge has already been
// dispatched, so an unencodable payload is logged and replaced by its error
// rather than failing the transaction.
func (s *Service) encodeResponse(ctx context.Context, response map[string]any) datatypes.JSON {
	if len(response) == 0 {
		return datatypes.JSON("{}")
	}
	raw, err := json.Marshal(response)
	if err == nil {
		return datatypes.JSON(raw)
	}
	s.logger(ctx).Error("gateway response not encodable", zap.Error(err))
	raw, _ = json.Marshal(map[string]string{"encode_error": err.Error()})
	return datatypes.JSON(raw)
}
