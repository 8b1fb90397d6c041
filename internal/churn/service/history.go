package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	churndomain "github.com/smallbiznis/recovery/internal/churn/domain"
	invoicedomain "github.com/smallbiznis/recovery/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/recovery/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/recovery/internal/subscription/domain"
	"gorm.io/gorm"
)

// customerHistory is a customer's invoices with their payments and ledger rows.
type customerHistory struct {
	invoices []invoicedomain.Invoice
	payments []paymentdomain.Payment
	retries  []paymentdomain.PaymentRetry
}

func (s *Service) loadHistory(ctx context.Context, tx *gorm.DB, customerID snowflake.ID) (*customerHistory, error) {
	invoices, err := s.invoiceRepo.ListByCustomer(ctx, tx, customerID)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return &customerHistory{}, nil
	}

	ids := make([]snowflake.ID, 0, len(invoices))
	for _, inv := range invoices {
		ids = append(ids, inv.ID)
	}

	payments, err := s.paymentRepo.ListPaymentsByInvoiceIDs(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	retries, err := s.ledgerRepo.ListRetriesByInvoiceIDs(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	return &customerHistory{invoices: invoices, payments: payments, retries: retries}, nil
}

func (h *customerHistory) signals(sub *subscriptiondomain.Subscription, now time.Time) churndomain.Signals {
	sig := churndomain.Signals{
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Status:         sub.Status,
		StartAt:        sub.StartAt,
		EndAt:          sub.EndAt,
		InvoiceCount:   len(h.invoices),
		TotalPayments:  len(h.payments),
	}

	dueAt := make(map[snowflake.ID]*time.Time, len(h.invoices))
	for i := range h.invoices {
		inv := &h.invoices[i]
		dueAt[inv.ID] = inv.DueAt
		if !inv.IsOverdue(now) {
			continue
		}
		sig.OverdueInvoices++
		sig.OverdueAmount += inv.AmountDue
		if sig.Currency == "" {
			sig.Currency = inv.Currency
		}
		if sig.OldestOverdueAt == nil || inv.DueAt.Before(*sig.OldestOverdueAt) {
			due := *inv.DueAt
			sig.OldestOverdueAt = &due
		}
	}

	for i := range h.payments {
		payment := &h.payments[i]
		switch payment.Status {
		case paymentdomain.PaymentStatusFailed:
			sig.FailedPayments++
		case paymentdomain.PaymentStatusSuccess:
			if due := dueAt[payment.InvoiceID]; due != nil && payment.CreatedAt.After(*due) {
				sig.LatePayments++
			}
			if sig.LastSuccessfulPaid == nil || payment.CreatedAt.After(*sig.LastSuccessfulPaid) {
				paidAt := payment.CreatedAt
				sig.LastSuccessfulPaid = &paidAt
			}
		}
	}

	for _, retry := range h.retries {
		if retry.Status == paymentdomain.PaymentStatusFailed {
			sig.FailedPayments++
		}
	}
	return sig
}
