package seed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/recovery/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/recovery/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/recovery/internal/subscription/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	demoCurrency      = "USD"
	demoMarkerInvoice = "DEMO-0001"
	day               = 24 * time.Hour
)

type demoAccount struct {
	number        string
	subStatus     subscriptiondomain.SubscriptionStatus
	invoiceStatus invoicedomain.InvoiceStatus
	amount        int64
	age           time.Duration
	dueOffset     time.Duration
	failedCharges int
}

// One healthy payer, one customer ready to be charged and two in dunning.
var demoAccounts = []demoAccount{
	{number: demoMarkerInvoice, subStatus: subscriptiondomain.SubscriptionStatusActive, invoiceStatus: invoicedomain.InvoiceStatusPaid, amount: 4900, age: 400 * day, dueOffset: -10 * day},
	{number: "DEMO-0002", subStatus: subscriptiondomain.SubscriptionStatusActive, invoiceStatus: invoicedomain.InvoiceStatusConfirmed, amount: 9900, age: 45 * day, dueOffset: 7 * day},
	{number: "DEMO-0003", subStatus: subscriptiondomain.SubscriptionStatusAtRisk, invoiceStatus: invoicedomain.InvoiceStatusFailed, amount: 19900, age: 20 * day, dueOffset: -20 * day, failedCharges: 1},
	{number: "DEMO-0004", subStatus: subscriptiondomain.SubscriptionStatusAtRisk, invoiceStatus: invoicedomain.InvoiceStatusFailed, amount: 2900, age: 120 * day, dueOffset: -45 * day, failedCharges: 1},
}

// EnsureDemoData seeds subscriptions and invoices covering every recovery
// state. It is a no-op once the marker invoice exists.
func EnsureDemoData(ctx context.Context, db *gorm.DB, node *snowflake.Node, now time.Time) (bool, error) {
	if db == nil {
		return false, errors.New("seed database handle is required")
	}
	if node == nil {
		return false, errors.New("seed id generator is required")
	}
	now = now.UTC()

	seeded := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var marker invoicedomain.Invoice
		err := tx.WithContext(ctx).
			Where("invoice_number = ?", demoMarkerInvoice).
			First(&marker).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		for _, account := range demoAccounts {
			if err := ensureDemoAccountTx(ctx, tx, node, account, now); err != nil {
				return fmt.Errorf("seed %s: %w", account.number, err)
			}
		}
		seeded = true
		return nil
	})
	return seeded, err
}

func ensureDemoAccountTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, account demoAccount, now time.Time) error {
	customerID := node.Generate()
	startAt := now.Add(-account.age)
	metadata := datatypes.JSONMap{"seed": "demo"}

	sub := subscriptiondomain.Subscription{
		ID:          node.Generate(),
		CustomerID:  customerID,
		ProductID:   node.Generate(),
		Status:      account.subStatus,
		StartAt:     startAt,
		ActivatedAt: &startAt,
		Metadata:    metadata,
		CreatedAt:   startAt,
		UpdatedAt:   now,
	}
	if account.subStatus == subscriptiondomain.SubscriptionStatusAtRisk {
		atRiskAt := now.Add(account.dueOffset)
		sub.AtRiskAt = &atRiskAt
	}
	if err := tx.WithContext(ctx).Create(&sub).Error; err != nil {
		return err
	}

	dueAt := now.Add(account.dueOffset)
	invoice := invoicedomain.Invoice{
		ID:             node.Generate(),
		CustomerID:     customerID,
		SubscriptionID: &sub.ID,
		InvoiceNumber:  account.number,
		Status:         account.invoiceStatus,
		AmountDue:      account.amount,
		Currency:       demoCurrency,
		DueAt:          &dueAt,
		Metadata:       metadata,
		CreatedAt:      dueAt.Add(-14 * day),
		UpdatedAt:      now,
	}
	switch account.invoiceStatus {
	case invoicedomain.InvoiceStatusPaid:
		invoice.PaidAt = &dueAt
	case invoicedomain.InvoiceStatusFailed:
		invoice.FailedAt = &dueAt
	}
	if err := tx.WithContext(ctx).Create(&invoice).Error; err != nil {
		return err
	}

	payments := make([]paymentdomain.Payment, 0, account.failedCharges+1)
	if account.invoiceStatus == invoicedomain.InvoiceStatusPaid {
		payments = append(payments, demoPayment(node, invoice, paymentdomain.PaymentStatusSuccess, nil))
	}
	for i := 0; i < account.failedCharges; i++ {
		reason := "card_declined"
		payments = append(payments, demoPayment(node, invoice, paymentdomain.PaymentStatusFailed, &reason))
	}
	if len(payments) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&payments).Error
}

func demoPayment(node *snowflake.Node, invoice invoicedomain.Invoice, status paymentdomain.PaymentStatus, reason *string) paymentdomain.Payment {
	return paymentdomain.Payment{
		ID:              node.Generate(),
		InvoiceID:       invoice.ID,
		Amount:          invoice.AmountDue,
		Currency:        invoice.Currency,
		Method:          "card",
		Status:          status,
		TransactionRef:  "seed_" + invoice.InvoiceNumber,
		GatewayResponse: datatypes.JSON("{}"),
		FailureReason:   reason,
		CreatedAt:       *invoice.DueAt,
	}
}
