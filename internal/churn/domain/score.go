package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const (
	maxScore = 100

	capFailedPayments    = 20
	capLatePayments      = 10
	capOverdueInvoices   = 25
	capOverdueBase       = 10
	capSubscriptionAge   = 15
	capPaymentInactivity = 15
	capExpiration        = 15

	day = 24 * time.Hour
)

const (
	recommendPaymentMethod = "Contact customer about updating their payment method"
	recommendAutopay       = "Offer automatic payments to avoid late settlements"
	recommendCollections   = "Follow up on overdue invoices"
	recommendOnboarding    = "Schedule an onboarding check-in"
	recommendReengage      = "Reach out to re-engage the customer"
	recommendRenewal       = "Propose a renewal before the subscription expires"
	recommendAccountMgr    = "Assign dedicated account manager"
)

// ComputeScore is pure: the same signals and instant always give the same score.
func ComputeScore(s Signals, now time.Time) Score {
	factors := make([]Factor, 0, 6)
	recommendations := make([]string, 0, 7)
	add := func(f Factor, recommendation string) {
		if f.Points <= 0 {
			return
		}
		factors = append(factors, f)
		recommendations = appendUnique(recommendations, recommendation)
	}

	if s.FailedPayments > 0 {
		add(Factor{
			Signal: SignalFailedPayments,
			Points: min(s.FailedPayments*8, capFailedPayments),
			Reason: fmt.Sprintf("%d failed payment attempt(s)", s.FailedPayments),
		}, recommendPaymentMethod)
	}

	if s.LatePayments > 0 && s.TotalPayments > 0 {
		ratio := float64(s.LatePayments) / float64(s.TotalPayments)
		add(Factor{
			Signal: SignalLatePayments,
			Points: min(int(math.Round(ratio*20)), capLatePayments),
			Reason: fmt.Sprintf("%d of %d payment(s) settled after the due date", s.LatePayments, s.TotalPayments),
		}, recommendAutopay)
	}

	if s.OverdueInvoices > 0 {
		points := min(s.OverdueInvoices*5, capOverdueBase)
		oldestDays := 0
		if s.OldestOverdueAt != nil {
			oldestDays = daysBetween(*s.OldestOverdueAt, now)
		}
		switch {
		case oldestDays > 60:
			points += 15
		case oldestDays > 30:
			points += 10
		case oldestDays > 14:
			points += 5
		}
		add(Factor{
			Signal: SignalOverdueInvoices,
			Points: min(points, capOverdueInvoices),
			Reason: fmt.Sprintf("%d overdue invoice(s) totalling %s %s, oldest %d day(s) past due",
				s.OverdueInvoices, formatAmount(s.OverdueAmount), s.Currency, oldestDays),
		}, recommendCollections)
	}

	ageDays := daysBetween(s.StartAt, now)
	switch {
	case ageDays < 30:
		add(Factor{Signal: SignalSubscriptionAge, Points: capSubscriptionAge,
			Reason: fmt.Sprintf("subscription is %d day(s) old", ageDays)}, recommendOnboarding)
	case ageDays < 90:
		add(Factor{Signal: SignalSubscriptionAge, Points: 8,
			Reason: fmt.Sprintf("subscription is %d day(s) old", ageDays)}, recommendOnboarding)
	}

	if s.LastSuccessfulPaid != nil {
		idle := daysBetween(*s.LastSuccessfulPaid, now)
		switch {
		case idle > 90:
			add(Factor{Signal: SignalPaymentInactivity, Points: capPaymentInactivity,
				Reason: fmt.Sprintf("no successful payment in %d day(s)", idle)}, recommendReengage)
		case idle > 45:
			add(Factor{Signal: SignalPaymentInactivity, Points: 8,
				Reason: fmt.Sprintf("no successful payment in %d day(s)", idle)}, recommendReengage)
		}
	} else if s.InvoiceCount > 0 {
		add(Factor{Signal: SignalPaymentInactivity, Points: 12,
			Reason: "invoices issued but no successful payment recorded"}, recommendReengage)
	}

	if s.EndAt != nil {
		remaining := s.EndAt.Sub(now)
		switch {
		case remaining <= 0:
			add(Factor{Signal: SignalExpiration, Points: capExpiration,
				Reason: "subscription has expired"}, recommendRenewal)
		case remaining <= 7*day:
			add(Factor{Signal: SignalExpiration, Points: 12,
				Reason: fmt.Sprintf("subscription expires in %d day(s)", ceilDays(remaining))}, recommendRenewal)
		case remaining <= 30*day:
			add(Factor{Signal: SignalExpiration, Points: 6,
				Reason: fmt.Sprintf("subscription expires in %d day(s)", ceilDays(remaining))}, recommendRenewal)
		}
	}

	total := 0
	for _, f := range factors {
		total += f.Points
	}
	total = min(total, maxScore)

	level := levelFor(total)
	if level == LevelCritical {
		recommendations = appendUnique(recommendations, recommendAccountMgr)
	}

	return Score{
		SubscriptionID:  s.SubscriptionID.String(),
		CustomerID:      s.CustomerID.String(),
		Status:          s.Status,
		Score:           total,
		Level:           level,
		Factors:         factors,
		Recommendations: recommendations,
		ComputedAt:      now,
	}
}

func levelFor(score int) Level {
	switch {
	case score >= 70:
		return LevelCritical
	case score >= 45:
		return LevelHigh
	case score >= 20:
		return LevelMedium
	default:
		return LevelLow
	}
}

func daysBetween(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	return int(to.Sub(from) / day)
}

func ceilDays(d time.Duration) int {
	return int(math.Ceil(float64(d) / float64(day)))
}

func formatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
