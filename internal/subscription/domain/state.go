package domain

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid_subscription_transition")

type TransitionError struct {
	From SubscriptionStatus
	To   SubscriptionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("subscription cannot transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var transitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusDraft:     {SubscriptionStatusQuotation},
	SubscriptionStatusQuotation: {SubscriptionStatusActive},
	SubscriptionStatusActive:    {SubscriptionStatusAtRisk},
	SubscriptionStatusAtRisk:    {SubscriptionStatusActive, SubscriptionStatusClosed},
}

func ValidateTransition(from, to SubscriptionStatus) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

func CanTransition(from, to SubscriptionStatus) bool {
	return ValidateTransition(from, to) == nil
}

// Transition validates from -> to and returns the lifecycle columns to write.
func Transition(from, to SubscriptionStatus, closedReason string, at time.Time) (LifecycleUpdate, error) {
	if err := ValidateTransition(from, to); err != nil {
		return LifecycleUpdate{}, err
	}
	update := LifecycleUpdate{Status: to, UpdatedAt: at}
	switch to {
	case SubscriptionStatusActive:
		update.ActivatedAt = &at
	case SubscriptionStatusAtRisk:
		update.AtRiskAt = &at
	case SubscriptionStatusClosed:
		update.ClosedAt = &at
		if closedReason != "" {
			update.ClosedReason = &closedReason
		}
	}
	return update, nil
}
