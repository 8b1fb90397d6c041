package domain

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid_invoice_transition")

// TransitionError describes a rejected status change.
type TransitionError struct {
	From InvoiceStatus
	To   InvoiceStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invoice cannot transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var transitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusDraft:     {InvoiceStatusConfirmed},
	InvoiceStatusConfirmed: {InvoiceStatusFailed, InvoiceStatusPaid},
	InvoiceStatusFailed:    {InvoiceStatusPaid},
}

// ValidateTransition returns a *TransitionError unless from -> to is a legal edge.
func ValidateTransition(from, to InvoiceStatus) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

func CanTransition(from, to InvoiceStatus) bool {
	return ValidateTransition(from, to) == nil
}

// IsTerminal reports whether no transitions leave the status.
func IsTerminal(status InvoiceStatus) bool {
	return len(transitions[status]) == 0
}
