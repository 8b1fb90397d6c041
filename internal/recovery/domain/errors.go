package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, machine-readable category of a recovery failure.
type ErrorKind string

const (
	KindNotFound             ErrorKind = "not_found"
	KindInvalidState         ErrorKind = "invalid_state"
	KindRetryBudgetExhausted ErrorKind = "retry_budget_exhausted"
	KindTransactionAborted   ErrorKind = "transaction_aborted"
	KindInvalidRequest       ErrorKind = "invalid_request"
)

var (
	ErrNotFound             = errors.New("not_found")
	ErrInvalidState         = errors.New("invalid_state")
	ErrRetryBudgetExhausted = errors.New("retry_budget_exhausted")
	ErrTransactionAborted   = errors.New("transaction_aborted")
	ErrInvalidRequest       = errors.New("invalid_request")
)

var sentinels = map[ErrorKind]error{
	KindNotFound:             ErrNotFound,
	KindInvalidState:         ErrInvalidState,
	KindRetryBudgetExhausted: ErrRetryBudgetExhausted,
	KindTransactionAborted:   ErrTransactionAborted,
	KindInvalidRequest:       ErrInvalidRequest,
}

// Error is returned by recovery, churn and dashboard operations.
// errors.Is matches both the kind sentinel and the wrapped cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	Err     error
}

func NewError(kind ErrorKind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

func Wrap(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if sentinel, ok := sentinels[e.Kind]; ok {
		out = append(out, sentinel)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// KindOf returns the kind of a recovery error, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var recErr *Error
	if errors.As(err, &recErr) {
		return recErr.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// IsRetryable reports whether repeating the same call may succeed.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransactionAborted
}

const OutcomeGatewayFailure = "gateway_failure"

// OutcomeError describes a declined charge on an otherwise successful call.
type OutcomeError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
