package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	recoverydomain "github.com/smallbiznis/recovery/internal/recovery/domain"
	"gorm.io/gorm"
)

// ValidationError names one rejected request field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Details map[string]any    `json:"details,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// Transport-level failures raised by middleware before a handler runs.
var (
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

var kindStatus = map[recoverydomain.ErrorKind]int{
	recoverydomain.KindInvalidRequest:       http.StatusBadRequest,
	recoverydomain.KindNotFound:             http.StatusNotFound,
	recoverydomain.KindInvalidState:         http.StatusConflict,
	recoverydomain.KindRetryBudgetExhausted: http.StatusUnprocessableEntity,
	recoverydomain.KindTransactionAborted:   http.StatusServiceUnavailable,
}

type sentinelResponse struct {
	err     error
	status  int
	kind    string
	message string
}

// Checked in order after domain errors.
var sentinelResponses = []sentinelResponse{
	{ErrInvalidRequest, http.StatusBadRequest, "invalid_request", "invalid request"},
	{ErrNotFound, http.StatusNotFound, "not_found", "not found"},
	{recoverydomain.ErrNotFound, http.StatusNotFound, "not_found", "not found"},
	{gorm.ErrRecordNotFound, http.StatusNotFound, "not_found", "not found"},
	{ErrRateLimited, http.StatusTooManyRequests, "rate_limited", "too many retry attempts, slow down"},
	{ErrServiceUnavailable, http.StatusServiceUnavailable, "service_unavailable", "service unavailable"},
}

var internalError = errorPayload{Type: "internal_error", Message: "internal server error"}

// ErrorHandlingMiddleware renders the last handler error as the JSON error
// envelope unless the handler already wrote a body.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Written() {
			return
		}
		if last := c.Errors.Last(); last != nil {
			status, payload := mapError(last.Err)
			c.AbortWithStatusJSON(status, errorResponse{Error: payload})
		}
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, internalError
	}

	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "validation error", Errors: vErr.Errors}
	}

	var recErr *recoverydomain.Error
	if errors.As(err, &recErr) {
		status := statusForKind(recErr.Kind)
		message := recErr.Message
		if message == "" || status == http.StatusInternalServerError {
			message = http.StatusText(status)
		}
		return status, errorPayload{Type: string(recErr.Kind), Message: message, Details: recErr.Details}
	}

	for _, s := range sentinelResponses {
		if errors.Is(err, s.err) {
			return s.status, errorPayload{Type: s.kind, Message: s.message}
		}
	}

	// Bare domain sentinels such as recoverydomain.ErrRetryBudgetExhausted.
	if kind := recoverydomain.KindOf(err); kind != "" {
		return statusForKind(kind), errorPayload{Type: string(kind), Message: string(kind)}
	}
	return http.StatusInternalServerError, internalError
}

func statusForKind(kind recoverydomain.ErrorKind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// classifyErrorForLog returns the error_type and error_code fields of the access log.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "server", payload.Type
	}
	return "client", payload.Type
}
