package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	recoverydomain "github.com/smallbiznis/recovery/internal/recovery/domain"
)

const headerIdempotencyKey = "Idempotency-Key"

type processPaymentRequest struct {
	Method string `json:"method"`
}

type retryPaymentRequest struct {
	Method         string `json:"method"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) ProcessPayment(c *gin.Context) {
	var req processPaymentRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	result, err := s.recoverySvc.ProcessPayment(c.Request.Context(), recoverydomain.ProcessPaymentRequest{
		InvoiceID: strings.TrimSpace(c.Param("id")),
		Method:    strings.TrimSpace(req.Method),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) RetryPayment(c *gin.Context) {
	var req retryPaymentRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	key := strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}

	result, err := s.recoverySvc.RetryPayment(c.Request.Context(), recoverydomain.RetryPaymentRequest{
		InvoiceID:      strings.TrimSpace(c.Param("id")),
		Method:         strings.TrimSpace(req.Method),
		IdempotencyKey: key,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result.Replayed {
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) GetRetryHistory(c *gin.Context) {
	history, err := s.recoverySvc.GetRetryHistory(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": history})
}

// bindOptionalJSON accepts an empty body; a malformed one aborts with 400.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	// Chunked requests report ContentLength -1 even when the body is empty.
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return false
	}
	return true
}
