package logger

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/recovery/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observeGlobal(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestGinMiddlewareLogsScopedInvoice(t *testing.T) {
	logs := observeGlobal(t)
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{
		ErrorClassifier: func(error) (string, string) { return "client", "rate_limited" },
	}))
	r.POST("/api/invoices/:id/retries", func(c *gin.Context) {
		ctx := obscontext.WithInvoiceID(c.Request.Context(), c.Param("id"))
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Rate-Limited-Reason", "invoice-rate")
		c.Header("Retry-After", "5")
		_ = c.Error(errors.New("throttled"))
		c.Status(http.StatusTooManyRequests)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/invoices/900/retries", nil)
	req.Header.Set("X-Request-Id", "req-1")
	req.Header.Set("Idempotency-Key", "k-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get("X-Request-Id"))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)

	fields := entry.ContextMap()
	assert.Equal(t, "900", fields["invoice_id"])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "/api/invoices/:id/retries", fields["route"])
	assert.Equal(t, true, fields["keyed"])
	assert.Equal(t, "invoice-rate", fields["rate_limited_reason"])
	assert.Equal(t, "5", fields["retry_after"])
	assert.Equal(t, "rate_limited", fields["error_code"])
}

func TestAccessLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, accessLevel("/health", http.StatusOK))
	assert.Equal(t, zapcore.ErrorLevel, accessLevel("/api/recovery/dashboard", http.StatusServiceUnavailable))
	assert.Equal(t, zapcore.WarnLevel, accessLevel("/api/invoices/:id/retries", http.StatusConflict))
	assert.Equal(t, zapcore.InfoLevel, accessLevel("/api/invoices/:id/retries", http.StatusUnprocessableEntity))
}

func TestBuildRejectsUnknownLevel(t *testing.T) {
	_, err := Build(Config{Level: "loud"})
	require.Error(t, err)

	log, err := Build(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}
