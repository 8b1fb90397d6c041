package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/recovery/internal/observability/logger"
	"github.com/smallbiznis/recovery/internal/ratelimit"
	"go.uber.org/zap"
)

const rateLimitReasonInvoiceRate = "invoice-rate"

// RetryRateLimit throttles manual retries per invoice. Denied requests get
// 429 with Retry-After. A limiter backend error answers 503 rather than
// letting the retry through unmetered.
func (s *Server) RetryRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.retryLimiter.Enabled() {
			c.Next()
			return
		}

		invoiceID := strings.TrimSpace(c.Param("id"))
		if invoiceID == "" {
			AbortWithError(c, invalidRequestError())
			return
		}

		ctx := c.Request.Context()
		endpoint := rateLimitEndpoint(c)
		result, err := s.retryLimiter.Allow(ctx, invoiceID)
		if err != nil {
			logger.FromContext(ctx).Warn("retry rate limit check failed",
				zap.String("backend", s.retryLimiter.Backend()),
				zap.Error(err),
			)
			AbortWithError(c, ErrServiceUnavailable)
			return
		}

		setRateLimitHeaders(c, result)
		if result.Allowed {
			s.obsMetrics.RecordRateLimitAllowed(ctx, endpoint)
			c.Next()
			return
		}

		logger.FromContext(ctx).Warn("retry rate limit exceeded",
			zap.String("reason", rateLimitReasonInvoiceRate),
			zap.String("endpoint", endpoint),
			zap.Duration("retry_after", result.RetryAfter),
		)
		s.obsMetrics.RecordRateLimitDenied(ctx, endpoint, rateLimitReasonInvoiceRate)
		c.Header("Retry-After", retryAfterSeconds(result))
		c.Header("X-Rate-Limited-Reason", rateLimitReasonInvoiceRate)
		AbortWithError(c, ErrRateLimited)
	}
}

func setRateLimitHeaders(c *gin.Context, result *ratelimit.RateLimitResult) {
	if result.Limit <= 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(max(result.Remaining, 0)))
}

// retryAfterSeconds rounds up to whole seconds, never below one.
func retryAfterSeconds(result *ratelimit.RateLimitResult) string {
	if result == nil || result.RetryAfter <= 0 {
		return "1"
	}
	seconds := max(int64(math.Ceil(result.RetryAfter.Seconds())), 1)
	return strconv.FormatInt(seconds, 10)
}

func rateLimitEndpoint(c *gin.Context) string {
	if endpoint := strings.TrimSpace(c.FullPath()); endpoint != "" {
		return endpoint
	}
	if endpoint := strings.TrimSpace(c.Request.URL.Path); endpoint != "" {
		return endpoint
	}
	return "unknown"
}
