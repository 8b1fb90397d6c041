package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/recovery/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Path parameters bound by the API router. Spans carry them so a retry can be
// found by invoice or subscription in the trace backend.
var spanResourceKeys = []struct {
	ctxKey string
	attr   string
}{
	{ctxKey: "invoice_id", attr: "invoice.id"},
	{ctxKey: "subscription_id", attr: "subscription.id"},
}

type middlewareOptions struct {
	tracer     trace.Tracer
	errorKind  func(error) string
	idemHeader string
}

type MiddlewareOption func(*middlewareOptions)

// WithErrorKind labels failed spans with the recovery error kind.
func WithErrorKind(fn func(error) string) MiddlewareOption {
	return func(o *middlewareOptions) { o.errorKind = fn }
}

func WithTracerProvider(tp trace.TracerProvider) MiddlewareOption {
	return func(o *middlewareOptions) {
		if tp != nil {
			o.tracer = tp.Tracer("recovery/http")
		}
	}
}

// GinMiddleware opens a server span per request and tags it with the invoice
// or subscription the request targets.
func GinMiddleware(opts ...MiddlewareOption) gin.HandlerFunc {
	o := middlewareOptions{
		tracer:     otel.Tracer("recovery/http"),
		idemHeader: "Idempotency-Key",
	}
	for _, opt := range opts {
		opt(&o)
	}

	return func(c *gin.Context) {
		method := strings.ToUpper(c.Request.Method)
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := o.tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			ctx = withBaggage(ctx, "request_id", requestID)
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + method + " " + route)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Bool("recovery.keyed_request", strings.TrimSpace(c.GetHeader(o.idemHeader)) != ""),
		}
		for _, key := range spanResourceKeys {
			if id := c.GetString(key.ctxKey); id != "" {
				attrs = append(attrs, attribute.String(key.attr, id))
			}
		}
		if replayed := c.Writer.Header().Get("Idempotent-Replayed"); replayed != "" {
			attrs = append(attrs, attribute.Bool("recovery.replayed", replayed == "true"))
		}

		lastErr := c.Errors.Last()
		if lastErr != nil && o.errorKind != nil {
			if kind := o.errorKind(lastErr.Err); kind != "" {
				attrs = append(attrs, attribute.String("recovery.error_kind", kind))
			}
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status == http.StatusTooManyRequests {
			span.AddEvent("retry throttled", trace.WithAttributes(
				attribute.String("reason", c.Writer.Header().Get("X-Rate-Limited-Reason")),
			))
		}
		if status >= http.StatusInternalServerError {
			if lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

func withBaggage(ctx context.Context, key, value string) context.Context {
	member, err := baggage.NewMember(key, value)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
