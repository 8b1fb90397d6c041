package server

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/recovery/internal/observability/context"
)

const (
	contextInvoiceIDKey      = "invoice_id"
	contextSubscriptionIDKey = "subscription_id"
)

var pathScopes = map[string]func(context.Context, string) context.Context{
	contextInvoiceIDKey:      obscontext.WithInvoiceID,
	contextSubscriptionIDKey: obscontext.WithSubscriptionID,
}

// BindPathID copies the :id path parameter into the gin context under key and
// scopes the request context to it, so access logs, spans and service logs
// carry the resource id.
func BindPathID(key string) gin.HandlerFunc {
	scope := pathScopes[key]
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.Param("id")); id != "" {
			c.Set(key, id)
			if scope != nil {
				c.Request = c.Request.WithContext(scope(c.Request.Context(), id))
			}
		}
		c.Next()
	}
}
