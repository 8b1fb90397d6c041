package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// intQuery reads an optional integer query parameter. An absent or blank
// value yields def.
func intQuery(c *gin.Context, field string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(field))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, newValidationError(field, "invalid_"+field, field+" must be an integer")
	}
	return n, nil
}
