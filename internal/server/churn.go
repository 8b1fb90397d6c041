package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	churndomain "github.com/smallbiznis/recovery/internal/churn/domain"
)

func (s *Server) GetChurnScore(c *gin.Context) {
	score, err := s.churnSvc.ScoreSubscription(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": score})
}

func (s *Server) ListAtRiskChurnScores(c *gin.Context) {
	level, ok := churndomain.ParseLevel(strings.ToUpper(strings.TrimSpace(c.Query("min_level"))))
	if !ok {
		AbortWithError(c, newValidationError("min_level", "invalid_min_level", "min_level must be one of LOW, MEDIUM, HIGH, CRITICAL"))
		return
	}

	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if limit < 0 {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must not be negative"))
		return
	}

	scores, err := s.churnSvc.ScoreAllAtRisk(c.Request.Context(), churndomain.ScoreAllRequest{
		MinLevel: level,
		Limit:    limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if scores == nil {
		scores = []churndomain.Score{}
	}

	c.JSON(http.StatusOK, gin.H{"data": scores})
}
