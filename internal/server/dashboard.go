package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	dashboarddomain "github.com/smallbiznis/recovery/internal/recoverydashboard/domain"
)

func (s *Server) GetRecoveryDashboard(c *gin.Context) {
	days, err := intQuery(c, "days", 0)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	dashboard, err := s.dashboardSvc.GetRecoveryDashboard(c.Request.Context(), dashboarddomain.DashboardRequest{
		Days:  days,
		Limit: limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": dashboard})
}
