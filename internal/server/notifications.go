package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const defaultNotificationLimit = 50

func (s *Server) ListNotifications(c *gin.Context) {
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil || (limit != nil && *limit <= 0) {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	n := defaultNotificationLimit
	if limit != nil {
		n = *limit
	}

	resp, err := s.notificationSvc.List(c.Request.Context(), n)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
