package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// getTimelineHandler handles GET /api/v1/sessions/:id/timeline.
func (s *Server) getTimelineHandler(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		abortWithError(c, http.StatusBadRequest, "session id is required")
		return
	}
	if s.timelineService == nil {
		abortWithError(c, http.StatusServiceUnavailable, "timeline endpoint not configured")
		return
	}

	events, err := s.timelineService.GetSessionTimeline(c.Request.Context(), sessionID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, events)
}
