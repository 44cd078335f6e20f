package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleListRunbooks handles GET /api/v1/runbooks.
// Returns available runbook URLs from the configured GitHub repository.
// Fail-open: returns empty array on error or when the service is not configured.
func (s *Server) handleListRunbooks(c *gin.Context) {
	if s.runbookService == nil {
		c.JSON(http.StatusOK, []string{})
		return
	}

	runbooks, err := s.runbookService.ListRunbooks(c.Request.Context())
	if err != nil {
		slog.Warn("Failed to list runbooks", "error", err)
		c.JSON(http.StatusOK, []string{})
		return
	}

	c.JSON(http.StatusOK, runbooks)
}
