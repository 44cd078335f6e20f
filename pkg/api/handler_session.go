package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tarsy-sre/tarsy/ent/alertsession"
	"github.com/tarsy-sre/tarsy/pkg/models"
)

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		abortWithError(c, http.StatusBadRequest, "session id is required")
		return
	}

	detail, err := s.sessionService.GetSessionDetail(c.Request.Context(), sessionID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, detail)
}

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c *gin.Context) {
	params := models.DashboardListParams{
		Page:      1,
		PageSize:  25,
		SortBy:    "created_at",
		SortOrder: "desc",
	}

	// Parse pagination.
	if v := c.Query("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			params.Page = p
		}
	}
	if v := c.Query("page_size"); v != "" {
		if ps, err := strconv.Atoi(v); err == nil && ps > 0 && ps <= 100 {
			params.PageSize = ps
		}
	}

	// Parse sorting.
	if v := c.Query("sort_by"); v != "" {
		switch v {
		case "created_at", "status", "alert_type", "author", "duration":
			params.SortBy = v
		default:
			abortWithError(c, http.StatusBadRequest, "invalid sort_by: must be created_at, status, alert_type, author, or duration")
			return
		}
	}
	if v := c.Query("sort_order"); v != "" {
		switch v {
		case "asc", "desc":
			params.SortOrder = v
		default:
			abortWithError(c, http.StatusBadRequest, "invalid sort_order: must be asc or desc")
			return
		}
	}

	// Parse filters.
	if v := c.Query("status"); v != "" {
		// Validate each comma-separated status.
		statuses := strings.Split(v, ",")
		for _, st := range statuses {
			if err := alertsession.StatusValidator(alertsession.Status(st)); err != nil {
				abortWithError(c, http.StatusBadRequest, "invalid status: "+st)
				return
			}
		}
		params.Status = v
	}
	params.AlertType = c.Query("alert_type")
	params.ChainID = c.Query("chain_id")
	if v := c.Query("search"); v != "" {
		if len(v) < 3 {
			abortWithError(c, http.StatusBadRequest, "search query must be at least 3 characters")
			return
		}
		params.Search = v
	}

	// Parse date range.
	if v := c.Query("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "invalid start_date: must be RFC3339")
			return
		}
		params.StartDate = &t
	}
	if v := c.Query("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "invalid end_date: must be RFC3339")
			return
		}
		params.EndDate = &t
	}

	result, err := s.sessionService.ListSessionsForDashboard(c.Request.Context(), params)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// activeSessionsHandler handles GET /api/v1/sessions/active.
func (s *Server) activeSessionsHandler(c *gin.Context) {
	result, err := s.sessionService.GetActiveSessions(c.Request.Context())
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// sessionSummaryHandler handles GET /api/v1/sessions/:id/summary.
func (s *Server) sessionSummaryHandler(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		abortWithError(c, http.StatusBadRequest, "session id is required")
		return
	}

	summary, err := s.sessionService.GetSessionSummary(c.Request.Context(), sessionID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// sessionStatusHandler handles GET /api/v1/sessions/:id/status.
func (s *Server) sessionStatusHandler(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		abortWithError(c, http.StatusBadRequest, "session id is required")
		return
	}

	status, err := s.sessionService.GetSessionStatus(c.Request.Context(), sessionID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// resumeSessionHandler handles POST /api/v1/sessions/:id/resume.
func (s *Server) resumeSessionHandler(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		abortWithError(c, http.StatusBadRequest, "session id is required")
		return
	}

	if err := s.sessionService.ResumeSession(c.Request.Context(), sessionID); err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, &CancelResponse{
		SessionID: sessionID,
		Message:   "Session resume requested",
	})
}

// pauseSessionHandler handles POST /api/v1/sessions/:id/pause.
func (s *Server) pauseSessionHandler(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		abortWithError(c, http.StatusBadRequest, "session id is required")
		return
	}

	// Confirm the session is actually in a pausable (in_progress) state.
	if err := s.sessionService.PauseSession(c.Request.Context(), sessionID); err != nil {
		abortWithServiceError(c, err)
		return
	}

	// Signal the cooperative pause via the worker pool on this pod. Like
	// WorkerPool.CancelSession, this only reaches a session actually running
	// on this pod; cross-pod delivery would need the same NOTIFY-based
	// fan-out events.NotifyListener.RegisterHandler exists for but that
	// isn't wired up yet.
	if s.workerPool != nil {
		s.workerPool.RequestPause(sessionID)
	}

	c.JSON(http.StatusOK, &CancelResponse{
		SessionID: sessionID,
		Message:   "Session pause requested",
	})
}

// cancelSessionHandler handles POST /api/v1/sessions/:id/cancel.
func (s *Server) cancelSessionHandler(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		abortWithError(c, http.StatusBadRequest, "session id is required")
		return
	}

	// Try to cancel the investigation (DB status in_progress → cancelling).
	sessionErr := s.sessionService.CancelSession(c.Request.Context(), sessionID)

	// Always try to cancel on this pod via worker pool, regardless of DB result.
	if s.workerPool != nil {
		s.workerPool.CancelSession(sessionID)
	}

	// Always try to cancel any active chat execution — a chat may be running
	// even when the session is already completed/failed/timed_out.
	chatCancelled := false
	if s.chatExecutor != nil {
		chatCancelled = s.chatExecutor.CancelBySessionID(c.Request.Context(), sessionID)
	}

	// Return success if either the session or a chat was cancelled.
	if sessionErr != nil && !chatCancelled {
		abortWithServiceError(c, sessionErr)
		return
	}

	c.JSON(http.StatusOK, &CancelResponse{
		SessionID: sessionID,
		Message:   "Session cancellation requested",
	})
}
