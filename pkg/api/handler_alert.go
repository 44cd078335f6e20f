package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tarsy-sre/tarsy/pkg/agent"
	"github.com/tarsy-sre/tarsy/pkg/services"
)

// submitAlertHandler handles POST /api/v1/alerts.
// Creates a session in "pending" status and returns immediately with session_id.
func (s *Server) submitAlertHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req SubmitAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}

	// 2. Validate required fields
	if req.Data == "" {
		abortWithError(c, http.StatusBadRequest, "data field is required")
		return
	}

	// 3. Enforce alert data size limit
	if len(req.Data) > agent.MaxAlertDataSize {
		abortWithError(c, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("alert data exceeds maximum size of %d bytes", agent.MaxAlertDataSize))
		return
	}

	// 4. Validate MCP selection override servers (if provided)
	if req.MCP != nil && s.cfg.MCPServerRegistry != nil {
		for _, sel := range req.MCP.Servers {
			if !s.cfg.MCPServerRegistry.Has(sel.Name) {
				abortWithError(c, http.StatusBadRequest,
					fmt.Sprintf("MCP server %q not found in configuration", sel.Name))
				return
			}
		}
	}

	// 5. Transform to service input
	input := services.SubmitAlertInput{
		AlertType: req.AlertType,
		Runbook:   req.Runbook,
		Data:      req.Data,
		MCP:       req.MCP,
		Author:    extractAuthor(c),
	}

	// 6. Call service
	session, err := s.alertService.SubmitAlert(c.Request.Context(), input)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	// 7. Return response
	c.JSON(http.StatusAccepted, &AlertResponse{
		SessionID: session.ID,
		Status:    "queued",
		Message:   "Alert submitted for processing",
	})
}
