package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tarsy-sre/tarsy/ent/alertsession"
)

// FilterOptionsResponse is returned by GET /api/v1/sessions/filter-options.
type FilterOptionsResponse struct {
	AlertTypes []string `json:"alert_types"`
	ChainIDs   []string `json:"chain_ids"`
	Statuses   []string `json:"statuses"`
}

// filterOptionsHandler handles GET /api/v1/sessions/filter-options.
func (s *Server) filterOptionsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	alertTypes, err := s.sessionService.GetDistinctAlertTypes(ctx)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	chainIDs, err := s.sessionService.GetDistinctChainIDs(ctx)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	// Statuses are the static enum values — always return all possible values.
	statuses := []string{
		string(alertsession.StatusPending),
		string(alertsession.StatusInProgress),
		string(alertsession.StatusPaused),
		string(alertsession.StatusCancelling),
		string(alertsession.StatusCompleted),
		string(alertsession.StatusFailed),
		string(alertsession.StatusCancelled),
		string(alertsession.StatusTimedOut),
	}

	c.JSON(http.StatusOK, FilterOptionsResponse{
		AlertTypes: alertTypes,
		ChainIDs:   chainIDs,
		Statuses:   statuses,
	})
}
