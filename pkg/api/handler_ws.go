package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// wsHandler upgrades HTTP connections to WebSocket and delegates to ConnectionManager.
func (s *Server) wsHandler(c *gin.Context) {
	if s.connManager == nil {
		abortWithError(c, http.StatusServiceUnavailable, "WebSocket not available")
		return
	}

	// Upgrade HTTP to WebSocket
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Phase 3.4: Accept all origins. Origin validation is deferred to Phase 7 (Security).
		// Phase 7 should replace InsecureSkipVerify with OriginPatterns-based allowlist
		// read from server config, rejecting connections by default if the list is empty.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	// Register connection with the ConnectionManager.
	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request.Context(), conn)
}
