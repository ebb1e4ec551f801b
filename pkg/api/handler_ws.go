package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// handleEventsWS upgrades to WebSocket and hands the connection to the
// event fan-out manager. Blocks for the life of the connection.
func (s *Server) handleEventsWS(c *gin.Context) {
	if s.connMgr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream not available"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// The API binds inside the deployment boundary; origin checks are
		// the ingress's job.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	s.connMgr.HandleConnection(c.Request.Context(), conn)
}
