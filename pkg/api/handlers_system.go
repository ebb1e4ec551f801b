package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hiveworks/hived/pkg/version"
)

// handleHealthz reports liveness. The status flips to shutting_down during
// the drain so orchestrators stop routing here.
func (s *Server) handleHealthz(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if s.shutdown != nil && s.shutdown.IsShuttingDown() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:  status,
		App:     version.AppName,
		Version: version.GitCommit,
	})
}

// handleStats snapshots the runtime counters.
func (s *Server) handleStats(c *gin.Context) {
	resp := StatsResponse{
		Bus:      s.msgBus.Stats(),
		Limiter:  s.limiter.GetStats(),
		Agents:   s.lifecycle.CountByStatus(),
		Shutdown: s.shutdown != nil && s.shutdown.IsShuttingDown(),
	}
	if s.scheduler != nil {
		resp.Scheduler = s.scheduler.Stats()
	}
	if s.gateway != nil {
		resp.UserInbox.Delivered = s.gateway.Delivered()
	}
	if s.connMgr != nil {
		resp.Events.Connections = s.connMgr.ActiveConnections()
	}
	c.JSON(http.StatusOK, resp)
}
