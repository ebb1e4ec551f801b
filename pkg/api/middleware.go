package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// requestLogger logs one structured line per request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client", c.ClientIP())
	}
}

// drainGuard refuses new work once shutdown has begun: mutating endpoints and
// fresh event streams get 503, read endpoints stay available so operators can
// watch the drain.
func (s *Server) drainGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.shutdown == nil || !s.shutdown.IsShuttingDown() {
			c.Next()
			return
		}
		if c.Request.Method != http.MethodGet || c.FullPath() == "/api/v1/events/ws" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":  "shutting down",
				"reason": s.shutdown.Reason(),
			})
			return
		}
		c.Next()
	}
}
