// Package api serves the HTTP control surface: message injection, org and
// conversation inspection, artifact transfer, runtime stats, and the
// WebSocket event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hiveworks/hived/pkg/bus"
	"github.com/hiveworks/hived/pkg/config"
	"github.com/hiveworks/hived/pkg/conversation"
	"github.com/hiveworks/hived/pkg/events"
	"github.com/hiveworks/hived/pkg/llm"
	"github.com/hiveworks/hived/pkg/org"
	"github.com/hiveworks/hived/pkg/runtime"
	"github.com/hiveworks/hived/pkg/store"
)

// Deps are the runtime collaborators the API reads from and writes to.
type Deps struct {
	Org       *org.State
	Conv      *conversation.Store
	Lifecycle *runtime.Lifecycle
	Bus       *bus.MessageBus
	Limiter   *llm.Limiter
	Scheduler *runtime.Scheduler
	Gateway   *runtime.UserGateway
	Artifacts *store.ArtifactStore
	Shutdown  *runtime.ShutdownManager
	ConnMgr   *events.ConnectionManager
}

// Server is the HTTP API. Construct with NewServer, then Start; Stop shuts
// the listener down gracefully.
type Server struct {
	cfg       *config.APIConfig
	org       *org.State
	conv      *conversation.Store
	lifecycle *runtime.Lifecycle
	msgBus    *bus.MessageBus
	limiter   *llm.Limiter
	scheduler *runtime.Scheduler
	gateway   *runtime.UserGateway
	artifacts *store.ArtifactStore
	shutdown  *runtime.ShutdownManager
	connMgr   *events.ConnectionManager

	httpSrv *http.Server
	logger  *slog.Logger
}

// NewServer wires the API around the running system.
func NewServer(cfg *config.APIConfig, deps Deps) *Server {
	return &Server{
		cfg:       cfg,
		org:       deps.Org,
		conv:      deps.Conv,
		lifecycle: deps.Lifecycle,
		msgBus:    deps.Bus,
		limiter:   deps.Limiter,
		scheduler: deps.Scheduler,
		gateway:   deps.Gateway,
		artifacts: deps.Artifacts,
		shutdown:  deps.Shutdown,
		connMgr:   deps.ConnMgr,
		logger:    slog.With("component", "api"),
	}
}

// Router builds the gin engine with all routes and middleware. Exposed so
// tests can drive the API without a listener.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), s.drainGuard())

	r.GET("/healthz", s.handleHealthz)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/stats", s.handleStats)
		v1.POST("/messages", s.handleInjectMessage)
		v1.GET("/agents", s.handleListAgents)
		v1.GET("/agents/:id", s.handleGetAgent)
		v1.GET("/agents/:id/conversation", s.handleGetConversation)
		v1.POST("/agents/:id/abort", s.handleAbortAgent)
		v1.GET("/roles", s.handleListRoles)
		v1.POST("/artifacts", s.handleUploadArtifact)
		v1.GET("/artifacts/:id", s.handleGetArtifactContent)
		v1.GET("/artifacts/:id/meta", s.handleGetArtifactMeta)
		v1.GET("/events/ws", s.handleEventsWS)
	}
	return r
}

// Start begins serving in a background goroutine. Listener failures other
// than a clean close land on errCh.
func (s *Server) Start(errCh chan<- error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("API listening", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
}

// Stop closes the listener and waits for in-flight requests up to ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
