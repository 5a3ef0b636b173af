// Package httpapi is the HTTP front door: gin router, API-key auth, SSE
// streaming, and the websocket event feed.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sandrun/sandrun/internal/common/config"
	"github.com/sandrun/sandrun/internal/common/httpmw"
	"github.com/sandrun/sandrun/internal/common/logger"
	"github.com/sandrun/sandrun/internal/events/bus"
	"github.com/sandrun/sandrun/internal/evidence"
	"github.com/sandrun/sandrun/internal/metrics"
	"github.com/sandrun/sandrun/internal/retention"
	"github.com/sandrun/sandrun/internal/run"
	"github.com/sandrun/sandrun/internal/store"
	"github.com/sandrun/sandrun/internal/workspace"
)

// Server wires the control-plane services to the HTTP surface.
type Server struct {
	store      store.Store
	workspaces *workspace.Service
	runs       *run.Service
	builder    *evidence.Builder
	collector  *retention.Collector
	metrics    *metrics.Metrics
	bus        bus.Bus
	logger     *logger.Logger
	cfg        config.ServerConfig
	auth       config.AuthConfig

	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// NewServer builds the router. The caller starts it with Run or mounts
// Handler in tests.
func NewServer(
	st store.Store,
	workspaces *workspace.Service,
	runs *run.Service,
	builder *evidence.Builder,
	collector *retention.Collector,
	m *metrics.Metrics,
	eventBus bus.Bus,
	cfg config.ServerConfig,
	auth config.AuthConfig,
	log *logger.Logger,
) *Server {
	s := &Server{
		store:      st,
		workspaces: workspaces,
		runs:       runs,
		builder:    builder,
		collector:  collector,
		metrics:    m,
		bus:        eventBus,
		logger:     log,
		cfg:        cfg,
		auth:       auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "sandrun"))
	engine.Use(httpmw.OtelTracing("sandrun"))

	engine.GET("/healthz", s.handleHealthz)

	// Admin bootstrap sits outside API-key auth; it is guarded by the admin
	// token instead.
	engine.POST("/ops/users", s.handleCreateUser)

	authorized := engine.Group("/")
	authorized.Use(s.authMiddleware())
	{
		authorized.GET("/projects", s.handleListProjects)
		authorized.POST("/projects", s.handleCreateProject)
		authorized.POST("/projects/:id/open", s.handleOpenProject)
		authorized.POST("/projects/:id/message", s.handleMessage)
		authorized.POST("/projects/:id/message/stream", s.handleMessageStream)
		authorized.GET("/projects/:id/runs", s.handleListRuns)
		authorized.GET("/runs/:id", s.handleGetRun)
		authorized.GET("/runs/:id/evidence", s.handleEvidence)
		authorized.GET("/runs/:id/events/ws", s.handleRunEventsWS)
		authorized.GET("/metrics", s.handleMetrics)
		authorized.POST("/ops/gc", s.handleGC)
	}

	s.engine = engine
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails or srv is shut down externally.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: s.cfg.ReadTimeoutDuration(),
		// No write timeout: SSE responses stay open for the run duration.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	s.logger.Info("HTTP server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
