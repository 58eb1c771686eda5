// Package api provides the HTTP edge for the evaluation orchestration core.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evalcore/orchestrator/pkg/config"
	"github.com/evalcore/orchestrator/pkg/database"
	"github.com/evalcore/orchestrator/pkg/definitionstore"
	"github.com/evalcore/orchestrator/pkg/events"
	"github.com/evalcore/orchestrator/pkg/executionstore"
	"github.com/evalcore/orchestrator/pkg/orchestrator"
)

// Server is the HTTP API server, rewired from the teacher's Echo-based
// pkg/api.Server onto Gin — the framework actually pinned and reachable from
// this repo's go.mod (SPEC_FULL.md §1).
type Server struct {
	engine       *gin.Engine
	httpServer   *http.Server
	cfg          *config.Config
	dbClient     *database.Client
	defStore     *definitionstore.Store
	execStore    *executionstore.Store
	orchestrator *orchestrator.Orchestrator
	pool         *orchestrator.WorkerPool
	broker       *events.Broker
}

// NewServer builds the Gin engine and registers every route.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	defStore *definitionstore.Store,
	execStore *executionstore.Store,
	orch *orchestrator.Orchestrator,
	pool *orchestrator.WorkerPool,
	broker *events.Broker,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:       engine,
		cfg:          cfg,
		dbClient:     dbClient,
		defStore:     defStore,
		execStore:    execStore,
		orchestrator: orch,
		pool:         pool,
		broker:       broker,
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers every endpoint from spec §6 plus the ambient
// /healthz and /metrics surfaces SPEC_FULL.md §6 adds. The domain routes
// are registered only when the stores and the Orchestrator are supplied.
func (s *Server) setupRoutes() {
	s.engine.Use(securityHeaders())
	s.engine.Use(bodyLimit(2 * 1024 * 1024))

	s.engine.GET("/healthz", s.healthzHandler)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.defStore == nil || s.execStore == nil || s.orchestrator == nil {
		return
	}

	eval := s.engine.Group("/evaluation")
	eval.Use(resolveFacade())
	eval.POST("/suites", s.createSuiteHandler)
	eval.POST("/suites/:suite_id/evals", s.addCaseHandler)
	eval.POST("/suites/:suite_id/execute", s.executeHandler)
	eval.GET("/executions/:execution_id/status", s.getStatusHandler)
	eval.GET("/executions/:execution_id/summary", s.getSummaryHandler)
	eval.POST("/executions/:execution_id/cancel", s.cancelExecutionHandler)
	eval.GET("/executions/:execution_id/events", s.streamEventsHandler)

	apiGroup := s.engine.Group("/api")
	apiGroup.Use(resolveFacade())
	apiGroup.GET("/flows", s.listSuitesHandler)
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener, used
// by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthzHandler handles GET /healthz.
func (s *Server) healthzHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(reqCtx, s.dbClient.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": dbHealth})
		return
	}

	status := http.StatusOK
	body := gin.H{"status": "healthy", "database": dbHealth}
	if s.pool != nil {
		poolHealth := s.pool.Health(reqCtx)
		body["worker_pool"] = poolHealth
		if !poolHealth.IsHealthy {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, body)
}
