// Package api provides the HTTP surface: the platform webhook sink, the
// admin repository and agent endpoints, health, and metrics.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeready-toolchain/revue/pkg/database"
	"github.com/codeready-toolchain/revue/pkg/ingest"
	"github.com/codeready-toolchain/revue/pkg/orchestrator"
	"github.com/codeready-toolchain/revue/pkg/services"
	"github.com/codeready-toolchain/revue/pkg/store"
)

// maxWebhookBody bounds webhook payload reads (the platform envelope for a
// PR event is far below this).
const maxWebhookBody = 2 << 20

// Server is the HTTP API server.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	dbClient    *database.Client
	stateStore  *store.Store
	ingestor    *ingest.Ingestor
	repos       *services.RepositoryService
	executions  *services.ExecutionService
	pool        *orchestrator.Pool
	registry    *prometheus.Registry
	callbackURL string
}

// NewServer creates the API server and registers all routes.
func NewServer(
	dbClient *database.Client,
	stateStore *store.Store,
	ingestor *ingest.Ingestor,
	repos *services.RepositoryService,
	executions *services.ExecutionService,
	pool *orchestrator.Pool,
	registry *prometheus.Registry,
	callbackURL string,
) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		router:      router,
		dbClient:    dbClient,
		stateStore:  stateStore,
		ingestor:    ingestor,
		repos:       repos,
		executions:  executions,
		pool:        pool,
		registry:    registry,
		callbackURL: callbackURL,
	}
	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	s.router.POST("/webhooks/azuredevops/pr", s.webhookHandler)

	v1 := s.router.Group("/api/v1")
	v1.POST("/repositories", s.registerRepositoryHandler)
	v1.GET("/repositories", s.listRepositoriesHandler)
	v1.DELETE("/repositories/:id", s.unregisterRepositoryHandler)

	v1.GET("/agents", s.listAgentsHandler)
	v1.GET("/agents/:id", s.getAgentHandler)
}

// Handler exposes the router (tests).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener (tests use an
// OS-assigned port).
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.router}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
