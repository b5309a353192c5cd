package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/revue/pkg/version"
)

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := &HealthResponse{
		Status:  "healthy",
		Version: version.Full(),
		Store:   "reachable",
	}

	dbHealth, err := s.dbClient.Health(reqCtx)
	response.Database = dbHealth
	if err != nil {
		response.Status = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	if err := s.stateStore.Ping(reqCtx); err != nil {
		response.Status = "unhealthy"
		response.Store = "unreachable"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	if s.pool != nil {
		health := s.pool.Health(reqCtx)
		response.Pool = &health
	}

	c.JSON(http.StatusOK, response)
}
