package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/revue/pkg/services"
)

// listAgentsHandler handles GET /api/v1/agents.
func (s *Server) listAgentsHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	executions, err := s.executions.List(c.Request.Context(), services.ListFilter{
		Status: c.Query("status"),
		Limit:  limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	out := make([]AgentResponse, 0, len(executions))
	for _, execution := range executions {
		out = append(out, agentResponse(execution))
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

// getAgentHandler handles GET /api/v1/agents/:id.
func (s *Server) getAgentHandler(c *gin.Context) {
	execution, err := s.executions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "agent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, agentResponse(execution))
}
