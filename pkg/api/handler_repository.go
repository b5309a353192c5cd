package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/revue/pkg/services"
)

// registerRepositoryHandler handles POST /api/v1/repositories.
func (s *Server) registerRepositoryHandler(c *gin.Context) {
	var req RegisterRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	repo, err := s.repos.Register(c.Request.Context(), services.RegisterInput{
		RepositoryID: req.RepositoryID,
		Organization: req.Organization,
		Project:      req.Project,
		ProjectID:    req.ProjectID,
		Name:         req.Name,
		URL:          req.URL,
		CallbackURL:  s.callbackURL,
	})
	if err != nil {
		if errors.Is(err, services.ErrAlreadyRegistered) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: "repository already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, repositoryResponse(repo))
}

// listRepositoriesHandler handles GET /api/v1/repositories.
func (s *Server) listRepositoriesHandler(c *gin.Context) {
	repos, err := s.repos.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	out := make([]RepositoryResponse, 0, len(repos))
	for _, repo := range repos {
		out = append(out, repositoryResponse(repo))
	}
	c.JSON(http.StatusOK, gin.H{"repositories": out})
}

// unregisterRepositoryHandler handles DELETE /api/v1/repositories/:id.
func (s *Server) unregisterRepositoryHandler(c *gin.Context) {
	err := s.repos.Unregister(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "repository not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
