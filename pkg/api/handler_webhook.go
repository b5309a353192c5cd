package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/revue/pkg/ingest"
)

// webhookHandler handles POST /webhooks/azuredevops/pr.
//
// The platform retries non-2xx deliveries, so every well-formed payload is
// acked with 200 — including unmonitored repositories and duplicates, where
// a retry would be useless. Only malformed payloads (400) and signature
// mismatches (401) are rejected.
func (s *Server) webhookHandler(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unreadable payload"})
		return
	}

	event, err := s.ingestor.Accept(c.Request.Context(), payload, c.GetHeader("X-Hub-Signature-256"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "queued", "pr_id": event.PRID})
	case errors.Is(err, ingest.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "signature verification failed"})
	case errors.Is(err, ingest.ErrRejected):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, ingest.ErrUnmonitored):
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "repository not monitored"})
	case errors.Is(err, ingest.ErrDuplicate):
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "duplicate"})
	default:
		// Backend trouble: the event is not queued, but the well-formed
		// payload is still acked.
		c.JSON(http.StatusOK, gin.H{"status": "dropped", "reason": "temporarily unable to accept events"})
	}
}
