package api

import (
	"time"

	"github.com/codeready-toolchain/revue/ent"
	"github.com/codeready-toolchain/revue/pkg/database"
	"github.com/codeready-toolchain/revue/pkg/orchestrator"
)

// RepositoryResponse is one monitored repository.
type RepositoryResponse struct {
	RepositoryID string    `json:"repository_id"`
	Organization string    `json:"organization"`
	Project      string    `json:"project"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func repositoryResponse(repo *ent.Repository) RepositoryResponse {
	return RepositoryResponse{
		RepositoryID: repo.ID,
		Organization: repo.Organization,
		Project:      repo.Project,
		Name:         repo.Name,
		URL:          repo.URL,
		CreatedAt:    repo.CreatedAt,
		UpdatedAt:    repo.UpdatedAt,
	}
}

// AgentResponse is one agent execution record.
type AgentResponse struct {
	AgentID           string           `json:"agent_id"`
	PRID              int              `json:"pr_id"`
	RepositoryID      string           `json:"repository_id"`
	Status            string           `json:"status"`
	Phase             string           `json:"phase"`
	StartedAt         time.Time        `json:"started_at"`
	Deadline          time.Time        `json:"deadline"`
	EndedAt           *time.Time       `json:"ended_at,omitempty"`
	DurationMs        *int             `json:"duration_ms,omitempty"`
	PhaseTimings      map[string]int64 `json:"phase_timings,omitempty"`
	FilesAnalyzed     int              `json:"files_analyzed"`
	FindingsPosted    int              `json:"findings_posted"`
	DuplicatesSkipped int              `json:"duplicates_skipped"`
	ResolutionsMarked int              `json:"resolutions_marked"`
	APICalls          int              `json:"api_calls"`
	APIErrors         int              `json:"api_errors"`
	ErrorMessage      string           `json:"error_message,omitempty"`
}

func agentResponse(execution *ent.AgentExecution) AgentResponse {
	response := AgentResponse{
		AgentID:           execution.ID,
		PRID:              execution.PrID,
		RepositoryID:      execution.RepositoryID,
		Status:            string(execution.Status),
		Phase:             execution.Phase,
		StartedAt:         execution.StartedAt,
		Deadline:          execution.Deadline,
		EndedAt:           execution.EndedAt,
		DurationMs:        execution.DurationMs,
		PhaseTimings:      execution.PhaseTimings,
		FilesAnalyzed:     execution.FilesAnalyzed,
		FindingsPosted:    execution.FindingsPosted,
		DuplicatesSkipped: execution.DuplicatesSkipped,
		ResolutionsMarked: execution.ResolutionsMarked,
		APICalls:          execution.APICalls,
		APIErrors:         execution.APIErrors,
	}
	if execution.ErrorMessage != nil {
		response.ErrorMessage = *execution.ErrorMessage
	}
	return response
}

// HealthResponse is the liveness report.
type HealthResponse struct {
	Status   string               `json:"status"`
	Version  string               `json:"version"`
	Database *database.Health     `json:"database,omitempty"`
	Store    string               `json:"store"`
	Pool     *orchestrator.Health `json:"pool,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
