package services

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/revue/ent"
	"github.com/codeready-toolchain/revue/ent/agentexecution"
	"github.com/codeready-toolchain/revue/pkg/models"
)

// ExecutionService maintains the durable per-run record in the
// agent_executions table. Run-time state lives in the KV store; these rows
// are the reporting and boot-recovery view.
type ExecutionService struct {
	client *ent.Client
}

// NewExecutionService creates the service.
func NewExecutionService(client *ent.Client) *ExecutionService {
	return &ExecutionService{client: client}
}

// Start persists the initial running record for a spawned agent.
func (s *ExecutionService) Start(ctx context.Context, state *models.AgentState) error {
	err := s.client.AgentExecution.Create().
		SetID(state.AgentID).
		SetPrID(state.PRID).
		SetRepositoryID(state.RepositoryID).
		SetStatus(agentexecution.StatusRunning).
		SetPhase(string(state.Phase)).
		SetStartedAt(state.StartedAt).
		SetDeadline(state.Deadline).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create execution record: %w", err)
	}
	return nil
}

// Finish writes the terminal record: status, timings, and counters.
func (s *ExecutionService) Finish(ctx context.Context, state *models.AgentState, status models.AgentStatus, errMsg string) error {
	now := time.Now()
	update := s.client.AgentExecution.UpdateOneID(state.AgentID).
		SetStatus(agentexecution.Status(status)).
		SetPhase(string(state.Phase)).
		SetEndedAt(now).
		SetDurationMs(int(now.Sub(state.StartedAt).Milliseconds())).
		SetFilesAnalyzed(state.Counters.FilesAnalyzed).
		SetFindingsPosted(state.Counters.FindingsPosted).
		SetDuplicatesSkipped(state.Counters.DuplicatesSkipped).
		SetResolutionsMarked(state.Counters.ResolutionsMarked).
		SetAPICalls(state.Counters.APICalls).
		SetAPIErrors(state.Counters.APIErrors)
	if len(state.Timings) > 0 {
		update = update.SetPhaseTimings(state.Timings)
	}
	if errMsg != "" {
		update = update.SetErrorMessage(errMsg)
	}
	if err := update.Exec(ctx); err != nil {
		return fmt.Errorf("finalize execution record: %w", err)
	}
	return nil
}

// MarkTimedOut forces a terminal timeout status onto a stale running record
// (boot recovery and supervision).
func (s *ExecutionService) MarkTimedOut(ctx context.Context, agentID, message string) error {
	err := s.client.AgentExecution.UpdateOneID(agentID).
		SetStatus(agentexecution.StatusTimeout).
		SetEndedAt(time.Now()).
		SetErrorMessage(message).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark execution timed out: %w", err)
	}
	return nil
}

// ListRunning returns all records still marked running.
func (s *ExecutionService) ListRunning(ctx context.Context) ([]*ent.AgentExecution, error) {
	executions, err := s.client.AgentExecution.Query().
		Where(agentexecution.StatusEQ(agentexecution.StatusRunning)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	return executions, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status string
	Limit  int
}

// List returns execution records, newest first.
func (s *ExecutionService) List(ctx context.Context, filter ListFilter) ([]*ent.AgentExecution, error) {
	query := s.client.AgentExecution.Query().
		Order(ent.Desc(agentexecution.FieldStartedAt))
	if filter.Status != "" {
		query = query.Where(agentexecution.StatusEQ(agentexecution.Status(filter.Status)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	executions, err := query.Limit(limit).All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return executions, nil
}

// Get returns one execution record.
func (s *ExecutionService) Get(ctx context.Context, agentID string) (*ent.AgentExecution, error) {
	execution, err := s.client.AgentExecution.Get(ctx, agentID)
	if ent.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return execution, nil
}
