package services_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/revue/pkg/models"
	"github.com/codeready-toolchain/revue/pkg/platform"
	"github.com/codeready-toolchain/revue/pkg/services"
	"github.com/codeready-toolchain/revue/test/util"
)

// fakeRegistrar records hook lifecycle calls.
type fakeRegistrar struct {
	registered   int
	unregistered []string
	registerErr  error
}

func (f *fakeRegistrar) RegisterHook(_ context.Context, _, repositoryID, _ string) ([]platform.Hook, error) {
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	f.registered++
	return []platform.Hook{
		{ID: repositoryID + "-hook-created", EventType: "git.pullrequest.created"},
		{ID: repositoryID + "-hook-updated", EventType: "git.pullrequest.updated"},
	}, nil
}

func (f *fakeRegistrar) UnregisterHook(_ context.Context, hookID string) error {
	f.unregistered = append(f.unregistered, hookID)
	return nil
}

func registerInput(id string) services.RegisterInput {
	return services.RegisterInput{
		RepositoryID: id,
		Organization: "contoso",
		Project:      "Platform",
		ProjectID:    "project-guid",
		Name:         "platform-api-" + id,
		URL:          "https://dev.azure.com/contoso/Platform/_git/" + id,
		CallbackURL:  "https://revue.contoso.com/webhooks/azuredevops/pr",
	}
}

func TestRepositoryRegistrationLifecycle(t *testing.T) {
	client := util.EntClient(t)
	registrar := &fakeRegistrar{}
	svc := services.NewRepositoryService(client, registrar)
	ctx := context.Background()

	repo, err := svc.Register(ctx, registerInput("repo-1"))
	require.NoError(t, err)
	assert.Equal(t, "repo-1", repo.ID)
	assert.Equal(t, 1, registrar.registered)

	monitored, err := svc.IsMonitored(ctx, "repo-1")
	require.NoError(t, err)
	assert.True(t, monitored)

	// Duplicate registration conflicts and does not leak hooks.
	_, err = svc.Register(ctx, registerInput("repo-1"))
	assert.ErrorIs(t, err, services.ErrAlreadyRegistered)
	assert.Equal(t, 1, registrar.registered)

	repos, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 1)

	require.NoError(t, svc.Unregister(ctx, "repo-1"))
	assert.Len(t, registrar.unregistered, 2)

	monitored, err = svc.IsMonitored(ctx, "repo-1")
	require.NoError(t, err)
	assert.False(t, monitored)

	assert.ErrorIs(t, svc.Unregister(ctx, "repo-1"), services.ErrNotFound)
}

func TestRegisterPersistsNothingOnHookFailure(t *testing.T) {
	client := util.EntClient(t)
	registrar := &fakeRegistrar{registerErr: fmt.Errorf("platform down")}
	svc := services.NewRepositoryService(client, registrar)

	_, err := svc.Register(context.Background(), registerInput("repo-err"))
	require.Error(t, err)

	monitored, err := svc.IsMonitored(context.Background(), "repo-err")
	require.NoError(t, err)
	assert.False(t, monitored)
}

func TestExecutionLifecycle(t *testing.T) {
	client := util.EntClient(t)
	registrar := &fakeRegistrar{}
	repoSvc := services.NewRepositoryService(client, registrar)
	execSvc := services.NewExecutionService(client)
	ctx := context.Background()

	_, err := repoSvc.Register(ctx, registerInput("repo-1"))
	require.NoError(t, err)

	now := time.Now()
	state := &models.AgentState{
		AgentID:      "agent-1",
		PRID:         101,
		RepositoryID: "repo-1",
		Phase:        models.PhaseInit,
		StartedAt:    now,
		Deadline:     now.Add(10 * time.Minute),
	}
	require.NoError(t, execSvc.Start(ctx, state))

	running, err := execSvc.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "agent-1", running[0].ID)

	state.Phase = models.PhaseDone
	state.Counters = models.Counters{
		FilesAnalyzed:  2,
		FindingsPosted: 3,
		APICalls:       7,
	}
	state.Timings = map[string]int64{"line_analysis": 1200}
	require.NoError(t, execSvc.Finish(ctx, state, models.StatusCompleted, ""))

	execution, err := execSvc.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.EqualValues(t, "completed", execution.Status)
	assert.Equal(t, 3, execution.FindingsPosted)
	assert.Equal(t, 7, execution.APICalls)
	require.NotNil(t, execution.DurationMs)
	assert.GreaterOrEqual(t, *execution.DurationMs, 0)
	assert.Equal(t, int64(1200), execution.PhaseTimings["line_analysis"])

	running, err = execSvc.ListRunning(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)

	// Status filter.
	completed, err := execSvc.List(ctx, services.ListFilter{Status: "completed"})
	require.NoError(t, err)
	assert.Len(t, completed, 1)

	_, err = execSvc.Get(ctx, "missing")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestMarkTimedOut(t *testing.T) {
	client := util.EntClient(t)
	registrar := &fakeRegistrar{}
	repoSvc := services.NewRepositoryService(client, registrar)
	execSvc := services.NewExecutionService(client)
	ctx := context.Background()

	_, err := repoSvc.Register(ctx, registerInput("repo-1"))
	require.NoError(t, err)

	now := time.Now()
	state := &models.AgentState{
		AgentID:      "agent-stale",
		PRID:         106,
		RepositoryID: "repo-1",
		Phase:        models.PhaseParse,
		StartedAt:    now.Add(-time.Hour),
		Deadline:     now.Add(-50 * time.Minute),
	}
	require.NoError(t, execSvc.Start(ctx, state))

	require.NoError(t, execSvc.MarkTimedOut(ctx, "agent-stale", "orphaned"))

	execution, err := execSvc.Get(ctx, "agent-stale")
	require.NoError(t, err)
	assert.EqualValues(t, "timeout", execution.Status)
	require.NotNil(t, execution.ErrorMessage)
	assert.Equal(t, "orphaned", *execution.ErrorMessage)
}
