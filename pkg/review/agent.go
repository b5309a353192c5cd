// Package review drives one pull-request review end-to-end: an explicit
// state machine whose phases fetch metadata, compute the change delta, parse
// and analyze files, reconcile prior comments, and publish results. State is
// checkpointed to the store after every phase transition.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/revue/pkg/analyzer"
	"github.com/codeready-toolchain/revue/pkg/diff"
	"github.com/codeready-toolchain/revue/pkg/ledger"
	"github.com/codeready-toolchain/revue/pkg/models"
	"github.com/codeready-toolchain/revue/pkg/platform"
	"github.com/codeready-toolchain/revue/pkg/plugins"
	"github.com/codeready-toolchain/revue/pkg/store"
)

// StateStore is the state-store surface the agent consumes.
type StateStore interface {
	PutState(ctx context.Context, agentID string, state *models.AgentState) error
	GetWatermark(ctx context.Context, repositoryID string, prID int) (int, error)
	SetWatermark(ctx context.Context, repositoryID string, prID, iterationID int) error
}

// Platform is the platform surface the agent consumes directly.
type Platform interface {
	GetPullRequest(ctx context.Context, project, repositoryID string, prID int) (*platform.PullRequest, error)
	CreateThread(ctx context.Context, project, repositoryID string, prID int, input platform.ThreadInput) (*platform.Thread, error)
	UpdateThread(ctx context.Context, project, repositoryID string, prID, threadID int, status platform.ThreadStatus, reply string) error
}

// DeltaSource computes change deltas (the iteration differ).
type DeltaSource interface {
	Diff(ctx context.Context, scope diff.Scope, priorIteration, currentIteration int) (*models.ChangeDelta, error)
	FullDelta(ctx context.Context, scope diff.Scope, iterationID int) (*models.ChangeDelta, error)
}

// CommentLedger reconciles findings against existing threads.
type CommentLedger interface {
	FilterNew(ctx context.Context, scope ledger.Scope, findings []models.LineFinding) ([]models.LineFinding, int, error)
	ClassifyPrior(ctx context.Context, scope ledger.Scope, currentFindings []models.LineFinding, currentContexts map[string]string) (*ledger.Classification, error)
}

// Config holds per-agent tunables.
type Config struct {
	// Deadline is the agent wall deadline.
	Deadline time.Duration `yaml:"deadline"`
	// BatchSize is the number of chunks per analyzer call.
	BatchSize int `yaml:"batch_size"`
}

// DefaultConfig returns agent defaults.
func DefaultConfig() Config {
	return Config{
		Deadline:  10 * time.Minute,
		BatchSize: 4,
	}
}

// Result is the agent's terminal outcome.
type Result struct {
	Status models.AgentStatus
	Err    error
}

// Agent runs one review. It exclusively owns its state blob until terminal.
type Agent struct {
	state    *models.AgentState
	cfg      Config
	store    StateStore
	platform Platform
	differ   DeltaSource
	ledger   CommentLedger
	analyzer analyzer.Analyzer
	plugins  *plugins.Registry
	logger   *slog.Logger

	// fileContents carries delta target content across phases without
	// inflating the checkpointed state blob.
	fileContents map[string]string
}

// Deps bundles the collaborators an agent needs.
type Deps struct {
	Store    StateStore
	Platform Platform
	Differ   DeltaSource
	Ledger   CommentLedger
	Analyzer analyzer.Analyzer
	Plugins  *plugins.Registry
}

// NewAgent creates an agent for one event.
func NewAgent(agentID string, event models.PREvent, cfg Config, deps Deps) *Agent {
	now := time.Now()
	return &Agent{
		state: &models.AgentState{
			AgentID:      agentID,
			PRID:         event.PRID,
			RepositoryID: event.RepositoryID,
			Event:        event,
			Phase:        models.PhaseInit,
			StartedAt:    now,
			Deadline:     now.Add(cfg.Deadline),
		},
		cfg:          cfg,
		store:        deps.Store,
		platform:     deps.Platform,
		differ:       deps.Differ,
		ledger:       deps.Ledger,
		analyzer:     deps.Analyzer,
		plugins:      deps.Plugins,
		logger:       slog.With("agent_id", agentID, "pr_id", event.PRID),
		fileContents: make(map[string]string),
	}
}

// State exposes the current state (for supervision and tests).
func (a *Agent) State() *models.AgentState {
	return a.state
}

// Run drives the state machine to a terminal phase and returns the outcome.
// Cancellation is observed before every phase and at every outbound call;
// a cancelled agent persists its state, aborts the current phase, and exits.
func (a *Agent) Run(ctx context.Context) *Result {
	a.logger.Info("Agent starting", "event_kind", a.state.Event.Kind)

	var fatal error
	for {
		if err := ctx.Err(); err != nil {
			return a.terminate(statusForContextErr(err), err)
		}

		phase := a.state.Phase
		started := time.Now()
		next, err := a.step(ctx)
		a.state.RecordTiming(phase, time.Since(started))

		if err != nil {
			if ctx.Err() != nil {
				return a.terminate(statusForContextErr(ctx.Err()), err)
			}
			// Phase-fatal: route through ERROR for cleanup; partial errors
			// never reach here.
			a.logger.Error("Phase failed", "phase", phase, "error", err)
			a.state.RecordError("", 0, fmt.Sprintf("phase %s: %v", phase, err))
			fatal = err
			next = models.PhaseError
		}

		a.state.Phase = next
		a.checkpoint(ctx)

		switch next {
		case models.PhaseDone:
			if fatal != nil {
				return a.terminate(models.StatusFailed, fatal)
			}
			return a.terminate(models.StatusCompleted, nil)
		case models.PhaseError:
			// ERROR performs cleanup on the next loop turn and lands in DONE.
			continue
		}
	}
}

// step dispatches one phase and returns the next.
func (a *Agent) step(ctx context.Context) (models.Phase, error) {
	switch a.state.Phase {
	case models.PhaseInit:
		return a.runInit(ctx)
	case models.PhaseFetchMeta:
		return a.runFetchMeta(ctx)
	case models.PhaseLoadWatermark:
		return a.runLoadWatermark(ctx)
	case models.PhaseDiff:
		return a.runDiff(ctx)
	case models.PhaseFullList:
		return a.runFullList(ctx)
	case models.PhaseParse:
		return a.runParse(ctx)
	case models.PhaseLineAnalysis:
		return a.runLineAnalysis(ctx)
	case models.PhaseArchAnalysis:
		return a.runArchAnalysis(ctx)
	case models.PhaseResolutionCheck:
		return a.runResolutionCheck(ctx)
	case models.PhasePublish:
		return a.runPublish(ctx)
	case models.PhaseError:
		return a.runError(ctx)
	default:
		return models.PhaseError, fmt.Errorf("unknown phase %q", a.state.Phase)
	}
}

// checkpoint persists the state blob. Persistence failures are logged and
// tolerated: the blob is an optimization for observability and recovery, and
// the run itself remains correct without it.
func (a *Agent) checkpoint(ctx context.Context) {
	// Use a detached context so a cancelled run can still checkpoint.
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.store.PutState(putCtx, a.state.AgentID, a.state); err != nil {
		a.logger.Warn("State checkpoint failed", "phase", a.state.Phase, "error", err)
	}
}

// terminate records the terminal status, performs the final checkpoint, and
// builds the result. The orchestrator owns claim release, queue ack, and the
// execution record.
func (a *Agent) terminate(status models.AgentStatus, err error) *Result {
	a.checkpoint(context.Background())
	a.logger.Info("Agent finished",
		"status", status,
		"findings", a.state.Counters.FindingsPosted,
		"duplicates_skipped", a.state.Counters.DuplicatesSkipped,
		"errors", len(a.state.Errors),
		"duration_ms", time.Since(a.state.StartedAt).Milliseconds())
	return &Result{Status: status, Err: err}
}

func statusForContextErr(err error) models.AgentStatus {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.StatusTimeout
	}
	return models.StatusFailed
}

func (a *Agent) scope() diff.Scope {
	return diff.Scope{
		Project:      a.state.Event.Project,
		RepositoryID: a.state.RepositoryID,
		PRID:         a.state.PRID,
	}
}

func (a *Agent) ledgerScope() ledger.Scope {
	return ledger.Scope{
		Project:      a.state.Event.Project,
		RepositoryID: a.state.RepositoryID,
		PRID:         a.state.PRID,
	}
}

var _ StateStore = (*store.Store)(nil)
