// Package orchestrator spawns, supervises, times out, and garbage-collects
// review agents. A bounded worker pool polls the state store for events: the
// dequeue does not block, and an idle worker sleeps for the jittered poll
// interval before trying again. The per-PR claim CAS plus the cancel-and-wait
// takeover protocol
// guarantees strictly serial agent execution per pull request.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/revue/ent"
	"github.com/codeready-toolchain/revue/pkg/models"
	"github.com/codeready-toolchain/revue/pkg/observability"
	"github.com/codeready-toolchain/revue/pkg/review"
	"github.com/codeready-toolchain/revue/pkg/store"
)

// Config holds orchestrator tunables.
type Config struct {
	// WorkerCount is the number of concurrent worker slots.
	WorkerCount int `yaml:"worker_count"`
	// PollInterval is the base queue poll interval when idle.
	PollInterval time.Duration `yaml:"poll_interval"`
	// PollIntervalJitter randomizes the poll interval to de-synchronize
	// workers.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`
	// VisibilityTimeout is how long a dequeued entry stays invisible before
	// crash redelivery.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	// CancelWait is how long a takeover waits for a stale agent to release
	// its claim before force-releasing.
	CancelWait time.Duration `yaml:"cancel_wait"`
	// SupervisorInterval is the deadline scan cadence.
	SupervisorInterval time.Duration `yaml:"supervisor_interval"`
}

// DefaultConfig returns orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:        3,
		PollInterval:       time.Second,
		PollIntervalJitter: 500 * time.Millisecond,
		VisibilityTimeout:  12 * time.Minute,
		CancelWait:         10 * time.Second,
		SupervisorInterval: time.Second,
	}
}

// ExecutionRecorder persists durable agent records.
type ExecutionRecorder interface {
	Start(ctx context.Context, state *models.AgentState) error
	Finish(ctx context.Context, state *models.AgentState, status models.AgentStatus, errMsg string) error
	MarkTimedOut(ctx context.Context, agentID, message string) error
	ListRunning(ctx context.Context) ([]*ent.AgentExecution, error)
}

// activeAgent tracks one running agent for supervision and takeover.
type activeAgent struct {
	agentID string
	prID    int
	cancel  context.CancelFunc
}

// Pool is the worker pool plus its supervisor.
type Pool struct {
	cfg        Config
	agentCfg   review.Config
	store      *store.Store
	recorder   ExecutionRecorder
	deps       review.Deps
	metrics    *observability.Metrics
	workers    []*worker
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	started    bool

	mu        sync.RWMutex
	byAgentID map[string]*activeAgent
	byPRID    map[int]*activeAgent
}

// NewPool creates the orchestrator pool.
func NewPool(cfg Config, agentCfg review.Config, st *store.Store, recorder ExecutionRecorder, deps review.Deps, metrics *observability.Metrics) *Pool {
	return &Pool{
		cfg:       cfg,
		agentCfg:  agentCfg,
		store:     st,
		recorder:  recorder,
		deps:      deps,
		metrics:   metrics,
		stopCh:    make(chan struct{}),
		byAgentID: make(map[string]*activeAgent),
		byPRID:    make(map[int]*activeAgent),
	}
}

// Start runs boot recovery, then spawns the workers and the supervisor.
// Safe to call once; subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Orchestrator already started, ignoring duplicate Start call")
		return nil
	}
	p.started = true

	if err := p.recoverOnBoot(ctx); err != nil {
		return fmt.Errorf("boot recovery: %w", err)
	}

	slog.Info("Starting orchestrator", "worker_count", p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		w := newWorker(fmt.Sprintf("worker-%d", i), p)
		p.workers = append(p.workers, w)
		w.start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runSupervisor(ctx)
	}()

	return nil
}

// Stop signals all workers to stop and waits for in-flight agents to finish.
func (p *Pool) Stop() {
	slog.Info("Stopping orchestrator")
	for _, w := range p.workers {
		w.stop()
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("Orchestrator stopped")
}

// register tracks a spawned agent for supervision.
func (p *Pool) register(agent *activeAgent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byAgentID[agent.agentID] = agent
	p.byPRID[agent.prID] = agent
}

// unregister drops a terminal agent.
func (p *Pool) unregister(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if agent, ok := p.byAgentID[agentID]; ok {
		delete(p.byAgentID, agentID)
		if current, ok := p.byPRID[agent.prID]; ok && current.agentID == agentID {
			delete(p.byPRID, agent.prID)
		}
	}
}

// CancelAgent delivers a cancellation signal to a running agent on this
// process. Returns false when the agent is not running here.
func (p *Pool) CancelAgent(agentID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if agent, ok := p.byAgentID[agentID]; ok {
		agent.cancel()
		return true
	}
	return false
}

// ActiveAgents returns the ids of agents running on this process.
func (p *Pool) ActiveAgents() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.byAgentID))
	for id := range p.byAgentID {
		ids = append(ids, id)
	}
	return ids
}

// Health reports pool state for the health endpoint.
type Health struct {
	Workers      int      `json:"workers"`
	ActiveAgents []string `json:"active_agents"`
	QueueDepth   int64    `json:"queue_depth"`
}

// Health returns the pool's current health snapshot.
func (p *Pool) Health(ctx context.Context) Health {
	depth, err := p.store.QueueDepth(ctx)
	if err != nil {
		slog.Error("Failed to query queue depth for health check", "error", err)
	}
	return Health{
		Workers:      len(p.workers),
		ActiveAgents: p.ActiveAgents(),
		QueueDepth:   depth,
	}
}
