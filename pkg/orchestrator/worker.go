package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/revue/pkg/models"
	"github.com/codeready-toolchain/revue/pkg/review"
	"github.com/codeready-toolchain/revue/pkg/store"
)

// worker is a single pool slot: it dequeues one event at a time, claims the
// PR, and runs the agent to terminal.
type worker struct {
	id       string
	pool     *Pool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newWorker(id string, pool *Pool) *worker {
	return &worker{
		id:     id,
		pool:   pool,
		stopCh: make(chan struct{}),
	}
}

func (w *worker) start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// stop signals the worker and waits for its current agent to finish.
func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, store.ErrNoEntries) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing queue entry", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

func (w *worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

func (w *worker) pollInterval() time.Duration {
	base := w.pool.cfg.PollInterval
	jitter := w.pool.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// pollAndProcess dequeues one entry and drives its agent to terminal.
func (w *worker) pollAndProcess(ctx context.Context) error {
	entry, err := w.pool.store.Dequeue(ctx, w.id, w.pool.cfg.VisibilityTimeout)
	if err != nil {
		return err
	}

	event := entry.Event
	agentID := uuid.NewString()
	log := slog.With("worker_id", w.id, "agent_id", agentID, "pr_id", event.PRID)
	log.Info("Event claimed", "event_kind", event.Kind, "attempt", entry.Attempts)

	if err := w.claimWithTakeover(ctx, event.PRID, agentID); err != nil {
		// Leave the entry unacked: visibility expiry redelivers it once the
		// conflicting agent has wound down.
		log.Warn("Could not claim PR, leaving entry for redelivery", "error", err)
		return nil
	}

	w.runAgent(ctx, log, entry, agentID)
	return nil
}

// claimWithTakeover runs the claim CAS, cancelling and waiting out a stale
// holder when one exists. If the holder does not release within the cancel
// window it is force-released and logged.
func (w *worker) claimWithTakeover(ctx context.Context, prID int, agentID string) error {
	result, err := w.pool.store.ClaimPR(ctx, prID, agentID)
	if err != nil {
		return err
	}
	if result.OK {
		return nil
	}

	holder := result.PreviousAgentID
	slog.Info("PR already claimed, requesting cancellation",
		"pr_id", prID, "holder_agent_id", holder)
	w.pool.CancelAgent(holder)

	deadline := time.After(w.pool.cfg.CancelWait)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			slog.Warn("STALE_AGENT_KILLED: holder did not release claim, force-releasing",
				"pr_id", prID, "holder_agent_id", holder)
			if err := w.pool.store.ForceReleasePR(ctx, prID); err != nil {
				return err
			}
			result, err := w.pool.store.ClaimPR(ctx, prID, agentID)
			if err != nil {
				return err
			}
			if !result.OK {
				return fmt.Errorf("claim contention persists for PR %d (holder %s)", prID, result.PreviousAgentID)
			}
			return nil
		case <-ticker.C:
			result, err := w.pool.store.ClaimPR(ctx, prID, agentID)
			if err != nil {
				return err
			}
			if result.OK {
				return nil
			}
		}
	}
}

// runAgent spawns and supervises one agent run, then finalizes every piece
// of durable state regardless of outcome.
func (w *worker) runAgent(ctx context.Context, log *slog.Logger, entry *models.QueueEntry, agentID string) {
	pool := w.pool
	event := entry.Event

	agent := review.NewAgent(agentID, event, pool.agentCfg, pool.deps)
	state := agent.State()

	// The durable record and timeout registration precede execution so the
	// supervisor and boot recovery can always see the run.
	if err := pool.recorder.Start(ctx, state); err != nil {
		log.Error("Failed to persist agent record, releasing claim", "error", err)
		_ = pool.store.ReleasePR(ctx, event.PRID, agentID)
		return
	}
	if err := pool.store.ScheduleTimeout(ctx, agentID, state.Deadline); err != nil {
		log.Warn("Failed to schedule agent timeout", "error", err)
	}

	agentCtx, cancel := context.WithDeadline(ctx, state.Deadline)
	defer cancel()
	pool.register(&activeAgent{agentID: agentID, prID: event.PRID, cancel: cancel})
	defer pool.unregister(agentID)

	result := agent.Run(agentCtx)
	if result == nil {
		result = &review.Result{Status: models.StatusFailed, Err: errors.New("agent returned nil result")}
	}

	// Terminal bookkeeping uses a background context: the agent context may
	// already be cancelled.
	finalCtx, finalCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer finalCancel()

	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	if err := pool.recorder.Finish(finalCtx, state, result.Status, errMsg); err != nil {
		log.Error("Failed to finalize agent record", "error", err)
	}
	if err := pool.store.CancelTimeout(finalCtx, agentID); err != nil {
		log.Warn("Failed to remove agent from timeout schedule", "error", err)
	}
	if err := pool.store.ReleasePR(finalCtx, event.PRID, agentID); err != nil {
		log.Error("Failed to release PR claim", "error", err)
	}
	if err := pool.store.Ack(finalCtx, entry.ID); err != nil {
		log.Error("Failed to ack queue entry", "entry_id", entry.ID, "error", err)
	}
	if err := pool.store.ClearDedup(finalCtx, event.DedupKey()); err != nil {
		log.Warn("Failed to clear dedup key", "error", err)
	}

	pool.metrics.ObserveAgent(state, result.Status, time.Since(state.StartedAt))
	log.Info("Agent run finalized", "status", result.Status)
}
