package orchestrator

import (
	"context"
	"log/slog"
	"time"
)

// runSupervisor wakes on a fixed cadence, cancels agents past their wall
// deadline, and redelivers queue entries whose visibility has expired.
func (p *Pool) runSupervisor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SupervisorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.superviseOnce(ctx)
		}
	}
}

func (p *Pool) superviseOnce(ctx context.Context) {
	now := time.Now()

	due, err := p.store.DueTimeouts(ctx, now)
	if err != nil {
		slog.Error("Timeout scan failed", "error", err)
	}
	for _, agentID := range due {
		if p.CancelAgent(agentID) {
			slog.Warn("Agent deadline exceeded, cancellation delivered", "agent_id", agentID)
			continue
		}
		// Not running on this process: the record is stale (crashed replica
		// or already terminal). Force the durable record closed.
		slog.Warn("Deadline due for agent not running locally, marking timed out", "agent_id", agentID)
		if err := p.recorder.MarkTimedOut(ctx, agentID, "deadline exceeded with no live agent"); err != nil {
			slog.Error("Failed to mark stale agent timed out", "agent_id", agentID, "error", err)
		}
	}

	requeued, err := p.store.RequeueExpired(ctx, now)
	if err != nil {
		slog.Error("Visibility requeue scan failed", "error", err)
		return
	}
	if requeued > 0 {
		slog.Info("Redelivered expired queue entries", "count", requeued)
		if p.metrics != nil {
			p.metrics.EventsRequeued.Add(float64(requeued))
		}
	}
}
