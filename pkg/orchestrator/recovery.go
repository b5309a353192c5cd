package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// recoverOnBoot closes out agent records left running by a previous process.
// Records past their deadline are marked timed out and their claims
// released; the rest are left for queue visibility redelivery to replace.
func (p *Pool) recoverOnBoot(ctx context.Context) error {
	running, err := p.recorder.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running records: %w", err)
	}
	if len(running) == 0 {
		return nil
	}

	slog.Warn("Found running agent records from previous run", "count", len(running))

	now := time.Now()
	for _, execution := range running {
		if execution.Deadline.After(now) {
			// Still inside its window; its queue entry redelivers after the
			// visibility timeout and the claim takeover handles the rest.
			slog.Info("Leaving in-window record for redelivery",
				"agent_id", execution.ID, "pr_id", execution.PrID)
			continue
		}

		message := fmt.Sprintf("orphaned: process restarted, deadline %s passed",
			execution.Deadline.Format(time.RFC3339))
		if err := p.recorder.MarkTimedOut(ctx, execution.ID, message); err != nil {
			slog.Error("Failed to mark orphaned record timed out",
				"agent_id", execution.ID, "error", err)
			continue
		}
		if err := p.store.ForceReleasePR(ctx, execution.PrID); err != nil {
			slog.Error("Failed to release orphaned claim",
				"agent_id", execution.ID, "pr_id", execution.PrID, "error", err)
			continue
		}
		if err := p.store.CancelTimeout(ctx, execution.ID); err != nil {
			slog.Warn("Failed to drop orphaned timeout entry",
				"agent_id", execution.ID, "error", err)
		}
		slog.Info("Orphaned agent record recovered",
			"agent_id", execution.ID, "pr_id", execution.PrID)
	}
	return nil
}
