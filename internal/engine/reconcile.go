package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/models"
)

// maxBacklogFactor bounds how far the reconciler may run ahead of the
// workers before pausing enqueue.
const maxBacklogFactor = 25

func (e *Engine) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := e.Reconcile(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("reconcile pass failed", "err", err)
				continue
			}
			slog.Info("reconcile pass complete",
				"active_found", summary.ActiveFound,
				"upserted", summary.Upserted,
				"archived", summary.Archived,
				"errors", summary.Errors,
				"duration_s", summary.DurationS)
		}
	}
}

// Reconcile runs one reconciliation pass. It never writes to the
// destination itself: repairs go through the queue so the worker's
// invariants apply uniformly. Project status and the narrow reverse edges
// are the one exception, handled in reconcileProjects.
func (e *Engine) Reconcile(ctx context.Context) (models.ReconcileSummary, error) {
	start := time.Now()
	var summary models.ReconcileSummary
	e.counters.Reconciles.Add(1)

	tagged, err := e.source.ListTagged(ctx, e.cfg.EligibilityTag)
	if err != nil {
		return summary, err
	}
	summary.ActiveFound = len(tagged)

	activeIDs := make(map[string]bool, len(tagged))
	for i := range tagged {
		task := &tagged[i]
		activeIDs[task.ID] = true

		if err := e.waitForCapacity(ctx); err != nil {
			return summary, err
		}
		snapshot, err := json.Marshal(task)
		if err != nil {
			summary.Errors++
			continue
		}
		err = e.queue.Enqueue(ctx, models.SyncMessage{
			Action:   models.ActionUpsert,
			TaskID:   task.ID,
			Snapshot: snapshot,
			Source:   models.SourceReconciler,
		})
		if err != nil {
			slog.Error("enqueue reconcile upsert failed", "task_id", task.ID, "err", err)
			summary.Errors++
			continue
		}
		summary.Upserted++
	}

	// Mirrors whose source vanished from the tagged set get archived.
	states, err := e.store.ListTaskStates(ctx, models.StatusOK)
	if err != nil {
		return summary, err
	}
	for _, st := range states {
		if activeIDs[st.TodoistTaskID] {
			continue
		}
		if err := e.waitForCapacity(ctx); err != nil {
			return summary, err
		}
		err := e.queue.Enqueue(ctx, models.SyncMessage{
			Action: models.ActionArchive,
			TaskID: st.TodoistTaskID,
			Source: models.SourceReconciler,
		})
		if err != nil {
			slog.Error("enqueue reconcile archive failed", "task_id", st.TodoistTaskID, "err", err)
			summary.Errors++
			continue
		}
		summary.Archived++
	}

	if err := e.reconcileProjects(ctx); err != nil {
		if ctx.Err() != nil {
			return summary, err
		}
		slog.Error("project reconciliation failed", "err", err)
		summary.Errors++
	}

	summary.DurationS = time.Since(start).Seconds()
	return summary, nil
}

// waitForCapacity pauses enqueue while the queue backlog is saturated.
func (e *Engine) waitForCapacity(ctx context.Context) error {
	limit := e.cfg.WorkerConcurrency * maxBacklogFactor
	for {
		pending, err := e.queue.Pending(ctx)
		if err != nil {
			return err
		}
		if pending < limit {
			return nil
		}
		slog.Debug("queue saturated, pausing reconciler enqueue", "pending", pending, "limit", limit)
		timer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
