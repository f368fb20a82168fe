package engine

import (
	"context"
	"fmt"

	"github.com/taskkeep/taskkeep/internal/store"
	"github.com/taskkeep/taskkeep/internal/task"
)

// Resolution picks a side of a conflict.
type Resolution string

const (
	// KeepLocal keeps the local version and schedules it for upload.
	KeepLocal Resolution = "local"

	// KeepRemote adopts the remote version.
	KeepRemote Resolution = "remote"
)

// MergeDecision is the answer to the first-connect merge prompt.
type MergeDecision string

const (
	// MergeKeepLocal uploads the local collection, overwriting the remote
	// backup.
	MergeKeepLocal MergeDecision = "keep-local"

	// MergeKeepRemote adopts the remote backup, discarding local tasks.
	MergeKeepRemote MergeDecision = "keep-remote"

	// MergeBoth unions both collections; IDs present on both sides go
	// through the regular per-task comparison.
	MergeBoth MergeDecision = "merge"
)

// ResolveConflict resolves one recorded conflict. KeepLocal writes the
// local version back and queues it for the next upload; KeepRemote
// adopts the remote version and drops any queued changes for that task.
// Once the last conflict resolves the engine returns to idle; the next
// PerformSync uploads the resolved collection.
func (e *Engine) ResolveConflict(ctx context.Context, taskID string, res Resolution) error {
	conflicts, err := e.store.Conflicts(ctx)
	if err != nil {
		return err
	}
	var c *task.Conflict
	for _, cand := range conflicts {
		if cand.TaskID == taskID {
			c = cand
			break
		}
	}
	if c == nil {
		return fmt.Errorf("no conflict recorded for task %s", taskID)
	}

	switch res {
	case KeepLocal:
		if err := e.store.UpsertTask(ctx, c.Local); err != nil {
			return err
		}
		if err := e.store.AppendPendingChange(ctx, taskID, task.OpResolve); err != nil {
			return err
		}
	case KeepRemote:
		if err := e.store.UpsertTask(ctx, c.Remote); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown resolution %q", res)
	}

	if err := e.store.DeleteConflict(ctx, taskID); err != nil {
		return err
	}

	remaining, err := e.store.ConflictCount(ctx)
	if err != nil {
		return err
	}
	if remaining == 0 {
		e.setStatus(StatusIdle, nil)
		e.logger.Printf("All conflicts resolved")
	}
	return nil
}

// ApplyMergeDecision executes the first-connect choice, then runs a full
// sync cycle to converge both sides on the chosen collection.
func (e *Engine) ApplyMergeDecision(ctx context.Context, decision MergeDecision) error {
	switch decision {
	case MergeKeepLocal:
		// The user chose the local collection outright: queue every task
		// as a resolution so overlapping IDs never surface as conflicts.
		tasks, err := e.store.ListTasks(ctx, false)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if err := e.store.AppendPendingChange(ctx, t.ID, task.OpResolve); err != nil {
				return err
			}
		}

	case MergeKeepRemote:
		// Drop local state so the cycle adopts the remote backup clean.
		tasks, err := e.store.ListTasks(ctx, true)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(tasks))
		for _, t := range tasks {
			ids = append(ids, t.ID)
		}
		if err := e.store.ApplySyncResult(ctx, &store.SyncResult{
			Removals:   ids,
			ClearQueue: true,
		}); err != nil {
			return err
		}

	case MergeBoth:
		// Union: mark local tasks as changed and let the per-task merge
		// handle overlapping IDs.
		tasks, err := e.store.ListTasks(ctx, false)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if err := e.store.AppendPendingChange(ctx, t.ID, task.OpUpdate); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("unknown merge decision %q", decision)
	}

	return e.PerformSync(ctx)
}
