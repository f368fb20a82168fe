package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskkeep/taskkeep/internal/store"
	"github.com/taskkeep/taskkeep/internal/task"
)

// PerformSync runs one synchronization cycle.
//
// At most one cycle is ever in flight: a call arriving while one is
// active marks a pending run and returns immediately; the active cycle
// runs one more pass after committing, so overlapping triggers (manual
// action plus poll tick) coalesce instead of queueing.
func (e *Engine) PerformSync(ctx context.Context) error {
	e.mu.Lock()
	if e.status == StatusUninitialized {
		e.mu.Unlock()
		return fmt.Errorf("engine not initialized")
	}
	if !e.backupEnabled {
		e.mu.Unlock()
		return ErrNotAuthorized
	}
	if !e.online {
		e.mu.Unlock()
		return ErrOffline
	}
	if e.syncing {
		e.pendingRun = true
		e.mu.Unlock()
		return nil
	}
	e.syncing = true
	e.mu.Unlock()

	var err error
	for {
		e.setStatus(StatusSyncing, nil)
		err = e.syncCycle(ctx)

		e.mu.Lock()
		again := e.pendingRun && err == nil
		e.pendingRun = false
		if !again {
			e.syncing = false
			e.mu.Unlock()
			break
		}
		e.mu.Unlock()
	}

	switch {
	case err == nil:
		// syncCycle set the terminal status (synced or remote-newer).
		return nil
	case errors.Is(err, ErrOffline):
		// Went offline mid-cycle: results were discarded, not an error.
		// The poll loop retries in full after reconnect.
		e.setStatus(StatusIdle, nil)
		return err
	default:
		e.setStatus(StatusError, err)
		e.logger.Printf("Sync failed: %v", err)
		return err
	}
}

// syncCycle is one pass of the sync algorithm. It never partially
// commits: all local effects land in a single store transaction after
// confirming the engine is still online.
func (e *Engine) syncCycle(ctx context.Context) error {
	tok, err := e.token(ctx)
	if err != nil {
		return err
	}

	local, err := e.store.ListTasks(ctx, true)
	if err != nil {
		return err
	}
	pending, err := e.store.PendingChanges(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	lastSync := e.lastSync
	lastChecksum := e.lastChecksum
	e.mu.Unlock()

	fileID, err := e.remote.FindBackup(ctx, tok)
	if err != nil {
		return e.classifyRemoteErr(err)
	}

	// Remote absent: upload local as-is, establishing the baseline.
	if fileID == "" {
		return e.uploadAndCommit(ctx, tok, local, "", nil, nil)
	}

	remoteBackup, err := e.remote.Download(ctx, tok)
	if err != nil {
		return e.classifyRemoteErr(err)
	}
	if remoteBackup == nil {
		// Deleted between find and download; treat as absent.
		return e.uploadAndCommit(ctx, tok, local, "", nil, nil)
	}
	if err := remoteBackup.Verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrityMismatch, err)
	}

	remoteChanged := lastSync == nil || remoteBackup.Checksum != lastChecksum
	hasPending := len(pending) > 0

	switch {
	case !remoteChanged && !hasPending:
		// Nothing moved on either side. Idempotent no-op: the sync
		// point, queue, and conflicts stay exactly as they are.
		e.setStatus(StatusSynced, nil)
		return nil

	case !remoteChanged && hasPending:
		// Local-only changes: the store already reflects the replayed
		// queue, so the current collection is the merged state.
		return e.uploadAndCommit(ctx, tok, local, fileID, nil, nil)

	case remoteChanged && !hasPending:
		// Remote-only changes: replace local tasks wholesale.
		return e.adoptRemote(ctx, remoteBackup, local)

	default:
		// Diverged on both sides: per-task three-way merge.
		return e.mergeBothSides(ctx, tok, fileID, local, pending, remoteBackup, lastSync)
	}
}

// uploadAndCommit uploads the given collection as the full backup and
// commits the new baseline. extraUpserts/extraRemovals carry one-sided
// remote changes being applied locally in the same transaction.
func (e *Engine) uploadAndCommit(ctx context.Context, tok string, collection []*task.Task, fileID string, extraUpserts []*task.Task, extraRemovals []string) error {
	backup := task.NewBackup(collection)
	if _, err := e.remote.Upload(ctx, tok, backup, fileID); err != nil {
		return e.classifyRemoteErr(err)
	}

	// Commit gate: if connectivity dropped while the upload was in
	// flight, discard the result. The next cycle re-uploads in full.
	if !e.isOnline() {
		return ErrOffline
	}

	now := e.now().UTC()
	res := &store.SyncResult{
		Upserts:      extraUpserts,
		Removals:     extraRemovals,
		ClearQueue:   true,
		LastSync:     &now,
		LastChecksum: &backup.Checksum,
	}
	if err := e.store.ApplySyncResult(ctx, res); err != nil {
		return err
	}

	e.mu.Lock()
	e.lastSync = &now
	e.lastChecksum = backup.Checksum
	e.mu.Unlock()
	e.setStatus(StatusSynced, nil)
	e.logger.Printf("Sync complete: uploaded %d tasks", len(backup.Tasks))
	return nil
}

// adoptRemote replaces the local collection with the remote backup.
func (e *Engine) adoptRemote(ctx context.Context, remoteBackup *task.Backup, local []*task.Task) error {
	remoteIDs := make(map[string]bool, len(remoteBackup.Tasks))
	for _, t := range remoteBackup.Tasks {
		remoteIDs[t.ID] = true
	}
	var removals []string
	for _, t := range local {
		if !remoteIDs[t.ID] {
			removals = append(removals, t.ID)
		}
	}

	if !e.isOnline() {
		return ErrOffline
	}

	now := e.now().UTC()
	res := &store.SyncResult{
		Upserts:      remoteBackup.Tasks,
		Removals:     removals,
		ClearQueue:   true,
		LastSync:     &now,
		LastChecksum: &remoteBackup.Checksum,
	}
	if err := e.store.ApplySyncResult(ctx, res); err != nil {
		return err
	}

	e.mu.Lock()
	e.lastSync = &now
	e.lastChecksum = remoteBackup.Checksum
	e.mu.Unlock()
	e.setStatus(StatusSynced, nil)
	e.logger.Printf("Sync complete: adopted %d remote tasks", len(remoteBackup.Tasks))
	return nil
}

// mergeBothSides performs the per-task comparison when both sides have
// diverged since the last sync point.
//
// A task counts as locally changed when the replay queue names it, and as
// remotely changed when its remote updated_at is after the last sync
// point. A task changed on both sides with different content becomes a
// conflict instead of being silently overwritten; a task changed on only
// one side is applied from that side.
func (e *Engine) mergeBothSides(ctx context.Context, tok, fileID string, local []*task.Task, pending []task.PendingChange, remoteBackup *task.Backup, lastSync *time.Time) error {
	changedLocally := make(map[string]bool, len(pending))
	resolvedLocally := make(map[string]bool)
	for _, c := range pending {
		changedLocally[c.TaskID] = true
		if c.Op == task.OpResolve {
			resolvedLocally[c.TaskID] = true
		}
	}

	localByID := make(map[string]*task.Task, len(local))
	for _, t := range local {
		localByID[t.ID] = t
	}
	remoteByID := make(map[string]*task.Task, len(remoteBackup.Tasks))
	for _, t := range remoteBackup.Tasks {
		remoteByID[t.ID] = t
	}

	var (
		upserts   []*task.Task
		removals  []string
		conflicts []*task.Conflict
	)
	now := e.now().UTC()

	for id, l := range localByID {
		r := remoteByID[id]
		switch {
		case r == nil:
			// Absent remotely. A tombstone is already consistent; a
			// live task either is ours to upload (locally changed) or
			// was deleted remotely.
			if !l.Deleted() && !changedLocally[id] {
				removals = append(removals, id)
			}

		case l.ContentEquals(r):
			// Identical on both sides.

		case changedLocally[id] && remoteTaskChanged(r, lastSync) && !resolvedLocally[id]:
			conflicts = append(conflicts, &task.Conflict{
				TaskID:     id,
				Local:      l.Clone(),
				Remote:     r.Clone(),
				DetectedAt: now,
			})

		case changedLocally[id]:
			// Local-side change only: ours wins, goes into the upload.

		default:
			// Remote-side change only: apply it locally.
			upserts = append(upserts, r)
		}
	}
	for id, r := range remoteByID {
		if _, ok := localByID[id]; !ok {
			// Created remotely. Local soft deletes keep tombstones, so
			// an unknown ID cannot be a locally deleted task.
			upserts = append(upserts, r)
		}
	}

	if len(conflicts) > 0 {
		if !e.isOnline() {
			return ErrOffline
		}
		// Apply one-sided changes and record conflicts; the queue and
		// the sync point stay untouched until every conflict resolves.
		res := &store.SyncResult{
			Upserts:   upserts,
			Removals:  removals,
			Conflicts: conflicts,
		}
		if err := e.store.ApplySyncResult(ctx, res); err != nil {
			return err
		}
		e.setStatus(StatusRemoteNewer, nil)
		e.logger.Printf("Sync diverged: %d conflicts pending resolution", len(conflicts))
		return nil
	}

	// Clean merge: build the merged collection and upload it.
	merged := make(map[string]*task.Task, len(localByID))
	for id, l := range localByID {
		merged[id] = l
	}
	for _, r := range upserts {
		merged[r.ID] = r
	}
	for _, id := range removals {
		delete(merged, id)
	}
	collection := make([]*task.Task, 0, len(merged))
	for _, t := range merged {
		collection = append(collection, t)
	}

	return e.uploadAndCommit(ctx, tok, collection, fileID, upserts, removals)
}

// remoteTaskChanged reports whether a remote task was modified after the
// last confirmed sync point.
func remoteTaskChanged(t *task.Task, lastSync *time.Time) bool {
	if lastSync == nil {
		return true
	}
	return t.UpdatedAt.After(*lastSync)
}
