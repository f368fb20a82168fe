package engine

import (
	"context"
	"time"
)

// StartRemoteCheckPolling begins the periodic remote check. Each tick
// triggers a sync when local changes are queued or the remote backup was
// modified after the last sync point. Ticks are skipped while offline,
// while backup is disabled, or while a cycle is already running. Calling
// it again restarts the loop.
func (e *Engine) StartRemoteCheckPolling(ctx context.Context) {
	e.StopRemoteCheckPolling()

	pollCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.pollCancel = cancel
	e.mu.Unlock()

	e.pollWG.Add(1)
	go func() {
		defer e.pollWG.Done()
		ticker := time.NewTicker(e.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				e.pollOnce(pollCtx)
			}
		}
	}()
	e.logger.Printf("Remote check polling started (every %s)", e.pollInterval)
}

// StopRemoteCheckPolling stops the loop and waits for any in-flight tick
// to finish. Safe to call when polling is not running.
func (e *Engine) StopRemoteCheckPolling() {
	e.mu.Lock()
	cancel := e.pollCancel
	e.pollCancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		e.pollWG.Wait()
		e.logger.Printf("Remote check polling stopped")
	}
}

// pollOnce is one tick: decide cheaply whether anything moved, and only
// then run a full cycle.
func (e *Engine) pollOnce(ctx context.Context) {
	e.mu.Lock()
	skip := !e.online || !e.backupEnabled || e.syncing
	lastSync := e.lastSync
	e.mu.Unlock()
	if skip {
		return
	}

	pending, err := e.store.PendingChangeCount(ctx)
	if err != nil {
		e.logger.Printf("Poll: failed to read queue: %v", err)
		return
	}
	if pending > 0 {
		if err := e.PerformSync(ctx); err != nil {
			e.logger.Printf("Poll sync failed: %v", err)
		}
		return
	}

	tok, err := e.token(ctx)
	if err != nil {
		e.logger.Printf("Poll: %v", err)
		return
	}
	modified, err := e.remote.LastModified(ctx, tok)
	if err != nil {
		e.logger.Printf("Poll: remote check failed: %v", err)
		return
	}
	if modified == nil {
		// No backup yet; nothing pending means nothing to push either.
		return
	}
	if lastSync == nil || modified.After(*lastSync) {
		if err := e.PerformSync(ctx); err != nil {
			e.logger.Printf("Poll sync failed: %v", err)
		}
	}
}
