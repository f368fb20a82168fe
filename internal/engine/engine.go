// Package engine implements the sync state machine for taskkeep.
//
// The engine owns the sync status, the pending-change replay, conflict
// detection, the first-connect merge probe, and remote-check polling. It
// is the only component that talks to all of the store, the vault, and
// the remote backup client.
//
// The spec's single-threaded event loop is rendered as one mutex owning
// every state transition. Network calls happen outside store transactions
// but inside the sync guard, so at most one cycle ever touches the single
// remote object. Each cycle commits all-or-nothing: on any failure the
// local tasks, the queue, and the sync point are left exactly as they
// were, and the next attempt starts from the same pre-sync state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/taskkeep/taskkeep/internal/remote"
	"github.com/taskkeep/taskkeep/internal/store"
	"github.com/taskkeep/taskkeep/internal/task"
	"github.com/taskkeep/taskkeep/internal/vault"
)

// Status is the externally visible sync status.
type Status string

const (
	// StatusUninitialized means LoadSyncState has not run yet.
	StatusUninitialized Status = "uninitialized"

	// StatusIdle means the engine is ready but has not synced yet in
	// this session.
	StatusIdle Status = "idle"

	// StatusSyncing means a sync cycle is in flight.
	StatusSyncing Status = "syncing"

	// StatusSynced means the last cycle completed with no conflicts.
	StatusSynced Status = "synced"

	// StatusError means the last cycle failed; Err() has the detail.
	StatusError Status = "error"

	// StatusRemoteNewer means conflicts are pending user resolution.
	StatusRemoteNewer Status = "remote-newer"
)

var (
	// ErrOffline means the engine is offline; the cycle was not started
	// or its results were discarded at the commit step.
	ErrOffline = errors.New("engine is offline")

	// ErrNotAuthorized means no credential has been stored yet.
	ErrNotAuthorized = errors.New("backup is not authorized")

	// ErrReauthRequired means the stored credential is unreadable or was
	// rejected by the remote; the user must authorize again. Queued local
	// changes are preserved.
	ErrReauthRequired = errors.New("re-authorization required")

	// ErrIntegrityMismatch means the downloaded backup failed checksum
	// verification. The remote copy is treated as corrupt; local data is
	// untouched.
	ErrIntegrityMismatch = errors.New("remote backup failed integrity check")
)

// BackupClient is the remote boundary the engine consumes. *remote.Client
// satisfies it; tests substitute an in-memory fake.
type BackupClient interface {
	FindBackup(ctx context.Context, token string) (string, error)
	Upload(ctx context.Context, token string, backup *task.Backup, existingFileID string) (string, error)
	Download(ctx context.Context, token string) (*task.Backup, error)
	Delete(ctx context.Context, token string) (bool, error)
	LastModified(ctx context.Context, token string) (*time.Time, error)
}

// Event is pushed to the notify hook on every status transition.
type Event struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Snapshot is the read-only projection of the engine's state for
// consumers (CLI status, dashboard).
type Snapshot struct {
	Status        Status     `json:"status"`
	Online        bool       `json:"online"`
	BackupEnabled bool       `json:"backup_enabled"`
	Pending       int        `json:"pending"`
	Conflicts     int        `json:"conflicts"`
	LastSync      *time.Time `json:"last_sync,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Config holds engine configuration.
type Config struct {
	// DeviceSecret is the per-install secret the vault derives keys from.
	DeviceSecret string

	// PollInterval is the remote-check polling cadence (default: 60s).
	PollInterval time.Duration

	// Logger for engine activity (default: stderr).
	Logger *log.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine is the sync state machine. Create with New, then LoadSyncState.
type Engine struct {
	store  *store.Store
	remote BackupClient

	deviceSecret string
	pollInterval time.Duration
	logger       *log.Logger
	now          func() time.Time

	mu            sync.Mutex
	status        Status
	lastErr       error
	online        bool
	backupEnabled bool
	lastSync      *time.Time
	lastChecksum  string
	syncing       bool
	pendingRun    bool
	notify        func(Event)

	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup
}

// New creates an engine. The store must be open; the engine starts
// uninitialized until LoadSyncState runs.
func New(st *store.Store, client BackupClient, config *Config) *Engine {
	if config == nil {
		config = &Config{}
	}
	e := &Engine{
		store:        st,
		remote:       client,
		deviceSecret: config.DeviceSecret,
		pollInterval: config.PollInterval,
		logger:       config.Logger,
		now:          config.Now,
		status:       StatusUninitialized,
		online:       true,
	}
	if e.pollInterval <= 0 {
		e.pollInterval = time.Minute
	}
	if e.logger == nil {
		e.logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// SetNotify installs the status-transition hook. Pass nil to remove it.
// The hook is invoked outside the engine lock.
func (e *Engine) SetNotify(fn func(Event)) {
	e.mu.Lock()
	e.notify = fn
	e.mu.Unlock()
}

// LoadSyncState reconstructs the engine's state from the store. An
// unreadable store is a fatal initialization error; it is not retried
// automatically and the engine stays uninitialized.
func (e *Engine) LoadSyncState(ctx context.Context) error {
	state, err := e.store.GetSyncState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}

	e.mu.Lock()
	e.backupEnabled = state.Token != nil
	e.lastSync = state.LastSync
	e.lastChecksum = state.LastChecksum
	e.mu.Unlock()

	e.setStatus(StatusIdle, nil)
	return nil
}

// SetOnline records a connectivity transition from the network observer.
// Entering offline suspends polling effects and causes any in-flight
// cycle to discard its results at the commit step; the poll loop retries
// in full after reconnect.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()
	if changed {
		if online {
			e.logger.Printf("Network restored")
		} else {
			e.logger.Printf("Network lost, sync suspended")
		}
	}
}

// StoreAccessToken encrypts and persists a freshly authorized credential,
// enabling backup.
func (e *Engine) StoreAccessToken(ctx context.Context, plaintext string) error {
	tok, err := vault.Encrypt(plaintext, e.deviceSecret)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}
	if err := e.store.SetToken(ctx, tok); err != nil {
		return err
	}

	e.mu.Lock()
	e.backupEnabled = true
	e.mu.Unlock()
	e.setStatus(StatusIdle, nil)
	e.logger.Printf("Credential stored, backup enabled")
	return nil
}

// token decrypts the stored credential for the duration of one cycle.
// The plaintext never leaves the calling frame.
func (e *Engine) token(ctx context.Context) (string, error) {
	state, err := e.store.GetSyncState(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read sync state: %w", err)
	}
	if state.Token == nil {
		return "", ErrNotAuthorized
	}
	plaintext, err := vault.Decrypt(state.Token, e.deviceSecret)
	if err != nil {
		// Unreadable token means not authenticated. Never guess.
		return "", fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}
	return plaintext, nil
}

// CheckFirstTimeConnect probes whether the consumer must present a merge
// decision before the first sync: true when a remote backup already
// exists, local tasks already exist, and no sync has ever completed.
// Read-only; mutates nothing.
func (e *Engine) CheckFirstTimeConnect(ctx context.Context) (bool, error) {
	state, err := e.store.GetSyncState(ctx)
	if err != nil {
		return false, err
	}
	if state.LastSync != nil {
		return false, nil
	}

	count, err := e.store.TaskCount(ctx)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}

	tok, err := e.token(ctx)
	if err != nil {
		return false, err
	}
	fileID, err := e.remote.FindBackup(ctx, tok)
	if err != nil {
		return false, e.classifyRemoteErr(err)
	}
	return fileID != "", nil
}

// isOnline reads the offline flag. Checked again at every commit step so
// that a cycle racing a disconnect discards its results.
func (e *Engine) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// setStatus transitions the visible status and fires the notify hook.
func (e *Engine) setStatus(s Status, err error) {
	e.mu.Lock()
	e.status = s
	e.lastErr = err
	fn := e.notify
	e.mu.Unlock()

	if fn != nil {
		ev := Event{Status: s}
		if err != nil {
			ev.Error = err.Error()
		}
		fn(ev)
	}
}

// classifyRemoteErr maps remote-layer failures onto engine errors.
func (e *Engine) classifyRemoteErr(err error) error {
	if errors.Is(err, remote.ErrAuthExpired) {
		return fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}
	return err
}

// Status returns the current sync status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err returns the retained detail of the last failed cycle.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// IsOnline reports the connectivity flag.
func (e *Engine) IsOnline() bool { return e.isOnline() }

// IsBackupEnabled reports whether a credential is stored.
func (e *Engine) IsBackupEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backupEnabled
}

// LastSync returns the last confirmed synchronization point.
func (e *Engine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// Snapshot assembles the consumer-facing status projection.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	pending, err := e.store.PendingChangeCount(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := e.store.ConflictCount(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	snap := &Snapshot{
		Status:        e.status,
		Online:        e.online,
		BackupEnabled: e.backupEnabled,
		Pending:       pending,
		Conflicts:     conflicts,
		LastSync:      e.lastSync,
	}
	if e.lastErr != nil {
		snap.Error = e.lastErr.Error()
	}
	return snap, nil
}

// DisableBackup tears sync down: polling stops, the remote backup is
// deleted best-effort, and the sync state (credential included) is wiped.
// Local tasks are untouched.
func (e *Engine) DisableBackup(ctx context.Context) error {
	e.StopRemoteCheckPolling()

	if tok, err := e.token(ctx); err == nil {
		if _, err := e.remote.Delete(ctx, tok); err != nil {
			e.logger.Printf("Warning: failed to delete remote backup: %v", err)
		}
	}

	if err := e.store.ResetSyncState(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.backupEnabled = false
	e.lastSync = nil
	e.lastChecksum = ""
	e.mu.Unlock()
	e.setStatus(StatusIdle, nil)
	e.logger.Printf("Backup disabled, sync state wiped")
	return nil
}
