package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskkeep/taskkeep/internal/task"
	"github.com/taskkeep/taskkeep/internal/vault"
)

// GetSyncState reads the singleton sync record.
func (s *Store) GetSyncState(ctx context.Context) (*SyncState, error) {
	var ciphertext, salt, nonce []byte
	var lastSync sql.NullString
	var lastChecksum string

	err := s.conn.QueryRowContext(ctx, `
		SELECT token_ciphertext, token_salt, token_nonce, last_sync, last_checksum
		FROM sync_state WHERE id = ?`, syncStateID).
		Scan(&ciphertext, &salt, &nonce, &lastSync, &lastChecksum)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}

	state := &SyncState{
		LastSync:     nullStringToTime(lastSync),
		LastChecksum: lastChecksum,
	}
	if len(ciphertext) > 0 {
		state.Token = &vault.EncryptedToken{
			Ciphertext: ciphertext,
			Salt:       salt,
			Nonce:      nonce,
		}
	}
	return state, nil
}

// SetToken persists the encrypted credential.
func (s *Store) SetToken(ctx context.Context, tok *vault.EncryptedToken) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE sync_state
		SET token_ciphertext = ?, token_salt = ?, token_nonce = ?
		WHERE id = ?`,
		tok.Ciphertext, tok.Salt, tok.Nonce, syncStateID)
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// ResetSyncState wipes the credential, the sync point, the pending queue,
// and the conflict set. Used when the user disables backup.
func (s *Store) ResetSyncState(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_state
		SET token_ciphertext = NULL, token_salt = NULL,
		    token_nonce = NULL, last_sync = NULL, last_checksum = ''
		WHERE id = ?`, syncStateID); err != nil {
		return fmt.Errorf("failed to reset sync state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_changes`); err != nil {
		return fmt.Errorf("failed to clear pending changes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conflicts`); err != nil {
		return fmt.Errorf("failed to clear conflicts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

// appendChangeTx records one pending change inside an open transaction.
func appendChangeTx(ctx context.Context, tx *sql.Tx, taskID string, op task.Operation, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pending_changes (task_id, op, ts) VALUES (?, ?, ?)`,
		taskID, string(op), ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append pending change: %w", err)
	}
	return nil
}

// AppendPendingChange records a change outside the task write path.
// The sync engine uses this to schedule a resolved conflict for upload.
func (s *Store) AppendPendingChange(ctx context.Context, taskID string, op task.Operation) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO pending_changes (task_id, op, ts) VALUES (?, ?, ?)`,
		taskID, string(op), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append pending change: %w", err)
	}
	return nil
}

// PendingChanges returns the replay log in submission order.
func (s *Store) PendingChanges(ctx context.Context) ([]task.PendingChange, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT seq, task_id, op, ts FROM pending_changes ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}
	defer rows.Close()

	var changes []task.PendingChange
	for rows.Next() {
		var c task.PendingChange
		var op, ts string
		if err := rows.Scan(&c.Seq, &c.TaskID, &op, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		c.Op = task.Operation(op)
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			c.Timestamp = t
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending changes: %w", err)
	}
	return changes, nil
}

// PendingChangeCount returns the queue length.
func (s *Store) PendingChangeCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_changes`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

// PutConflict records a diverged task, replacing any earlier conflict for
// the same task.
func (s *Store) PutConflict(ctx context.Context, c *task.Conflict) error {
	localJSON, err := json.Marshal(c.Local)
	if err != nil {
		return fmt.Errorf("failed to marshal local version: %w", err)
	}
	remoteJSON, err := json.Marshal(c.Remote)
	if err != nil {
		return fmt.Errorf("failed to marshal remote version: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO conflicts (task_id, local_json, remote_json, detected_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			local_json = excluded.local_json,
			remote_json = excluded.remote_json,
			detected_at = excluded.detected_at`,
		c.TaskID, string(localJSON), string(remoteJSON),
		c.DetectedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store conflict: %w", err)
	}
	return nil
}

// Conflicts returns all unresolved conflicts ordered by detection time.
func (s *Store) Conflicts(ctx context.Context) ([]*task.Conflict, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT task_id, local_json, remote_json, detected_at
		FROM conflicts ORDER BY detected_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*task.Conflict
	for rows.Next() {
		var c task.Conflict
		var localJSON, remoteJSON, detectedAt string
		if err := rows.Scan(&c.TaskID, &localJSON, &remoteJSON, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		if err := json.Unmarshal([]byte(localJSON), &c.Local); err != nil {
			return nil, fmt.Errorf("failed to unmarshal local version: %w", err)
		}
		if err := json.Unmarshal([]byte(remoteJSON), &c.Remote); err != nil {
			return nil, fmt.Errorf("failed to unmarshal remote version: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, detectedAt); err == nil {
			c.DetectedAt = t
		}
		conflicts = append(conflicts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

// DeleteConflict removes a resolved conflict. Idempotent.
func (s *Store) DeleteConflict(ctx context.Context, taskID string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM conflicts WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete conflict: %w", err)
	}
	return nil
}

// ConflictCount returns the number of unresolved conflicts.
func (s *Store) ConflictCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return count, nil
}

// SyncResult is the outcome of one sync cycle, committed atomically.
// Either everything in it is persisted or nothing is: applied tasks,
// recorded conflicts, queue clearing, and the new sync point land in a
// single transaction.
type SyncResult struct {
	// Upserts are tasks to write (remote state being applied locally).
	Upserts []*task.Task

	// Removals are task IDs to hard-delete locally (absent from the
	// authoritative remote collection).
	Removals []string

	// Conflicts to record.
	Conflicts []*task.Conflict

	// ClearQueue drops the whole pending-change queue.
	ClearQueue bool

	// LastSync, when non-nil, becomes the new confirmed sync point.
	LastSync *time.Time

	// LastChecksum, when non-nil, becomes the new baseline checksum.
	LastChecksum *string
}

// ApplySyncResult commits a sync outcome in one transaction.
func (s *Store) ApplySyncResult(ctx context.Context, res *SyncResult) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range res.Upserts {
		if err := upsertTaskTx(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, id := range res.Removals {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove task %s: %w", id, err)
		}
	}
	for _, c := range res.Conflicts {
		localJSON, err := json.Marshal(c.Local)
		if err != nil {
			return fmt.Errorf("failed to marshal local version: %w", err)
		}
		remoteJSON, err := json.Marshal(c.Remote)
		if err != nil {
			return fmt.Errorf("failed to marshal remote version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conflicts (task_id, local_json, remote_json, detected_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				local_json = excluded.local_json,
				remote_json = excluded.remote_json,
				detected_at = excluded.detected_at`,
			c.TaskID, string(localJSON), string(remoteJSON),
			c.DetectedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("failed to record conflict: %w", err)
		}
	}
	if res.ClearQueue {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_changes`); err != nil {
			return fmt.Errorf("failed to clear pending changes: %w", err)
		}
	}
	if res.LastSync != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_state SET last_sync = ? WHERE id = ?`,
			res.LastSync.UTC().Format(time.RFC3339Nano), syncStateID); err != nil {
			return fmt.Errorf("failed to update sync point: %w", err)
		}
	}
	if res.LastChecksum != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_state SET last_checksum = ? WHERE id = ?`,
			*res.LastChecksum, syncStateID); err != nil {
			return fmt.Errorf("failed to update baseline checksum: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync result: %w", err)
	}
	return nil
}
