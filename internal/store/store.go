// Package store provides the transactional local database for taskkeep.
//
// The store runs on embedded SQLite with WAL mode for concurrent reads.
// It owns four tables: tasks, the singleton sync_state record, the ordered
// pending_changes queue, and the conflict set. All multi-record updates go
// through single-writer transactions, so a read mid-sync never observes a
// half-applied merge.
//
// Mutations made on behalf of the user go through SaveTask/SoftDeleteTask,
// which stamp updated_at and append a pending change in the same
// transaction. Mutations made by the sync engine when applying remote
// state use the plain upsert/replace paths, which record nothing.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/taskkeep/taskkeep/internal/vault"
)

// syncStateID is the fixed id of the singleton sync_state row.
const syncStateID = 1

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
	path string
}

// SyncState is the singleton sync record. Created empty on first open,
// destroyed only when the user disables backup.
type SyncState struct {
	// Token is the encrypted remote credential, nil until the user
	// authorizes backup.
	Token *vault.EncryptedToken

	// LastSync is the last confirmed synchronization point, nil before
	// the first successful sync.
	LastSync *time.Time

	// LastChecksum is the checksum of the collection as of LastSync,
	// the baseline for the three-way divergence comparison.
	LastChecksum string
}

// Open creates a connection at the given path, creating the file and the
// schema if needed. The caller must Close when done.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.InitSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path. The daemon watches this file (and
// its WAL sibling) for mutations made by other processes.
func (s *Store) Path() string {
	return s.path
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the schema and the singleton sync_state row.
// Idempotent, safe to call on every open.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		estimate_minutes INTEGER NOT NULL DEFAULT 0,
		effort INTEGER NOT NULL DEFAULT 0,
		location TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		priority INTEGER NOT NULL DEFAULT 2,
		deadline TEXT,
		depends_on TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT,
		recurrence TEXT,  -- JSON sub-record
		project TEXT      -- JSON sub-record
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		token_ciphertext BLOB,
		token_salt BLOB,
		token_nonce BLOB,
		last_sync TEXT,
		last_checksum TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS pending_changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		op TEXT NOT NULL,
		ts TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		task_id TEXT PRIMARY KEY,
		local_json TEXT NOT NULL,
		remote_json TEXT NOT NULL,
		detected_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_deleted ON tasks(deleted_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Seed the singleton row so readers never deal with its absence.
	if _, err := s.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO sync_state (id) VALUES (?)`, syncStateID); err != nil {
		return fmt.Errorf("failed to seed sync state: %w", err)
	}
	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// jsonToNullString marshals an optional sub-record for storage.
func jsonToNullString(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal sub-record: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
