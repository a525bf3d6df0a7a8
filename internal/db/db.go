// Package db provides the local SQLite store for models, generation runs
// and sync bookkeeping.
//
// The database is an embedded SQLite file (ncruces/go-sqlite3, no cgo)
// opened in WAL mode so the CLI can read while a sync pass writes.
//
// Architecture:
//   - Database file: ~/.sam/sam.db by default
//   - Tables: models, runs, run_loras, tags, run_tags
//   - Sync tables: sync_state (one row per linked pair), sync_audit
//
// The runs table and sync_state live in the same file so that a run write
// and the matching SyncState update commit in one transaction (see Update).
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/sdxl-assets/sam/internal/sync"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open creates a new database connection at the specified path.
//
// The parent directory is created if needed. Open does not create the
// schema; call InitSchema once after opening.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	store, err := db.Open("/home/me/.sam/sam.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
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

	// PRAGMAs are per connection; a single writer connection keeps them in
	// force and serializes transactions, which SQLite does anyway.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn, path: path, now: func() time.Time { return time.Now().UTC() }}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS models (
		model_id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL DEFAULT 'checkpoint',  -- checkpoint, lora, vae, controlnet
		filename TEXT,
		source TEXT,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Parameter columns are nullable: an empty Notion property must survive
	-- the trip to SQLite and back as empty, not as a default.
	CREATE TABLE IF NOT EXISTS runs (
		run_id INTEGER PRIMARY KEY AUTOINCREMENT,
		model_id INTEGER REFERENCES models(model_id) ON DELETE SET NULL,
		title TEXT NOT NULL,
		prompt TEXT,
		negative TEXT,
		cfg REAL,
		steps INTEGER,
		sampler TEXT,
		scheduler TEXT,
		seed INTEGER,
		width INTEGER,
		height INTEGER,
		batch_size INTEGER,
		status TEXT,
		notes TEXT,
		source TEXT,
		comfyui_workflow_id TEXT,
		notion_page_id TEXT,
		extra TEXT,  -- JSON object of columns outside this table
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_loras (
		run_id INTEGER NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		lora_id INTEGER NOT NULL REFERENCES models(model_id) ON DELETE CASCADE,
		weight REAL NOT NULL DEFAULT 1.0,
		position INTEGER NOT NULL,
		PRIMARY KEY (run_id, lora_id)
	);

	CREATE TABLE IF NOT EXISTS tags (
		tag_id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		category TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_tags (
		run_id INTEGER NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		tag_id INTEGER NOT NULL REFERENCES tags(tag_id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		PRIMARY KEY (run_id, tag_id)
	);

	-- No foreign key to runs: a state row must outlive its run so the next
	-- pass can tell a local delete from a record that never existed.
	CREATE TABLE IF NOT EXISTS sync_state (
		local_key TEXT PRIMARY KEY,
		external_key TEXT NOT NULL UNIQUE,
		fingerprint TEXT NOT NULL,
		snapshot TEXT NOT NULL,  -- JSON field snapshot
		synced_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_audit (
		audit_id TEXT PRIMARY KEY,
		pass_id TEXT NOT NULL,
		local_key TEXT,
		external_key TEXT,
		title TEXT,
		policy TEXT NOT NULL,
		winner TEXT,
		pending INTEGER NOT NULL DEFAULT 0,
		conflicting TEXT,  -- JSON array of field names
		detail TEXT NOT NULL,  -- JSON conflict record
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_notion ON runs(notion_page_id);
	CREATE INDEX IF NOT EXISTS idx_runs_title ON runs(title);
	CREATE INDEX IF NOT EXISTS idx_models_type ON models(type);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON sync_audit(created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_pass ON sync_audit(pass_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Update runs fn inside one transaction and commits if fn returns nil.
// It implements sync.LocalStore.
func (db *DB) Update(ctx context.Context, fn func(tx sync.LocalTx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return retryable("begin transaction", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx, now: db.now()}); err != nil {
		return retryable("update", err)
	}
	if err := tx.Commit(); err != nil {
		return retryable("commit", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// retryable marks lock contention as transient so the engine retries it.
func retryable(op string, err error) error {
	if errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED) {
		return &sync.TransientError{Op: op, Err: err}
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
