// Package store provides the embedded local database for patient records
// and clinical notes.
//
// The database runs in embedded mode using SQLite with WAL enabled, so UI
// reads never block writers. Every mutating operation executes inside a
// single transaction and appends a row to the mutation log in the same
// transaction, which keeps the offline queue exactly in step with the data.
//
// Architecture:
//   - Tables: patients, patient_notes, mutations, sync_state
//   - Indexes: owner scoping, group/favorite filters, dirty flags,
//     note -> patient foreign key
//   - Subscriptions: committed transactions wake registered subscribers,
//     which re-run their query and deliver the fresh result set
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with record-level operations.
type Store struct {
	conn *sql.DB
	path string

	subs *subscriberSet
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created; call InitSchema before use.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".clinsync/local.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
		subs: newSubscriberSet(),
	}

	// WAL keeps readers unblocked during writes.
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
// The mutation queue shares this connection with the store.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after stopping subscriber
// delivery and checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	s.subs.closeAll()

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Core tables. Timestamps are integer milliseconds since epoch so
	-- that index comparisons and LWW checks are plain integer math.
	CREATE TABLE IF NOT EXISTS patients (
		local_id TEXT PRIMARY KEY,
		server_id TEXT,
		patient_id TEXT,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		initial_complaint TEXT NOT NULL DEFAULT '',
		initial_diagnosis TEXT NOT NULL DEFAULT '',
		photo_ref TEXT NOT NULL DEFAULT '',
		patient_group TEXT NOT NULL DEFAULT 'general',
		is_favorite INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		dirty INTEGER NOT NULL DEFAULT 1,
		deleted INTEGER NOT NULL DEFAULT 0,
		last_synced_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS patient_notes (
		local_id TEXT PRIMARY KEY,
		server_id TEXT,
		patient_local_id TEXT NOT NULL,
		patient_server_id TEXT,
		owner_id TEXT NOT NULL,
		content TEXT NOT NULL,
		visit_type TEXT NOT NULL DEFAULT 'regular',
		created_by TEXT NOT NULL DEFAULT 'practitioner',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		dirty INTEGER NOT NULL DEFAULT 1,
		deleted INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (patient_local_id) REFERENCES patients(local_id) ON DELETE CASCADE
	);

	-- Offline queue. Append-only audit of local writes; rows are removed
	-- only on server acknowledgment or per-op rejection.
	CREATE TABLE IF NOT EXISTS mutations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		local_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	);

	-- Single-row-per-key state (watermark, device id).
	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Indexes for the UI filter queries
	CREATE INDEX IF NOT EXISTS idx_patients_owner ON patients(owner_id);
	CREATE INDEX IF NOT EXISTS idx_patients_owner_group ON patients(owner_id, patient_group);
	CREATE INDEX IF NOT EXISTS idx_patients_owner_fav ON patients(owner_id, is_favorite);
	CREATE INDEX IF NOT EXISTS idx_patients_dirty ON patients(dirty);
	CREATE INDEX IF NOT EXISTS idx_notes_patient ON patient_notes(patient_local_id);
	CREATE INDEX IF NOT EXISTS idx_notes_owner ON patient_notes(owner_id);
	CREATE INDEX IF NOT EXISTS idx_notes_dirty ON patient_notes(dirty);
	CREATE INDEX IF NOT EXISTS idx_mutations_entity ON mutations(entity_type, local_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// inTx runs fn inside a transaction and notifies subscribers after a
// successful commit. A crash mid-write leaves either the pre- or
// post-state, never a partial one.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.subs.wakeAll()
	return nil
}

// timeToMillis converts a time to the integer column representation.
func timeToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// millisToTime converts the integer column representation back to UTC time.
func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// timePtrToNullInt converts an optional time to a nullable column value.
func timePtrToNullInt(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// nullIntToTimePtr converts a nullable column value to an optional time.
func nullIntToTimePtr(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := time.UnixMilli(ns.Int64).UTC()
	return &t
}
