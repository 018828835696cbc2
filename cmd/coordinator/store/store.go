// Package store is the per-run embedded local store. Each coordinator
// instance owns exactly one store; all tokens, fan-in records, context
// sections, branch tables, subworkflow records and pending dispatches for
// the run live here. The store is deleted when the run reaches a terminal
// state and all parents have been notified.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// DBTX is satisfied by both *sql.DB and *sql.Tx so every query helper works
// inside and outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the run's sqlite database
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the local store at path. Use ":memory:" in tests.
// WAL mode and a single writer connection give the transactional,
// single-writer semantics the coordinator relies on.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	// SQLite supports one writer at a time; a single connection also keeps
	// ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the raw handle for read snapshots outside transactions
func (s *Store) DB() DBTX {
	return s.db
}

// Begin opens the per-command transaction
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Destroy closes and deletes the database file. Called after the run reaches
// a terminal state and parent notification has drained.
func (s *Store) Destroy() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close local store: %w", err)
	}
	if s.path == ":memory:" || s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove local store: %w", err)
	}
	// WAL sidecars
	_ = os.Remove(s.path + "-wal")
	_ = os.Remove(s.path + "-shm")
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			status TEXT NOT NULL,
			parent_token_id TEXT,
			fan_out_transition_id TEXT,
			branch_index INTEGER NOT NULL DEFAULT 0,
			branch_total INTEGER NOT NULL DEFAULT 1,
			path_id TEXT NOT NULL,
			sibling_group TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_status ON tokens(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_sibling_group ON tokens(sibling_group)`,

		// The composite primary key is atomicity point 1: at most one fan-in
		// record per (sibling_group, fan_in_node_id).
		`CREATE TABLE IF NOT EXISTS fan_ins (
			sibling_group TEXT NOT NULL,
			fan_in_node_id TEXT NOT NULL,
			wait_for TEXT NOT NULL,
			m INTEGER NOT NULL DEFAULT 0,
			total INTEGER NOT NULL,
			arrived_count INTEGER NOT NULL DEFAULT 0,
			activated_at TIMESTAMP,
			merged_token_id TEXT,
			PRIMARY KEY (sibling_group, fan_in_node_id)
		)`,

		`CREATE TABLE IF NOT EXISTS context_sections (
			section TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS subworkflows (
			parent_token_id TEXT PRIMARY KEY,
			child_run_id TEXT NOT NULL,
			input_mapping_json TEXT,
			output_mapping_json TEXT,
			on_failure TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS pending_dispatch (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_status (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			status TEXT NOT NULL,
			final_output_json TEXT,
			error_json TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate local store: %w", err)
		}
	}
	return nil
}
