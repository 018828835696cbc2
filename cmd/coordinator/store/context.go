package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Context section names
const (
	SectionInput  = "input"
	SectionState  = "state"
	SectionOutput = "output"
)

// GetSection reads a context section document. Missing sections read as "{}".
func GetSection(ctx context.Context, q DBTX, section string) ([]byte, error) {
	var data string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM context_sections WHERE section = ?`, section).Scan(&data)
	if err == sql.ErrNoRows {
		return []byte("{}"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get context section %s: %w", section, err)
	}
	return []byte(data), nil
}

// PutSection writes a context section document
func PutSection(ctx context.Context, q DBTX, section string, data []byte) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO context_sections (section, data) VALUES (?, ?)
		ON CONFLICT (section) DO UPDATE SET data = excluded.data`,
		section, string(data),
	)
	if err != nil {
		return fmt.Errorf("put context section %s: %w", section, err)
	}
	return nil
}

// branchTableName derives the per-token branch table name. Naming by token id
// (not path) lets an inner fan-in find its immediate siblings without
// disturbing outer branch tables during nested fan-out.
func branchTableName(tokenID string) string {
	return `"branch_out_` + strings.ReplaceAll(tokenID, "-", "_") + `"`
}

// InitBranchTable creates the isolated output table for one fan-out branch
func InitBranchTable(ctx context.Context, q DBTX, tokenID string) error {
	stmt := `CREATE TABLE IF NOT EXISTS ` + branchTableName(tokenID) + ` (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL
	)`
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("init branch table for %s: %w", tokenID, err)
	}
	return nil
}

// PutBranchOutput writes a branch's output document
func PutBranchOutput(ctx context.Context, q DBTX, tokenID string, data []byte) error {
	stmt := `INSERT INTO ` + branchTableName(tokenID) + ` (id, data) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`
	if _, err := q.ExecContext(ctx, stmt, string(data)); err != nil {
		return fmt.Errorf("put branch output for %s: %w", tokenID, err)
	}
	return nil
}

// GetBranchOutput reads a branch's output document. A branch whose table was
// never written (or never created) reads as absent.
func GetBranchOutput(ctx context.Context, q DBTX, tokenID string) ([]byte, bool, error) {
	var data string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM `+branchTableName(tokenID)+` WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		if isMissingTable(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get branch output for %s: %w", tokenID, err)
	}
	return []byte(data), true, nil
}

// DropBranchTable deletes a branch table after merge
func DropBranchTable(ctx context.Context, q DBTX, tokenID string) error {
	if _, err := q.ExecContext(ctx, `DROP TABLE IF EXISTS `+branchTableName(tokenID)); err != nil {
		return fmt.Errorf("drop branch table for %s: %w", tokenID, err)
	}
	return nil
}

// BranchTableExists reports whether a branch table is live
func BranchTableExists(ctx context.Context, q DBTX, tokenID string) (bool, error) {
	name := strings.Trim(branchTableName(tokenID), `"`)
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check branch table for %s: %w", tokenID, err)
	}
	return count > 0, nil
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
