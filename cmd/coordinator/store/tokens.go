package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

const tokenColumns = `id, node_id, status, parent_token_id, fan_out_transition_id,
	branch_index, branch_total, path_id, sibling_group, created_at, updated_at, completed_at`

// InsertToken persists a newly created token
func InsertToken(ctx context.Context, q DBTX, t *model.Token) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.NodeID, string(t.Status),
		nullable(t.ParentTokenID), nullable(t.FanOutTransitionID),
		t.BranchIndex, t.BranchTotal, t.PathID, nullable(t.SiblingGroup),
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert token %s: %w", t.ID, err)
	}
	return nil
}

// GetToken loads one token
func GetToken(ctx context.Context, q DBTX, id string) (*model.Token, error) {
	row := q.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("token %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get token %s: %w", id, err)
	}
	return t, nil
}

// ListTokens loads every token of the run
func ListTokens(ctx context.Context, q DBTX) ([]*model.Token, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []*model.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTokenStatus moves a token to a new status; completedAt is set for
// terminal statuses. State-machine validation happens in the apply layer
// before this is called.
func UpdateTokenStatus(ctx context.Context, q DBTX, id string, status model.TokenStatus, now time.Time) error {
	var completedAt any
	if status.IsTerminal() {
		completedAt = now.UTC().Format(time.RFC3339Nano)
	}

	res, err := q.ExecContext(ctx, `
		UPDATE tokens SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ?`,
		string(status), now.UTC().Format(time.RFC3339Nano), completedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update token %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("token %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(r rowScanner) (*model.Token, error) {
	var (
		t                            model.Token
		status                       string
		parentID, fanOutID, sibGroup sql.NullString
		createdAt, updatedAt         string
		completedAt                  sql.NullString
	)
	if err := r.Scan(&t.ID, &t.NodeID, &status, &parentID, &fanOutID,
		&t.BranchIndex, &t.BranchTotal, &t.PathID, &sibGroup,
		&createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}

	t.Status = model.TokenStatus(status)
	t.ParentTokenID = parentID.String
	t.FanOutTransitionID = fanOutID.String
	t.SiblingGroup = sibGroup.String

	var err error
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if completedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		t.CompletedAt = &ts
	}
	return &t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
