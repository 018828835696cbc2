package store

import (
	"context"
	"fmt"
	"time"
)

// PendingDispatch is one persisted coordinator-to-coordinator call awaiting
// the trampoline drain.
type PendingDispatch struct {
	ID        string
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}

// EnqueuePendingDispatch persists a call so a fresh invocation (depth reset)
// can issue it.
func EnqueuePendingDispatch(ctx context.Context, q DBTX, d *PendingDispatch) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO pending_dispatch (id, kind, payload_json, created_at)
		VALUES (?, ?, ?, ?)`,
		d.ID, d.Kind, string(d.Payload), d.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("enqueue pending dispatch %s: %w", d.ID, err)
	}
	return nil
}

// ListPendingDispatch returns pending calls in arrival order
func ListPendingDispatch(ctx context.Context, q DBTX) ([]*PendingDispatch, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, kind, payload_json, created_at
		FROM pending_dispatch ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list pending dispatch: %w", err)
	}
	defer rows.Close()

	var out []*PendingDispatch
	for rows.Next() {
		var (
			d         PendingDispatch
			payload   string
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.Kind, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending dispatch: %w", err)
		}
		d.Payload = []byte(payload)
		if d.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// DeletePendingDispatch removes a drained call
func DeletePendingDispatch(ctx context.Context, q DBTX, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM pending_dispatch WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete pending dispatch %s: %w", id, err)
	}
	return nil
}
