package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

// InitStatus creates the singleton status row
func InitStatus(ctx context.Context, q DBTX, status model.RunStatus, now time.Time) error {
	ts := now.UTC().Format(time.RFC3339Nano)
	_, err := q.ExecContext(ctx, `
		INSERT INTO workflow_status (id, status, created_at, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		string(status), ts, ts,
	)
	if err != nil {
		return fmt.Errorf("init workflow status: %w", err)
	}
	return nil
}

// SetStatus updates the singleton status row
func SetStatus(ctx context.Context, q DBTX, status model.RunStatus, finalOutput map[string]any, werr *model.WorkflowError, now time.Time) error {
	var outputJSON, errJSON any
	if finalOutput != nil {
		b, err := json.Marshal(finalOutput)
		if err != nil {
			return fmt.Errorf("marshal final output: %w", err)
		}
		outputJSON = string(b)
	}
	if werr != nil {
		b, err := json.Marshal(werr)
		if err != nil {
			return fmt.Errorf("marshal workflow error: %w", err)
		}
		errJSON = string(b)
	}

	_, err := q.ExecContext(ctx, `
		UPDATE workflow_status
		SET status = ?, final_output_json = COALESCE(?, final_output_json),
		    error_json = COALESCE(?, error_json), updated_at = ?
		WHERE id = 1`,
		string(status), outputJSON, errJSON, now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set workflow status: %w", err)
	}
	return nil
}

// GetStatus loads the singleton status row
func GetStatus(ctx context.Context, q DBTX) (*model.WorkflowStatus, error) {
	var (
		st                   model.WorkflowStatus
		status               string
		outputJSON, errJSON  sql.NullString
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT status, final_output_json, error_json, created_at, updated_at
		FROM workflow_status WHERE id = 1`).Scan(&status, &outputJSON, &errJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow status: %w", err)
	}

	st.Status = model.RunStatus(status)
	if outputJSON.Valid && outputJSON.String != "" {
		if err := json.Unmarshal([]byte(outputJSON.String), &st.FinalOutput); err != nil {
			return nil, fmt.Errorf("unmarshal final output: %w", err)
		}
	}
	if errJSON.Valid && errJSON.String != "" {
		st.Error = &model.WorkflowError{}
		if err := json.Unmarshal([]byte(errJSON.String), st.Error); err != nil {
			return nil, fmt.Errorf("unmarshal workflow error: %w", err)
		}
	}
	if st.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if st.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &st, nil
}
