package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

// InsertSubworkflow records a parent token awaiting a child run
func InsertSubworkflow(ctx context.Context, q DBTX, r *model.SubworkflowRecord) error {
	inputJSON, err := json.Marshal(r.InputMapping)
	if err != nil {
		return fmt.Errorf("marshal input mapping: %w", err)
	}
	outputJSON, err := json.Marshal(r.OutputMapping)
	if err != nil {
		return fmt.Errorf("marshal output mapping: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO subworkflows (parent_token_id, child_run_id, input_mapping_json, output_mapping_json, on_failure)
		VALUES (?, ?, ?, ?, ?)`,
		r.ParentTokenID, r.ChildRunID, string(inputJSON), string(outputJSON), r.OnFailure,
	)
	if err != nil {
		return fmt.Errorf("insert subworkflow record for %s: %w", r.ParentTokenID, err)
	}
	return nil
}

// ListSubworkflows loads every subworkflow record of the run
func ListSubworkflows(ctx context.Context, q DBTX) ([]*model.SubworkflowRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT parent_token_id, child_run_id, input_mapping_json, output_mapping_json, on_failure
		FROM subworkflows ORDER BY parent_token_id`)
	if err != nil {
		return nil, fmt.Errorf("list subworkflows: %w", err)
	}
	defer rows.Close()

	var out []*model.SubworkflowRecord
	for rows.Next() {
		var (
			r                     model.SubworkflowRecord
			inputJSON, outputJSON sql.NullString
		)
		if err := rows.Scan(&r.ParentTokenID, &r.ChildRunID, &inputJSON, &outputJSON, &r.OnFailure); err != nil {
			return nil, fmt.Errorf("scan subworkflow record: %w", err)
		}
		if inputJSON.Valid && inputJSON.String != "" {
			if err := json.Unmarshal([]byte(inputJSON.String), &r.InputMapping); err != nil {
				return nil, fmt.Errorf("unmarshal input mapping: %w", err)
			}
		}
		if outputJSON.Valid && outputJSON.String != "" {
			if err := json.Unmarshal([]byte(outputJSON.String), &r.OutputMapping); err != nil {
				return nil, fmt.Errorf("unmarshal output mapping: %w", err)
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
