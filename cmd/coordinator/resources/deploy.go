package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

// PutWorkflowDef writes a full definition: the def row plus its nodes and
// transitions, replacing any previous content of (id, version).
func (c *Client) PutWorkflowDef(ctx context.Context, def *model.WorkflowDef) error {
	outputMapping, err := marshalOrNil(def.OutputMapping)
	if err != nil {
		return fmt.Errorf("marshal output mapping: %w", err)
	}

	tx, err := c.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin deploy tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_defs
			(id, version, name, input_schema, state_schema, output_schema,
			 initial_node_id, output_mapping, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id, version) DO UPDATE SET
			name = EXCLUDED.name,
			input_schema = EXCLUDED.input_schema,
			state_schema = EXCLUDED.state_schema,
			output_schema = EXCLUDED.output_schema,
			initial_node_id = EXCLUDED.initial_node_id,
			output_mapping = EXCLUDED.output_mapping`,
		def.ID, def.Version, def.Name,
		rawOrNil(def.InputSchema), rawOrNil(def.StateSchema), rawOrNil(def.OutputSchema),
		def.InitialNodeID, outputMapping, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert workflow def %s@%s: %w", def.ID, def.Version, err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM workflow_nodes WHERE def_id = $1 AND def_version = $2`,
		def.ID, def.Version); err != nil {
		return fmt.Errorf("clear nodes for %s@%s: %w", def.ID, def.Version, err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM workflow_transitions WHERE def_id = $1 AND def_version = $2`,
		def.ID, def.Version); err != nil {
		return fmt.Errorf("clear transitions for %s@%s: %w", def.ID, def.Version, err)
	}

	if err := insertNodes(ctx, tx, def); err != nil {
		return err
	}
	if err := insertTransitions(ctx, tx, def); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit deploy of %s@%s: %w", def.ID, def.Version, err)
	}
	c.logger.Info("workflow definition deployed",
		"def_id", def.ID, "version", def.Version,
		"nodes", len(def.Nodes), "transitions", len(def.Transitions))
	return nil
}

func insertNodes(ctx context.Context, tx pgx.Tx, def *model.WorkflowDef) error {
	for id, node := range def.Nodes {
		inputMapping, err := marshalOrNil(node.InputMapping)
		if err != nil {
			return fmt.Errorf("marshal input mapping for node %s: %w", id, err)
		}
		outputMapping, err := marshalOrNil(node.OutputMapping)
		if err != nil {
			return fmt.Errorf("marshal output mapping for node %s: %w", id, err)
		}
		subworkflow, err := marshalOrNil(node.Subworkflow)
		if err != nil {
			return fmt.Errorf("marshal subworkflow for node %s: %w", id, err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_nodes
				(def_id, def_version, id, action_ref, input_mapping, output_mapping, subworkflow, timeout_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			def.ID, def.Version, id,
			nilIfEmpty(node.ActionRef), inputMapping, outputMapping, subworkflow,
			nilIfZero(node.TimeoutMS),
		); err != nil {
			return fmt.Errorf("insert node %s: %w", id, err)
		}
	}
	return nil
}

func insertTransitions(ctx context.Context, tx pgx.Tx, def *model.WorkflowDef) error {
	for _, trs := range def.Transitions {
		for _, tr := range trs {
			syncJSON, err := marshalOrNil(tr.Sync)
			if err != nil {
				return fmt.Errorf("marshal sync for transition %s: %w", tr.ID, err)
			}
			spawnJSON, err := marshalOrNil(tr.Spawn)
			if err != nil {
				return fmt.Errorf("marshal spawn for transition %s: %w", tr.ID, err)
			}
			loopJSON, err := marshalOrNil(tr.Loop)
			if err != nil {
				return fmt.Errorf("marshal loop for transition %s: %w", tr.ID, err)
			}

			if _, err := tx.Exec(ctx, `
				INSERT INTO workflow_transitions
					(def_id, def_version, id, source_node_id, target_node_id, priority, condition, sync, spawn, loop)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				def.ID, def.Version, tr.ID, tr.SourceNodeID,
				nilIfEmpty(tr.TargetNodeID), tr.Priority, nilIfEmpty(tr.Condition),
				syncJSON, spawnJSON, loopJSON,
			); err != nil {
				return fmt.Errorf("insert transition %s: %w", tr.ID, err)
			}
		}
	}
	return nil
}

// CreateRun registers a run row before the coordinator is asked to start it
func (c *Client) CreateRun(ctx context.Context, run model.Run) error {
	now := time.Now().UTC()
	_, err := c.db.Exec(ctx, `
		INSERT INTO workflow_runs
			(id, workspace_id, project_id, parent_run_id, parent_token_id,
			 def_id, def_version, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (id) DO NOTHING`,
		run.ID,
		nilIfEmpty(run.WorkspaceID), nilIfEmpty(run.ProjectID),
		nilIfEmpty(run.ParentRunID), nilIfEmpty(run.ParentTokenID),
		run.DefID, run.DefVersion, string(model.RunRunning), now,
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

func marshalOrNil(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *model.SyncClause:
		if val == nil {
			return nil, nil
		}
	case *model.SpawnClause:
		if val == nil {
			return nil, nil
		}
	case *model.LoopClause:
		if val == nil {
			return nil, nil
		}
	case *model.SubworkflowClause:
		if val == nil {
			return nil, nil
		}
	case []model.MappingEntry:
		if len(val) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nilIfZero(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
