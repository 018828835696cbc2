// Package resources reads workflow definitions from the shared resources
// store and mirrors run status back to it. Definitions are read-mostly;
// status is the coordinator's only write.
package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
	"github.com/ronkeiser/wonder/common/db"
)

// ErrDefNotFound is returned when no definition matches (id, version)
var ErrDefNotFound = errors.New("workflow definition not found")

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

// Client queries the resources store
type Client struct {
	db     *db.DB
	logger Logger
}

// NewClient creates a resources client
func NewClient(database *db.DB, logger Logger) *Client {
	return &Client{db: database, logger: logger}
}

// GetWorkflowDef loads one definition with its nodes and transitions. An
// empty version resolves to the latest.
func (c *Client) GetWorkflowDef(ctx context.Context, id, version string) (*model.WorkflowDef, error) {
	def, err := c.getDefRow(ctx, id, version)
	if err != nil {
		return nil, err
	}

	def.Nodes, err = c.getNodes(ctx, def.ID, def.Version)
	if err != nil {
		return nil, err
	}
	def.Transitions, err = c.getTransitions(ctx, def.ID, def.Version)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("workflow definition loaded",
		"def_id", def.ID, "version", def.Version,
		"nodes", len(def.Nodes), "transitions", len(def.Transitions))
	return def, nil
}

func (c *Client) getDefRow(ctx context.Context, id, version string) (*model.WorkflowDef, error) {
	query := `
		SELECT id, version, name, input_schema, state_schema, output_schema,
		       initial_node_id, output_mapping
		FROM workflow_defs
		WHERE id = $1 AND version = $2`
	args := []any{id, version}
	if version == "" {
		query = `
		SELECT id, version, name, input_schema, state_schema, output_schema,
		       initial_node_id, output_mapping
		FROM workflow_defs
		WHERE id = $1
		ORDER BY created_at DESC
		LIMIT 1`
		args = []any{id}
	}

	var (
		def           model.WorkflowDef
		inputSchema   []byte
		stateSchema   []byte
		outputSchema  []byte
		outputMapping []byte
	)
	err := c.db.QueryRow(ctx, query, args...).Scan(
		&def.ID, &def.Version, &def.Name,
		&inputSchema, &stateSchema, &outputSchema,
		&def.InitialNodeID, &outputMapping,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s@%s", ErrDefNotFound, id, version)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow def %s@%s: %w", id, version, err)
	}

	def.InputSchema = inputSchema
	def.StateSchema = stateSchema
	def.OutputSchema = outputSchema
	if len(outputMapping) > 0 {
		if err := json.Unmarshal(outputMapping, &def.OutputMapping); err != nil {
			return nil, fmt.Errorf("unmarshal output mapping for %s: %w", id, err)
		}
	}
	return &def, nil
}

func (c *Client) getNodes(ctx context.Context, defID, version string) (map[string]*model.Node, error) {
	rows, err := c.db.Query(ctx, `
		SELECT id, action_ref, input_mapping, output_mapping, subworkflow, timeout_ms
		FROM workflow_nodes
		WHERE def_id = $1 AND def_version = $2`, defID, version)
	if err != nil {
		return nil, fmt.Errorf("get nodes for %s: %w", defID, err)
	}
	defer rows.Close()

	nodes := map[string]*model.Node{}
	for rows.Next() {
		var (
			n             model.Node
			actionRef     *string
			inputMapping  []byte
			outputMapping []byte
			subworkflow   []byte
			timeoutMS     *int
		)
		if err := rows.Scan(&n.ID, &actionRef, &inputMapping, &outputMapping, &subworkflow, &timeoutMS); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		if actionRef != nil {
			n.ActionRef = *actionRef
		}
		if timeoutMS != nil {
			n.TimeoutMS = *timeoutMS
		}
		if len(inputMapping) > 0 {
			if err := json.Unmarshal(inputMapping, &n.InputMapping); err != nil {
				return nil, fmt.Errorf("unmarshal input mapping for node %s: %w", n.ID, err)
			}
		}
		if len(outputMapping) > 0 {
			if err := json.Unmarshal(outputMapping, &n.OutputMapping); err != nil {
				return nil, fmt.Errorf("unmarshal output mapping for node %s: %w", n.ID, err)
			}
		}
		if len(subworkflow) > 0 {
			n.Subworkflow = &model.SubworkflowClause{}
			if err := json.Unmarshal(subworkflow, n.Subworkflow); err != nil {
				return nil, fmt.Errorf("unmarshal subworkflow for node %s: %w", n.ID, err)
			}
		}
		nodes[n.ID] = &n
	}
	return nodes, rows.Err()
}

func (c *Client) getTransitions(ctx context.Context, defID, version string) (map[string][]*model.Transition, error) {
	rows, err := c.db.Query(ctx, `
		SELECT id, source_node_id, target_node_id, priority, condition, sync, spawn, loop
		FROM workflow_transitions
		WHERE def_id = $1 AND def_version = $2
		ORDER BY source_node_id, priority, id`, defID, version)
	if err != nil {
		return nil, fmt.Errorf("get transitions for %s: %w", defID, err)
	}
	defer rows.Close()

	transitions := map[string][]*model.Transition{}
	for rows.Next() {
		var (
			t         model.Transition
			targetID  *string
			cond      *string
			syncJSON  []byte
			spawnJSON []byte
			loopJSON  []byte
		)
		if err := rows.Scan(&t.ID, &t.SourceNodeID, &targetID, &t.Priority, &cond, &syncJSON, &spawnJSON, &loopJSON); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if targetID != nil {
			t.TargetNodeID = *targetID
		}
		if cond != nil {
			t.Condition = *cond
		}
		if len(syncJSON) > 0 {
			t.Sync = &model.SyncClause{}
			if err := json.Unmarshal(syncJSON, t.Sync); err != nil {
				return nil, fmt.Errorf("unmarshal sync for transition %s: %w", t.ID, err)
			}
		}
		if len(spawnJSON) > 0 {
			t.Spawn = &model.SpawnClause{}
			if err := json.Unmarshal(spawnJSON, t.Spawn); err != nil {
				return nil, fmt.Errorf("unmarshal spawn for transition %s: %w", t.ID, err)
			}
		}
		if len(loopJSON) > 0 {
			t.Loop = &model.LoopClause{}
			if err := json.Unmarshal(loopJSON, t.Loop); err != nil {
				return nil, fmt.Errorf("unmarshal loop for transition %s: %w", t.ID, err)
			}
		}
		transitions[t.SourceNodeID] = append(transitions[t.SourceNodeID], &t)
	}
	return transitions, rows.Err()
}

// UpdateRunStatus mirrors a run's status to the resources store
// (last-write-wins).
func (c *Client) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, output map[string]any, werr *model.WorkflowError) error {
	var outputJSON, errJSON []byte
	var err error
	if output != nil {
		if outputJSON, err = json.Marshal(output); err != nil {
			return fmt.Errorf("marshal run output: %w", err)
		}
	}
	if werr != nil {
		if errJSON, err = json.Marshal(werr); err != nil {
			return fmt.Errorf("marshal run error: %w", err)
		}
	}

	_, err = c.db.Exec(ctx, `
		UPDATE workflow_runs
		SET status = $2,
		    output = COALESCE($3, output),
		    error = COALESCE($4, error),
		    updated_at = $5
		WHERE id = $1`,
		runID, string(status), outputJSON, errJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update run %s status: %w", runID, err)
	}
	return nil
}
