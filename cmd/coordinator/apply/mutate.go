// Package apply executes planned decisions: phase-1 state mutations inside
// the per-command transaction, then phase-2 external effects after commit.
package apply

import (
	"context"
	"fmt"
	"time"

	"github.com/ronkeiser/wonder/cmd/coordinator/contexteng"
	"github.com/ronkeiser/wonder/cmd/coordinator/decision"
	"github.com/ronkeiser/wonder/cmd/coordinator/model"
	"github.com/ronkeiser/wonder/cmd/coordinator/state"
	"github.com/ronkeiser/wonder/cmd/coordinator/store"
	"github.com/ronkeiser/wonder/cmd/coordinator/trace"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

// StateExecutor applies phase-1 decisions within one open transaction,
// enforcing the token state machine. Any error aborts the whole batch.
type StateExecutor struct {
	engine *contexteng.Engine
	logger Logger
}

// NewStateExecutor creates a state-mutation executor
func NewStateExecutor(engine *contexteng.Engine, logger Logger) *StateExecutor {
	return &StateExecutor{engine: engine, logger: logger}
}

// Apply runs every phase-1 decision in order against the transaction
func (e *StateExecutor) Apply(ctx context.Context, q store.DBTX, decisions []decision.Decision, em *trace.Emitter, now time.Time) error {
	for _, d := range decisions {
		if d.Phase() != decision.PhaseState {
			continue
		}
		if err := e.applyOne(ctx, q, d, em, now); err != nil {
			e.logger.Error("state mutation failed", "decision", d.Name(), "error", err)
			return fmt.Errorf("apply %s: %w", d.Name(), err)
		}
	}
	return nil
}

func (e *StateExecutor) applyOne(ctx context.Context, q store.DBTX, d decision.Decision, em *trace.Emitter, now time.Time) error {
	switch dec := d.(type) {
	case decision.InitializeWorkflow:
		if err := e.engine.WriteInput(ctx, q, dec.Input); err != nil {
			return err
		}
		if err := store.InitStatus(ctx, q, model.RunRunning, now); err != nil {
			return err
		}
		em.Emit("operation.workflow.initialized", "", "", nil)

	case decision.CreateToken:
		return e.createToken(ctx, q, dec.Token, em)

	case decision.BatchCreateTokens:
		for _, tok := range dec.Tokens {
			if err := e.createToken(ctx, q, tok, em); err != nil {
				return err
			}
		}

	case decision.UpdateTokenStatus:
		return e.moveToken(ctx, q, dec.TokenID, dec.From, dec.To, dec.NodeID, em, now)

	case decision.MarkWaiting:
		return e.moveToken(ctx, q, dec.TokenID, dec.From, dec.To, "", em, now)

	case decision.CancelToken:
		return e.moveToken(ctx, q, dec.TokenID, dec.From, model.TokenCancelled, "", em, now)

	case decision.SetContextField:
		if err := e.engine.SetField(ctx, q, dec.Path, dec.Value); err != nil {
			return err
		}
		em.Emit("operation.context.updated", "", "", map[string]any{"path": dec.Path})

	case decision.ApplyOutputMapping:
		if err := e.engine.ApplyOutputMapping(ctx, q, dec.Entries, dec.Output); err != nil {
			return err
		}
		em.Emit("operation.context.updated", dec.TokenID, dec.NodeID, map[string]any{
			"entries": len(dec.Entries),
		})

	case decision.InitBranchTable:
		if err := store.InitBranchTable(ctx, q, dec.TokenID); err != nil {
			return err
		}
		em.Emit("operation.context.branch_table.created", dec.TokenID, "", nil)

	case decision.ApplyBranchOutput:
		if err := e.engine.ApplyBranchOutput(ctx, q, dec.TokenID, dec.Entries, dec.Output); err != nil {
			return err
		}
		em.Emit("operation.context.branch_written", dec.TokenID, "", nil)

	case decision.TryCreateFanIn:
		created, err := store.TryCreateFanIn(ctx, q, &dec.FanIn)
		if err != nil {
			return err
		}
		em.Emit("operation.sync.fan_in_created", "", dec.FanIn.FanInNodeID, map[string]any{
			"sibling_group": dec.FanIn.SiblingGroup,
			"created":       created,
		})

	case decision.RecordFanInArrival:
		if err := store.RecordFanInArrival(ctx, q, dec.SiblingGroup, dec.FanInNodeID); err != nil {
			return err
		}
		em.Emit("operation.sync.arrival_recorded", dec.TokenID, dec.FanInNodeID, map[string]any{
			"sibling_group": dec.SiblingGroup,
		})

	case decision.SetFanInActivated:
		activated, err := store.ActivateFanIn(ctx, q, dec.SiblingGroup, dec.FanInNodeID, dec.MergedTokenID, now, dec.AllowLateMerge)
		if err != nil {
			return err
		}
		if !activated {
			// Single-writer: planning saw this record unactivated, so a lost
			// claim is a programming error, not a race.
			return fmt.Errorf("fan-in %s/%s already activated", dec.SiblingGroup, dec.FanInNodeID)
		}
		em.Emit("dispatch.sync.fan_in_activated", dec.MergedTokenID, dec.FanInNodeID, map[string]any{
			"sibling_group": dec.SiblingGroup,
		})

	case decision.MergeBranches:
		refs := make([]contexteng.BranchRef, 0, len(dec.TokenIDs))
		for _, id := range dec.TokenIDs {
			tok, err := store.GetToken(ctx, q, id)
			if err != nil {
				return err
			}
			refs = append(refs, contexteng.BranchRef{TokenID: id, BranchIndex: tok.BranchIndex})
		}
		merged, err := e.engine.MergeBranches(ctx, q, refs, dec.Spec)
		if err != nil {
			return err
		}
		em.Emit("operation.context.merged", "", dec.FanInNodeID, map[string]any{
			"sibling_group": dec.SiblingGroup,
			"strategy":      dec.Spec.Strategy,
			"target":        dec.Spec.TargetPath,
			"branches":      len(refs),
			"merged":        merged,
		})

	case decision.DropBranchTables:
		for _, id := range dec.TokenIDs {
			if err := store.DropBranchTable(ctx, q, id); err != nil {
				return err
			}
		}
		em.Emit("operation.context.branch_table.dropped", "", "", map[string]any{
			"count": len(dec.TokenIDs),
		})

	case decision.ExtractOutput:
		if err := e.engine.SetField(ctx, q, "output", dec.FinalOutput); err != nil {
			return err
		}
		em.Emit("operation.context.output_extracted", "", "", nil)

	case decision.SetWorkflowStatus:
		if err := store.SetStatus(ctx, q, dec.Status, dec.FinalOutput, dec.Error, now); err != nil {
			return err
		}
		em.Emit("operation.workflow.status_updated", "", "", map[string]any{
			"status": string(dec.Status),
		})
		e.emitTerminal(em, dec.Status, dec.Error)

	case decision.FailWorkflow:
		// The status row may not exist yet when failure strikes before
		// initialization (bad start input).
		if err := store.InitStatus(ctx, q, model.RunFailed, now); err != nil {
			return err
		}
		if err := store.SetStatus(ctx, q, model.RunFailed, nil, dec.Error, now); err != nil {
			return err
		}
		em.Emit("operation.workflow.status_updated", "", dec.Error.NodeID, map[string]any{
			"status": string(model.RunFailed),
			"code":   dec.Error.Code,
		})
		e.emitTerminal(em, model.RunFailed, dec.Error)

	case decision.InitSubworkflowRecord:
		if err := store.InsertSubworkflow(ctx, q, &dec.Record); err != nil {
			return err
		}
		em.Emit("operation.subworkflow.recorded", dec.Record.ParentTokenID, "", map[string]any{
			"child_run_id": dec.Record.ChildRunID,
		})

	default:
		return fmt.Errorf("unknown state decision %T", d)
	}
	return nil
}

func (e *StateExecutor) createToken(ctx context.Context, q store.DBTX, tok model.Token, em *trace.Emitter) error {
	if err := store.InsertToken(ctx, q, &tok); err != nil {
		return err
	}
	em.Emit("operation.tokens.created", tok.ID, tok.NodeID, map[string]any{
		"status":       string(tok.Status),
		"path_id":      tok.PathID,
		"branch_index": tok.BranchIndex,
	})
	return nil
}

func (e *StateExecutor) moveToken(ctx context.Context, q store.DBTX, id string, from, to model.TokenStatus, nodeID string, em *trace.Emitter, now time.Time) error {
	if err := state.ValidateTransition(from, to); err != nil {
		return err
	}
	tok, err := store.GetToken(ctx, q, id)
	if err != nil {
		return err
	}
	// A decision carrying a stale origin must not mutate the row; terminal
	// statuses in particular stay terminal.
	if tok.Status != from {
		return fmt.Errorf("token %s is %s, not %s", id, tok.Status, from)
	}
	if err := store.UpdateTokenStatus(ctx, q, id, to, now); err != nil {
		return err
	}
	em.Emit("operation.tokens.status_updated", id, nodeID, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	return nil
}

func (e *StateExecutor) emitTerminal(em *trace.Emitter, status model.RunStatus, werr *model.WorkflowError) {
	switch status {
	case model.RunCompleted:
		em.Emit("dispatch.workflow.completed", "", "", nil)
	case model.RunFailed:
		fields := map[string]any{}
		nodeID := ""
		if werr != nil {
			fields["code"] = werr.Code
			fields["message"] = werr.Message
			nodeID = werr.NodeID
		}
		em.Emit("dispatch.workflow.failed", "", nodeID, fields)
	case model.RunCancelled:
		em.Emit("dispatch.workflow.cancelled", "", "", nil)
	}
}
