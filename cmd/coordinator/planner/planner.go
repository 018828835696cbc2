// Package planner turns one command plus an immutable state snapshot into a
// complete flat decision list. Planning does no I/O: every write it wants is
// a phase-1 decision, every RPC a phase-2 decision. For a fixed snapshot,
// command and id sequence the output is deterministic.
package planner

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ronkeiser/wonder/cmd/coordinator/condition"
	"github.com/ronkeiser/wonder/cmd/coordinator/contexteng"
	"github.com/ronkeiser/wonder/cmd/coordinator/decision"
	"github.com/ronkeiser/wonder/cmd/coordinator/model"
	"github.com/ronkeiser/wonder/cmd/coordinator/state"
	"github.com/ronkeiser/wonder/cmd/coordinator/trace"
)

// maxRoutingHops bounds in-plan traversal through routing nodes, so a cycle
// of condition-free routing nodes cannot spin planning forever. Loop clauses
// bound cross-command cycles separately.
const maxRoutingHops = 256

// Result is the complete output of planning one command
type Result struct {
	Decisions []decision.Decision
	Events    []trace.Event
}

func (r *Result) add(ds ...decision.Decision) {
	r.Decisions = append(r.Decisions, ds...)
}

func (r *Result) event(name, tokenID, nodeID string, fields map[string]any) {
	r.Events = append(r.Events, trace.Event{Name: name, TokenID: tokenID, NodeID: nodeID, Fields: fields})
}

// Planner plans decisions for one workflow definition
type Planner struct {
	eval   *condition.Evaluator
	engine *contexteng.Engine
	idgen  func() string
}

// Opts configures a Planner
type Opts struct {
	Evaluator *condition.Evaluator
	Engine    *contexteng.Engine
	IDGen     func() string // defaults to uuid; injectable for deterministic tests
}

// New creates a Planner
func New(opts Opts) *Planner {
	idgen := opts.IDGen
	if idgen == nil {
		idgen = uuid.NewString
	}
	return &Planner{
		eval:   opts.Evaluator,
		engine: opts.Engine,
		idgen:  idgen,
	}
}

// planCtx carries per-plan working state: the result under construction, a
// copy-on-write context overlay reflecting pending writes, and the routing
// hop counter.
type planCtx struct {
	s    *state.WorkflowState
	res  *Result
	snap state.ContextSnapshot
	hops int

	// terminalPlanned is set once a workflow-terminal status decision has
	// been planned; later failures and the completion epilogue are no-ops.
	terminalPlanned bool
}

// Plan computes the decision list for one command
func (p *Planner) Plan(s *state.WorkflowState, cmd model.Command) (*Result, error) {
	if s.Def == nil {
		return nil, fmt.Errorf("plan: no definition in snapshot")
	}

	pc := &planCtx{s: s, res: &Result{}, snap: s.Context}

	if s.Status.Status.IsTerminal() && cmd.Kind != model.CmdStart {
		// Late inputs after a terminal status are accepted and dropped.
		pc.res.event("decision.command.dropped", cmd.TokenID, "", map[string]any{
			"kind":   string(cmd.Kind),
			"reason": "workflow_terminal",
		})
		return pc.res, nil
	}

	switch cmd.Kind {
	case model.CmdStart:
		p.planStart(pc, cmd)
	case model.CmdMarkExecuting:
		p.planMarkExecuting(pc, cmd)
	case model.CmdTaskResult:
		p.planTaskResult(pc, cmd)
	case model.CmdTaskError:
		p.planTaskError(pc, cmd)
	case model.CmdSubworkflowResult:
		p.planSubworkflowResult(pc, cmd)
	case model.CmdSubworkflowError:
		p.planSubworkflowError(pc, cmd)
	case model.CmdAlarm:
		p.planAlarm(pc, cmd)
	case model.CmdCancel:
		p.planCancel(pc, cmd)
	default:
		return nil, fmt.Errorf("plan: unknown command kind %q", cmd.Kind)
	}

	p.maybeComplete(pc)
	return pc.res, nil
}

func (p *Planner) planStart(pc *planCtx, cmd model.Command) {
	if len(pc.s.Tokens) > 0 || pc.s.Status.Status != "" {
		pc.res.event("decision.command.dropped", "", "", map[string]any{
			"kind":   string(model.CmdStart),
			"reason": "already_started",
		})
		return
	}

	if err := p.engine.ValidateInput(cmd.Input); err != nil {
		p.failWorkflow(pc, &model.WorkflowError{
			Code:    model.ErrCodeInvalidInput,
			Message: err.Error(),
		})
		return
	}

	pc.res.add(decision.InitializeWorkflow{Input: cmd.Input})
	pc.snap.Input = cmd.Input
	pc.res.event("decision.workflow.start", "", pc.s.Def.InitialNodeID, map[string]any{
		"def_id":  pc.s.Def.ID,
		"version": pc.s.Def.Version,
	})

	root := model.Token{
		ID:          p.idgen(),
		NodeID:      pc.s.Def.InitialNodeID,
		PathID:      "root",
		BranchTotal: 1,
		CreatedAt:   pc.s.Now,
		UpdatedAt:   pc.s.Now,
	}
	p.createAndEnter(pc, root, nil)
}

func (p *Planner) planMarkExecuting(pc *planCtx, cmd model.Command) {
	tok := pc.s.Token(cmd.TokenID)
	if tok == nil || tok.Status != model.TokenDispatched {
		pc.res.event("decision.command.dropped", cmd.TokenID, "", map[string]any{
			"kind":   string(model.CmdMarkExecuting),
			"reason": "token_not_dispatched",
		})
		return
	}
	pc.res.add(decision.UpdateTokenStatus{
		TokenID: tok.ID,
		From:    model.TokenDispatched,
		To:      model.TokenExecuting,
		NodeID:  tok.NodeID,
	})
}

func (p *Planner) planTaskResult(pc *planCtx, cmd model.Command) {
	tok, from := p.resultToken(pc, cmd, model.CmdTaskResult)
	if tok == nil {
		return
	}

	node := pc.s.Def.Nodes[tok.NodeID]
	if node == nil {
		p.failWorkflow(pc, internalErr(tok.NodeID, "unknown node "+tok.NodeID))
		return
	}
	p.routeCompletion(pc, tok, from, cmd.Output, node.OutputMapping, nil)
}

func (p *Planner) planTaskError(pc *planCtx, cmd model.Command) {
	tok, from := p.resultToken(pc, cmd, model.CmdTaskError)
	if tok == nil {
		return
	}

	werr := cmd.Err
	if werr == nil {
		werr = &model.WorkflowError{Code: model.ErrCodeTaskFailed, Message: "task failed"}
	}
	if werr.NodeID == "" {
		werr.NodeID = tok.NodeID
	}

	pc.res.add(decision.UpdateTokenStatus{
		TokenID: tok.ID,
		From:    from,
		To:      model.TokenFailed,
		NodeID:  tok.NodeID,
	})
	pc.res.event("decision.routing.task_failed", tok.ID, tok.NodeID, map[string]any{
		"code": werr.Code,
	})

	// Failure routing considers only explicitly conditional transitions, so
	// an unconditional success edge never swallows an error.
	winners, err := p.matchTransitions(pc, tok.NodeID, werr, true)
	if err != nil {
		p.failWorkflow(pc, internalErr(tok.NodeID, err.Error()))
		return
	}
	if len(winners) == 0 {
		p.failWorkflow(pc, werr)
		return
	}
	p.followTransitions(pc, tok, winners)
}

func (p *Planner) planSubworkflowResult(pc *planCtx, cmd model.Command) {
	tok, rec := p.subworkflowToken(pc, cmd, model.CmdSubworkflowResult)
	if tok == nil {
		return
	}
	pc.res.event("decision.subworkflow.result", tok.ID, tok.NodeID, map[string]any{
		"child_run_id": rec.ChildRunID,
	})
	p.routeCompletion(pc, tok, model.TokenWaitingForSubworkflow, cmd.Output, rec.OutputMapping, nil)
}

func (p *Planner) planSubworkflowError(pc *planCtx, cmd model.Command) {
	tok, rec := p.subworkflowToken(pc, cmd, model.CmdSubworkflowError)
	if tok == nil {
		return
	}

	werr := cmd.Err
	if werr == nil {
		werr = &model.WorkflowError{Code: model.ErrCodeTaskFailed, Message: "subworkflow failed"}
	}
	werr.NodeID = tok.NodeID
	werr.Propagated = true

	if rec.OnFailure == model.OnFailureCatch {
		p.catchSubworkflowError(pc, tok, rec, werr)
		return
	}

	pc.res.add(decision.UpdateTokenStatus{
		TokenID: tok.ID,
		From:    model.TokenWaitingForSubworkflow,
		To:      model.TokenFailed,
		NodeID:  tok.NodeID,
	})
	p.failWorkflow(pc, werr)
}

// catchSubworkflowError completes the parent token and routes onward with the
// child's error written into context, so downstream transitions can branch on
// it.
func (p *Planner) catchSubworkflowError(pc *planCtx, tok *model.Token, rec *model.SubworkflowRecord, werr *model.WorkflowError) {
	synth := map[string]any{
		"error": map[string]any{
			"code":    werr.Code,
			"message": werr.Message,
		},
	}
	entries := rec.OutputMapping
	if len(entries) == 0 {
		entries = []model.MappingEntry{{Target: "output.error", Source: "error"}}
	}
	pc.res.event("decision.subworkflow.caught", tok.ID, tok.NodeID, map[string]any{
		"code": werr.Code,
	})
	p.routeCompletion(pc, tok, model.TokenWaitingForSubworkflow, synth, entries, werr)
}

func (p *Planner) planCancel(pc *planCtx, cmd model.Command) {
	reason := cmd.Reason
	if reason == "" {
		reason = "cancelled"
	}

	for _, tok := range pc.s.ActiveTokens() {
		pc.res.add(decision.CancelToken{TokenID: tok.ID, From: tok.Status, Reason: reason})
		if rec := pc.s.Subworkflows[tok.ID]; rec != nil {
			pc.res.add(decision.CancelChildRun{ChildRunID: rec.ChildRunID, Reason: reason})
		}
	}

	pc.res.add(decision.SetWorkflowStatus{Status: model.RunCancelled})
	if pc.s.Run.ParentRunID != "" {
		pc.res.add(decision.NotifyParent{
			ParentRunID:   pc.s.Run.ParentRunID,
			ParentTokenID: pc.s.Run.ParentTokenID,
			ChildRunID:    pc.s.Run.ID,
			Status:        model.RunCancelled,
		})
	}
	pc.res.add(decision.UpdateResourcesStatus{Status: model.RunCancelled})
	pc.res.event("decision.workflow.cancel", "", "", map[string]any{"reason": reason})
	pc.terminalPlanned = true
}

// resultToken resolves the token for a task result or error command,
// normalizing dispatched to executing when the mark_executing signal was
// lost. Returns nil when the command should be dropped.
func (p *Planner) resultToken(pc *planCtx, cmd model.Command, kind model.CommandKind) (*model.Token, model.TokenStatus) {
	tok := pc.s.Token(cmd.TokenID)
	if tok == nil {
		pc.res.event("decision.command.dropped", cmd.TokenID, "", map[string]any{
			"kind":   string(kind),
			"reason": "unknown_token",
		})
		return nil, ""
	}
	switch tok.Status {
	case model.TokenExecuting:
		return tok, model.TokenExecuting
	case model.TokenDispatched:
		pc.res.add(decision.UpdateTokenStatus{
			TokenID: tok.ID,
			From:    model.TokenDispatched,
			To:      model.TokenExecuting,
			NodeID:  tok.NodeID,
		})
		return tok, model.TokenExecuting
	}
	pc.res.event("decision.command.dropped", tok.ID, tok.NodeID, map[string]any{
		"kind":   string(kind),
		"reason": "token_" + string(tok.Status),
	})
	return nil, ""
}

// subworkflowToken resolves the waiting parent token and its record for a
// subworkflow outcome command. Returns nil when the command should be dropped.
func (p *Planner) subworkflowToken(pc *planCtx, cmd model.Command, kind model.CommandKind) (*model.Token, *model.SubworkflowRecord) {
	tok := pc.s.Token(cmd.TokenID)
	if tok == nil || tok.Status != model.TokenWaitingForSubworkflow {
		pc.res.event("decision.command.dropped", cmd.TokenID, "", map[string]any{
			"kind":   string(kind),
			"reason": "token_not_waiting",
		})
		return nil, nil
	}
	rec := pc.s.Subworkflows[tok.ID]
	if rec == nil {
		p.failWorkflow(pc, internalErr(tok.NodeID, "no subworkflow record for token "+tok.ID))
		return nil, nil
	}
	return tok, rec
}

func internalErr(nodeID, msg string) *model.WorkflowError {
	return &model.WorkflowError{Code: model.ErrCodeInternal, Message: msg, NodeID: nodeID}
}
