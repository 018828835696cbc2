package planner

import (
	"sort"

	"github.com/ronkeiser/wonder/cmd/coordinator/decision"
	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

func (p *Planner) planAlarm(pc *planCtx, cmd model.Command) {
	if cmd.Alarm == nil {
		pc.res.event("decision.command.dropped", "", "", map[string]any{
			"kind":   string(model.CmdAlarm),
			"reason": "missing_payload",
		})
		return
	}

	switch cmd.Alarm.Kind {
	case model.AlarmPendingDispatch:
		// The trampoline drain happens in the dispatcher, outside planning;
		// the alarm only exists to re-enter with a fresh stack.
	case model.AlarmFanInTimeout:
		p.planFanInTimeout(pc, cmd.Alarm)
	case model.AlarmSubworkflowTimeout:
		p.planSubworkflowTimeout(pc, cmd.Alarm)
	default:
		pc.res.event("decision.command.dropped", "", "", map[string]any{
			"kind":   string(model.CmdAlarm),
			"reason": "unknown_alarm_" + string(cmd.Alarm.Kind),
		})
	}
}

func (p *Planner) planSubworkflowTimeout(pc *planCtx, payload *model.AlarmPayload) {
	tok := pc.s.Token(payload.TokenID)
	if tok == nil || tok.Status != model.TokenWaitingForSubworkflow {
		pc.res.event("decision.sync.timeout_ignored", payload.TokenID, "", nil)
		return
	}
	rec := pc.s.Subworkflows[tok.ID]
	if rec == nil {
		p.failWorkflow(pc, internalErr(tok.NodeID, "no subworkflow record for token "+tok.ID))
		return
	}

	pc.res.add(decision.CancelChildRun{ChildRunID: rec.ChildRunID, Reason: "subworkflow_timeout"})
	werr := &model.WorkflowError{
		Code:    model.ErrCodeSubworkflowTimeout,
		Message: "subworkflow timed out",
		NodeID:  tok.NodeID,
	}

	if rec.OnFailure == model.OnFailureCatch {
		p.catchSubworkflowError(pc, tok, rec, werr)
		return
	}

	pc.res.add(decision.UpdateTokenStatus{
		TokenID: tok.ID,
		From:    model.TokenWaitingForSubworkflow,
		To:      model.TokenTimedOut,
		NodeID:  tok.NodeID,
	})
	p.failWorkflow(pc, werr)
}

// failWorkflow plans the full failure shape: cancel whatever is still live,
// record the failure, notify upward and mirror outward. The first failure in
// a plan wins; later ones are dropped.
func (p *Planner) failWorkflow(pc *planCtx, werr *model.WorkflowError) {
	if pc.terminalPlanned {
		return
	}
	pc.terminalPlanned = true

	statuses := p.currentStatuses(pc)
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if statuses[id].IsActive() {
			pc.res.add(decision.CancelToken{TokenID: id, From: statuses[id], Reason: "workflow_failed"})
		}
	}

	tokIDs := make([]string, 0, len(pc.s.Subworkflows))
	for tokID := range pc.s.Subworkflows {
		tokIDs = append(tokIDs, tokID)
	}
	sort.Strings(tokIDs)
	for _, tokID := range tokIDs {
		if tok := pc.s.Token(tokID); tok != nil && tok.Status == model.TokenWaitingForSubworkflow {
			pc.res.add(decision.CancelChildRun{ChildRunID: pc.s.Subworkflows[tokID].ChildRunID, Reason: "workflow_failed"})
		}
	}

	pc.res.add(decision.FailWorkflow{Error: werr})
	if pc.s.Run.ParentRunID != "" {
		pc.res.add(decision.NotifyParent{
			ParentRunID:   pc.s.Run.ParentRunID,
			ParentTokenID: pc.s.Run.ParentTokenID,
			ChildRunID:    pc.s.Run.ID,
			Status:        model.RunFailed,
			Error:         werr,
		})
	}
	pc.res.add(decision.UpdateResourcesStatus{Status: model.RunFailed, Error: werr})
	pc.res.event("decision.workflow.failed", "", werr.NodeID, map[string]any{
		"code":    werr.Code,
		"message": werr.Message,
	})
}

// maybeComplete is the plan epilogue: when the plan leaves no token active
// and no terminal status has been decided, the run is done and its output is
// extracted.
func (p *Planner) maybeComplete(pc *planCtx) {
	if pc.terminalPlanned || pc.s.Status.Status.IsTerminal() || pc.s.Status.Status == "" && len(pc.res.Decisions) == 0 {
		return
	}
	for _, status := range p.currentStatuses(pc) {
		if status.IsActive() {
			return
		}
	}

	finalOutput := p.extractOutput(pc)
	if err := p.engine.ValidateOutput(finalOutput); err != nil {
		p.failWorkflow(pc, &model.WorkflowError{
			Code:    model.ErrCodeInternal,
			Message: "final output rejected by schema: " + err.Error(),
		})
		return
	}

	pc.res.add(
		decision.ExtractOutput{FinalOutput: finalOutput},
		decision.SetWorkflowStatus{Status: model.RunCompleted, FinalOutput: finalOutput},
	)
	if pc.s.Run.ParentRunID != "" {
		pc.res.add(decision.NotifyParent{
			ParentRunID:   pc.s.Run.ParentRunID,
			ParentTokenID: pc.s.Run.ParentTokenID,
			ChildRunID:    pc.s.Run.ID,
			Status:        model.RunCompleted,
			Output:        finalOutput,
		})
	}
	pc.res.add(decision.UpdateResourcesStatus{Status: model.RunCompleted, Output: finalOutput})
	pc.res.event("decision.completion.extracted", "", "", map[string]any{
		"status": string(model.RunCompleted),
	})
	pc.terminalPlanned = true
}

// extractOutput applies the workflow-level output mapping against the plan's
// context overlay. Without a mapping, the output section is the final output.
func (p *Planner) extractOutput(pc *planCtx) map[string]any {
	if len(pc.s.Def.OutputMapping) == 0 {
		if pc.snap.Output == nil {
			return map[string]any{}
		}
		return pc.snap.Output
	}
	doc := map[string]any{}
	for _, entry := range pc.s.Def.OutputMapping {
		if value, ok := pc.snap.Lookup(entry.Source); ok {
			setDocPath(doc, entry.Target, value)
		}
	}
	return doc
}

// currentStatuses projects every token's status as of the end of this plan:
// the snapshot plus the plan's own status-bearing decisions.
func (p *Planner) currentStatuses(pc *planCtx) map[string]model.TokenStatus {
	statuses := make(map[string]model.TokenStatus, len(pc.s.Tokens))
	for id, tok := range pc.s.Tokens {
		statuses[id] = tok.Status
	}
	for _, d := range pc.res.Decisions {
		switch dec := d.(type) {
		case decision.CreateToken:
			statuses[dec.Token.ID] = dec.Token.Status
		case decision.BatchCreateTokens:
			for _, tok := range dec.Tokens {
				statuses[tok.ID] = tok.Status
			}
		case decision.UpdateTokenStatus:
			statuses[dec.TokenID] = dec.To
		case decision.MarkWaiting:
			statuses[dec.TokenID] = dec.To
		case decision.CancelToken:
			statuses[dec.TokenID] = model.TokenCancelled
		}
	}
	return statuses
}
