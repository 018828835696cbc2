package planner

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ronkeiser/wonder/cmd/coordinator/condition"
	"github.com/ronkeiser/wonder/cmd/coordinator/contexteng"
	"github.com/ronkeiser/wonder/cmd/coordinator/decision"
	"github.com/ronkeiser/wonder/cmd/coordinator/model"
	"github.com/ronkeiser/wonder/cmd/coordinator/state"
)

// routeCompletion handles a token finishing its work: output mapping, fan-in
// rendezvous when the token is a synchronized branch, otherwise transition
// evaluation and advancement. from is the token's pre-completion status; an
// empty from means the token was already created in a terminal status
// (routing nodes, merged continuation tokens).
func (p *Planner) routeCompletion(pc *planCtx, tok *model.Token, from model.TokenStatus, output map[string]any, entries []model.MappingEntry, werr *model.WorkflowError) {
	pc.hops++
	if pc.hops > maxRoutingHops {
		p.failWorkflow(pc, &model.WorkflowError{
			Code:    model.ErrCodeMaxIterationsExceeded,
			Message: "routing hop budget exceeded",
			NodeID:  tok.NodeID,
		})
		return
	}

	// A branch spawned through a synchronized transition rendezvouses at the
	// transition's target instead of routing onward; the merged continuation
	// token takes the outgoing edges later.
	if spawnTr := p.syncSpawnTransition(pc.s.Def, tok); spawnTr != nil && spawnTr.TargetNodeID == tok.NodeID {
		p.arriveAtFanIn(pc, tok, from, output, entries, spawnTr)
		return
	}

	p.applyOutputMapping(pc, tok, output, entries)

	winners, err := p.matchTransitions(pc, tok.NodeID, werr, false)
	if err != nil {
		p.failWorkflow(pc, internalErr(tok.NodeID, err.Error()))
		return
	}

	if from != "" {
		pc.res.add(decision.UpdateTokenStatus{
			TokenID: tok.ID,
			From:    from,
			To:      model.TokenCompleted,
			NodeID:  tok.NodeID,
		})
	}

	if len(pc.s.Def.Transitions[tok.NodeID]) == 0 {
		// Terminal node; the epilogue decides whether the run is done.
		pc.res.event("decision.completion.terminal_node", tok.ID, tok.NodeID, nil)
		return
	}
	if len(winners) == 0 {
		p.failWorkflow(pc, &model.WorkflowError{
			Code:    model.ErrCodeNoTransitionMatched,
			Message: "no outgoing transition matched",
			NodeID:  tok.NodeID,
		})
		return
	}

	p.followTransitions(pc, tok, winners)
}

// applyOutputMapping plans the shared-context writes for a completed token
// and mirrors them into the plan's overlay so later conditions see them.
func (p *Planner) applyOutputMapping(pc *planCtx, tok *model.Token, output map[string]any, entries []model.MappingEntry) {
	if len(entries) == 0 || output == nil {
		return
	}
	pc.res.add(decision.ApplyOutputMapping{
		TokenID: tok.ID,
		NodeID:  tok.NodeID,
		Entries: entries,
		Output:  output,
	})

	doc, err := json.Marshal(output)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if value, ok := contexteng.ExtractSource(doc, entry.Source); ok {
			pc.snap = pc.snap.WithValue(entry.Target, value)
		}
	}
}

// matchTransitions evaluates the node's outgoing transitions tier by tier and
// returns every match in the first tier with at least one. With errorRouting
// set, transitions without a condition are skipped entirely.
func (p *Planner) matchTransitions(pc *planCtx, nodeID string, werr *model.WorkflowError, errorRouting bool) ([]*model.Transition, error) {
	vars := condition.Vars{
		Input:  pc.snap.Input,
		State:  pc.snap.State,
		Output: pc.snap.Output,
	}
	if werr != nil {
		vars.Error = map[string]any{
			"code":      werr.Code,
			"message":   werr.Message,
			"retriable": werr.Retriable,
		}
	}

	for _, tier := range pc.s.Transitions(nodeID) {
		var winners []*model.Transition
		for _, tr := range tier {
			if errorRouting && strings.TrimSpace(tr.Condition) == "" {
				continue
			}
			ok, err := p.eval.Evaluate(tr.Condition, vars)
			if err != nil {
				return nil, err
			}
			if ok {
				winners = append(winners, tr)
			}
		}
		if len(winners) > 0 {
			return winners, nil
		}
	}
	return nil, nil
}

// followTransitions advances a completed (or failed) token along every
// winning transition of its tier.
func (p *Planner) followTransitions(pc *planCtx, tok *model.Token, winners []*model.Transition) {
	for _, tr := range winners {
		if pc.terminalPlanned {
			return
		}
		if tr.IsTerminal() {
			pc.res.event("decision.routing.terminal_edge", tok.ID, tok.NodeID, map[string]any{
				"transition_id": tr.ID,
			})
			continue
		}
		if tr.Loop != nil {
			visits := pc.s.CountVisits(tr.TargetNodeID, tok.PathID)
			if visits >= tr.Loop.MaxIterations {
				p.failWorkflow(pc, &model.WorkflowError{
					Code:    model.ErrCodeMaxIterationsExceeded,
					Message: "loop budget exhausted on transition " + tr.ID,
					NodeID:  tr.TargetNodeID,
				})
				return
			}
		}

		if tr.IsFanOut() {
			p.spawnFanOut(pc, tok, tr)
			continue
		}

		pc.res.event("decision.routing.transition_matched", tok.ID, tok.NodeID, map[string]any{
			"transition_id": tr.ID,
			"target":        tr.TargetNodeID,
		})
		child := model.Token{
			ID:                 p.idgen(),
			NodeID:             tr.TargetNodeID,
			ParentTokenID:      tok.ID,
			FanOutTransitionID: tok.FanOutTransitionID,
			BranchIndex:        tok.BranchIndex,
			BranchTotal:        tok.BranchTotal,
			PathID:             tok.PathID,
			SiblingGroup:       tok.SiblingGroup,
			CreatedAt:          pc.s.Now,
			UpdatedAt:          pc.s.Now,
		}
		p.createAndEnter(pc, child, nil)
	}
}

// spawnFanOut expands one fan-out transition into its sibling group
func (p *Planner) spawnFanOut(pc *planCtx, tok *model.Token, tr *model.Transition) {
	var items []any
	n := 1
	if tr.Spawn != nil {
		switch {
		case tr.Spawn.ForeachPath != "":
			coll, ok := pc.snap.Lookup(tr.Spawn.ForeachPath)
			if !ok {
				p.failWorkflow(pc, internalErr(tok.NodeID, "foreach path "+tr.Spawn.ForeachPath+" not found"))
				return
			}
			arr, ok := coll.([]any)
			if !ok {
				p.failWorkflow(pc, internalErr(tok.NodeID, "foreach path "+tr.Spawn.ForeachPath+" is not an array"))
				return
			}
			items = arr
			n = len(arr)
		case tr.Spawn.Count > 0:
			n = tr.Spawn.Count
		}
	}
	if n == 0 {
		pc.res.event("decision.routing.empty_fan_out", tok.ID, tok.NodeID, map[string]any{
			"transition_id": tr.ID,
		})
		return
	}

	group := tok.PathID + "." + tr.ID
	node := pc.s.Def.Nodes[tr.TargetNodeID]
	if node == nil {
		p.failWorkflow(pc, internalErr(tok.NodeID, "unknown node "+tr.TargetNodeID))
		return
	}

	branches := make([]model.Token, n)
	for i := range branches {
		branches[i] = model.Token{
			ID:                 p.idgen(),
			NodeID:             tr.TargetNodeID,
			Status:             initialStatusFor(node),
			ParentTokenID:      tok.ID,
			FanOutTransitionID: tr.ID,
			BranchIndex:        i,
			BranchTotal:        n,
			PathID:             group + "." + strconv.Itoa(i),
			SiblingGroup:       group,
			CreatedAt:          pc.s.Now,
			UpdatedAt:          pc.s.Now,
		}
	}
	pc.res.add(decision.BatchCreateTokens{Tokens: branches})
	pc.res.event("decision.routing.fan_out", tok.ID, tok.NodeID, map[string]any{
		"transition_id": tr.ID,
		"sibling_group": group,
		"branch_total":  n,
	})

	if tr.Sync != nil {
		for i := range branches {
			pc.res.add(decision.InitBranchTable{TokenID: branches[i].ID})
		}
	}

	for i := range branches {
		var extra map[string]any
		if items != nil {
			itemVar := tr.Spawn.ItemVar
			if itemVar == "" {
				itemVar = "item"
			}
			extra = map[string]any{itemVar: items[i]}
		}
		p.enterNode(pc, &branches[i], node, extra)
		if pc.terminalPlanned {
			return
		}
	}
}

// createAndEnter plans the creation of one token and its entry into its node
func (p *Planner) createAndEnter(pc *planCtx, tok model.Token, extra map[string]any) {
	node := pc.s.Def.Nodes[tok.NodeID]
	if node == nil {
		p.failWorkflow(pc, internalErr(tok.NodeID, "unknown node "+tok.NodeID))
		return
	}
	tok.Status = initialStatusFor(node)
	pc.res.add(decision.CreateToken{Token: tok})
	p.enterNode(pc, &tok, node, extra)
}

// initialStatusFor picks the creation status: routing nodes carry no work and
// complete on entry, everything else starts pending.
func initialStatusFor(node *model.Node) model.TokenStatus {
	if node.IsRouting() {
		return model.TokenCompleted
	}
	return model.TokenPending
}

// enterNode plans what happens when a freshly created token occupies its node
func (p *Planner) enterNode(pc *planCtx, tok *model.Token, node *model.Node, extra map[string]any) {
	switch {
	case node.IsRouting():
		p.routeCompletion(pc, tok, "", nil, nil, nil)

	case node.Subworkflow != nil:
		p.startSubworkflow(pc, tok, node.Subworkflow, extra)

	default:
		input := computeTaskInput(pc.snap, node.InputMapping, extra)
		pc.res.add(
			decision.UpdateTokenStatus{
				TokenID: tok.ID,
				From:    model.TokenPending,
				To:      model.TokenDispatched,
				NodeID:  tok.NodeID,
			},
			decision.DispatchToken{
				TokenID:   tok.ID,
				NodeID:    tok.NodeID,
				ActionRef: node.ActionRef,
				Input:     input,
				TimeoutMS: node.TimeoutMS,
			},
		)
		pc.res.event("decision.routing.dispatch", tok.ID, tok.NodeID, map[string]any{
			"action_ref": node.ActionRef,
		})
	}
}

// startSubworkflow plans a child run invocation for one parent token
func (p *Planner) startSubworkflow(pc *planCtx, tok *model.Token, sub *model.SubworkflowClause, extra map[string]any) {
	onFailure := sub.OnFailure
	if onFailure == "" {
		onFailure = model.OnFailurePropagate
	}
	childRunID := p.idgen()

	pc.res.add(
		decision.MarkWaiting{
			TokenID: tok.ID,
			From:    model.TokenPending,
			To:      model.TokenWaitingForSubworkflow,
		},
		decision.InitSubworkflowRecord{Record: model.SubworkflowRecord{
			ParentTokenID: tok.ID,
			ChildRunID:    childRunID,
			InputMapping:  sub.InputMapping,
			OutputMapping: sub.OutputMapping,
			OnFailure:     onFailure,
		}},
		decision.StartSubworkflow{
			ParentTokenID: tok.ID,
			ChildRunID:    childRunID,
			DefID:         sub.DefID,
			Version:       sub.Version,
			Input:         computeTaskInput(pc.snap, sub.InputMapping, extra),
			OnFailure:     onFailure,
			TimeoutMS:     sub.TimeoutMS,
		},
	)
	if sub.TimeoutMS > 0 {
		pc.res.add(decision.ScheduleAlarm{
			Payload: model.AlarmPayload{Kind: model.AlarmSubworkflowTimeout, TokenID: tok.ID},
			DelayMS: sub.TimeoutMS,
		})
	}
	pc.res.event("decision.subworkflow.start", tok.ID, tok.NodeID, map[string]any{
		"child_run_id": childRunID,
		"def_id":       sub.DefID,
	})
}

// syncSpawnTransition returns the synchronized transition that spawned this
// token, nil when the token is not a merging branch.
func (p *Planner) syncSpawnTransition(def *model.WorkflowDef, tok *model.Token) *model.Transition {
	if tok.FanOutTransitionID == "" {
		return nil
	}
	tr := def.TransitionByID(tok.FanOutTransitionID)
	if tr == nil || tr.Sync == nil {
		return nil
	}
	return tr
}

// computeTaskInput builds a task input document from mapping entries resolved
// against the context overlay, plus any per-branch bindings.
func computeTaskInput(snap state.ContextSnapshot, entries []model.MappingEntry, extra map[string]any) map[string]any {
	doc := map[string]any{}
	for _, entry := range entries {
		if value, ok := snap.Lookup(entry.Source); ok {
			setDocPath(doc, entry.Target, value)
		}
	}
	for k, v := range extra {
		doc[k] = v
	}
	return doc
}

func setDocPath(doc map[string]any, path string, value any) {
	keys := strings.Split(path, ".")
	for len(keys) > 1 {
		child, ok := doc[keys[0]].(map[string]any)
		if !ok {
			child = map[string]any{}
			doc[keys[0]] = child
		}
		doc = child
		keys = keys[1:]
	}
	doc[keys[0]] = value
}
