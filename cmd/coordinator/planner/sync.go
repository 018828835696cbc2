package planner

import (
	"sort"

	"github.com/ronkeiser/wonder/cmd/coordinator/decision"
	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

// arriveAtFanIn handles a synchronized branch finishing at its fan-in node.
// The fan-in record is the rendezvous; the first arrival to satisfy the wait
// condition activates the merge and spawns the single continuation token.
func (p *Planner) arriveAtFanIn(pc *planCtx, tok *model.Token, from model.TokenStatus, output map[string]any, entries []model.MappingEntry, spawnTr *model.Transition) {
	sync := spawnTr.Sync
	group := tok.SiblingGroup
	fanInNode := tok.NodeID
	fi := pc.s.FanIn(group, fanInNode)

	if fi != nil && fi.Activated() {
		p.lateArrival(pc, tok, from, output, entries, sync, fi)
		return
	}

	arrived := 0
	if fi == nil {
		pc.res.add(decision.TryCreateFanIn{FanIn: model.FanIn{
			SiblingGroup: group,
			FanInNodeID:  fanInNode,
			WaitFor:      sync.WaitFor,
			M:            sync.M,
			Total:        tok.BranchTotal,
		}})
		if sync.TimeoutMS > 0 {
			pc.res.add(decision.ScheduleAlarm{
				Payload: model.AlarmPayload{
					Kind:         model.AlarmFanInTimeout,
					SiblingGroup: group,
					FanInNodeID:  fanInNode,
				},
				DelayMS: sync.TimeoutMS,
			})
		}
	} else {
		arrived = fi.ArrivedCount
	}

	if len(entries) > 0 && output != nil {
		pc.res.add(decision.ApplyBranchOutput{TokenID: tok.ID, Entries: entries, Output: output})
	}
	pc.res.add(decision.RecordFanInArrival{SiblingGroup: group, FanInNodeID: fanInNode, TokenID: tok.ID})

	newCount := arrived + 1
	if !waitSatisfied(sync, newCount, tok.BranchTotal) {
		if from != "" {
			pc.res.add(decision.MarkWaiting{
				TokenID: tok.ID,
				From:    from,
				To:      model.TokenWaitingForSiblings,
			})
		}
		pc.res.event("decision.sync.arrival", tok.ID, fanInNode, map[string]any{
			"sibling_group": group,
			"arrived":       newCount,
			"total":         tok.BranchTotal,
		})
		return
	}

	// This arrival activates the merge.
	if from != "" {
		pc.res.add(decision.UpdateTokenStatus{
			TokenID: tok.ID,
			From:    from,
			To:      model.TokenCompleted,
			NodeID:  fanInNode,
		})
	}
	arrivedToks := append(p.arrivedSiblings(pc, group, tok.ID), tok)
	sortByBranchIndex(arrivedToks)
	p.activateFanIn(pc, tok, sync, group, fanInNode, arrivedToks, newCount)
}

// activateFanIn plans the exactly-once merge: claim the record via the
// conditional update, combine arrived branch outputs, release or keep branch
// tables per policy, settle stragglers, then hand flow to the merged
// continuation token.
func (p *Planner) activateFanIn(pc *planCtx, lastArrival *model.Token, sync *model.SyncClause, group, fanInNode string, arrivedToks []*model.Token, arrivedCount int) {
	mergedID := p.idgen()
	allowLate := sync.OnEarlyComplete == model.EarlyCompleteLateMerge

	pc.res.add(decision.SetFanInActivated{
		SiblingGroup:   group,
		FanInNodeID:    fanInNode,
		MergedTokenID:  mergedID,
		AllowLateMerge: allowLate,
	})

	arrivedIDs := tokenIDs(arrivedToks)
	if sync.Merge != nil {
		pc.res.add(decision.MergeBranches{
			SiblingGroup: group,
			FanInNodeID:  fanInNode,
			TokenIDs:     arrivedIDs,
			Spec:         *sync.Merge,
		})
	}

	// Settle siblings against their projected statuses, not the snapshot:
	// the activating arrival was already moved to completed in this plan and
	// must not read as a live straggler.
	statuses := p.currentStatuses(pc)
	siblings := pc.s.SiblingTokens(group)
	for _, sib := range siblings {
		switch statuses[sib.ID] {
		case model.TokenWaitingForSiblings:
			// Arrived earlier; its work is preserved in the merge.
			pc.res.add(decision.UpdateTokenStatus{
				TokenID: sib.ID,
				From:    model.TokenWaitingForSiblings,
				To:      model.TokenCompleted,
				NodeID:  fanInNode,
			})
		case model.TokenPending, model.TokenDispatched, model.TokenExecuting:
			if sync.OnEarlyComplete == model.EarlyCompleteCancel {
				pc.res.add(decision.CancelToken{
					TokenID: sib.ID,
					From:    statuses[sib.ID],
					Reason:  "fan_in_activated",
				})
			}
		}
	}

	total := branchTotal(arrivedToks, lastArrival)
	if !allowLate || arrivedCount >= total {
		pc.res.add(decision.DropBranchTables{TokenIDs: tokenIDs(siblings)})
	}

	pc.res.event("decision.sync.activate", lastArrival.ID, fanInNode, map[string]any{
		"sibling_group":   group,
		"merged_token_id": mergedID,
		"arrived":         arrivedCount,
	})

	merged := model.Token{
		ID:            mergedID,
		NodeID:        fanInNode,
		Status:        model.TokenCompleted,
		ParentTokenID: lastArrival.ID,
		PathID:        group + ".fanin",
		CreatedAt:     pc.s.Now,
		UpdatedAt:     pc.s.Now,
	}
	// Inherit the fan-out parent's branch identity so nested fan-outs merge
	// outward correctly.
	if parent := pc.s.Token(lastArrival.ParentTokenID); parent != nil {
		merged.SiblingGroup = parent.SiblingGroup
		merged.FanOutTransitionID = parent.FanOutTransitionID
		merged.BranchIndex = parent.BranchIndex
		merged.BranchTotal = parent.BranchTotal
	}
	pc.res.add(decision.CreateToken{Token: merged})

	// The merged value is only known at apply time, so conditions evaluated
	// in this same plan see the pre-merge context.
	p.routeCompletion(pc, &merged, "", nil, nil, nil)
}

// lateArrival settles a branch finishing after its fan-in already activated
func (p *Planner) lateArrival(pc *planCtx, tok *model.Token, from model.TokenStatus, output map[string]any, entries []model.MappingEntry, sync *model.SyncClause, fi *model.FanIn) {
	if sync.OnEarlyComplete == model.EarlyCompleteLateMerge && fi.ArrivedCount < fi.Total {
		if len(entries) > 0 && output != nil {
			pc.res.add(decision.ApplyBranchOutput{TokenID: tok.ID, Entries: entries, Output: output})
		}
		pc.res.add(decision.RecordFanInArrival{
			SiblingGroup: fi.SiblingGroup,
			FanInNodeID:  fi.FanInNodeID,
			TokenID:      tok.ID,
		})
		if from != "" {
			pc.res.add(decision.UpdateTokenStatus{
				TokenID: tok.ID,
				From:    from,
				To:      model.TokenCompleted,
				NodeID:  tok.NodeID,
			})
		}

		if sync.Merge != nil {
			arrivedToks := append(p.mergedSiblings(pc, fi.SiblingGroup, tok.ID), tok)
			sortByBranchIndex(arrivedToks)
			pc.res.add(decision.MergeBranches{
				SiblingGroup: fi.SiblingGroup,
				FanInNodeID:  fi.FanInNodeID,
				TokenIDs:     tokenIDs(arrivedToks),
				Spec:         *sync.Merge,
			})
		}
		if fi.ArrivedCount+1 >= fi.Total {
			pc.res.add(decision.DropBranchTables{TokenIDs: tokenIDs(pc.s.SiblingTokens(fi.SiblingGroup))})
		}
		pc.res.event("decision.sync.late_merge", tok.ID, tok.NodeID, map[string]any{
			"sibling_group": fi.SiblingGroup,
			"arrived":       fi.ArrivedCount + 1,
		})
		return
	}

	// abandon (and cancel, should a result race the cancellation): the late
	// branch completes but its output is dropped.
	if from != "" {
		pc.res.add(decision.UpdateTokenStatus{
			TokenID: tok.ID,
			From:    from,
			To:      model.TokenCompleted,
			NodeID:  tok.NodeID,
		})
	}
	pc.res.event("decision.sync.late_arrival_dropped", tok.ID, tok.NodeID, map[string]any{
		"sibling_group": fi.SiblingGroup,
	})
}

// planFanInTimeout resolves a fan-in whose timer fired before activation
func (p *Planner) planFanInTimeout(pc *planCtx, payload *model.AlarmPayload) {
	fi := pc.s.FanIn(payload.SiblingGroup, payload.FanInNodeID)
	if fi == nil || fi.Activated() {
		pc.res.event("decision.sync.timeout_ignored", "", payload.FanInNodeID, map[string]any{
			"sibling_group": payload.SiblingGroup,
		})
		return
	}

	siblings := pc.s.SiblingTokens(payload.SiblingGroup)
	if len(siblings) == 0 {
		return
	}
	spawnTr := pc.s.Def.TransitionByID(siblings[0].FanOutTransitionID)
	if spawnTr == nil || spawnTr.Sync == nil {
		p.failWorkflow(pc, internalErr(payload.FanInNodeID, "fan-in without synchronized spawn transition"))
		return
	}
	sync := spawnTr.Sync

	if sync.OnTimeout == model.OnTimeoutProceed {
		arrivedToks := p.arrivedSiblings(pc, payload.SiblingGroup, "")
		if len(arrivedToks) == 0 {
			p.failWorkflow(pc, &model.WorkflowError{
				Code:    model.ErrCodeFanInTimeout,
				Message: "fan-in timed out with no arrived branches",
				NodeID:  payload.FanInNodeID,
			})
			return
		}
		sortByBranchIndex(arrivedToks)
		pc.res.event("decision.sync.timeout_proceed", "", payload.FanInNodeID, map[string]any{
			"sibling_group": payload.SiblingGroup,
			"arrived":       len(arrivedToks),
		})
		// Cancel stragglers regardless of on_early_complete; timed-out work
		// has no merge to join later.
		timeoutSync := *sync
		timeoutSync.OnEarlyComplete = model.EarlyCompleteCancel
		last := arrivedToks[len(arrivedToks)-1]
		p.activateFanIn(pc, last, &timeoutSync, payload.SiblingGroup, payload.FanInNodeID, arrivedToks, fi.ArrivedCount)
		return
	}

	for _, sib := range siblings {
		switch sib.Status {
		case model.TokenWaitingForSiblings:
			pc.res.add(decision.UpdateTokenStatus{
				TokenID: sib.ID,
				From:    model.TokenWaitingForSiblings,
				To:      model.TokenTimedOut,
				NodeID:  sib.NodeID,
			})
		case model.TokenPending, model.TokenDispatched, model.TokenExecuting:
			pc.res.add(decision.CancelToken{TokenID: sib.ID, From: sib.Status, Reason: "fan_in_timeout"})
		}
	}
	p.failWorkflow(pc, &model.WorkflowError{
		Code:    model.ErrCodeFanInTimeout,
		Message: "fan-in timed out",
		NodeID:  payload.FanInNodeID,
	})
}

// arrivedSiblings returns the group's tokens already at the rendezvous,
// excluding one id (the current arrival, appended by the caller).
func (p *Planner) arrivedSiblings(pc *planCtx, group, excludeID string) []*model.Token {
	var out []*model.Token
	for _, sib := range pc.s.SiblingTokens(group) {
		if sib.ID == excludeID {
			continue
		}
		if sib.Status == model.TokenWaitingForSiblings || sib.Status == model.TokenCompleted {
			out = append(out, sib)
		}
	}
	return out
}

// mergedSiblings returns the group's tokens whose outputs joined an earlier
// merge (completed via rendezvous), for late re-merges.
func (p *Planner) mergedSiblings(pc *planCtx, group, excludeID string) []*model.Token {
	var out []*model.Token
	for _, sib := range pc.s.SiblingTokens(group) {
		if sib.ID == excludeID {
			continue
		}
		if sib.Status == model.TokenCompleted {
			out = append(out, sib)
		}
	}
	return out
}

func waitSatisfied(sync *model.SyncClause, count, total int) bool {
	switch sync.WaitFor {
	case model.WaitForAny:
		return count >= 1
	case model.WaitForM:
		m := sync.M
		if m < 1 {
			m = 1
		}
		return count >= m
	default: // all
		return count >= total
	}
}

func branchTotal(toks []*model.Token, fallback *model.Token) int {
	if len(toks) > 0 {
		return toks[0].BranchTotal
	}
	return fallback.BranchTotal
}

func tokenIDs(toks []*model.Token) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.ID
	}
	return out
}

func sortByBranchIndex(toks []*model.Token) {
	sort.Slice(toks, func(i, j int) bool { return toks[i].BranchIndex < toks[j].BranchIndex })
}
