package state

import (
	"sort"
	"strings"
	"time"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

// FanInKey identifies one fan-in record
type FanInKey struct {
	SiblingGroup string
	FanInNodeID  string
}

// ContextSnapshot holds the three context sections as structured values
type ContextSnapshot struct {
	Input  map[string]any
	State  map[string]any
	Output map[string]any
}

// WorkflowState is an immutable snapshot of the local store taken at command
// entry. Planning reads it and never calls back into the store.
type WorkflowState struct {
	Run          model.Run
	Def          *model.WorkflowDef
	Status       model.WorkflowStatus
	Tokens       map[string]*model.Token
	FanIns       map[FanInKey]*model.FanIn
	Context      ContextSnapshot
	Subworkflows map[string]*model.SubworkflowRecord // keyed by parent token id
	Now          time.Time
}

// Token returns a token by id, nil if absent
func (s *WorkflowState) Token(id string) *model.Token {
	return s.Tokens[id]
}

// ActiveTokens returns all non-terminal tokens, ordered by id for determinism
func (s *WorkflowState) ActiveTokens() []*model.Token {
	var out []*model.Token
	for _, t := range s.Tokens {
		if t.Status.IsActive() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SiblingTokens returns the tokens of one sibling group in branch_index order
func (s *WorkflowState) SiblingTokens(group string) []*model.Token {
	var out []*model.Token
	for _, t := range s.Tokens {
		if t.SiblingGroup == group {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchIndex < out[j].BranchIndex })
	return out
}

// FanIn returns the fan-in record for a sibling group and node, nil if absent
func (s *WorkflowState) FanIn(group, nodeID string) *model.FanIn {
	return s.FanIns[FanInKey{SiblingGroup: group, FanInNodeID: nodeID}]
}

// CountVisits counts tokens that have occupied a node within one lineage.
// Loop iteration budgets are enforced against this count: tokens are kept
// until run teardown, so the snapshot is the iteration counter.
func (s *WorkflowState) CountVisits(nodeID, pathID string) int {
	n := 0
	for _, t := range s.Tokens {
		if t.NodeID == nodeID && samePathAncestry(t.PathID, pathID) {
			n++
		}
	}
	return n
}

// samePathAncestry reports whether two lineage paths share a prefix
// relationship (either contains the other as a dotted ancestor).
func samePathAncestry(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

// Transitions returns the outgoing transitions of a node grouped by
// ascending priority tier. Within a tier the definition order is kept.
func (s *WorkflowState) Transitions(nodeID string) [][]*model.Transition {
	all := s.Def.Transitions[nodeID]
	if len(all) == 0 {
		return nil
	}

	sorted := make([]*model.Transition, len(all))
	copy(sorted, all)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	var tiers [][]*model.Transition
	for _, tr := range sorted {
		if n := len(tiers); n > 0 && tiers[n-1][0].Priority == tr.Priority {
			tiers[n-1] = append(tiers[n-1], tr)
			continue
		}
		tiers = append(tiers, []*model.Transition{tr})
	}
	return tiers
}
