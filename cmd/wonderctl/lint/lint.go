// Package lint validates workflow definition graphs before deploy. It checks
// structure only; schemas and expressions are compiled separately.
package lint

import (
	"fmt"
	"sort"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

// Severity of a problem
type Severity string

// Severities
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Problem is one finding against a definition
type Problem struct {
	Severity Severity
	Where    string // node or transition id, empty for definition-level
	Message  string
}

func (p Problem) String() string {
	if p.Where == "" {
		return fmt.Sprintf("%s: %s", p.Severity, p.Message)
	}
	return fmt.Sprintf("%s: %s: %s", p.Severity, p.Where, p.Message)
}

// HasErrors reports whether any problem is an error
func HasErrors(problems []Problem) bool {
	for _, p := range problems {
		if p.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Check validates the definition graph: node references, reachability, the
// initial node, and clause shapes. Findings come back sorted by location.
func Check(def *model.WorkflowDef) []Problem {
	var problems []Problem
	add := func(sev Severity, where, format string, args ...any) {
		problems = append(problems, Problem{Severity: sev, Where: where, Message: fmt.Sprintf(format, args...)})
	}

	if def.ID == "" {
		add(SeverityError, "", "definition id is empty")
	}
	if def.InitialNodeID == "" {
		add(SeverityError, "", "initial_node_id is empty")
	} else if _, ok := def.Nodes[def.InitialNodeID]; !ok {
		add(SeverityError, "", "initial_node_id %q is not a node", def.InitialNodeID)
	}
	if len(def.Nodes) == 0 {
		add(SeverityError, "", "definition has no nodes")
	}

	for source, trs := range def.Transitions {
		if _, ok := def.Nodes[source]; !ok {
			add(SeverityError, source, "transition source is not a node")
		}
		seenPriority := map[int][]string{}
		for _, tr := range trs {
			checkTransition(def, tr, add)
			seenPriority[tr.Priority] = append(seenPriority[tr.Priority], tr.ID)
		}
		for prio, ids := range seenPriority {
			if len(ids) > 1 {
				sort.Strings(ids)
				add(SeverityWarning, source, "transitions %v share priority %d; ties break on id", ids, prio)
			}
		}
	}

	for id, node := range def.Nodes {
		if node.ID != "" && node.ID != id {
			add(SeverityError, id, "node id %q does not match its key", node.ID)
		}
		checkNode(node, add)
	}

	for _, id := range unreachableNodes(def) {
		add(SeverityWarning, id, "node is unreachable from the initial node")
	}

	sort.Slice(problems, func(i, j int) bool {
		if problems[i].Where != problems[j].Where {
			return problems[i].Where < problems[j].Where
		}
		return problems[i].Message < problems[j].Message
	})
	return problems
}

func checkTransition(def *model.WorkflowDef, tr *model.Transition, add func(Severity, string, string, ...any)) {
	if tr.ID == "" {
		add(SeverityError, tr.SourceNodeID, "transition has no id")
	}
	if tr.TargetNodeID != "" {
		if _, ok := def.Nodes[tr.TargetNodeID]; !ok {
			add(SeverityError, tr.ID, "target node %q does not exist", tr.TargetNodeID)
		}
	} else if tr.Sync != nil || tr.Spawn != nil {
		add(SeverityError, tr.ID, "terminal transition cannot carry sync or spawn")
	}

	if sync := tr.Sync; sync != nil {
		switch sync.WaitFor {
		case model.WaitForAny, model.WaitForAll:
		case model.WaitForM:
			if sync.M < 1 {
				add(SeverityError, tr.ID, "m_of_n requires m >= 1, got %d", sync.M)
			}
		default:
			add(SeverityError, tr.ID, "unknown wait_for %q", sync.WaitFor)
		}
		switch sync.OnTimeout {
		case "", model.OnTimeoutFail, model.OnTimeoutProceed:
		default:
			add(SeverityError, tr.ID, "unknown on_timeout %q", sync.OnTimeout)
		}
		switch sync.OnEarlyComplete {
		case "", model.EarlyCompleteCancel, model.EarlyCompleteAbandon, model.EarlyCompleteLateMerge:
		default:
			add(SeverityError, tr.ID, "unknown on_early_complete %q", sync.OnEarlyComplete)
		}
		if sync.TimeoutMS < 0 {
			add(SeverityError, tr.ID, "sync timeout_ms must not be negative")
		}
		if merge := sync.Merge; merge != nil {
			switch merge.Strategy {
			case model.MergeAppend, model.MergeObject, model.MergeKeyedByBranch, model.MergeLastWins:
			default:
				add(SeverityError, tr.ID, "unknown merge strategy %q", merge.Strategy)
			}
			if merge.TargetPath == "" {
				add(SeverityError, tr.ID, "merge target_path is empty")
			}
		}
	}

	if spawn := tr.Spawn; spawn != nil {
		if spawn.Count > 0 && spawn.ForeachPath != "" {
			add(SeverityError, tr.ID, "spawn cannot set both count and foreach_path")
		}
		if spawn.Count < 0 {
			add(SeverityError, tr.ID, "spawn count must not be negative")
		}
	}

	if tr.Loop != nil && tr.Loop.MaxIterations < 1 {
		add(SeverityError, tr.ID, "loop max_iterations must be >= 1")
	}
}

func checkNode(node *model.Node, add func(Severity, string, string, ...any)) {
	if node.ActionRef != "" && node.Subworkflow != nil {
		add(SeverityError, node.ID, "node cannot have both action_ref and subworkflow")
	}
	if sub := node.Subworkflow; sub != nil {
		if sub.DefID == "" {
			add(SeverityError, node.ID, "subworkflow def_id is empty")
		}
		switch sub.OnFailure {
		case "", model.OnFailurePropagate, model.OnFailureCatch:
		default:
			add(SeverityError, node.ID, "unknown on_failure %q", sub.OnFailure)
		}
		if sub.TimeoutMS < 0 {
			add(SeverityError, node.ID, "subworkflow timeout_ms must not be negative")
		}
	}
	if node.TimeoutMS < 0 {
		add(SeverityError, node.ID, "timeout_ms must not be negative")
	}
}

// unreachableNodes walks transitions from the initial node and returns every
// node the walk never visits, sorted by id.
func unreachableNodes(def *model.WorkflowDef) []string {
	if def.InitialNodeID == "" {
		return nil
	}
	if _, ok := def.Nodes[def.InitialNodeID]; !ok {
		return nil
	}

	visited := map[string]bool{}
	queue := []string{def.InitialNodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, tr := range def.Transitions[id] {
			if tr.TargetNodeID != "" && !visited[tr.TargetNodeID] {
				queue = append(queue, tr.TargetNodeID)
			}
		}
	}

	var unreachable []string
	for id := range def.Nodes {
		if !visited[id] {
			unreachable = append(unreachable, id)
		}
	}
	sort.Strings(unreachable)
	return unreachable
}
