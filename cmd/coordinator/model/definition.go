package model

import "encoding/json"

// WorkflowDef is a read-only workflow definition fetched from the resources
// store. Cached entries are immutable; nothing in the coordinator mutates one.
type WorkflowDef struct {
	ID            string          `json:"id"`
	Version       string          `json:"version"`
	Name          string          `json:"name"`
	InputSchema   json.RawMessage `json:"input_schema,omitempty"`
	StateSchema   json.RawMessage `json:"state_schema,omitempty"`
	OutputSchema  json.RawMessage `json:"output_schema,omitempty"`
	InitialNodeID string          `json:"initial_node_id"`
	OutputMapping []MappingEntry  `json:"output_mapping,omitempty"`

	Nodes       map[string]*Node         `json:"nodes"`
	Transitions map[string][]*Transition `json:"transitions"` // keyed by source node, sorted by priority
}

// Node is a single vertex of the workflow graph. A node without an action
// reference and without a subworkflow clause is a pure routing node.
type Node struct {
	ID            string             `json:"id"`
	ActionRef     string             `json:"action_ref,omitempty"`
	InputMapping  []MappingEntry     `json:"input_mapping,omitempty"`  // task input key <- context path
	OutputMapping []MappingEntry     `json:"output_mapping,omitempty"` // context path <- task output path
	Subworkflow   *SubworkflowClause `json:"subworkflow,omitempty"`
	TimeoutMS     int                `json:"timeout_ms,omitempty"`
}

// MappingEntry maps a source path to a target key or path
type MappingEntry struct {
	Target string `json:"target"`
	Source string `json:"source"`
}

// Transition connects a source node to a target node. An empty target marks
// the source as terminal along this edge.
type Transition struct {
	ID           string       `json:"id"`
	SourceNodeID string       `json:"source_node_id"`
	TargetNodeID string       `json:"target_node_id,omitempty"`
	Priority     int          `json:"priority"`
	Condition    string       `json:"condition,omitempty"` // opaque expression; empty means always true
	Sync         *SyncClause  `json:"sync,omitempty"`
	Spawn        *SpawnClause `json:"spawn,omitempty"`
	Loop         *LoopClause  `json:"loop,omitempty"`
}

// WaitFor values for synchronization clauses
const (
	WaitForAny = "any"
	WaitForAll = "all"
	WaitForM   = "m_of_n"
)

// On-timeout policies for fan-in synchronization
const (
	OnTimeoutFail    = "fail"
	OnTimeoutProceed = "proceed_with_available"
)

// On-early-complete policies governing late arrivals for any/m_of_n
const (
	EarlyCompleteCancel    = "cancel"
	EarlyCompleteAbandon   = "abandon"
	EarlyCompleteLateMerge = "allow_late_merge"
)

// SyncClause describes fan-in synchronization on a transition
type SyncClause struct {
	WaitFor         string     `json:"wait_for"` // any | all | m_of_n
	M               int        `json:"m,omitempty"`
	TimeoutMS       int        `json:"timeout_ms,omitempty"`
	OnTimeout       string     `json:"on_timeout,omitempty"`
	OnEarlyComplete string     `json:"on_early_complete,omitempty"`
	Merge           *MergeSpec `json:"merge,omitempty"`
}

// Merge strategies
const (
	MergeAppend        = "append"
	MergeObject        = "merge_object"
	MergeKeyedByBranch = "keyed_by_branch"
	MergeLastWins      = "last_wins"
)

// MergeSpec describes how branch outputs combine at fan-in
type MergeSpec struct {
	Strategy   string `json:"strategy"`
	TargetPath string `json:"target_path"` // context path, e.g. "state.results"
}

// SpawnClause describes dynamic fan-out on a transition
type SpawnClause struct {
	Count       int    `json:"count,omitempty"`
	ForeachPath string `json:"foreach_path,omitempty"` // context path to a collection
	ItemVar     string `json:"item_var,omitempty"`     // task input key for the bound item
}

// LoopClause bounds cycles through this transition
type LoopClause struct {
	MaxIterations int `json:"max_iterations"`
}

// SubworkflowClause invokes a child workflow run from a node
type SubworkflowClause struct {
	DefID         string         `json:"def_id"`
	Version       string         `json:"version"`
	InputMapping  []MappingEntry `json:"input_mapping,omitempty"`  // child input key <- parent context path
	OutputMapping []MappingEntry `json:"output_mapping,omitempty"` // parent context path <- child output path
	OnFailure     string         `json:"on_failure,omitempty"`     // propagate | catch
	TimeoutMS     int            `json:"timeout_ms,omitempty"`
}

// On-failure policies for subworkflow invocation
const (
	OnFailurePropagate = "propagate"
	OnFailureCatch     = "catch"
)

// TransitionByID finds a transition anywhere in the graph by its id
func (d *WorkflowDef) TransitionByID(id string) *Transition {
	for _, trs := range d.Transitions {
		for _, tr := range trs {
			if tr.ID == id {
				return tr
			}
		}
	}
	return nil
}

// IsRouting reports whether the node carries no work of its own
func (n *Node) IsRouting() bool {
	return n.ActionRef == "" && n.Subworkflow == nil
}

// IsTerminal reports whether a transition ends the flow along this edge
func (t *Transition) IsTerminal() bool {
	return t.TargetNodeID == ""
}

// IsFanOut reports whether the transition spawns more than one token or
// carries a synchronization clause (a fan-out of one still merges).
func (t *Transition) IsFanOut() bool {
	if t.Sync != nil {
		return true
	}
	if t.Spawn == nil {
		return false
	}
	return t.Spawn.Count > 1 || t.Spawn.ForeachPath != ""
}
