package model

import "time"

// TokenStatus is the lifecycle state of a token
type TokenStatus string

// Token statuses
const (
	TokenPending               TokenStatus = "pending"
	TokenDispatched            TokenStatus = "dispatched"
	TokenExecuting             TokenStatus = "executing"
	TokenWaitingForSiblings    TokenStatus = "waiting_for_siblings"
	TokenWaitingForSubworkflow TokenStatus = "waiting_for_subworkflow"
	TokenCompleted             TokenStatus = "completed"
	TokenFailed                TokenStatus = "failed"
	TokenTimedOut              TokenStatus = "timed_out"
	TokenCancelled             TokenStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal tokens are never
// mutated afterward except for bookkeeping fields.
func (s TokenStatus) IsTerminal() bool {
	switch s {
	case TokenCompleted, TokenFailed, TokenTimedOut, TokenCancelled:
		return true
	}
	return false
}

// IsActive reports whether the token still holds live flow
func (s TokenStatus) IsActive() bool {
	return !s.IsTerminal()
}

// Token is the unit of active flow through the graph. Every token is pinned
// to one node and carries a dotted lineage path; the path plus the spawning
// transition identify its sibling group.
type Token struct {
	ID                 string      `json:"id"`
	NodeID             string      `json:"node_id"`
	Status             TokenStatus `json:"status"`
	ParentTokenID      string      `json:"parent_token_id,omitempty"`
	FanOutTransitionID string      `json:"fan_out_transition_id,omitempty"`
	BranchIndex        int         `json:"branch_index"`
	BranchTotal        int         `json:"branch_total"`
	PathID             string      `json:"path_id"`
	SiblingGroup       string      `json:"sibling_group,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
}

// FanIn is the durable rendezvous row coordinating one merge per sibling
// group. The (SiblingGroup, FanInNodeID) pair is unique by constraint.
type FanIn struct {
	SiblingGroup  string     `json:"sibling_group"`
	FanInNodeID   string     `json:"fan_in_node_id"`
	WaitFor       string     `json:"wait_for"`
	M             int        `json:"m"`
	Total         int        `json:"total"`
	ArrivedCount  int        `json:"arrived_count"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	MergedTokenID string     `json:"merged_token_id,omitempty"`
}

// Activated reports whether the merge has fired
func (f *FanIn) Activated() bool {
	return f.ActivatedAt != nil
}

// SubworkflowRecord tracks a parent token awaiting a child run
type SubworkflowRecord struct {
	ParentTokenID string         `json:"parent_token_id"`
	ChildRunID    string         `json:"child_run_id"`
	InputMapping  []MappingEntry `json:"input_mapping,omitempty"`
	OutputMapping []MappingEntry `json:"output_mapping,omitempty"`
	OnFailure     string         `json:"on_failure"`
}
