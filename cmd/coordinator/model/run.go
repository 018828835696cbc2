package model

import "time"

// RunStatus is the lifecycle state of a workflow run
type RunStatus string

// Run statuses
const (
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Run identifies one workflow run and its resolved definition
type Run struct {
	ID            string `json:"id"`
	WorkspaceID   string `json:"workspace_id,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
	ParentRunID   string `json:"parent_run_id,omitempty"`
	ParentTokenID string `json:"parent_token_id,omitempty"` // token in the parent run awaiting us
	DefID         string `json:"def_id"`
	DefVersion    string `json:"def_version"`
}

// WorkflowStatus is the local mirror of parent-visible run state
type WorkflowStatus struct {
	Status      RunStatus      `json:"status"`
	FinalOutput map[string]any `json:"final_output,omitempty"`
	Error       *WorkflowError `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// WorkflowError is the user-visible error shape for failed runs and tokens
type WorkflowError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	NodeID     string `json:"node_id,omitempty"`
	Retriable  bool   `json:"retriable,omitempty"`
	Propagated bool   `json:"propagated,omitempty"` // true when raised by a subworkflow
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.NodeID != "" {
		return e.Code + " at " + e.NodeID + ": " + e.Message
	}
	return e.Code + ": " + e.Message
}

// Well-known failure codes
const (
	ErrCodeNoTransitionMatched   = "no_transition_matched"
	ErrCodeMaxIterationsExceeded = "max_iterations_exceeded"
	ErrCodeFanInTimeout          = "fan_in_timeout"
	ErrCodeSubworkflowTimeout    = "subworkflow_timeout"
	ErrCodeTaskFailed            = "task_failed"
	ErrCodeInvalidInput          = "invalid_input"
	ErrCodeInternal              = "internal_error"
	ErrCodeCancelled             = "cancelled"
)
