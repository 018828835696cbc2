package model

// CommandKind discriminates external events fed to the coordinator
type CommandKind string

// Commands
const (
	CmdStart             CommandKind = "start"
	CmdTaskResult        CommandKind = "task_result"
	CmdTaskError         CommandKind = "task_error"
	CmdMarkExecuting     CommandKind = "mark_executing"
	CmdSubworkflowResult CommandKind = "subworkflow_result"
	CmdSubworkflowError  CommandKind = "subworkflow_error"
	CmdAlarm             CommandKind = "alarm"
	CmdCancel            CommandKind = "cancel"
)

// AlarmKind discriminates scheduled wakeups
type AlarmKind string

// Alarm kinds
const (
	AlarmPendingDispatch    AlarmKind = "pending_dispatch"
	AlarmFanInTimeout       AlarmKind = "fanin_timeout"
	AlarmSubworkflowTimeout AlarmKind = "subworkflow_timeout"
)

// AlarmPayload carries the target of a scheduled wakeup
type AlarmPayload struct {
	Kind         AlarmKind `json:"kind"`
	SiblingGroup string    `json:"sibling_group,omitempty"`
	FanInNodeID  string    `json:"fan_in_node_id,omitempty"`
	TokenID      string    `json:"token_id,omitempty"`
}

// Command is one external event for a run. Commands are serialized per run
// by the dispatcher; each runs load -> plan -> apply -> flush.
type Command struct {
	Kind        CommandKind    `json:"kind"`
	TokenID     string         `json:"token_id,omitempty"`
	Input       map[string]any `json:"input,omitempty"` // start payload
	Output      map[string]any `json:"output,omitempty"`
	Err         *WorkflowError `json:"error,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Alarm       *AlarmPayload  `json:"alarm,omitempty"`
	TraceEvents bool           `json:"trace_events,omitempty"`
}
