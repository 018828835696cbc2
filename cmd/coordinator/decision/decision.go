// Package decision defines the value-typed records planning produces. Phase
// one decisions mutate the local store inside a single transaction; phase two
// decisions fire idempotent external effects after commit. Planning returns a
// complete flat list; no handler generates further decisions at apply time.
package decision

import (
	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

// Phase separates in-transaction state changes from post-commit effects
type Phase int

// Phases
const (
	PhaseState Phase = iota
	PhaseEffect
)

// Decision is one state change or external effect
type Decision interface {
	Name() string
	Phase() Phase
}

// --- Phase 1: state mutations ---

// InitializeWorkflow writes the validated input section and the running
// status row.
type InitializeWorkflow struct {
	Input map[string]any
}

// CreateToken inserts one token
type CreateToken struct {
	Token model.Token
}

// BatchCreateTokens inserts a fan-out's tokens together
type BatchCreateTokens struct {
	Tokens []model.Token
}

// UpdateTokenStatus moves a token through the state machine
type UpdateTokenStatus struct {
	TokenID string
	From    model.TokenStatus
	To      model.TokenStatus
	NodeID  string
}

// MarkWaiting parks a token in a waiting status
type MarkWaiting struct {
	TokenID string
	From    model.TokenStatus
	To      model.TokenStatus // waiting_for_siblings | waiting_for_subworkflow
}

// CancelToken cancels a non-terminal token
type CancelToken struct {
	TokenID string
	From    model.TokenStatus
	Reason  string
}

// SetContextField writes one value at a context path
type SetContextField struct {
	Path  string // e.g. "state.approved"
	Value any
}

// ApplyOutputMapping writes task output into the shared context
type ApplyOutputMapping struct {
	TokenID string
	NodeID  string
	Entries []model.MappingEntry
	Output  map[string]any
}

// InitBranchTable creates a branch's isolated output table
type InitBranchTable struct {
	TokenID string
}

// ApplyBranchOutput writes task output into a branch table
type ApplyBranchOutput struct {
	TokenID string
	Entries []model.MappingEntry
	Output  map[string]any
}

// TryCreateFanIn conditionally inserts the rendezvous row
type TryCreateFanIn struct {
	FanIn model.FanIn
}

// RecordFanInArrival bumps the observed-arrival count
type RecordFanInArrival struct {
	SiblingGroup string
	FanInNodeID  string
	TokenID      string
}

// SetFanInActivated claims the merge via the conditional update
type SetFanInActivated struct {
	SiblingGroup   string
	FanInNodeID    string
	MergedTokenID  string
	AllowLateMerge bool
}

// MergeBranches reads arrived branch tables in branch_index order, applies
// the merge strategy and writes the result to the target context path.
type MergeBranches struct {
	SiblingGroup string
	FanInNodeID  string
	TokenIDs     []string // arrived tokens in branch_index order
	Spec         model.MergeSpec
}

// DropBranchTables deletes branch tables after merge
type DropBranchTables struct {
	TokenIDs []string
}

// ExtractOutput applies the workflow-level output mapping; the planner
// computes the value purely from the snapshot.
type ExtractOutput struct {
	FinalOutput map[string]any
}

// SetWorkflowStatus updates the local status mirror
type SetWorkflowStatus struct {
	Status      model.RunStatus
	FinalOutput map[string]any
	Error       *model.WorkflowError
}

// InitSubworkflowRecord tracks a parent token awaiting a child run
type InitSubworkflowRecord struct {
	Record model.SubworkflowRecord
}

// --- Phase 2: effects ---

// DispatchToken sends a task to the executor. The token id is the
// idempotency key; the executor dedupes.
type DispatchToken struct {
	TokenID   string
	NodeID    string
	ActionRef string
	Input     map[string]any
	TimeoutMS int
}

// StartSubworkflow starts a child run (trampolined, never inline)
type StartSubworkflow struct {
	ParentTokenID string
	ChildRunID    string
	DefID         string
	Version       string
	Input         map[string]any
	OnFailure     string
	TimeoutMS     int
}

// NotifyParent reports a terminal outcome to the parent run (trampolined)
type NotifyParent struct {
	ParentRunID   string
	ParentTokenID string
	ChildRunID    string
	Status        model.RunStatus
	Output        map[string]any
	Error         *model.WorkflowError
}

// CancelChildRun propagates cancellation to a child run (trampolined)
type CancelChildRun struct {
	ChildRunID string
	Reason     string
}

// UpdateResourcesStatus mirrors run status to the resources store
// (last-write-wins).
type UpdateResourcesStatus struct {
	Status model.RunStatus
	Output map[string]any
	Error  *model.WorkflowError
}

// ScheduleAlarm schedules a wakeup; rescheduling the same alarm kind and
// target replaces the pending one.
type ScheduleAlarm struct {
	Payload model.AlarmPayload
	DelayMS int
}

// EnqueueCommandSelf re-enters the coordinator with a fresh command (the
// trampoline primitive).
type EnqueueCommandSelf struct {
	Command model.Command
}

// FailWorkflow is planning's explicit failure surface; apply translates it
// into status mutation plus notification effects.
type FailWorkflow struct {
	Error *model.WorkflowError
}

func (InitializeWorkflow) Name() string    { return "INITIALIZE_WORKFLOW" }
func (CreateToken) Name() string           { return "CREATE_TOKEN" }
func (BatchCreateTokens) Name() string     { return "BATCH_CREATE_TOKENS" }
func (UpdateTokenStatus) Name() string     { return "UPDATE_TOKEN_STATUS" }
func (MarkWaiting) Name() string           { return "MARK_WAITING" }
func (CancelToken) Name() string           { return "CANCEL_TOKEN" }
func (SetContextField) Name() string       { return "SET_CONTEXT_FIELD" }
func (ApplyOutputMapping) Name() string    { return "APPLY_OUTPUT_MAPPING" }
func (InitBranchTable) Name() string       { return "INIT_BRANCH_TABLE" }
func (ApplyBranchOutput) Name() string     { return "APPLY_BRANCH_OUTPUT" }
func (TryCreateFanIn) Name() string        { return "TRY_CREATE_FAN_IN" }
func (RecordFanInArrival) Name() string    { return "RECORD_FAN_IN_ARRIVAL" }
func (SetFanInActivated) Name() string     { return "SET_FAN_IN_ACTIVATED" }
func (MergeBranches) Name() string         { return "MERGE_BRANCHES" }
func (DropBranchTables) Name() string      { return "DROP_BRANCH_TABLES" }
func (ExtractOutput) Name() string         { return "EXTRACT_OUTPUT" }
func (SetWorkflowStatus) Name() string     { return "SET_WORKFLOW_STATUS" }
func (InitSubworkflowRecord) Name() string { return "INIT_SUBWORKFLOW_RECORD" }
func (FailWorkflow) Name() string          { return "FAIL_WORKFLOW" }
func (DispatchToken) Name() string         { return "DISPATCH_TOKEN" }
func (StartSubworkflow) Name() string      { return "START_SUBWORKFLOW" }
func (NotifyParent) Name() string          { return "NOTIFY_PARENT" }
func (CancelChildRun) Name() string        { return "CANCEL_CHILD_RUN" }
func (UpdateResourcesStatus) Name() string { return "UPDATE_RESOURCES_STATUS" }
func (ScheduleAlarm) Name() string         { return "SCHEDULE_ALARM" }
func (EnqueueCommandSelf) Name() string    { return "ENQUEUE_COMMAND_SELF" }

func (InitializeWorkflow) Phase() Phase    { return PhaseState }
func (CreateToken) Phase() Phase           { return PhaseState }
func (BatchCreateTokens) Phase() Phase     { return PhaseState }
func (UpdateTokenStatus) Phase() Phase     { return PhaseState }
func (MarkWaiting) Phase() Phase           { return PhaseState }
func (CancelToken) Phase() Phase           { return PhaseState }
func (SetContextField) Phase() Phase       { return PhaseState }
func (ApplyOutputMapping) Phase() Phase    { return PhaseState }
func (InitBranchTable) Phase() Phase       { return PhaseState }
func (ApplyBranchOutput) Phase() Phase     { return PhaseState }
func (TryCreateFanIn) Phase() Phase        { return PhaseState }
func (RecordFanInArrival) Phase() Phase    { return PhaseState }
func (SetFanInActivated) Phase() Phase     { return PhaseState }
func (MergeBranches) Phase() Phase         { return PhaseState }
func (DropBranchTables) Phase() Phase      { return PhaseState }
func (ExtractOutput) Phase() Phase         { return PhaseState }
func (SetWorkflowStatus) Phase() Phase     { return PhaseState }
func (InitSubworkflowRecord) Phase() Phase { return PhaseState }
func (FailWorkflow) Phase() Phase          { return PhaseState }
func (DispatchToken) Phase() Phase         { return PhaseEffect }
func (StartSubworkflow) Phase() Phase      { return PhaseEffect }
func (NotifyParent) Phase() Phase          { return PhaseEffect }
func (CancelChildRun) Phase() Phase        { return PhaseEffect }
func (UpdateResourcesStatus) Phase() Phase { return PhaseEffect }
func (ScheduleAlarm) Phase() Phase         { return PhaseEffect }
func (EnqueueCommandSelf) Phase() Phase    { return PhaseEffect }
