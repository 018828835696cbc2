package apply

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ronkeiser/wonder/cmd/coordinator/decision"
	"github.com/ronkeiser/wonder/cmd/coordinator/model"
	"github.com/ronkeiser/wonder/cmd/coordinator/store"
	"github.com/ronkeiser/wonder/cmd/coordinator/trace"
	"github.com/ronkeiser/wonder/common/retry"
)

// TaskDispatcher sends a task to the executor service
type TaskDispatcher interface {
	ExecuteTask(ctx context.Context, runID, tokenID, nodeID, actionRef string, input map[string]any, timeoutMS int) error
}

// StatusMirror writes run status to the resources store (last-write-wins)
type StatusMirror interface {
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, output map[string]any, werr *model.WorkflowError) error
}

// AlarmScheduler schedules a wakeup for this run. Scheduling the same alarm
// kind and target again replaces the pending one.
type AlarmScheduler interface {
	Schedule(payload model.AlarmPayload, delay time.Duration)
}

// CommandQueue feeds follow-up commands back into the run's dispatcher
type CommandQueue interface {
	Submit(cmd model.Command)
}

// EffectExecutor fires phase-2 decisions after the state transaction commits.
// Coordinator-to-coordinator calls are never issued inline: they are
// persisted to pending_dispatch and drained on an immediate alarm, resetting
// call-stack depth (the trampoline).
type EffectExecutor struct {
	runID     string
	st        *store.Store
	executor  TaskDispatcher
	resources StatusMirror
	alarms    AlarmScheduler
	queue     CommandQueue
	policy    retry.Policy
	logger    Logger
}

// EffectOpts configures an EffectExecutor
type EffectOpts struct {
	RunID     string
	Store     *store.Store
	Executor  TaskDispatcher
	Resources StatusMirror
	Alarms    AlarmScheduler
	Queue     CommandQueue
	Policy    retry.Policy
	Logger    Logger
}

// NewEffectExecutor creates an effect executor
func NewEffectExecutor(opts EffectOpts) *EffectExecutor {
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	return &EffectExecutor{
		runID:     opts.RunID,
		st:        opts.Store,
		executor:  opts.Executor,
		resources: opts.Resources,
		alarms:    opts.Alarms,
		queue:     opts.Queue,
		policy:    opts.Policy,
		logger:    opts.Logger,
	}
}

// Execute fires every phase-2 decision. Effect failures never abort the
// batch: a terminally failed dispatch surfaces as a follow-up TaskError
// command, everything else is logged.
func (e *EffectExecutor) Execute(ctx context.Context, decisions []decision.Decision, em *trace.Emitter) {
	for _, d := range decisions {
		if d.Phase() != decision.PhaseEffect {
			continue
		}
		e.executeOne(ctx, d, em)
	}
}

func (e *EffectExecutor) executeOne(ctx context.Context, d decision.Decision, em *trace.Emitter) {
	switch dec := d.(type) {
	case decision.DispatchToken:
		err := e.policy.Do(ctx, func() error {
			return e.executor.ExecuteTask(ctx, e.runID, dec.TokenID, dec.NodeID, dec.ActionRef, dec.Input, dec.TimeoutMS)
		})
		if err != nil {
			e.logger.Error("task dispatch failed", "token_id", dec.TokenID, "node_id", dec.NodeID, "error", err)
			em.Emit("dispatch.error", dec.TokenID, dec.NodeID, map[string]any{"error": err.Error()})
			e.queue.Submit(model.Command{
				Kind:    model.CmdTaskError,
				TokenID: dec.TokenID,
				Err: &model.WorkflowError{
					Code:    model.ErrCodeInternal,
					Message: "task dispatch failed: " + err.Error(),
					NodeID:  dec.NodeID,
				},
			})
			return
		}
		em.Emit("dispatch.task.start", dec.TokenID, dec.NodeID, map[string]any{
			"action_ref": dec.ActionRef,
		})

	case decision.StartSubworkflow:
		e.trampoline(ctx, "start_subworkflow", dec, em)

	case decision.NotifyParent:
		e.trampoline(ctx, "notify_parent", dec, em)

	case decision.CancelChildRun:
		e.trampoline(ctx, "cancel_child_run", dec, em)

	case decision.UpdateResourcesStatus:
		err := e.policy.Do(ctx, func() error {
			return e.resources.UpdateRunStatus(ctx, e.runID, dec.Status, dec.Output, dec.Error)
		})
		if err != nil {
			// Last-write-wins mirror; the next terminal decision repeats it.
			e.logger.Warn("resources status update failed", "status", string(dec.Status), "error", err)
		}

	case decision.ScheduleAlarm:
		e.alarms.Schedule(dec.Payload, time.Duration(dec.DelayMS)*time.Millisecond)

	case decision.EnqueueCommandSelf:
		e.queue.Submit(dec.Command)

	default:
		e.logger.Error("unknown effect decision", "type", fmt.Sprintf("%T", d))
	}
}

// trampoline persists one coordinator-to-coordinator call and schedules an
// immediate wakeup; the dispatcher drains pending calls on the alarm.
func (e *EffectExecutor) trampoline(ctx context.Context, kind string, payload any, em *trace.Emitter) {
	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("marshal pending dispatch", "kind", kind, "error", err)
		return
	}
	pd := &store.PendingDispatch{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.EnqueuePendingDispatch(ctx, e.st.DB(), pd); err != nil {
		e.logger.Error("enqueue pending dispatch", "kind", kind, "error", err)
		em.Emit("dispatch.error", "", "", map[string]any{"kind": kind, "error": err.Error()})
		return
	}
	em.Emit("dispatch.decision.planned", "", "", map[string]any{"kind": kind})
	e.alarms.Schedule(model.AlarmPayload{Kind: model.AlarmPendingDispatch}, 0)
}
