// Package dispatcher drives one coordinator instance per workflow run:
// commands enter a per-run FIFO queue and each runs load, plan, apply,
// effects, trace flush in strict sequence. The single-writer loop is what
// eliminates intra-run races.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ronkeiser/wonder/cmd/coordinator/alarm"
	"github.com/ronkeiser/wonder/cmd/coordinator/apply"
	"github.com/ronkeiser/wonder/cmd/coordinator/clients"
	"github.com/ronkeiser/wonder/cmd/coordinator/decision"
	"github.com/ronkeiser/wonder/cmd/coordinator/model"
	"github.com/ronkeiser/wonder/cmd/coordinator/planner"
	"github.com/ronkeiser/wonder/cmd/coordinator/store"
	"github.com/ronkeiser/wonder/cmd/coordinator/trace"
	"github.com/ronkeiser/wonder/common/retry"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

const commandQueueSize = 256

// retryDrainDelay spaces out trampoline drains after a peer call failed
const retryDrainDelay = time.Second

// Dispatcher is the single writer for one run
type Dispatcher struct {
	run     model.Run
	st      *store.Store
	loader  *Loader
	planner *planner.Planner
	mutator *apply.StateExecutor
	effects *apply.EffectExecutor
	emitter *trace.Emitter
	alarms  *alarm.Scheduler
	peers   *clients.PeerClient
	policy  retry.Policy
	logger  Logger

	queue      chan model.Command
	done       chan struct{}
	onTerminal func(runID string)

	mu       sync.Mutex
	overflow []model.Command
}

// Opts configures a Dispatcher
type Opts struct {
	Run        model.Run
	Store      *store.Store
	Loader     *Loader
	Planner    *planner.Planner
	Mutator    *apply.StateExecutor
	Effects    *apply.EffectExecutor
	Emitter    *trace.Emitter
	Alarms     *alarm.Scheduler
	Peers      *clients.PeerClient
	Policy     retry.Policy
	Logger     Logger
	OnTerminal func(runID string) // invoked once the run is terminal and drained
}

// New creates a dispatcher; Start launches its loop
func New(opts Opts) *Dispatcher {
	return &Dispatcher{
		run:     opts.Run,
		st:      opts.Store,
		loader:  opts.Loader,
		planner: opts.Planner,
		mutator: opts.Mutator,
		effects: opts.Effects,
		emitter: opts.Emitter,
		alarms:  opts.Alarms,
		peers:   opts.Peers,
		policy:  opts.Policy,
		logger:  opts.Logger,
		queue:   make(chan model.Command, commandQueueSize),
		done:    make(chan struct{}),
	}
}

// Start launches the command loop
func (d *Dispatcher) Start(ctx context.Context, onTerminal func(runID string)) {
	d.onTerminal = onTerminal
	go d.loop(ctx)
}

// Submit enqueues one command for serialized processing. Submission never
// blocks: a full queue spills into an overflow slice the loop drains between
// commands. Effects running inside the loop can therefore enqueue follow-ups
// without wedging the loop against its own queue.
func (d *Dispatcher) Submit(cmd model.Command) {
	select {
	case <-d.done:
		d.logger.Warn("command dropped after shutdown", "run_id", d.run.ID, "kind", string(cmd.Kind))
		return
	default:
	}
	select {
	case d.queue <- cmd:
	default:
		d.mu.Lock()
		d.overflow = append(d.overflow, cmd)
		d.mu.Unlock()
	}
}

// refill moves spilled commands onto the queue in arrival order
func (d *Dispatcher) refill() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.overflow) > 0 {
		select {
		case d.queue <- d.overflow[0]:
			d.overflow = d.overflow[1:]
		default:
			return
		}
	}
}

// Stop ends the loop without destroying the store
func (d *Dispatcher) Stop() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case cmd := <-d.queue:
			if d.process(ctx, cmd) {
				d.Stop()
				if d.onTerminal != nil {
					d.onTerminal(d.run.ID)
				}
				return
			}
			d.refill()
		}
	}
}

// process runs one command end to end; it reports whether the run is
// terminal and fully drained, i.e. ready for teardown.
func (d *Dispatcher) process(ctx context.Context, cmd model.Command) (finished bool) {
	now := time.Now().UTC()

	// The trampoline drain is pure effect work; no planning involved.
	if cmd.Kind == model.CmdAlarm && cmd.Alarm != nil && cmd.Alarm.Kind == model.AlarmPendingDispatch {
		d.drainPending(ctx)
		return d.readyForTeardown(ctx)
	}

	s, err := d.loader.Load(ctx, d.st.DB(), d.run, now)
	if err != nil {
		d.logger.Error("state load failed", "run_id", d.run.ID, "kind", string(cmd.Kind), "error", err)
		d.emitter.Emit("dispatch.error", cmd.TokenID, "", map[string]any{"error": err.Error()})
		d.emitter.Flush(ctx)
		return false
	}

	d.emitter.Emit("dispatch.batch.start", cmd.TokenID, "", map[string]any{"kind": string(cmd.Kind)})

	res, err := d.planner.Plan(s, cmd)
	if err != nil {
		d.logger.Error("planning failed", "run_id", d.run.ID, "kind", string(cmd.Kind), "error", err)
		d.emitter.Emit("dispatch.error", cmd.TokenID, "", map[string]any{"error": err.Error()})
		d.emitter.Flush(ctx)
		return false
	}
	d.emitter.EmitAll(res.Events)

	if err := d.applyState(ctx, res.Decisions, now); err != nil {
		d.logger.Error("apply failed", "run_id", d.run.ID, "kind", string(cmd.Kind), "error", err)
		d.emitter.Emit("dispatch.error", cmd.TokenID, "", map[string]any{"error": err.Error()})
		d.failInternal(ctx, err, now)
		d.emitter.Flush(ctx)
		return d.readyForTeardown(ctx)
	}

	d.effects.Execute(ctx, res.Decisions, d.emitter)

	d.emitter.Emit("dispatch.batch.complete", cmd.TokenID, "", map[string]any{
		"kind":      string(cmd.Kind),
		"decisions": len(res.Decisions),
	})
	d.emitter.Flush(ctx)

	return d.readyForTeardown(ctx)
}

func (d *Dispatcher) applyState(ctx context.Context, decisions []decision.Decision, now time.Time) error {
	tx, err := d.st.Begin(ctx)
	if err != nil {
		return err
	}
	if err := d.mutator.Apply(ctx, tx, decisions, d.emitter, now); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// failInternal records an internal failure after an aborted apply. Apply-time
// errors are programming errors; the run is marked failed rather than left
// wedged.
func (d *Dispatcher) failInternal(ctx context.Context, cause error, now time.Time) {
	werr := &model.WorkflowError{Code: model.ErrCodeInternal, Message: cause.Error()}

	tx, err := d.st.Begin(ctx)
	if err != nil {
		d.logger.Error("internal failure recording aborted", "run_id", d.run.ID, "error", err)
		return
	}
	if err := store.InitStatus(ctx, tx, model.RunFailed, now); err == nil {
		err = store.SetStatus(ctx, tx, model.RunFailed, nil, werr, now)
	}
	if err != nil {
		_ = tx.Rollback()
		d.logger.Error("internal failure recording aborted", "run_id", d.run.ID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		d.logger.Error("internal failure recording aborted", "run_id", d.run.ID, "error", err)
		return
	}

	d.emitter.Emit("dispatch.workflow.failed", "", "", map[string]any{"code": werr.Code})
	d.effects.Execute(ctx, []decision.Decision{
		decision.UpdateResourcesStatus{Status: model.RunFailed, Error: werr},
	}, d.emitter)
	if d.run.ParentRunID != "" {
		d.effects.Execute(ctx, []decision.Decision{
			decision.NotifyParent{
				ParentRunID:   d.run.ParentRunID,
				ParentTokenID: d.run.ParentTokenID,
				ChildRunID:    d.run.ID,
				Status:        model.RunFailed,
				Error:         werr,
			},
		}, d.emitter)
	}
}

// drainPending issues every persisted coordinator-to-coordinator call. Each
// drain is a fresh invocation, so call-stack depth never accumulates across
// coordinator chains. Failed calls stay queued and a delayed alarm retries
// the drain.
func (d *Dispatcher) drainPending(ctx context.Context) {
	pending, err := store.ListPendingDispatch(ctx, d.st.DB())
	if err != nil {
		d.logger.Error("list pending dispatch failed", "run_id", d.run.ID, "error", err)
		return
	}

	var failed bool
	for _, pd := range pending {
		if err := d.issuePending(ctx, pd); err != nil {
			d.logger.Warn("pending dispatch failed", "run_id", d.run.ID, "kind", pd.Kind, "error", err)
			d.emitter.Emit("dispatch.error", "", "", map[string]any{"kind": pd.Kind, "error": err.Error()})
			failed = true
			continue
		}
		if err := store.DeletePendingDispatch(ctx, d.st.DB(), pd.ID); err != nil {
			d.logger.Error("delete pending dispatch failed", "run_id", d.run.ID, "id", pd.ID, "error", err)
		}
	}
	d.emitter.Flush(ctx)

	if failed {
		d.alarms.Schedule(model.AlarmPayload{Kind: model.AlarmPendingDispatch}, retryDrainDelay)
	}
}

func (d *Dispatcher) issuePending(ctx context.Context, pd *store.PendingDispatch) error {
	switch pd.Kind {
	case "start_subworkflow":
		var dec decision.StartSubworkflow
		if err := json.Unmarshal(pd.Payload, &dec); err != nil {
			return err
		}
		return d.policy.Do(ctx, func() error {
			return d.peers.StartSubworkflow(ctx, dec.ChildRunID, d.run.ID, dec.ParentTokenID, dec.DefID, dec.Version, dec.Input, dec.OnFailure)
		})

	case "notify_parent":
		var dec decision.NotifyParent
		if err := json.Unmarshal(pd.Payload, &dec); err != nil {
			return err
		}
		return d.policy.Do(ctx, func() error {
			if dec.Status == model.RunCompleted {
				return d.peers.SubworkflowResult(ctx, dec.ParentRunID, dec.ParentTokenID, dec.ChildRunID, dec.Output)
			}
			werr := dec.Error
			if werr == nil {
				werr = &model.WorkflowError{Code: model.ErrCodeCancelled, Message: "run " + string(dec.Status)}
			}
			return d.peers.SubworkflowError(ctx, dec.ParentRunID, dec.ParentTokenID, dec.ChildRunID, werr)
		})

	case "cancel_child_run":
		var dec decision.CancelChildRun
		if err := json.Unmarshal(pd.Payload, &dec); err != nil {
			return err
		}
		return d.policy.Do(ctx, func() error {
			return d.peers.CancelRun(ctx, dec.ChildRunID, dec.Reason)
		})
	}
	d.logger.Error("unknown pending dispatch kind", "run_id", d.run.ID, "kind", pd.Kind)
	return nil
}

// readyForTeardown reports whether the run is terminal with nothing left to
// deliver. The store outlives the terminal status until the last parent
// notification drains.
func (d *Dispatcher) readyForTeardown(ctx context.Context) bool {
	status, err := store.GetStatus(ctx, d.st.DB())
	if err != nil || !status.Status.IsTerminal() {
		return false
	}
	pending, err := store.ListPendingDispatch(ctx, d.st.DB())
	if err != nil {
		return false
	}
	return len(pending) == 0
}
