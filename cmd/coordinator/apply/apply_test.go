package apply

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ronkeiser/wonder/cmd/coordinator/contexteng"
	"github.com/ronkeiser/wonder/cmd/coordinator/decision"
	"github.com/ronkeiser/wonder/cmd/coordinator/model"
	"github.com/ronkeiser/wonder/cmd/coordinator/store"
	"github.com/ronkeiser/wonder/cmd/coordinator/trace"
	"github.com/ronkeiser/wonder/common/retry"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

type memSink struct {
	entries []map[string]any
}

func (s *memSink) Publish(_ context.Context, _ string, entries []map[string]any) error {
	s.entries = append(s.entries, entries...)
	return nil
}

func testEmitter() *trace.Emitter {
	return trace.NewEmitter(trace.Opts{
		RunID:  "run-1",
		Stream: "wonder.trace",
		Sink:   &memSink{},
		Logger: nopLogger{},
	}, 0)
}

func openApplyFixture(t *testing.T) (*StateExecutor, *store.Store) {
	t.Helper()
	engine, err := contexteng.New(&model.WorkflowDef{})
	require.NoError(t, err)

	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewStateExecutor(engine, nopLogger{}), s
}

func applyAll(t *testing.T, e *StateExecutor, s *store.Store, decisions []decision.Decision) error {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	if err := e.Apply(ctx, tx, decisions, testEmitter(), time.Now().UTC()); err != nil {
		require.NoError(t, tx.Rollback())
		return err
	}
	require.NoError(t, tx.Commit())
	return nil
}

func pendingTok(id string) model.Token {
	return model.Token{ID: id, NodeID: "work", Status: model.TokenPending, PathID: "root", BranchTotal: 1}
}

func TestApplyInitializeAndDispatch(t *testing.T) {
	e, s := openApplyFixture(t)
	ctx := context.Background()

	err := applyAll(t, e, s, []decision.Decision{
		decision.InitializeWorkflow{Input: map[string]any{"query": "q"}},
		decision.CreateToken{Token: pendingTok("tok-1")},
		decision.UpdateTokenStatus{TokenID: "tok-1", From: model.TokenPending, To: model.TokenDispatched, NodeID: "work"},
		// Phase-2 decisions in the same batch are skipped here.
		decision.DispatchToken{TokenID: "tok-1", NodeID: "work", ActionRef: "actions/work"},
	})
	require.NoError(t, err)

	status, err := store.GetStatus(ctx, s.DB())
	require.NoError(t, err)
	require.Equal(t, model.RunRunning, status.Status)

	data, err := store.GetSection(ctx, s.DB(), store.SectionInput)
	require.NoError(t, err)
	require.JSONEq(t, `{"query":"q"}`, string(data))

	tok, err := store.GetToken(ctx, s.DB(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, model.TokenDispatched, tok.Status)
}

func TestApplyRejectsIllegalStatusMove(t *testing.T) {
	e, s := openApplyFixture(t)

	require.NoError(t, applyAll(t, e, s, []decision.Decision{
		decision.CreateToken{Token: pendingTok("tok-1")},
	}))

	err := applyAll(t, e, s, []decision.Decision{
		decision.UpdateTokenStatus{TokenID: "tok-1", From: model.TokenPending, To: model.TokenCompleted, NodeID: "work"},
	})
	require.Error(t, err)

	tok, err := store.GetToken(context.Background(), s.DB(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, model.TokenPending, tok.Status, "aborted batch must not land")
}

func TestApplyRejectsStaleOriginStatus(t *testing.T) {
	e, s := openApplyFixture(t)

	completed := pendingTok("tok-1")
	completed.Status = model.TokenCompleted
	require.NoError(t, applyAll(t, e, s, []decision.Decision{
		decision.CreateToken{Token: completed},
	}))

	// Executing to cancelled is a legal move, but the row is completed; a
	// decision carrying a stale origin must not touch it.
	err := applyAll(t, e, s, []decision.Decision{
		decision.CancelToken{TokenID: "tok-1", From: model.TokenExecuting, Reason: "fan_in_activated"},
	})
	require.Error(t, err)

	tok, err := store.GetToken(context.Background(), s.DB(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, model.TokenCompleted, tok.Status, "terminal status must stay terminal")
}

func TestApplyBatchIsAtomic(t *testing.T) {
	e, s := openApplyFixture(t)

	err := applyAll(t, e, s, []decision.Decision{
		decision.CreateToken{Token: pendingTok("tok-1")},
		decision.UpdateTokenStatus{TokenID: "tok-1", From: model.TokenPending, To: model.TokenExecuting, NodeID: "work"},
	})
	require.Error(t, err, "pending to executing is not a legal move")

	_, err = store.GetToken(context.Background(), s.DB(), "tok-1")
	require.ErrorIs(t, err, store.ErrNotFound, "token insert must roll back with the batch")
}

func TestApplyFanInActivationIsExactlyOnce(t *testing.T) {
	e, s := openApplyFixture(t)

	fi := model.FanIn{SiblingGroup: "root.t1", FanInNodeID: "work", WaitFor: model.WaitForAll, Total: 2}
	require.NoError(t, applyAll(t, e, s, []decision.Decision{
		decision.TryCreateFanIn{FanIn: fi},
		decision.RecordFanInArrival{SiblingGroup: "root.t1", FanInNodeID: "work", TokenID: "b0"},
		decision.SetFanInActivated{SiblingGroup: "root.t1", FanInNodeID: "work", MergedTokenID: "merged-1"},
	}))

	err := applyAll(t, e, s, []decision.Decision{
		decision.SetFanInActivated{SiblingGroup: "root.t1", FanInNodeID: "work", MergedTokenID: "merged-2"},
	})
	require.ErrorContains(t, err, "already activated")
}

func TestApplyMergeBranchesWritesTarget(t *testing.T) {
	engine, err := contexteng.New(&model.WorkflowDef{})
	require.NoError(t, err)
	e := NewStateExecutor(engine, nopLogger{})

	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	entries := []model.MappingEntry{{Target: "state.results", Source: "value"}}
	for i, id := range []string{"b0", "b1"} {
		tok := pendingTok(id)
		tok.BranchIndex = i
		tok.BranchTotal = 2
		require.NoError(t, store.InsertToken(ctx, s.DB(), &tok))
		require.NoError(t, store.InitBranchTable(ctx, s.DB(), id))
		require.NoError(t, engine.ApplyBranchOutput(ctx, s.DB(), id, entries, map[string]any{"value": i * 5}))
	}

	require.NoError(t, applyAll(t, e, s, []decision.Decision{
		decision.MergeBranches{
			SiblingGroup: "root.t1",
			FanInNodeID:  "work",
			TokenIDs:     []string{"b0", "b1"},
			Spec:         model.MergeSpec{Strategy: model.MergeAppend, TargetPath: "state.results"},
		},
		decision.DropBranchTables{TokenIDs: []string{"b0", "b1"}},
	}))

	data, err := store.GetSection(ctx, s.DB(), store.SectionState)
	require.NoError(t, err)
	require.JSONEq(t, `{"results":[0,5]}`, string(data))

	exists, err := store.BranchTableExists(ctx, s.DB(), "b0")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestApplyFailWorkflowBeforeInitialization(t *testing.T) {
	e, s := openApplyFixture(t)

	werr := &model.WorkflowError{Code: model.ErrCodeInvalidInput, Message: "missing query"}
	require.NoError(t, applyAll(t, e, s, []decision.Decision{
		decision.FailWorkflow{Error: werr},
	}))

	status, err := store.GetStatus(context.Background(), s.DB())
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, status.Status)
	require.NotNil(t, status.Error)
	require.Equal(t, model.ErrCodeInvalidInput, status.Error.Code)
}

// --- effect executor ---

type taskCall struct {
	runID, tokenID, nodeID, actionRef string
	input                             map[string]any
}

type fakeTaskDispatcher struct {
	calls []taskCall
	err   error
}

func (f *fakeTaskDispatcher) ExecuteTask(_ context.Context, runID, tokenID, nodeID, actionRef string, input map[string]any, _ int) error {
	f.calls = append(f.calls, taskCall{runID: runID, tokenID: tokenID, nodeID: nodeID, actionRef: actionRef, input: input})
	return f.err
}

type mirrorCall struct {
	status model.RunStatus
	output map[string]any
	err    *model.WorkflowError
}

type fakeMirror struct {
	calls []mirrorCall
}

func (f *fakeMirror) UpdateRunStatus(_ context.Context, _ string, status model.RunStatus, output map[string]any, werr *model.WorkflowError) error {
	f.calls = append(f.calls, mirrorCall{status: status, output: output, err: werr})
	return nil
}

type scheduled struct {
	payload model.AlarmPayload
	delay   time.Duration
}

type fakeAlarms struct {
	scheduled []scheduled
}

func (f *fakeAlarms) Schedule(payload model.AlarmPayload, delay time.Duration) {
	f.scheduled = append(f.scheduled, scheduled{payload: payload, delay: delay})
}

type fakeQueue struct {
	commands []model.Command
}

func (f *fakeQueue) Submit(cmd model.Command) {
	f.commands = append(f.commands, cmd)
}

type effectFixture struct {
	e      *EffectExecutor
	st     *store.Store
	exec   *fakeTaskDispatcher
	mirror *fakeMirror
	alarms *fakeAlarms
	queue  *fakeQueue
}

func openEffectFixture(t *testing.T) *effectFixture {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &effectFixture{
		st:     s,
		exec:   &fakeTaskDispatcher{},
		mirror: &fakeMirror{},
		alarms: &fakeAlarms{},
		queue:  &fakeQueue{},
	}
	f.e = NewEffectExecutor(EffectOpts{
		RunID:     "run-1",
		Store:     s,
		Executor:  f.exec,
		Resources: f.mirror,
		Alarms:    f.alarms,
		Queue:     f.queue,
		Policy:    retry.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond},
		Logger:    nopLogger{},
	})
	return f
}

func TestEffectsDispatchToken(t *testing.T) {
	f := openEffectFixture(t)

	f.e.Execute(context.Background(), []decision.Decision{
		// Phase-1 decisions in the batch are ignored by the effect pass.
		decision.CreateToken{Token: pendingTok("tok-1")},
		decision.DispatchToken{TokenID: "tok-1", NodeID: "work", ActionRef: "actions/work", Input: map[string]any{"q": 1}},
	}, testEmitter())

	require.Len(t, f.exec.calls, 1)
	call := f.exec.calls[0]
	require.Equal(t, "run-1", call.runID)
	require.Equal(t, "tok-1", call.tokenID)
	require.Equal(t, "actions/work", call.actionRef)
	require.Empty(t, f.queue.commands)
}

func TestEffectsDispatchFailureSurfacesTaskError(t *testing.T) {
	f := openEffectFixture(t)
	f.exec.err = errors.New("executor unavailable")

	f.e.Execute(context.Background(), []decision.Decision{
		decision.DispatchToken{TokenID: "tok-1", NodeID: "work", ActionRef: "actions/work"},
	}, testEmitter())

	require.Len(t, f.queue.commands, 1)
	cmd := f.queue.commands[0]
	require.Equal(t, model.CmdTaskError, cmd.Kind)
	require.Equal(t, "tok-1", cmd.TokenID)
	require.Equal(t, model.ErrCodeInternal, cmd.Err.Code)
	require.Equal(t, "work", cmd.Err.NodeID)
}

func TestEffectsTrampolinePersistsPeerCalls(t *testing.T) {
	f := openEffectFixture(t)
	ctx := context.Background()

	f.e.Execute(ctx, []decision.Decision{
		decision.StartSubworkflow{ParentTokenID: "tok-1", ChildRunID: "child-1", DefID: "wf-sub"},
		decision.NotifyParent{ParentRunID: "parent-run", ChildRunID: "run-1", Status: model.RunCompleted},
	}, testEmitter())

	pending, err := store.ListPendingDispatch(ctx, f.st.DB())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "start_subworkflow", pending[0].Kind)
	require.Equal(t, "notify_parent", pending[1].Kind)

	// Each trampolined call schedules an immediate drain.
	require.Len(t, f.alarms.scheduled, 2)
	for _, sc := range f.alarms.scheduled {
		require.Equal(t, model.AlarmPendingDispatch, sc.payload.Kind)
		require.Zero(t, sc.delay)
	}
}

func TestEffectsScheduleAlarm(t *testing.T) {
	f := openEffectFixture(t)

	f.e.Execute(context.Background(), []decision.Decision{
		decision.ScheduleAlarm{
			Payload: model.AlarmPayload{Kind: model.AlarmFanInTimeout, SiblingGroup: "root.t1", FanInNodeID: "work"},
			DelayMS: 5000,
		},
	}, testEmitter())

	require.Len(t, f.alarms.scheduled, 1)
	require.Equal(t, model.AlarmFanInTimeout, f.alarms.scheduled[0].payload.Kind)
	require.Equal(t, 5*time.Second, f.alarms.scheduled[0].delay)
}

func TestEffectsMirrorRunStatus(t *testing.T) {
	f := openEffectFixture(t)

	f.e.Execute(context.Background(), []decision.Decision{
		decision.UpdateResourcesStatus{Status: model.RunCompleted, Output: map[string]any{"answer": "ok"}},
	}, testEmitter())

	require.Len(t, f.mirror.calls, 1)
	require.Equal(t, model.RunCompleted, f.mirror.calls[0].status)
	require.Equal(t, "ok", f.mirror.calls[0].output["answer"])
}

func TestEffectsEnqueueCommandSelf(t *testing.T) {
	f := openEffectFixture(t)

	f.e.Execute(context.Background(), []decision.Decision{
		decision.EnqueueCommandSelf{Command: model.Command{Kind: model.CmdCancel, Reason: "requeued"}},
	}, testEmitter())

	require.Len(t, f.queue.commands, 1)
	require.Equal(t, model.CmdCancel, f.queue.commands[0].Kind)
}
