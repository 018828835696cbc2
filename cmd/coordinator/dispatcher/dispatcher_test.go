package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ronkeiser/wonder/cmd/coordinator/alarm"
	"github.com/ronkeiser/wonder/cmd/coordinator/apply"
	"github.com/ronkeiser/wonder/cmd/coordinator/clients"
	"github.com/ronkeiser/wonder/cmd/coordinator/condition"
	"github.com/ronkeiser/wonder/cmd/coordinator/contexteng"
	"github.com/ronkeiser/wonder/cmd/coordinator/defcache"
	"github.com/ronkeiser/wonder/cmd/coordinator/model"
	"github.com/ronkeiser/wonder/cmd/coordinator/planner"
	"github.com/ronkeiser/wonder/cmd/coordinator/store"
	"github.com/ronkeiser/wonder/cmd/coordinator/trace"
	"github.com/ronkeiser/wonder/common/retry"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

type memSink struct{}

func (memSink) Publish(context.Context, string, []map[string]any) error { return nil }

type staticDefs struct {
	def *model.WorkflowDef
}

func (s staticDefs) GetWorkflowDef(context.Context, string, string) (*model.WorkflowDef, error) {
	return s.def, nil
}

type submitFunc func(model.Command)

func (f submitFunc) Submit(cmd model.Command) { f(cmd) }

type taskCall struct {
	tokenID   string
	nodeID    string
	actionRef string
	input     map[string]any
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []taskCall
	err   error
}

func (f *fakeExecutor) ExecuteTask(_ context.Context, _, tokenID, nodeID, actionRef string, input map[string]any, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, taskCall{tokenID: tokenID, nodeID: nodeID, actionRef: actionRef, input: input})
	return nil
}

func (f *fakeExecutor) snapshot() []taskCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]taskCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeMirror struct {
	mu       sync.Mutex
	statuses []model.RunStatus
	output   map[string]any
}

func (f *fakeMirror) UpdateRunStatus(_ context.Context, _ string, status model.RunStatus, output map[string]any, _ *model.WorkflowError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	if output != nil {
		f.output = output
	}
	return nil
}

func (f *fakeMirror) last() (model.RunStatus, map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return "", nil
	}
	return f.statuses[len(f.statuses)-1], f.output
}

type harness struct {
	d        *Dispatcher
	st       *store.Store
	exec     *fakeExecutor
	mirror   *fakeMirror
	terminal chan string
}

func newHarness(t *testing.T, def *model.WorkflowDef, run model.Run, peerURL string) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)

	engine, err := contexteng.New(def)
	require.NoError(t, err)

	h := &harness{
		st:       st,
		exec:     &fakeExecutor{},
		mirror:   &fakeMirror{},
		terminal: make(chan string, 1),
	}

	policy := retry.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond}
	submit := submitFunc(func(cmd model.Command) { h.d.Submit(cmd) })
	sched := alarm.NewScheduler(submit, nopLogger{})

	h.d = New(Opts{
		Run:     run,
		Store:   st,
		Loader:  NewLoader(defcache.New(staticDefs{def: def}, 4)),
		Planner: planner.New(planner.Opts{Evaluator: condition.NewEvaluator(), Engine: engine}),
		Mutator: apply.NewStateExecutor(engine, nopLogger{}),
		Effects: apply.NewEffectExecutor(apply.EffectOpts{
			RunID:     run.ID,
			Store:     st,
			Executor:  h.exec,
			Resources: h.mirror,
			Alarms:    sched,
			Queue:     submit,
			Policy:    policy,
			Logger:    nopLogger{},
		}),
		Emitter: trace.NewEmitter(trace.Opts{RunID: run.ID, Stream: "wonder.trace", Sink: memSink{}, Logger: nopLogger{}}, 0),
		Alarms:  sched,
		Peers:   clients.NewPeerClient(peerURL, time.Second, nopLogger{}),
		Policy:  policy,
		Logger:  nopLogger{},
	})

	h.d.Start(context.Background(), func(runID string) { h.terminal <- runID })
	t.Cleanup(func() {
		h.d.Stop()
		sched.Close()
		_ = st.Close()
	})
	return h
}

func (h *harness) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-h.terminal:
	case <-time.After(waitFor):
		t.Fatal("run never reached teardown")
	}
}

func (h *harness) waitCalls(t *testing.T, n int) []taskCall {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.exec.snapshot()) >= n
	}, waitFor, tick, "expected %d task dispatches", n)
	return h.exec.snapshot()
}

func singleNodeDef() *model.WorkflowDef {
	return &model.WorkflowDef{
		ID:            "wf-single",
		Version:       "1",
		InitialNodeID: "work",
		OutputMapping: []model.MappingEntry{{Target: "answer", Source: "state.doc"}},
		Nodes: map[string]*model.Node{
			"work": {
				ID:            "work",
				ActionRef:     "actions/work",
				InputMapping:  []model.MappingEntry{{Target: "query", Source: "input.query"}},
				OutputMapping: []model.MappingEntry{{Target: "state.doc", Source: "result"}},
			},
		},
		Transitions: map[string][]*model.Transition{
			"work": {{ID: "t1", SourceNodeID: "work"}},
		},
	}
}

func TestRunCompletesEndToEnd(t *testing.T) {
	def := singleNodeDef()
	h := newHarness(t, def, model.Run{ID: "run-1", DefID: def.ID, DefVersion: def.Version}, "http://unused.invalid")

	h.d.Submit(model.Command{Kind: model.CmdStart, Input: map[string]any{"query": "hello"}})

	calls := h.waitCalls(t, 1)
	require.Equal(t, "actions/work", calls[0].actionRef)
	require.Equal(t, "hello", calls[0].input["query"])

	h.d.Submit(model.Command{
		Kind:    model.CmdTaskResult,
		TokenID: calls[0].tokenID,
		Output:  map[string]any{"result": "done"},
	})
	h.waitTerminal(t)

	status, err := store.GetStatus(context.Background(), h.st.DB())
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, status.Status)
	require.Equal(t, "done", status.FinalOutput["answer"])

	last, output := h.mirror.last()
	require.Equal(t, model.RunCompleted, last)
	require.Equal(t, "done", output["answer"])
}

func TestFanOutMergesBranchOutputs(t *testing.T) {
	def := &model.WorkflowDef{
		ID:            "wf-fanout",
		Version:       "1",
		InitialNodeID: "split",
		OutputMapping: []model.MappingEntry{{Target: "results", Source: "state.results"}},
		Nodes: map[string]*model.Node{
			"split": {ID: "split"},
			"work": {
				ID:            "work",
				ActionRef:     "actions/work",
				OutputMapping: []model.MappingEntry{{Target: "state.results", Source: "value"}},
			},
			"after": {ID: "after", ActionRef: "actions/after"},
		},
		Transitions: map[string][]*model.Transition{
			"split": {{
				ID:           "t1",
				SourceNodeID: "split",
				TargetNodeID: "work",
				Spawn:        &model.SpawnClause{ForeachPath: "input.items", ItemVar: "item"},
				Sync: &model.SyncClause{
					WaitFor: model.WaitForAll,
					Merge:   &model.MergeSpec{Strategy: model.MergeAppend, TargetPath: "state.results"},
				},
			}},
			"work":  {{ID: "t2", SourceNodeID: "work", TargetNodeID: "after"}},
			"after": {{ID: "t3", SourceNodeID: "after"}},
		},
	}
	h := newHarness(t, def, model.Run{ID: "run-1", DefID: def.ID, DefVersion: def.Version}, "http://unused.invalid")

	h.d.Submit(model.Command{Kind: model.CmdStart, Input: map[string]any{"items": []any{10, 20, 30}}})

	branches := h.waitCalls(t, 3)
	for _, call := range branches {
		h.d.Submit(model.Command{
			Kind:    model.CmdTaskResult,
			TokenID: call.tokenID,
			Output:  map[string]any{"value": call.input["item"]},
		})
	}

	// The merge activates on the last arrival and the continuation reaches
	// the next action node.
	calls := h.waitCalls(t, 4)
	var afterCall taskCall
	for _, c := range calls {
		if c.nodeID == "after" {
			afterCall = c
		}
	}
	require.NotEmpty(t, afterCall.tokenID, "continuation never dispatched")

	h.d.Submit(model.Command{Kind: model.CmdTaskResult, TokenID: afterCall.tokenID, Output: nil})
	h.waitTerminal(t)

	status, err := store.GetStatus(context.Background(), h.st.DB())
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, status.Status)
	require.Equal(t, []any{float64(10), float64(20), float64(30)}, status.FinalOutput["results"])
}

func TestSubworkflowTrampolineStartsChild(t *testing.T) {
	type peerCall struct {
		path string
		body map[string]any
	}
	var (
		mu    sync.Mutex
		peers []peerCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		peers = append(peers, peerCall{path: r.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	def := &model.WorkflowDef{
		ID:            "wf-parent",
		Version:       "1",
		InitialNodeID: "child",
		Nodes: map[string]*model.Node{
			"child": {ID: "child", Subworkflow: &model.SubworkflowClause{
				DefID:         "wf-sub",
				Version:       "2",
				InputMapping:  []model.MappingEntry{{Target: "query", Source: "input.query"}},
				OutputMapping: []model.MappingEntry{{Target: "state.sub", Source: "answer"}},
			}},
		},
		Transitions: map[string][]*model.Transition{
			"child": {{ID: "t1", SourceNodeID: "child"}},
		},
	}
	h := newHarness(t, def, model.Run{ID: "run-parent", DefID: def.ID, DefVersion: def.Version}, srv.URL)

	h.d.Submit(model.Command{Kind: model.CmdStart, Input: map[string]any{"query": "q"}})

	// The start call goes through the trampoline: persisted, then drained on
	// an immediate alarm rather than issued inline.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(peers) >= 1
	}, waitFor, tick, "child start never reached the peer")

	mu.Lock()
	start := peers[0]
	mu.Unlock()
	require.Contains(t, start.path, "/start")
	require.Equal(t, "wf-sub", start.body["def_id"])
	require.Equal(t, "run-parent", start.body["parent_run_id"])
	parentTokenID, _ := start.body["parent_token_id"].(string)
	require.NotEmpty(t, parentTokenID)

	// Drained calls leave the pending queue empty.
	require.Eventually(t, func() bool {
		pending, err := store.ListPendingDispatch(context.Background(), h.st.DB())
		return err == nil && len(pending) == 0
	}, waitFor, tick)

	h.d.Submit(model.Command{
		Kind:    model.CmdSubworkflowResult,
		TokenID: parentTokenID,
		Output:  map[string]any{"answer": "from-child"},
	})
	h.waitTerminal(t)

	status, err := store.GetStatus(context.Background(), h.st.DB())
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, status.Status)

	data, err := store.GetSection(context.Background(), h.st.DB(), store.SectionState)
	require.NoError(t, err)
	require.JSONEq(t, `{"sub":"from-child"}`, string(data))
}

func TestFailedDispatchFailsRun(t *testing.T) {
	def := singleNodeDef()
	h := newHarness(t, def, model.Run{ID: "run-1", DefID: def.ID, DefVersion: def.Version}, "http://unused.invalid")
	h.exec.err = errors.New("executor unavailable")

	h.d.Submit(model.Command{Kind: model.CmdStart, Input: map[string]any{"query": "hello"}})
	h.waitTerminal(t)

	status, err := store.GetStatus(context.Background(), h.st.DB())
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, status.Status)
	require.NotNil(t, status.Error)
	require.Equal(t, model.ErrCodeInternal, status.Error.Code)

	last, _ := h.mirror.last()
	require.Equal(t, model.RunFailed, last)
}

func TestLateCommandsAfterTerminalAreDropped(t *testing.T) {
	def := singleNodeDef()
	h := newHarness(t, def, model.Run{ID: "run-1", DefID: def.ID, DefVersion: def.Version}, "http://unused.invalid")

	h.d.Submit(model.Command{Kind: model.CmdStart, Input: map[string]any{"query": "hello"}})
	calls := h.waitCalls(t, 1)
	h.d.Submit(model.Command{Kind: model.CmdTaskResult, TokenID: calls[0].tokenID, Output: map[string]any{"result": "done"}})
	h.waitTerminal(t)

	// The loop has stopped; late submissions are logged and dropped, never
	// processed against the finished run.
	h.d.Submit(model.Command{Kind: model.CmdTaskResult, TokenID: calls[0].tokenID, Output: map[string]any{"result": "late"}})

	status, err := store.GetStatus(context.Background(), h.st.DB())
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, status.Status)
	require.Equal(t, "done", status.FinalOutput["answer"])
}

func TestSubmitSpillsInsteadOfBlocking(t *testing.T) {
	// No Start: the queue fills with nothing draining it, exactly the shape
	// of effects submitting follow-ups from inside the loop.
	d := New(Opts{Run: model.Run{ID: "run-1"}, Logger: nopLogger{}})

	const extra = 40
	for i := 0; i < commandQueueSize+extra; i++ {
		d.Submit(model.Command{Kind: model.CmdTaskError, TokenID: "tok"})
	}
	require.Len(t, d.queue, commandQueueSize)
	d.mu.Lock()
	spilled := len(d.overflow)
	d.mu.Unlock()
	require.Equal(t, extra, spilled)

	// Draining the queue lets refill move spilled commands over in order.
	<-d.queue
	d.refill()
	require.Len(t, d.queue, commandQueueSize)
	d.mu.Lock()
	spilled = len(d.overflow)
	d.mu.Unlock()
	require.Equal(t, extra-1, spilled)
}
