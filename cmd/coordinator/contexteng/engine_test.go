package contexteng

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
	"github.com/ronkeiser/wonder/cmd/coordinator/store"
)

func testEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	def := &model.WorkflowDef{
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["query"],
			"properties": {"query": {"type": "string"}}
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"answer": {"type": "string"}}
		}`),
	}
	engine, err := New(def)
	require.NoError(t, err)

	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return engine, s
}

func TestValidateInput(t *testing.T) {
	engine, _ := testEngine(t)

	require.NoError(t, engine.ValidateInput(map[string]any{"query": "hello"}))
	require.Error(t, engine.ValidateInput(map[string]any{"query": 42}))
	require.Error(t, engine.ValidateInput(nil), "required field missing")
}

func TestWriteInputPersists(t *testing.T) {
	engine, s := testEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.WriteInput(ctx, s.DB(), map[string]any{"query": "hello"}))

	data, err := store.GetSection(ctx, s.DB(), store.SectionInput)
	require.NoError(t, err)
	require.JSONEq(t, `{"query":"hello"}`, string(data))
}

func TestSetFieldNestedPath(t *testing.T) {
	engine, s := testEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.SetField(ctx, s.DB(), "state.user.name", "ada"))
	require.NoError(t, engine.SetField(ctx, s.DB(), "state.user.tier", "gold"))

	data, err := store.GetSection(ctx, s.DB(), store.SectionState)
	require.NoError(t, err)
	require.JSONEq(t, `{"user":{"name":"ada","tier":"gold"}}`, string(data))
}

func TestSetFieldWholeSectionMustBeObject(t *testing.T) {
	engine, s := testEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.SetField(ctx, s.DB(), "state", map[string]any{"x": 1}))
	require.Error(t, engine.SetField(ctx, s.DB(), "state", []any{"not", "an", "object"}))
	require.Error(t, engine.SetField(ctx, s.DB(), "bogus.path", 1))
}

func TestSetFieldRejectsSchemaViolation(t *testing.T) {
	engine, s := testEngine(t)
	ctx := context.Background()

	err := engine.SetField(ctx, s.DB(), "output.answer", 42)
	require.Error(t, err, "output.answer must be a string")

	// The failed write must not land.
	data, err2 := store.GetSection(ctx, s.DB(), store.SectionOutput)
	require.NoError(t, err2)
	require.JSONEq(t, `{}`, string(data))
}

func TestApplyOutputMapping(t *testing.T) {
	engine, s := testEngine(t)
	ctx := context.Background()

	entries := []model.MappingEntry{
		{Target: "state.summary", Source: "result.text"},
		{Target: "state.full", Source: "."},
		{Target: "state.absent", Source: "result.missing"},
	}
	output := map[string]any{"result": map[string]any{"text": "ok"}}
	require.NoError(t, engine.ApplyOutputMapping(ctx, s.DB(), entries, output))

	data, err := store.GetSection(ctx, s.DB(), store.SectionState)
	require.NoError(t, err)
	require.JSONEq(t, `{"summary":"ok","full":{"result":{"text":"ok"}}}`, string(data))
}

func TestApplyBranchOutputIsolatesWrites(t *testing.T) {
	engine, s := testEngine(t)
	ctx := context.Background()

	require.NoError(t, store.InitBranchTable(ctx, s.DB(), "tok-1"))
	entries := []model.MappingEntry{{Target: "state.results", Source: "value"}}
	require.NoError(t, engine.ApplyBranchOutput(ctx, s.DB(), "tok-1", entries, map[string]any{"value": 7}))

	// Shared context untouched.
	data, err := store.GetSection(ctx, s.DB(), store.SectionState)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(data))

	branch, found, err := store.GetBranchOutput(ctx, s.DB(), "tok-1")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"state.results":7}`, string(branch))
}

func TestMergeBranchesAppend(t *testing.T) {
	engine, s := testEngine(t)
	ctx := context.Background()
	spec := model.MergeSpec{Strategy: model.MergeAppend, TargetPath: "state.results"}
	entries := []model.MappingEntry{{Target: "state.results", Source: "value"}}

	for i, tok := range []string{"tok-0", "tok-1", "tok-2"} {
		require.NoError(t, store.InitBranchTable(ctx, s.DB(), tok))
		require.NoError(t, engine.ApplyBranchOutput(ctx, s.DB(), tok, entries, map[string]any{"value": i * 10}))
	}

	// Refs arrive in branch_index order; values follow it.
	merged, err := engine.MergeBranches(ctx, s.DB(), []BranchRef{
		{TokenID: "tok-0", BranchIndex: 0},
		{TokenID: "tok-1", BranchIndex: 1},
		{TokenID: "tok-2", BranchIndex: 2},
	}, spec)
	require.NoError(t, err)
	require.Equal(t, []any{float64(0), float64(10), float64(20)}, merged)

	data, err := store.GetSection(ctx, s.DB(), store.SectionState)
	require.NoError(t, err)
	require.JSONEq(t, `{"results":[0,10,20]}`, string(data))
}

func TestMergeBranchesSkipsAbsentBranches(t *testing.T) {
	engine, s := testEngine(t)
	ctx := context.Background()
	spec := model.MergeSpec{Strategy: model.MergeKeyedByBranch, TargetPath: "state.results"}
	entries := []model.MappingEntry{{Target: "state.results", Source: "value"}}

	require.NoError(t, store.InitBranchTable(ctx, s.DB(), "tok-0"))
	require.NoError(t, engine.ApplyBranchOutput(ctx, s.DB(), "tok-0", entries, map[string]any{"value": "a"}))
	require.NoError(t, store.InitBranchTable(ctx, s.DB(), "tok-2"))
	require.NoError(t, engine.ApplyBranchOutput(ctx, s.DB(), "tok-2", entries, map[string]any{"value": "c"}))

	// tok-1 never arrived; its table does not exist.
	merged, err := engine.MergeBranches(ctx, s.DB(), []BranchRef{
		{TokenID: "tok-0", BranchIndex: 0},
		{TokenID: "tok-1", BranchIndex: 1},
		{TokenID: "tok-2", BranchIndex: 2},
	}, spec)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"0": "a", "2": "c"}, merged)
}
