package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testToken(id string) *model.Token {
	now := time.Now().UTC()
	return &model.Token{
		ID:          id,
		NodeID:      "node_a",
		Status:      model.TokenPending,
		BranchIndex: 0,
		BranchTotal: 1,
		PathID:      "root",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestTokenRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tok := testToken("tok-1")
	tok.SiblingGroup = "root.tr1"
	tok.FanOutTransitionID = "tr1"
	tok.BranchIndex = 2
	tok.BranchTotal = 5
	require.NoError(t, InsertToken(ctx, s.DB(), tok))

	got, err := GetToken(ctx, s.DB(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, tok.NodeID, got.NodeID)
	require.Equal(t, model.TokenPending, got.Status)
	require.Equal(t, "root.tr1", got.SiblingGroup)
	require.Equal(t, "tr1", got.FanOutTransitionID)
	require.Equal(t, 2, got.BranchIndex)
	require.Equal(t, 5, got.BranchTotal)
	require.Nil(t, got.CompletedAt)
}

func TestGetTokenNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := GetToken(context.Background(), s.DB(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTokenStatusSetsCompletedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, InsertToken(ctx, s.DB(), testToken("tok-1")))
	require.NoError(t, UpdateTokenStatus(ctx, s.DB(), "tok-1", model.TokenDispatched, now))

	got, err := GetToken(ctx, s.DB(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, model.TokenDispatched, got.Status)
	require.Nil(t, got.CompletedAt)

	require.NoError(t, UpdateTokenStatus(ctx, s.DB(), "tok-1", model.TokenCancelled, now))
	got, err = GetToken(ctx, s.DB(), "tok-1")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)

	require.ErrorIs(t, UpdateTokenStatus(ctx, s.DB(), "missing", model.TokenCancelled, now), ErrNotFound)
}

func TestListTokensOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"tok-b", "tok-a", "tok-c"} {
		tok := testToken(id)
		tok.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		tok.UpdatedAt = tok.CreatedAt
		require.NoError(t, InsertToken(ctx, s.DB(), tok))
	}

	tokens, err := ListTokens(ctx, s.DB())
	require.NoError(t, err)
	require.Len(t, tokens, 3)
	require.Equal(t, "tok-b", tokens[0].ID)
	require.Equal(t, "tok-c", tokens[2].ID)
}

func TestFanInCreationIsExactlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := &model.FanIn{SiblingGroup: "root.tr1", FanInNodeID: "merge", WaitFor: model.WaitForAll, Total: 3}

	created, err := TryCreateFanIn(ctx, s.DB(), f)
	require.NoError(t, err)
	require.True(t, created)

	created, err = TryCreateFanIn(ctx, s.DB(), f)
	require.NoError(t, err)
	require.False(t, created, "second create must be a no-op")

	fanIns, err := ListFanIns(ctx, s.DB())
	require.NoError(t, err)
	require.Len(t, fanIns, 1)
	require.Equal(t, 3, fanIns[0].Total)
}

func TestFanInSingleActivation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f := &model.FanIn{SiblingGroup: "root.tr1", FanInNodeID: "merge", WaitFor: model.WaitForAny, Total: 3}
	_, err := TryCreateFanIn(ctx, s.DB(), f)
	require.NoError(t, err)

	require.NoError(t, RecordFanInArrival(ctx, s.DB(), "root.tr1", "merge"))

	activated, err := ActivateFanIn(ctx, s.DB(), "root.tr1", "merge", "merged-1", now, false)
	require.NoError(t, err)
	require.True(t, activated)

	activated, err = ActivateFanIn(ctx, s.DB(), "root.tr1", "merge", "merged-2", now, false)
	require.NoError(t, err)
	require.False(t, activated, "activation must fire at most once")

	fanIns, err := ListFanIns(ctx, s.DB())
	require.NoError(t, err)
	require.True(t, fanIns[0].Activated())
	require.Equal(t, "merged-1", fanIns[0].MergedTokenID)
	require.Equal(t, 1, fanIns[0].ArrivedCount)
}

func TestFanInLateMergeReactivates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f := &model.FanIn{SiblingGroup: "g", FanInNodeID: "merge", WaitFor: model.WaitForAny, Total: 2}
	_, err := TryCreateFanIn(ctx, s.DB(), f)
	require.NoError(t, err)

	activated, err := ActivateFanIn(ctx, s.DB(), "g", "merge", "m1", now, false)
	require.NoError(t, err)
	require.True(t, activated)

	activated, err = ActivateFanIn(ctx, s.DB(), "g", "merge", "m1", now.Add(time.Second), true)
	require.NoError(t, err)
	require.True(t, activated, "allow_late_merge drops the single-activation guard")
}

func TestRecordFanInArrivalMissingRecord(t *testing.T) {
	s := openTestStore(t)
	err := RecordFanInArrival(context.Background(), s.DB(), "nope", "merge")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBranchTableLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Never-created table reads as absent.
	_, ok, err := GetBranchOutput(ctx, s.DB(), "tok-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, InitBranchTable(ctx, s.DB(), "tok-1"))
	exists, err := BranchTableExists(ctx, s.DB(), "tok-1")
	require.NoError(t, err)
	require.True(t, exists)

	// Created but unwritten still reads as absent.
	_, ok, err = GetBranchOutput(ctx, s.DB(), "tok-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, PutBranchOutput(ctx, s.DB(), "tok-1", []byte(`{"state.results":1}`)))
	data, ok, err := GetBranchOutput(ctx, s.DB(), "tok-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"state.results":1}`, string(data))

	// Rewrite replaces the single row.
	require.NoError(t, PutBranchOutput(ctx, s.DB(), "tok-1", []byte(`{"state.results":2}`)))
	data, _, err = GetBranchOutput(ctx, s.DB(), "tok-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"state.results":2}`, string(data))

	require.NoError(t, DropBranchTable(ctx, s.DB(), "tok-1"))
	exists, err = BranchTableExists(ctx, s.DB(), "tok-1")
	require.NoError(t, err)
	require.False(t, exists)
	_, ok, err = GetBranchOutput(ctx, s.DB(), "tok-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestContextSections(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	data, err := GetSection(ctx, s.DB(), SectionState)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(data))

	require.NoError(t, PutSection(ctx, s.DB(), SectionState, []byte(`{"x":1}`)))
	require.NoError(t, PutSection(ctx, s.DB(), SectionState, []byte(`{"x":2}`)))

	data, err = GetSection(ctx, s.DB(), SectionState)
	require.NoError(t, err)
	require.JSONEq(t, `{"x":2}`, string(data))
}

func TestWorkflowStatusLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := GetStatus(ctx, s.DB())
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, InitStatus(ctx, s.DB(), model.RunRunning, now))
	// Re-init keeps the existing row.
	require.NoError(t, InitStatus(ctx, s.DB(), model.RunFailed, now))

	st, err := GetStatus(ctx, s.DB())
	require.NoError(t, err)
	require.Equal(t, model.RunRunning, st.Status)

	werr := &model.WorkflowError{Code: "task_failed", Message: "boom", NodeID: "n1"}
	require.NoError(t, SetStatus(ctx, s.DB(), model.RunFailed, nil, werr, now))

	st, err = GetStatus(ctx, s.DB())
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, st.Status)
	require.NotNil(t, st.Error)
	require.Equal(t, "task_failed", st.Error.Code)

	require.NoError(t, SetStatus(ctx, s.DB(), model.RunCompleted, map[string]any{"n": float64(3)}, nil, now))
	st, err = GetStatus(ctx, s.DB())
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, st.Status)
	require.Equal(t, map[string]any{"n": float64(3)}, st.FinalOutput)
	// COALESCE keeps the previously written error.
	require.NotNil(t, st.Error)
}

func TestPendingDispatchQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"pd-1", "pd-2"} {
		require.NoError(t, EnqueuePendingDispatch(ctx, s.DB(), &PendingDispatch{
			ID:        id,
			Kind:      "notify_parent",
			Payload:   []byte(`{"child_run_id":"c1"}`),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	pending, err := ListPendingDispatch(ctx, s.DB())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "pd-1", pending[0].ID)

	require.NoError(t, DeletePendingDispatch(ctx, s.DB(), "pd-1"))
	pending, err = ListPendingDispatch(ctx, s.DB())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "pd-2", pending[0].ID)
}

func TestSubworkflowRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &model.SubworkflowRecord{
		ParentTokenID: "tok-1",
		ChildRunID:    "run-child",
		InputMapping:  []model.MappingEntry{{Target: "query", Source: "input.q"}},
		OutputMapping: []model.MappingEntry{{Target: "state.answer", Source: "answer"}},
		OnFailure:     model.OnFailureCatch,
	}
	require.NoError(t, InsertSubworkflow(ctx, s.DB(), rec))

	recs, err := ListSubworkflows(ctx, s.DB())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "run-child", recs[0].ChildRunID)
	require.Equal(t, model.OnFailureCatch, recs[0].OnFailure)
	require.Len(t, recs[0].InputMapping, 1)
	require.Equal(t, "input.q", recs[0].InputMapping[0].Source)
}

func TestTransactionRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, InsertToken(ctx, tx, testToken("tok-1")))
	require.NoError(t, tx.Rollback())

	_, err = GetToken(ctx, s.DB(), "tok-1")
	require.ErrorIs(t, err, ErrNotFound)
}
