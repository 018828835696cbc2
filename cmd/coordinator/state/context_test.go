package state

import (
	"testing"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

func snapshot() ContextSnapshot {
	return ContextSnapshot{
		Input: map[string]any{"items": []any{"a", "b"}},
		State: map[string]any{
			"user": map[string]any{"name": "ada", "tier": "gold"},
		},
		Output: map[string]any{},
	}
}

func TestSplitPath(t *testing.T) {
	cases := []struct {
		path, section, inner string
	}{
		{"state.results", "state", "results"},
		{"state.user.name", "state", "user.name"},
		{"output", "output", ""},
	}
	for _, tc := range cases {
		section, inner := SplitPath(tc.path)
		if section != tc.section || inner != tc.inner {
			t.Errorf("SplitPath(%q) = (%q, %q), want (%q, %q)", tc.path, section, inner, tc.section, tc.inner)
		}
	}
}

func TestLookup(t *testing.T) {
	snap := snapshot()

	v, ok := snap.Lookup("state.user.name")
	if !ok || v != "ada" {
		t.Fatalf("Lookup(state.user.name) = %v, %v", v, ok)
	}

	if _, ok := snap.Lookup("state.user.age"); ok {
		t.Fatal("expected miss for absent key")
	}
	if _, ok := snap.Lookup("state.user.name.deeper"); ok {
		t.Fatal("expected miss when traversing through a scalar")
	}

	v, ok = snap.Lookup("input")
	if !ok {
		t.Fatal("whole-section lookup failed")
	}
	if _, isMap := v.(map[string]any); !isMap {
		t.Fatalf("whole-section lookup returned %T", v)
	}
}

func TestWithValueDoesNotMutateOriginal(t *testing.T) {
	snap := snapshot()
	updated := snap.WithValue("state.user.name", "grace")

	if v, _ := updated.Lookup("state.user.name"); v != "grace" {
		t.Fatalf("overlay missing: %v", v)
	}
	if v, _ := snap.Lookup("state.user.name"); v != "ada" {
		t.Fatalf("original mutated: %v", v)
	}
	// Untouched sibling keys survive the copy.
	if v, _ := updated.Lookup("state.user.tier"); v != "gold" {
		t.Fatalf("sibling key lost: %v", v)
	}
}

func TestWithValueCreatesIntermediateMaps(t *testing.T) {
	snap := snapshot()
	updated := snap.WithValue("output.report.total", 3)

	if v, _ := updated.Lookup("output.report.total"); v != 3 {
		t.Fatalf("nested write missing: %v", v)
	}
}

func TestCountVisits(t *testing.T) {
	s := &WorkflowState{Tokens: map[string]*model.Token{
		"t1": {ID: "t1", NodeID: "loop", PathID: "root"},
		"t2": {ID: "t2", NodeID: "loop", PathID: "root"},
		"t3": {ID: "t3", NodeID: "loop", PathID: "root.tr1.0"},
		"t4": {ID: "t4", NodeID: "loop", PathID: "other"},
		"t5": {ID: "t5", NodeID: "elsewhere", PathID: "root"},
	}}

	if n := s.CountVisits("loop", "root"); n != 3 {
		t.Fatalf("CountVisits lineage = %d, want 3", n)
	}
	if n := s.CountVisits("loop", "other"); n != 1 {
		t.Fatalf("CountVisits disjoint = %d, want 1", n)
	}
}

func TestTransitionsGroupedByPriority(t *testing.T) {
	s := &WorkflowState{Def: &model.WorkflowDef{
		Transitions: map[string][]*model.Transition{
			"a": {
				{ID: "t1", Priority: 1},
				{ID: "t2", Priority: 2},
				{ID: "t3", Priority: 1},
				{ID: "t4", Priority: 0},
			},
		},
	}}

	tiers := s.Transitions("a")
	if len(tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(tiers))
	}
	if tiers[0][0].ID != "t4" {
		t.Fatalf("lowest priority first, got %s", tiers[0][0].ID)
	}
	if len(tiers[1]) != 2 || tiers[1][0].ID != "t1" || tiers[1][1].ID != "t3" {
		t.Fatalf("tier 1 order wrong: %v", tiers[1])
	}
}

func TestSiblingTokensOrderedByBranchIndex(t *testing.T) {
	s := &WorkflowState{Tokens: map[string]*model.Token{
		"a": {ID: "a", SiblingGroup: "g", BranchIndex: 2},
		"b": {ID: "b", SiblingGroup: "g", BranchIndex: 0},
		"c": {ID: "c", SiblingGroup: "g", BranchIndex: 1},
		"d": {ID: "d", SiblingGroup: "other", BranchIndex: 0},
	}}

	sibs := s.SiblingTokens("g")
	if len(sibs) != 3 {
		t.Fatalf("expected 3 siblings, got %d", len(sibs))
	}
	for i, tok := range sibs {
		if tok.BranchIndex != i {
			t.Fatalf("sibling %d has branch index %d", i, tok.BranchIndex)
		}
	}
}
