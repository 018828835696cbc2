package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ronkeiser/wonder/cmd/coordinator/defcache"
	"github.com/ronkeiser/wonder/cmd/coordinator/model"
	"github.com/ronkeiser/wonder/cmd/coordinator/state"
	"github.com/ronkeiser/wonder/cmd/coordinator/store"
)

// Loader snapshots the local store into an immutable WorkflowState at
// command entry. Planning reads the snapshot and never calls back into the
// store.
type Loader struct {
	defs *defcache.Cache
}

// NewLoader creates a state loader backed by the definition cache
func NewLoader(defs *defcache.Cache) *Loader {
	return &Loader{defs: defs}
}

// Load reads the full run state plus the referenced definition
func (l *Loader) Load(ctx context.Context, q store.DBTX, run model.Run, now time.Time) (*state.WorkflowState, error) {
	def, err := l.defs.Get(ctx, run.DefID, run.DefVersion)
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}

	s := &state.WorkflowState{
		Run:          run,
		Def:          def,
		Tokens:       map[string]*model.Token{},
		FanIns:       map[state.FanInKey]*model.FanIn{},
		Subworkflows: map[string]*model.SubworkflowRecord{},
		Now:          now,
	}

	status, err := store.GetStatus(ctx, q)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Fresh store; the run has not started yet.
	case err != nil:
		return nil, err
	default:
		s.Status = *status
	}

	tokens, err := store.ListTokens(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, tok := range tokens {
		s.Tokens[tok.ID] = tok
	}

	fanIns, err := store.ListFanIns(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, fi := range fanIns {
		s.FanIns[state.FanInKey{SiblingGroup: fi.SiblingGroup, FanInNodeID: fi.FanInNodeID}] = fi
	}

	subs, err := store.ListSubworkflows(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, rec := range subs {
		s.Subworkflows[rec.ParentTokenID] = rec
	}

	if s.Context, err = loadContext(ctx, q); err != nil {
		return nil, err
	}
	return s, nil
}

func loadContext(ctx context.Context, q store.DBTX) (state.ContextSnapshot, error) {
	var snap state.ContextSnapshot
	sections := []struct {
		name string
		dst  *map[string]any
	}{
		{store.SectionInput, &snap.Input},
		{store.SectionState, &snap.State},
		{store.SectionOutput, &snap.Output},
	}
	for _, sec := range sections {
		data, err := store.GetSection(ctx, q, sec.name)
		if err != nil {
			return snap, err
		}
		if err := json.Unmarshal(data, sec.dst); err != nil {
			return snap, fmt.Errorf("unmarshal %s section: %w", sec.name, err)
		}
	}
	return snap, nil
}
