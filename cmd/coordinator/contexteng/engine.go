// Package contexteng owns the workflow context documents: the shared input,
// state and output sections plus the per-branch isolation tables. All writes
// go through mapping entries and are validated against the definition's
// section schemas before they land.
package contexteng

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
	"github.com/ronkeiser/wonder/cmd/coordinator/state"
	"github.com/ronkeiser/wonder/cmd/coordinator/store"
	"github.com/ronkeiser/wonder/common/schema"
)

// Engine validates and applies context writes for one workflow definition
type Engine struct {
	input  *schema.Validator
	state  *schema.Validator
	output *schema.Validator
}

// New compiles the definition's section schemas. Missing schemas accept
// everything.
func New(def *model.WorkflowDef) (*Engine, error) {
	in, err := schema.Compile("input", def.InputSchema)
	if err != nil {
		return nil, err
	}
	st, err := schema.Compile("state", def.StateSchema)
	if err != nil {
		return nil, err
	}
	out, err := schema.Compile("output", def.OutputSchema)
	if err != nil {
		return nil, err
	}
	return &Engine{input: in, state: st, output: out}, nil
}

// ValidateInput checks a start payload against the input schema without
// touching the store. Planning rejects bad input before any state exists.
func (e *Engine) ValidateInput(doc map[string]any) error {
	if err := e.input.Validate(anyDoc(doc)); err != nil {
		return fmt.Errorf("input schema: %w", err)
	}
	return nil
}

// ValidateOutput checks an extracted final output against the output schema
func (e *Engine) ValidateOutput(doc map[string]any) error {
	if err := e.output.Validate(anyDoc(doc)); err != nil {
		return fmt.Errorf("output schema: %w", err)
	}
	return nil
}

// WriteInput validates and persists the input section
func (e *Engine) WriteInput(ctx context.Context, q store.DBTX, input map[string]any) error {
	if err := e.ValidateInput(input); err != nil {
		return err
	}
	data, err := json.Marshal(orEmpty(input))
	if err != nil {
		return fmt.Errorf("marshal input section: %w", err)
	}
	return store.PutSection(ctx, q, store.SectionInput, data)
}

// SetField writes one value at a dotted context path, validating the
// resulting section document against its schema.
func (e *Engine) SetField(ctx context.Context, q store.DBTX, path string, value any) error {
	section, inner := state.SplitPath(path)
	validator, err := e.validatorFor(section)
	if err != nil {
		return err
	}

	doc, err := store.GetSection(ctx, q, section)
	if err != nil {
		return err
	}

	var updated []byte
	if inner == "" {
		if updated, err = json.Marshal(value); err != nil {
			return fmt.Errorf("marshal section %s: %w", section, err)
		}
		if !gjson.ValidBytes(updated) || !gjson.ParseBytes(updated).IsObject() {
			return fmt.Errorf("section %s must be a JSON object", section)
		}
	} else {
		if updated, err = sjson.SetBytes(doc, inner, value); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}

	if err := validator.ValidateBytes(updated); err != nil {
		return fmt.Errorf("%s schema after write to %s: %w", section, path, err)
	}
	return store.PutSection(ctx, q, section, updated)
}

// ApplyOutputMapping writes task output into the shared context. Each entry's
// source is resolved against the task output document; a source of "." or ""
// selects the whole output.
func (e *Engine) ApplyOutputMapping(ctx context.Context, q store.DBTX, entries []model.MappingEntry, output map[string]any) error {
	doc, err := json.Marshal(orEmpty(output))
	if err != nil {
		return fmt.Errorf("marshal task output: %w", err)
	}
	for _, entry := range entries {
		value, ok := ExtractSource(doc, entry.Source)
		if !ok {
			continue
		}
		if err := e.SetField(ctx, q, entry.Target, value); err != nil {
			return err
		}
	}
	return nil
}

// ApplyBranchOutput writes a sibling's mapped output into its isolated branch
// table instead of the shared context. The branch document is flat: full
// target path to mapped value.
func (e *Engine) ApplyBranchOutput(ctx context.Context, q store.DBTX, tokenID string, entries []model.MappingEntry, output map[string]any) error {
	doc, err := json.Marshal(orEmpty(output))
	if err != nil {
		return fmt.Errorf("marshal task output: %w", err)
	}

	branchDoc := map[string]any{}
	for _, entry := range entries {
		if value, ok := ExtractSource(doc, entry.Source); ok {
			branchDoc[entry.Target] = value
		}
	}

	data, err := json.Marshal(branchDoc)
	if err != nil {
		return fmt.Errorf("marshal branch output: %w", err)
	}
	return store.PutBranchOutput(ctx, q, tokenID, data)
}

// BranchRef names one arrived sibling for merge
type BranchRef struct {
	TokenID     string
	BranchIndex int
}

// MergeBranches reads arrived branch outputs in branch_index order, combines
// them per the merge spec and writes the result at the target path. Branches
// whose tables hold no value for the target path are skipped, which is how
// proceed_with_available and abandoned branches fall out.
func (e *Engine) MergeBranches(ctx context.Context, q store.DBTX, refs []BranchRef, spec model.MergeSpec) (any, error) {
	var (
		values  []any
		indices []int
	)
	for _, ref := range refs {
		data, found, err := store.GetBranchOutput(ctx, q, ref.TokenID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var branchDoc map[string]any
		if err := json.Unmarshal(data, &branchDoc); err != nil {
			return nil, fmt.Errorf("unmarshal branch output for %s: %w", ref.TokenID, err)
		}
		value, ok := branchDoc[spec.TargetPath]
		if !ok {
			continue
		}
		values = append(values, value)
		indices = append(indices, ref.BranchIndex)
	}

	merged, err := Merge(values, indices, spec.Strategy)
	if err != nil {
		return nil, err
	}
	if err := e.SetField(ctx, q, spec.TargetPath, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// ExtractSource resolves a mapping source path against a JSON document. A
// source of "." or "" selects the whole document.
func ExtractSource(doc []byte, source string) (any, bool) {
	if source == "" || source == "." {
		var whole any
		if err := json.Unmarshal(doc, &whole); err != nil {
			return nil, false
		}
		return whole, true
	}
	res := gjson.GetBytes(doc, strings.TrimPrefix(source, "."))
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

func (e *Engine) validatorFor(section string) (*schema.Validator, error) {
	switch section {
	case store.SectionInput:
		return e.input, nil
	case store.SectionState:
		return e.state, nil
	case store.SectionOutput:
		return e.output, nil
	}
	return nil, fmt.Errorf("unknown context section %q", section)
}

func anyDoc(m map[string]any) any {
	return map[string]any(orEmpty(m))
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
