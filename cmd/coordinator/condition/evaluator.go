package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator evaluates transition conditions using CEL (Common Expression
// Language). Condition strings are opaque to the planner; this is the
// supplied predicate evaluator.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// Vars is the variable environment a condition sees
type Vars struct {
	Input  map[string]any
	State  map[string]any
	Output map[string]any
	Error  map[string]any // set when routing a failed token
}

// NewEvaluator creates a new condition evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// Evaluate evaluates a condition expression against the context snapshot.
// An empty expression is always true.
func (e *Evaluator) Evaluate(expr string, vars Vars) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	// Convert JSONPath-style $.field to CEL state.field for compatibility,
	// so workflows may write $.approved instead of state.approved.
	normalizedExpr := strings.ReplaceAll(expr, "$.", "state.")

	e.mu.RLock()
	prg, exists := e.cache[normalizedExpr]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(normalizedExpr)
		if err != nil {
			return false, err
		}

		e.mu.Lock()
		e.cache[normalizedExpr] = prg
		e.mu.Unlock()
	}

	activation := map[string]any{
		"input":  orEmpty(vars.Input),
		"state":  orEmpty(vars.State),
		"output": orEmpty(vars.Output),
		"error":  orEmpty(vars.Error),
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}

	return result, nil
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("state", cel.DynType),
		cel.Variable("output", cel.DynType),
		cel.Variable("error", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return prg, nil
}

// Check compiles an expression without evaluating it, caching the program.
// An empty expression is valid.
func (e *Evaluator) Check(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	normalizedExpr := strings.ReplaceAll(expr, "$.", "state.")

	e.mu.RLock()
	_, exists := e.cache[normalizedExpr]
	e.mu.RUnlock()
	if exists {
		return nil
	}

	prg, err := e.compile(normalizedExpr)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cache[normalizedExpr] = prg
	e.mu.Unlock()
	return nil
}

// ClearCache clears the compiled expression cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
