// Package guards evaluates lender-authored CEL expressions over a loan.
package guards

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// costLimit caps the work a single guard may do
const costLimit = 1_000_000

// NewEnv creates the CEL environment guards compile against.
// Both variables are dynamic maps built by Facts.
func NewEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("loan", cel.DynType),
		cel.Variable("usage", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

type compiledGuard struct {
	guard   *Guard
	program cel.Program
}

// Engine holds the compiled active guards of one lender
// Thread-safe for concurrent evaluation and mutation
type Engine struct {
	env      *cel.Env
	store    GuardStore
	lenderID string
	compiled []compiledGuard
	mu       sync.RWMutex
}

// NewEngine creates an engine for lenderID and compiles its active guards
func NewEngine(ctx context.Context, env *cel.Env, store GuardStore, lenderID string) (*Engine, error) {
	en := &Engine{
		env:      env,
		store:    store,
		lenderID: lenderID,
	}
	if err := en.Reload(ctx); err != nil {
		return nil, err
	}
	return en, nil
}

// Compile compiles an expression to a CEL program. The expression must
// type-check to bool or dyn.
func (en *Engine) Compile(expression string) (cel.Program, error) {
	ast, issues := en.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile error: %v", ErrInvalidGuard, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: expression must be boolean, got %s", ErrInvalidGuard, out)
	}

	prog, err := en.env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: program creation error: %v", ErrInvalidGuard, err)
	}
	return prog, nil
}

// Reload recompiles the lender's active guards from the store and swaps
// them in. A guard that no longer compiles fails the whole reload.
func (en *Engine) Reload(ctx context.Context) error {
	active, err := en.store.ListActive(ctx, en.lenderID)
	if err != nil {
		return err
	}

	compiled := make([]compiledGuard, 0, len(active))
	for _, g := range active {
		prog, err := en.Compile(g.Expression)
		if err != nil {
			return fmt.Errorf("failed to compile guard %s: %w", g.ID, err)
		}
		compiled = append(compiled, compiledGuard{guard: g, program: prog})
	}

	en.mu.Lock()
	en.compiled = compiled
	en.mu.Unlock()
	return nil
}

// AddGuard validates, compiles and stores a new guard
func (en *Engine) AddGuard(ctx context.Context, g *Guard) error {
	g.LenderID = en.lenderID
	if err := Validate(g); err != nil {
		return err
	}
	prog, err := en.Compile(g.Expression)
	if err != nil {
		return err
	}

	existing, err := en.store.List(ctx, en.lenderID)
	if err != nil {
		return err
	}
	if len(existing) >= MaxGuardsPerLender {
		return fmt.Errorf("%w: lender %s already has %d guards", ErrInvalidGuard, en.lenderID, len(existing))
	}

	if err := en.store.Add(ctx, g); err != nil {
		return err
	}

	if g.Active {
		en.mu.Lock()
		en.compiled = append(en.compiled, compiledGuard{guard: g, program: prog})
		en.mu.Unlock()
	}
	return nil
}

// UpdateGuard validates the new expression, stores it and reloads
func (en *Engine) UpdateGuard(ctx context.Context, g *Guard) error {
	existing, err := en.store.Get(ctx, g.ID)
	if err != nil {
		return err
	}
	if existing.LenderID != en.lenderID {
		return fmt.Errorf("guard %s: %w", g.ID, ErrNotFound)
	}

	g.LenderID = en.lenderID
	if err := Validate(g); err != nil {
		return err
	}
	if _, err := en.Compile(g.Expression); err != nil {
		return err
	}
	if err := en.store.Update(ctx, g); err != nil {
		return err
	}
	return en.Reload(ctx)
}

// DeleteGuard removes a guard from the store and the compiled set
func (en *Engine) DeleteGuard(ctx context.Context, id string) error {
	g, err := en.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if g.LenderID != en.lenderID {
		return fmt.Errorf("guard %s: %w", id, ErrNotFound)
	}
	if err := en.store.Delete(ctx, id); err != nil {
		return err
	}

	en.mu.Lock()
	kept := en.compiled[:0:0]
	for _, c := range en.compiled {
		if c.guard.ID != id {
			kept = append(kept, c)
		}
	}
	en.compiled = kept
	en.mu.Unlock()
	return nil
}

// Len returns the number of compiled active guards
func (en *Engine) Len() int {
	en.mu.RLock()
	defer en.mu.RUnlock()
	return len(en.compiled)
}

// EvaluateAll runs every active guard against facts. Evaluation errors and
// non-boolean results are captured per guard and do not stop the loop.
func (en *Engine) EvaluateAll(facts map[string]any) []*Result {
	en.mu.RLock()
	compiled := en.compiled
	en.mu.RUnlock()

	results := make([]*Result, 0, len(compiled))
	for _, c := range compiled {
		res := &Result{GuardID: c.guard.ID, Name: c.guard.Name}

		out, details, err := c.program.Eval(facts)
		if details != nil {
			res.Trace = details.State()
		}
		if err != nil {
			res.Error = err
			results = append(results, res)
			continue
		}

		passed, ok := out.Value().(bool)
		if !ok {
			res.Error = fmt.Errorf("guard %s returned %T, want bool", c.guard.Name, out.Value())
		}
		res.Passed = passed
		results = append(results, res)
	}
	return results
}
