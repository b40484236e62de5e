package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates boolean rule expressions against an environment.
type Evaluator interface {
	Evaluate(expression string, env map[string]any) (bool, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr. Compiled programs
// are cached per expression.
type ExprEvaluator struct {
	cache   map[string]*vm.Program
	mu      sync.RWMutex
	derived map[string]func(env map[string]any) any
}

// NewExprEvaluator creates a new ExprEvaluator with an empty cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:   make(map[string]*vm.Program),
		derived: make(map[string]func(map[string]any) any),
	}
}

// AddDerived registers a variable computed from the environment at evaluation
// time.
func (e *ExprEvaluator) AddDerived(name string, f func(env map[string]any) any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.derived[name] = f
}

// Evaluate runs expression against env. Undefined variables evaluate to nil,
// and a nil result counts as false. Any other non-boolean result is an error.
// env is never modified.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	scope := e.scope(env)

	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, err
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// CacheSize returns the number of compiled expressions.
func (e *ExprEvaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func (e *ExprEvaluator) scope(env map[string]any) map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	scope := make(map[string]any, len(env)+len(e.derived))
	for k, v := range env {
		scope[k] = v
	}
	for name, f := range e.derived {
		scope[name] = f(env)
	}
	return scope
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}
