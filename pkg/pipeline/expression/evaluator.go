// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package expression evaluates condition expressions and template
// substitutions in pipeline definitions.
//
// Conditions (job and step 'if' fields) are expr expressions evaluated
// against a context holding inputs, matrix values, environment, and the
// results of needed jobs. Templates are strings containing ${{ ... }}
// segments that are replaced with evaluated values.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/forge/pkg/errors"
)

// Evaluator evaluates condition expressions against a run context.
// It caches compiled expressions for repeated evaluations across matrix cells.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates a condition expression against the given context.
// Returns the boolean result or an error if evaluation fails.
//
// The context should contain:
//   - inputs: map of dispatch input values
//   - matrix: map of this cell's matrix values
//   - needs: map of needed job results keyed by job ID
//   - env: map of environment variables
//
// Example:
//
//	ctx := map[string]interface{}{
//	    "inputs": map[string]interface{}{"tag": "v1.2.3"},
//	    "matrix": map[string]interface{}{"python_version": "3.11"},
//	}
//	result, err := eval.Evaluate(`matrix.python_version == "3.11"`, ctx)
func (e *Evaluator) Evaluate(expression string, ctx map[string]interface{}) (bool, error) {
	if expression == "" {
		return true, nil // Empty expression defaults to true
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "if",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	evalCtx := withBuiltins(ctx)

	result, err := expr.Run(program, evalCtx)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "if",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced variables exist in the run context",
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "if",
			Message:    fmt.Sprintf("expression must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >, etc.) or boolean functions",
		}
	}

	return boolResult, nil
}

// EvaluateValue evaluates an expression and returns its raw value.
// Used for template substitution where the result may be any type.
func (e *Evaluator) EvaluateValue(expression string, ctx map[string]interface{}) (interface{}, error) {
	program, err := e.compileValue(expression)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax",
		}
	}

	result, err := expr.Run(program, withBuiltins(ctx))
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("expression evaluation failed: %s", err.Error()),
		}
	}
	return result, nil
}

// compile compiles a boolean expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	key := "bool:" + expression

	e.mu.RLock()
	if prog, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression,
		expr.Env(builtinEnv()),
		// The full context is supplied at runtime
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[key] = prog
	e.mu.Unlock()

	return prog, nil
}

// compileValue compiles a value expression and caches the result.
func (e *Evaluator) compileValue(expression string) (*vm.Program, error) {
	key := "value:" + expression

	e.mu.RLock()
	if prog, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression,
		expr.Env(builtinEnv()),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[key] = prog
	e.mu.Unlock()

	return prog, nil
}
