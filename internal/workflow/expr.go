// Copyright 2025 Ryan McCoy
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

package workflow

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// Evaluator evaluates step predicates against a workflow run's
// environment. Compiled programs are cached; workflows re-evaluate the
// same expressions on every run.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator returns an evaluator with an empty cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// EvalBool evaluates a predicate against env. The environment carries
// "params" (the run's params) and "outputs" (completed step outputs
// keyed by step name). An empty expression is true.
func (e *Evaluator) EvalBool(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}
	program, err := e.compile(expression)
	if err != nil {
		return false, &spineerrors.ValidationError{
			Field:      "when",
			Message:    fmt.Sprintf("compiling %q: %s", expression, err),
			Suggestion: "check expression syntax; step outputs are under outputs.<step>",
		}
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, &spineerrors.ValidationError{
			Field:   "when",
			Message: fmt.Sprintf("evaluating %q: %s", expression, err),
		}
	}
	verdict, ok := result.(bool)
	if !ok {
		return false, &spineerrors.ValidationError{
			Field:      "when",
			Message:    fmt.Sprintf("%q returned %T, not bool", expression, result),
			Suggestion: "use a comparison or boolean expression",
		}
	}
	return verdict, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	// AllowUndefinedVariables keeps predicates usable before all
	// ancestor outputs exist; missing lookups evaluate to nil.
	program, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}
