// Copyright 2026 The Mergeflow Authors
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

	"github.com/mergeflow/mergeflow/pkg/errors"
)

// Matcher evaluates trigger conditions against event payloads.
// Compiled expressions are cached; a Matcher is safe for concurrent use.
type Matcher struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewMatcher creates a trigger condition matcher.
func NewMatcher() *Matcher {
	return &Matcher{cache: make(map[string]*vm.Program)}
}

// Matches reports whether the trigger fires for the given event type and
// payload. An empty condition matches every event of the trigger's type.
func (m *Matcher) Matches(t Trigger, eventType string, payload map[string]any) (bool, error) {
	if t.EventType != eventType {
		return false, nil
	}
	if t.Condition == "" {
		return true, nil
	}

	program, err := m.compile(t.Condition)
	if err != nil {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("failed to compile trigger condition: %s", err),
		}
	}

	env := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		env[k] = v
	}
	env["event_type"] = eventType

	result, err := expr.Run(program, env)
	if err != nil {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("trigger condition evaluation failed: %s", err),
		}
	}

	matched, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("trigger condition must return boolean, got %T", result),
		}
	}
	return matched, nil
}

// compile compiles a condition and caches the program.
func (m *Matcher) compile(condition string) (*vm.Program, error) {
	m.mu.RLock()
	if prog, ok := m.cache[condition]; ok {
		m.mu.RUnlock()
		return prog, nil
	}
	m.mu.RUnlock()

	prog, err := expr.Compile(condition,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[condition] = prog
	m.mu.Unlock()
	return prog, nil
}
