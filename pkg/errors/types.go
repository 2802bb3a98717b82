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

// Package errors defines the typed error categories used across the
// orchestrator: lookups, conflicts, validation, step execution and
// transaction failures.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// NotFoundError represents a resource not found error.
// Use this when a referenced entity does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "task", "milestone", "transaction")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError represents a duplicate registration.
// Use this when an entity with the same identity already exists.
type ConflictError struct {
	// Resource is the type of resource (e.g., "milestone", "workflow")
	Resource string

	// ID is the identifier that already exists
	ID string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.ID)
}

// ValidationError represents an invariant violation.
// Use this for invalid input, out-of-range values, or cyclic dependency graphs.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// DependencyError represents a reference to an unknown dependency.
// Use this when a step or milestone names a dependency that is not registered.
type DependencyError struct {
	// Resource is the type of the referencing entity
	Resource string

	// ID is the referencing entity's identifier
	ID string

	// Dependency is the unresolved dependency identifier
	Dependency string
}

// Error implements the error interface.
func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s %s references unknown dependency: %s", e.Resource, e.ID, e.Dependency)
}

// StepTimeoutError represents a step executor exceeding its configured timeout.
type StepTimeoutError struct {
	// StepID is the workflow step that timed out
	StepID string

	// TaskID is the task the executor was running for
	TaskID string

	// Timeout is the configured step timeout
	Timeout time.Duration
}

// Error implements the error interface.
func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %v (task %s)", e.StepID, e.Timeout, e.TaskID)
}

// ExecutorMissingError represents a task whose type has no registered step executor.
type ExecutorMissingError struct {
	// StepType is the step type with no executor
	StepType string
}

// Error implements the error interface.
func (e *ExecutorMissingError) Error() string {
	return fmt.Sprintf("no step executor registered for type: %s", e.StepType)
}

// TransactionAbortedError represents a failed transaction that has been
// rolled back. It carries the original cause of the failure.
type TransactionAbortedError struct {
	// TxID is the transaction identifier
	TxID string

	// Operation is the operation that failed, by index and type
	Operation string

	// Cause is the original error that triggered the rollback
	Cause error
}

// Error implements the error interface.
func (e *TransactionAbortedError) Error() string {
	return fmt.Sprintf("transaction %s aborted at %s: %v", e.TxID, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransactionAbortedError) Unwrap() error {
	return e.Cause
}

// ExternalError wraps a failure from persistence or the queue.
type ExternalError struct {
	// System identifies the failing subsystem (e.g., "store", "queue")
	System string

	// Operation describes what was being attempted
	Operation string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s error during %s: %v", e.System, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExternalError) Unwrap() error {
	return e.Cause
}

// ErrQueueEmpty is returned by Dequeue when no task is ready.
// It is informational, not a failure.
var ErrQueueEmpty = errors.New("queue is empty")
