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

// Package txn groups related mutations into logical transactions with
// compensating-undo rollback. It is used where the store cannot provide
// atomicity across the involved resources, such as cancelling a task
// together with its dependents or coordinating a local write with an
// external system.
package txn

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mergeflow/mergeflow/internal/log"
	"github.com/mergeflow/mergeflow/pkg/errors"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusCommitting  Status = "committing"
	StatusCommitted   Status = "committed"
	StatusRollingBack Status = "rolling_back"
	StatusRolledBack  Status = "rolled_back"
	StatusFailed      Status = "failed"
	StatusTimedOut    Status = "timed_out"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusRolledBack, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// ExecuteFunc performs an operation's forward action.
type ExecuteFunc func(ctx context.Context) (any, error)

// UndoFunc compensates a previously executed operation.
type UndoFunc func(ctx context.Context) error

// Operation is one step of a transaction. Execute runs during commit in
// insertion order; Undo compensates it during rollback in reverse order.
type Operation struct {
	Type    string
	Target  string
	Params  map[string]any
	Execute ExecuteFunc
	Undo    UndoFunc
}

// Transaction is a snapshot of one logical transaction's state.
type Transaction struct {
	ID          string
	Workstreams []string
	Status      Status
	Timeout     time.Duration
	StartTime   time.Time
	EndTime     *time.Time
	Results     []any
	Err         error

	operations []Operation
	executed   int
}

// OperationCount returns the number of registered operations.
func (t *Transaction) OperationCount() int { return len(t.operations) }

func (t *Transaction) hasWorkstream(ws string) bool {
	for _, w := range t.Workstreams {
		if w == ws {
			return true
		}
	}
	return false
}

// Options configures a transaction at Begin.
type Options struct {
	// Timeout bounds each operation's Execute call during commit. Zero
	// means unbounded.
	Timeout time.Duration

	// Strict requires every operation to carry an undo handler, and
	// treats an undo failure during rollback as fatal to the
	// transaction (final status failed instead of rolled_back).
	Strict bool
}

// Manager tracks in-flight transactions. All methods are safe for
// concurrent use.
type Manager struct {
	mu     sync.Mutex
	txns   map[string]*Transaction
	strict map[string]bool
	logger *slog.Logger
}

// NewManager creates a transaction manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		txns:   make(map[string]*Transaction),
		strict: make(map[string]bool),
		logger: log.WithComponent(logger, "txn"),
	}
}

// Begin creates a pending transaction scoped to the given workstreams.
func (m *Manager) Begin(workstreams []string, opts Options) string {
	tx := &Transaction{
		ID:          uuid.NewString(),
		Workstreams: append([]string(nil), workstreams...),
		Status:      StatusPending,
		Timeout:     opts.Timeout,
		StartTime:   time.Now(),
	}

	m.mu.Lock()
	m.txns[tx.ID] = tx
	m.strict[tx.ID] = opts.Strict
	m.mu.Unlock()

	m.logger.Debug("transaction started", log.TxIDKey, tx.ID,
		"workstreams", tx.Workstreams)
	return tx.ID
}

// AddOperation appends an operation to a pending or active transaction
// and moves a pending transaction to active.
func (m *Manager) AddOperation(txID string, op Operation) error {
	if op.Execute == nil {
		return &errors.ValidationError{Field: "execute", Message: "operation requires an execute function"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txns[txID]
	if !ok {
		return &errors.NotFoundError{Resource: "transaction", ID: txID}
	}
	if tx.Status != StatusPending && tx.Status != StatusActive {
		return &errors.ConflictError{Resource: "transaction", ID: txID}
	}
	if m.strict[txID] && op.Undo == nil {
		return &errors.ValidationError{Field: "undo", Message: "strict transaction requires an undo function"}
	}

	tx.operations = append(tx.operations, op)
	tx.Status = StatusActive
	return nil
}

// Commit executes operations in insertion order, each bounded by the
// transaction's timeout. On the first failure the already executed
// operations are undone in reverse order and the original cause is
// returned wrapped in a TransactionAbortedError. A per-operation
// timeout yields final status timed_out; every other rollback ends in
// rolled_back.
func (m *Manager) Commit(ctx context.Context, txID string) ([]any, error) {
	m.mu.Lock()
	tx, ok := m.txns[txID]
	if !ok {
		m.mu.Unlock()
		return nil, &errors.NotFoundError{Resource: "transaction", ID: txID}
	}
	if tx.Status != StatusPending && tx.Status != StatusActive {
		m.mu.Unlock()
		return nil, &errors.ConflictError{Resource: "transaction", ID: txID}
	}
	tx.Status = StatusCommitting
	ops := tx.operations
	timeout := tx.Timeout
	m.mu.Unlock()

	results := make([]any, 0, len(ops))
	for i, op := range ops {
		result, err := m.runExecute(ctx, op, timeout)
		if err != nil {
			m.logger.Warn("operation failed, rolling back",
				log.TxIDKey, txID, "operation", op.Type, log.Error(err))
			undoErr := m.rollbackFrom(ctx, tx, i)

			final := StatusRolledBack
			if stderrors.Is(err, context.DeadlineExceeded) {
				final = StatusTimedOut
			}
			if undoErr != nil {
				final = StatusFailed
			}
			m.finish(tx, final, err)
			return nil, &errors.TransactionAbortedError{
				TxID:      txID,
				Operation: op.Type,
				Cause:     err,
			}
		}
		results = append(results, result)

		m.mu.Lock()
		tx.executed = i + 1
		m.mu.Unlock()
	}

	m.mu.Lock()
	tx.Results = results
	m.mu.Unlock()
	m.finish(tx, StatusCommitted, nil)

	m.logger.Debug("transaction committed", log.TxIDKey, txID,
		"operations", len(ops))
	return results, nil
}

// Rollback explicitly rolls back a pending or active transaction,
// undoing any executed operations in reverse order.
func (m *Manager) Rollback(ctx context.Context, txID string) error {
	m.mu.Lock()
	tx, ok := m.txns[txID]
	if !ok {
		m.mu.Unlock()
		return &errors.NotFoundError{Resource: "transaction", ID: txID}
	}
	if tx.Status != StatusPending && tx.Status != StatusActive {
		m.mu.Unlock()
		return &errors.ConflictError{Resource: "transaction", ID: txID}
	}
	executed := tx.executed
	m.mu.Unlock()

	undoErr := m.rollbackFrom(ctx, tx, executed)
	final := StatusRolledBack
	if undoErr != nil {
		final = StatusFailed
	}
	m.finish(tx, final, nil)
	return nil
}

// Get returns a copy of a transaction's current state.
func (m *Manager) Get(txID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txns[txID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "transaction", ID: txID}
	}
	snapshot := *tx
	return &snapshot, nil
}

// FindActive returns transactions attached to a workstream that are
// still pending or active.
func (m *Manager) FindActive(workstream string) []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found []*Transaction
	for _, tx := range m.txns {
		if (tx.Status == StatusPending || tx.Status == StatusActive) && tx.hasWorkstream(workstream) {
			snapshot := *tx
			found = append(found, &snapshot)
		}
	}
	return found
}

// FindByStatus returns all transactions in the given status.
func (m *Manager) FindByStatus(status Status) []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found []*Transaction
	for _, tx := range m.txns {
		if tx.Status == status {
			snapshot := *tx
			found = append(found, &snapshot)
		}
	}
	return found
}

// CleanupCompleted drops terminal transactions and returns how many
// were removed.
func (m *Manager) CleanupCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, tx := range m.txns {
		if tx.Status.Terminal() {
			delete(m.txns, id)
			delete(m.strict, id)
			removed++
		}
	}
	return removed
}

// CleanupWorkstream rolls back every still-active transaction attached
// to the workstream. Used during subsystem teardown.
func (m *Manager) CleanupWorkstream(ctx context.Context, workstream string) error {
	for _, tx := range m.FindActive(workstream) {
		if err := m.Rollback(ctx, tx.ID); err != nil && !errors.IsConflict(err) {
			return err
		}
	}
	return nil
}

func (m *Manager) runExecute(ctx context.Context, op Operation, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return op.Execute(ctx)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := op.Execute(opCtx)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-opCtx.Done():
		return nil, opCtx.Err()
	}
}

// rollbackFrom undoes operations [0, executed) in reverse order. Undo
// errors are logged and do not stop the sequence; the first one is
// returned so strict transactions can surface it.
func (m *Manager) rollbackFrom(ctx context.Context, tx *Transaction, executed int) error {
	m.mu.Lock()
	tx.Status = StatusRollingBack
	ops := tx.operations[:executed]
	strict := m.strict[tx.ID]
	m.mu.Unlock()

	var firstUndoErr error
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if op.Undo == nil {
			continue
		}
		if err := op.Undo(ctx); err != nil {
			m.logger.Error("undo failed during rollback",
				log.TxIDKey, tx.ID, "operation", op.Type, log.Error(err))
			if firstUndoErr == nil {
				firstUndoErr = err
			}
		}
	}
	if !strict {
		return nil
	}
	return firstUndoErr
}

func (m *Manager) finish(tx *Transaction, status Status, cause error) {
	now := time.Now()

	m.mu.Lock()
	tx.Status = status
	tx.EndTime = &now
	tx.Err = cause
	m.mu.Unlock()
}
