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

package txn

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergeflow/mergeflow/pkg/errors"
)

func newTestManager() *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func noopExecute(ctx context.Context) (any, error) { return nil, nil }

func TestCommitExecutesInOrder(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	var order []string
	id := m.Begin([]string{"ws-1"}, Options{})
	for _, name := range []string{"o1", "o2", "o3"} {
		name := name
		require.NoError(t, m.AddOperation(id, Operation{
			Type: name,
			Execute: func(ctx context.Context) (any, error) {
				order = append(order, name)
				return name, nil
			},
		}))
	}

	results, err := m.Commit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2", "o3"}, order)
	assert.Equal(t, []any{"o1", "o2", "o3"}, results)

	tx, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, tx.Status)
	assert.NotNil(t, tx.EndTime)
}

func TestCommitFailureRollsBackInReverse(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	boom := stderrors.New("o3 rejected")
	var undone []string
	undoCounts := map[string]int{}

	id := m.Begin([]string{"ws-1"}, Options{})
	for _, name := range []string{"o1", "o2"} {
		name := name
		require.NoError(t, m.AddOperation(id, Operation{
			Type:    name,
			Execute: noopExecute,
			Undo: func(ctx context.Context) error {
				undone = append(undone, name)
				undoCounts[name]++
				return nil
			},
		}))
	}
	require.NoError(t, m.AddOperation(id, Operation{
		Type:    "o3",
		Execute: func(ctx context.Context) (any, error) { return nil, boom },
		Undo: func(ctx context.Context) error {
			t.Fatal("undo must not run for an operation that never executed")
			return nil
		},
	}))

	_, err := m.Commit(ctx, id)
	require.Error(t, err)

	var aborted *errors.TransactionAbortedError
	require.True(t, stderrors.As(err, &aborted))
	assert.Equal(t, "o3", aborted.Operation)
	assert.True(t, stderrors.Is(err, boom))

	assert.Equal(t, []string{"o2", "o1"}, undone)
	assert.Equal(t, 1, undoCounts["o1"])
	assert.Equal(t, 1, undoCounts["o2"])

	tx, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, tx.Status)
}

func TestCommitOperationTimeout(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	var undone bool
	id := m.Begin([]string{"ws-1"}, Options{Timeout: 20 * time.Millisecond})
	require.NoError(t, m.AddOperation(id, Operation{
		Type:    "fast",
		Execute: noopExecute,
		Undo: func(ctx context.Context) error {
			undone = true
			return nil
		},
	}))
	require.NoError(t, m.AddOperation(id, Operation{
		Type: "slow",
		Execute: func(ctx context.Context) (any, error) {
			select {
			case <-time.After(time.Second):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	_, err := m.Commit(ctx, id)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
	assert.True(t, undone)

	tx, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, tx.Status)
}

func TestUndoErrorsDoNotStopRollback(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	var undone []string
	id := m.Begin([]string{"ws-1"}, Options{})
	require.NoError(t, m.AddOperation(id, Operation{
		Type:    "o1",
		Execute: noopExecute,
		Undo: func(ctx context.Context) error {
			undone = append(undone, "o1")
			return nil
		},
	}))
	require.NoError(t, m.AddOperation(id, Operation{
		Type:    "o2",
		Execute: noopExecute,
		Undo: func(ctx context.Context) error {
			undone = append(undone, "o2")
			return stderrors.New("undo blew up")
		},
	}))
	require.NoError(t, m.AddOperation(id, Operation{
		Type:    "o3",
		Execute: func(ctx context.Context) (any, error) { return nil, stderrors.New("no") },
	}))

	_, err := m.Commit(ctx, id)
	require.Error(t, err)

	// The o2 undo failure is logged but o1 is still undone.
	assert.Equal(t, []string{"o2", "o1"}, undone)

	tx, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, tx.Status)
}

func TestStrictUndoErrorMarksFailed(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	id := m.Begin([]string{"ws-1"}, Options{Strict: true})
	require.NoError(t, m.AddOperation(id, Operation{
		Type:    "o1",
		Execute: noopExecute,
		Undo:    func(ctx context.Context) error { return stderrors.New("undo blew up") },
	}))
	require.NoError(t, m.AddOperation(id, Operation{
		Type:    "o2",
		Execute: func(ctx context.Context) (any, error) { return nil, stderrors.New("no") },
		Undo:    func(ctx context.Context) error { return nil },
	}))

	_, err := m.Commit(ctx, id)
	require.Error(t, err)

	tx, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tx.Status)
}

func TestStrictRequiresUndo(t *testing.T) {
	m := newTestManager()

	id := m.Begin(nil, Options{Strict: true})
	err := m.AddOperation(id, Operation{Type: "o1", Execute: noopExecute})
	assert.True(t, errors.IsValidation(err))
}

func TestExplicitRollback(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	id := m.Begin([]string{"ws-1"}, Options{})
	require.NoError(t, m.AddOperation(id, Operation{Type: "o1", Execute: noopExecute}))
	require.NoError(t, m.Rollback(ctx, id))

	tx, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, tx.Status)

	// Terminal statuses are final.
	err = m.AddOperation(id, Operation{Type: "o2", Execute: noopExecute})
	assert.True(t, errors.IsConflict(err))
	_, err = m.Commit(ctx, id)
	assert.True(t, errors.IsConflict(err))
}

func TestFindActiveAndByStatus(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	a := m.Begin([]string{"ws-1"}, Options{})
	require.NoError(t, m.AddOperation(a, Operation{Type: "o1", Execute: noopExecute}))
	b := m.Begin([]string{"ws-1", "ws-2"}, Options{})
	c := m.Begin([]string{"ws-2"}, Options{})
	require.NoError(t, m.AddOperation(c, Operation{Type: "o1", Execute: noopExecute}))
	_, err := m.Commit(ctx, c)
	require.NoError(t, err)

	active := m.FindActive("ws-1")
	assert.Len(t, active, 2)
	assert.Len(t, m.FindActive("ws-2"), 1)

	assert.Len(t, m.FindByStatus(StatusPending), 1)
	assert.Len(t, m.FindByStatus(StatusActive), 1)
	assert.Len(t, m.FindByStatus(StatusCommitted), 1)
	_ = a
	_ = b
}

func TestCleanupWorkstreamRollsBackActive(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	var undone int
	id := m.Begin([]string{"ws-1"}, Options{})
	require.NoError(t, m.AddOperation(id, Operation{Type: "o1", Execute: noopExecute}))
	_, err := m.Commit(ctx, id)
	require.NoError(t, err)

	stale := m.Begin([]string{"ws-1"}, Options{})
	require.NoError(t, m.AddOperation(stale, Operation{
		Type:    "o1",
		Execute: noopExecute,
		Undo: func(ctx context.Context) error {
			undone++
			return nil
		},
	}))

	require.NoError(t, m.CleanupWorkstream(ctx, "ws-1"))

	tx, err := m.Get(stale)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, tx.Status)
	// Undo runs only for operations that executed; none did here.
	assert.Zero(t, undone)

	removed := m.CleanupCompleted()
	assert.Equal(t, 2, removed)
	_, err = m.Get(id)
	assert.True(t, errors.IsNotFound(err))
}
