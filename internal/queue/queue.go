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

// Package queue provides the distributed priority task queue: a
// priority-ordered ready set, a leased processing set with a fixed
// visibility timeout, bounded retries with exponential back-off, and an
// append-only dead-letter tail. The queue is shared across orchestrator
// processes through Redis.
package queue

import (
	"context"
	"time"

	"github.com/mergeflow/mergeflow/internal/model"
)

// VisibilityTimeout is the fixed lease TTL for dequeued tasks. Leases are
// short and fixed; refresh is not supported.
const VisibilityTimeout = 5 * time.Minute

// DefaultMaxRetries bounds per-task retries before dead-lettering.
const DefaultMaxRetries = 3

// Stats reports the size of the queue's three collections.
type Stats struct {
	// Pending counts ready tasks plus retries waiting out their back-off.
	Pending int64 `json:"pending"`

	// Processing counts in-flight leases.
	Processing int64 `json:"processing"`

	// DeadLetter counts dead-lettered tasks.
	DeadLetter int64 `json:"dead_letter"`
}

// Queue is the distributed priority task queue contract.
//
// A queued task exists in exactly one of three collections: the ready set
// (ordered by priority score descending, enqueue time ascending), the
// processing set (leases with a TTL), or the dead-letter tail (FIFO).
type Queue interface {
	// Enqueue inserts a task into the ready set, stamping CreatedAt with
	// now and RetryCount with zero when absent. Idempotent on ID.
	Enqueue(ctx context.Context, task *model.QueuedTask) error

	// Dequeue atomically removes the highest-scoring ready task and
	// inserts a lease into the processing set. Ties are broken by
	// earliest enqueue time, then by ID. Returns errors.ErrQueueEmpty
	// when nothing is ready.
	Dequeue(ctx context.Context) (*model.QueuedTask, error)

	// Complete removes the lease for the given task. Completing an
	// unknown ID is a warning, not an error.
	Complete(ctx context.Context, id string) error

	// Fail removes the lease and either schedules a re-enqueue after
	// 2^retry_count seconds with the count incremented, or appends the
	// task to the dead-letter tail once retries are exhausted.
	Fail(ctx context.Context, id string, reason string) error

	// RecoverStale re-enqueues every lease whose TTL has expired,
	// preserving its retry count. Leases whose task payload has been
	// deleted are discarded. Returns the number of recovered tasks.
	RecoverStale(ctx context.Context) (int, error)

	// Stats returns the current collection sizes.
	Stats(ctx context.Context) (*Stats, error)

	// Clear removes all three collections. Test-only.
	Clear(ctx context.Context) error
}
