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

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/pkg/errors"
)

// Ready-set scores encode (priority DESC, enqueue time ASC): lower score
// dequeues first, so score = enqueueMillis - priorityScore * priorityStride.
// Equal scores fall back to Redis's lexicographic member order, which gives
// the ID tie-break.
const priorityStride = 1e13

// RedisQueue is the Redis-backed Queue implementation. Multi-structure
// moves run as Lua scripts so concurrent workers never observe a task in
// two collections.
type RedisQueue struct {
	client     redis.UniversalClient
	namespace  string
	maxRetries int
	logger     *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

// Option configures a RedisQueue.
type Option func(*RedisQueue)

// WithMaxRetries overrides the default retry bound.
func WithMaxRetries(n int) Option {
	return func(q *RedisQueue) { q.maxRetries = n }
}

// WithClock overrides the queue's clock. Test-only.
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) { q.now = now }
}

// NewRedis creates a Redis-backed queue under the given key namespace.
func NewRedis(client redis.UniversalClient, namespace string, logger *slog.Logger, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		client:     client,
		namespace:  namespace,
		maxRetries: DefaultMaxRetries,
		logger:     logger.With(slog.String("component", "queue")),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) readyKey() string      { return q.namespace + ":ready" }
func (q *RedisQueue) delayedKey() string    { return q.namespace + ":delayed" }
func (q *RedisQueue) processingKey() string { return q.namespace + ":processing" }
func (q *RedisQueue) payloadsKey() string   { return q.namespace + ":payloads" }
func (q *RedisQueue) scoresKey() string     { return q.namespace + ":scores" }
func (q *RedisQueue) deadLetterKey() string { return q.namespace + ":dead_letter" }

// enqueueScript inserts a task iff its payload is not already present.
// KEYS: ready, payloads, scores. ARGV: id, payload, score.
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// dequeueScript promotes due delayed tasks, pops the best ready task and
// leases it. KEYS: ready, delayed, processing, payloads, scores.
// ARGV: nowMillis, leaseExpiryMillis.
var dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	local score = redis.call('HGET', KEYS[5], id)
	if score then
		redis.call('ZADD', KEYS[1], score, id)
	end
end
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
	return false
end
local id = popped[1]
redis.call('ZADD', KEYS[3], ARGV[2], id)
return redis.call('HGET', KEYS[4], id)
`)

// completeScript removes a lease and its payload. A missing lease means
// the task was recovered or settled elsewhere; touching the payload then
// would corrupt the collection it now lives in.
// KEYS: processing, payloads, scores. ARGV: id.
var completeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// retryScript moves a failed lease to the delayed set with an updated
// payload. No-op when the lease is gone.
// KEYS: processing, delayed, payloads. ARGV: id, payload, readyAtMillis.
var retryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// deadLetterScript moves an exhausted lease to the dead-letter tail.
// No-op when the lease is gone.
// KEYS: processing, payloads, scores, dead_letter. ARGV: id, payload.
var deadLetterScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('RPUSH', KEYS[4], ARGV[2])
return 1
`)

// recoverScript re-enqueues expired leases, discarding leases whose payload
// is gone. KEYS: processing, ready, payloads, scores. ARGV: nowMillis.
var recoverScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local recovered = 0
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[1], id)
	local score = redis.call('HGET', KEYS[4], id)
	if score and redis.call('HEXISTS', KEYS[3], id) == 1 then
		redis.call('ZADD', KEYS[2], score, id)
		recovered = recovered + 1
	end
end
return recovered
`)

// Enqueue inserts a task into the ready set. Idempotent on ID.
func (q *RedisQueue) Enqueue(ctx context.Context, task *model.QueuedTask) error {
	if task.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "queued task id is required"}
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = q.now()
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "marshaling queued task")
	}
	score := readyScore(task.PriorityScore, task.CreatedAt)

	inserted, err := enqueueScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.payloadsKey(), q.scoresKey()},
		task.ID, payload, score).Int()
	if err != nil {
		return errors.External("queue", "enqueue", err)
	}
	if inserted == 0 {
		q.logger.Debug("task already enqueued", slog.String("task_id", task.ID))
	}
	return nil
}

// Dequeue pops the best ready task and leases it for VisibilityTimeout.
func (q *RedisQueue) Dequeue(ctx context.Context) (*model.QueuedTask, error) {
	now := q.now()
	raw, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.delayedKey(), q.processingKey(), q.payloadsKey(), q.scoresKey()},
		now.UnixMilli(), now.Add(VisibilityTimeout).UnixMilli()).Text()
	if err == redis.Nil {
		return nil, errors.ErrQueueEmpty
	}
	if err != nil {
		return nil, errors.External("queue", "dequeue", err)
	}

	var task model.QueuedTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, errors.Wrap(err, "unmarshaling queued task")
	}
	return &task, nil
}

// Complete removes the lease for the given task.
func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	removed, err := completeScript.Run(ctx, q.client,
		[]string{q.processingKey(), q.payloadsKey(), q.scoresKey()}, id).Int()
	if err != nil {
		return errors.External("queue", "complete", err)
	}
	if removed == 0 {
		q.logger.Warn("complete for unknown lease", slog.String("task_id", id))
	}
	return nil
}

// Fail removes the lease and retries with back-off, or dead-letters the
// task once retries are exhausted.
func (q *RedisQueue) Fail(ctx context.Context, id string, reason string) error {
	raw, err := q.client.HGet(ctx, q.payloadsKey(), id).Result()
	if err == redis.Nil {
		q.logger.Warn("fail for unknown lease", slog.String("task_id", id))
		return nil
	}
	if err != nil {
		return errors.External("queue", "fail", err)
	}

	var task model.QueuedTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return errors.Wrap(err, "unmarshaling queued task")
	}

	now := q.now()
	if task.RetryCount+1 <= q.maxRetries {
		task.RetryCount++
		backoff := time.Duration(math.Pow(2, float64(task.RetryCount-1))) * time.Second
		payload, err := json.Marshal(&task)
		if err != nil {
			return errors.Wrap(err, "marshaling queued task")
		}
		removed, err := retryScript.Run(ctx, q.client,
			[]string{q.processingKey(), q.delayedKey(), q.payloadsKey()},
			id, payload, now.Add(backoff).UnixMilli()).Int()
		if err != nil {
			return errors.External("queue", "fail", err)
		}
		if removed == 0 {
			q.logger.Warn("fail for unknown lease", slog.String("task_id", id))
			return nil
		}
		q.logger.Info("task scheduled for retry",
			slog.String("task_id", id),
			slog.Int("retry_count", task.RetryCount),
			slog.Duration("backoff", backoff))
		return nil
	}

	failedAt := now
	task.FailedAt = &failedAt
	task.Error = reason
	payload, err := json.Marshal(&task)
	if err != nil {
		return errors.Wrap(err, "marshaling queued task")
	}
	removed, err := deadLetterScript.Run(ctx, q.client,
		[]string{q.processingKey(), q.payloadsKey(), q.scoresKey(), q.deadLetterKey()},
		id, payload).Int()
	if err != nil {
		return errors.External("queue", "fail", err)
	}
	if removed == 0 {
		q.logger.Warn("fail for unknown lease", slog.String("task_id", id))
		return nil
	}
	q.logger.Warn("task dead-lettered",
		slog.String("task_id", id),
		slog.Int("retry_count", task.RetryCount),
		slog.String("reason", reason))
	return nil
}

// RecoverStale re-enqueues expired leases with their retry counts intact.
// Recovery does not consume a retry: only an explicit Fail increments the
// count.
func (q *RedisQueue) RecoverStale(ctx context.Context) (int, error) {
	recovered, err := recoverScript.Run(ctx, q.client,
		[]string{q.processingKey(), q.readyKey(), q.payloadsKey(), q.scoresKey()},
		q.now().UnixMilli()).Int()
	if err != nil {
		return 0, errors.External("queue", "recover_stale", err)
	}
	if recovered > 0 {
		q.logger.Info("recovered stale leases", slog.Int("count", recovered))
	}
	return recovered, nil
}

// Stats returns the current collection sizes. Delayed retries count as
// pending.
func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.readyKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	processing := pipe.ZCard(ctx, q.processingKey())
	dead := pipe.LLen(ctx, q.deadLetterKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.External("queue", "stats", err)
	}
	return &Stats{
		Pending:    ready.Val() + delayed.Val(),
		Processing: processing.Val(),
		DeadLetter: dead.Val(),
	}, nil
}

// Clear removes every queue collection. Test-only.
func (q *RedisQueue) Clear(ctx context.Context) error {
	err := q.client.Del(ctx,
		q.readyKey(), q.delayedKey(), q.processingKey(),
		q.payloadsKey(), q.scoresKey(), q.deadLetterKey()).Err()
	return errors.External("queue", "clear", err)
}

// DeadLetters returns up to limit dead-letter records, oldest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]*model.QueuedTask, error) {
	raws, err := q.client.LRange(ctx, q.deadLetterKey(), 0, limit-1).Result()
	if err != nil {
		return nil, errors.External("queue", "dead_letters", err)
	}
	tasks := make([]*model.QueuedTask, 0, len(raws))
	for _, raw := range raws {
		var task model.QueuedTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, errors.Wrap(err, "unmarshaling dead-letter record")
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// readyScore encodes the ready-set ordering as a single float score.
func readyScore(priorityScore int, createdAt time.Time) float64 {
	return float64(createdAt.UnixMilli()) - float64(priorityScore)*priorityStride
}

// String implements fmt.Stringer for logging.
func (s *Stats) String() string {
	return fmt.Sprintf("pending=%d processing=%d dead_letter=%d", s.Pending, s.Processing, s.DeadLetter)
}
