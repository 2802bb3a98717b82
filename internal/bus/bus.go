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

// Package bus provides the in-process, topic-keyed publish/subscribe bus
// used to decouple the engine, the blocker detector and observers within
// one orchestrator process. Delivery is synchronous on the caller's
// goroutine in subscription order; subscriber failures are logged, never
// propagated. There is no persistence and no cross-process delivery.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Topics emitted by the orchestrator.
const (
	TopicMilestoneRegistered  = "milestone_registered"
	TopicMilestoneUpdated     = "milestone_updated"
	TopicBlockerDetected      = "blocker_detected"
	TopicBlockerResolved      = "blocker_resolved"
	TopicMetricCalculated     = "metric_calculated"
	TopicPredictionGenerated  = "prediction_generated"
	TopicWorkflowStarted      = "workflow_started"
	TopicWorkflowCompleted    = "workflow_completed"
	TopicWorkflowFailed       = "workflow_failed"
	TopicStepStarted          = "step_started"
	TopicStepCompleted        = "step_completed"
	TopicStepFailed           = "step_failed"
	TopicSystemError          = "system_error"
)

// Event is a single bus message. Payload carries the canonical entity plus
// before/after state where applicable.
type Event struct {
	Topic     string         `json:"topic"`
	EntityID  string         `json:"entity_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Subscriber handles a single event. Errors are logged and do not affect
// delivery to later subscribers.
type Subscriber func(ctx context.Context, event Event) error

// Bus is an in-process publish/subscribe bus. The zero value is not usable;
// construct with New. Bus lifetime equals the orchestrator's.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
	logger      *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string][]Subscriber),
		logger:      logger.With(slog.String("component", "bus")),
	}
}

// Subscribe registers a subscriber for the given topic. Subscribers are
// invoked in registration order.
func (b *Bus) Subscribe(topic string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
}

// Publish delivers the event synchronously to every subscriber of its
// topic. A missing timestamp is stamped with now. Subscriber errors and
// panics are logged and swallowed.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers[event.Topic]))
	copy(subs, b.subscribers[event.Topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(ctx, event, sub)
	}
}

// deliver invokes one subscriber, recovering panics.
func (b *Bus) deliver(ctx context.Context, event Event, sub Subscriber) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				slog.String("topic", event.Topic),
				slog.Any("panic", r))
		}
	}()

	if err := sub(ctx, event); err != nil {
		b.logger.Warn("subscriber failed",
			slog.String("topic", event.Topic),
			slog.Any("error", err))
	}
}
