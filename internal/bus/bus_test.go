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

package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := newTestBus()
	ctx := context.Background()

	var order []string
	b.Subscribe(TopicMilestoneUpdated, func(ctx context.Context, e Event) error {
		order = append(order, "first")
		return nil
	})
	b.Subscribe(TopicMilestoneUpdated, func(ctx context.Context, e Event) error {
		order = append(order, "second")
		return nil
	})

	b.Publish(ctx, Event{Topic: TopicMilestoneUpdated, EntityID: "m1"})

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPublishOnlyReachesMatchingTopic(t *testing.T) {
	b := newTestBus()
	ctx := context.Background()

	var got []Event
	b.Subscribe(TopicBlockerDetected, func(ctx context.Context, e Event) error {
		got = append(got, e)
		return nil
	})

	b.Publish(ctx, Event{Topic: TopicBlockerResolved, EntityID: "b1"})
	b.Publish(ctx, Event{Topic: TopicBlockerDetected, EntityID: "b2"})

	require.Len(t, got, 1)
	assert.Equal(t, "b2", got[0].EntityID)
}

func TestPublishStampsMissingTimestamp(t *testing.T) {
	b := newTestBus()
	ctx := context.Background()

	var got Event
	b.Subscribe(TopicSystemError, func(ctx context.Context, e Event) error {
		got = e
		return nil
	})

	b.Publish(ctx, Event{Topic: TopicSystemError})

	assert.False(t, got.Timestamp.IsZero())
}

func TestSubscriberErrorDoesNotStopDelivery(t *testing.T) {
	b := newTestBus()
	ctx := context.Background()

	var delivered bool
	b.Subscribe(TopicWorkflowStarted, func(ctx context.Context, e Event) error {
		return errors.New("subscriber broke")
	})
	b.Subscribe(TopicWorkflowStarted, func(ctx context.Context, e Event) error {
		delivered = true
		return nil
	})

	b.Publish(ctx, Event{Topic: TopicWorkflowStarted})

	assert.True(t, delivered)
}

func TestSubscriberPanicIsRecovered(t *testing.T) {
	b := newTestBus()
	ctx := context.Background()

	var delivered bool
	b.Subscribe(TopicStepFailed, func(ctx context.Context, e Event) error {
		panic("boom")
	})
	b.Subscribe(TopicStepFailed, func(ctx context.Context, e Event) error {
		delivered = true
		return nil
	})

	assert.NotPanics(t, func() {
		b.Publish(ctx, Event{Topic: TopicStepFailed})
	})
	assert.True(t, delivered)
}

func TestPublishWithNoSubscribersIsNoOp(t *testing.T) {
	b := newTestBus()

	assert.NotPanics(t, func() {
		b.Publish(context.Background(), Event{Topic: TopicMetricCalculated})
	})
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := newTestBus()
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	b.Subscribe(TopicStepCompleted, func(ctx context.Context, e Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Publish(ctx, Event{Topic: TopicStepCompleted})
		}()
		go func() {
			defer wg.Done()
			b.Subscribe(TopicStepStarted, func(ctx context.Context, e Event) error { return nil })
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, count)
}
