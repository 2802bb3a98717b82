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

package blocker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergeflow/mergeflow/internal/bus"
	"github.com/mergeflow/mergeflow/internal/dag"
	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/internal/store/sqlite"
)

type fixture struct {
	detector *Detector
	tracker  *dag.Tracker
	store    *sqlite.Store
	bus      *bus.Bus
	clock    *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	eventBus := bus.New(logger)
	tracker := dag.NewTracker(s, eventBus, logger)
	clock := &fakeClock{now: time.Now()}
	detector := NewDetector(tracker, s, eventBus, logger, WithClock(clock.Now))

	return &fixture{detector: detector, tracker: tracker, store: s, bus: eventBus, clock: clock}
}

func register(t *testing.T, f *fixture, id string, expected time.Duration, deps ...string) {
	t.Helper()
	require.NoError(t, f.tracker.Register(context.Background(), &model.Milestone{
		ID:                 id,
		Name:               id,
		WorkflowID:         "wf-1",
		Weight:             10,
		ExpectedCompletion: expected,
		Dependencies:       deps,
	}))
}

func TestScanBlocksOnUnmetDependency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	register(t, f, "m1", 0)
	register(t, f, "m2", 0, "m1")

	require.NoError(t, f.detector.Scan(ctx, "wf-1"))

	state, err := f.store.GetMilestoneState(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneBlocked, state.Status)
	assert.Equal(t, "Blocked by dependencies: m1", state.BlockerReason)
	assert.Equal(t, "m1", state.BlockedBy)

	blockers, err := f.store.ListActiveBlockers(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, blockers, 1)
	assert.Equal(t, model.SeverityMedium, blockers[0].Severity)
	assert.Equal(t, []string{"m2"}, blockers[0].AffectedMilestoneIDs)
	assert.Equal(t, true, blockers[0].Metadata["autoDetected"])

	// A second scan must not create a duplicate blocker.
	require.NoError(t, f.detector.Scan(ctx, "wf-1"))
	blockers, err = f.store.ListActiveBlockers(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, blockers, 1)
}

func TestScanUnblocksWhenDependencyCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	register(t, f, "m1", 0)
	register(t, f, "m2", 0, "m1")
	require.NoError(t, f.detector.Scan(ctx, "wf-1"))

	var resolvedTopics int
	f.bus.Subscribe(bus.TopicBlockerResolved, func(ctx context.Context, e bus.Event) error {
		resolvedTopics++
		return nil
	})

	_, err := f.tracker.UpdateState(ctx, "m1", model.MilestoneCompleted, 100)
	require.NoError(t, err)
	require.NoError(t, f.detector.Scan(ctx, "wf-1"))

	state, err := f.store.GetMilestoneState(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneNotStarted, state.Status)
	assert.Empty(t, state.BlockerReason)

	blockers, err := f.store.ListAllBlockers(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, blockers, 1)
	require.NotNil(t, blockers[0].ResolvedAt)
	assert.Equal(t, "Milestone is no longer blocked", blockers[0].Resolution)
	assert.Equal(t, 1, resolvedTopics)
}

func TestScanBlocksOnTimeOverrun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	register(t, f, "m1", time.Second)
	_, err := f.tracker.UpdateState(ctx, "m1", model.MilestoneInProgress, 40)
	require.NoError(t, err)

	// 60% past the expected completion time.
	f.clock.Advance(1600 * time.Millisecond)
	require.NoError(t, f.detector.Scan(ctx, "wf-1"))

	state, err := f.store.GetMilestoneState(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneBlocked, state.Status)
	assert.Equal(t, "Milestone is 60% overdue", state.BlockerReason)
	assert.Equal(t, "time_overrun", state.BlockedBy)

	blockers, err := f.store.ListActiveBlockers(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, blockers, 1)
	assert.Equal(t, model.SeverityMedium, blockers[0].Severity)
}

func TestScanIgnoresMildOverrun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	register(t, f, "m1", time.Second)
	_, err := f.tracker.UpdateState(ctx, "m1", model.MilestoneInProgress, 40)
	require.NoError(t, err)

	// 40% overdue stays under the 50% threshold.
	f.clock.Advance(1400 * time.Millisecond)
	require.NoError(t, f.detector.Scan(ctx, "wf-1"))

	state, err := f.store.GetMilestoneState(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneInProgress, state.Status)
}

func TestTimeOverrunBlockPersistsUntilResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	register(t, f, "m1", time.Second)
	_, err := f.tracker.UpdateState(ctx, "m1", model.MilestoneInProgress, 40)
	require.NoError(t, err)

	f.clock.Advance(1600 * time.Millisecond)
	require.NoError(t, f.detector.Scan(ctx, "wf-1"))
	require.NoError(t, f.detector.Scan(ctx, "wf-1"))

	state, err := f.store.GetMilestoneState(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneBlocked, state.Status)
}

func TestWatchScansReactively(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	register(t, f, "m1", 0)
	register(t, f, "m2", 0, "m1")
	f.detector.Watch()

	// Any milestone update triggers a scan of the workflow.
	_, err := f.tracker.UpdateState(ctx, "m1", model.MilestoneInProgress, 10)
	require.NoError(t, err)

	state, err := f.store.GetMilestoneState(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneBlocked, state.Status)
}

func TestCompletedMilestonesAreExempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	register(t, f, "m1", 0)
	register(t, f, "m2", 0, "m1")
	_, err := f.tracker.UpdateState(ctx, "m2", model.MilestoneCompleted, 100)
	require.NoError(t, err)

	require.NoError(t, f.detector.Scan(ctx, "wf-1"))

	state, err := f.store.GetMilestoneState(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneCompleted, state.Status)
}
