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

// Package blocker observes milestone state and detects blockers. Two
// analyses run on every scan: dependency-based (a milestone gated on an
// incomplete dependency) and time-overrun (an in_progress milestone more
// than 50% past its expected completion time). Blocked milestones that no
// longer meet either condition are unblocked and their auto-detected
// blockers resolved.
package blocker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/mergeflow/mergeflow/internal/bus"
	"github.com/mergeflow/mergeflow/internal/dag"
	"github.com/mergeflow/mergeflow/internal/log"
	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/internal/store"
)

// overdueThreshold is the overdue factor above which an in_progress
// milestone is considered blocked by time overrun.
const overdueThreshold = 0.5

// Detector runs the blocker analyses. Safe for concurrent use; scans of
// the same workflow are serialized by an in-flight guard so reactive
// scans triggered by the detector's own state changes are skipped.
type Detector struct {
	tracker  *dag.Tracker
	store    blockerStore
	bus      *bus.Bus
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
	scanning map[string]bool
}

type blockerStore interface {
	store.MilestoneRepo
	store.BlockerRepo
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the detector's time source for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// NewDetector creates a blocker detector.
func NewDetector(tracker *dag.Tracker, s blockerStore, eventBus *bus.Bus, logger *slog.Logger, opts ...Option) *Detector {
	d := &Detector{
		tracker:  tracker,
		store:    s,
		bus:      eventBus,
		logger:   log.WithComponent(logger, "blocker"),
		now:      time.Now,
		scanning: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Watch subscribes the detector to milestone updates so each state
// change triggers a reactive scan of the affected workflow.
func (d *Detector) Watch() {
	d.bus.Subscribe(bus.TopicMilestoneUpdated, func(ctx context.Context, event bus.Event) error {
		milestone, err := d.store.GetMilestone(ctx, event.EntityID)
		if err != nil {
			return err
		}
		return d.Scan(ctx, milestone.WorkflowID)
	})
}

// ScanAll runs the analyses over every workflow with registered
// milestones. Per-workflow failures are logged and do not stop the
// sweep.
func (d *Detector) ScanAll(ctx context.Context) error {
	workflowIDs, err := d.store.ListMilestoneWorkflowIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range workflowIDs {
		if err := d.Scan(ctx, id); err != nil {
			d.logger.Warn("workflow scan failed", log.WorkflowKey, id, log.Error(err))
		}
	}
	return nil
}

// Scan runs both analyses over one workflow. Reentrant calls for a
// workflow already being scanned return immediately.
func (d *Detector) Scan(ctx context.Context, workflowID string) error {
	d.mu.Lock()
	if d.scanning[workflowID] {
		d.mu.Unlock()
		return nil
	}
	d.scanning[workflowID] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.scanning, workflowID)
		d.mu.Unlock()
	}()

	milestones, err := d.store.ListMilestonesByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	states, err := d.store.StatesByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	byID := make(map[string]*model.Milestone, len(milestones))
	for _, m := range milestones {
		byID[m.ID] = m
	}

	for _, m := range milestones {
		state, ok := states[m.ID]
		if !ok {
			continue
		}
		if err := d.evaluate(ctx, m, state, byID, states); err != nil {
			d.logger.Warn("milestone evaluation failed",
				log.MilestoneIDKey, m.ID, log.Error(err))
		}
	}
	return nil
}

func (d *Detector) evaluate(ctx context.Context, m *model.Milestone, state *model.MilestoneState,
	byID map[string]*model.Milestone, states map[string]*model.MilestoneState) error {

	switch state.Status {
	case model.MilestoneCompleted, model.MilestoneSkipped:
		return nil
	}

	reason, blockedBy := d.diagnose(m, state, byID, states)

	if state.Status == model.MilestoneBlocked {
		if reason != "" {
			return nil
		}
		if _, err := d.tracker.Unblock(ctx, m.ID); err != nil {
			return err
		}
		return d.resolveCovering(ctx, m)
	}

	if reason == "" {
		return nil
	}
	if _, err := d.tracker.Block(ctx, m.ID, reason, blockedBy); err != nil {
		return err
	}
	return d.ensureBlocker(ctx, m, reason, blockedBy)
}

// diagnose returns the blocker reason and blocked_by hint for a
// milestone, or empty strings when nothing blocks it. Dependency
// analysis wins over time overrun when both apply.
func (d *Detector) diagnose(m *model.Milestone, state *model.MilestoneState,
	byID map[string]*model.Milestone, states map[string]*model.MilestoneState) (string, string) {

	var unmetNames, unmetIDs []string
	for _, depID := range m.Dependencies {
		depState, ok := states[depID]
		if !ok || depState.Status != model.MilestoneCompleted {
			name := depID
			if dep, ok := byID[depID]; ok {
				name = dep.Name
			}
			unmetNames = append(unmetNames, name)
			unmetIDs = append(unmetIDs, depID)
		}
	}
	if len(unmetIDs) > 0 {
		return "Blocked by dependencies: " + strings.Join(unmetNames, ", "),
			strings.Join(unmetIDs, ",")
	}

	if factor := d.overdueFactor(m, state); factor > overdueThreshold {
		return fmt.Sprintf("Milestone is %d%% overdue", int(math.Round(factor*100))),
			"time_overrun"
	}
	return "", ""
}

// overdueFactor returns how far past its expected completion a started
// milestone is, as a fraction of the expected duration.
func (d *Detector) overdueFactor(m *model.Milestone, state *model.MilestoneState) float64 {
	if state.StartedAt == nil || m.ExpectedCompletion <= 0 {
		return 0
	}
	if state.Status != model.MilestoneInProgress && state.Status != model.MilestoneBlocked {
		return 0
	}
	deadline := state.StartedAt.Add(m.ExpectedCompletion)
	overdue := d.now().Sub(deadline)
	if overdue <= 0 {
		return 0
	}
	return float64(overdue) / float64(m.ExpectedCompletion)
}

// ensureBlocker creates a medium, auto-detected blocker covering the
// milestone unless an active one already does.
func (d *Detector) ensureBlocker(ctx context.Context, m *model.Milestone, reason, blockedBy string) error {
	active, err := d.store.ListActiveBlockers(ctx, m.WorkflowID)
	if err != nil {
		return err
	}
	for _, b := range active {
		if covers(b, m.ID) {
			return nil
		}
	}

	blocker := &model.Blocker{
		WorkflowID:           m.WorkflowID,
		AffectedMilestoneIDs: []string{m.ID},
		Severity:             model.SeverityMedium,
		Description:          reason,
		BlockedBy:            blockedBy,
		Metadata:             map[string]any{"autoDetected": true},
	}
	if err := d.store.CreateBlocker(ctx, blocker); err != nil {
		return err
	}

	d.logger.Info("blocker detected",
		log.MilestoneIDKey, m.ID,
		log.WorkflowKey, m.WorkflowID,
		"reason", reason)
	d.bus.Publish(ctx, bus.Event{
		Topic:    bus.TopicBlockerDetected,
		EntityID: blocker.ID,
		Payload: map[string]any{
			"blocker":      blocker,
			"milestone_id": m.ID,
		},
	})
	return nil
}

// resolveCovering resolves every active blocker covering the milestone.
func (d *Detector) resolveCovering(ctx context.Context, m *model.Milestone) error {
	active, err := d.store.ListActiveBlockers(ctx, m.WorkflowID)
	if err != nil {
		return err
	}
	for _, b := range active {
		if !covers(b, m.ID) {
			continue
		}
		resolved, err := d.store.ResolveBlocker(ctx, b.ID, "Milestone is no longer blocked")
		if err != nil {
			return err
		}
		d.bus.Publish(ctx, bus.Event{
			Topic:    bus.TopicBlockerResolved,
			EntityID: resolved.ID,
			Payload: map[string]any{
				"blocker":      resolved,
				"milestone_id": m.ID,
			},
		})
	}
	return nil
}

func covers(b *model.Blocker, milestoneID string) bool {
	for _, id := range b.AffectedMilestoneIDs {
		if id == milestoneID {
			return true
		}
	}
	return false
}
