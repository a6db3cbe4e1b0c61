/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package runtracker drives the run state machine: running is the only
// live state, completed/failed/cancelled are absorbing, and every
// transition is written through to the durable store. Writes for one run
// are serialized by the caller holding the subscription lock.
package runtracker

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/store"
)

// StaleReason is written to runs failed by the janitor.
const StaleReason = "stale"

// Tracker records run progress and terminal outcomes.
type Tracker struct {
	runs *store.RunStore
	clk  clock.Clock
	log  *zap.SugaredLogger
}

func New(runs *store.RunStore, clk clock.Clock, log *zap.SugaredLogger) *Tracker {
	return &Tracker{runs: runs, clk: clk, log: log}
}

// Start creates a running run record.
func (t *Tracker) Start(ctx context.Context, subscriptionID string, trigger core.TriggerType) (*core.Run, error) {
	run := &core.Run{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		TriggerType:    trigger,
		Status:         core.RunStatusRunning,
		StartedAt:      t.clk.Now(),
	}
	if err := t.insertWithRetry(ctx, run); err != nil {
		return nil, err
	}
	t.log.Infow("run started", "runId", run.ID, "subscriptionId", subscriptionID, "trigger", trigger)
	return run, nil
}

func (t *Tracker) insertWithRetry(ctx context.Context, run *core.Run) error {
	return retry.Do(
		func() error { return t.runs.Insert(ctx, run) },
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

// Checkpoint writes a durable progress marker. Called at the start of each
// stage and after each external-call batch.
func (t *Tracker) Checkpoint(ctx context.Context, runID string, stage core.Stage, percent int, detail string, opaque map[string]any) {
	cp := core.Checkpoint{
		Stage:     stage,
		Percent:   percent,
		Detail:    detail,
		Opaque:    opaque,
		UpdatedAt: t.clk.Now(),
	}
	if err := t.runs.SetCheckpoint(ctx, runID, cp); err != nil {
		t.log.Warnf("checkpointing run %s, %v", runID, err)
	}
}

// Update merges the monotone stage counters. Idempotent.
func (t *Tracker) Update(ctx context.Context, runID string, stats core.RunStats) {
	if err := t.runs.UpdateStats(ctx, runID, stats); err != nil {
		t.log.Warnf("updating stats for run %s, %v", runID, err)
	}
}

// Complete transitions the run to completed.
func (t *Tracker) Complete(ctx context.Context, runID string) error {
	if err := t.runs.Complete(ctx, runID, t.clk.Now()); err != nil {
		return err
	}
	t.log.Infow("run completed", "runId", runID)
	return nil
}

// Fail transitions the run to failed with the failure context.
func (t *Tracker) Fail(ctx context.Context, runID string, stage core.Stage, cause error, errorContext map[string]any) error {
	if err := t.runs.Fail(ctx, runID, t.clk.Now(), store.FailParams{
		Stage:        stage,
		Message:      cause.Error(),
		Stack:        string(debug.Stack()),
		ErrorContext: errorContext,
	}); err != nil {
		return err
	}
	t.log.Warnw("run failed", "runId", runID, "stage", stage, "error", cause)
	return nil
}

// Cancel transitions the run to cancelled.
func (t *Tracker) Cancel(ctx context.Context, runID string) error {
	if err := t.runs.Cancel(ctx, runID, t.clk.Now()); err != nil {
		return err
	}
	t.log.Infow("run cancelled", "runId", runID)
	return nil
}

// Get returns the run or nil when unknown.
func (t *Tracker) Get(ctx context.Context, runID string) (*core.Run, error) {
	return t.runs.Get(ctx, runID)
}

// FailStaleRuns fails every run that has been running longer than maxAge
// and returns the affected runs so the caller can release their locks.
func (t *Tracker) FailStaleRuns(ctx context.Context, maxAge time.Duration) ([]core.Run, error) {
	now := t.clk.Now()
	runs, err := t.runs.FailStale(ctx, now.Add(-maxAge), now, StaleReason)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		t.log.Warnf("failed %d stale runs older than %s", len(runs), maxAge)
	}
	return runs, nil
}

// FindInterruptedRuns returns recent running runs that left a checkpoint
// behind, evidence of a process that died mid-run.
func (t *Tracker) FindInterruptedRuns(ctx context.Context, window time.Duration) ([]core.Run, error) {
	return t.runs.FindInterrupted(ctx, t.clk.Now().Add(-window))
}

// FindStuckRunsWithoutCheckpoint returns running runs older than minAge
// that never checkpointed.
func (t *Tracker) FindStuckRunsWithoutCheckpoint(ctx context.Context, minAge time.Duration) ([]core.Run, error) {
	return t.runs.FindStuckWithoutCheckpoint(ctx, t.clk.Now().Add(-minAge))
}

// FailWithReason fails one run with a synthetic reason, preserving its last
// checkpoint in the error context for post-mortem.
func (t *Tracker) FailWithReason(ctx context.Context, run core.Run, reason string) error {
	var errCtx map[string]any
	if run.Checkpoint != nil {
		errCtx = map[string]any{
			"lastCheckpoint": run.Checkpoint,
		}
	}
	return t.runs.Fail(ctx, run.ID, t.clk.Now(), store.FailParams{
		Stage:        run.CurrentStage,
		Message:      reason,
		ErrorContext: errCtx,
	})
}

// RecentFailures returns the latest failed runs for diagnostics.
func (t *Tracker) RecentFailures(ctx context.Context, limit int) ([]core.Run, error) {
	return t.runs.RecentFailures(ctx, limit)
}
