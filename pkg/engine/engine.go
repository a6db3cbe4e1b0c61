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

// Package engine exposes the control surface the admin collaborators call:
// manual run start/stop, stuck-run cleanup and diagnostics. Engine is also
// the context object that ties queue, workers and tracker together without
// direct imports between them.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/cancellation"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
	engerrors "github.com/nick-the-dev/ai-job-finder-sub001/pkg/errors"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/pipeline"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/queue"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/ratelimit"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/requestcache"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/runtracker"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/store"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/sublock"
)

// Engine is the per-process component graph.
type Engine struct {
	Subs     *store.SubscriptionStore
	Tracker  *runtracker.Tracker
	Locker   *sublock.Locker
	Cancels  *cancellation.Registry
	Driver   *pipeline.Driver
	CollectQ *queue.Queue
	MatchQ   *queue.Queue
	Limiter  *ratelimit.Limiter
	ReqCache *requestcache.Cache
	Clock    clock.Clock
	Log      *zap.SugaredLogger

	wg sync.WaitGroup
}

// StartRun launches a pipeline for the subscription outside the scheduled
// cadence. Returns ErrConflict when a run is already in flight.
func (e *Engine) StartRun(ctx context.Context, subID string, trigger core.TriggerType) (string, error) {
	sub, err := e.Subs.Get(ctx, subID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return "", fmt.Errorf("subscription %s not found", subID)
	}
	if !e.Locker.Acquire(ctx, subID) {
		return "", fmt.Errorf("subscription %s: %w", subID, engerrors.ErrConflict)
	}
	run, err := e.Tracker.Start(ctx, subID, trigger)
	if err != nil {
		e.Locker.Release(ctx, subID)
		return "", err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.Locker.Release(context.WithoutCancel(ctx), subID)
		if err := e.Driver.Run(context.WithoutCancel(ctx), *sub, run); err != nil && !engerrors.IsCancelled(err) {
			e.Log.Warnf("manual run %s failed, %v", run.ID, err)
		}
	}()
	return run.ID, nil
}

// StopRun marks the run cancelled and returns the current snapshot without
// waiting for workers to observe the flag.
func (e *Engine) StopRun(ctx context.Context, runID string) (*core.Run, error) {
	e.Cancels.MarkCancelled(ctx, runID)
	run, err := e.Tracker.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return run, nil
}

// FailStuckRuns force-fails runs that have been running longer than
// minAge and returns how many were affected.
func (e *Engine) FailStuckRuns(ctx context.Context, minAge time.Duration) (int, error) {
	runs, err := e.Tracker.FailStaleRuns(ctx, minAge)
	if err != nil {
		return 0, err
	}
	for _, run := range runs {
		e.Locker.Release(ctx, run.SubscriptionID)
	}
	return len(runs), nil
}

// Diagnostics is the operational snapshot served to the dashboard.
type Diagnostics struct {
	HeldLocks        []string                            `json:"heldLocks"`
	Queues           []queue.Stats                       `json:"queues"`
	RequestCacheSize int                                 `json:"requestCacheSize"`
	Sources          map[string]ratelimit.SourceSnapshot `json:"sources"`
	RecentFailures   []core.Run                          `json:"recentFailures"`
}

// GetDiagnostics collects the current lock set, queue depths, cache size
// and recent failures.
func (e *Engine) GetDiagnostics(ctx context.Context) (*Diagnostics, error) {
	locks, err := e.Locker.HeldLocks(ctx)
	if err != nil {
		e.Log.Warnf("listing held locks, %v", err)
	}
	failures, err := e.Tracker.RecentFailures(ctx, 20)
	if err != nil {
		e.Log.Warnf("listing recent failures, %v", err)
	}
	return &Diagnostics{
		HeldLocks:        locks,
		Queues:           []queue.Stats{e.CollectQ.GetStats(ctx), e.MatchQ.GetStats(ctx)},
		RequestCacheSize: e.ReqCache.Size(),
		Sources:          e.Limiter.Snapshot(),
		RecentFailures:   failures,
	}, nil
}

// Wait blocks until all manually started runs finish. Used on shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}
