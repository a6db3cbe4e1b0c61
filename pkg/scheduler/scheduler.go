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

// Package scheduler decides when each subscription runs. A minutely tick
// picks due subscriptions, takes their locks and drives the pipeline; a
// slower janitor fails stale runs; startup recovery cleans up whatever a
// dead process left behind.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
	engerrors "github.com/nick-the-dev/ai-job-finder-sub001/pkg/errors"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/metrics"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/pipeline"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/runtracker"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/store"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/sublock"
)

// Config carries the scheduling tunables.
type Config struct {
	TickInterval    time.Duration // due-scan period
	CleanupInterval time.Duration // janitor period
	MaxPerMinute    int           // subscriptions started per tick
	RunInterval     time.Duration // next run after success
	RetryDelay      time.Duration // next run after failure
	SafetyWindow    time.Duration // pre-work nextRunAt advance
	StaleRunAge     time.Duration // running-for-longer-than-this is stale
	StuckRunAge     time.Duration // running with no checkpoint for this long is stuck
}

// Scheduler owns the tick and cleanup loops.
type Scheduler struct {
	subs    *store.SubscriptionStore
	tracker *runtracker.Tracker
	locker  *sublock.Locker
	driver  *pipeline.Driver
	clk     clock.WithTicker
	log     *zap.SugaredLogger
	cfg     Config

	ticking atomic.Bool
	wg      sync.WaitGroup
}

func New(subs *store.SubscriptionStore, tracker *runtracker.Tracker, locker *sublock.Locker,
	driver *pipeline.Driver, clk clock.WithTicker, log *zap.SugaredLogger, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 5
	}
	if cfg.RunInterval <= 0 {
		cfg.RunInterval = time.Hour
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Minute
	}
	if cfg.SafetyWindow <= 0 {
		cfg.SafetyWindow = 24 * time.Hour
	}
	if cfg.StaleRunAge <= 0 {
		cfg.StaleRunAge = 24 * time.Hour
	}
	if cfg.StuckRunAge <= 0 {
		cfg.StuckRunAge = 10 * time.Minute
	}
	return &Scheduler{
		subs:    subs,
		tracker: tracker,
		locker:  locker,
		driver:  driver,
		clk:     clk,
		log:     log,
		cfg:     cfg,
	}
}

// Run recovers leftover state, then ticks until ctx is done and waits for
// in-flight pipelines.
func (s *Scheduler) Run(ctx context.Context) {
	s.Recover(ctx)

	tick := s.clk.NewTicker(s.cfg.TickInterval)
	cleanup := s.clk.NewTicker(s.cfg.CleanupInterval)
	defer tick.Stop()
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-tick.C():
			s.Tick(ctx)
		case <-cleanup.C():
			s.Cleanup(ctx)
		}
	}
}

// Tick scans for due subscriptions and launches their pipelines.
// Non-reentrant: a tick that finds the previous one still scanning skips.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.log.Debugf("previous tick still in progress, skipping")
		return
	}
	defer s.ticking.Store(false)

	subs, err := s.subs.ListDue(ctx, s.clk.Now(), s.cfg.MaxPerMinute)
	if err != nil {
		s.log.Errorf("listing due subscriptions, %v", err)
		return
	}
	for _, sub := range subs {
		sub := sub
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runOne(ctx, sub)
		}()
	}
}

// runOne drives the pipeline for one due subscription under its lock.
func (s *Scheduler) runOne(ctx context.Context, sub core.Subscription) {
	if !s.locker.Acquire(ctx, sub.ID) {
		s.log.Infof("lock failed for subscription %s, another instance is running it", sub.ID)
		return
	}
	defer s.locker.Release(ctx, sub.ID)

	now := s.clk.Now()
	// advance before doing any work so a crash below cannot leave the row
	// due forever
	if err := s.subs.SetNextRun(ctx, sub.ID, now.Add(s.cfg.SafetyWindow)); err != nil {
		s.log.Errorf("advancing next run for subscription %s, %v", sub.ID, err)
		return
	}

	run, err := s.tracker.Start(ctx, sub.ID, core.TriggerScheduled)
	if err != nil {
		s.log.Errorf("starting run for subscription %s, %v", sub.ID, err)
		s.reschedule(ctx, sub.ID, s.cfg.RetryDelay)
		return
	}

	switch err := s.driver.Run(ctx, sub, run); {
	case err == nil:
		metrics.RunsTotal.WithLabelValues(string(core.RunStatusCompleted)).Inc()
		metrics.RunDurationSeconds.Observe(s.clk.Since(now).Seconds())
		done := s.clk.Now()
		if merr := s.subs.MarkSearched(ctx, sub.ID, done, done.Add(s.cfg.RunInterval)); merr != nil {
			s.log.Errorf("marking subscription %s searched, %v", sub.ID, merr)
		}
	case engerrors.IsCancelled(err):
		// cancelled by the tenant; resume the normal cadence
		metrics.RunsTotal.WithLabelValues(string(core.RunStatusCancelled)).Inc()
		s.reschedule(ctx, sub.ID, s.cfg.RunInterval)
	default:
		metrics.RunsTotal.WithLabelValues(string(core.RunStatusFailed)).Inc()
		s.reschedule(ctx, sub.ID, s.cfg.RetryDelay)
	}
}

func (s *Scheduler) reschedule(ctx context.Context, subID string, delay time.Duration) {
	if err := s.subs.SetNextRun(ctx, subID, s.clk.Now().Add(delay)); err != nil {
		s.log.Errorf("rescheduling subscription %s, %v", subID, err)
	}
}

// Cleanup fails runs that have been running longer than the stale cutoff
// and releases their locks.
func (s *Scheduler) Cleanup(ctx context.Context) {
	runs, err := s.tracker.FailStaleRuns(ctx, s.cfg.StaleRunAge)
	if err != nil {
		s.log.Errorf("failing stale runs, %v", err)
		return
	}
	for _, run := range runs {
		s.locker.Release(ctx, run.SubscriptionID)
	}
}
