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

package scheduler

import (
	"context"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
)

// Failure reasons written by startup recovery.
const (
	ReasonServerRestart   = "server_restart"
	ReasonStuckNoProgress = "stuck_no_progress"
)

// Recover cleans up runs a previous process left behind: stale runs are
// failed outright; interrupted runs (running, with a checkpoint) and stuck
// runs (running, no checkpoint for too long) are failed with a descriptive
// reason, their locks released, and their subscriptions made due so the
// next tick starts fresh.
func (s *Scheduler) Recover(ctx context.Context) {
	stale, err := s.tracker.FailStaleRuns(ctx, s.cfg.StaleRunAge)
	if err != nil {
		s.log.Errorf("failing stale runs on startup, %v", err)
	}
	for _, run := range stale {
		s.locker.Release(ctx, run.SubscriptionID)
	}

	interrupted, err := s.tracker.FindInterruptedRuns(ctx, s.cfg.StaleRunAge)
	if err != nil {
		s.log.Errorf("finding interrupted runs, %v", err)
	}
	for _, run := range interrupted {
		s.recoverOne(ctx, run, ReasonServerRestart)
	}

	stuck, err := s.tracker.FindStuckRunsWithoutCheckpoint(ctx, s.cfg.StuckRunAge)
	if err != nil {
		s.log.Errorf("finding stuck runs, %v", err)
	}
	for _, run := range stuck {
		s.recoverOne(ctx, run, ReasonStuckNoProgress)
	}

	if n := len(stale) + len(interrupted) + len(stuck); n > 0 {
		s.log.Infof("startup recovery handled %d leftover runs (%d stale, %d interrupted, %d stuck)",
			n, len(stale), len(interrupted), len(stuck))
	}
}

func (s *Scheduler) recoverOne(ctx context.Context, run core.Run, reason string) {
	if err := s.tracker.FailWithReason(ctx, run, reason); err != nil {
		s.log.Errorf("failing run %s as %s, %v", run.ID, reason, err)
		return
	}
	s.locker.Release(ctx, run.SubscriptionID)
	if err := s.subs.SetNextRun(ctx, run.SubscriptionID, s.clk.Now()); err != nil {
		s.log.Errorf("making subscription %s due after recovery, %v", run.SubscriptionID, err)
	}
	s.log.Warnw("recovered leftover run", "runId", run.ID, "reason", reason,
		"subscriptionId", run.SubscriptionID)
}
