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

package scheduler_test

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/adapters"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/adapters/fake"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/cancellation"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/keypool"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/kv"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/pipeline"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/queue"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/ratelimit"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/requestcache"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/runtracker"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/scheduler"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/store"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/sublock"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/workers"
)

var t0 = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

var subCols = []string{
	"id", "tenant_id", "job_titles", "location", "resume_text", "resume_hash",
	"min_score", "is_active", "is_paused", "debug_mode", "created_at",
	"last_search_at", "next_run_at",
}

func dueSubRow(id string) []driver.Value {
	return []driver.Value{
		id, "tenant-1", []byte(`["golang developer"]`), nil,
		"resume text", "resume-1", 70, true, false, false, t0.Add(-48 * time.Hour),
		nil, nil,
	}
}

var runCols = []string{
	"id", "subscription_id", "trigger_type", "status", "started_at", "completed_at",
	"duration_ms", "jobs_collected", "jobs_after_dedup", "jobs_matched",
	"notifications_sent", "current_stage", "progress_percent", "progress_detail",
	"failed_stage", "error_message", "error_stack", "error_context", "checkpoint",
}

// stringCaptor matches any string argument and remembers the last one, so
// a test can learn the run id the scheduler generated.
type stringCaptor struct {
	mu sync.Mutex
	v  string
}

func (c *stringCaptor) Match(val driver.Value) bool {
	s, ok := val.(string)
	if !ok {
		return false
	}
	c.mu.Lock()
	c.v = s
	c.mu.Unlock()
	return true
}

func (c *stringCaptor) value() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// gatedCollector blocks every Collect until released, letting a test act
// while a run is provably mid-collection.
type gatedCollector struct {
	release chan struct{}
	jobs    []core.RawJob
}

func (g *gatedCollector) Collect(ctx context.Context, _ core.CollectRequest) ([]core.RawJob, error) {
	select {
	case <-g.release:
		return g.jobs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ = Describe("Scheduler", func() {
	var mock sqlmock.Sqlmock
	var clk *testingclock.FakeClock
	var locker *sublock.Locker
	var memKV kv.Store
	var cancels *cancellation.Registry
	var tracker *runtracker.Tracker
	var st *store.Store
	var collector *fake.Collector
	var llm *fake.LLM
	var notifier *fake.Notifier
	var sched *scheduler.Scheduler
	var collectQ, matchQ *queue.Queue
	var limiter *ratelimit.Limiter
	var keys *keypool.Pool
	var runCtx context.Context
	var stopWorkers context.CancelFunc
	var running sync.WaitGroup
	log := zap.NewNop().Sugar()

	startWorkers := func(c adapters.Collector) {
		collectQ.Process(workers.NewCollectionWorker(
			c, limiter, requestcache.New(time.Minute, time.Minute), cancels, log).Handle)
		matchQ.Process(workers.NewMatchingWorker(llm, keys, st.Matches, cancels, log).Handle)
		for _, q := range []*queue.Queue{collectQ, matchQ} {
			q := q
			running.Add(1)
			go func() {
				defer running.Done()
				q.Run(runCtx)
			}()
		}
	}

	BeforeEach(func() {
		db, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(func() { _ = db.Close() })
		mock = m
		st = store.NewFromDB(sqlx.NewDb(db, "pgx"))

		clk = testingclock.NewFakeClock(t0)
		memKV = kv.NewMemoryStore(clk)
		locker = sublock.NewLocker(memKV, clk, log, "test-node", 30*time.Minute)
		cancels = cancellation.NewRegistry(memKV, log, time.Hour)
		tracker = runtracker.New(st.Runs, clk, log)

		srv, err := miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(srv.Close)
		rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		notDegraded := func() bool { return false }
		collectQ = queue.New("collect", rdb, notDegraded, clock.RealClock{}, log, queue.Config{Concurrency: 2})
		matchQ = queue.New("match", rdb, notDegraded, clock.RealClock{}, log, queue.Config{Concurrency: 2})

		collector = &fake.Collector{}
		llm = &fake.LLM{Score: 85}
		notifier = &fake.Notifier{}
		profiles, fallbackProfile := ratelimit.DefaultProfiles(0, 0, 0)
		limiter = ratelimit.NewLimiter(clk, log, profiles, fallbackProfile)
		keys, err = keypool.NewPool(clk, log, []string{"key-a"}, 100)
		Expect(err).ToNot(HaveOccurred())

		driver := pipeline.NewDriver(collectQ, matchQ, tracker, cancels, notifier, llm, keys, clk, log,
			pipeline.Config{
				Sources:          []string{"linkedin"},
				CollectLimit:     25,
				MaxQueriesPerRun: 10,
				CollectTimeout:   10 * time.Second,
				MatchTimeout:     10 * time.Second,
				CollectAttempts:  1,
				MatchAttempts:    1,
			})
		sched = scheduler.New(st.Subscriptions, tracker, locker, driver, clk, log, scheduler.Config{
			RunInterval:  time.Hour,
			RetryDelay:   5 * time.Minute,
			SafetyWindow: 24 * time.Hour,
			StaleRunAge:  24 * time.Hour,
			StuckRunAge:  10 * time.Minute,
		})
		runCtx, stopWorkers = context.WithCancel(ctx)
	})
	AfterEach(func() {
		stopWorkers()
		running.Wait()
	})

	Describe("Tick", func() {
		It("should advance next_run_at before any work and complete a clean run", func() {
			collector.Jobs = []core.RawJob{{
				Title: "Go Developer", Company: "Acme", Location: "New York, NY", Source: "linkedin",
			}}
			hash := pipeline.ContentHash("Go Developer", "Acme", "New York, NY")

			mock.ExpectQuery(`ORDER BY next_run_at ASC NULLS FIRST`).
				WithArgs(t0, 5).
				WillReturnRows(sqlmock.NewRows(subCols).AddRow(dueSubRow("sub-1")...))
			mock.ExpectExec(`UPDATE subscriptions SET next_run_at = \$2 WHERE id = \$1`).
				WithArgs("sub-1", t0.Add(24*time.Hour)).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO runs`).
				WithArgs(sqlmock.AnyArg(), "sub-1", "scheduled", "running", t0).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery(`FROM job_matches`).
				WithArgs(hash, "resume-1").
				WillReturnRows(sqlmock.NewRows([]string{
					"job_content_hash", "resume_hash", "score", "strengths", "weaknesses", "created_at",
				}))
			mock.ExpectExec(`INSERT INTO job_matches.*ON CONFLICT`).
				WithArgs(hash, "resume-1", 85, sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`UPDATE runs SET status = \$2`).
				WithArgs(sqlmock.AnyArg(), "completed", t0).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`UPDATE subscriptions SET last_search_at = \$2, next_run_at = \$3`).
				WithArgs("sub-1", t0, t0.Add(time.Hour)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			startWorkers(collector)
			sched.Tick(ctx)

			Eventually(mock.ExpectationsWereMet, 10*time.Second).Should(Succeed())
			Expect(notifier.SentCount()).To(Equal(1))
			Expect(notifier.Sent[0].ChatID).To(Equal("tenant-1"))
			Expect(notifier.Sent[0].IdempotencyKey).To(Equal(pipeline.IdempotencyKey("sub-1", hash)))
			Expect(locker.IsHeld(ctx, "sub-1")).To(BeFalse())
		})

		It("should retry after the short delay when every collection query fails", func() {
			collector.FailNext(fmt.Errorf("upstream down"), -1)

			mock.ExpectQuery(`ORDER BY next_run_at ASC NULLS FIRST`).
				WithArgs(t0, 5).
				WillReturnRows(sqlmock.NewRows(subCols).AddRow(dueSubRow("sub-1")...))
			mock.ExpectExec(`UPDATE subscriptions SET next_run_at = \$2 WHERE id = \$1`).
				WithArgs("sub-1", t0.Add(24*time.Hour)).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO runs`).
				WithArgs(sqlmock.AnyArg(), "sub-1", "scheduled", "running", t0).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`UPDATE runs SET status = 'failed'`).
				WithArgs(sqlmock.AnyArg(), t0, "collection", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`UPDATE subscriptions SET next_run_at = \$2 WHERE id = \$1`).
				WithArgs("sub-1", t0.Add(5*time.Minute)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			startWorkers(collector)
			sched.Tick(ctx)

			Eventually(mock.ExpectationsWereMet, 10*time.Second).Should(Succeed())
			Expect(notifier.SentCount()).To(BeZero())
			Expect(locker.IsHeld(ctx, "sub-1")).To(BeFalse())
		})

		It("should skip a subscription whose lock another instance holds", func() {
			other := sublock.NewLocker(memKV, clk, log, "other-node", 30*time.Minute)
			Expect(other.Acquire(ctx, "sub-1")).To(BeTrue())

			mock.ExpectQuery(`ORDER BY next_run_at ASC NULLS FIRST`).
				WithArgs(t0, 5).
				WillReturnRows(sqlmock.NewRows(subCols).AddRow(dueSubRow("sub-1")...))

			startWorkers(collector)
			sched.Tick(ctx)

			Eventually(mock.ExpectationsWereMet).Should(Succeed())
			// no safety advance, no run, no collection happened
			Consistently(collector.Calls, 300*time.Millisecond).Should(BeZero())
			Expect(locker.IsHeld(ctx, "sub-1")).To(BeTrue())
		})

		It("should cancel a run mid-collection without notifying and keep the normal cadence", func() {
			gated := &gatedCollector{
				release: make(chan struct{}),
				jobs:    []core.RawJob{{Title: "Go Developer", Company: "Acme", Source: "linkedin"}},
			}
			runID := &stringCaptor{}

			mock.ExpectQuery(`ORDER BY next_run_at ASC NULLS FIRST`).
				WithArgs(t0, 5).
				WillReturnRows(sqlmock.NewRows(subCols).AddRow(dueSubRow("sub-1")...))
			mock.ExpectExec(`UPDATE subscriptions SET next_run_at = \$2 WHERE id = \$1`).
				WithArgs("sub-1", t0.Add(24*time.Hour)).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO runs`).
				WithArgs(runID, "sub-1", "scheduled", "running", t0).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`UPDATE runs SET status = \$2`).
				WithArgs(sqlmock.AnyArg(), "cancelled", t0).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`UPDATE subscriptions SET next_run_at = \$2 WHERE id = \$1`).
				WithArgs("sub-1", t0.Add(time.Hour)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			startWorkers(gated)
			sched.Tick(ctx)

			Eventually(runID.value, 10*time.Second).ShouldNot(BeEmpty())
			cancels.MarkCancelled(ctx, runID.value())
			close(gated.release)

			Eventually(mock.ExpectationsWereMet, 10*time.Second).Should(Succeed())
			Expect(notifier.SentCount()).To(BeZero())
			Expect(llm.Calls()).To(BeZero())
			Expect(locker.IsHeld(ctx, "sub-1")).To(BeFalse())
		})
	})

	Describe("Recover", func() {
		It("should fail an interrupted run, release its lock and make the subscription due", func() {
			Expect(locker.Acquire(ctx, "sub-1")).To(BeTrue())

			mock.ExpectQuery(`WHERE status = 'running' AND started_at < \$1\s+RETURNING`).
				WithArgs(t0.Add(-24*time.Hour), t0, "stale").
				WillReturnRows(sqlmock.NewRows(runCols))
			mock.ExpectQuery(`WHERE status = 'running' AND checkpoint IS NOT NULL`).
				WithArgs(t0.Add(-24 * time.Hour)).
				WillReturnRows(sqlmock.NewRows(runCols).AddRow(
					"run-9", "sub-1", "scheduled", "running", t0.Add(-time.Hour), nil,
					nil, 5, 3, 0,
					0, "matching", 60, "12/20 scored",
					nil, nil, nil, nil, []byte(`{"stage":"matching","percent":60,"detail":"12/20 scored"}`),
				))
			mock.ExpectExec(`UPDATE runs SET status = 'failed'`).
				WithArgs("run-9", t0, "matching", scheduler.ReasonServerRestart, "", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`UPDATE subscriptions SET next_run_at = \$2 WHERE id = \$1`).
				WithArgs("sub-1", t0).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery(`WHERE status = 'running' AND checkpoint IS NULL`).
				WithArgs(t0.Add(-10 * time.Minute)).
				WillReturnRows(sqlmock.NewRows(runCols))

			sched.Recover(ctx)

			Expect(mock.ExpectationsWereMet()).To(Succeed())
			Expect(locker.IsHeld(ctx, "sub-1")).To(BeFalse())
		})

		It("should fail a stuck run that never checkpointed", func() {
			mock.ExpectQuery(`WHERE status = 'running' AND started_at < \$1\s+RETURNING`).
				WithArgs(t0.Add(-24*time.Hour), t0, "stale").
				WillReturnRows(sqlmock.NewRows(runCols))
			mock.ExpectQuery(`WHERE status = 'running' AND checkpoint IS NOT NULL`).
				WithArgs(t0.Add(-24 * time.Hour)).
				WillReturnRows(sqlmock.NewRows(runCols))
			mock.ExpectQuery(`WHERE status = 'running' AND checkpoint IS NULL`).
				WithArgs(t0.Add(-10 * time.Minute)).
				WillReturnRows(sqlmock.NewRows(runCols).AddRow(
					"run-3", "sub-2", "scheduled", "running", t0.Add(-time.Hour), nil,
					nil, 0, 0, 0,
					0, nil, 0, nil,
					nil, nil, nil, nil, nil,
				))
			mock.ExpectExec(`UPDATE runs SET status = 'failed'`).
				WithArgs("run-3", t0, "", scheduler.ReasonStuckNoProgress, "", nil).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`UPDATE subscriptions SET next_run_at = \$2 WHERE id = \$1`).
				WithArgs("sub-2", t0).
				WillReturnResult(sqlmock.NewResult(0, 1))

			sched.Recover(ctx)

			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("Cleanup", func() {
		It("should fail stale runs and release their locks", func() {
			Expect(locker.Acquire(ctx, "sub-1")).To(BeTrue())

			mock.ExpectQuery(`WHERE status = 'running' AND started_at < \$1\s+RETURNING`).
				WithArgs(t0.Add(-24*time.Hour), t0, "stale").
				WillReturnRows(sqlmock.NewRows(runCols).AddRow(
					"run-1", "sub-1", "scheduled", "failed", t0.Add(-30*time.Hour), nil,
					nil, 0, 0, 0,
					0, nil, 0, nil,
					nil, "stale", nil, nil, nil,
				))

			sched.Cleanup(ctx)

			Expect(mock.ExpectationsWereMet()).To(Succeed())
			Expect(locker.IsHeld(ctx, "sub-1")).To(BeFalse())
		})
	})
})
