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

// Package pipeline drives one run for one subscription through its five
// stages: expand, collect, normalize, match, notify. Cancellation is
// polled and a checkpoint written at every stage boundary; in-flight
// external calls are never interrupted.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/adapters"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/cancellation"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
	engerrors "github.com/nick-the-dev/ai-job-finder-sub001/pkg/errors"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/keypool"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/queue"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/runtracker"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/workers"
)

// awaitParallelism bounds concurrent waits on queued work. The queues set
// their own worker concurrency; this only caps waiter goroutines.
const awaitParallelism = 16

// Config bounds one run.
type Config struct {
	Sources           []string
	CollectLimit      int
	MaxQueriesPerRun  int
	ExpandTitles      bool
	MaxExpandedTitles int // LLM-suggested titles
	MaxResumeTitles   int // resume-derived titles
	CollectTimeout    time.Duration
	MatchTimeout      time.Duration
	CollectAttempts   int
	MatchAttempts     int
}

// Driver executes runs.
type Driver struct {
	collectQ *queue.Queue
	matchQ   *queue.Queue
	tracker  *runtracker.Tracker
	cancels  *cancellation.Registry
	notifier adapters.Notifier
	llm      adapters.LLM
	keys     *keypool.Pool
	clk      clock.Clock
	log      *zap.SugaredLogger
	cfg      Config
}

func NewDriver(collectQ, matchQ *queue.Queue, tracker *runtracker.Tracker, cancels *cancellation.Registry,
	notifier adapters.Notifier, llm adapters.LLM, keys *keypool.Pool, clk clock.Clock,
	log *zap.SugaredLogger, cfg Config) *Driver {
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = 3 * time.Minute
	}
	if cfg.MatchTimeout <= 0 {
		cfg.MatchTimeout = time.Minute
	}
	if cfg.CollectAttempts <= 0 {
		cfg.CollectAttempts = 3
	}
	if cfg.MatchAttempts <= 0 {
		cfg.MatchAttempts = 3
	}
	if cfg.MaxExpandedTitles <= 0 {
		cfg.MaxExpandedTitles = 25
	}
	if cfg.MaxResumeTitles <= 0 {
		cfg.MaxResumeTitles = 10
	}
	return &Driver{
		collectQ: collectQ,
		matchQ:   matchQ,
		tracker:  tracker,
		cancels:  cancels,
		notifier: notifier,
		llm:      llm,
		keys:     keys,
		clk:      clk,
		log:      log,
		cfg:      cfg,
	}
}

// Run executes one run to a terminal state. The driver owns all terminal
// transitions; the returned error (nil, ErrCancelled, or a stage failure)
// only informs the caller's rescheduling decision.
func (d *Driver) Run(ctx context.Context, sub core.Subscription, run *core.Run) error {
	log := d.log.With("runId", run.ID, "subscriptionId", sub.ID)
	start := d.clk.Now()

	stats := core.RunStats{}
	fail := func(stage core.Stage, err error) error {
		if ferr := d.tracker.Fail(ctx, run.ID, stage, err, nil); ferr != nil {
			log.Errorf("recording run failure, %v", ferr)
		}
		return err
	}

	// -- Collection ---------------------------------------------------
	if d.cancelled(ctx, run.ID) {
		return d.cancel(ctx, run.ID)
	}
	d.tracker.Checkpoint(ctx, run.ID, core.StageCollection, 0, "starting collection", nil)

	titles := d.expandTitles(ctx, sub, log)
	raw, collectErrs, err := d.collect(ctx, sub, run.ID, titles, log)
	if err != nil {
		return fail(core.StageCollection, err)
	}
	stats.JobsCollected = len(raw)
	d.tracker.Update(ctx, run.ID, stats)
	if collectErrs > 0 {
		log.Warnf("collection completed partially, %d queries failed", collectErrs)
	}

	// -- Normalization ------------------------------------------------
	if d.cancelled(ctx, run.ID) {
		return d.cancel(ctx, run.ID)
	}
	d.tracker.Checkpoint(ctx, run.ID, core.StageNormalization, 40,
		fmt.Sprintf("normalizing %d jobs", len(raw)), nil)

	jobs := FilterWrongCountry(Normalize(raw), sub.Location)
	stats.JobsAfterDedup = len(jobs)
	d.tracker.Update(ctx, run.ID, stats)

	// -- Matching -----------------------------------------------------
	if d.cancelled(ctx, run.ID) {
		return d.cancel(ctx, run.ID)
	}
	d.tracker.Checkpoint(ctx, run.ID, core.StageMatching, 50,
		fmt.Sprintf("matching %d jobs", len(jobs)), nil)

	results, err := d.match(ctx, sub, run.ID, jobs, &stats, log)
	if err != nil {
		return fail(core.StageMatching, err)
	}
	if d.cancelled(ctx, run.ID) {
		return d.cancel(ctx, run.ID)
	}

	// -- Filter & notify ----------------------------------------------
	d.tracker.Checkpoint(ctx, run.ID, core.StageNotification, 90,
		fmt.Sprintf("notifying for %d results", len(results)), nil)

	qualified := lo.Filter(results, func(r core.MatchResult, _ int) bool {
		return r.Score >= sub.MinScore
	})
	for _, r := range qualified {
		key := IdempotencyKey(sub.ID, r.Job.ContentHash)
		if err := d.notifier.Send(ctx, sub.TenantID, r, key); err != nil {
			log.Warnf("sending notification for job %s, %v", r.Job.ContentHash, err)
			continue
		}
		stats.NotificationsSent++
	}
	d.tracker.Update(ctx, run.ID, stats)
	d.tracker.Checkpoint(ctx, run.ID, core.StageNotification, 100, "done", nil)

	log.Infof("run completed in %s, collected %d, matched %d, notified %d",
		d.clk.Since(start), stats.JobsCollected, stats.JobsMatched, stats.NotificationsSent)
	return d.tracker.Complete(ctx, run.ID)
}

func (d *Driver) cancelled(ctx context.Context, runID string) bool {
	return d.cancels.IsCancelled(ctx, runID)
}

func (d *Driver) cancel(ctx context.Context, runID string) error {
	if err := d.tracker.Cancel(ctx, runID); err != nil {
		d.log.Errorf("recording run cancellation, %v", err)
	}
	return engerrors.ErrCancelled
}

// collect fans title x source queries into the collection queue and
// aggregates the results. Individual query failures are tolerated; the
// stage fails only when every query failed.
func (d *Driver) collect(ctx context.Context, sub core.Subscription, runID string, titles []string,
	log *zap.SugaredLogger) ([]core.RawJob, int, error) {

	var reqs []core.CollectRequest
	for _, title := range titles {
		for _, source := range d.cfg.Sources {
			reqs = append(reqs, core.CollectRequest{
				Query:      title,
				Location:   subLocationString(sub),
				IsRemote:   sub.Location != nil && sub.Location.IsRemote,
				DatePosted: "today",
				Source:     source,
				Limit:      d.cfg.CollectLimit,
			})
		}
	}
	if len(reqs) > d.cfg.MaxQueriesPerRun {
		log.Warnf("capping collection at %d of %d queries", d.cfg.MaxQueriesPerRun, len(reqs))
		reqs = reqs[:d.cfg.MaxQueriesPerRun]
	}

	handles := make([]*queue.Job, 0, len(reqs))
	for _, req := range reqs {
		payload, err := json.Marshal(workers.CollectionJob{RunID: runID, Request: req})
		if err != nil {
			return nil, 0, fmt.Errorf("encoding collection job, %w", err)
		}
		h, err := d.collectQ.Enqueue(ctx, payload, queue.EnqueueOpts{
			Priority:    2,
			Attempts:    d.cfg.CollectAttempts,
			BackoffBase: 2 * time.Second,
			JobTimeout:  d.cfg.CollectTimeout,
		})
		if err != nil {
			return nil, 0, fmt.Errorf("enqueueing collection job, %w", err)
		}
		handles = append(handles, h)
	}

	// Await all handles in parallel; a slow query must not starve the
	// timeout of the ones behind it.
	perQuery := make([][]core.RawJob, len(handles))
	succeeded := make([]bool, len(handles))
	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(awaitParallelism)
	for i, h := range handles {
		g.Go(func() error {
			out, err := h.FinishedWithTimeout(gctx, d.cfg.CollectTimeout)
			if err != nil {
				log.Warnf("collection query %q on %s failed, %v", reqs[i].Query, reqs[i].Source, err)
				return nil
			}
			var res workers.CollectionResult
			if err := json.Unmarshal(out, &res); err != nil {
				log.Warnf("decoding collection result, %v", err)
				return nil
			}
			perQuery[i] = res.Jobs
			succeeded[i] = true
			if n := done.Add(1); n%10 == 0 {
				pct := int(n) * 40 / len(handles)
				d.tracker.Checkpoint(ctx, runID, core.StageCollection, pct,
					fmt.Sprintf("collected %d/%d queries", n, len(handles)), nil)
			}
			return nil
		})
	}
	_ = g.Wait()

	var raw []core.RawJob
	failures := 0
	for i, jobs := range perQuery {
		if !succeeded[i] {
			failures++
			continue
		}
		raw = append(raw, jobs...)
	}
	if len(handles) > 0 && failures == len(handles) {
		return nil, failures, fmt.Errorf("all %d collection queries failed", failures)
	}
	return raw, failures, nil
}

// match fans one matching job per deduped posting and aggregates scores.
// Individual failures are recorded and skipped; the stage fails only when
// every unit failed.
func (d *Driver) match(ctx context.Context, sub core.Subscription, runID string, jobs []core.Job,
	stats *core.RunStats, log *zap.SugaredLogger) ([]core.MatchResult, error) {

	handles := make([]*queue.Job, 0, len(jobs))
	for _, j := range jobs {
		payload, err := json.Marshal(workers.MatchingJob{
			RunID:      runID,
			Job:        j,
			ResumeText: sub.ResumeText,
			ResumeHash: sub.ResumeHash,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding matching job, %w", err)
		}
		h, err := d.matchQ.Enqueue(ctx, payload, queue.EnqueueOpts{
			Priority:    2,
			Attempts:    d.cfg.MatchAttempts,
			BackoffBase: time.Second,
			JobTimeout:  d.cfg.MatchTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("enqueueing matching job, %w", err)
		}
		handles = append(handles, h)
	}

	perJob := make([]*workers.MatchingResult, len(handles))
	jobErrs := make([]error, len(handles))
	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(awaitParallelism)
	for i, h := range handles {
		g.Go(func() error {
			out, err := h.FinishedWithTimeout(gctx, d.cfg.MatchTimeout)
			if err != nil {
				jobErrs[i] = err
				log.Warnf("matching job %s failed, %v", jobs[i].ContentHash, err)
				return nil
			}
			var res workers.MatchingResult
			if err := json.Unmarshal(out, &res); err != nil {
				jobErrs[i] = err
				return nil
			}
			perJob[i] = &res
			if n := done.Add(1); n%5 == 0 {
				pct := 50 + int(n)*40/len(handles)
				d.tracker.Checkpoint(ctx, runID, core.StageMatching, pct,
					fmt.Sprintf("matched %d/%d jobs", n, len(handles)), nil)
			}
			return nil
		})
	}
	_ = g.Wait()

	var results []core.MatchResult
	var errs error
	for i, res := range perJob {
		if res == nil {
			errs = multierr.Append(errs, jobErrs[i])
			continue
		}
		if res.Cancelled {
			continue
		}
		results = append(results, res.Result)
		stats.JobsMatched++
	}
	d.tracker.Update(ctx, runID, *stats)
	if len(handles) > 0 && len(results) == 0 && !d.cancelled(ctx, runID) && errs != nil {
		return nil, fmt.Errorf("all %d matching jobs failed, %w", len(handles), errs)
	}
	return results, nil
}

// expandTitles asks the LLM for related titles. Best-effort: any failure
// falls back to the subscription's own titles.
func (d *Driver) expandTitles(ctx context.Context, sub core.Subscription, log *zap.SugaredLogger) []string {
	titles := sub.JobTitles
	if !d.cfg.ExpandTitles || d.llm == nil || d.keys == nil {
		return titles
	}
	key, err := d.keys.GetAvailableKey(ctx)
	if err != nil {
		log.Warnf("no LLM key for title expansion, %v", err)
		return titles
	}
	raw, err := d.llm.Call(ctx, []adapters.Message{{
		Role: "user",
		Content: fmt.Sprintf(
			`Given the job titles %v and this resume, return JSON {"titles": [...], "resumeTitles": [...]} with related search titles.\n\nResume:\n%s`,
			sub.JobTitles, sub.ResumeText),
	}}, key)
	if err != nil {
		log.Warnf("expanding titles, %v", err)
		return titles
	}
	var parsed struct {
		Titles       []string `json:"titles"`
		ResumeTitles []string `json:"resumeTitles"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		log.Warnf("decoding expanded titles, %v", err)
		return titles
	}
	expanded := lo.Slice(parsed.Titles, 0, d.cfg.MaxExpandedTitles)
	fromResume := lo.Slice(parsed.ResumeTitles, 0, d.cfg.MaxResumeTitles)
	return lo.Uniq(append(titles, append(expanded, fromResume...)...))
}

func subLocationString(sub core.Subscription) string {
	if sub.Location == nil {
		return ""
	}
	if sub.Location.IsRemote && sub.Location.Country == "" {
		return "Remote"
	}
	return sub.Location.Country
}
