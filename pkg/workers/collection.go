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

// Package workers holds the two queue consumers: collection jobs hit the
// external job boards under rate-limiter pacing, matching jobs score
// postings against resumes through the LLM key pool.
package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/adapters"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/cancellation"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
	engerrors "github.com/nick-the-dev/ai-job-finder-sub001/pkg/errors"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/ratelimit"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/requestcache"
)

// CollectionJob is the payload of one collection queue entry.
type CollectionJob struct {
	RunID   string              `json:"runId"`
	Request core.CollectRequest `json:"request"`
}

// CollectionResult is the outcome of one collection job. Cancelled results
// carry no jobs and are not retried.
type CollectionResult struct {
	Cancelled bool          `json:"cancelled,omitempty"`
	Jobs      []core.RawJob `json:"jobs"`
}

// CollectionWorker consumes the collection queue.
type CollectionWorker struct {
	collector adapters.Collector
	limiter   *ratelimit.Limiter
	cache     *requestcache.Cache
	cancels   *cancellation.Registry
	log       *zap.SugaredLogger
}

func NewCollectionWorker(collector adapters.Collector, limiter *ratelimit.Limiter, cache *requestcache.Cache,
	cancels *cancellation.Registry, log *zap.SugaredLogger) *CollectionWorker {
	return &CollectionWorker{
		collector: collector,
		limiter:   limiter,
		cache:     cache,
		cancels:   cancels,
		log:       log,
	}
}

// Handle executes one collection job. Errors bubble to the queue, which
// retries with backoff; a 429 is recorded against the source first.
func (w *CollectionWorker) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	var job CollectionJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("decoding collection job, %w", err)
	}
	if w.cancels.IsCancelled(ctx, job.RunID) {
		return json.Marshal(CollectionResult{Cancelled: true})
	}

	jobs, err := w.cache.Do(ctx, job.Request, func(ctx context.Context) ([]core.RawJob, error) {
		return w.collect(ctx, job.Request)
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(CollectionResult{Jobs: jobs})
}

// collect performs the paced external call and feeds the rate limiter's
// ladder with the outcome.
func (w *CollectionWorker) collect(ctx context.Context, req core.CollectRequest) ([]core.RawJob, error) {
	if err := w.limiter.Wait(ctx, req.Source); err != nil {
		return nil, err
	}
	jobs, err := w.collector.Collect(ctx, req)
	if err != nil {
		if engerrors.IsRateLimited(err) {
			w.limiter.Record429(req.Source)
			return nil, &engerrors.RateLimitedError{Source: req.Source, Err: err}
		}
		w.limiter.RecordError(req.Source, err.Error())
		return nil, fmt.Errorf("collecting from %s, %w", req.Source, err)
	}
	w.limiter.RecordSuccess(req.Source)
	return jobs, nil
}
