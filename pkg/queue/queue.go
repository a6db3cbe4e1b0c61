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

// Package queue is the two-stage work queue (collection, matching) on top
// of redis: a priority ready set, a delayed set for retry backoff, and a
// processing set with heartbeats for stall detection. When redis is
// unavailable jobs execute directly in-process under a semaphore, keeping
// rate discipline at the cost of priority ordering and cross-instance
// fairness.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	engerrors "github.com/nick-the-dev/ai-job-finder-sub001/pkg/errors"
)

// Job states stored in the job hash.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

const (
	// scores are priority*prioritySpan + enqueue-millis so ZPOPMIN yields
	// lowest priority value first, FIFO within a priority
	prioritySpan = 1e14

	pollInterval      = 200 * time.Millisecond
	heartbeatInterval = 5 * time.Second
	completedJobTTL   = time.Hour
)

// EnqueueOpts mirror the per-job options of the queue contract.
type EnqueueOpts struct {
	Priority         int // 1..3, lower wins
	Attempts         int
	BackoffBase      time.Duration
	JobTimeout       time.Duration
	RemoveOnComplete int
	RemoveOnFail     int
}

// Handler executes one job payload and returns its result.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Events receives queue lifecycle callbacks, e.g. for metrics.
type Events struct {
	OnCompleted func(jobID string)
	OnFailed    func(jobID string, err error)
	OnStalled   func(jobID string)
}

// Config tunes one named queue.
type Config struct {
	Concurrency     int
	StallInterval   time.Duration // sweep period
	StallTimeout    time.Duration // heartbeat age that counts as stalled
	MaxStalledCount int
	FallbackSlots   int64 // direct-execution semaphore capacity
}

// Queue is one named queue (collection or matching).
type Queue struct {
	name     string
	rdb      redis.UniversalClient
	degraded func() bool
	clk      clock.Clock
	log      *zap.SugaredLogger
	cfg      Config
	handler  Handler
	events   Events
	sem      *semaphore.Weighted
}

func New(name string, rdb redis.UniversalClient, degraded func() bool, clk clock.Clock, log *zap.SugaredLogger, cfg Config) *Queue {
	if cfg.StallInterval <= 0 {
		cfg.StallInterval = 30 * time.Second
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = time.Minute
	}
	if cfg.MaxStalledCount <= 0 {
		cfg.MaxStalledCount = 1
	}
	if cfg.FallbackSlots <= 0 {
		cfg.FallbackSlots = int64(cfg.Concurrency)
	}
	return &Queue{
		name:     name,
		rdb:      rdb,
		degraded: degraded,
		clk:      clk,
		log:      log.With("queue", name),
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.FallbackSlots),
	}
}

// Process registers the job handler. Must be called before Run or Enqueue.
func (q *Queue) Process(h Handler) { q.handler = h }

// SetEvents registers lifecycle callbacks.
func (q *Queue) SetEvents(e Events) { q.events = e }

func (q *Queue) key(parts ...string) string {
	k := "queue:" + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) readyKey() string            { return q.key("ready") }
func (q *Queue) delayedKey() string          { return q.key("delayed") }
func (q *Queue) processingKey() string       { return q.key("processing") }
func (q *Queue) jobKey(id string) string     { return q.key("job", id) }
func (q *Queue) doneListKey(s string) string { return q.key(s) }

// Job is a handle on an enqueued job.
type Job struct {
	ID    string
	q     *Queue
	opts  EnqueueOpts
	local *localResult
}

type localResult struct {
	done   chan struct{}
	result []byte
	err    error
}

// Enqueue adds a job. In degraded mode the job executes directly
// in-process, gated by the fallback semaphore.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, opts EnqueueOpts) (*Job, error) {
	if opts.Priority == 0 {
		opts.Priority = 2
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if q.degraded() {
		return q.enqueueDirect(ctx, payload, opts), nil
	}

	id := uuid.NewString()
	now := q.clk.Now()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), map[string]any{
		"payload":     payload,
		"state":       StateWaiting,
		"priority":    opts.Priority,
		"attempts":    0,
		"maxAttempts": opts.Attempts,
		"backoffMs":   opts.BackoffBase.Milliseconds(),
		"stalls":      0,
		"enqueuedAt":  now.UnixMilli(),
	})
	pipe.ZAdd(ctx, q.readyKey(), redis.Z{
		Score:  float64(opts.Priority)*prioritySpan + float64(now.UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueueing job on %s, %w", q.name, err)
	}
	return &Job{ID: id, q: q, opts: opts}, nil
}

// enqueueDirect runs the handler inline under the fallback semaphore and
// delivers the result through a local channel.
func (q *Queue) enqueueDirect(ctx context.Context, payload []byte, opts EnqueueOpts) *Job {
	res := &localResult{done: make(chan struct{})}
	id := uuid.NewString()
	go func() {
		defer close(res.done)
		if err := q.sem.Acquire(ctx, 1); err != nil {
			res.err = err
			return
		}
		defer q.sem.Release(1)
		var lastErr error
		for attempt := 1; attempt <= opts.Attempts; attempt++ {
			out, err := q.handler(ctx, payload)
			if err == nil {
				res.result = out
				return
			}
			lastErr = err
			if attempt < opts.Attempts {
				backoff := opts.BackoffBase << (attempt - 1)
				t := q.clk.NewTimer(backoff)
				select {
				case <-ctx.Done():
					t.Stop()
					res.err = ctx.Err()
					return
				case <-t.C():
				}
			}
		}
		res.err = lastErr
	}()
	return &Job{ID: id, q: q, opts: opts, local: res}
}

// Finished blocks until the job reaches a terminal state and returns its
// result or failure.
func (j *Job) Finished(ctx context.Context) ([]byte, error) {
	if j.local != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-j.local.done:
			return j.local.result, j.local.err
		}
	}
	for {
		vals, err := j.q.rdb.HMGet(ctx, j.q.jobKey(j.ID), "state", "result", "error").Result()
		if err != nil {
			return nil, fmt.Errorf("polling job %s, %w", j.ID, err)
		}
		state, _ := vals[0].(string)
		switch state {
		case StateCompleted:
			result, _ := vals[1].(string)
			return []byte(result), nil
		case StateFailed:
			msg, _ := vals[2].(string)
			return nil, errors.New(msg)
		}
		t := j.q.clk.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C():
		}
	}
}

// FinishedWithTimeout races Finished against a client-side deadline. On
// timeout the caller gets ErrTimeout but the job may still complete on a
// worker.
func (j *Job) FinishedWithTimeout(ctx context.Context, d time.Duration) ([]byte, error) {
	if d <= 0 {
		d = j.opts.JobTimeout
	}
	if d <= 0 {
		return j.Finished(ctx)
	}
	type outcome struct {
		result []byte
		err    error
	}
	ch := make(chan outcome, 1)
	inner, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		result, err := j.Finished(inner)
		ch <- outcome{result, err}
	}()
	t := j.q.clk.NewTimer(d)
	defer t.Stop()
	select {
	case out := <-ch:
		return out.result, out.err
	case <-t.C():
		return nil, fmt.Errorf("job %s on %s after %s: %w", j.ID, j.q.name, d, engerrors.ErrTimeout)
	}
}

// State returns the job's current state.
func (j *Job) State(ctx context.Context) (string, error) {
	if j.local != nil {
		select {
		case <-j.local.done:
			if j.local.err != nil {
				return StateFailed, nil
			}
			return StateCompleted, nil
		default:
			return StateActive, nil
		}
	}
	state, err := j.q.rdb.HGet(ctx, j.q.jobKey(j.ID), "state").Result()
	if err != nil {
		return "", fmt.Errorf("reading job %s state, %w", j.ID, err)
	}
	return state, nil
}

// Stats is a point-in-time view of queue depth for diagnostics.
type Stats struct {
	Name       string `json:"name"`
	Waiting    int64  `json:"waiting"`
	Delayed    int64  `json:"delayed"`
	Processing int64  `json:"processing"`
	Completed  int64  `json:"completed"`
	Failed     int64  `json:"failed"`
}

// GetStats reads current depths. Best-effort; errors zero the counts.
func (q *Queue) GetStats(ctx context.Context) Stats {
	s := Stats{Name: q.name}
	if q.degraded() {
		return s
	}
	s.Waiting, _ = q.rdb.ZCard(ctx, q.readyKey()).Result()
	s.Delayed, _ = q.rdb.ZCard(ctx, q.delayedKey()).Result()
	s.Processing, _ = q.rdb.ZCard(ctx, q.processingKey()).Result()
	s.Completed, _ = q.rdb.LLen(ctx, q.doneListKey(StateCompleted)).Result()
	s.Failed, _ = q.rdb.LLen(ctx, q.doneListKey(StateFailed)).Result()
	return s
}

func parseInt(v any) int {
	s, _ := v.(string)
	n, _ := strconv.Atoi(s)
	return n
}
