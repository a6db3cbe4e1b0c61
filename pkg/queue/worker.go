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

package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Run consumes the queue until ctx is done. It starts cfg.Concurrency
// consumer goroutines plus the stalled-job sweeper.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consume(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.sweepStalled(ctx)
	}()
	wg.Wait()
}

func (q *Queue) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if q.degraded() {
			// direct mode handles execution at enqueue time
			q.sleep(ctx, time.Second)
			continue
		}
		q.promoteDelayed(ctx)
		id, ok := q.reserve(ctx)
		if !ok {
			q.sleep(ctx, pollInterval)
			continue
		}
		q.execute(ctx, id)
	}
}

// reserve pops the highest-precedence ready job and moves it into the
// processing set with a fresh heartbeat.
func (q *Queue) reserve(ctx context.Context) (string, bool) {
	zs, err := q.rdb.ZPopMin(ctx, q.readyKey(), 1).Result()
	if err != nil || len(zs) == 0 {
		if err != nil && !errors.Is(err, redis.Nil) {
			q.log.Warnf("reserving job, %v", err)
		}
		return "", false
	}
	id := zs[0].Member.(string)
	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, q.processingKey(), redis.Z{Score: float64(q.clk.Now().UnixMilli()), Member: id})
	pipe.HSet(ctx, q.jobKey(id), "state", StateActive)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warnf("activating job %s, %v", id, err)
	}
	return id, true
}

func (q *Queue) execute(ctx context.Context, id string) {
	payload, err := q.rdb.HGet(ctx, q.jobKey(id), "payload").Result()
	if err != nil {
		q.log.Errorf("loading job %s payload, %v", id, err)
		q.rdb.ZRem(ctx, q.processingKey(), id)
		return
	}

	// heartbeat while the handler runs so the sweeper leaves us alone
	hbCtx, stopHB := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		for {
			t := q.clk.NewTimer(heartbeatInterval)
			select {
			case <-hbCtx.Done():
				t.Stop()
				return
			case <-t.C():
				q.rdb.ZAdd(hbCtx, q.processingKey(), redis.Z{
					Score:  float64(q.clk.Now().UnixMilli()),
					Member: id,
				})
			}
		}
	}()

	result, handlerErr := q.handler(ctx, []byte(payload))
	stopHB()
	hbDone.Wait()

	if handlerErr != nil {
		q.nack(ctx, id, handlerErr)
		return
	}
	q.ack(ctx, id, result)
}

func (q *Queue) ack(ctx context.Context, id string, result []byte) {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), id)
	pipe.HSet(ctx, q.jobKey(id), "state", StateCompleted, "result", result)
	pipe.Expire(ctx, q.jobKey(id), completedJobTTL)
	pipe.LPush(ctx, q.doneListKey(StateCompleted), id)
	pipe.LTrim(ctx, q.doneListKey(StateCompleted), 0, 999)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warnf("completing job %s, %v", id, err)
	}
	if q.events.OnCompleted != nil {
		q.events.OnCompleted(id)
	}
}

// nack reschedules the job with exponential backoff, or fails it once its
// attempts are exhausted.
func (q *Queue) nack(ctx context.Context, id string, cause error) {
	vals, err := q.rdb.HMGet(ctx, q.jobKey(id), "attempts", "maxAttempts", "backoffMs").Result()
	if err != nil {
		q.log.Warnf("reading job %s for retry, %v", id, err)
		return
	}
	attempts := parseInt(vals[0]) + 1
	maxAttempts := parseInt(vals[1])
	backoffMs := parseInt(vals[2])

	if attempts >= maxAttempts {
		q.fail(ctx, id, cause)
		return
	}
	backoff := time.Duration(backoffMs) * time.Millisecond << (attempts - 1)
	readyAt := q.clk.Now().Add(backoff)
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), id)
	pipe.HSet(ctx, q.jobKey(id), "state", StateDelayed, "attempts", attempts)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warnf("delaying job %s, %v", id, err)
	}
	q.log.Debugf("job %s attempt %d/%d failed, retrying in %s: %v", id, attempts, maxAttempts, backoff, cause)
}

func (q *Queue) fail(ctx context.Context, id string, cause error) {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), id)
	pipe.HSet(ctx, q.jobKey(id), "state", StateFailed, "error", cause.Error())
	pipe.Expire(ctx, q.jobKey(id), completedJobTTL)
	pipe.LPush(ctx, q.doneListKey(StateFailed), id)
	pipe.LTrim(ctx, q.doneListKey(StateFailed), 0, 999)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warnf("failing job %s, %v", id, err)
	}
	if q.events.OnFailed != nil {
		q.events.OnFailed(id, cause)
	}
}

// promoteDelayed moves due delayed jobs back onto the ready set.
func (q *Queue) promoteDelayed(ctx context.Context) {
	now := q.clk.Now().UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		prio, _ := q.rdb.HGet(ctx, q.jobKey(id), "priority").Result()
		p := parseInt(prio)
		if p == 0 {
			p = 2
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), id)
		pipe.HSet(ctx, q.jobKey(id), "state", StateWaiting)
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{
			Score:  float64(p)*prioritySpan + float64(now),
			Member: id,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			q.log.Warnf("promoting delayed job %s, %v", id, err)
		}
	}
}

// sweepStalled requeues processing jobs whose heartbeat went quiet, up to
// maxStalledCount times each.
func (q *Queue) sweepStalled(ctx context.Context) {
	for {
		if !q.sleep(ctx, q.cfg.StallInterval) {
			return
		}
		if q.degraded() {
			continue
		}
		cutoff := q.clk.Now().Add(-q.cfg.StallTimeout).UnixMilli()
		ids, err := q.rdb.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatInt(cutoff, 10),
		}).Result()
		if err != nil {
			q.log.Warnf("scanning for stalled jobs, %v", err)
			continue
		}
		for _, id := range ids {
			stalls, _ := q.rdb.HIncrBy(ctx, q.jobKey(id), "stalls", 1).Result()
			if int(stalls) > q.cfg.MaxStalledCount {
				q.fail(ctx, id, fmt.Errorf("job stalled %d times", stalls))
				continue
			}
			now := q.clk.Now().UnixMilli()
			pipe := q.rdb.TxPipeline()
			pipe.ZRem(ctx, q.processingKey(), id)
			pipe.HSet(ctx, q.jobKey(id), "state", StateWaiting)
			pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: 2*prioritySpan + float64(now), Member: id})
			if _, err := pipe.Exec(ctx); err != nil {
				q.log.Warnf("requeuing stalled job %s, %v", id, err)
			}
			q.log.Warnf("job %s stalled, requeued (stall %d/%d)", id, stalls, q.cfg.MaxStalledCount)
			if q.events.OnStalled != nil {
				q.events.OnStalled(id)
			}
		}
	}
}

// sleep waits d or until ctx is done, reporting whether the full wait
// elapsed.
func (q *Queue) sleep(ctx context.Context, d time.Duration) bool {
	t := q.clk.NewTimer(d)
	select {
	case <-ctx.Done():
		t.Stop()
		return false
	case <-t.C():
		return true
	}
}
