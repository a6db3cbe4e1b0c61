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

// Package operator assembles the engine: logger, stores, KV substrate,
// queues, workers, scheduler and the metrics endpoint, with graceful
// shutdown on context cancellation.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/adapters"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/cancellation"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/engine"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/keypool"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/kv"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/metrics"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/operator/options"
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

// Adapters are the external collaborators the operator wires in.
type Adapters struct {
	Collector adapters.Collector
	LLM       adapters.LLM
	Notifier  adapters.Notifier
}

// Operator owns the assembled component graph and its lifecycle.
type Operator struct {
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Store     *store.Store

	collectQ *queue.Queue
	matchQ   *queue.Queue
	opts     *options.Options
	log      *zap.SugaredLogger
}

// NewLogger builds the process logger.
func NewLogger() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("building logger, %v", err))
	}
	return logger.Sugar()
}

// New assembles the engine from options and adapters.
func New(ctx context.Context, opts *options.Options, ext Adapters, log *zap.SugaredLogger) (*Operator, error) {
	clk := clock.RealClock{}

	db, err := store.Open(ctx, opts.DatabaseURL)
	if err != nil {
		return nil, err
	}

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url, %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	kvClient := kv.NewClient(kv.NewRedisStore(rdb), clk, log)

	host, _ := os.Hostname()
	locker := sublock.NewLocker(kvClient, clk, log, fmt.Sprintf("%s-%d", host, os.Getpid()), opts.LockTTL())
	cancels := cancellation.NewRegistry(kvClient, log, opts.CancelTTL())
	reqCache := requestcache.New(opts.RequestCacheTTL(), time.Minute)

	profiles, fallback := ratelimit.DefaultProfiles(opts.CollectMinDelay(), opts.LinkedinDelay(), opts.IndeedDelay())
	limiter := ratelimit.NewLimiter(clk, log, profiles, fallback)

	keys, err := keypool.NewPool(clk, log, opts.APIKeys(), opts.KeyRPM)
	if err != nil {
		return nil, err
	}

	tracker := runtracker.New(db.Runs, clk, log)

	collectQ := queue.New("collection", rdb, kvClient.Degraded, clk, log, queue.Config{
		Concurrency:   opts.CollectConcurrency,
		FallbackSlots: 2,
	})
	matchQ := queue.New("matching", rdb, kvClient.Degraded, clk, log, queue.Config{
		Concurrency:   opts.LLMConcurrency,
		FallbackSlots: 5,
	})
	collectQ.SetEvents(queueMetrics("collection"))
	matchQ.SetEvents(queueMetrics("matching"))

	collectWorker := workers.NewCollectionWorker(ext.Collector, limiter, reqCache, cancels, log)
	matchWorker := workers.NewMatchingWorker(ext.LLM, keys, db.Matches, cancels, log)
	collectQ.Process(collectWorker.Handle)
	matchQ.Process(matchWorker.Handle)

	notifier := adapters.NewDedupingNotifier(ext.Notifier, 24*time.Hour, log)

	driver := pipeline.NewDriver(collectQ, matchQ, tracker, cancels, notifier, ext.LLM, keys, clk, log,
		pipeline.Config{
			Sources:          opts.SourceList(),
			CollectLimit:     25,
			MaxQueriesPerRun: opts.MaxQueriesPerRun,
			ExpandTitles:     opts.ExpandTitles,
		})

	sched := scheduler.New(db.Subscriptions, tracker, locker, driver, clk, log, scheduler.Config{
		MaxPerMinute: opts.MaxPerMinute,
		RunInterval:  opts.JobInterval(),
		RetryDelay:   opts.RetryDelay(),
		SafetyWindow: opts.SafetyWindow(),
		StaleRunAge:  opts.StaleRunAge(),
		StuckRunAge:  opts.StuckRunAge(),
	})

	eng := &engine.Engine{
		Subs:     db.Subscriptions,
		Tracker:  tracker,
		Locker:   locker,
		Cancels:  cancels,
		Driver:   driver,
		CollectQ: collectQ,
		MatchQ:   matchQ,
		Limiter:  limiter,
		ReqCache: reqCache,
		Clock:    clk,
		Log:      log,
	}

	return &Operator{
		Engine:    eng,
		Scheduler: sched,
		Store:     db,
		collectQ:  collectQ,
		matchQ:    matchQ,
		opts:      opts,
		log:       log,
	}, nil
}

func queueMetrics(name string) queue.Events {
	return queue.Events{
		OnCompleted: func(string) {
			metrics.QueueJobsTotal.WithLabelValues(name, queue.StateCompleted).Inc()
		},
		OnFailed: func(string, error) {
			metrics.QueueJobsTotal.WithLabelValues(name, queue.StateFailed).Inc()
		},
		OnStalled: func(string) {
			metrics.QueueStalledTotal.WithLabelValues(name).Inc()
		},
	}
}

// Start runs the queues, the scheduler and the metrics endpoint until ctx
// is done, then drains.
func (o *Operator) Start(ctx context.Context) {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", o.opts.MetricsPort),
		Handler: metricsHandler(),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.log.Errorf("metrics server, %v", err)
		}
	}()

	var wg sync.WaitGroup
	for _, q := range []*queue.Queue{o.collectQ, o.matchQ} {
		q := q
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.Scheduler.Run(ctx)
	}()

	<-ctx.Done()
	o.log.Infof("shutting down")
	wg.Wait()
	o.Engine.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := o.Store.Close(); err != nil {
		o.log.Warnf("closing store, %v", err)
	}
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	return mux
}
