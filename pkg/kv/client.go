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

package kv

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Client routes Store operations through a circuit breaker. While the
// breaker is closed, operations go to the primary (redis) store; when the
// primary errors or the breaker is open, operations fall back to a
// process-local store. Cross-instance safety is lost in degraded mode; the
// transition is logged at warn level once per state change.
type Client struct {
	primary  Store
	fallback *MemoryStore
	breaker  *gobreaker.CircuitBreaker
	log      *zap.SugaredLogger
	degraded atomic.Bool
}

func NewClient(primary Store, clk clock.Clock, log *zap.SugaredLogger) *Client {
	c := &Client{
		primary:  primary,
		fallback: NewMemoryStore(clk),
		log:      log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "kv",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warnf("kv breaker %s -> %s", from, to)
		},
	})
	return c
}

// Degraded reports whether the last operation had to use the local
// fallback. Used by the queue to switch into direct-execution mode.
func (c *Client) Degraded() bool {
	return c.degraded.Load()
}

func (c *Client) execute(op func() (any, error), local func() (any, error)) (any, error) {
	out, err := c.breaker.Execute(op)
	if err == nil {
		if c.degraded.CompareAndSwap(true, false) {
			c.log.Infof("kv store recovered, leaving process-local fallback")
		}
		return out, nil
	}
	if c.degraded.CompareAndSwap(false, true) {
		c.log.Warnf("kv store unavailable, falling back to process-local state (cross-instance safety lost): %v", err)
	}
	return local()
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration, ifAbsent bool) (bool, error) {
	out, err := c.execute(
		func() (any, error) {
			ok, err := c.primary.Set(ctx, key, value, ttl, ifAbsent)
			return ok, err
		},
		func() (any, error) {
			ok, err := c.fallback.Set(ctx, key, value, ttl, ifAbsent)
			return ok, err
		},
	)
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	type result struct {
		val   string
		found bool
	}
	out, err := c.execute(
		func() (any, error) {
			val, found, err := c.primary.Get(ctx, key)
			return result{val, found}, err
		},
		func() (any, error) {
			val, found, err := c.fallback.Get(ctx, key)
			return result{val, found}, err
		},
	)
	if err != nil {
		return "", false, err
	}
	res := out.(result)
	return res.val, res.found, nil
}

func (c *Client) Del(ctx context.Context, key string) error {
	_, err := c.execute(
		func() (any, error) { return nil, c.primary.Del(ctx, key) },
		func() (any, error) { return nil, c.fallback.Del(ctx, key) },
	)
	return err
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	out, err := c.execute(
		func() (any, error) {
			ok, err := c.primary.Exists(ctx, key)
			return ok, err
		},
		func() (any, error) {
			ok, err := c.fallback.Exists(ctx, key)
			return ok, err
		},
	)
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	out, err := c.execute(
		func() (any, error) { return c.primary.Keys(ctx, pattern) },
		func() (any, error) { return c.fallback.Keys(ctx, pattern) },
	)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.([]string), nil
}
