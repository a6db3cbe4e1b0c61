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

// Package requestcache coalesces identical in-flight collection requests so
// that concurrent runs asking the same question share one adapter call. The
// cache is process-local and an optimization only, never a correctness
// boundary.
package requestcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/metrics"
)

// Fetch performs the underlying collection call on a cache miss.
type Fetch func(ctx context.Context) ([]core.RawJob, error)

// Cache deduplicates collection requests. Completed results live for the
// configured TTL; a failed fetch is never stored so the next caller
// retries. All returned slices are defensive copies.
type Cache struct {
	group   singleflight.Group
	results *gocache.Cache
}

// New creates a Cache. The go-cache janitor doubles as the stale-entry
// sweeper, running at sweepInterval.
func New(ttl, sweepInterval time.Duration) *Cache {
	c := &Cache{results: gocache.New(ttl, sweepInterval)}
	// the janitor shrinks the cache without going through put
	c.results.OnEvicted(func(string, any) {
		metrics.RequestCacheSize.Set(float64(c.results.ItemCount()))
	})
	return c
}

// Key derives the cache key for a request: the first 16 hex characters of
// the SHA-256 of the canonical JSON parameter encoding.
func Key(req core.CollectRequest) string {
	// Field order is fixed by the struct definition; SkipCache is excluded
	// from the JSON encoding and so never perturbs the key.
	raw, _ := json.Marshal(req)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// Do returns the cached result for req or executes fetch, sharing one
// execution among all concurrent callers with the same key. SkipCache
// forces a fresh fetch whose result replaces the cached entry.
func (c *Cache) Do(ctx context.Context, req core.CollectRequest, fetch Fetch) ([]core.RawJob, error) {
	key := Key(req)
	if req.SkipCache {
		jobs, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.put(key, jobs)
		return jobs, nil
	}
	if raw, ok := c.results.Get(key); ok {
		return decode(raw.([]byte))
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if raw, ok := c.results.Get(key); ok {
			return raw.([]byte), nil
		}
		jobs, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return c.put(key, jobs), nil
	})
	if err != nil {
		return nil, err
	}
	return decode(v.([]byte))
}

// Size returns the number of live cached results.
func (c *Cache) Size() int {
	return c.results.ItemCount()
}

func (c *Cache) put(key string, jobs []core.RawJob) []byte {
	raw, _ := json.Marshal(jobs)
	c.results.SetDefault(key, raw)
	metrics.RequestCacheSize.Set(float64(c.results.ItemCount()))
	return raw
}

func decode(raw []byte) ([]core.RawJob, error) {
	var jobs []core.RawJob
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, fmt.Errorf("decoding cached result, %w", err)
	}
	return jobs, nil
}
