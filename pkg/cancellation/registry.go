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

// Package cancellation publishes "run cancelled" flags that every worker in
// the fleet can observe. Workers poll at stage boundaries; in-flight
// external calls are never interrupted mid-request.
package cancellation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/kv"
)

const keyPrefix = "cancelled_runs:"

// Registry marks runs cancelled and answers cancellation polls.
type Registry struct {
	store kv.Store
	log   *zap.SugaredLogger
	ttl   time.Duration
}

func NewRegistry(store kv.Store, log *zap.SugaredLogger, ttl time.Duration) *Registry {
	return &Registry{store: store, log: log, ttl: ttl}
}

// MarkCancelled flags the run. Fire-and-forget: a failed write is logged
// and the run proceeds to completion.
func (r *Registry) MarkCancelled(ctx context.Context, runID string) {
	if _, err := r.store.Set(ctx, keyPrefix+runID, "1", r.ttl, false); err != nil {
		r.log.Warnf("marking run %s cancelled, %v", runID, err)
	}
}

// IsCancelled reports whether the run has been flagged. Fail-open: when the
// KV store is unavailable the run continues.
func (r *Registry) IsCancelled(ctx context.Context, runID string) bool {
	ok, err := r.store.Exists(ctx, keyPrefix+runID)
	if err != nil {
		r.log.Warnf("checking cancellation for run %s, %v", runID, err)
		return false
	}
	return ok
}
