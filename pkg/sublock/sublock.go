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

// Package sublock provides the distributed per-subscription lock that
// guarantees at-most-one concurrent run per subscription across the fleet.
package sublock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/kv"
)

const keyPrefix = "lock:subscription:"

// holderInfo is stored as the lock value. It is diagnostic only and never
// consulted for correctness; the KV's set-if-absent is the correctness
// boundary.
type holderInfo struct {
	Holder     string    `json:"holder"`
	Host       string    `json:"host"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Locker acquires and releases subscription locks.
type Locker struct {
	store  kv.Store
	clk    clock.Clock
	log    *zap.SugaredLogger
	holder string
	ttl    time.Duration
}

func NewLocker(store kv.Store, clk clock.Clock, log *zap.SugaredLogger, holder string, ttl time.Duration) *Locker {
	return &Locker{store: store, clk: clk, log: log, holder: holder, ttl: ttl}
}

// Acquire attempts to take the lock for the subscription. It returns false
// when the lock is already held or the KV write fails; a failed write is
// never treated as an acquisition.
func (l *Locker) Acquire(ctx context.Context, subID string) bool {
	host, _ := os.Hostname()
	val, err := json.Marshal(holderInfo{
		Holder:     l.holder,
		Host:       host,
		PID:        os.Getpid(),
		AcquiredAt: l.clk.Now(),
	})
	if err != nil {
		l.log.Errorf("marshaling lock holder, %v", err)
		return false
	}
	ok, err := l.store.Set(ctx, keyPrefix+subID, string(val), l.ttl, true)
	if err != nil {
		l.log.Warnf("acquiring lock for subscription %s, %v", subID, err)
		return false
	}
	return ok
}

// Release deletes the lock. Errors are logged and swallowed; the TTL
// guarantees eventual release.
func (l *Locker) Release(ctx context.Context, subID string) {
	if err := l.store.Del(ctx, keyPrefix+subID); err != nil {
		l.log.Warnf("releasing lock for subscription %s, %v", subID, err)
	}
}

// IsHeld reports whether any holder currently owns the subscription lock.
func (l *Locker) IsHeld(ctx context.Context, subID string) bool {
	ok, err := l.store.Exists(ctx, keyPrefix+subID)
	if err != nil {
		l.log.Warnf("checking lock for subscription %s, %v", subID, err)
		return false
	}
	return ok
}

// HeldLocks returns the subscription ids of all currently held locks.
func (l *Locker) HeldLocks(ctx context.Context) ([]string, error) {
	keys, err := l.store.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("listing subscription locks, %w", err)
	}
	subIDs := make([]string, 0, len(keys))
	for _, k := range keys {
		subIDs = append(subIDs, strings.TrimPrefix(k, keyPrefix))
	}
	return subIDs, nil
}
