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

// Package keypool rotates LLM API keys under a per-key sliding-window rate
// limit. A key that returns 429 is benched for a minute regardless of its
// window occupancy.
package keypool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/errors"
)

const window = time.Minute

type keyStat struct {
	key          string
	timestamps   []time.Time
	is429Blocked bool
	blockedUntil time.Time
}

// Pool hands out API keys round-robin, skipping keys whose sliding window
// is full or that are benched after a 429.
type Pool struct {
	mu            sync.Mutex
	clk           clock.Clock
	log           *zap.SugaredLogger
	keys          []*keyStat
	ratePerMinute int
	currentIndex  int
}

func NewPool(clk clock.Clock, log *zap.SugaredLogger, keys []string, ratePerMinute int) (*Pool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no LLM API keys configured", errors.ErrConfiguration)
	}
	p := &Pool{clk: clk, log: log, ratePerMinute: ratePerMinute}
	for _, k := range keys {
		p.keys = append(p.keys, &keyStat{key: k})
	}
	return p, nil
}

// GetAvailableKey blocks until some key has window capacity, records the
// use, and returns the key.
func (p *Pool) GetAvailableKey(ctx context.Context) (string, error) {
	for {
		p.mu.Lock()
		now := p.clk.Now()
		p.sweepLocked(now)

		for i := range p.keys {
			st := p.keys[(p.currentIndex+i)%len(p.keys)]
			if st.is429Blocked || len(st.timestamps) >= p.ratePerMinute {
				continue
			}
			st.timestamps = append(st.timestamps, now)
			p.currentIndex = (p.currentIndex + i + 1) % len(p.keys)
			p.mu.Unlock()
			return st.key, nil
		}

		wait := p.minWaitLocked(now)
		p.mu.Unlock()

		p.log.Debugf("all %d LLM keys saturated, waiting %s", len(p.keys), wait)
		t := p.clk.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C():
		}
	}
}

// MarkKey429 benches the key for one minute.
func (p *Pool) MarkKey429(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.keys {
		if st.key == key {
			st.is429Blocked = true
			st.blockedUntil = p.clk.Now().Add(window)
			p.log.Warnf("LLM key %s rate limited, blocked for %s", MaskKey(key), window)
			return
		}
	}
}

// MaskKey renders a key safe for logs.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return "***" + key[len(key)-8:]
}

// sweepLocked drops expired window entries and lifts elapsed 429 blocks.
func (p *Pool) sweepLocked(now time.Time) {
	cutoff := now.Add(-window)
	for _, st := range p.keys {
		kept := st.timestamps[:0]
		for _, ts := range st.timestamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		st.timestamps = kept
		if st.is429Blocked && !now.Before(st.blockedUntil) {
			st.is429Blocked = false
		}
	}
}

// minWaitLocked computes the soonest instant any key could free up.
func (p *Pool) minWaitLocked(now time.Time) time.Duration {
	min := window
	for _, st := range p.keys {
		var wait time.Duration
		if st.is429Blocked {
			wait = st.blockedUntil.Sub(now)
		} else if len(st.timestamps) > 0 {
			wait = st.timestamps[0].Add(window).Sub(now)
		} else {
			continue
		}
		if wait > 0 && wait < min {
			min = wait
		}
	}
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	return min
}
