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

// Package ratelimit paces outgoing collection traffic per source. Backoff
// grows with consecutive 429s and a cooldown kicks in once a source trips
// its threshold. Each process paces its own traffic independently; the
// upstream provider remains the hard bound.
package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/errors"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/metrics"
)

// Profile tunes the backoff ladder for one source.
type Profile struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	CooldownThreshold float64
	CooldownDuration  time.Duration
	SuccessDelay      time.Duration
}

type sourceState struct {
	consecutive429s float64
	lastRequestAt   time.Time
	inCooldown      bool
	cooldownUntil   time.Time
}

// SourceSnapshot is a read-only view of one source's pacing state.
type SourceSnapshot struct {
	Consecutive429s float64   `json:"consecutive429s"`
	InCooldown      bool      `json:"inCooldown"`
	CooldownUntil   time.Time `json:"cooldownUntil,omitempty"`
	LastRequestAt   time.Time `json:"lastRequestAt,omitempty"`
}

// Limiter holds the pacing state for every source. All fields of a source's
// state are read-modify-written together, so a single mutex guards the lot.
type Limiter struct {
	mu       sync.Mutex
	clk      clock.Clock
	log      *zap.SugaredLogger
	profiles map[string]Profile
	fallback Profile
	states   map[string]*sourceState
	jitter   func() float64
}

func NewLimiter(clk clock.Clock, log *zap.SugaredLogger, profiles map[string]Profile, fallback Profile) *Limiter {
	return &Limiter{
		clk:      clk,
		log:      log,
		profiles: profiles,
		fallback: fallback,
		states:   map[string]*sourceState{},
		jitter:   func() float64 { return 0.8 + rand.Float64()*0.4 },
	}
}

func (l *Limiter) profile(source string) Profile {
	if p, ok := l.profiles[source]; ok {
		return p
	}
	return l.fallback
}

func (l *Limiter) state(source string) *sourceState {
	st, ok := l.states[source]
	if !ok {
		st = &sourceState{}
		l.states[source] = st
	}
	return st
}

// GetRequiredDelay computes how long the caller must wait before hitting
// the source. Cooldown expiry is applied lazily here.
func (l *Limiter) GetRequiredDelay(source string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requiredDelayLocked(source)
}

func (l *Limiter) requiredDelayLocked(source string) time.Duration {
	now := l.clk.Now()
	p := l.profile(source)
	st := l.state(source)

	if st.inCooldown {
		if now.Before(st.cooldownUntil) {
			return st.cooldownUntil.Sub(now)
		}
		st.inCooldown = false
		st.consecutive429s = 0
		l.log.Infof("source %s cooldown elapsed, resuming", source)
	}

	var delay time.Duration
	if st.consecutive429s > 0 {
		backoff := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, st.consecutive429s)
		backoff = math.Min(backoff, float64(p.MaxDelay))
		delay = time.Duration(backoff * l.jitter())
	} else {
		delay = p.SuccessDelay
	}
	if !st.lastRequestAt.IsZero() {
		delay -= now.Sub(st.lastRequestAt)
	} else {
		delay = 0
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Wait blocks until the source may be hit, then stamps the request time.
// Honors ctx cancellation.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	for {
		l.mu.Lock()
		delay := l.requiredDelayLocked(source)
		if delay <= 0 {
			l.state(source).lastRequestAt = l.clk.Now()
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		t := l.clk.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C():
		}
	}
}

// RecordSuccess walks one step back down the backoff ladder.
func (l *Limiter) RecordSuccess(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(source)
	st.consecutive429s = math.Max(0, st.consecutive429s-1)
}

// Record429 advances the ladder and enters cooldown once the source
// crosses its threshold.
func (l *Limiter) Record429(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.profile(source)
	st := l.state(source)
	st.consecutive429s++
	if !st.inCooldown && st.consecutive429s >= p.CooldownThreshold {
		st.inCooldown = true
		st.cooldownUntil = l.clk.Now().Add(p.CooldownDuration)
		metrics.SourceCooldownsTotal.WithLabelValues(source).Inc()
		l.log.Warnf("source %s entered cooldown until %s after %.1f consecutive 429s",
			source, st.cooldownUntil.Format(time.RFC3339), st.consecutive429s)
	}
}

// RecordError classifies an arbitrary failure. A 429-looking message counts
// as a full 429; anything else nudges the ladder by half a step, capped at
// two, so persistent unrelated errors slow us down without tripping
// cooldown on their own.
func (l *Limiter) RecordError(source, msg string) {
	if errors.Is429Message(msg) {
		l.Record429(source)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(source)
	st.consecutive429s = math.Min(st.consecutive429s+0.5, 2)
}

// Snapshot returns the current state of every tracked source.
func (l *Limiter) Snapshot() map[string]SourceSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]SourceSnapshot, len(l.states))
	for src, st := range l.states {
		out[src] = SourceSnapshot{
			Consecutive429s: st.consecutive429s,
			InCooldown:      st.inCooldown,
			CooldownUntil:   st.cooldownUntil,
			LastRequestAt:   st.lastRequestAt,
		}
	}
	return out
}
